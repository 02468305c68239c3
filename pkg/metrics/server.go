// Package metrics runs an HTTP server to:
// 1. Expose Prometheus metrics;
// 2. Serve endpoints to execute health checks.
package metrics

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dataengineering/salestream/pkg/shared/logging"
	"github.com/dataengineering/salestream/pkg/shared/util"
)

const (
	// EnvPPROF enables the pprof debug endpoints
	EnvPPROF = "SALESTREAM_PPROF"
	// EnvDebug also enables them, alongside debug logging
	EnvDebug = "SALESTREAM_DEBUG"
)

type metricsServer struct {
	addr string
	// Functions that the readiness check executes
	healthCheckExecutors []func() error
	// statusFunc supplies the body served at /healthz
	statusFunc func() interface{}
}

type Option func(*metricsServer)

// WithHealthCheckExecutor appends a readiness check executor
func WithHealthCheckExecutor(f func() error) Option {
	return func(m *metricsServer) {
		m.healthCheckExecutors = append(m.healthCheckExecutors, f)
	}
}

// WithStatusFunc sets the provider of the /healthz response body
func WithStatusFunc(f func() interface{}) Option {
	return func(m *metricsServer) {
		m.statusFunc = f
	}
}

// NewMetricsServer returns a metrics server instance listening on addr.
func NewMetricsServer(addr string, opts ...Option) *metricsServer {
	m := new(metricsServer)
	m.addr = addr
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Start starts the HTTP service to expose metrics and health endpoints,
// it returns a shutdown function and an error if any.
func (ms *metricsServer) Start(ctx context.Context) (func(ctx context.Context) error, error) {
	log := logging.FromContext(ctx)
	httpServer := &http.Server{
		Addr:              ms.addr,
		Handler:           ms.handler(log),
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() {
		log.Infow("Starting metrics HTTP server", zap.String("addr", ms.addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("Failed to listen-and-serve on the metrics server", zap.Error(err))
		}
		log.Info("Metrics server shutdown")
	}()
	return httpServer.Shutdown, nil
}

func (ms *metricsServer) handler(log *zap.SugaredLogger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		for _, ex := range ms.healthCheckExecutors {
			if err := ex(); err != nil {
				log.Errorw("Failed to execute health check", zap.Error(err))
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ms.statusFunc == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		body, err := json.Marshal(ms.statusFunc())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	pprofEnabled := util.LookupEnvBoolOr(EnvDebug, false) || util.LookupEnvBoolOr(EnvPPROF, false)
	if pprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		log.Info("Not enabling pprof debug endpoints")
	}
	return mux
}
