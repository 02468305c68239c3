package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dataengineering/salestream/pkg/config"
	"github.com/dataengineering/salestream/pkg/metrics"
	"github.com/dataengineering/salestream/pkg/pipeline"
	"github.com/dataengineering/salestream/pkg/shared/logging"
)

func NewRunCommand() *cobra.Command {
	var (
		configFile   string
		stopDeadline time.Duration
	)

	command := &cobra.Command{
		Use:   "run",
		Short: "Start the processing pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewLogger().Named("pipeline")
			settings, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration, %w", err)
			}
			log.Infow("Starting pipeline",
				"brokers", settings.Brokers, "topic", settings.RawTopic, "group", settings.GroupID)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = logging.WithLogger(ctx, log)

			orch := pipeline.New(settings, pipeline.WithLogger(log))
			if err := orch.Initialize(ctx); err != nil {
				return err
			}
			if err := orch.Start(ctx); err != nil {
				return err
			}

			ms := metrics.NewMetricsServer(settings.MetricsAddr,
				metrics.WithStatusFunc(func() interface{} { return orch.Health() }),
				metrics.WithHealthCheckExecutor(func() error {
					h := orch.Health()
					if !h.Running {
						return fmt.Errorf("pipeline is %s", h.State)
					}
					if !h.Connected {
						return errors.New("consumer disconnected")
					}
					return nil
				}))
			shutdown, err := ms.Start(ctx)
			if err != nil {
				_ = orch.Stop(stopDeadline)
				return fmt.Errorf("failed to start the metrics server, %w", err)
			}

			<-ctx.Done()
			log.Info("Termination signal received, draining")
			stopErr := orch.Stop(stopDeadline)
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Errorw("Metrics server shutdown failed", "err", err)
			}
			return stopErr
		},
	}
	command.Flags().StringVar(&configFile, "config", "", "Path to a YAML settings file, optional")
	command.Flags().DurationVar(&stopDeadline, "stop-deadline", 30*time.Second, "Grace period for in-flight work on shutdown")
	return command
}
