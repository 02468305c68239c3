// Package pipeline coordinates the lifecycle of the streaming components:
// construct and connect, run the poll/process/commit loop, drain, stop.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/montanaflynn/stats"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/dataengineering/salestream/pkg/aggregator"
	"github.com/dataengineering/salestream/pkg/anomaly"
	"github.com/dataengineering/salestream/pkg/config"
	"github.com/dataengineering/salestream/pkg/publisher"
	"github.com/dataengineering/salestream/pkg/shared/logging"
	sharedutil "github.com/dataengineering/salestream/pkg/shared/util"
	"github.com/dataengineering/salestream/pkg/subscriber"
)

// number of recent lag samples kept for the health median
const pendingSampleCap = 60

// Source is the consuming side the orchestrator drives. Implemented by
// *subscriber.Subscriber.
type Source interface {
	Subscribe(ctx context.Context) error
	Poll(ctx context.Context, count int64) ([]subscriber.ConsumedEvent, error)
	Commit(offsets []subscriber.Offset) error
	Pending(ctx context.Context) (int64, error)
	Healthy() bool
	LastError() error
	Stop()
	Close() error
}

// Sink is one outbound topic. Implemented by *publisher.Publisher.
type Sink interface {
	PublishRawAsync(key string, payload []byte) <-chan publisher.Result
	Flush()
	Close() error
}

// Health is a non-blocking snapshot of the orchestrator, safe to read
// concurrently from any state.
type Health struct {
	State         string `json:"state"`
	Initialized   bool   `json:"initialized"`
	Running       bool   `json:"running"`
	Connected     bool   `json:"connected"`
	PendingMedian int64  `json:"pending_median"`
	LastError     string `json:"last_error,omitempty"`
}

// Orchestrator supervises start-up ordering, failure isolation and
// graceful shutdown of the pipeline.
type Orchestrator struct {
	settings config.Settings
	log      *zap.SugaredLogger

	state   *atomic.Int32
	lastErr *atomic.Error

	client sarama.Client

	source     Source
	alerts     Sink
	snapshots  Sink
	quarantine Sink

	agg *aggregator.Aggregator
	det *anomaly.Detector

	runCancel context.CancelFunc
	runDone   chan struct{}

	pendingLock    sync.Mutex
	pendingSamples []float64

	stopOnce sync.Once
	stopErr  error
}

type Option func(*Orchestrator)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Orchestrator) {
		o.log = l
	}
}

// New returns an uninitialized Orchestrator for the given settings.
func New(settings config.Settings, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		settings: settings,
		state:    atomic.NewInt32(int32(Uninitialized)),
		lastErr:  atomic.NewError(nil),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logging.NewLogger()
	}
	return o
}

func (o *Orchestrator) currentState() State {
	return State(o.state.Load())
}

// Initialize constructs the publisher, subscriber, aggregator and detector
// and verifies broker connectivity, retrying up to the configured budget.
// It fails fast, naming the unavailable dependency, and moves the
// orchestrator to Failed on unrecoverable errors.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if s := o.currentState(); s != Uninitialized {
		return &StateError{Op: "initialize", State: s}
	}
	if err := o.settings.Validate(); err != nil {
		o.fail(err)
		return err
	}
	saramaCfg, err := o.settings.SaramaConfig()
	if err != nil {
		o.fail(err)
		return err
	}

	backoff := sharedutil.DefaultRetryBackoff
	backoff.Steps = o.settings.RetrySteps
	var client sarama.Client
	err = wait.ExponentialBackoffWithContext(ctx, backoff, func(_ context.Context) (bool, error) {
		c, cerr := sarama.NewClient(o.settings.Brokers, saramaCfg)
		if cerr != nil {
			o.log.Warnw("Log service not reachable, retrying", zap.Strings("brokers", o.settings.Brokers), zap.Error(cerr))
			return false, nil
		}
		client = c
		return true, nil
	})
	if err != nil {
		err = fmt.Errorf("log service unavailable at %v after %d attempts, %w", o.settings.Brokers, o.settings.RetrySteps, err)
		o.fail(err)
		return err
	}
	o.client = client

	pubBackoff := sharedutil.DefaultPublishBackoff
	pubBackoff.Steps = o.settings.RetrySteps
	pubOpts := []publisher.Option{
		publisher.WithLogger(o.log),
		publisher.WithRetryBackoff(pubBackoff),
	}
	alerts, err := publisher.NewPublisher(client, o.settings.AlertsTopic, pubOpts...)
	if err != nil {
		o.fail(err)
		return fmt.Errorf("failed to set up alerts publisher, %w", err)
	}
	o.alerts = alerts
	snapshots, err := publisher.NewPublisher(client, o.settings.MetricsTopic, pubOpts...)
	if err != nil {
		o.fail(err)
		return fmt.Errorf("failed to set up snapshots publisher, %w", err)
	}
	o.snapshots = snapshots
	if o.settings.QuarantineTopic != "" {
		quarantine, qerr := publisher.NewPublisher(client, o.settings.QuarantineTopic, pubOpts...)
		if qerr != nil {
			o.fail(qerr)
			return fmt.Errorf("failed to set up quarantine publisher, %w", qerr)
		}
		o.quarantine = quarantine
	}

	subOpts := []subscriber.Option{
		subscriber.WithLogger(o.log),
		subscriber.WithReadTimeout(o.settings.ReadTimeout),
		subscriber.WithSaramaConfig(saramaCfg),
	}
	if o.quarantine != nil {
		q := o.quarantine
		subOpts = append(subOpts, subscriber.WithQuarantine(func(raw []byte, offset subscriber.Offset, cause error) {
			// fire and forget; quarantined records must not stall the batch
			q.PublishRawAsync(offset.String(), raw)
		}))
	}
	source, err := subscriber.NewSubscriber(o.settings.Brokers, o.settings.RawTopic, o.settings.GroupID, subOpts...)
	if err != nil {
		o.fail(err)
		return fmt.Errorf("failed to set up subscriber, %w", err)
	}
	o.source = source

	agg, err := aggregator.New(o.settings.WindowSize, o.settings.GracePeriod,
		aggregator.WithLogger(o.log), aggregator.WithDedupSize(o.settings.DedupSize))
	if err != nil {
		o.fail(err)
		return fmt.Errorf("failed to set up aggregator, %w", err)
	}
	o.agg = agg
	det, err := anomaly.NewDetector(
		anomaly.WithKFactor(o.settings.KFactor),
		anomaly.WithMinSamples(o.settings.MinSamples),
		anomaly.WithBurstThreshold(o.settings.BurstThreshold))
	if err != nil {
		o.fail(err)
		return fmt.Errorf("failed to set up detector, %w", err)
	}
	o.det = det

	o.state.Store(int32(Initialized))
	o.log.Info("Pipeline initialized")
	return nil
}

// Start subscribes the consumer and begins the poll/process/commit loop on
// a dedicated goroutine. Valid only from Initialized.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.state.CompareAndSwap(int32(Initialized), int32(Running)) {
		return &StateError{Op: "start", State: o.currentState()}
	}
	if err := o.source.Subscribe(ctx); err != nil {
		o.fail(err)
		return fmt.Errorf("failed to join consumer group, %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o.runCancel = cancel
	o.runDone = make(chan struct{})
	go o.run(runCtx)
	o.log.Info("Pipeline running")
	return nil
}

// run is the single poll/process/commit loop. All aggregator mutations
// happen here, so window state needs no locking.
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.runDone)
	for {
		select {
		case <-ctx.Done():
			o.drain()
			return
		default:
		}
		batch, err := o.source.Poll(ctx, o.settings.BatchSize)
		if err != nil {
			o.lastErr.Store(err)
			o.log.Errorw("Poll failed", zap.Error(err))
			continue
		}
		if len(batch) == 0 {
			continue
		}
		o.processBatch(batch)
		o.samplePending(ctx)
	}
}

// processBatch folds a batch into window state, evaluates anomalies,
// publishes derived records, waits for their resolution and only then
// commits the batch's offsets.
func (o *Orchestrator) processBatch(batch []subscriber.ConsumedEvent) {
	var results []<-chan publisher.Result
	for _, ce := range batch {
		snap, applied := o.agg.Apply(ce.Event)
		if !applied {
			continue
		}
		verdict, ok := o.det.Evaluate(ce.Event, snap)
		if !ok {
			continue
		}
		alert := anomaly.NewAlert(verdict, ce.Event, o.settings.HighValueThreshold, time.Now().UTC())
		payload, err := alert.Marshal()
		if err != nil {
			o.log.Errorw("Dropping unencodable alert", zap.String("event", alert.EventID), zap.Error(err))
			continue
		}
		results = append(results, o.alerts.PublishRawAsync(alert.CustomerID, payload))
		alertsPublished.Inc()
	}

	for _, snap := range o.agg.Sweep() {
		payload, err := snap.Marshal()
		if err != nil {
			o.log.Errorw("Dropping unencodable snapshot", zap.String("key", snap.Key), zap.Error(err))
			continue
		}
		results = append(results, o.snapshots.PublishRawAsync(snap.Key, payload))
		snapshotsPublished.Inc()
	}

	// offsets advance only past events whose downstream effects resolved
	for _, ch := range results {
		if r := <-ch; r.Err != nil {
			publishFailures.Inc()
			o.lastErr.Store(r.Err)
			o.log.Errorw("Outbound publish failed", zap.Error(r.Err))
		}
	}

	offsets := make([]subscriber.Offset, len(batch))
	for i, ce := range batch {
		offsets[i] = ce.Offset
	}
	if err := o.source.Commit(offsets); err != nil {
		o.lastErr.Store(err)
		o.log.Errorw("Commit failed, batch will be redelivered", zap.Error(err))
		return
	}
	batchesProcessed.Inc()
}

// drain flushes the remaining window state as final snapshots.
func (o *Orchestrator) drain() {
	for _, snap := range o.agg.Drain() {
		payload, err := snap.Marshal()
		if err != nil {
			continue
		}
		o.snapshots.PublishRawAsync(snap.Key, payload)
		snapshotsPublished.Inc()
	}
}

func (o *Orchestrator) samplePending(ctx context.Context) {
	pending, err := o.source.Pending(ctx)
	if err != nil || pending < 0 {
		return
	}
	o.pendingLock.Lock()
	defer o.pendingLock.Unlock()
	o.pendingSamples = append(o.pendingSamples, float64(pending))
	if len(o.pendingSamples) > pendingSampleCap {
		o.pendingSamples = o.pendingSamples[len(o.pendingSamples)-pendingSampleCap:]
	}
}

// Health returns a non-blocking snapshot, safe from any state.
func (o *Orchestrator) Health() Health {
	s := o.currentState()
	h := Health{
		State:       s.String(),
		Initialized: s != Uninitialized && s != Failed,
		Running:     s == Running,
		Connected:   o.source != nil && o.source.Healthy(),
	}
	if err := o.lastErr.Load(); err != nil {
		h.LastError = err.Error()
	} else if o.source != nil {
		if err := o.source.LastError(); err != nil {
			h.LastError = err.Error()
		}
	}
	o.pendingLock.Lock()
	samples := append([]float64(nil), o.pendingSamples...)
	o.pendingLock.Unlock()
	if len(samples) > 0 {
		if median, err := stats.Median(samples); err == nil {
			h.PendingMedian = int64(median)
		}
	}
	return h
}

// Stop drains and stops the pipeline: no new batches are accepted, the
// publishers are flushed, and in-flight work gets up to deadline to
// finish before everything is force-closed. Idempotent and safe to call
// from a termination signal handler.
func (o *Orchestrator) Stop(deadline time.Duration) error {
	o.stopOnce.Do(func() {
		prev := o.currentState()
		o.state.Store(int32(Draining))
		o.log.Infow("Stopping pipeline", zap.Duration("deadline", deadline), zap.String("from", prev.String()))
		deadlineAt := time.Now().Add(deadline)

		forced := false
		if o.source != nil {
			o.source.Stop()
		}
		if o.runCancel != nil {
			o.runCancel()
			forced = !o.awaitUntil(o.runDone, deadlineAt, "poll loop did not drain")
		}

		if !forced {
			flushed := make(chan struct{})
			go func() {
				defer close(flushed)
				g := new(errgroup.Group)
				for _, sink := range o.sinks() {
					sink := sink
					g.Go(func() error {
						sink.Flush()
						return nil
					})
				}
				_ = g.Wait()
			}()
			o.awaitUntil(flushed, deadlineAt, "publishers did not flush")
		}

		closed := make(chan struct{})
		errCh := make(chan error, 1)
		go func() {
			defer close(closed)
			var err error
			if o.source != nil {
				err = multierr.Append(err, o.source.Close())
			}
			for _, sink := range o.sinks() {
				err = multierr.Append(err, sink.Close())
			}
			if o.client != nil && !o.client.Closed() {
				err = multierr.Append(err, o.client.Close())
			}
			errCh <- err
		}()
		if o.awaitUntil(closed, deadlineAt, "close did not finish") {
			o.stopErr = <-errCh
		}
		o.state.Store(int32(Stopped))
		o.log.Info("Pipeline stopped")
	})
	return o.stopErr
}

// awaitUntil waits for done up to the absolute deadline. Expiry logs a
// forced-shutdown warning and reports false; the waited-on work is
// abandoned, not interrupted.
func (o *Orchestrator) awaitUntil(done <-chan struct{}, deadlineAt time.Time, what string) bool {
	remaining := time.Until(deadlineAt)
	if remaining <= 0 {
		o.log.Warnf("Forced shutdown: %s within the deadline", what)
		return false
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		o.log.Warnf("Forced shutdown: %s within the deadline", what)
		return false
	}
}

func (o *Orchestrator) sinks() []Sink {
	var sinks []Sink
	for _, s := range []Sink{o.alerts, o.snapshots, o.quarantine} {
		if s != nil {
			sinks = append(sinks, s)
		}
	}
	return sinks
}

func (o *Orchestrator) fail(err error) {
	o.lastErr.Store(err)
	o.state.Store(int32(Failed))
}
