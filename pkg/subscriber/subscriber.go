// Package subscriber consumes events from the durable log as a consumer
// group member with explicit, manual offset control. Offsets are advanced
// only when the caller commits them, after downstream processing is done;
// a crash in between causes re-delivery, which the aggregator absorbs by
// deduplicating event ids.
package subscriber

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dataengineering/salestream/pkg/event"
	"github.com/dataengineering/salestream/pkg/shared/logging"
	sharedutil "github.com/dataengineering/salestream/pkg/shared/util"
)

// reconnect pause after a consumer-group session fails
const consumeRetryDelay = 2 * time.Second

// EnvReadBufferSize overrides the default size of the consumed-message
// buffer drained by Poll.
const EnvReadBufferSize = "SALESTREAM_READ_BUFFER_SIZE"

// PendingNotAvailable is returned when the lag cannot be computed.
const PendingNotAvailable = int64(-1)

// Offset is the durable position of one consumed message. Committing it
// marks the next position as the read cursor for the (topic, partition,
// group) tuple.
type Offset struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (o Offset) String() string {
	return fmt.Sprintf("%s:%d:%d", o.Topic, o.Partition, o.Offset)
}

// ConsumedEvent pairs a decoded event with the offset it came from.
type ConsumedEvent struct {
	Event  event.SaleEvent
	Offset Offset
}

// ConsumptionError wraps poll/commit failures. They degrade health and are
// retried by the underlying client; they are not fatal.
type ConsumptionError struct {
	Op  string
	Err error
}

func (c *ConsumptionError) Error() string {
	return fmt.Sprintf("consumption failure during %s: %v", c.Op, c.Err)
}

func (c *ConsumptionError) Unwrap() error {
	return c.Err
}

// QuarantineFunc receives records that failed decoding or validation,
// together with the failure, so they can be routed to a quarantine sink.
type QuarantineFunc func(raw []byte, offset Offset, cause error)

// Subscriber reads one topic within a consumer group.
type Subscriber struct {
	topic     string
	groupName string
	brokers   []string
	config    *sarama.Config

	handler       *consumerHandler
	handlerBuffer int
	readTimeout   time.Duration
	quarantine    QuarantineFunc

	group        sarama.ConsumerGroup
	saramaClient sarama.Client
	adminClient  sarama.ClusterAdmin

	lifecycleCtx context.Context
	cancelFn     context.CancelFunc
	stopCh       chan struct{}
	subscribed   *atomic.Bool
	stopped      *atomic.Bool
	healthy      *atomic.Bool
	lastErr      *atomic.Error
	wg           sync.WaitGroup

	logger *zap.SugaredLogger
}

type Option func(*Subscriber) error

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Subscriber) error {
		s.logger = l
		return nil
	}
}

// WithBufferSize sets the size of the channel holding consumed but not yet
// polled messages.
func WithBufferSize(n int) Option {
	return func(s *Subscriber) error {
		if n < 1 {
			return fmt.Errorf("invalid buffer size %d", n)
		}
		s.handlerBuffer = n
		return nil
	}
}

// WithReadTimeout bounds how long one Poll waits for messages.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Subscriber) error {
		s.readTimeout = d
		return nil
	}
}

// WithQuarantine routes undecodable or invalid records to the given sink
// instead of just dropping them.
func WithQuarantine(q QuarantineFunc) Option {
	return func(s *Subscriber) error {
		s.quarantine = q
		return nil
	}
}

// WithSaramaConfig overrides the consumer client configuration.
func WithSaramaConfig(c *sarama.Config) Option {
	return func(s *Subscriber) error {
		s.config = c
		return nil
	}
}

// NewSubscriber returns a Subscriber; no connection is made until
// Subscribe is called.
func NewSubscriber(brokers []string, topic, groupName string, opts ...Option) (*Subscriber, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if topic == "" || groupName == "" {
		return nil, fmt.Errorf("topic and group name are required")
	}
	s := &Subscriber{
		topic:         topic,
		groupName:     groupName,
		brokers:       brokers,
		handlerBuffer: sharedutil.LookupEnvIntOr(EnvReadBufferSize, 100),
		readTimeout:   1 * time.Second,
		stopCh:        make(chan struct{}),
		subscribed:    atomic.NewBool(false),
		stopped:       atomic.NewBool(false),
		healthy:       atomic.NewBool(false),
		lastErr:       atomic.NewError(nil),
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		s.logger = logging.NewLogger()
	}
	s.logger = s.logger.With("topic", topic).With("group", groupName)
	if s.config == nil {
		config := sarama.NewConfig()
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
		s.config = config
	}
	s.config.Consumer.Return.Errors = true
	s.config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	s.handler = newConsumerHandler(s.handlerBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	s.lifecycleCtx = ctx
	s.cancelFn = cancel
	return s, nil
}

// Subscribe joins the consumer group and blocks until the first session is
// set up (a rebalance assigns partitions). Assigned partitions are not
// stable across restarts.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	if !s.subscribed.CompareAndSwap(false, true) {
		return fmt.Errorf("already subscribed")
	}
	client, err := sarama.NewClient(s.brokers, s.config)
	if err != nil {
		s.subscribed.Store(false)
		return &ConsumptionError{Op: "subscribe", Err: err}
	}
	s.saramaClient = client
	adminClient, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		if !client.Closed() {
			_ = client.Close()
		}
		s.subscribed.Store(false)
		return &ConsumptionError{Op: "subscribe", Err: err}
	}
	s.adminClient = adminClient

	group, err := sarama.NewConsumerGroupFromClient(s.groupName, client)
	if err != nil {
		_ = adminClient.Close()
		s.subscribed.Store(false)
		return &ConsumptionError{Op: "subscribe", Err: err}
	}
	s.group = group
	s.logger.Infow("Joining consumer group", zap.Strings("brokers", s.brokers))

	go s.run()

	select {
	case <-s.handler.ready:
	case <-ctx.Done():
		return &ConsumptionError{Op: "subscribe", Err: ctx.Err()}
	}
	s.healthy.Store(true)
	s.logger.Info("Consumer ready")
	return nil
}

// run owns the consume and error loops until the lifecycle context is
// cancelled. Session failures degrade health and trigger a delayed rejoin
// instead of crashing the process.
func (s *Subscriber) run() {
	defer close(s.stopCh)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.lifecycleCtx.Done():
				return
			case cErr, ok := <-s.group.Errors():
				if !ok {
					return
				}
				consumerErrors.WithLabelValues(s.topic, s.groupName).Inc()
				s.healthy.Store(false)
				s.lastErr.Store(cErr)
				s.logger.Errorw("Consumer group error", zap.Error(cErr))
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			// Consume is called in a loop: when a server-side rebalance
			// happens the session ends and has to be recreated to pick up
			// the new claims
			if conErr := s.group.Consume(s.lifecycleCtx, []string{s.topic}, s.handler); conErr != nil {
				consumerErrors.WithLabelValues(s.topic, s.groupName).Inc()
				s.healthy.Store(false)
				s.lastErr.Store(conErr)
				s.logger.Errorw("Consumer session failed, rejoining", zap.Error(conErr))
				select {
				case <-time.After(consumeRetryDelay):
				case <-s.lifecycleCtx.Done():
					return
				}
				continue
			}
			if s.lifecycleCtx.Err() != nil {
				return
			}
			s.healthy.Store(true)
		}
	}()
	s.wg.Wait()
	_ = s.group.Close()
}

// Poll returns up to count decoded events, waiting at most the configured
// read timeout. An empty batch on timeout is normal. Records that fail to
// decode or validate are isolated per record: counted, logged, optionally
// quarantined, and skipped; they never stall the batch.
func (s *Subscriber) Poll(ctx context.Context, count int64) ([]ConsumedEvent, error) {
	if !s.subscribed.Load() {
		return nil, &ConsumptionError{Op: "poll", Err: fmt.Errorf("not subscribed")}
	}
	batch := make([]ConsumedEvent, 0, count)
	timeout := time.After(s.readTimeout)
loop:
	for i := int64(0); i < count; i++ {
		select {
		case m := <-s.handler.messages:
			offset := Offset{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}
			e, err := event.Unmarshal(m.Value)
			if err == nil {
				if verrs := event.Validate(e); verrs != nil {
					err = verrs
				}
			}
			if err != nil {
				decodeErrors.WithLabelValues(s.topic, s.groupName).Inc()
				s.logger.Warnw("Dropping undecodable record", zap.String("offset", offset.String()), zap.Error(err))
				if s.quarantine != nil {
					s.quarantine(m.Value, offset, err)
				}
				continue
			}
			readCount.WithLabelValues(s.topic, s.groupName).Inc()
			batch = append(batch, ConsumedEvent{Event: e, Offset: offset})
		case <-timeout:
			break loop
		case <-ctx.Done():
			return batch, nil
		}
	}
	return batch, nil
}

// Commit durably advances the group's cursors past the given offsets. It
// must be called only after the corresponding events have been fully
// processed downstream; never speculatively.
func (s *Subscriber) Commit(offsets []Offset) error {
	if len(offsets) == 0 {
		return nil
	}
	sess := s.handler.session()
	if sess == nil {
		return &ConsumptionError{Op: "commit", Err: fmt.Errorf("no active consumer session")}
	}
	for _, o := range offsets {
		// the marked offset is the next position to read
		sess.MarkOffset(o.Topic, o.Partition, o.Offset+1, "")
	}
	sess.Commit()
	commitCount.WithLabelValues(s.topic, s.groupName).Add(float64(len(offsets)))
	return nil
}

// Pending returns the total consumer-group lag across the topic's
// partitions.
func (s *Subscriber) Pending(_ context.Context) (int64, error) {
	if s.adminClient == nil || s.saramaClient == nil {
		return PendingNotAvailable, nil
	}
	partitions, err := s.saramaClient.Partitions(s.topic)
	if err != nil {
		return PendingNotAvailable, fmt.Errorf("failed to get partitions, %w", err)
	}
	rep, err := s.adminClient.ListConsumerGroupOffsets(s.groupName, map[string][]int32{s.topic: partitions})
	if err != nil {
		return PendingNotAvailable, fmt.Errorf("failed to list consumer group offsets, %w", err)
	}
	totalPending := int64(0)
	for _, p := range partitions {
		block := rep.GetBlock(s.topic, p)
		if block == nil || block.Offset == -1 {
			// no committed offset means no data consumed from this
			// partition yet; skip it
			continue
		}
		partitionOffset, err := s.saramaClient.GetOffset(s.topic, p, sarama.OffsetNewest)
		if err != nil {
			return PendingNotAvailable, fmt.Errorf("failed to get offset of topic %q, partition %v, %w", s.topic, p, err)
		}
		totalPending += partitionOffset - block.Offset
	}
	pendingGauge.WithLabelValues(s.topic, s.groupName).Set(float64(totalPending))
	return totalPending, nil
}

// Healthy reports whether the group session is currently good.
func (s *Subscriber) Healthy() bool {
	return s.healthy.Load()
}

// LastError returns the most recent consumer error, if any.
func (s *Subscriber) LastError() error {
	return s.lastErr.Load()
}

// Stop signals the poll loop's claims to end after the current batch.
func (s *Subscriber) Stop() {
	s.logger.Info("Stopping subscriber...")
	s.cancelFn()
}

// Close releases the group membership so partitions rebalance promptly to
// surviving members, then closes the underlying clients. Idempotent.
func (s *Subscriber) Close() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.cancelFn()
	var err error
	if s.subscribed.Load() {
		<-s.stopCh
		if s.adminClient != nil {
			// closes the underlying sarama client as well
			err = multierr.Append(err, s.adminClient.Close())
		}
	}
	s.healthy.Store(false)
	s.logger.Info("Subscriber closed")
	return err
}
