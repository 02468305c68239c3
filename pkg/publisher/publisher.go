// Package publisher emits events to the durable log with key-consistent
// partitioning. It offers synchronous, asynchronous and batched modes over
// one shared broker connection.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/dataengineering/salestream/pkg/event"
	"github.com/dataengineering/salestream/pkg/shared/logging"
	sharedutil "github.com/dataengineering/salestream/pkg/shared/util"
)

// Receipt acknowledges a durable write.
type Receipt struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Result resolves an asynchronous send with either a receipt or an error,
// exactly once.
type Result struct {
	Receipt Receipt
	Err     error
}

// Publisher writes events to one topic. Events with the same key always go
// to the same partition; results for sends of the same key resolve in send
// order, across keys the order is unspecified.
type Publisher struct {
	topic         string
	syncProducer  sarama.SyncProducer
	asyncProducer sarama.AsyncProducer
	backoff       wait.Backoff
	log           *zap.SugaredLogger
	// sends handed to the async producer but not yet resolved
	inflight    sync.WaitGroup
	dispatchers sync.WaitGroup
	closed      *atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

type Option func(*Publisher) error

func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Publisher) error {
		p.log = l
		return nil
	}
}

// WithRetryBackoff overrides the retry budget for PublishSync.
func WithRetryBackoff(b wait.Backoff) Option {
	return func(p *Publisher) error {
		if b.Steps < 1 {
			return fmt.Errorf("invalid retry budget %d", b.Steps)
		}
		p.backoff = b
		return nil
	}
}

// NewPublisher returns a Publisher over a shared sarama client. The client
// config must have Producer.Return.Successes enabled; closing the
// publisher does not close the client.
func NewPublisher(client sarama.Client, topic string, opts ...Option) (*Publisher, error) {
	syncProducer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync producer, %w", err)
	}
	asyncProducer, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		_ = syncProducer.Close()
		return nil, fmt.Errorf("failed to create async producer, %w", err)
	}
	return newWithProducers(syncProducer, asyncProducer, topic, opts...)
}

func newWithProducers(syncProducer sarama.SyncProducer, asyncProducer sarama.AsyncProducer, topic string, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		topic:         topic,
		syncProducer:  syncProducer,
		asyncProducer: asyncProducer,
		backoff:       sharedutil.DefaultPublishBackoff,
		closed:        atomic.NewBool(false),
	}
	for _, o := range opts {
		if err := o(p); err != nil {
			return nil, err
		}
	}
	if p.log == nil {
		p.log = logging.NewLogger()
	}
	p.log = p.log.With("topic", topic)
	p.startDispatchers()
	return p, nil
}

// startDispatchers routes the async producer's success/error streams back
// to the per-message result channels. Each message resolves exactly once:
// sarama delivers it on exactly one of the two streams.
func (p *Publisher) startDispatchers() {
	p.dispatchers.Add(1)
	go func() {
		defer p.dispatchers.Done()
		for msg := range p.asyncProducer.Successes() {
			ch := msg.Metadata.(chan Result)
			ch <- Result{Receipt: Receipt{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}}
			publishWriteCount.WithLabelValues(p.topic).Inc()
			p.inflight.Done()
		}
	}()
	p.dispatchers.Add(1)
	go func() {
		defer p.dispatchers.Done()
		for perr := range p.asyncProducer.Errors() {
			ch := perr.Msg.Metadata.(chan Result)
			ch <- Result{Err: &DeliveryError{Kind: KindRejected, Err: perr.Err}}
			publishWriteErrors.WithLabelValues(p.topic).Inc()
			p.log.Errorw("Async publish failed", zap.Error(perr.Err))
			p.inflight.Done()
		}
	}()
}

func (p *Publisher) message(e event.SaleEvent) (*sarama.ProducerMessage, error) {
	if errs := event.Validate(e); errs != nil {
		return nil, errs
	}
	payload, err := event.Marshal(e)
	if err != nil {
		return nil, &DeliveryError{Kind: KindEncoding, Err: err}
	}
	return &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(e.Key()),
		Value: sarama.ByteEncoder(payload),
	}, nil
}

// PublishSync blocks until the broker acknowledges a durable write at the
// configured ack level. Transient errors are retried with exponential
// backoff up to the retry budget; after that a DeliveryError of kind
// Exhausted is returned.
func (p *Publisher) PublishSync(ctx context.Context, e event.SaleEvent) (Receipt, error) {
	if p.closed.Load() {
		return Receipt{}, &DeliveryError{Kind: KindClosed}
	}
	msg, err := p.message(e)
	if err != nil {
		return Receipt{}, err
	}
	var receipt Receipt
	var lastErr error
	err = wait.ExponentialBackoffWithContext(ctx, p.backoff, func(_ context.Context) (bool, error) {
		partition, offset, sendErr := p.syncProducer.SendMessage(msg)
		if sendErr == nil {
			receipt = Receipt{Topic: p.topic, Partition: partition, Offset: offset}
			publishWriteCount.WithLabelValues(p.topic).Inc()
			return true, nil
		}
		if !isTransient(sendErr) {
			return false, sendErr
		}
		lastErr = sendErr
		publishRetries.WithLabelValues(p.topic).Inc()
		p.log.Warnw("Transient publish failure, retrying", zap.String("id", e.ID), zap.Error(sendErr))
		return false, nil
	})
	if err != nil {
		publishWriteErrors.WithLabelValues(p.topic).Inc()
		if wait.Interrupted(err) {
			if lastErr == nil {
				lastErr = err
			}
			return Receipt{}, &DeliveryError{Kind: KindExhausted, Err: lastErr}
		}
		return Receipt{}, &DeliveryError{Kind: KindRejected, Err: err}
	}
	return receipt, nil
}

// PublishAsync enqueues the event and returns a channel on which the
// result is delivered exactly once, off the caller's call stack. Results
// for the same key arrive in send order.
func (p *Publisher) PublishAsync(e event.SaleEvent) <-chan Result {
	ch := make(chan Result, 1)
	if p.closed.Load() {
		ch <- Result{Err: &DeliveryError{Kind: KindClosed}}
		return ch
	}
	msg, err := p.message(e)
	if err != nil {
		ch <- Result{Err: err}
		return ch
	}
	p.enqueue(msg, ch)
	return ch
}

// PublishRawAsync enqueues an already-serialized record under the given
// partitioning key. Derived outbound records (alerts, window snapshots,
// quarantined payloads) travel the same log and the same ordering rules.
func (p *Publisher) PublishRawAsync(key string, payload []byte) <-chan Result {
	ch := make(chan Result, 1)
	if p.closed.Load() {
		ch <- Result{Err: &DeliveryError{Kind: KindClosed}}
		return ch
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
	p.enqueue(msg, ch)
	return ch
}

func (p *Publisher) enqueue(msg *sarama.ProducerMessage, ch chan Result) {
	msg.Metadata = ch
	p.inflight.Add(1)
	p.asyncProducer.Input() <- msg
}

// PublishBatch issues all sends concurrently and blocks until every send
// resolves or the context deadline elapses. An outcome is reported per
// event only after actual resolution; a deadline expiry marks the
// unresolved tail with a DeliveryError of kind Deadline.
func (p *Publisher) PublishBatch(ctx context.Context, events []event.SaleEvent) []Result {
	results := make([]Result, len(events))
	chans := make([]<-chan Result, len(events))
	for i, e := range events {
		chans[i] = p.PublishAsync(e)
	}
	for i, ch := range chans {
		select {
		case r := <-ch:
			results[i] = r
		case <-ctx.Done():
			results[i] = Result{Err: &DeliveryError{Kind: KindDeadline, Err: ctx.Err()}}
		}
	}
	return results
}

// Flush blocks until every previously enqueued async send has resolved.
func (p *Publisher) Flush() {
	p.inflight.Wait()
}

// Close flushes pending sends and releases both producers. It is
// idempotent and safe to call from a shutdown hook.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.Flush()
		err := p.asyncProducer.Close()
		p.dispatchers.Wait()
		p.closeErr = multierr.Append(err, p.syncProducer.Close())
		p.log.Info("Publisher closed")
	})
	return p.closeErr
}

// isTransient reports whether a send failure is worth retrying: broker
// unavailability, leader elections in progress, timeouts and plain network
// errors. Broker rejections that cannot succeed on retry are not.
func isTransient(err error) bool {
	if errors.Is(err, sarama.ErrOutOfBrokers) {
		return true
	}
	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrLeaderNotAvailable,
			sarama.ErrNotLeaderForPartition,
			sarama.ErrRequestTimedOut,
			sarama.ErrNetworkException,
			sarama.ErrNotEnoughReplicas,
			sarama.ErrNotEnoughReplicasAfterAppend:
			return true
		default:
			return false
		}
	}
	// connection-level errors surface as plain errors
	return true
}
