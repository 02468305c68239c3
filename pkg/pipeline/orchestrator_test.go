package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataengineering/salestream/pkg/aggregator"
	"github.com/dataengineering/salestream/pkg/anomaly"
	"github.com/dataengineering/salestream/pkg/config"
	"github.com/dataengineering/salestream/pkg/event"
	"github.com/dataengineering/salestream/pkg/publisher"
	"github.com/dataengineering/salestream/pkg/shared/logging"
	"github.com/dataengineering/salestream/pkg/subscriber"
)

type fakeSource struct {
	mu        sync.Mutex
	batches   [][]subscriber.ConsumedEvent
	committed [][]subscriber.Offset
	pending   int64
	stopped   bool
	closed    bool
}

func (f *fakeSource) Subscribe(_ context.Context) error { return nil }

func (f *fakeSource) Poll(ctx context.Context, _ int64) ([]subscriber.ConsumedEvent, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Millisecond):
	}
	return nil, nil
}

func (f *fakeSource) Commit(offsets []subscriber.Offset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, offsets)
	return nil
}

func (f *fakeSource) Pending(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeSource) Healthy() bool    { return !f.closed }
func (f *fakeSource) LastError() error { return nil }

func (f *fakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) commits() [][]subscriber.Offset {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]subscriber.Offset, len(f.committed))
	copy(out, f.committed)
	return out
}

type published struct {
	key     string
	payload []byte
}

type fakeSink struct {
	mu      sync.Mutex
	records []published
	gated   []chan publisher.Result
	gate    bool
	flushed bool
	closed  bool
}

func (f *fakeSink) PublishRawAsync(key string, payload []byte) <-chan publisher.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, published{key: key, payload: payload})
	ch := make(chan publisher.Result, 1)
	if f.gate {
		f.gated = append(f.gated, ch)
	} else {
		ch <- publisher.Result{}
	}
	return ch
}

func (f *fakeSink) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = true
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeSink) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.gated {
		ch <- publisher.Result{}
	}
	f.gated = nil
}

func newTestOrchestrator(t *testing.T, src Source, alerts, snapshots Sink) *Orchestrator {
	t.Helper()
	settings := config.Defaults()
	o := New(settings, WithLogger(logging.NewLogger()))
	agg, err := aggregator.New(settings.WindowSize, settings.GracePeriod)
	require.NoError(t, err)
	det, err := anomaly.NewDetector()
	require.NoError(t, err)
	o.agg = agg
	o.det = det
	o.source = src
	o.alerts = alerts
	o.snapshots = snapshots
	o.state.Store(int32(Initialized))
	return o
}

func testBatch(t *testing.T, amounts []float64, base time.Time) []subscriber.ConsumedEvent {
	t.Helper()
	batch := make([]subscriber.ConsumedEvent, len(amounts))
	for i, amount := range amounts {
		e, err := event.New("", "c1", amount, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		batch[i] = subscriber.ConsumedEvent{
			Event:  e,
			Offset: subscriber.Offset{Topic: "sales-events", Partition: 0, Offset: int64(i)},
		}
	}
	return batch
}

func TestStartBeforeInitialize(t *testing.T) {
	o := New(config.Defaults(), WithLogger(logging.NewLogger()))
	err := o.Start(context.Background())
	require.Error(t, err)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, Uninitialized, stateErr.State)
}

func TestInitializeRejectsInvalidSettings(t *testing.T) {
	settings := config.Defaults()
	settings.Brokers = nil
	o := New(settings, WithLogger(logging.NewLogger()))
	err := o.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, o.currentState())

	h := o.Health()
	assert.Equal(t, "Failed", h.State)
	assert.False(t, h.Initialized)
	assert.NotEmpty(t, h.LastError)
}

func TestInitializeNotRepeatable(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSource{}, &fakeSink{}, &fakeSink{})
	err := o.Initialize(context.Background())
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, Initialized, stateErr.State)
}

func TestBatchFlow(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{
		batches: [][]subscriber.ConsumedEvent{
			testBatch(t, []float64{90, 110, 90, 110, 1000}, base),
		},
	}
	alerts := &fakeSink{}
	snapshots := &fakeSink{}
	o := newTestOrchestrator(t, src, alerts, snapshots)

	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, Running, o.currentState())

	assert.Eventually(t, func() bool {
		return len(src.commits()) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 1, alerts.count())
	assert.Equal(t, "c1", alerts.records[0].key)
	commits := src.commits()
	require.Len(t, commits[0], 5)
	assert.Equal(t, int64(4), commits[0][4].Offset)

	require.NoError(t, o.Stop(2*time.Second))
	assert.Equal(t, Stopped, o.currentState())
	assert.True(t, src.stopped)
	assert.True(t, src.closed)
	assert.True(t, alerts.flushed)
	assert.True(t, snapshots.closed)
	// drain published the open window as a final snapshot
	assert.Equal(t, 1, snapshots.count())
}

func TestCommitWaitsForPublishResolution(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{
		batches: [][]subscriber.ConsumedEvent{
			testBatch(t, []float64{90, 110, 90, 110, 1000}, base),
		},
	}
	alerts := &fakeSink{gate: true}
	snapshots := &fakeSink{}
	o := newTestOrchestrator(t, src, alerts, snapshots)

	require.NoError(t, o.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return alerts.count() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, src.commits(), "offsets must not be committed before the alert resolves")

	alerts.release()
	assert.Eventually(t, func() bool {
		return len(src.commits()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Stop(2*time.Second))
}

type wedgedSink struct {
	fakeSink
	unblock chan struct{}
}

func (w *wedgedSink) Close() error {
	<-w.unblock
	return nil
}

func TestStopForcesWedgedClose(t *testing.T) {
	src := &fakeSource{}
	alerts := &wedgedSink{unblock: make(chan struct{})}
	defer close(alerts.unblock)
	o := newTestOrchestrator(t, src, alerts, &fakeSink{})
	require.NoError(t, o.Start(context.Background()))

	start := time.Now()
	require.NoError(t, o.Stop(200*time.Millisecond))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, Stopped, o.currentState())
}

func TestStopIdempotent(t *testing.T) {
	src := &fakeSource{}
	o := newTestOrchestrator(t, src, &fakeSink{}, &fakeSink{})
	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Stop(time.Second))
	require.NoError(t, o.Stop(time.Second))
	assert.Equal(t, Stopped, o.currentState())
}

func TestHealthPendingMedian(t *testing.T) {
	src := &fakeSource{}
	o := newTestOrchestrator(t, src, &fakeSink{}, &fakeSink{})
	for _, pending := range []int64{10, 30, 20} {
		src.pending = pending
		o.samplePending(context.Background())
	}
	h := o.Health()
	assert.Equal(t, int64(20), h.PendingMedian)
	assert.True(t, h.Connected)
	assert.False(t, h.Running)
}
