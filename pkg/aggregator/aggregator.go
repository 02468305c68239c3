// Package aggregator folds sale events into per-key tumbling-window
// statistics. State for a (key, window) pair is created lazily on the first
// event, updated in O(1), and destroyed on eviction once the maximum
// observed event time passes the window end plus the grace period.
package aggregator

import (
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/dataengineering/salestream/pkg/event"
	"github.com/dataengineering/salestream/pkg/shared/logging"
	"github.com/dataengineering/salestream/pkg/window"
)

const defaultDedupSize = 8192

// stateKey identifies one key's state within one window.
type stateKey struct {
	key   string
	start int64
}

// windowState holds the running statistics for a (key, window) pair.
// Count and sum only ever grow within a window.
type windowState struct {
	win        window.IntervalWindow
	count      int64
	sum        float64
	sumSq      float64
	min        float64
	max        float64
	lateCount  int64
	lastUpdate time.Time
}

func (s *windowState) snapshot(key string) Snapshot {
	snap := Snapshot{
		Key:         key,
		WindowStart: s.win.Start,
		WindowEnd:   s.win.End,
		Count:       s.count,
		Sum:         s.sum,
		Min:         s.min,
		Max:         s.max,
		Late:        s.lateCount > 0,
		SumSquares:  s.sumSq,
	}
	if s.count > 0 {
		mean := s.sum / float64(s.count)
		// variance from running sums; clamp to zero because floating
		// point error can push near-zero variances slightly negative
		variance := s.sumSq/float64(s.count) - mean*mean
		if variance < 0 {
			variance = 0
		}
		snap.Mean = mean
		snap.StdDev = math.Sqrt(variance)
	}
	return snap
}

// Aggregator owns the window state map. It is a single-writer structure:
// all mutations must come from the one poll/process goroutine that owns the
// subscriber's partitions, so no locking is done here. Replays after an
// uncommitted-offset crash are absorbed by deduplicating event ids within
// the dedup horizon.
type Aggregator struct {
	windower window.Fixed
	grace    time.Duration
	states   map[stateKey]*windowState
	// maximum event time observed so far, drives eviction
	maxEventTime time.Time
	dedup        *lru.Cache[string, struct{}]
	log          *zap.SugaredLogger
}

type Option func(*Aggregator) error

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Aggregator) error {
		a.log = l
		return nil
	}
}

// WithDedupSize sets the capacity of the event-id dedup cache.
func WithDedupSize(n int) Option {
	return func(a *Aggregator) error {
		c, err := lru.New[string, struct{}](n)
		if err != nil {
			return err
		}
		a.dedup = c
		return nil
	}
}

// New returns an Aggregator with tumbling windows of the given size.
func New(windowSize, grace time.Duration, opts ...Option) (*Aggregator, error) {
	windower, err := window.NewFixed(windowSize)
	if err != nil {
		return nil, err
	}
	if grace < 0 {
		return nil, fmt.Errorf("invalid grace period %v", grace)
	}
	a := &Aggregator{
		windower: windower,
		grace:    grace,
		states:   make(map[stateKey]*windowState),
	}
	for _, o := range opts {
		if err := o(a); err != nil {
			return nil, err
		}
	}
	if a.dedup == nil {
		a.dedup, _ = lru.New[string, struct{}](defaultDedupSize)
	}
	if a.log == nil {
		a.log = logging.NewLogger()
	}
	return a, nil
}

// Apply folds one event into its window state and returns the updated
// snapshot. A replayed event id within the dedup horizon leaves state
// untouched and returns applied=false.
func (a *Aggregator) Apply(e event.SaleEvent) (Snapshot, bool) {
	if _, seen := a.dedup.Get(e.ID); seen {
		a.log.Debugw("Dropping duplicate event", zap.String("id", e.ID))
		win := a.windower.AssignWindow(e.Timestamp)
		if s, ok := a.states[stateKey{key: e.Key(), start: win.Start.UnixNano()}]; ok {
			return s.snapshot(e.Key()), false
		}
		return Snapshot{Key: e.Key(), WindowStart: win.Start, WindowEnd: win.End}, false
	}
	a.dedup.Add(e.ID, struct{}{})

	win := a.windower.AssignWindow(e.Timestamp)
	sk := stateKey{key: e.Key(), start: win.Start.UnixNano()}
	s, ok := a.states[sk]
	if !ok {
		s = &windowState{win: win, min: math.Inf(1), max: math.Inf(-1)}
		a.states[sk] = s
	}
	// an event whose window already closed against the observed event-time
	// horizon is still counted, but the snapshot carries the late flag
	if !win.End.After(a.maxEventTime) {
		s.lateCount++
		lateEvents.Inc()
	}
	s.count++
	s.sum += e.Amount
	s.sumSq += e.Amount * e.Amount
	if e.Amount < s.min {
		s.min = e.Amount
	}
	if e.Amount > s.max {
		s.max = e.Amount
	}
	s.lastUpdate = time.Now()
	if e.Timestamp.After(a.maxEventTime) {
		a.maxEventTime = e.Timestamp
	}
	eventsApplied.Inc()
	return s.snapshot(e.Key()), true
}

// Snapshot returns the current statistics for one key at the window the
// given time falls into.
func (a *Aggregator) Snapshot(key string, at time.Time) (Snapshot, bool) {
	win := a.windower.AssignWindow(at)
	s, ok := a.states[stateKey{key: key, start: win.Start.UnixNano()}]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(key), true
}

// Sweep evicts every window whose end plus the grace period is behind the
// maximum event time observed so far, and returns their final snapshots.
// Evicted windows are never resurrected: a later event for the same window
// starts fresh state, trading a small accuracy loss for bounded memory.
// Sweep is meant to run at batch edges, not on a timer.
func (a *Aggregator) Sweep() []Snapshot {
	var evicted []Snapshot
	for sk, s := range a.states {
		if s.win.ExpiredAt(a.maxEventTime, a.grace) {
			evicted = append(evicted, s.snapshot(sk.key))
			delete(a.states, sk)
			windowsEvicted.Inc()
		}
	}
	return evicted
}

// Drain evicts all remaining windows regardless of the horizon. Used on
// shutdown so no accumulated statistics are silently lost.
func (a *Aggregator) Drain() []Snapshot {
	var evicted []Snapshot
	for sk, s := range a.states {
		evicted = append(evicted, s.snapshot(sk.key))
		delete(a.states, sk)
		windowsEvicted.Inc()
	}
	return evicted
}

// ActiveWindows returns the number of windows currently tracked.
func (a *Aggregator) ActiveWindows() int {
	return len(a.states)
}

// MaxEventTime returns the event-time horizon observed so far.
func (a *Aggregator) MaxEventTime() time.Time {
	return a.maxEventTime
}
