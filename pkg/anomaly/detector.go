// Package anomaly classifies sale events against the running window
// statistics produced by the aggregator. The detector is stateless and
// deterministic: the same event and snapshot always produce the same
// verdict.
package anomaly

import (
	"fmt"
	"math"

	"github.com/dataengineering/salestream/pkg/aggregator"
	"github.com/dataengineering/salestream/pkg/event"
)

// Reason is the outbound alert reason code.
type Reason string

const (
	ReasonAmountOutlier Reason = "AMOUNT_OUTLIER"
	ReasonBurstRate     Reason = "BURST_RATE"
)

const (
	DefaultKFactor        = 3.0
	DefaultMinSamples     = 5
	DefaultBurstThreshold = 100
)

// Verdict is the ephemeral classification result for one event. It is
// never persisted here; the pipeline wraps it into an Alert and hands it
// to the publisher.
type Verdict struct {
	EventID   string
	Key       string
	Reason    Reason
	Score     float64
	Threshold float64
}

// Detector flags events whose magnitude exceeds mean + k·stddev of their
// window (computed excluding the event itself), or windows whose count
// exceeds the burst threshold.
type Detector struct {
	k              float64
	minSamples     int64
	burstThreshold int64
}

type Option func(*Detector) error

// WithKFactor sets the stddev multiplier for the outlier threshold.
func WithKFactor(k float64) Option {
	return func(d *Detector) error {
		if k <= 0 {
			return fmt.Errorf("invalid k factor %v", k)
		}
		d.k = k
		return nil
	}
}

// WithMinSamples sets the cold-start guard: no verdicts are emitted for a
// window until it has seen at least this many samples.
func WithMinSamples(n int64) Option {
	return func(d *Detector) error {
		if n < 1 {
			return fmt.Errorf("invalid minimum sample count %d", n)
		}
		d.minSamples = n
		return nil
	}
}

// WithBurstThreshold sets the per-window transaction count above which a
// BURST_RATE verdict is emitted.
func WithBurstThreshold(n int64) Option {
	return func(d *Detector) error {
		if n < 1 {
			return fmt.Errorf("invalid burst threshold %d", n)
		}
		d.burstThreshold = n
		return nil
	}
}

// NewDetector returns a Detector with the documented defaults.
func NewDetector(opts ...Option) (*Detector, error) {
	d := &Detector{
		k:              DefaultKFactor,
		minSamples:     DefaultMinSamples,
		burstThreshold: DefaultBurstThreshold,
	}
	for _, o := range opts {
		if err := o(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Evaluate classifies one event against the snapshot of its window, taken
// after the event was applied. The event's own contribution is removed
// before computing the baseline, so an event is never compared against
// itself. Below the minimum sample count Evaluate always returns false.
func (d *Detector) Evaluate(e event.SaleEvent, snap aggregator.Snapshot) (Verdict, bool) {
	if snap.Count < d.minSamples {
		return Verdict{}, false
	}

	if v, ok := d.amountOutlier(e, snap); ok {
		return v, true
	}

	if snap.Count > d.burstThreshold {
		return Verdict{
			EventID:   e.ID,
			Key:       e.Key(),
			Reason:    ReasonBurstRate,
			Score:     float64(snap.Count) / float64(d.burstThreshold),
			Threshold: float64(d.burstThreshold),
		}, true
	}

	return Verdict{}, false
}

func (d *Detector) amountOutlier(e event.SaleEvent, snap aggregator.Snapshot) (Verdict, bool) {
	n := float64(snap.Count) - 1
	if n < 1 {
		return Verdict{}, false
	}
	// remove the event's own contribution from the running sums
	sum := snap.Sum - e.Amount
	sumSq := snap.SumSquares - e.Amount*e.Amount
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		// a flat baseline has no meaningful z-score
		return Verdict{}, false
	}
	threshold := mean + d.k*stddev
	if e.Amount <= threshold {
		return Verdict{}, false
	}
	return Verdict{
		EventID:   e.ID,
		Key:       e.Key(),
		Reason:    ReasonAmountOutlier,
		Score:     (e.Amount - mean) / stddev,
		Threshold: threshold,
	}, true
}
