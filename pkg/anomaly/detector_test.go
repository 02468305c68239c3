package anomaly

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dataengineering/salestream/pkg/aggregator"
	"github.com/dataengineering/salestream/pkg/event"
)

var testTime = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

// snapshotWith builds the post-application snapshot for a window holding
// the given prior samples plus the event's own amount, the way the
// aggregator hands it to the detector.
func snapshotWith(prior []float64, amount float64) aggregator.Snapshot {
	a, _ := aggregator.New(time.Minute, 0)
	for i, p := range prior {
		a.Apply(event.SaleEvent{ID: fmt.Sprintf("p%d", i), CustomerID: "c1", Amount: p, Timestamp: testTime})
	}
	snap, _ := a.Apply(event.SaleEvent{ID: "probe", CustomerID: "c1", Amount: amount, Timestamp: testTime})
	return snap
}

// ten prior samples with mean=100 and population stddev=10
var baseline = []float64{90, 90, 90, 90, 90, 110, 110, 110, 110, 110}

func evalAmount(t *testing.T, d *Detector, amount float64) (Verdict, bool) {
	t.Helper()
	e := event.SaleEvent{ID: "probe", CustomerID: "c1", Amount: amount, Timestamp: testTime}
	return d.Evaluate(e, snapshotWith(baseline, amount))
}

func TestAmountOutlier(t *testing.T) {
	d, err := NewDetector(WithKFactor(3), WithMinSamples(5), WithBurstThreshold(1000))
	assert.NoError(t, err)

	// threshold is mean + k·stddev = 130, computed excluding the event
	v, ok := evalAmount(t, d, 135)
	assert.True(t, ok)
	assert.Equal(t, ReasonAmountOutlier, v.Reason)
	assert.Equal(t, "probe", v.EventID)
	assert.Equal(t, "c1", v.Key)
	assert.InDelta(t, 3.5, v.Score, 1e-9)
	assert.InDelta(t, 130.0, v.Threshold, 1e-9)
}

func TestAmountOutlierBoundary(t *testing.T) {
	d, _ := NewDetector(WithKFactor(3), WithMinSamples(5), WithBurstThreshold(1000))

	// exactly at the threshold must not trigger
	_, ok := evalAmount(t, d, 130)
	assert.False(t, ok)

	v, ok := evalAmount(t, d, 131)
	assert.True(t, ok)
	assert.Equal(t, ReasonAmountOutlier, v.Reason)
	assert.InDelta(t, 3.1, v.Score, 1e-9)
}

func TestColdStartGuard(t *testing.T) {
	d, _ := NewDetector(WithKFactor(3), WithMinSamples(5), WithBurstThreshold(1000))
	a, _ := aggregator.New(time.Minute, 0)

	// the first 4 events for a new key never produce a verdict
	for i := 0; i < 4; i++ {
		e := event.SaleEvent{ID: fmt.Sprintf("t%d", i), CustomerID: "c9", Amount: 1e9, Timestamp: testTime}
		snap, applied := a.Apply(e)
		assert.True(t, applied)
		_, ok := d.Evaluate(e, snap)
		assert.False(t, ok)
	}
}

func TestBurstRate(t *testing.T) {
	d, _ := NewDetector(WithKFactor(3), WithMinSamples(5), WithBurstThreshold(10))
	a, _ := aggregator.New(time.Minute, 0)

	var v Verdict
	var ok bool
	for i := 0; i < 11; i++ {
		e := event.SaleEvent{ID: fmt.Sprintf("t%d", i), CustomerID: "c1", Amount: 50, Timestamp: testTime}
		snap, _ := a.Apply(e)
		v, ok = d.Evaluate(e, snap)
	}
	assert.True(t, ok)
	assert.Equal(t, ReasonBurstRate, v.Reason)
	assert.Equal(t, 10.0, v.Threshold)
	assert.InDelta(t, 1.1, v.Score, 1e-9)
}

func TestFlatBaselineNoOutlier(t *testing.T) {
	d, _ := NewDetector(WithKFactor(3), WithMinSamples(2), WithBurstThreshold(1000))
	e := event.SaleEvent{ID: "probe", CustomerID: "c1", Amount: 50, Timestamp: testTime}
	snap := snapshotWith([]float64{50, 50, 50, 50}, 50)
	_, ok := d.Evaluate(e, snap)
	assert.False(t, ok)
}

func TestDeterministic(t *testing.T) {
	d, _ := NewDetector()
	e := event.SaleEvent{ID: "probe", CustomerID: "c1", Amount: 500, Timestamp: testTime}
	snap := snapshotWith(baseline, 500)
	v1, ok1 := d.Evaluate(e, snap)
	v2, ok2 := d.Evaluate(e, snap)
	assert.Equal(t, ok1, ok2)
	assert.Equal(t, v1, v2)
}

func TestDetectorOptionValidation(t *testing.T) {
	_, err := NewDetector(WithKFactor(0))
	assert.Error(t, err)
	_, err = NewDetector(WithMinSamples(0))
	assert.Error(t, err)
	_, err = NewDetector(WithBurstThreshold(0))
	assert.Error(t, err)
}

func TestAlertMarshal(t *testing.T) {
	v := Verdict{EventID: "t1", Key: "c1", Reason: ReasonAmountOutlier, Score: 3.5, Threshold: 130}
	e := event.SaleEvent{ID: "t1", CustomerID: "c1", Amount: 1350, Timestamp: testTime}
	alert := NewAlert(v, e, 1000, testTime)
	assert.True(t, alert.HighValue)

	b, err := alert.Marshal()
	assert.NoError(t, err)
	assert.Contains(t, string(b), `"reason":"AMOUNT_OUTLIER"`)
	assert.Contains(t, string(b), `"event_id":"t1"`)
}
