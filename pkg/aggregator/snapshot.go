package aggregator

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Snapshot is an immutable view of one key's window statistics. Evicted
// windows emit a final Snapshot before their state is destroyed; the same
// shape is also used as the point-in-time view handed to the anomaly
// detector on every applied event.
type Snapshot struct {
	Key         string    `json:"customer_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Count       int64     `json:"count"`
	Sum         float64   `json:"sum"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"stddev"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Late        bool      `json:"late"`
	// SumSquares is carried for downstream evaluation (removing a single
	// event's contribution exactly); it is not part of the wire contract.
	SumSquares float64 `json:"-"`
}

// Marshal serializes the snapshot for the windowed-metrics topic.
func (s Snapshot) Marshal() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot for key %q, %w", s.Key, err)
	}
	return b, nil
}
