package anomaly

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/dataengineering/salestream/pkg/event"
)

// Alert is the outbound wire record published to the alerts topic.
type Alert struct {
	EventID     string    `json:"event_id"`
	CustomerID  string    `json:"customer_id"`
	Reason      Reason    `json:"reason"`
	Score       float64   `json:"score"`
	Threshold   float64   `json:"threshold"`
	Amount      float64   `json:"amount"`
	HighValue   bool      `json:"high_value,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// NewAlert wraps a verdict and its source event into the outbound record.
// highValueThreshold additionally marks large transactions the way the
// upstream high-value stream does, independent of the statistical verdict.
func NewAlert(v Verdict, e event.SaleEvent, highValueThreshold float64, evaluatedAt time.Time) Alert {
	return Alert{
		EventID:     v.EventID,
		CustomerID:  v.Key,
		Reason:      v.Reason,
		Score:       v.Score,
		Threshold:   v.Threshold,
		Amount:      e.Amount,
		HighValue:   highValueThreshold > 0 && e.Amount > highValueThreshold,
		EvaluatedAt: evaluatedAt,
	}
}

// Marshal serializes the alert for publishing.
func (a Alert) Marshal() ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert for event %q, %w", a.EventID, err)
	}
	return b, nil
}
