package event

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Marshal serializes the event for publishing.
func Marshal(e SaleEvent) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %q, %w", e.ID, err)
	}
	return b, nil
}

// Unmarshal deserializes an inbound record. Unknown fields are ignored for
// forward compatibility. The returned event is not validated; run Validate
// before folding it into any downstream state.
func Unmarshal(data []byte) (SaleEvent, error) {
	var e SaleEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return SaleEvent{}, fmt.Errorf("failed to unmarshal event, %w", err)
	}
	return e, nil
}
