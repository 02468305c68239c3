package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e, err := New("txn-1", "cust-1", 42.50, ts, WithCategory("electronics"), WithChannel("web"))
	assert.NoError(t, err)
	assert.Equal(t, "txn-1", e.ID)
	assert.Equal(t, "cust-1", e.Key())
	assert.Equal(t, 42.50, e.Amount)
	assert.Equal(t, "USD", e.Currency)
	assert.Equal(t, "electronics", e.Category)
	assert.Equal(t, "web", e.Channel)
}

func TestNewGeneratesID(t *testing.T) {
	e, err := New("", "cust-1", 10, time.Now())
	assert.NoError(t, err)
	assert.NotEmpty(t, e.ID)
}

func TestValidate(t *testing.T) {
	ts := time.Now()
	tests := []struct {
		name   string
		event  SaleEvent
		fields []string
	}{
		{
			name:  "valid",
			event: SaleEvent{ID: "t1", CustomerID: "c1", Amount: 1, Timestamp: ts},
		},
		{
			name:   "missing id",
			event:  SaleEvent{CustomerID: "c1", Amount: 1, Timestamp: ts},
			fields: []string{"transaction_id"},
		},
		{
			name:   "negative amount",
			event:  SaleEvent{ID: "t1", CustomerID: "c1", Amount: -0.01, Timestamp: ts},
			fields: []string{"amount"},
		},
		{
			name:   "zero timestamp",
			event:  SaleEvent{ID: "t1", CustomerID: "c1", Amount: 1},
			fields: []string{"timestamp"},
		},
		{
			name:   "everything wrong",
			event:  SaleEvent{Amount: -1},
			fields: []string{"transaction_id", "customer_id", "amount", "timestamp"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(tt.event)
			assert.Len(t, errs, len(tt.fields))
			for i, f := range tt.fields {
				assert.Equal(t, f, errs[i].Field)
			}
		})
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	_, err := New("t1", "", -5, time.Time{})
	assert.Error(t, err)
	var verrs ValidationErrors
	assert.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 3)
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data := []byte(`{"transaction_id":"t1","customer_id":"c1","amount":12.5,"timestamp":"2024-05-01T12:00:00Z","some_future_field":true}`)
	e, err := Unmarshal(data)
	assert.NoError(t, err)
	assert.Equal(t, "t1", e.ID)
	assert.Equal(t, 12.5, e.Amount)
	assert.Nil(t, Validate(e))
}

func TestMarshalRoundTrip(t *testing.T) {
	e, err := New("t1", "c1", 99.99, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), WithMetadata(map[string]string{"source": "pos"}))
	assert.NoError(t, err)
	b, err := Marshal(e)
	assert.NoError(t, err)
	got, err := Unmarshal(b)
	assert.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestUnmarshalMalformed(t *testing.T) {
	_, err := Unmarshal([]byte(`{"transaction_id":`))
	assert.Error(t, err)
}
