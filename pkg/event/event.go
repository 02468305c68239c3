// Package event defines the canonical sale/transaction record that flows
// through the pipeline, and its validation rules.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaleEvent is an immutable transaction record. It is created once by a
// producer, serialized, and never mutated after publish. The JSON field
// names form the inbound wire contract; unknown fields are ignored on read.
type SaleEvent struct {
	ID            string            `json:"transaction_id"`
	CustomerID    string            `json:"customer_id"`
	MerchantID    string            `json:"merchant_id,omitempty"`
	Amount        float64           `json:"amount"`
	Currency      string            `json:"currency,omitempty"`
	Category      string            `json:"category,omitempty"`
	Channel       string            `json:"channel,omitempty"`
	Location      string            `json:"location,omitempty"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Key returns the partitioning key of the event. Events of the same
// customer always land on the same partition, which is what gives the
// downstream aggregation its per-key ordering guarantee.
func (e SaleEvent) Key() string {
	return e.CustomerID
}

type Option func(*SaleEvent)

func WithMerchantID(id string) Option {
	return func(e *SaleEvent) { e.MerchantID = id }
}

func WithCurrency(c string) Option {
	return func(e *SaleEvent) { e.Currency = c }
}

func WithCategory(c string) Option {
	return func(e *SaleEvent) { e.Category = c }
}

func WithChannel(c string) Option {
	return func(e *SaleEvent) { e.Channel = c }
}

func WithLocation(l string) Option {
	return func(e *SaleEvent) { e.Location = l }
}

func WithPaymentMethod(m string) Option {
	return func(e *SaleEvent) { e.PaymentMethod = m }
}

func WithMetadata(md map[string]string) Option {
	return func(e *SaleEvent) { e.Metadata = md }
}

// New constructs a validated SaleEvent. An empty id gets a generated uuid.
// It returns the value and the full list of field errors if validation
// fails; there is no partially constructed event.
func New(id, customerID string, amount float64, timestamp time.Time, opts ...Option) (SaleEvent, error) {
	if id == "" {
		id = uuid.NewString()
	}
	e := SaleEvent{
		ID:         id,
		CustomerID: customerID,
		Amount:     amount,
		Currency:   "USD",
		Timestamp:  timestamp,
	}
	for _, o := range opts {
		o(&e)
	}
	if errs := Validate(e); errs != nil {
		return SaleEvent{}, errs
	}
	return e, nil
}

// FieldError names a single invalid field.
type FieldError struct {
	Field  string
	Reason string
}

func (f FieldError) String() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Reason)
}

// ValidationErrors is the full set of field errors for one event. It is
// never fatal to the pipeline; the caller decides whether to drop or
// quarantine the record.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "invalid event"
	}
	msg := "invalid event: " + v[0].String()
	for _, f := range v[1:] {
		msg += "; " + f.String()
	}
	return msg
}

// Validate checks the event against the required-field invariants and
// returns nil or the complete list of violations. It fails closed and has
// no side effects.
func Validate(e SaleEvent) ValidationErrors {
	var errs ValidationErrors
	if e.ID == "" {
		errs = append(errs, FieldError{Field: "transaction_id", Reason: "must not be empty"})
	}
	if e.CustomerID == "" {
		errs = append(errs, FieldError{Field: "customer_id", Reason: "must not be empty"})
	}
	if e.Amount < 0 {
		errs = append(errs, FieldError{Field: "amount", Reason: "must not be negative"})
	}
	if e.Timestamp.IsZero() {
		errs = append(errs, FieldError{Field: "timestamp", Reason: "must be set"})
	}
	return errs
}
