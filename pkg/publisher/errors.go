package publisher

import "fmt"

// Kind classifies a delivery failure.
type Kind string

const (
	// KindExhausted means the retry budget ran out on transient errors.
	KindExhausted Kind = "Exhausted"
	// KindRejected means the broker rejected the message outright and a
	// retry cannot help.
	KindRejected Kind = "Rejected"
	// KindEncoding means the event could not be serialized.
	KindEncoding Kind = "Encoding"
	// KindDeadline means the caller-supplied deadline elapsed before the
	// send resolved.
	KindDeadline Kind = "Deadline"
	// KindClosed means the publisher was already closed.
	KindClosed Kind = "Closed"
)

// DeliveryError is returned when a publish does not result in a durable
// write. The pipeline continues; the caller decides what to do with the
// event.
type DeliveryError struct {
	Kind Kind
	Err  error
}

func (d *DeliveryError) Error() string {
	if d.Err == nil {
		return fmt.Sprintf("delivery failed (%s)", d.Kind)
	}
	return fmt.Sprintf("delivery failed (%s): %v", d.Kind, d.Err)
}

func (d *DeliveryError) Unwrap() error {
	return d.Err
}
