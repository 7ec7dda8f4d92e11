package delivery

import "errors"

// Outcome is the result of one delivery attempt.
type Outcome int

const (
	// Delivered means the collector accepted the report; the entry is deleted.
	Delivered Outcome = iota + 1
	// Retryable means try again on a later pass; the entry is kept.
	Retryable
	// Failed means the report can never be delivered; the entry is dropped
	// and reported to diagnostics.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retryable:
		return "retryable"
	case Failed:
		return "failed"
	}
	return "unknown"
}

var (
	ErrUnparseableName = errors.New("delivery: entry name does not decode")
	ErrEmptyPayload    = errors.New("delivery: empty payload")
	ErrDeliveryFailed  = errors.New("delivery: failed to deliver event payload")
	ErrClientPanic     = errors.New("delivery: client panicked")
	ErrParams          = errors.New("delivery: cannot build delivery params")
	ErrReadPayload     = errors.New("delivery: cannot read payload")
)

// failureReason is the metrics label for a local failure.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrUnparseableName):
		return "unparseable_name"
	case errors.Is(err, ErrEmptyPayload):
		return "empty_payload"
	case errors.Is(err, ErrReadPayload):
		return "read_error"
	case errors.Is(err, ErrParams):
		return "params_error"
	case errors.Is(err, ErrClientPanic):
		return "client_panic"
	case errors.Is(err, ErrDeliveryFailed):
		return "delivery_failed"
	}
	return "client_error"
}
