// Package apperr defines the error taxonomy shared across the enforcement
// core: encoding, policy, session, and orchestrator errors all resolve to
// one of these kinds so the HTTP layer can map them to a status code.
package apperr

import "fmt"

// Kind classifies an error for transport-layer mapping.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindConflict           Kind = "CONFLICT"
	KindNotFound           Kind = "NOT_FOUND"
	KindEncoderUnavailable Kind = "ENCODER_UNAVAILABLE"
	KindBadGateway         Kind = "BAD_GATEWAY"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindInternal           Kind = "INTERNAL"
)

// CoreError is the typed error returned across component boundaries.
// STORE_SOFT_FAIL never constructs one of these: it is logged and
// swallowed at the point of failure, per the orchestrator's fail-soft
// contract.
type CoreError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *CoreError {
	return &CoreError{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *CoreError {
	return &CoreError{Kind: kind, Message: msg, Err: err}
}

// HTTPStatus maps a Kind to the status code used by the transport layer.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return 400
	case KindConflict:
		return 409
	case KindNotFound:
		return 404
	case KindEncoderUnavailable:
		return 500
	case KindBadGateway:
		return 502
	case KindRateLimited:
		return 429
	default:
		return 500
	}
}
