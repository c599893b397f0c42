// Package errors defines the failure taxonomy shared by the ingestion pipeline.
//
// Every pipeline failure is a *PipelineError whose Kind is one of the sentinel
// kinds below, so callers branch with errors.Is and never on message text.
package errors

import (
	sterrors "errors"
	"fmt"
)

// Failure kinds.
var (
	// ErrInvalidInput marks a malformed or incomplete envelope. Never retried.
	ErrInvalidInput = sterrors.New("gpsflow: invalid input")
	// ErrSerialization marks an envelope that could not be encoded for transport.
	ErrSerialization = sterrors.New("gpsflow: serialization failed")
	// ErrDeserialization marks a message body that is not a valid envelope.
	ErrDeserialization = sterrors.New("gpsflow: deserialization failed")
	// ErrBrokerUnavailable marks a publish the broker did not confirm.
	ErrBrokerUnavailable = sterrors.New("gpsflow: broker unavailable")
	// ErrTransientStorage marks a storage call that may succeed if repeated.
	ErrTransientStorage = sterrors.New("gpsflow: transient storage failure")
)

// Wiring errors.
var (
	ErrConfigRequired    = sterrors.New("gpsflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("gpsflow: logger is required")
	ErrPublisherRequired = sterrors.New("gpsflow: publisher is required")
	ErrStoreRequired     = sterrors.New("gpsflow: storage gateway is required")
	ErrTopicRequired     = sterrors.New("gpsflow: topic is required")
	ErrRecordNotFound    = sterrors.New("gpsflow: record not found")
)

// PipelineError attaches a failure kind and the failing operation to a cause.
type PipelineError struct {
	Kind error
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	switch {
	case e.Err == nil && e.Op == "":
		return e.Kind.Error()
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *PipelineError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newPipelineError(kind error, op string, err error) error {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// InvalidInput wraps err as an ErrInvalidInput failure of op.
func InvalidInput(op string, err error) error { return newPipelineError(ErrInvalidInput, op, err) }

// Serialization wraps err as an ErrSerialization failure of op.
func Serialization(op string, err error) error { return newPipelineError(ErrSerialization, op, err) }

// Deserialization wraps err as an ErrDeserialization failure of op.
func Deserialization(op string, err error) error {
	return newPipelineError(ErrDeserialization, op, err)
}

// BrokerUnavailable wraps err as an ErrBrokerUnavailable failure of op.
func BrokerUnavailable(op string, err error) error {
	return newPipelineError(ErrBrokerUnavailable, op, err)
}

// TransientStorage wraps err as an ErrTransientStorage failure of op.
func TransientStorage(op string, err error) error {
	return newPipelineError(ErrTransientStorage, op, err)
}

// KindOf returns the failure kind carried by err, or nil for unclassified errors.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrInvalidInput,
		ErrSerialization,
		ErrDeserialization,
		ErrBrokerUnavailable,
		ErrTransientStorage,
	} {
		if sterrors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsRetryable reports whether repeating the failed work can succeed.
// Deterministic failures (input, encoding) are never retryable; unclassified
// errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case ErrInvalidInput, ErrSerialization, ErrDeserialization:
		return false
	default:
		return true
	}
}

// KindLabel returns a short stable label for err, suitable for metrics.
func KindLabel(err error) string {
	switch KindOf(err) {
	case ErrInvalidInput:
		return "invalid_input"
	case ErrSerialization:
		return "serialization"
	case ErrDeserialization:
		return "deserialization"
	case ErrBrokerUnavailable:
		return "broker_unavailable"
	case ErrTransientStorage:
		return "transient_storage"
	default:
		return "unknown"
	}
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "gpsflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
