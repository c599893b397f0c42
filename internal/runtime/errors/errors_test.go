package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrInvalidInput", ErrInvalidInput, "gpsflow: invalid input"},
		{"ErrSerialization", ErrSerialization, "gpsflow: serialization failed"},
		{"ErrDeserialization", ErrDeserialization, "gpsflow: deserialization failed"},
		{"ErrBrokerUnavailable", ErrBrokerUnavailable, "gpsflow: broker unavailable"},
		{"ErrTransientStorage", ErrTransientStorage, "gpsflow: transient storage failure"},
		{"ErrPublisherRequired", ErrPublisherRequired, "gpsflow: publisher is required"},
		{"ErrStoreRequired", ErrStoreRequired, "gpsflow: storage gateway is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestPipelineErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := TransientStorage("store.insert", cause)

	if !errors.Is(err, ErrTransientStorage) {
		t.Fatalf("expected kind to match, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to match, got %v", err)
	}
	if errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unexpected kind match for %v", err)
	}

	want := "store.insert: gpsflow: transient storage failure: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	var pe *PipelineError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &pe) {
		t.Fatalf("expected *PipelineError in chain")
	}
	if pe.Op != "store.insert" {
		t.Errorf("Op = %q", pe.Op)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"invalid input", InvalidInput("validate", nil), false},
		{"serialization", Serialization("encode", errors.New("x")), false},
		{"deserialization", Deserialization("decode", errors.New("x")), false},
		{"broker", BrokerUnavailable("publish", errors.New("x")), true},
		{"storage", TransientStorage("insert", errors.New("x")), true},
		{"unclassified", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestKindLabel(t *testing.T) {
	if got := KindLabel(Deserialization("decode", nil)); got != "deserialization" {
		t.Errorf("KindLabel = %q", got)
	}
	if got := KindLabel(errors.New("other")); got != "unknown" {
		t.Errorf("KindLabel = %q", got)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("wraps error correctly", func(t *testing.T) {
		inner := errors.New("bad config")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigValidationError, got %T", err)
		}
		if !errors.Is(err, inner) {
			t.Error("errors.Is should match wrapped error")
		}
		if got, want := err.Error(), "gpsflow: invalid configuration: bad config"; got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
	})
}
