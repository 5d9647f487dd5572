package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Missing("store.GetMessage", "uuid %q", "u1"))
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is(err, ErrNotFound)")
	}
	if errors.Is(err, ErrConflict) {
		t.Error("NotFound must not match ErrConflict")
	}
	if KindOf(err) != NotFound {
		t.Errorf("KindOf = %s, want not_found", KindOf(err))
	}
}

func TestFailureCarriesCode(t *testing.T) {
	err := Failure("msg.send", 414, "param error")
	if CodeOf(err) != 414 {
		t.Errorf("CodeOf = %d, want 414", CodeOf(err))
	}
	if !IsTransport(err) {
		t.Error("expected transport error")
	}
	if !strings.Contains(err.Error(), "code 414") {
		t.Errorf("message %q lacks code", err.Error())
	}
}

func TestExceptionUnwrapsCause(t *testing.T) {
	err := Exception("pin.sync", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	if !errors.Is(err, ErrTransportException) {
		t.Error("expected ErrTransportException")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("boom")) != Internal {
		t.Error("plain errors classify as internal")
	}
}
