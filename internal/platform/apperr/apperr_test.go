package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindNotFound, "missing")
	if KindOf(err) != KindNotFound {
		t.Errorf("KindOf = %s, want %s", KindOf(err), KindNotFound)
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != KindNotFound {
		t.Errorf("KindOf through wrap = %s, want %s", KindOf(wrapped), KindNotFound)
	}

	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("unclassified error should default to KindInternal")
	}
	if KindOf(nil) != KindInternal {
		t.Error("nil error should default to KindInternal")
	}
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindGatewayUnavailable, "gateway unavailable", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if !Is(err, KindGatewayUnavailable) {
		t.Error("Is should match the kind")
	}
}

func TestMessage_HidesInternals(t *testing.T) {
	if got := Message(errors.New("pq: deadlock detected")); got != "internal server error" {
		t.Errorf("Message = %q, want generic", got)
	}
	if got := Message(Wrap(KindInternal, "store failed", errors.New("boom"))); got != "internal server error" {
		t.Errorf("Message for internal kind = %q, want generic", got)
	}
	if got := Message(New(KindConflict, "already revoked")); got != "already revoked" {
		t.Errorf("Message = %q, want original", got)
	}
}

func TestValidation_Fields(t *testing.T) {
	err := Validation("bad range", "from", "to")
	if KindOf(err) != KindValidation {
		t.Errorf("kind = %s, want %s", KindOf(err), KindValidation)
	}
	fields := FieldsOf(err)
	if len(fields) != 2 || fields[0] != "from" || fields[1] != "to" {
		t.Errorf("fields = %v, want [from to]", fields)
	}
}
