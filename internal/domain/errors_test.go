package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transport", TransportError("fetch", errors.New("reset")), true},
		{"rate limited", RateLimited("fetch", time.Second, nil), true},
		{"wrapped transport", fmt.Errorf("poll: %w", TransportError("fetch", errors.New("eof"))), true},
		{"classification", ClassificationError("classify", errors.New("bad json")), false},
		{"handler", HandlerError("e1", "nutrition", errors.New("boom")), false},
		{"transient persistence", PersistenceError("commit", true, errors.New("busy")), true},
		{"permanent persistence", PersistenceError("commit", false, errors.New("constraint")), false},
		{"transient sink", DeliverySinkError("post", true, errors.New("502")), true},
		{"plain", errors.New("plain"), false},
		{"nil", nil, false},
	}

	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: IsRetryable=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	d, ok := RetryAfter(fmt.Errorf("wrap: %w", RateLimited("fetch", 7*time.Second, nil)))
	if !ok || d != 7*time.Second {
		t.Fatalf("expected 7s retry-after, got %v (ok=%v)", d, ok)
	}

	if _, ok := RetryAfter(TransportError("fetch", errors.New("x"))); ok {
		t.Fatalf("transport error must not carry retry-after")
	}
}

func TestAttribute(t *testing.T) {
	t.Parallel()

	err := Attribute(PersistenceError("commit", true, errors.New("busy")), "e1", "sleep")
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if de.EntryID != "e1" || de.Handler != "sleep" || de.Kind != KindPersistence {
		t.Fatalf("unexpected attribution: %+v", de)
	}

	plain := Attribute(errors.New("boom"), "e2", "workout")
	if KindOf(plain) != KindHandler {
		t.Fatalf("plain error should become handler error, got %q", KindOf(plain))
	}
	if Attribute(nil, "e", "h") != nil {
		t.Fatalf("nil must stay nil")
	}
}
