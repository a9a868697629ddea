package remotehost

import (
	"testing"

	"github.com/websoft9/remotehost/internal/wireproto"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Disconnected: "disconnected",
		Connected:    "connected",
		Recovering:   "recovering",
		Failed:       "failed",
		State(99):    "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestIsTransportError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{wireproto.NewCodedError(wireproto.ErrNetworkUnreachable, "x"), true},
		{wireproto.NewCodedError(wireproto.ErrRemoteServerUnresponsive, "x"), true},
		{wireproto.NewCodedError(wireproto.ErrTimeout, "x"), false},
		{wireproto.NewCodedError(wireproto.ErrNotFound, "x"), false},
		{wireproto.NewCodedError(wireproto.ErrUnauthorized, "x"), false},
	}
	for _, c := range cases {
		if got := isTransportError(c.err); got != c.want {
			t.Errorf("isTransportError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestRandomSessionIDUniqueAndShapeValid(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := randomSessionID()
		if len(id) != 8 {
			t.Fatalf("randomSessionID() = %q, want length 8", id)
		}
		if seen[id] {
			t.Fatalf("randomSessionID() produced duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestShellQuotePath(t *testing.T) {
	got := shellQuotePath(`/tmp/it's/here`)
	want := `'/tmp/it'\''s/here'`
	if got != want {
		t.Errorf("shellQuotePath = %q, want %q", got, want)
	}
}

func TestNewRemoteHostStartsDisconnected(t *testing.T) {
	h := New(hostConfigFixture(), Deps{}, testLogger())
	if h.State() != Disconnected {
		t.Errorf("State() = %v, want Disconnected", h.State())
	}
	if h.Name() != "test-host" {
		t.Errorf("Name() = %q, want test-host", h.Name())
	}
}
