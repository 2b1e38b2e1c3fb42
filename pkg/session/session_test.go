package session

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{Pending, Running, true},
		{Pending, Stopped, true},
		{Pending, Error, true},
		{Running, Stopped, true},
		{Running, Error, true},
		{Running, Pending, false},
		{Stopped, Running, false},
		{Stopped, Pending, false},
		{Error, Running, false},
		{Error, Stopped, false},
		{Stopped, Stopped, true},
		{Error, Error, true},
	}
	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, tc := range []struct {
		s        Status
		terminal bool
	}{
		{Pending, false}, {Running, false}, {Stopped, true}, {Error, true},
	} {
		if got := tc.s.Terminal(); got != tc.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tc.s, got, tc.terminal)
		}
	}
}

func TestKnownBrowser(t *testing.T) {
	for _, v := range []string{"chrome", "firefox", "edge"} {
		if !KnownBrowser(v) {
			t.Errorf("%s should be a known variant", v)
		}
	}
	if KnownBrowser("netscape") {
		t.Error("netscape should not be a known variant")
	}
}
