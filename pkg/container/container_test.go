package container

import "testing"

func TestNaming(t *testing.T) {
	tests := []struct {
		sessionID string
		variant   string
		name      string
		image     string
	}{
		{"4b2f6e1c", "chrome", "browser-4b2f6e1c", "browser-chrome:latest"},
		{"a", "firefox", "browser-a", "browser-firefox:latest"},
		{"x-y-z", "edge", "browser-x-y-z", "browser-edge:latest"},
	}
	for _, tt := range tests {
		if got := Name(tt.sessionID); got != tt.name {
			t.Errorf("Name(%q) = %q, want %q", tt.sessionID, got, tt.name)
		}
		if got := Image(tt.variant); got != tt.image {
			t.Errorf("Image(%q) = %q, want %q", tt.variant, got, tt.image)
		}
	}
}
