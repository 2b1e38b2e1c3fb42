package vnc

import "testing"

func TestKeysymNames(t *testing.T) {
	tests := []struct {
		name string
		want uint32
	}{
		{"Return", 0xff0d},
		{"BackSpace", 0xff08},
		{"Tab", 0xff09},
		{"Escape", 0xff1b},
		{"Up", 0xff52},
		{"Down", 0xff54},
		{"Left", 0xff51},
		{"Right", 0xff53},
		{"Shift_L", 0xffe1},
		{"Control_L", 0xffe3},
		{"Alt_L", 0xffe9},
		{"Super_L", 0xffeb},
	}
	for _, tt := range tests {
		got, ok := Keysym(tt.name)
		if !ok || got != tt.want {
			t.Errorf("Keysym(%q) = %#x %v, want %#x", tt.name, got, ok, tt.want)
		}
	}
}

func TestKeysymCharacters(t *testing.T) {
	for _, ch := range []string{"a", "Z", "1", " ", "~", "é"} {
		got, ok := Keysym(ch)
		if !ok || got != uint32([]rune(ch)[0]) {
			t.Errorf("Keysym(%q) = %#x %v, want literal rune", ch, got, ok)
		}
	}
}

func TestKeysymUnknown(t *testing.T) {
	for _, name := range []string{"F1", "CapsLock", "NumLock", ""} {
		if _, ok := Keysym(name); ok {
			t.Errorf("Keysym(%q) should be unknown", name)
		}
	}
}
