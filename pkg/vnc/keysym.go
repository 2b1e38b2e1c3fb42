package vnc

import (
	"image/color"

	vnc "github.com/mitchellh/go-vnc"
)

// X11 keysym values for the RFB KeyEvent message.
const (
	XKBackSpace uint32 = 0xff08
	XKTab       uint32 = 0xff09
	XKReturn    uint32 = 0xff0d
	XKEscape    uint32 = 0xff1b
	XKHome      uint32 = 0xff50
	XKLeft      uint32 = 0xff51
	XKUp        uint32 = 0xff52
	XKRight     uint32 = 0xff53
	XKDown      uint32 = 0xff54
	XKPageUp    uint32 = 0xff55
	XKPageDown  uint32 = 0xff56
	XKEnd       uint32 = 0xff57
	XKShiftL    uint32 = 0xffe1
	XKControlL  uint32 = 0xffe3
	XKAltL      uint32 = 0xffe9
	XKSuperL    uint32 = 0xffeb
	XKDelete    uint32 = 0xffff
)

var keysyms = map[string]uint32{
	"BackSpace": XKBackSpace,
	"Tab":       XKTab,
	"Return":    XKReturn,
	"Escape":    XKEscape,
	"Home":      XKHome,
	"Left":      XKLeft,
	"Up":        XKUp,
	"Right":     XKRight,
	"Down":      XKDown,
	"Page_Up":   XKPageUp,
	"Page_Down": XKPageDown,
	"End":       XKEnd,
	"Shift_L":   XKShiftL,
	"Control_L": XKControlL,
	"Alt_L":     XKAltL,
	"Super_L":   XKSuperL,
	"Delete":    XKDelete,
}

// Keysym resolves an RFB key name to its keysym value. Printable
// single characters map to themselves, per the Latin-1 keysym block.
func Keysym(name string) (uint32, bool) {
	if ks, ok := keysyms[name]; ok {
		return ks, true
	}
	r := []rune(name)
	if len(r) == 1 && r[0] >= 0x20 && r[0] <= 0xff {
		return uint32(r[0]), true
	}
	return 0, false
}

// Pointer button bits of the RFB PointerEvent mask.
const (
	ButtonLeft   byte = 1 << 0
	ButtonMiddle byte = 1 << 1
	ButtonRight  byte = 1 << 2
	WheelUp      byte = 1 << 3
	WheelDown    byte = 1 << 4
)

func rgba(c vnc.Color) color.RGBA {
	return color.RGBA{R: uint8(c.R), G: uint8(c.G), B: uint8(c.B), A: 0xff}
}
