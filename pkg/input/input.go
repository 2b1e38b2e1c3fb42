// Package input translates transport-level pointer/keyboard events
// into framebuffer protocol primitives.
package input

import (
	"time"

	"github.com/crossview/crossview/pkg/logger"
	"github.com/crossview/crossview/pkg/vnc"
)

// Event is one user input event as carried by the signaling channel.
type Event struct {
	Type      string   `json:"input_type"`
	X         int      `json:"x,omitempty"`
	Y         int      `json:"y,omitempty"`
	Button    int      `json:"button,omitempty"`
	Action    string   `json:"action,omitempty"`
	Direction string   `json:"direction,omitempty"`
	Key       string   `json:"key,omitempty"`
	Modifiers []string `json:"modifiers,omitempty"`
}

// Sink accepts framebuffer input primitives. Implemented by the
// capture client; faked in tests.
type Sink interface {
	PointerEvent(mask byte, x, y uint16)
	KeyEvent(keysym uint32, down bool)
}

// Browser key names mapped to their RFB counterparts. Ambiguous
// modifier names resolve to their "left" variants.
var keyNames = map[string]string{
	"Enter":      "Return",
	"Backspace":  "BackSpace",
	"Tab":        "Tab",
	"Escape":     "Escape",
	"ArrowUp":    "Up",
	"ArrowDown":  "Down",
	"ArrowLeft":  "Left",
	"ArrowRight": "Right",
	"Delete":     "Delete",
	"Home":       "Home",
	"End":        "End",
	"PageUp":     "Page_Up",
	"PageDown":   "Page_Down",
	"Shift":      "Shift_L",
	"Control":    "Control_L",
	"Alt":        "Alt_L",
	"Meta":       "Super_L",
}

var modifiers = map[string]struct{}{"Shift": {}, "Control": {}, "Alt": {}, "Meta": {}}

// Translator forwards input events of a session to its capture
// client, holding a non-owning reference through the keyed store.
type Translator struct {
	clients    *vnc.Store
	clickDelay time.Duration
	log        *logger.Logger
}

func NewTranslator(clients *vnc.Store, log *logger.Logger) *Translator {
	return &Translator{clients: clients, clickDelay: 50 * time.Millisecond, log: log}
}

// Handle forwards one event to the session's live capture client.
// A session without one (not yet connected, or already torn down)
// swallows the event.
func (t *Translator) Handle(sessionID string, ev Event) {
	client, err := t.clients.Find(sessionID)
	if err != nil {
		return
	}
	t.Apply(client, ev)
}

// Apply translates the event into protocol primitives on the sink.
func (t *Translator) Apply(sink Sink, ev Event) {
	switch ev.Type {
	case "mouse":
		t.mouse(sink, ev)
	case "keyboard":
		t.keyboard(sink, ev)
	default:
		t.log.Debug().Msgf("dropping input of unknown type %q", ev.Type)
	}
}

func (t *Translator) mouse(sink Sink, ev Event) {
	x, y := clampU16(ev.X), clampU16(ev.Y)
	switch ev.Action {
	case "move":
		sink.PointerEvent(0, x, y)
	case "click":
		var mask byte
		if ev.Button > 0 && ev.Button <= 8 {
			mask = 1 << (ev.Button - 1)
		}
		sink.PointerEvent(mask, x, y)
		time.Sleep(t.clickDelay)
		sink.PointerEvent(0, x, y)
	case "scroll":
		wheel := vnc.WheelDown
		if ev.Direction == "up" {
			wheel = vnc.WheelUp
		}
		sink.PointerEvent(wheel, x, y)
		sink.PointerEvent(0, x, y)
	default:
		t.log.Debug().Msgf("dropping mouse action %q", ev.Action)
	}
}

// keyboard emits a single press of the main key with all active
// modifiers held around it. A modifier arriving as the main key is
// dropped: clients send modifiers only through the modifier list.
func (t *Translator) keyboard(sink Sink, ev Event) {
	if ev.Key == "" {
		return
	}
	if _, isMod := modifiers[ev.Key]; isMod {
		return
	}

	name := ev.Key
	if mapped, ok := keyNames[name]; ok {
		name = mapped
	}
	key, ok := vnc.Keysym(name)
	if !ok {
		t.log.Warn().Msgf("unhandled key %q", ev.Key)
		return
	}

	var held []uint32
	for _, m := range ev.Modifiers {
		mapped, ok := keyNames[m]
		if !ok {
			continue
		}
		if ks, ok := vnc.Keysym(mapped); ok {
			held = append(held, ks)
		}
	}

	for _, ks := range held {
		sink.KeyEvent(ks, true)
	}
	sink.KeyEvent(key, true)
	sink.KeyEvent(key, false)
	for i := len(held) - 1; i >= 0; i-- {
		sink.KeyEvent(held[i], false)
	}
}

func clampU16(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > 0xffff {
		return 0xffff
	}
	return uint16(v)
}
