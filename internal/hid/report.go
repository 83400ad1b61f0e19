// Package hid implements the HID controller (spec.md §4.5, component C5):
// keyboard/mouse/consumer report building, the OTG hidg and CH9329 serial
// backends, LED feedback, and health-monitor integration.
//
// Grounded on the teacher's remote/desktop InputHandler interface and
// platform-factory split (input.go / input_linux.go): one small interface,
// one concrete backend per platform/transport, selected at construction
// time rather than by build tag since both backends are always compiled in
// here (gadget vs serial is a runtime config choice, not a platform one).
package hid

import "github.com/mofeng-git/one-kvm/pkg/hidmap"

// KeyEvent is a single keydown/keyup from the browser.
type KeyEvent struct {
	JSKeyCode int
	Down      bool
}

// MouseMode selects relative or absolute positioning for one mouse event.
type MouseMode int

const (
	MouseRelative MouseMode = iota
	MouseAbsolute
)

// MouseEvent carries either relative deltas or absolute coordinates
// depending on Mode (spec.md §4.5 "Mode is per-event").
type MouseEvent struct {
	Mode    MouseMode
	DX, DY  int8  // relative mode
	X, Y    int16 // absolute mode, 0..32767
	Wheel   int8
	Buttons byte // bit0=left bit1=right bit2=middle
}

// ConsumerEvent is a single consumer-control usage; Usage==0 means release.
type ConsumerEvent struct {
	Usage uint16
}

// keyboardState tracks currently-held keys to build the 8-byte report
// (spec.md §4.5 "internal state tracks currently-held keys").
type keyboardState struct {
	modifiers byte
	keys      [6]byte // 0 = empty slot
}

func (k *keyboardState) apply(ev KeyEvent) {
	if mod := hidmap.ModifierBit(ev.JSKeyCode); mod != 0 {
		if ev.Down {
			k.modifiers |= mod
		} else {
			k.modifiers &^= mod
		}
		return
	}

	usage, ok := hidmap.Lookup(ev.JSKeyCode)
	if !ok {
		return
	}

	if ev.Down {
		k.press(usage)
	} else {
		k.release(usage)
	}
}

func (k *keyboardState) press(usage byte) {
	for _, slot := range k.keys {
		if slot == usage {
			return // already held
		}
	}
	for i := range k.keys {
		if k.keys[i] == 0 {
			k.keys[i] = usage
			return
		}
	}
	// Overflow: discard the oldest non-modifier slot (index 0), shift left.
	copy(k.keys[0:], k.keys[1:])
	k.keys[5] = usage
}

func (k *keyboardState) release(usage byte) {
	for i, slot := range k.keys {
		if slot == usage {
			copy(k.keys[i:], k.keys[i+1:])
			k.keys[5] = 0
			return
		}
	}
}

func (k *keyboardState) reset() {
	*k = keyboardState{}
}

// report renders the current state as the standard 8-byte boot keyboard
// report: [modifiers, reserved, key1..key6].
func (k *keyboardState) report() [8]byte {
	var r [8]byte
	r[0] = k.modifiers
	copy(r[2:], k.keys[:])
	return r
}

// buildMouseReport renders a MouseEvent as either the 4-byte relative or
// 6-byte absolute report (spec.md §4.5).
func buildMouseReport(ev MouseEvent) []byte {
	if ev.Mode == MouseAbsolute {
		r := make([]byte, 6)
		r[0] = ev.Buttons
		r[1] = byte(ev.X)
		r[2] = byte(ev.X >> 8)
		r[3] = byte(ev.Y)
		r[4] = byte(ev.Y >> 8)
		r[5] = byte(ev.Wheel)
		return r
	}
	return []byte{ev.Buttons, byte(ev.DX), byte(ev.DY), byte(ev.Wheel)}
}

// buildConsumerReport renders a single 16-bit usage code, little-endian.
func buildConsumerReport(ev ConsumerEvent) []byte {
	return []byte{byte(ev.Usage), byte(ev.Usage >> 8)}
}

// LEDState decodes the keyboard OUT-endpoint feedback byte (spec.md §4.5
// "LED feedback").
type LEDState struct {
	NumLock, CapsLock, ScrollLock, Compose, Kana bool
}

func decodeLEDByte(b byte) LEDState {
	return LEDState{
		NumLock:    b&0x01 != 0,
		CapsLock:   b&0x02 != 0,
		ScrollLock: b&0x04 != 0,
		Compose:    b&0x08 != 0,
		Kana:       b&0x10 != 0,
	}
}
