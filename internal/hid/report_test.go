package hid

import (
	"testing"

	"github.com/mofeng-git/one-kvm/pkg/hidmap"
)

func TestKeyboardStateBuildsReport(t *testing.T) {
	var st keyboardState
	st.apply(KeyEvent{JSKeyCode: 17, Down: true}) // ctrl
	st.apply(KeyEvent{JSKeyCode: 65, Down: true}) // 'A'

	r := st.report()
	if r[0] != hidmap.ModLeftCtrl {
		t.Fatalf("modifiers = %x, want ctrl bit set", r[0])
	}
	if r[2] != 0x04 {
		t.Fatalf("key1 = %x, want 0x04 ('A')", r[2])
	}
}

func TestKeyboardStateReleaseRemovesKey(t *testing.T) {
	var st keyboardState
	st.apply(KeyEvent{JSKeyCode: 65, Down: true})
	st.apply(KeyEvent{JSKeyCode: 66, Down: true})
	st.apply(KeyEvent{JSKeyCode: 65, Down: false})

	r := st.report()
	if r[2] != 0x05 { // 'B' should have shifted into slot 0
		t.Fatalf("key1 = %x, want 0x05 ('B') after releasing 'A'", r[2])
	}
}

func TestKeyboardStateOverflowDropsOldest(t *testing.T) {
	var st keyboardState
	codes := []int{65, 66, 67, 68, 69, 70, 71} // A..G, 7 keys > 6 slots
	for _, c := range codes {
		st.apply(KeyEvent{JSKeyCode: c, Down: true})
	}

	r := st.report()
	// 'A' (0x04) should have been evicted; 'G' (0x0A) should be present.
	for _, k := range r[2:] {
		if k == 0x04 {
			t.Fatal("oldest key 'A' should have been evicted on overflow")
		}
	}
	found := false
	for _, k := range r[2:] {
		if k == 0x0A {
			found = true
		}
	}
	if !found {
		t.Fatal("newest key 'G' should be present after overflow")
	}
}

func TestKeyboardStateDedupesRepeatedPress(t *testing.T) {
	var st keyboardState
	st.apply(KeyEvent{JSKeyCode: 65, Down: true})
	st.apply(KeyEvent{JSKeyCode: 65, Down: true})

	count := 0
	r := st.report()
	for _, k := range r[2:] {
		if k == 0x04 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("key 'A' appears %d times, want 1", count)
	}
}

func TestBuildMouseReportRelative(t *testing.T) {
	r := buildMouseReport(MouseEvent{Mode: MouseRelative, DX: -5, DY: 10, Wheel: 1, Buttons: 0x01})
	if len(r) != 4 {
		t.Fatalf("relative report len = %d, want 4", len(r))
	}
	if int8(r[1]) != -5 || int8(r[2]) != 10 {
		t.Fatalf("dx/dy = %d,%d want -5,10", int8(r[1]), int8(r[2]))
	}
}

func TestBuildMouseReportAbsolute(t *testing.T) {
	r := buildMouseReport(MouseEvent{Mode: MouseAbsolute, X: 16000, Y: 8000, Buttons: 0x02})
	if len(r) != 6 {
		t.Fatalf("absolute report len = %d, want 6", len(r))
	}
	x := int(r[1]) | int(r[2])<<8
	y := int(r[3]) | int(r[4])<<8
	if x != 16000 || y != 8000 {
		t.Fatalf("x/y = %d,%d want 16000,8000", x, y)
	}
}

func TestBuildConsumerReport(t *testing.T) {
	r := buildConsumerReport(ConsumerEvent{Usage: 0x00E9}) // volume up
	if len(r) != 2 || r[0] != 0xE9 || r[1] != 0x00 {
		t.Fatalf("consumer report = %x, want [E9 00]", r)
	}
}

func TestDecodeLEDByte(t *testing.T) {
	s := decodeLEDByte(0x03) // NumLock + CapsLock
	if !s.NumLock || !s.CapsLock || s.ScrollLock {
		t.Fatalf("decodeLEDByte(0x03) = %+v", s)
	}
}
