package atx

import "testing"

func TestRelayFrameChecksum(t *testing.T) {
	frame := relayFrame(2, relayStateOn)
	want := []byte{0xA0, 0x02, 0x01, 0xA3}
	if len(frame) != len(want) {
		t.Fatalf("relayFrame length = %d, want %d", len(frame), len(want))
	}
	for i := range want {
		if frame[i] != want[i] {
			t.Fatalf("relayFrame = % X, want % X", frame, want)
		}
	}
}

func TestRelayFrameOffDiffersFromOn(t *testing.T) {
	on := relayFrame(0, relayStateOn)
	off := relayFrame(0, relayStateOff)
	if string(on) == string(off) {
		t.Fatal("on/off frames should differ")
	}
}

func TestGPIODriverActiveLevelsInvertWithActiveHigh(t *testing.T) {
	high := &gpioDriver{activeHigh: true}
	if high.activeLevel() != 1 || high.inactiveLevel() != 0 {
		t.Fatalf("active-high levels = (%d,%d), want (1,0)", high.activeLevel(), high.inactiveLevel())
	}

	low := &gpioDriver{activeHigh: false}
	if low.activeLevel() != 0 || low.inactiveLevel() != 1 {
		t.Fatalf("active-low levels = (%d,%d), want (0,1)", low.activeLevel(), low.inactiveLevel())
	}
}

func TestGPIODriverSenseLEDReportsUnsupportedWithoutLedLine(t *testing.T) {
	d := &gpioDriver{}
	on, ok := d.SenseLED()
	if ok {
		t.Fatal("SenseLED() ok = true with no led line configured, want false")
	}
	if on {
		t.Fatal("SenseLED() on = true with no led line configured, want false")
	}
}
