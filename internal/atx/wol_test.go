package atx

import (
	"bytes"
	"net"
	"testing"
)

func TestMagicPacketPayloadShapeIsSixFFThenSixteenMACRepeats(t *testing.T) {
	mac, err := net.ParseMAC("de:ad:be:ef:00:01")
	if err != nil {
		t.Fatalf("ParseMAC: %v", err)
	}

	payload := magicPacketPayload(mac)
	if len(payload) != 6+16*6 {
		t.Fatalf("payload length = %d, want %d", len(payload), 6+16*6)
	}
	if !bytes.Equal(payload[:6], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("payload header = % X, want six 0xFF bytes", payload[:6])
	}
	for i := 0; i < 16; i++ {
		chunk := payload[6+i*6 : 6+(i+1)*6]
		if !bytes.Equal(chunk, []byte(mac)) {
			t.Fatalf("repeat %d = % X, want MAC % X", i, chunk, []byte(mac))
		}
	}
}

func TestBuildWOLFrameProducesNonEmptyFrame(t *testing.T) {
	srcMAC, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	dstMAC, _ := net.ParseMAC("11:22:33:44:55:66")
	srcIP := net.IPv4(192, 168, 1, 50)

	frame, err := buildWOLFrame(srcMAC, srcIP, dstMAC)
	if err != nil {
		t.Fatalf("buildWOLFrame: %v", err)
	}
	if len(frame) == 0 {
		t.Fatal("buildWOLFrame returned an empty frame")
	}

	// Ethernet header: 6 dst + 6 src + 2 ethertype.
	if !bytes.Equal(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("frame dst MAC = % X, want broadcast", frame[0:6])
	}
	if !bytes.Equal(frame[6:12], []byte(srcMAC)) {
		t.Fatalf("frame src MAC = % X, want %X", frame[6:12], []byte(srcMAC))
	}

	// The magic packet payload should appear somewhere in the serialized frame.
	want := magicPacketPayload(dstMAC)
	if !bytes.Contains(frame, want) {
		t.Fatal("serialized frame does not contain the magic packet payload")
	}
}

func TestSelectInterfaceReturnsNamedInterface(t *testing.T) {
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skipf("cannot list interfaces: %v", err)
	}
	if len(ifaces) == 0 {
		t.Skip("no network interfaces available")
	}

	got, err := selectInterface(ifaces[0].Name)
	if err != nil {
		t.Fatalf("selectInterface(%q): %v", ifaces[0].Name, err)
	}
	if got.Name != ifaces[0].Name {
		t.Fatalf("selectInterface returned %q, want %q", got.Name, ifaces[0].Name)
	}
}

func TestSelectInterfaceRejectsUnknownName(t *testing.T) {
	if _, err := selectInterface("no-such-iface-xyz"); err == nil {
		t.Fatal("selectInterface with bogus name: want error, got nil")
	}
}
