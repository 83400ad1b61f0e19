package webrtc

import (
	"bytes"
	"testing"

	"github.com/mofeng-git/one-kvm/internal/encoder"
)

func h264NAL(typ byte, size int) []byte {
	nal := make([]byte, size)
	nal[0] = typ
	for i := 1; i < size; i++ {
		nal[i] = byte(i)
	}
	return nal
}

func TestPacketizeH264AggregatesParameterSetsIntoSTAPA(t *testing.T) {
	p := newRTPPacketizer(0)

	sps := h264NAL(h264NALTypeSPS, 20)
	pps := h264NAL(h264NALTypePPS, 10)
	idr := h264NAL(5, 30) // slice_layer_without_partitioning, IDR

	if pkts := p.Packetize(encoder.CodecH264, sps, 0); pkts != nil {
		t.Fatalf("buffering SPS should emit no packets, got %d", len(pkts))
	}
	if pkts := p.Packetize(encoder.CodecH264, pps, 0); pkts != nil {
		t.Fatalf("buffering PPS should emit no packets, got %d", len(pkts))
	}

	pkts := p.Packetize(encoder.CodecH264, idr, 900)
	if len(pkts) != 1 {
		t.Fatalf("len(pkts) = %d, want 1 aggregated STAP-A packet", len(pkts))
	}
	if pkts[0].Payload[0]&0x1f != h264NALTypeSTAPA {
		t.Fatalf("expected STAP-A NAL type, got %d", pkts[0].Payload[0]&0x1f)
	}
	if !pkts[0].Marker {
		t.Fatal("expected marker bit set on the aggregated packet")
	}
	if pkts[0].Timestamp != 900 {
		t.Fatalf("Timestamp = %d, want 900", pkts[0].Timestamp)
	}
}

func TestPacketizeH264FragmentsOversizedNAL(t *testing.T) {
	p := newRTPPacketizer(100)
	big := h264NAL(5, defaultMTU*3)

	pkts := p.Packetize(encoder.CodecH264, big, 42)
	if len(pkts) < 3 {
		t.Fatalf("expected multiple FU-A fragments, got %d", len(pkts))
	}
	for i, pkt := range pkts {
		if pkt.Payload[0]&0x1f != h264NALTypeFUA {
			t.Fatalf("packet %d: expected FU-A type, got %d", i, pkt.Payload[0]&0x1f)
		}
	}
	first := pkts[0].Payload[1]
	if first&0x80 == 0 {
		t.Fatal("first fragment missing start bit")
	}
	last := pkts[len(pkts)-1].Payload[1]
	if last&0x40 == 0 {
		t.Fatal("last fragment missing end bit")
	}
	if !pkts[len(pkts)-1].Marker {
		t.Fatal("last fragment should carry the marker bit")
	}
}

func TestPacketizeSequenceNumbersAreMonotonic(t *testing.T) {
	p := newRTPPacketizer(65534)
	nal := h264NAL(5, 10)

	var seqs []uint16
	for i := 0; i < 4; i++ {
		pkts := p.Packetize(encoder.CodecH264, nal, uint32(i))
		for _, pkt := range pkts {
			seqs = append(seqs, pkt.SequenceNumber)
		}
	}

	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("sequence numbers not monotonic (wrapping) at %d: %d -> %d", i, seqs[i-1], seqs[i])
		}
	}
}

func h265NAL(typ byte, size int) []byte {
	nal := make([]byte, size)
	nal[0] = typ << 1
	nal[1] = 1
	for i := 2; i < size; i++ {
		nal[i] = byte(i)
	}
	return nal
}

func TestPacketizeH265AggregatesParameterSetsIntoAP(t *testing.T) {
	p := newRTPPacketizer(0)

	vps := h265NAL(h265NALTypeVPS, 12)
	sps := h265NAL(h265NALTypeSPS, 16)
	pps := h265NAL(h265NALTypePPS, 8)
	slice := h265NAL(1, 40) // TRAIL_R

	p.Packetize(encoder.CodecH265, vps, 0)
	p.Packetize(encoder.CodecH265, sps, 0)
	p.Packetize(encoder.CodecH265, pps, 0)
	pkts := p.Packetize(encoder.CodecH265, slice, 1800)

	if len(pkts) != 1 {
		t.Fatalf("len(pkts) = %d, want 1 aggregated AP packet", len(pkts))
	}
	if h265NALType(pkts[0].Payload) != h265NALTypeAP {
		t.Fatalf("expected AP NAL type, got %d", h265NALType(pkts[0].Payload))
	}
}

func TestPacketizeH265FragmentsOversizedNAL(t *testing.T) {
	p := newRTPPacketizer(0)
	big := h265NAL(1, defaultMTU*2)

	pkts := p.Packetize(encoder.CodecH265, big, 0)
	if len(pkts) < 2 {
		t.Fatalf("expected multiple FU fragments, got %d", len(pkts))
	}
	for _, pkt := range pkts {
		if h265NALType(pkt.Payload) != h265NALTypeFU {
			t.Fatalf("expected FU NAL type, got %d", h265NALType(pkt.Payload))
		}
	}
}

func TestPacketizeFragmentedCoversVP8LikePayloads(t *testing.T) {
	p := newRTPPacketizer(0)
	frame := bytes.Repeat([]byte{0xAB}, defaultMTU*2+5)

	pkts := p.Packetize(encoder.CodecVP8, frame, 10)
	if len(pkts) != 3 {
		t.Fatalf("len(pkts) = %d, want 3", len(pkts))
	}
	if pkts[0].Payload[0]&0x10 == 0 {
		t.Fatal("first fragment missing start descriptor bit")
	}
	if !pkts[len(pkts)-1].Marker {
		t.Fatal("last fragment should carry the marker bit")
	}
}
