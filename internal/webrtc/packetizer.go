package webrtc

import (
	"github.com/pion/rtp"

	"github.com/mofeng-git/one-kvm/internal/encoder"
)

// rtpPacketizer turns encoder output units into RTP packets (spec.md §4.10
// "codec-specific RTP packetizer ... STAP-A aggregation for H.264,
// nalu-type-aware handling for H.265"). One instance is owned per Session's
// video track; TrackLocalStaticRTP overwrites SSRC/PayloadType to match the
// negotiated sender parameters, so the packetizer only owns sequencing.
//
// Grounded on the raw rtp.Packet construction style in
// other_examples/88157f99_n0remac-robot-webrtc (TrackLocalStaticRTP +
// manual *rtp.Packet forwarding), since the teacher's session_webrtc.go uses
// the higher-level media.Sample API that hides packetization entirely — the
// opposite of what this component needs to exercise.
const defaultMTU = 1200

type rtpPacketizer struct {
	mtu int
	seq uint16

	pendingH264 [][]byte
	pendingH265 [][]byte
}

func newRTPPacketizer(seed uint16) *rtpPacketizer {
	return &rtpPacketizer{mtu: defaultMTU, seq: seed}
}

// Packetize returns the RTP packets for one EncodedFrame unit. ts is the
// 90kHz RTP timestamp already computed by the caller.
func (p *rtpPacketizer) Packetize(codec encoder.Codec, data []byte, ts uint32) []*rtp.Packet {
	switch codec {
	case encoder.CodecH264:
		return p.packetizeH264(data, ts)
	case encoder.CodecH265:
		return p.packetizeH265(data, ts)
	default:
		return p.packetizeFragmented(data, ts)
	}
}

func (p *rtpPacketizer) allocSeq() uint16 {
	s := p.seq
	p.seq++
	return s
}

func (p *rtpPacketizer) buildPacket(payload []byte, ts uint32, marker bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			SequenceNumber: p.allocSeq(),
			Timestamp:      ts,
		},
		Payload: payload,
	}
}

// --- H.264 (RFC 6184) ------------------------------------------------

const (
	h264NALTypeSEI   = 6
	h264NALTypeSPS   = 7
	h264NALTypePPS   = 8
	h264NALTypeAUD   = 9
	h264NALTypeSTAPA = 24
	h264NALTypeFUA   = 28
)

func (p *rtpPacketizer) packetizeH264(nal []byte, ts uint32) []*rtp.Packet {
	if len(nal) == 0 {
		return nil
	}
	typ := nal[0] & 0x1f
	switch typ {
	case h264NALTypeSPS, h264NALTypePPS, h264NALTypeSEI, h264NALTypeAUD:
		p.pendingH264 = append(p.pendingH264, append([]byte(nil), nal...))
		return nil
	}

	// This encoder surfaces one NAL per EncodedFrame, so a VCL NAL always
	// closes out the access unit: aggregate any buffered parameter-set
	// NALs into a single STAP-A alongside it when they fit one packet.
	units := append(p.pendingH264, nal)
	p.pendingH264 = nil

	aggSize := 1
	for _, u := range units {
		aggSize += 2 + len(u)
	}
	if len(units) > 1 && aggSize <= p.mtu {
		return []*rtp.Packet{p.buildPacket(h264STAPA(units), ts, true)}
	}

	var packets []*rtp.Packet
	for i, u := range units {
		packets = append(packets, p.fragmentH264(u, ts, i == len(units)-1)...)
	}
	return packets
}

func h264STAPA(units [][]byte) []byte {
	out := []byte{h264NALTypeSTAPA}
	for _, u := range units {
		out = append(out, byte(len(u)>>8), byte(len(u)))
		out = append(out, u...)
	}
	return out
}

func (p *rtpPacketizer) fragmentH264(nal []byte, ts uint32, markLast bool) []*rtp.Packet {
	if len(nal) <= p.mtu {
		return []*rtp.Packet{p.buildPacket(nal, ts, markLast)}
	}

	nri := nal[0] & 0x60
	naluType := nal[0] & 0x1f
	payload := nal[1:]

	var packets []*rtp.Packet
	for len(payload) > 0 {
		chunkSize := p.mtu - 2
		if chunkSize > len(payload) {
			chunkSize = len(payload)
		}
		start := len(packets) == 0
		chunk := payload[:chunkSize]
		payload = payload[chunkSize:]
		end := len(payload) == 0

		fuHeader := naluType
		if start {
			fuHeader |= 0x80
		}
		if end {
			fuHeader |= 0x40
		}

		buf := make([]byte, 2+len(chunk))
		buf[0] = nri | h264NALTypeFUA
		buf[1] = fuHeader
		copy(buf[2:], chunk)

		packets = append(packets, p.buildPacket(buf, ts, end && markLast))
	}
	return packets
}

// --- H.265 (RFC 7798) --------------------------------------------------

const (
	h265NALTypeVPS = 32
	h265NALTypeSPS = 33
	h265NALTypePPS = 34
	h265NALTypeAP  = 48
	h265NALTypeFU  = 49
)

func h265NALType(nal []byte) byte {
	return (nal[0] >> 1) & 0x3f
}

func (p *rtpPacketizer) packetizeH265(nal []byte, ts uint32) []*rtp.Packet {
	if len(nal) < 2 {
		return nil
	}
	typ := h265NALType(nal)
	switch typ {
	case h265NALTypeVPS, h265NALTypeSPS, h265NALTypePPS:
		p.pendingH265 = append(p.pendingH265, append([]byte(nil), nal...))
		return nil
	}

	units := append(p.pendingH265, nal)
	p.pendingH265 = nil

	aggSize := 2
	for _, u := range units {
		aggSize += 2 + len(u)
	}
	if len(units) > 1 && aggSize <= p.mtu {
		return []*rtp.Packet{p.buildPacket(h265AP(units), ts, true)}
	}

	var packets []*rtp.Packet
	for i, u := range units {
		packets = append(packets, p.fragmentH265(u, ts, i == len(units)-1)...)
	}
	return packets
}

func h265AP(units [][]byte) []byte {
	out := []byte{h265NALTypeAP << 1, 0}
	for _, u := range units {
		out = append(out, byte(len(u)>>8), byte(len(u)))
		out = append(out, u...)
	}
	return out
}

func (p *rtpPacketizer) fragmentH265(nal []byte, ts uint32, markLast bool) []*rtp.Packet {
	if len(nal) <= p.mtu {
		return []*rtp.Packet{p.buildPacket(nal, ts, markLast)}
	}

	header0, header1 := nal[0], nal[1]
	naluType := h265NALType(nal)
	payload := nal[2:]

	var packets []*rtp.Packet
	for len(payload) > 0 {
		chunkSize := p.mtu - 3
		if chunkSize > len(payload) {
			chunkSize = len(payload)
		}
		start := len(packets) == 0
		chunk := payload[:chunkSize]
		payload = payload[chunkSize:]
		end := len(payload) == 0

		fuHeader := naluType
		if start {
			fuHeader |= 0x80
		}
		if end {
			fuHeader |= 0x40
		}

		buf := make([]byte, 3+len(chunk))
		buf[0] = (h265NALTypeFU << 1) | (header0 & 0x81)
		buf[1] = header1
		buf[2] = fuHeader
		copy(buf[3:], chunk)

		packets = append(packets, p.buildPacket(buf, ts, end && markLast))
	}
	return packets
}

// --- VP8/VP9/AV1: whole-frame payload, MTU fragmentation only ---------

// packetizeFragmented covers the codecs with no aggregation requirement in
// spec.md §4.10 (only H.264 STAP-A and H.265 NALU-type handling are named);
// each encoded frame is one payload unit, split across packets with a
// minimal start/continuation descriptor byte.
func (p *rtpPacketizer) packetizeFragmented(data []byte, ts uint32) []*rtp.Packet {
	if len(data) == 0 {
		return nil
	}

	var packets []*rtp.Packet
	for len(data) > 0 {
		chunkSize := p.mtu - 1
		if chunkSize > len(data) {
			chunkSize = len(data)
		}
		start := len(packets) == 0
		chunk := data[:chunkSize]
		data = data[chunkSize:]
		end := len(data) == 0

		var descriptor byte
		if start {
			descriptor |= 0x10
		}
		buf := make([]byte, 1+len(chunk))
		buf[0] = descriptor
		copy(buf[1:], chunk)

		packets = append(packets, p.buildPacket(buf, ts, end))
	}
	return packets
}
