package pipeline

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func TestAnnexBReaderSplitsOnFourByteStartCodes(t *testing.T) {
	data := []byte{0, 0, 0, 1, 0x67, 0xAA, 0, 0, 0, 1, 0x65, 0xBB, 0xCC}
	r := newAnnexBReader(bytes.NewReader(data))

	nal1, err := r.ReadNAL()
	if err != nil {
		t.Fatalf("ReadNAL 1: %v", err)
	}
	if !bytes.Equal(nal1, []byte{0x67, 0xAA}) {
		t.Fatalf("nal1 = %v", nal1)
	}

	nal2, err := r.ReadNAL()
	if err != nil {
		t.Fatalf("ReadNAL 2: %v", err)
	}
	if !bytes.Equal(nal2, []byte{0x65, 0xBB, 0xCC}) {
		t.Fatalf("nal2 = %v", nal2)
	}

	if _, err := r.ReadNAL(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestAnnexBReaderHandlesThreeByteStartCodes(t *testing.T) {
	data := []byte{0, 0, 1, 0x41, 0xAA, 0xBB, 0, 0, 1, 0x41, 0xCC}
	r := newAnnexBReader(bytes.NewReader(data))

	nal1, err := r.ReadNAL()
	if err != nil {
		t.Fatalf("ReadNAL 1: %v", err)
	}
	if !bytes.Equal(nal1, []byte{0x41, 0xAA, 0xBB}) {
		t.Fatalf("nal1 = %v", nal1)
	}
}

func TestH264NALTypeExtractsLowFiveBits(t *testing.T) {
	if got := h264NALType([]byte{0x65}); got != h264NALTypeIDR {
		t.Fatalf("NAL type = %d, want %d (IDR)", got, h264NALTypeIDR)
	}
	if got := h264NALType([]byte{0x67}); got != 7 {
		t.Fatalf("NAL type = %d, want 7 (SPS)", got)
	}
}

func TestIVFReaderParsesHeaderAndFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 32)) // file header, ignored

	frame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	fhdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(fhdr[0:4], uint32(len(frame)))
	binary.LittleEndian.PutUint64(fhdr[4:12], 1234)
	buf.Write(fhdr)
	buf.Write(frame)

	r := newIVFReader(&buf)
	payload, hdr, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(payload, frame) {
		t.Fatalf("payload = %v, want %v", payload, frame)
	}
	if hdr.Timestamp != 1234 {
		t.Fatalf("Timestamp = %d, want 1234", hdr.Timestamp)
	}
}
