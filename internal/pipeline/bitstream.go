package pipeline

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// annexBReader splits an H.264/H.265 Annex B bytestream into individual NAL
// units by scanning for 3- or 4-byte start codes. It does not reassemble
// NALs into access units; callers treat consecutive VCL NALs sharing a pts
// as one access unit, which is sufficient for this daemon's single-slice
// low-latency encoder configuration (one VCL NAL per frame).
type annexBReader struct {
	r   *bufio.Reader
	buf []byte
}

func newAnnexBReader(r io.Reader) *annexBReader {
	return &annexBReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadNAL returns the next NAL unit's payload (start code stripped), or
// io.EOF when the underlying stream closes cleanly.
func (a *annexBReader) ReadNAL() ([]byte, error) {
	// Ensure the buffer starts positioned just past a start code.
	if len(a.buf) == 0 {
		if err := a.fillPastFirstStartCode(); err != nil {
			return nil, err
		}
	}

	for {
		idx, scLen := findStartCode(a.buf)
		if idx >= 0 {
			nal := a.buf[:idx]
			a.buf = a.buf[idx+scLen:]
			if len(nal) > 0 {
				return nal, nil
			}
			continue
		}

		chunk := make([]byte, 32*1024)
		n, err := a.r.Read(chunk)
		if n > 0 {
			a.buf = append(a.buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(a.buf) > 0 {
				nal := a.buf
				a.buf = nil
				return nal, nil
			}
			return nil, err
		}
	}
}

func (a *annexBReader) fillPastFirstStartCode() error {
	for {
		chunk := make([]byte, 32*1024)
		n, err := a.r.Read(chunk)
		if n > 0 {
			a.buf = append(a.buf, chunk[:n]...)
			if idx, scLen := findStartCode(a.buf); idx >= 0 {
				a.buf = a.buf[idx+scLen:]
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
}

// findStartCode returns the index and length (3 or 4) of the first Annex B
// start code in buf, or (-1, 0) if none is found yet.
func findStartCode(buf []byte) (int, int) {
	for i := 0; i+3 <= len(buf); i++ {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
			if i > 0 && buf[i-1] == 0 {
				return i - 1, 4
			}
			return i, 3
		}
	}
	return -1, 0
}

// h264NALType extracts the NAL unit type from an Annex-B-stripped payload.
func h264NALType(nal []byte) int {
	if len(nal) == 0 {
		return -1
	}
	return int(nal[0] & 0x1F)
}

const h264NALTypeIDR = 5

// ivfFrameHeader is the per-frame header VP8/VP9/AV1 IVF output carries.
type ivfFrameHeader struct {
	Size      uint32
	Timestamp uint64
}

// ivfReader parses ffmpeg's `-f ivf` muxer output: a 32-byte file header
// followed by {12-byte frame header, payload} records.
type ivfReader struct {
	r           *bufio.Reader
	headerRead  bool
}

func newIVFReader(r io.Reader) *ivfReader {
	return &ivfReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func (v *ivfReader) ReadFrame() ([]byte, ivfFrameHeader, error) {
	if !v.headerRead {
		hdr := make([]byte, 32)
		if _, err := io.ReadFull(v.r, hdr); err != nil {
			return nil, ivfFrameHeader{}, err
		}
		v.headerRead = true
	}

	fhdr := make([]byte, 12)
	if _, err := io.ReadFull(v.r, fhdr); err != nil {
		return nil, ivfFrameHeader{}, err
	}
	size := binary.LittleEndian.Uint32(fhdr[0:4])
	ts := binary.LittleEndian.Uint64(fhdr[4:12])

	payload := make([]byte, size)
	if _, err := io.ReadFull(v.r, payload); err != nil {
		return nil, ivfFrameHeader{}, err
	}
	return payload, ivfFrameHeader{Size: size, Timestamp: ts}, nil
}
