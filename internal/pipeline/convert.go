package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// PixelLayout identifies the packed byte layout an encoder expects on its
// input (spec.md §4.8 "encoder's input layout").
type PixelLayout string

const (
	LayoutYUV420P PixelLayout = "yuv420p"
	LayoutNV12    PixelLayout = "nv12"
)

// RawFrame is a planar/packed image ready to submit to an encoder.
type RawFrame struct {
	Layout PixelLayout
	Width  int
	Height int
	Bytes  []byte
}

// decodeMJPEG decodes a JPEG-compressed capture frame to its native YCbCr
// planes (spec.md §4.8 step 1: "decode to YUV420P ... software via
// libjpeg-turbo"). No pure-Go libjpeg-turbo binding exists in the pack, so
// the stdlib image/jpeg decoder is used instead — documented in DESIGN.md.
func decodeMJPEG(data []byte) (*image.YCbCr, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode MJPEG: %w", err)
	}
	ycbcr, ok := img.(*image.YCbCr)
	if !ok {
		return nil, fmt.Errorf("pipeline: unexpected JPEG color model %T", img)
	}
	return ycbcr, nil
}

// convertToLayout repacks a decoded YCbCr image into the contiguous planar
// (YUV420P) or semi-planar (NV12) layout the active encoder expects
// (spec.md §4.8 step 2). This is a plain Go loop rather than the SIMD path
// real hardware encoders use — documented stdlib exception, no pure-Go SIMD
// chroma-conversion library exists in the pack.
func convertToLayout(img *image.YCbCr, layout PixelLayout) RawFrame {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	cw, ch := chromaDims(img.SubsampleRatio, w, h)

	switch layout {
	case LayoutNV12:
		out := make([]byte, w*h+2*cw*ch)
		copyPlane(out[:w*h], img.Y, img.YStride, w, h)
		interleaveChroma(out[w*h:], img.Cb, img.Cr, img.CStride, cw, ch)
		return RawFrame{Layout: LayoutNV12, Width: w, Height: h, Bytes: out}
	default:
		out := make([]byte, w*h+2*cw*ch)
		copyPlane(out[:w*h], img.Y, img.YStride, w, h)
		copyPlane(out[w*h:w*h+cw*ch], img.Cb, img.CStride, cw, ch)
		copyPlane(out[w*h+cw*ch:], img.Cr, img.CStride, cw, ch)
		return RawFrame{Layout: LayoutYUV420P, Width: w, Height: h, Bytes: out}
	}
}

func chromaDims(ratio image.YCbCrSubsampleRatio, w, h int) (int, int) {
	switch ratio {
	case image.YCbCrSubsampleRatio444:
		return w, h
	case image.YCbCrSubsampleRatio422:
		return (w + 1) / 2, h
	default: // 4:2:0 and anything else, the common capture-card case
		return (w + 1) / 2, (h + 1) / 2
	}
}

func copyPlane(dst, src []byte, stride, w, h int) {
	for row := 0; row < h; row++ {
		srcOff := row * stride
		dstOff := row * w
		if srcOff+w > len(src) {
			break
		}
		copy(dst[dstOff:dstOff+w], src[srcOff:srcOff+w])
	}
}

func interleaveChroma(dst, cb, cr []byte, stride, cw, ch int) {
	for row := 0; row < ch; row++ {
		off := row * stride
		for col := 0; col < cw; col++ {
			if off+col >= len(cb) || off+col >= len(cr) {
				break
			}
			dst[(row*cw+col)*2] = cb[off+col]
			dst[(row*cw+col)*2+1] = cr[off+col]
		}
	}
}
