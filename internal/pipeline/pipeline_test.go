package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/mofeng-git/one-kvm/internal/capture"
	"github.com/mofeng-git/one-kvm/internal/encoder"
	"github.com/mofeng-git/one-kvm/internal/eventbus"
)

type fakeSource struct {
	mu   sync.Mutex
	subs map[chan *capture.Frame]struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: map[chan *capture.Frame]struct{}{}}
}

func (s *fakeSource) Subscribe() chan *capture.Frame {
	ch := make(chan *capture.Frame, 8)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *fakeSource) Unsubscribe(ch chan *capture.Frame) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
	close(ch)
}

func (s *fakeSource) push(f *capture.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		ch <- f
	}
}

type fakeEncoder struct {
	mu       sync.Mutex
	out      chan EncodedFrame
	submits  int
	closed   bool
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{out: make(chan EncodedFrame, 8)}
}

func (e *fakeEncoder) Submit(raw RawFrame, ptsMs int64, forceKeyframe bool) error {
	e.mu.Lock()
	e.submits++
	e.mu.Unlock()
	e.out <- EncodedFrame{Codec: encoder.CodecH264, Data: raw.Bytes, PTSMillis: ptsMs, Keyframe: forceKeyframe}
	return nil
}
func (e *fakeEncoder) Output() <-chan EncodedFrame { return e.out }
func (e *fakeEncoder) SetBitrate(PresetParams) error { return nil }
func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.out)
	}
	return nil
}

func testRegistryAlwaysAvailable() *encoder.Registry {
	reg := encoder.New()
	reg.Probe() // software is always available per probeSoftware
	return reg
}

func TestSubscribeBuildsCodecPipelineLazily(t *testing.T) {
	src := newFakeSource()
	bus := eventbus.New()
	defer bus.Close()
	reg := testRegistryAlwaysAvailable()

	var fe *fakeEncoder
	p := NewPipeline(bus, reg, src, Dimensions{Width: 16, Height: 16, FPS: 30})
	p.newEncoder = func(codec encoder.Codec, family encoder.Family, w, h, fps int, params PresetParams) (Encoder, error) {
		fe = newFakeEncoder()
		return fe, nil
	}

	ch, err := p.Subscribe(encoder.CodecH264)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if fe == nil {
		t.Fatal("expected encoder to be constructed")
	}

	src.push(&capture.Frame{Bytes: []byte{1, 2, 3}, FourCC: "RAW", Width: 16, Height: 16, CapturedAt: time.Now()})

	select {
	case ef := <-ch:
		if len(ef.Data) != 3 {
			t.Fatalf("Data len = %d, want 3", len(ef.Data))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for encoded frame")
	}
}

func TestDuplicateFrameHashSkipsEncodeAndRepeatsLastOutput(t *testing.T) {
	src := newFakeSource()
	bus := eventbus.New()
	defer bus.Close()
	reg := testRegistryAlwaysAvailable()

	var fe *fakeEncoder
	p := NewPipeline(bus, reg, src, Dimensions{Width: 16, Height: 16, FPS: 30})
	p.newEncoder = func(codec encoder.Codec, family encoder.Family, w, h, fps int, params PresetParams) (Encoder, error) {
		fe = newFakeEncoder()
		return fe, nil
	}

	ch, err := p.Subscribe(encoder.CodecH264)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	frame := &capture.Frame{Bytes: []byte{9, 9, 9}, FourCC: "RAW", Width: 16, Height: 16, CapturedAt: time.Now()}
	src.push(frame)
	<-ch // first frame always submitted (keyframePending)

	src.push(&capture.Frame{Bytes: []byte{9, 9, 9}, FourCC: "RAW", Width: 16, Height: 16, CapturedAt: time.Now()})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for repeated-reference output")
	}

	fe.mu.Lock()
	submits := fe.submits
	fe.mu.Unlock()
	if submits != 1 {
		t.Fatalf("submits = %d, want 1 (second identical frame should be deduped)", submits)
	}
}

func TestUnsubscribeLastSubscriberTearsDownCodecPipeline(t *testing.T) {
	src := newFakeSource()
	bus := eventbus.New()
	defer bus.Close()
	reg := testRegistryAlwaysAvailable()

	p := NewPipeline(bus, reg, src, Dimensions{Width: 16, Height: 16, FPS: 30})
	p.newEncoder = func(codec encoder.Codec, family encoder.Family, w, h, fps int, params PresetParams) (Encoder, error) {
		return newFakeEncoder(), nil
	}

	ch, err := p.Subscribe(encoder.CodecH264)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	p.Unsubscribe(encoder.CodecH264, ch)

	p.mu.Lock()
	_, stillTracked := p.codecs[encoder.CodecH264]
	p.mu.Unlock()
	if stillTracked {
		t.Fatal("codecPipeline should be removed once its last subscriber leaves")
	}
}
