package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/mofeng-git/one-kvm/internal/capture"
	"github.com/mofeng-git/one-kvm/internal/encoder"
	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/logging"
)

var pipelineLog = logging.L("pipeline")

// FrameSource is the capture side of the pipeline (internal/capture.Capturer
// satisfies this).
type FrameSource interface {
	Subscribe() chan *capture.Frame
	Unsubscribe(chan *capture.Frame)
}

// Dimensions describes the raw frame geometry the pipeline was configured
// for; mismatches against actual decoded frame size are tolerated (the
// decoder reports the true size per frame).
type Dimensions struct {
	Width, Height, FPS int
}

// Pipeline owns at most one encoder per currently-subscribed codec
// (spec.md §4.8 "At most one encoder per codec").
type Pipeline struct {
	bus      *eventbus.Bus
	registry *encoder.Registry
	source   FrameSource
	dims     Dimensions

	newEncoder func(codec encoder.Codec, family encoder.Family, w, h, fps int, params PresetParams) (Encoder, error)

	mu     sync.Mutex
	codecs map[encoder.Codec]*codecPipeline
}

func NewPipeline(bus *eventbus.Bus, registry *encoder.Registry, source FrameSource, dims Dimensions) *Pipeline {
	return &Pipeline{
		bus:      bus,
		registry: registry,
		source:   source,
		dims:     dims,
		newEncoder: func(codec encoder.Codec, family encoder.Family, w, h, fps int, params PresetParams) (Encoder, error) {
			return newFFmpegEncoder(codec, family, w, h, fps, params)
		},
		codecs: map[encoder.Codec]*codecPipeline{},
	}
}

// Subscribe ensures a codecPipeline exists for codec (building one at
// Balanced preset if this is the first subscriber) and returns a channel of
// its encoded output.
func (p *Pipeline) Subscribe(codec encoder.Codec) (chan EncodedFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp, ok := p.codecs[codec]
	if !ok {
		var err error
		cp, err = p.startCodecPipeline(codec, BitratePreset{Kind: PresetBalanced})
		if err != nil {
			return nil, err
		}
		p.codecs[codec] = cp
	}
	return cp.subscribe(), nil
}

// Unsubscribe drops ch from codec's fanout, tearing the codecPipeline down
// once its last subscriber leaves.
func (p *Pipeline) Unsubscribe(codec encoder.Codec, ch chan EncodedFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp, ok := p.codecs[codec]
	if !ok {
		return
	}
	remaining := cp.unsubscribe(ch)
	if remaining == 0 {
		cp.stop()
		delete(p.codecs, codec)
	}
}

// SetBitratePreset implements spec.md §4.8's restart semantics: stop the
// old codecPipeline, preserve its subscriber channels, build a fresh one at
// the new preset subscribed to the same capture source, and raise a
// "recovering" flag on the event bus for the gap's duration.
func (p *Pipeline) SetBitratePreset(codec encoder.Codec, preset BitratePreset) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	old, ok := p.codecs[codec]
	if !ok {
		_, err := p.startCodecPipeline(codec, preset)
		return err
	}

	p.bus.Publish(eventbus.KindStreamStateChanged, StreamRecovering{Codec: codec, Recovering: true})

	subs := old.allSubscribers()
	old.stop()

	next, err := p.startCodecPipeline(codec, preset)
	if err != nil {
		p.bus.Publish(eventbus.KindStreamStateChanged, StreamRecovering{Codec: codec, Recovering: false})
		return err
	}
	next.adoptSubscribers(subs)
	p.codecs[codec] = next

	p.bus.Publish(eventbus.KindStreamStateChanged, StreamRecovering{Codec: codec, Recovering: false})
	return nil
}

// StreamRecovering is published while a codec's pipeline is being rebuilt
// after a bitrate-preset change, so clients don't treat the gap as an error
// (spec.md §4.8).
type StreamRecovering struct {
	Codec      encoder.Codec
	Recovering bool
}

func (p *Pipeline) startCodecPipeline(codec encoder.Codec, preset BitratePreset) (*codecPipeline, error) {
	family, err := p.registry.BestBackend(codec)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	params := preset.Resolve(p.dims.FPS)
	enc, err := p.newEncoder(codec, family, p.dims.Width, p.dims.Height, p.dims.FPS, params)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build encoder for %s/%s: %w", codec, family, err)
	}

	cp := newCodecPipeline(codec, family, enc, p.source)
	cp.run()
	return cp, nil
}

// codecPipeline runs the decode->convert->encode->dedup stages for one
// codec and fans its encoder's output to subscribers.
type codecPipeline struct {
	codec  encoder.Codec
	family encoder.Family
	enc    Encoder
	source FrameSource

	frames chan *capture.Frame

	subsMu sync.Mutex
	subs   map[chan EncodedFrame]struct{}

	epoch time.Time

	mu              sync.Mutex
	lastHash        uint64
	haveLastHash    bool
	lastFrame       EncodedFrame
	keyframePending bool

	doneSubmit chan struct{}
	doneOutput chan struct{}
}

func newCodecPipeline(codec encoder.Codec, family encoder.Family, enc Encoder, source FrameSource) *codecPipeline {
	return &codecPipeline{
		codec:           codec,
		family:          family,
		enc:             enc,
		source:          source,
		subs:            map[chan EncodedFrame]struct{}{},
		epoch:           time.Now(),
		keyframePending: true,
		doneSubmit:      make(chan struct{}),
		doneOutput:      make(chan struct{}),
	}
}

func (cp *codecPipeline) run() {
	cp.frames = cp.source.Subscribe()
	go cp.submitLoop()
	go cp.outputLoop()
}

func (cp *codecPipeline) submitLoop() {
	defer close(cp.doneSubmit)
	for frame := range cp.frames {
		cp.submitOne(frame)
	}
}

func (cp *codecPipeline) submitOne(frame *capture.Frame) {
	layout := LayoutYUV420P
	if cp.codec == encoder.CodecVP8 || cp.codec == encoder.CodecVP9 || cp.codec == encoder.CodecAV1 {
		layout = LayoutNV12
	}

	var raw RawFrame
	if frame.FourCC == "MJPG" {
		img, err := decodeMJPEG(frame.Bytes)
		if err != nil {
			pipelineLog.Warn("dropping undecodable frame", "codec", cp.codec, "error", err)
			return
		}
		raw = convertToLayout(img, layout)
	} else {
		raw = RawFrame{Layout: layout, Width: int(frame.Width), Height: int(frame.Height), Bytes: frame.Bytes}
	}

	hash := frame.Hash()

	cp.mu.Lock()
	dup := cp.haveLastHash && cp.lastHash == hash && !cp.keyframePending
	cp.lastHash = hash
	cp.haveLastHash = true
	forceKey := cp.keyframePending
	cp.keyframePending = false
	lastFrame := cp.lastFrame
	cp.mu.Unlock()

	if dup {
		// spec.md §4.8 step 4: republish the previous encoded reference
		// instead of re-encoding an unchanged frame.
		cp.broadcast(lastFrame)
		return
	}

	pts := ptsMillis(cp.epoch, frame.CapturedAt)
	if err := cp.enc.Submit(raw, pts, forceKey); err != nil {
		pipelineLog.Warn("encoder submit failed", "codec", cp.codec, "error", err)
	}
}

func (cp *codecPipeline) outputLoop() {
	defer close(cp.doneOutput)
	for ef := range cp.enc.Output() {
		cp.mu.Lock()
		cp.lastFrame = ef
		cp.mu.Unlock()
		cp.broadcast(ef)
	}
}

func (cp *codecPipeline) broadcast(ef EncodedFrame) {
	cp.subsMu.Lock()
	defer cp.subsMu.Unlock()
	for ch := range cp.subs {
		select {
		case ch <- ef:
		default:
		}
	}
}

func (cp *codecPipeline) subscribe() chan EncodedFrame {
	ch := make(chan EncodedFrame, 8)
	cp.subsMu.Lock()
	cp.subs[ch] = struct{}{}
	cp.subsMu.Unlock()
	return ch
}

func (cp *codecPipeline) unsubscribe(ch chan EncodedFrame) int {
	cp.subsMu.Lock()
	defer cp.subsMu.Unlock()
	delete(cp.subs, ch)
	return len(cp.subs)
}

func (cp *codecPipeline) allSubscribers() []chan EncodedFrame {
	cp.subsMu.Lock()
	defer cp.subsMu.Unlock()
	out := make([]chan EncodedFrame, 0, len(cp.subs))
	for ch := range cp.subs {
		out = append(out, ch)
	}
	return out
}

func (cp *codecPipeline) adoptSubscribers(subs []chan EncodedFrame) {
	cp.subsMu.Lock()
	defer cp.subsMu.Unlock()
	for _, ch := range subs {
		cp.subs[ch] = struct{}{}
	}
}

func (cp *codecPipeline) stop() {
	cp.source.Unsubscribe(cp.frames)
	<-cp.doneSubmit
	_ = cp.enc.Close()
	<-cp.doneOutput
}
