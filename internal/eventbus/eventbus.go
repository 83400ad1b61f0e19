// Package eventbus is the process-wide typed publish/subscribe bus (spec
// component C2). It fans stateful device changes — config edits, HID/video/
// MSD/ATX state transitions, device-info snapshots — to every subscriber
// without ever blocking a publisher.
//
// Grounded on the reconnect/dispatch loop shape of the teacher's
// internal/websocket client and the non-blocking-submit discipline of
// internal/workerpool: publish is always non-blocking, and a slow
// subscriber observes a gap marker instead of stalling the bus.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/mofeng-git/one-kvm/internal/logging"
)

var log = logging.L("eventbus")

// Kind identifies the shape of an Event's Payload.
type Kind string

const (
	KindStreamStateChanged  Kind = "stream_state_changed"
	KindVideoDeviceChanged  Kind = "video_device_changed"
	KindHidStateChanged     Kind = "hid_state_changed"
	KindMsdStateChanged     Kind = "msd_state_changed"
	KindMsdDownloadProgress Kind = "msd_download_progress"
	KindAtxStateChanged     Kind = "atx_state_changed"
	KindAudioStateChanged   Kind = "audio_state_changed"
	KindConfigChanged       Kind = "config_changed"
	KindDeviceInfo          Kind = "device_info"
	KindSystemError         Kind = "system_error"
)

// Event is the tagged union published on the bus. Payload's concrete type
// is determined by Kind; subscribers type-assert after matching on Kind.
type Event struct {
	Kind    Kind
	Payload any
}

// DefaultCapacity is the bounded channel depth per subscriber, chosen so a
// burst of device-info-triggering events (e.g. USB re-enumeration) never
// backs up into publishers under normal load.
const DefaultCapacity = 1024

// Bus is a single process-wide broadcaster. Construct one with New and share
// it across components; it has no global/package-level singleton state
// (Design Note §9: no ambient StreamManager-style globals).
type Bus struct {
	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	closed      atomic.Bool
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscriber receives events from the bus. Lagged is incremented each time
// the subscriber's channel was full and an event had to be dropped; callers
// should treat a nonzero Lagged count as "re-read any authoritative
// snapshot", per spec.md §8's ConfigChange testable property.
type Subscriber struct {
	bus    *Bus
	ch     chan Event
	lagged atomic.Uint64
}

// Events returns the channel to range over for delivered events.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Lagged returns the number of events dropped due to backpressure since
// subscription started.
func (s *Subscriber) Lagged() uint64 { return s.lagged.Load() }

// Close unsubscribes and releases the subscriber's channel.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s)
	s.bus.mu.Unlock()
}

// Subscribe registers a new subscriber with the bus's default capacity.
func (b *Bus) Subscribe() *Subscriber {
	return b.SubscribeBuffered(DefaultCapacity)
}

// SubscribeBuffered registers a new subscriber with a custom channel depth.
func (b *Bus) SubscribeBuffered(capacity int) *Subscriber {
	if capacity < 1 {
		capacity = 1
	}
	sub := &Subscriber{bus: b, ch: make(chan Event, capacity)}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish fans the event out to every current subscriber. Never blocks: a
// subscriber whose channel is full has the send dropped and its Lagged
// counter incremented instead.
func (b *Bus) Publish(kind Kind, payload any) {
	if b.closed.Load() {
		return
	}

	ev := Event{Kind: kind, Payload: payload}

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			n := s.lagged.Add(1)
			log.Warn("subscriber lagging, event dropped",
				"kind", kind, "lagged", n)
		}
	}
}

// Close tears down the bus: subsequent Publish calls are no-ops and all
// subscriber channels are closed so range loops over Events() terminate.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subscribers {
		close(s.ch)
	}
	b.subscribers = make(map[*Subscriber]struct{})
}
