// Package deviceinfo implements the debounced aggregate device snapshot
// publisher (spec.md §4.14, component C14).
//
// Grounded on the teacher's internal/heartbeat.Heartbeat.Start ticker loop
// (time.NewTicker + stopChan + a pending-work flag), shrunk from a 30s
// upload cadence to a 100ms debounce and switched from HTTP POST to an
// event-bus publish.
package deviceinfo

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/logging"
)

var log = logging.L("deviceinfo")

const debounceInterval = 100 * time.Millisecond

// Snapshot is the published aggregate. Each section is an opaque value
// produced by its owning controller's Snapshot method — deviceinfo never
// interprets the contents, it only assembles and republishes them.
type Snapshot struct {
	Video any `json:"video,omitempty"`
	HID   any `json:"hid,omitempty"`
	MSD   any `json:"msd,omitempty"`
	ATX   any `json:"atx,omitempty"`
	Audio any `json:"audio,omitempty"`
}

// Source is implemented by each hardware controller so the aggregator can
// ask it for a read-only snapshot on demand.
type Source interface {
	Snapshot() any
}

// Aggregator subscribes to the event bus, debounces bursts of
// device-affecting events into a single consolidated push, and republishes
// the full aggregate as eventbus.KindDeviceInfo.
type Aggregator struct {
	bus *eventbus.Bus

	video, hid, msd, atx, audio Source

	pending atomic.Bool
	mu      sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// Sources bundles the five controller snapshot providers. A nil field is
// reported as an absent section.
type Sources struct {
	Video, HID, MSD, ATX, Audio Source
}

func New(bus *eventbus.Bus, sources Sources) *Aggregator {
	return &Aggregator{
		bus:   bus,
		video: sources.Video,
		hid:   sources.HID,
		msd:   sources.MSD,
		atx:   sources.ATX,
		audio: sources.Audio,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// relevantKinds are the event-bus kinds that mark the aggregate stale.
var relevantKinds = map[eventbus.Kind]struct{}{
	eventbus.KindVideoDeviceChanged: {},
	eventbus.KindHidStateChanged:    {},
	eventbus.KindMsdStateChanged:    {},
	eventbus.KindAtxStateChanged:    {},
	eventbus.KindAudioStateChanged:  {},
	eventbus.KindStreamStateChanged: {},
}

// Run subscribes and blocks the calling goroutine (intended to be run with
// `go aggregator.Run()`) until Stop is called.
func (a *Aggregator) Run() {
	defer close(a.done)

	sub := a.bus.Subscribe()
	defer sub.Close()

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if _, relevant := relevantKinds[ev.Kind]; relevant {
				a.pending.Store(true)
			}
		case <-ticker.C:
			if a.pending.CompareAndSwap(true, false) {
				a.Publish()
			}
		}
	}
}

// Stop terminates Run and waits for it to exit.
func (a *Aggregator) Stop() {
	close(a.stop)
	<-a.done
}

// Publish forces an immediate push regardless of the pending flag. Run calls
// it on each debounce tick that finds the pending flag set.
func (a *Aggregator) Publish() {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{}
	if a.video != nil {
		snap.Video = a.video.Snapshot()
	}
	if a.hid != nil {
		snap.HID = a.hid.Snapshot()
	}
	if a.msd != nil {
		snap.MSD = a.msd.Snapshot()
	}
	if a.atx != nil {
		snap.ATX = a.atx.Snapshot()
	}
	if a.audio != nil {
		snap.Audio = a.audio.Snapshot()
	}

	log.Debug("publishing device info snapshot")
	a.bus.Publish(eventbus.KindDeviceInfo, snap)
}
