package hid

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/health"
	"github.com/mofeng-git/one-kvm/internal/logging"
)

var log = logging.L("hid")

// Controller is the single owner of the active HID backend and the
// keyboard-held-keys state (spec.md §4.5 and §3 "Ownership").
type Controller struct {
	bus    *eventbus.Bus
	health *health.Monitor

	mu      sync.Mutex
	backend Backend
	kind    BackendKind
	kbState keyboardState
	led     LEDState
}

func NewController(bus *eventbus.Bus, health *health.Monitor, backend Backend, kind BackendKind) *Controller {
	c := &Controller{bus: bus, health: health, backend: backend, kind: kind}
	if backend != nil {
		health.ReportRecovered(string(kind))
	}
	return c
}

// SendKeyboard applies ev to the held-keys state and writes the resulting
// report.
func (c *Controller) SendKeyboard(ctx context.Context, ev KeyEvent) error {
	c.mu.Lock()
	c.kbState.apply(ev)
	report := c.kbState.report()
	backend := c.backend
	c.mu.Unlock()

	if backend == nil {
		return ErrBackendUnavailable
	}
	err := backend.WriteKeyboard(ctx, report)
	c.reportOutcome("keyboard", err)
	return err
}

// SendMouse writes a relative or absolute mouse report.
func (c *Controller) SendMouse(ctx context.Context, ev MouseEvent) error {
	c.mu.Lock()
	backend := c.backend
	c.mu.Unlock()

	if backend == nil {
		return ErrBackendUnavailable
	}
	report := buildMouseReport(ev)
	err := backend.WriteMouse(ctx, report, ev.Mode == MouseAbsolute)
	c.reportOutcome("mouse", err)
	return err
}

// SendConsumer writes a single consumer-control usage code.
func (c *Controller) SendConsumer(ctx context.Context, ev ConsumerEvent) error {
	c.mu.Lock()
	backend := c.backend
	c.mu.Unlock()

	if backend == nil {
		return ErrBackendUnavailable
	}
	err := backend.WriteConsumer(ctx, buildConsumerReport(ev))
	c.reportOutcome("consumer", err)
	return err
}

// Reset releases all held keys by writing an all-zero keyboard report
// (spec.md §4.5 "reset()"). No mouse report is written, so mouse buttons
// are not released.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	c.kbState.reset()
	report := c.kbState.report()
	backend := c.backend
	c.mu.Unlock()

	if backend == nil {
		return ErrBackendUnavailable
	}
	return backend.WriteKeyboard(ctx, report)
}

// Reload shuts down the current backend and installs a new one, publishing
// HidStateChanged (spec.md §4.5 "Reload").
func (c *Controller) Reload(newBackend Backend, kind BackendKind) error {
	c.mu.Lock()
	old := c.backend
	c.backend = newBackend
	c.kind = kind
	c.kbState.reset()
	c.mu.Unlock()

	var closeErr error
	if old != nil {
		closeErr = old.Close()
	}

	if c.bus != nil {
		c.bus.Publish(eventbus.KindHidStateChanged, kind)
	}
	c.health.ReportRecovered(string(kind))
	return closeErr
}

// PollLED checks for a new LED feedback byte and publishes HidStateChanged
// on change (spec.md §4.5 "LED feedback").
func (c *Controller) PollLED() {
	c.mu.Lock()
	backend := c.backend
	c.mu.Unlock()
	if backend == nil {
		return
	}

	b, ok := backend.ReadLED()
	if !ok {
		return
	}

	next := decodeLEDByte(b)
	c.mu.Lock()
	changed := next != c.led
	c.led = next
	c.mu.Unlock()

	if changed && c.bus != nil {
		c.bus.Publish(eventbus.KindHidStateChanged, next)
	}
}

// RunLEDPoller runs PollLED on a fixed interval until ctx is cancelled.
func (c *Controller) RunLEDPoller(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.PollLED()
		}
	}
}

// Snapshot implements deviceinfo.Source.
func (c *Controller) Snapshot() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return struct {
		Backend BackendKind `json:"backend"`
		LED     LEDState    `json:"led"`
	}{Backend: c.kind, LED: c.led}
}

func (c *Controller) reportOutcome(subsystem string, err error) {
	if err == nil {
		c.health.ReportRecovered(subsystem)
		return
	}

	var devErr *deviceError
	if errors.As(err, &devErr) {
		c.health.ReportError(subsystem, devErr.path, err.Error(), devErr.Code())
		return
	}
	c.health.ReportError(subsystem, "", err.Error(), "eio")
}
