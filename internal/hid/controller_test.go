package hid

import (
	"context"
	"testing"

	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/health"
)

type fakeBackend struct {
	lastKeyboard [8]byte
	lastMouse    []byte
	err          error
	closed       bool
}

func (f *fakeBackend) WriteKeyboard(_ context.Context, report [8]byte) error {
	f.lastKeyboard = report
	return f.err
}
func (f *fakeBackend) WriteMouse(_ context.Context, report []byte, absolute bool) error {
	f.lastMouse = report
	return f.err
}
func (f *fakeBackend) WriteConsumer(_ context.Context, report []byte) error { return f.err }
func (f *fakeBackend) ReadLED() (byte, bool)                                { return 0, false }
func (f *fakeBackend) Close() error                                        { f.closed = true; return nil }
func (f *fakeBackend) Name() string                                        { return "fake" }

func TestControllerSendKeyboardWritesReport(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	mon := health.NewMonitor(bus)
	backend := &fakeBackend{}
	c := NewController(bus, mon, backend, BackendOTG)

	if err := c.SendKeyboard(context.Background(), KeyEvent{JSKeyCode: 65, Down: true}); err != nil {
		t.Fatalf("SendKeyboard: %v", err)
	}
	if backend.lastKeyboard[2] != 0x04 {
		t.Fatalf("backend saw keyboard report %v, want key 'A' in slot 0", backend.lastKeyboard)
	}
}

func TestControllerNilBackendReturnsUnavailable(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	mon := health.NewMonitor(bus)
	c := NewController(bus, mon, nil, BackendNone)

	if err := c.SendKeyboard(context.Background(), KeyEvent{JSKeyCode: 65, Down: true}); err != ErrBackendUnavailable {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestControllerReloadClosesOldBackend(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	mon := health.NewMonitor(bus)
	old := &fakeBackend{}
	c := NewController(bus, mon, old, BackendOTG)

	newBackend := &fakeBackend{}
	if err := c.Reload(newBackend, BackendCH9329); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !old.closed {
		t.Fatal("Reload should close the previous backend")
	}
}

func TestControllerResetClearsHeldKeys(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	mon := health.NewMonitor(bus)
	backend := &fakeBackend{}
	c := NewController(bus, mon, backend, BackendOTG)

	ctx := context.Background()
	_ = c.SendKeyboard(ctx, KeyEvent{JSKeyCode: 65, Down: true})
	_ = c.Reset(ctx)

	if backend.lastKeyboard != ([8]byte{}) {
		t.Fatalf("after Reset keyboard report = %v, want all zero", backend.lastKeyboard)
	}
}
