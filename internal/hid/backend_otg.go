package hid

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const writePollTimeoutMS = 500

// OTGPaths locates the four HID gadget character devices created by the
// gadget service (spec.md §4.4).
type OTGPaths struct {
	Keyboard string // relative-report keyboard with an OUT endpoint for LEDs
	Mouse    string // relative mouse
	MouseAbs string // absolute mouse
	Consumer string
}

// otgDevice wraps one /dev/hidg* character device opened O_NONBLOCK, with
// the poll()-then-write discipline spec.md §4.5 requires.
type otgDevice struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func openOTGDevice(path string) *otgDevice {
	return &otgDevice{path: path}
}

func (d *otgDevice) ensureOpen() error {
	if d.f != nil {
		return nil
	}
	f, err := os.OpenFile(d.path, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return classifyOpenError(d.path, err)
	}
	d.f = f
	return nil
}

// write performs the poll(500ms)-then-write sequence and classifies the
// outcome into the error kinds spec.md §4.5 names.
func (d *otgDevice) write(report []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureOpen(); err != nil {
		return err
	}

	fd := int(d.f.Fd())
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, writePollTimeoutMS)
	if err != nil {
		return fmt.Errorf("hid: poll %s: %w", d.path, err)
	}
	if n == 0 {
		// Not writable within the deadline: drop silently per spec.md §4.5.
		return nil
	}

	_, err = d.f.Write(report)
	if err == nil {
		return nil
	}
	return d.classifyWriteError(err)
}

func (d *otgDevice) classifyWriteError(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("hid: write %s: %w", d.path, err)
	}

	switch errno {
	case unix.EAGAIN:
		// Raced with poll(); treat as a dropped write.
		return nil
	case unix.ESHUTDOWN:
		_ = d.closeLocked()
		return &deviceError{code: "eshutdown", path: d.path, err: err}
	case unix.ENODEV, unix.ENOENT, unix.ENXIO:
		_ = d.closeLocked()
		return &deviceError{code: "enodev", path: d.path, err: err}
	default:
		return &deviceError{code: "eio", path: d.path, err: err}
	}
}

func classifyOpenError(path string, err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ENODEV, unix.ENOENT, unix.ENXIO:
			return &deviceError{code: "enodev", path: path, err: err}
		}
	}
	return &deviceError{code: "eio", path: path, err: err}
}

func (d *otgDevice) closeLocked() error {
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func (d *otgDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

// readLED polls the keyboard device's OUT report non-blockingly.
func (d *otgDevice) readLED() (byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return 0, false
	}

	fd := int(d.f.Fd())
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 0)
	if err != nil || n == 0 {
		return 0, false
	}

	buf := make([]byte, 1)
	nr, err := d.f.Read(buf)
	if err != nil || nr != 1 {
		return 0, false
	}
	return buf[0], true
}

// deviceError carries a stable error code for health-monitor reporting
// (spec.md §4.5 "stable error code").
type deviceError struct {
	code string
	path string
	err  error
}

func (e *deviceError) Error() string {
	return fmt.Sprintf("hid: %s on %s: %v", e.code, e.path, e.err)
}

func (e *deviceError) Unwrap() error { return e.err }

// Code returns the stable health-monitor code (eshutdown, eio or enodev).
func (e *deviceError) Code() string { return e.code }

// otgBackend composites the four HID gadget functions into one Backend.
type otgBackend struct {
	keyboard *otgDevice
	mouseRel *otgDevice
	mouseAbs *otgDevice
	consumer *otgDevice
}

func NewOTGBackend(paths OTGPaths) Backend {
	return &otgBackend{
		keyboard: openOTGDevice(paths.Keyboard),
		mouseRel: openOTGDevice(paths.Mouse),
		mouseAbs: openOTGDevice(paths.MouseAbs),
		consumer: openOTGDevice(paths.Consumer),
	}
}

func (b *otgBackend) WriteKeyboard(_ context.Context, report [8]byte) error {
	return b.keyboard.write(report[:])
}

func (b *otgBackend) WriteMouse(_ context.Context, report []byte, absolute bool) error {
	if absolute {
		return b.mouseAbs.write(report)
	}
	return b.mouseRel.write(report)
}

func (b *otgBackend) WriteConsumer(_ context.Context, report []byte) error {
	return b.consumer.write(report)
}

func (b *otgBackend) ReadLED() (byte, bool) {
	return b.keyboard.readLED()
}

func (b *otgBackend) Close() error {
	return errors.Join(
		b.keyboard.Close(),
		b.mouseRel.Close(),
		b.mouseAbs.Close(),
		b.consumer.Close(),
	)
}

func (b *otgBackend) Name() string { return "otg" }
