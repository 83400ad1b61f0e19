package hid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// CH9329 commands (spec.md §4.5 "6-byte framed protocol").
const (
	ch9329Head0 = 0x57
	ch9329Head1 = 0xAB
	ch9329Addr  = 0x00

	cmdKeyboard    = 0x02
	cmdMouseAbs    = 0x04
	cmdMouseRel    = 0x05
)

// ch9329Backend drives an HID bridge chip over a serial port instead of USB
// gadget endpoints — used when hid.backend=ch9329 in config.
type ch9329Backend struct {
	mu   sync.Mutex
	port serial.Port
}

func NewCH9329Backend(devicePath string, baud int) (Backend, error) {
	port, err := serial.Open(devicePath, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("hid: open ch9329 serial %s: %w", devicePath, err)
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("hid: set ch9329 read timeout: %w", err)
	}
	return &ch9329Backend{port: port}, nil
}

// frame builds [0x57 0xAB addr cmd len payload... checksum].
func ch9329Frame(cmd byte, payload []byte) []byte {
	buf := make([]byte, 0, 5+len(payload)+1)
	buf = append(buf, ch9329Head0, ch9329Head1, ch9329Addr, cmd, byte(len(payload)))
	buf = append(buf, payload...)

	var sum byte
	for _, b := range buf {
		sum += b
	}
	return append(buf, sum)
}

func (c *ch9329Backend) send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.port.Write(frame)
	if err != nil {
		return &deviceError{code: "eio", path: "ch9329", err: err}
	}
	return nil
}

func (c *ch9329Backend) WriteKeyboard(_ context.Context, report [8]byte) error {
	return c.send(ch9329Frame(cmdKeyboard, report[:]))
}

func (c *ch9329Backend) WriteMouse(_ context.Context, report []byte, absolute bool) error {
	cmd := byte(cmdMouseRel)
	if absolute {
		cmd = cmdMouseAbs
	}
	return c.send(ch9329Frame(cmd, report))
}

func (c *ch9329Backend) WriteConsumer(_ context.Context, report []byte) error {
	// CH9329 has no dedicated consumer-control command in the spec's byte
	// layout; consumer events are not supported on this backend.
	return nil
}

func (c *ch9329Backend) ReadLED() (byte, bool) {
	// spec.md §4.5: "reads are optional" for CH9329.
	return 0, false
}

func (c *ch9329Backend) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Close()
}

func (c *ch9329Backend) Name() string { return "ch9329" }
