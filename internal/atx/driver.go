package atx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"go.bug.st/serial"
)

// ErrNoDriver is returned when a power-control operation is attempted with
// no configured driver (spec.md §4.12 "driver": "none").
var ErrNoDriver = errors.New("atx: no power-control driver configured")

// ErrNoWOLMAC is returned by WakeOnLAN when no target MAC is configured.
var ErrNoWOLMAC = errors.New("atx: no wake-on-lan target MAC configured")

// Driver is one physical power-control backend: a GPIO chip+line pair or a
// USB relay board (spec.md §4.12).
type Driver interface {
	PulsePower(ctx context.Context, d time.Duration) error
	PulseReset(ctx context.Context, d time.Duration) error
	// SenseLED reports the power-LED line's current level. ok is false if
	// this driver has no LED-sense wiring at all.
	SenseLED() (on, ok bool)
	Close() error
}

// gpioDriver drives power/reset pulses and reads power-LED state over a
// Linux GPIO character device (spec.md §4.12 "GPIO chip+line"), grounded
// on the teacher corpus's u-bmc-u-bmc/pkg/gpio RequestLine/ToggleGPIO
// shape, written directly against go-gpiocdev rather than importing that
// package (it belongs to a different module).
type gpioDriver struct {
	activeHigh bool
	power      *gpiocdev.Line
	reset      *gpiocdev.Line
	led        *gpiocdev.Line
}

// NewGPIODriver requests the named power/reset output lines and, if
// ledLine is non-empty, the power-LED sense input line. chip is only
// checked to exist; each line is looked up by name across every GPIO chip.
func NewGPIODriver(chip, powerLine, resetLine, ledLine string, activeHigh bool) (Driver, error) {
	if err := gpiocdev.IsChip(chip); err != nil {
		return nil, fmt.Errorf("atx: gpio chip %s: %w", chip, err)
	}

	initial := 1
	if activeHigh {
		initial = 0
	}

	power, err := requestNamedLine(chip, powerLine, gpiocdev.AsOutput(initial))
	if err != nil {
		return nil, fmt.Errorf("atx: request power line %s: %w", powerLine, err)
	}
	reset, err := requestNamedLine(chip, resetLine, gpiocdev.AsOutput(initial))
	if err != nil {
		_ = power.Close()
		return nil, fmt.Errorf("atx: request reset line %s: %w", resetLine, err)
	}

	var led *gpiocdev.Line
	if ledLine != "" {
		led, err = requestNamedLine(chip, ledLine, gpiocdev.AsInput())
		if err != nil {
			_ = power.Close()
			_ = reset.Close()
			return nil, fmt.Errorf("atx: request led line %s: %w", ledLine, err)
		}
	}

	return &gpioDriver{activeHigh: activeHigh, power: power, reset: reset, led: led}, nil
}

func requestNamedLine(chip, name string, opts ...gpiocdev.LineReqOption) (*gpiocdev.Line, error) {
	foundChip, offset, err := gpiocdev.FindLine(name)
	if err != nil {
		return nil, err
	}
	allOpts := append([]gpiocdev.LineReqOption{gpiocdev.WithConsumer("onekvmd-atx")}, opts...)
	return gpiocdev.RequestLine(foundChip, offset, allOpts...)
}

func (d *gpioDriver) activeLevel() int {
	if d.activeHigh {
		return 1
	}
	return 0
}

func (d *gpioDriver) inactiveLevel() int {
	if d.activeHigh {
		return 0
	}
	return 1
}

func (d *gpioDriver) pulse(ctx context.Context, line *gpiocdev.Line, dur time.Duration) error {
	if err := line.SetValue(d.activeLevel()); err != nil {
		return fmt.Errorf("atx: assert line: %w", err)
	}

	select {
	case <-time.After(dur):
	case <-ctx.Done():
		_ = line.SetValue(d.inactiveLevel())
		return ctx.Err()
	}

	if err := line.SetValue(d.inactiveLevel()); err != nil {
		return fmt.Errorf("atx: release line: %w", err)
	}
	return nil
}

func (d *gpioDriver) PulsePower(ctx context.Context, dur time.Duration) error {
	return d.pulse(ctx, d.power, dur)
}

func (d *gpioDriver) PulseReset(ctx context.Context, dur time.Duration) error {
	return d.pulse(ctx, d.reset, dur)
}

func (d *gpioDriver) SenseLED() (bool, bool) {
	if d.led == nil {
		return false, false
	}
	v, err := d.led.Value()
	if err != nil {
		return false, false
	}
	return v == 1, true
}

func (d *gpioDriver) Close() error {
	var firstErr error
	for _, line := range []*gpiocdev.Line{d.power, d.reset, d.led} {
		if line == nil {
			continue
		}
		if err := line.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// relay frame bytes for the common single/multi-channel USB relay boards
// addressed over a virtual serial (CDC-ACM) port: [0xA0, channel, state,
// checksum] where checksum is the low byte of the sum of the first three
// bytes. This is the de facto protocol for the cheap LCUS-style relay
// modules most USB-relay ATX add-ons use.
func relayFrame(channel byte, state byte) []byte {
	sum := byte(0xA0) + channel + state
	return []byte{0xA0, channel, state, sum}
}

const (
	relayStateOff byte = 0x00
	relayStateOn  byte = 0x01
)

// relayDriver drives power/reset pulses by toggling channels on a USB
// relay board over a serial port (spec.md §4.12 "USB relay channel"),
// grounded on internal/hid's ch9329Backend — same go.bug.st/serial
// open/write pattern, different wire protocol.
//
// A relay board wired straight across a motherboard's front-panel power
// and reset switch headers needs two independent channels; this driver
// treats the configured channel as the power-switch relay and channel+1
// as the reset-switch relay, matching common two-channel USB relay HAT
// wiring. A relay board has no LED-sense wiring of its own.
type relayDriver struct {
	port         serial.Port
	powerChannel byte
	resetChannel byte
}

func NewRelayDriver(devicePath string, channel int) (Driver, error) {
	port, err := serial.Open(devicePath, &serial.Mode{BaudRate: 9600})
	if err != nil {
		return nil, fmt.Errorf("atx: open relay serial %s: %w", devicePath, err)
	}
	return &relayDriver{port: port, powerChannel: byte(channel), resetChannel: byte(channel + 1)}, nil
}

func (d *relayDriver) pulse(ctx context.Context, channel byte, dur time.Duration) error {
	if _, err := d.port.Write(relayFrame(channel, relayStateOn)); err != nil {
		return fmt.Errorf("atx: relay on: %w", err)
	}

	select {
	case <-time.After(dur):
	case <-ctx.Done():
		_, _ = d.port.Write(relayFrame(channel, relayStateOff))
		return ctx.Err()
	}

	if _, err := d.port.Write(relayFrame(channel, relayStateOff)); err != nil {
		return fmt.Errorf("atx: relay off: %w", err)
	}
	return nil
}

func (d *relayDriver) PulsePower(ctx context.Context, dur time.Duration) error {
	return d.pulse(ctx, d.powerChannel, dur)
}

func (d *relayDriver) PulseReset(ctx context.Context, dur time.Duration) error {
	return d.pulse(ctx, d.resetChannel, dur)
}

func (d *relayDriver) SenseLED() (bool, bool) { return false, false }

func (d *relayDriver) Close() error { return d.port.Close() }
