// Package atx is the ATX power controller (spec.md §4.12, component C12):
// GPIO or USB-relay power/reset pulses, debounced power-LED sensing, and
// Wake-on-LAN.
package atx

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/logging"
)

var log = logging.L("atx")

// Pulse durations fixed by spec.md §4.12.
const (
	PowerPulseDuration     = 500 * time.Millisecond
	PowerLongPressDuration = 5 * time.Second
	ResetPulseDuration     = 200 * time.Millisecond

	ledSampleInterval = 100 * time.Millisecond // 10 Hz
	ledDebounceReads  = 3
)

// State is the read-only snapshot spec.md §3 names "AtxState".
type State struct {
	Driver            string `json:"driver"`
	PowerOn           bool   `json:"power_on"`
	LEDSenseSupported bool   `json:"led_sense_supported"`
	LastAction        string `json:"last_action,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Controller owns the active Driver and the debounced power-LED reading.
type Controller struct {
	bus          *eventbus.Bus
	driver       Driver
	driverName   string
	wolInterface string
	wolMAC       net.HardwareAddr

	openSender func(ifaceName string) (frameSender, error)

	mu         sync.Mutex
	powerOn    bool
	ledOK      bool
	lastAction string
	lastErr    string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewController starts the power-LED debounce loop (if driver is non-nil
// and its hardware supports LED sensing) and returns the Controller.
func NewController(bus *eventbus.Bus, driverName string, driver Driver, wolInterface, wolMAC string) *Controller {
	c := &Controller{
		bus:          bus,
		driver:       driver,
		driverName:   driverName,
		wolInterface: wolInterface,
		openSender:   openPcapSender,
		done:         make(chan struct{}),
	}
	if wolMAC != "" {
		mac, err := net.ParseMAC(wolMAC)
		if err != nil {
			log.Warn("atx invalid wake-on-lan mac, wol disabled", "mac", wolMAC, "error", err)
		} else {
			c.wolMAC = mac
		}
	}

	if driver != nil {
		c.wg.Add(1)
		go c.ledLoop()
	}
	return c
}

func (c *Controller) ledLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(ledSampleInterval)
	defer ticker.Stop()

	confirmed := false
	pending := false
	run := 0
	haveBaseline := false

	for {
		select {
		case <-ticker.C:
			v, ok := c.driver.SenseLED()
			if !ok {
				continue
			}
			c.mu.Lock()
			c.ledOK = true
			c.mu.Unlock()

			if !haveBaseline {
				pending = v
				run = 1
				haveBaseline = true
				continue
			}
			if v == pending {
				run++
			} else {
				pending = v
				run = 1
			}
			if run >= ledDebounceReads && pending != confirmed {
				confirmed = pending
				c.setPowerOn(confirmed)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Controller) setPowerOn(on bool) {
	c.mu.Lock()
	c.powerOn = on
	c.mu.Unlock()
	c.publish()
	log.Info("atx power-led debounced", "power_on", on)
}

// PowerPulse issues a short power-button press (spec.md §4.12 "Power-on
// pulse ... 500 ms").
func (c *Controller) PowerPulse(ctx context.Context) error {
	return c.doPulse(ctx, "power_pulse", PowerPulseDuration, c.driverPulsePower)
}

// PowerLongPress issues a 5s power-button hold, used to force-shutdown an
// unresponsive target (spec.md §4.12 "power-off long-press = 5 s").
func (c *Controller) PowerLongPress(ctx context.Context) error {
	return c.doPulse(ctx, "power_long_press", PowerLongPressDuration, c.driverPulsePower)
}

// Reset issues a 200ms reset-button press.
func (c *Controller) Reset(ctx context.Context) error {
	return c.doPulse(ctx, "reset", ResetPulseDuration, c.driverPulseReset)
}

func (c *Controller) driverPulsePower(ctx context.Context, d time.Duration) error {
	return c.driver.PulsePower(ctx, d)
}

func (c *Controller) driverPulseReset(ctx context.Context, d time.Duration) error {
	return c.driver.PulseReset(ctx, d)
}

func (c *Controller) doPulse(ctx context.Context, action string, d time.Duration, pulse func(context.Context, time.Duration) error) error {
	if c.driver == nil {
		return ErrNoDriver
	}

	err := pulse(ctx, d)

	c.mu.Lock()
	c.lastAction = action
	if err != nil {
		c.lastErr = err.Error()
	} else {
		c.lastErr = ""
		if !c.ledOK {
			// No LED-sense wiring: approximate power_on from the action
			// issued, since there is no other local signal available.
			c.powerOn = action != "power_long_press"
		}
	}
	c.mu.Unlock()
	c.publish()

	if err != nil {
		log.Warn("atx pulse failed", "action", action, "error", err)
	} else {
		log.Info("atx pulse sent", "action", action, "duration", d)
	}
	return err
}

// WakeOnLAN sends a magic packet to wolMAC over wolInterface (or the
// auto-selected interface if unset).
func (c *Controller) WakeOnLAN(ctx context.Context) error {
	if len(c.wolMAC) == 0 {
		return ErrNoWOLMAC
	}

	iface, err := selectInterface(c.wolInterface)
	if err != nil {
		return err
	}

	frame, err := buildWOLFrame(iface.HardwareAddr, interfaceIPv4(iface), c.wolMAC)
	if err != nil {
		return err
	}

	sender, err := c.openSender(iface.Name)
	if err != nil {
		return err
	}
	defer sender.Close()

	if err := sender.WritePacketData(frame); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastAction = "wol"
	c.lastErr = ""
	c.mu.Unlock()
	c.publish()
	log.Info("atx wake-on-lan sent", "interface", iface.Name, "mac", c.wolMAC.String())
	return nil
}

// Snapshot implements deviceinfo.Source.
func (c *Controller) Snapshot() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	return State{
		Driver:            c.driverName,
		PowerOn:           c.powerOn,
		LEDSenseSupported: c.ledOK,
		LastAction:        c.lastAction,
		Error:             c.lastErr,
	}
}

func (c *Controller) publish() {
	if c.bus == nil {
		return
	}
	c.mu.Lock()
	st := c.stateLocked()
	c.mu.Unlock()
	c.bus.Publish(eventbus.KindAtxStateChanged, st)
}

// Close stops the LED debounce loop and releases the driver.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	if c.driver != nil {
		return c.driver.Close()
	}
	return nil
}
