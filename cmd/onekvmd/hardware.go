package main

import (
	"time"

	"github.com/mofeng-git/one-kvm/internal/atx"
	"github.com/mofeng-git/one-kvm/internal/capture"
	"github.com/mofeng-git/one-kvm/internal/config"
	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/gadget"
	"github.com/mofeng-git/one-kvm/internal/health"
	"github.com/mofeng-git/one-kvm/internal/hid"
	"github.com/mofeng-git/one-kvm/internal/msd"
)

// hidgAssignment maps each HID gadget function to the /dev/hidg* node the
// kernel assigns it. udc_attach enumerates a gadget's functions in the
// order they were linked into the active configuration, which is also the
// order Gadget.Build links them in (hid.kbd, hid.mouse, hid.mouseabs,
// hid.consumer) — so the assignment is fixed, not discovered.
var hidgAssignment = map[string]string{
	"hid.kbd":      "/dev/hidg0",
	"hid.mouse":    "/dev/hidg1",
	"hid.mouseabs": "/dev/hidg2",
	"hid.consumer": "/dev/hidg3",
}

// buildGadget builds and binds the USB composite gadget when either the
// otg HID backend or MSD needs it; returns nil (and only logs) on failure,
// since a daemon with no HID/MSD transport can still serve config and
// status over HTTP.
func buildGadget(cfg config.AppConfig) *gadget.Gadget {
	if cfg.HID.Backend != string(hid.BackendOTG) && !cfg.MSD.Enabled {
		return nil
	}

	gw := gadget.New(gadget.Descriptor{
		Name:         "onekvm",
		VendorID:     cfg.HID.VendorID,
		ProductID:    cfg.HID.ProductID,
		Manufacturer: cfg.HID.Manufacturer,
		Product:      cfg.HID.Product,
		Serial:       cfg.HID.Serial,
	})

	if err := gw.Build(cfg.MSD.Enabled); err != nil {
		log.Error("gadget build failed", "error", err)
		return nil
	}
	if err := gw.Bind(); err != nil {
		log.Error("gadget bind failed", "error", err)
		return nil
	}
	return gw
}

func buildHIDController(cfg config.AppConfig, bus *eventbus.Bus, mon *health.Monitor, gw *gadget.Gadget) *hid.Controller {
	switch hid.BackendKind(cfg.HID.Backend) {
	case hid.BackendOTG:
		if gw == nil {
			log.Error("otg hid backend requested but the gadget failed to bind")
			return hid.NewController(bus, mon, nil, hid.BackendNone)
		}
		paths := gw.Paths(hidgAssignment)
		backend := hid.NewOTGBackend(hid.OTGPaths{
			Keyboard: paths.Keyboard,
			Mouse:    paths.Mouse,
			MouseAbs: paths.MouseAbs,
			Consumer: paths.Consumer,
		})
		return hid.NewController(bus, mon, backend, hid.BackendOTG)
	case hid.BackendCH9329:
		backend, err := hid.NewCH9329Backend(cfg.HID.Ch9329Port, cfg.HID.Ch9329BaudRate)
		if err != nil {
			log.Error("ch9329 backend open failed", "device", cfg.HID.Ch9329Port, "error", err)
			return hid.NewController(bus, mon, nil, hid.BackendNone)
		}
		return hid.NewController(bus, mon, backend, hid.BackendCH9329)
	default:
		return hid.NewController(bus, mon, nil, hid.BackendNone)
	}
}

func buildMSDController(cfg config.AppConfig, bus *eventbus.Bus, gw *gadget.Gadget) *msd.Controller {
	store := msd.NewStore(cfg.MSD.ImagesDir)
	drive := msd.NewVentoyDrive(cfg.MSD.ImagesDir+"/ventoy.img", cfg.MSD.VirtualDriveSizeMB)
	timeout := time.Duration(cfg.MSD.DisconnectTimeoutMS) * time.Millisecond

	if !cfg.MSD.Enabled || gw == nil {
		return msd.NewController(bus, noopLUN{}, store, drive, timeout)
	}
	return msd.NewController(bus, gw, store, drive, timeout)
}

// noopLUN backs the MSD controller when MSD is disabled or the gadget
// failed to bind, so Controller methods still return ErrNotConnected-style
// errors instead of the API layer needing a nil-gadget special case.
type noopLUN struct{}

func (noopLUN) MSDLunPath() string       { return "" }
func (noopLUN) SetMSDEnabled(bool) error { return nil }

func buildATXController(cfg config.AppConfig, bus *eventbus.Bus) *atx.Controller {
	switch cfg.ATX.Driver {
	case "gpio":
		driver, err := atx.NewGPIODriver(cfg.ATX.GPIOChip, cfg.ATX.PowerLine, cfg.ATX.ResetLine, cfg.ATX.LEDLine, cfg.ATX.ActiveHigh)
		if err != nil {
			log.Error("gpio atx driver init failed", "error", err)
			return atx.NewController(bus, "none", nil, cfg.ATX.WOLInterface, cfg.ATX.WOLMAC)
		}
		return atx.NewController(bus, "gpio", driver, cfg.ATX.WOLInterface, cfg.ATX.WOLMAC)
	case "relay":
		driver, err := atx.NewRelayDriver(cfg.ATX.RelayDevice, cfg.ATX.RelayChannel)
		if err != nil {
			log.Error("relay atx driver init failed", "error", err)
			return atx.NewController(bus, "none", nil, cfg.ATX.WOLInterface, cfg.ATX.WOLMAC)
		}
		return atx.NewController(bus, "relay", driver, cfg.ATX.WOLInterface, cfg.ATX.WOLMAC)
	default:
		return atx.NewController(bus, "none", nil, cfg.ATX.WOLInterface, cfg.ATX.WOLMAC)
	}
}

// mjpegPublisher is the narrow surface mjpegBridge needs from
// mjpeg.Distributor.
type mjpegPublisher interface {
	Publish(jpegFrame []byte)
}

// mjpegBridge forwards already-MJPEG-encoded capture frames straight to the
// mjpeg distributor, bypassing the codec pipeline entirely: the capture
// device's own MJPG output needs no transcoding for the low-latency
// snapshot stream (spec.md §4.8 "mjpeg" mode).
type mjpegBridge struct {
	source *capture.Capturer
	dist   mjpegPublisher
	ch     chan *capture.Frame
}

func newMJPEGBridge(source *capture.Capturer, dist mjpegPublisher) *mjpegBridge {
	return &mjpegBridge{source: source, dist: dist}
}

func (b *mjpegBridge) run() {
	b.ch = b.source.Subscribe()
	for f := range b.ch {
		if f.FourCC != "MJPG" {
			continue
		}
		b.dist.Publish(f.Bytes)
	}
}

func (b *mjpegBridge) stop() {
	if b.ch != nil {
		b.source.Unsubscribe(b.ch)
	}
}
