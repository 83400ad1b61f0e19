package config

import "encoding/json"

// Section names used in ConfigChanged{section} events and /config/{section}
// HTTP routes (spec.md §6).
type Section string

const (
	SectionAuth       Section = "auth"
	SectionVideo      Section = "video"
	SectionStream     Section = "stream"
	SectionHID        Section = "hid"
	SectionMSD        Section = "msd"
	SectionATX        Section = "atx"
	SectionAudio      Section = "audio"
	SectionWeb        Section = "web"
	SectionExtensions Section = "extensions"
)

// AppConfig is the single persisted document described in spec.md §3. It is
// always read through Store.Get() as an immutable snapshot; mutation only
// happens through Store.Update with a whole new value swapped in.
type AppConfig struct {
	Initialized bool `json:"initialized"`

	Auth       AuthConfig            `json:"auth"`
	Video      VideoConfig           `json:"video"`
	Stream     StreamConfig          `json:"stream"`
	HID        HIDConfig             `json:"hid"`
	MSD        MSDConfig             `json:"msd"`
	ATX        ATXConfig             `json:"atx"`
	Audio      AudioConfig           `json:"audio"`
	Web        WebConfig             `json:"web"`
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// AuthConfig controls session lifetime and TOTP enforcement (spec.md §4.3).
type AuthConfig struct {
	SessionTimeoutMinutes int  `json:"session_timeout_minutes"`
	TOTPRequired          bool `json:"totp_required"`
}

// VideoConfig selects and configures the V4L2 capture device (spec.md §4.6).
type VideoConfig struct {
	Device            string `json:"device"`
	Width             int    `json:"width"`
	Height            int    `json:"height"`
	FPS               int    `json:"fps"`
	PixelFormat       string `json:"pixel_format"` // "MJPG", "YUYV", "NV12", ...
	NumBuffers        int    `json:"num_buffers"`
	NoSignalTimeoutMS int    `json:"no_signal_timeout_ms"`
}

// StreamConfig selects the distribution mode and codec parameters shared by
// MJPEG/WebRTC (spec.md §4.8).
type StreamConfig struct {
	Mode           string `json:"mode"` // "mjpeg" | "webrtc"
	Codec          string `json:"codec"`
	BitratePreset  string `json:"bitrate_preset"` // "speed" | "balanced" | "quality" | "custom"
	CustomKbps     int    `json:"custom_kbps"`
	MJPEGQuality   int    `json:"mjpeg_quality"`
	STUNServer     string `json:"stun_server"`
	TURNServer     string `json:"turn_server,omitempty"`
	TURNUsername   string `json:"turn_username,omitempty"`
	TURNPassword   string `json:"-"` // skipped by JSON both ways: never returned to clients, not settable by a JSON body
}

// HIDConfig selects the HID backend and its parameters (spec.md §4.5).
type HIDConfig struct {
	Backend        string `json:"backend"` // "otg" | "ch9329" | "none"
	Ch9329Port     string `json:"ch9329_port"`
	Ch9329BaudRate int    `json:"ch9329_baud_rate"`
	MouseHz        int    `json:"mouse_hz"`
	VendorID       uint16 `json:"vendor_id"`
	ProductID      uint16 `json:"product_id"`
	Manufacturer   string `json:"manufacturer"`
	Product        string `json:"product"`
	Serial         string `json:"serial"`
}

// MSDConfig configures the mass-storage image store (spec.md §4.11).
type MSDConfig struct {
	Enabled             bool   `json:"enabled"`
	ImagesDir           string `json:"images_dir"`
	VirtualDriveSizeMB  int    `json:"virtual_drive_size_mb"`
	DisconnectTimeoutMS int    `json:"disconnect_timeout_ms"`
}

// ATXConfig configures power control (spec.md §4.12).
type ATXConfig struct {
	Driver         string `json:"driver"` // "gpio" | "relay" | "none"
	GPIOChip       string `json:"gpio_chip"`
	PowerLine      string `json:"power_line"`
	ResetLine      string `json:"reset_line"`
	LEDLine        string `json:"led_line"`
	ActiveHigh     bool   `json:"active_high"`
	RelayDevice    string `json:"relay_device"`
	RelayChannel   int    `json:"relay_channel"`
	WOLInterface   string `json:"wol_interface"` // "" = auto
	WOLMAC         string `json:"wol_mac"`
}

// AudioConfig toggles the optional audio track (spec.md §3 WebRtc Session).
type AudioConfig struct {
	Enabled bool   `json:"enabled"`
	Device  string `json:"device"`
}

// WebConfig configures the HTTP listener.
type WebConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Default returns the AppConfig persisted on first boot (spec.md §4.1
// "First-boot behavior").
func Default() AppConfig {
	return AppConfig{
		Initialized: false,
		Auth: AuthConfig{
			SessionTimeoutMinutes: 60,
			TOTPRequired:          false,
		},
		Video: VideoConfig{
			Device:            "",
			Width:             1920,
			Height:            1080,
			FPS:               30,
			PixelFormat:       "MJPG",
			NumBuffers:        2,
			NoSignalTimeoutMS: 2000,
		},
		Stream: StreamConfig{
			Mode:          "mjpeg",
			Codec:         "h264",
			BitratePreset: "balanced",
			CustomKbps:    4000,
			MJPEGQuality:  80,
			STUNServer:    "stun:stun.l.google.com:19302",
		},
		HID: HIDConfig{
			Backend:        "otg",
			Ch9329Port:     "/dev/ttyUSB0",
			Ch9329BaudRate: 9600,
			MouseHz:        60,
			VendorID:       0x1d6b,
			ProductID:      0x0104,
			Manufacturer:   "One-KVM",
			Product:        "One-KVM Composite Device",
			Serial:         "one-kvm-0",
		},
		MSD: MSDConfig{
			Enabled:             true,
			ImagesDir:           "/var/lib/one-kvm/images",
			VirtualDriveSizeMB:  8192,
			DisconnectTimeoutMS: 5000,
		},
		ATX: ATXConfig{
			Driver:       "gpio",
			GPIOChip:     "/dev/gpiochip0",
			PowerLine:    "ATX_POWER",
			ResetLine:    "ATX_RESET",
			LEDLine:      "ATX_LED",
			ActiveHigh:   true,
			RelayDevice:  "/dev/ttyUSB1",
			RelayChannel: 0,
		},
		Audio: AudioConfig{Enabled: false},
		Web:   WebConfig{Host: "0.0.0.0", Port: 8080},
	}
}

// Clone returns a deep-enough copy for read-modify-write: map/slice fields
// are replaced, not aliased, so mutating the clone never touches a published
// snapshot.
func (c AppConfig) Clone() AppConfig {
	clone := c
	if c.Extensions != nil {
		clone.Extensions = make(map[string]json.RawMessage, len(c.Extensions))
		for k, v := range c.Extensions {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			clone.Extensions[k] = cp
		}
	}
	return clone
}
