package api

import (
	"net/http"
	"strconv"

	"github.com/mofeng-git/one-kvm/internal/capture"
	"github.com/mofeng-git/one-kvm/internal/config"
	"github.com/mofeng-git/one-kvm/internal/encoder"
	"github.com/mofeng-git/one-kvm/internal/metrics"
	"github.com/mofeng-git/one-kvm/internal/pipeline"
)

type streamStatusResponse struct {
	State      capture.State `json:"state"`
	Device     string        `json:"device,omitempty"`
	Resolution string        `json:"resolution,omitempty"`
	Format     string        `json:"format,omitempty"`
	FPS        uint32        `json:"fps,omitempty"`
	Mode       string        `json:"mode"`
}

// handleStreamStatus implements GET /stream/status (spec.md §6).
func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	snap, _ := s.d.Capture.Snapshot().(capture.Snapshot)
	resp := streamStatusResponse{
		State:  snap.State,
		Device: snap.Device,
		FPS:    snap.FPS,
		Mode:   s.d.Config.Get().Stream.Mode,
	}
	if snap.Width != 0 && snap.Height != 0 {
		resp.Resolution = formatResolution(snap.Width, snap.Height)
	}
	writeJSON(w, http.StatusOK, resp)
}

func formatResolution(w, h uint32) string {
	return strconv.FormatUint(uint64(w), 10) + "x" + strconv.FormatUint(uint64(h), 10)
}

type streamModeRequest struct {
	Mode string `json:"mode"`
}

// handleStreamMode implements POST /stream/mode: switches distribution
// between mjpeg and webrtc (spec.md §4.8).
func (s *Server) handleStreamMode(w http.ResponseWriter, r *http.Request) {
	var req streamModeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Mode != "mjpeg" && req.Mode != "webrtc" {
		writeErrorMsg(w, http.StatusBadRequest, `mode must be "mjpeg" or "webrtc"`)
		return
	}

	next, err := s.d.Config.Update(config.SectionStream, func(c *config.AppConfig) {
		c.Stream.Mode = req.Mode
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, next.Stream)
}

type streamBitrateRequest struct {
	Preset     string `json:"preset"`
	CustomKbps int    `json:"custom_kbps,omitempty"`
}

// handleStreamBitrate implements POST /stream/bitrate (spec.md §4.8): it
// persists the chosen preset and restarts every active codec pipeline
// in place via Pipeline.SetBitratePreset.
func (s *Server) handleStreamBitrate(w http.ResponseWriter, r *http.Request) {
	var req streamBitrateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "malformed request body")
		return
	}

	kind := pipeline.BitratePresetKind(req.Preset)
	switch kind {
	case pipeline.PresetSpeed, pipeline.PresetBalanced, pipeline.PresetQuality, pipeline.PresetCustom:
	default:
		writeErrorMsg(w, http.StatusBadRequest, "preset must be speed, balanced, quality, or custom")
		return
	}

	next, err := s.d.Config.Update(config.SectionStream, func(c *config.AppConfig) {
		c.Stream.BitratePreset = req.Preset
		if kind == pipeline.PresetCustom {
			c.Stream.CustomKbps = req.CustomKbps
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}

	codec := encoder.Codec(next.Stream.Codec)
	preset := pipeline.BitratePreset{Kind: kind, CustomKbps: next.Stream.CustomKbps}
	if err := s.d.Pipeline.SetBitratePreset(codec, preset); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, next.Stream)
}

type codecAvailability struct {
	Codec    encoder.Codec    `json:"codec"`
	Backends []encoder.Family `json:"backends"`
}

var allEncoderFamilies = []encoder.Family{
	encoder.FamilyVAAPI,
	encoder.FamilyRKMPP,
	encoder.FamilyQSV,
	encoder.FamilyNVENC,
	encoder.FamilyAMF,
	encoder.FamilyV4L2M2M,
	encoder.FamilySoftware,
}

// handleStreamCodecs implements GET /stream/codecs: for every codec with at
// least one available backend, lists which backends can serve it.
func (s *Server) handleStreamCodecs(w http.ResponseWriter, r *http.Request) {
	codecs := s.d.Registry.AvailableCodecs()
	out := make([]codecAvailability, 0, len(codecs))
	for _, codec := range codecs {
		var backends []encoder.Family
		for _, family := range allEncoderFamilies {
			if s.d.Registry.Available(codec, family) {
				backends = append(backends, family)
			}
		}
		out = append(out, codecAvailability{Codec: codec, Backends: backends})
	}
	writeJSON(w, http.StatusOK, out)
}

type deviceListResponse struct {
	Video   []capture.DeviceInfo `json:"video"`
	Serial  []string             `json:"serial"`
	Audio   []string             `json:"audio"`
	Metrics metrics.Snapshot     `json:"metrics"`
}

// handleDevices implements GET /devices: enumerates capture, serial, and
// audio devices, plus host CPU/mem/temperature, so the setup UI can
// populate its pickers and status tiles (spec.md §6, C19).
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	video, err := capture.EnumerateDevices()
	if err != nil {
		log.Warn("video device enumeration failed", "error", err)
		video = nil
	}

	serial, err := enumerateSerialPorts()
	if err != nil {
		log.Warn("serial device enumeration failed", "error", err)
		serial = nil
	}

	audio, err := enumerateAudioDevices()
	if err != nil {
		log.Warn("audio device enumeration failed", "error", err)
		audio = nil
	}

	writeJSON(w, http.StatusOK, deviceListResponse{
		Video:   video,
		Serial:  serial,
		Audio:   audio,
		Metrics: metrics.Collect(),
	})
}
