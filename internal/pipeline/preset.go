// Package pipeline implements the shared decode->convert->encode->dedup
// video pipeline (spec.md §4.8, component C8): one encoder per currently
// subscribed codec, fed by a single capture source, restartable in place
// when bitrate settings change.
//
// Grounded on the teacher's session.go capture-loop/state-machine shape
// (captureMode switch, clickFlush-style "force keyframe now" flags) and
// frame_diff.go's hash-equality dedup, reimplemented with a 64-bit content
// hash (internal/capture.Frame.Hash, backed by cespare/xxhash) instead of
// frame_diff.go's CRC32.
package pipeline

import "time"

// BitratePresetKind selects one of the three named presets, or Custom for a
// caller-specified bitrate (spec.md §4.8).
type BitratePresetKind string

const (
	PresetSpeed   BitratePresetKind = "speed"
	PresetBalanced BitratePresetKind = "balanced"
	PresetQuality BitratePresetKind = "quality"
	PresetCustom  BitratePresetKind = "custom"
)

// BitratePreset is Speed|Balanced|Quality, or Custom(kbps).
type BitratePreset struct {
	Kind       BitratePresetKind
	CustomKbps int // only meaningful when Kind == PresetCustom
}

// PresetParams is the resolved {kbps, gop, quality-level} triple a codec
// pipeline feeds to its encoder (spec.md §4.8).
type PresetParams struct {
	Kbps         int
	GOP          int // frames per keyframe interval, fps * seconds
	QualityLevel int // 0 (fastest/lowest quality) .. 2 (slowest/highest quality)
}

// presetSeconds maps each named preset to its GOP length in seconds
// (spec.md §4.8: "seconds ∈ {0.5, 1.0, 2.0}").
var presetSeconds = map[BitratePresetKind]float64{
	PresetSpeed:    0.5,
	PresetBalanced: 1.0,
	PresetQuality:  2.0,
}

var presetKbps = map[BitratePresetKind]int{
	PresetSpeed:    1500,
	PresetBalanced: 3000,
	PresetQuality:  6000,
}

var presetQualityLevel = map[BitratePresetKind]int{
	PresetSpeed:    0,
	PresetBalanced: 1,
	PresetQuality:  2,
}

// Resolve computes the {kbps, gop, quality-level} triple for fps frames per
// second. Custom(kbps) is accepted verbatim with Balanced's GOP cadence and
// quality level, since the spec only pins seconds for the three named tiers.
func (p BitratePreset) Resolve(fps int) PresetParams {
	if fps <= 0 {
		fps = 30
	}

	if p.Kind == PresetCustom {
		kbps := p.CustomKbps
		if kbps <= 0 {
			kbps = presetKbps[PresetBalanced]
		}
		return PresetParams{
			Kbps:         kbps,
			GOP:          int(float64(fps) * presetSeconds[PresetBalanced]),
			QualityLevel: presetQualityLevel[PresetBalanced],
		}
	}

	seconds, ok := presetSeconds[p.Kind]
	if !ok {
		seconds = presetSeconds[PresetBalanced]
	}
	kbps, ok := presetKbps[p.Kind]
	if !ok {
		kbps = presetKbps[PresetBalanced]
	}
	level, ok := presetQualityLevel[p.Kind]
	if !ok {
		level = presetQualityLevel[PresetBalanced]
	}

	return PresetParams{
		Kbps:         kbps,
		GOP:          int(float64(fps) * seconds),
		QualityLevel: level,
	}
}

// LowLatencyFlags captures the encoder tuning spec.md §4.8 requires
// regardless of backend: short GOP (carried on PresetParams.GOP), no
// B-frames, and delay/async-depth/realtime set for minimum latency.
type LowLatencyFlags struct {
	BFrames    int // always 0
	Delay      int // always 0
	AsyncDepth int // always 1
	Realtime   bool
}

func DefaultLowLatencyFlags() LowLatencyFlags {
	return LowLatencyFlags{BFrames: 0, Delay: 0, AsyncDepth: 1, Realtime: true}
}

// ptsMillis converts a capture timestamp to a pts relative to the pipeline
// epoch, in milliseconds, as encoders expect a monotonically increasing
// integer timeline rather than wall-clock time.
func ptsMillis(epoch, captured time.Time) int64 {
	return captured.Sub(epoch).Milliseconds()
}
