package pipeline

import "testing"

func TestResolveSpeedPresetHalfSecondGOP(t *testing.T) {
	p := BitratePreset{Kind: PresetSpeed}.Resolve(30)
	if p.GOP != 15 {
		t.Fatalf("GOP = %d, want 15 (30fps * 0.5s)", p.GOP)
	}
	if p.Kbps != 1500 {
		t.Fatalf("Kbps = %d, want 1500", p.Kbps)
	}
}

func TestResolveQualityPresetTwoSecondGOP(t *testing.T) {
	p := BitratePreset{Kind: PresetQuality}.Resolve(25)
	if p.GOP != 50 {
		t.Fatalf("GOP = %d, want 50 (25fps * 2.0s)", p.GOP)
	}
}

func TestResolveCustomKeepsExactKbps(t *testing.T) {
	p := BitratePreset{Kind: PresetCustom, CustomKbps: 4242}.Resolve(30)
	if p.Kbps != 4242 {
		t.Fatalf("Kbps = %d, want 4242", p.Kbps)
	}
	if p.GOP != 30 {
		t.Fatalf("GOP = %d, want 30 (balanced cadence at 1.0s)", p.GOP)
	}
}

func TestResolveCustomZeroKbpsFallsBackToBalanced(t *testing.T) {
	p := BitratePreset{Kind: PresetCustom, CustomKbps: 0}.Resolve(30)
	if p.Kbps != presetKbps[PresetBalanced] {
		t.Fatalf("Kbps = %d, want balanced default %d", p.Kbps, presetKbps[PresetBalanced])
	}
}

func TestResolveDefaultsFPSWhenZero(t *testing.T) {
	p := BitratePreset{Kind: PresetBalanced}.Resolve(0)
	if p.GOP != 30 {
		t.Fatalf("GOP = %d, want 30 (defaulted to 30fps)", p.GOP)
	}
}
