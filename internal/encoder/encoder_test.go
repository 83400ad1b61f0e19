package encoder

import "testing"

func fakeProbes(avail map[Family]map[Codec]bool) map[Family]probeFunc {
	probes := map[Family]probeFunc{}
	for family, codecs := range avail {
		codecs := codecs
		probes[family] = func(codec Codec) bool { return codecs[codec] }
	}
	return probes
}

func TestBestBackendPrefersHardwareOverSoftware(t *testing.T) {
	r := newForTest(fakeProbes(map[Family]map[Codec]bool{
		FamilyVAAPI:    {CodecH264: true},
		FamilySoftware: {CodecH264: true},
	}))
	r.Probe()

	family, err := r.BestBackend(CodecH264)
	if err != nil {
		t.Fatalf("BestBackend: %v", err)
	}
	if family != FamilyVAAPI {
		t.Fatalf("family = %v, want vaapi", family)
	}
}

func TestBestBackendRespectsHardwarePriorityOrder(t *testing.T) {
	r := newForTest(fakeProbes(map[Family]map[Codec]bool{
		FamilyNVENC: {CodecH265: true},
		FamilyRKMPP: {CodecH265: true},
		FamilyVAAPI: {CodecH265: false},
	}))
	r.Probe()

	family, err := r.BestBackend(CodecH265)
	if err != nil {
		t.Fatalf("BestBackend: %v", err)
	}
	// RKMPP ranks ahead of NVENC in spec.md's fixed priority order.
	if family != FamilyRKMPP {
		t.Fatalf("family = %v, want rkmpp", family)
	}
}

func TestBestBackendFallsBackToSoftware(t *testing.T) {
	r := newForTest(fakeProbes(map[Family]map[Codec]bool{
		FamilySoftware: {CodecVP8: true},
	}))
	r.Probe()

	family, err := r.BestBackend(CodecVP8)
	if err != nil {
		t.Fatalf("BestBackend: %v", err)
	}
	if family != FamilySoftware {
		t.Fatalf("family = %v, want software", family)
	}
}

func TestBestBackendNoneAvailableReturnsError(t *testing.T) {
	r := newForTest(fakeProbes(map[Family]map[Codec]bool{}))
	r.Probe()

	if _, err := r.BestBackend(CodecAV1); err == nil {
		t.Fatal("expected error when no backend is available")
	}
}

func TestAvailableCodecsSortedAndDeduped(t *testing.T) {
	r := newForTest(fakeProbes(map[Family]map[Codec]bool{
		FamilyVAAPI:    {CodecH264: true, CodecVP9: true},
		FamilySoftware: {CodecH264: true},
	}))
	r.Probe()

	codecs := r.AvailableCodecs()
	if len(codecs) != 2 || codecs[0] != CodecH264 || codecs[1] != CodecVP9 {
		t.Fatalf("AvailableCodecs = %v, want [h264 vp9]", codecs)
	}
}

func TestAvailableReflectsLastProbe(t *testing.T) {
	r := newForTest(fakeProbes(map[Family]map[Codec]bool{
		FamilyQSV: {CodecH264: true},
	}))
	r.Probe()

	if !r.Available(CodecH264, FamilyQSV) {
		t.Fatal("expected QSV/H264 to be available")
	}
	if r.Available(CodecH265, FamilyQSV) {
		t.Fatal("expected QSV/H265 to be unavailable")
	}
}
