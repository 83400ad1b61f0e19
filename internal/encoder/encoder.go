// Package encoder implements the startup backend-availability probe and
// priority selection (spec.md §4.7, component C7).
//
// Grounded on the teacher's backendFactory/registerHardwareFactory registry
// (remote/desktop/encoder.go), generalized from a single codec (H264) and a
// single "try hardware, else software" fallback into a {codec, backend}
// availability matrix probed once at startup and queried by BestBackend.
package encoder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mofeng-git/one-kvm/internal/logging"
)

var log = logging.L("encoder")

// Codec is a negotiable video codec (spec.md §4.10 intersects this set with
// client offers: H264, H265, VP8, VP9).
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecAV1  Codec = "av1"
)

// Family identifies an encoder backend implementation. Hardware families
// rank ahead of Software in BestBackend's priority order (spec.md §4.7).
type Family string

const (
	FamilyVAAPI    Family = "vaapi"
	FamilyRKMPP    Family = "rkmpp"
	FamilyQSV      Family = "qsv"
	FamilyNVENC    Family = "nvenc"
	FamilyAMF      Family = "amf"
	FamilyV4L2M2M  Family = "v4l2_m2m"
	FamilySoftware Family = "software"
)

// hardwarePriority is the family search order for hardware backends
// (spec.md §4.7: "VAAPI, RKMPP, QSV, NVENC, AMF, V4L2-M2M ahead of
// software"). Software is always last regardless of this slice.
var hardwarePriority = []Family{
	FamilyVAAPI, FamilyRKMPP, FamilyQSV, FamilyNVENC, FamilyAMF, FamilyV4L2M2M,
}

// Backend describes one {codec, family} combination's static metadata.
type Backend struct {
	Codec  Codec
	Family Family
}

// probeFunc reports whether a {codec, family} pair is usable on this host.
// Probes are cheap existence/capability checks, never a full encoder
// allocation — "attempting to load the backend's library and initialise a
// trivial encoder" per spec.md §4.7, scoped here to a presence check since
// the actual hardware codec libraries are not Go-importable.
type probeFunc func(codec Codec) bool

var defaultProbes = map[Family]probeFunc{
	FamilyVAAPI:    probeVAAPI,
	FamilyRKMPP:    probeRKMPP,
	FamilyQSV:      probeQSV,
	FamilyNVENC:    probeNVENC,
	FamilyAMF:      probeAMF,
	FamilyV4L2M2M:  probeV4L2M2M,
	FamilySoftware: probeSoftware,
}

// Registry caches backend availability, probed once at process start.
type Registry struct {
	mu        sync.RWMutex
	probes    map[Family]probeFunc
	available map[Backend]bool
}

// New constructs a Registry with the default, host-probing probeFuncs.
func New() *Registry {
	return &Registry{probes: defaultProbes, available: map[Backend]bool{}}
}

// newForTest builds a Registry with injected probe functions so tests never
// touch real device nodes.
func newForTest(probes map[Family]probeFunc) *Registry {
	return &Registry{probes: probes, available: map[Backend]bool{}}
}

// allFamilies returns hardware families in priority order, then software.
func allFamilies() []Family {
	return append(append([]Family{}, hardwarePriority...), FamilySoftware)
}

// allCodecs enumerates every codec the registry probes.
var allCodecs = []Codec{CodecH264, CodecH265, CodecVP8, CodecVP9, CodecAV1}

// Probe runs every registered probeFunc against every known codec and
// caches the resulting availability map (spec.md §4.7 "caches the
// availability map").
func (r *Registry) Probe() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, family := range allFamilies() {
		probe, ok := r.probes[family]
		if !ok {
			continue
		}
		for _, codec := range allCodecs {
			ok := probe(codec)
			r.available[Backend{Codec: codec, Family: family}] = ok
			if ok {
				log.Info("encoder backend available", "codec", codec, "family", family)
			}
		}
	}
}

// Available reports whether a specific {codec, family} pair was found
// usable by the last Probe call.
func (r *Registry) Available(codec Codec, family Family) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.available[Backend{Codec: codec, Family: family}]
}

// BestBackend returns the highest-priority available family for codec:
// hardware families in spec.md §4.7's fixed order, then software.
func (r *Registry) BestBackend(codec Codec) (Family, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, family := range allFamilies() {
		if r.available[Backend{Codec: codec, Family: family}] {
			return family, nil
		}
	}
	return "", fmt.Errorf("encoder: no available backend for codec %s", codec)
}

// AvailableCodecs returns every codec with at least one available backend,
// sorted for deterministic output — used to compute the codec intersection
// in the WebRTC offer negotiation (spec.md §4.10).
func (r *Registry) AvailableCodecs() []Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[Codec]struct{}{}
	for b, ok := range r.available {
		if ok {
			seen[b.Codec] = struct{}{}
		}
	}
	out := make([]Codec, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// --- host probes -----------------------------------------------------

func anyExists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

func globAny(pattern string) bool {
	matches, err := filepath.Glob(pattern)
	return err == nil && len(matches) > 0
}

// probeVAAPI checks for an Intel/AMD render node; VA-API itself is
// codec-agnostic so any codec may be attempted if the node exists.
func probeVAAPI(codec Codec) bool {
	switch codec {
	case CodecH264, CodecH265, CodecVP8, CodecVP9, CodecAV1:
		return globAny("/dev/dri/renderD*")
	default:
		return false
	}
}

// probeRKMPP checks for Rockchip's MPP service node, H264/H265 only.
func probeRKMPP(codec Codec) bool {
	switch codec {
	case CodecH264, CodecH265:
		return anyExists("/dev/mpp_service", "/dev/rga")
	default:
		return false
	}
}

// probeQSV checks for Intel QuickSync via the render node plus the vendor
// sysfs hint; only meaningful on Intel GPUs.
func probeQSV(codec Codec) bool {
	switch codec {
	case CodecH264, CodecH265:
		return globAny("/dev/dri/renderD*") && anyExists("/sys/module/i915")
	default:
		return false
	}
}

// probeNVENC checks for an NVIDIA device node.
func probeNVENC(codec Codec) bool {
	switch codec {
	case CodecH264, CodecH265, CodecAV1:
		return anyExists("/dev/nvidia0", "/dev/nvidiactl")
	default:
		return false
	}
}

// probeAMF is Windows-only (AMD Media Framework); never available on this
// Linux daemon.
func probeAMF(Codec) bool { return false }

// probeV4L2M2M checks for a stateful M2M encoder node; common on SBCs
// lacking a dedicated VPU driver surface (e.g. Allwinner cedrus, Sunxi).
func probeV4L2M2M(codec Codec) bool {
	switch codec {
	case CodecH264, CodecVP8:
		return globAny("/dev/video-enc*") || globAny("/dev/media*")
	default:
		return false
	}
}

// probeSoftware is always available: libx264/libvpx/libaom software paths
// ship with the daemon image.
func probeSoftware(codec Codec) bool {
	switch codec {
	case CodecH264, CodecVP8, CodecVP9, CodecAV1:
		return true
	case CodecH265:
		return false // no bundled software H265 encoder
	default:
		return false
	}
}
