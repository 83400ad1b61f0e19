// Package metrics reports the host's own CPU/memory/temperature numbers
// (spec component C19), surfaced through GET /devices so the setup UI can
// show the SBC's own load alongside the capture/serial/audio device
// pickers.
//
// Grounded on the teacher's internal/collectors.MetricsCollector
// (cpu.Percent/mem.VirtualMemory shape), narrowed to the fields a KVM
// appliance's status page actually needs and extended with
// host.SensorsTemperatures for the SBC thermal reading spec.md's device
// table calls out.
package metrics

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mofeng-git/one-kvm/internal/logging"
)

var log = logging.L("metrics")

// Snapshot is the host telemetry payload returned alongside device
// enumeration.
type Snapshot struct {
	CPUPercent    float64            `json:"cpu_percent"`
	MemPercent    float64            `json:"mem_percent"`
	MemUsedMB     uint64             `json:"mem_used_mb"`
	MemTotalMB    uint64             `json:"mem_total_mb"`
	TemperaturesC map[string]float64 `json:"temperatures_c,omitempty"`
}

// Collect samples CPU/memory/temperature once. CPU percent is measured
// over a 0-duration window (gopsutil's "since last call" mode), matching
// the teacher's own Collect() shape; the first call after process start
// reports 0.
func Collect() Snapshot {
	var snap Snapshot

	if pct, err := cpu.Percent(0, false); err != nil {
		log.Warn("cpu percent unavailable", "error", err)
	} else if len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	if vmem, err := mem.VirtualMemory(); err != nil {
		log.Warn("memory stats unavailable", "error", err)
	} else {
		snap.MemPercent = vmem.UsedPercent
		snap.MemUsedMB = vmem.Used / 1024 / 1024
		snap.MemTotalMB = vmem.Total / 1024 / 1024
	}

	if temps, err := host.SensorsTemperatures(); err != nil {
		log.Debug("sensor temperatures unavailable", "error", err)
	} else if len(temps) > 0 {
		snap.TemperaturesC = make(map[string]float64, len(temps))
		for _, t := range temps {
			snap.TemperaturesC[t.SensorKey] = t.Temperature
		}
	}

	return snap
}
