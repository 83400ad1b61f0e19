package msd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ErrCapacityExceeded is returned when adding an ISO to the Ventoy drive
// would exceed its configured capacity (spec.md §4.11 "size accounting
// must never exceed capacity").
var ErrCapacityExceeded = errors.New("msd: ventoy drive capacity exceeded")

const mkfsTimeout = 60 * time.Second

// VentoyEntry is one ISO copied into the Ventoy drive.
type VentoyEntry struct {
	ImageID  string `json:"image_id"`
	Name     string `json:"name"`
	ByteSize int64  `json:"byte_size"`
}

// VentoyDrive owns one exFAT-formatted backing file sized to
// virtual_drive_size_mb, holding a directory of ISOs the target's
// bootloader will list (spec.md §4.11 "Ventoy drive").
//
// Grounded on the teacher's executor.go exec.CommandContext pattern
// (timeout-bounded external command, captured stderr) for shelling out to
// mkfs.exfat/mcopy — no pack library wraps exFAT filesystem construction,
// and building a FAT/exFAT writer from scratch is out of scope for a
// controller whose job is orchestration, not a filesystem implementation.
type VentoyDrive struct {
	path       string
	capacityMB int
	entries    []VentoyEntry

	// runCommand executes an external tool; overridden in tests so they
	// never shell out to the real mkfs.exfat/mtools binaries.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewVentoyDrive(path string, capacityMB int) *VentoyDrive {
	return &VentoyDrive{path: path, capacityMB: capacityMB, runCommand: runExternalCommand}
}

func runExternalCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (d *VentoyDrive) Path() string { return d.path }

// Build creates (or recreates) the backing file and formats it exFAT.
func (d *VentoyDrive) Build(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("msd: create ventoy drive dir: %w", err)
	}

	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("msd: create ventoy backing file: %w", err)
	}
	size := int64(d.capacityMB) * 1024 * 1024
	err = f.Truncate(size)
	closeErr := f.Close()
	if err != nil {
		return fmt.Errorf("msd: size ventoy backing file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("msd: size ventoy backing file: %w", closeErr)
	}

	cctx, cancel := context.WithTimeout(ctx, mkfsTimeout)
	defer cancel()
	if out, err := d.runCommand(cctx, "mkfs.exfat", "-n", "ONEKVM", d.path); err != nil {
		return fmt.Errorf("msd: mkfs.exfat %s: %w: %s", d.path, err, out)
	}

	d.entries = nil
	return nil
}

// AddISO copies an image into the drive via mcopy (mtools), rejecting the
// add if it would exceed configured capacity.
func (d *VentoyDrive) AddISO(ctx context.Context, id, name string, src io.Reader, size int64) error {
	name = sanitizeName(name)
	if d.usedBytes()+size > int64(d.capacityMB)*1024*1024 {
		return ErrCapacityExceeded
	}

	tmp, err := os.CreateTemp("", "onekvm-ventoy-iso-*")
	if err != nil {
		return fmt.Errorf("msd: stage iso: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("msd: stage iso: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("msd: stage iso: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, mkfsTimeout)
	defer cancel()
	if out, err := d.runCommand(cctx, "mcopy", "-i", d.path, tmp.Name(), "::"+name); err != nil {
		return fmt.Errorf("msd: mcopy %s: %w: %s", name, err, out)
	}

	d.entries = append(d.entries, VentoyEntry{ImageID: id, Name: name, ByteSize: size})
	return nil
}

// RemoveISO deletes name from the drive via mdel and drops its entry
// (spec.md §4.11 "removal deletes the entry and compacts if possible").
// exFAT/mtools has no in-place compaction primitive, so "compact" here
// means the freed bytes are simply no longer counted against capacity;
// reclaiming the underlying file's disk usage would need a full rebuild.
func (d *VentoyDrive) RemoveISO(ctx context.Context, name string) error {
	cctx, cancel := context.WithTimeout(ctx, mkfsTimeout)
	defer cancel()
	if out, err := d.runCommand(cctx, "mdel", "-i", d.path, "::"+name); err != nil {
		return fmt.Errorf("msd: mdel %s: %w: %s", name, err, out)
	}

	for i, e := range d.entries {
		if e.Name == name {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			break
		}
	}
	return nil
}

func (d *VentoyDrive) usedBytes() int64 {
	var total int64
	for _, e := range d.entries {
		total += e.ByteSize
	}
	return total
}

func (d *VentoyDrive) Entries() []VentoyEntry {
	out := make([]VentoyEntry, len(d.entries))
	copy(out, d.entries)
	return out
}
