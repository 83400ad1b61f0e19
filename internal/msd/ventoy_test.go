package msd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// fakeCommand records invocations and lets tests control the outcome,
// standing in for mkfs.exfat/mcopy/mdel (mirrors internal/capture's
// openDevice injectable-seam pattern).
type fakeCommand struct {
	calls [][]string
	err   error
}

func (f *fakeCommand) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return []byte("boom"), f.err
	}
	return nil, nil
}

func newTestVentoyDrive(t *testing.T, capacityMB int) (*VentoyDrive, *fakeCommand) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ventoy.img")
	d := NewVentoyDrive(path, capacityMB)
	fc := &fakeCommand{}
	d.runCommand = fc.run
	return d, fc
}

func TestVentoyDriveBuildTruncatesAndFormats(t *testing.T) {
	d, fc := newTestVentoyDrive(t, 8)

	if err := d.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	info, err := os.Stat(d.Path())
	if err != nil {
		t.Fatalf("stat backing file: %v", err)
	}
	if info.Size() != 8*1024*1024 {
		t.Fatalf("backing file size = %d, want %d", info.Size(), 8*1024*1024)
	}
	if len(fc.calls) != 1 || fc.calls[0][0] != "mkfs.exfat" {
		t.Fatalf("calls = %v, want one mkfs.exfat call", fc.calls)
	}
}

func TestVentoyDriveBuildPropagatesMkfsError(t *testing.T) {
	d, fc := newTestVentoyDrive(t, 8)
	fc.err = errors.New("mkfs failed")

	if err := d.Build(context.Background()); err == nil {
		t.Fatal("Build: want error, got nil")
	}
}

func TestVentoyDriveAddISORejectsOverCapacity(t *testing.T) {
	d, _ := newTestVentoyDrive(t, 1)

	err := d.AddISO(context.Background(), "id-1", "big.iso", bytes.NewReader([]byte("x")), 2*1024*1024)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("AddISO error = %v, want ErrCapacityExceeded", err)
	}
}

func TestVentoyDriveAddISOTracksUsageAndEntries(t *testing.T) {
	d, fc := newTestVentoyDrive(t, 8)

	if err := d.AddISO(context.Background(), "id-1", "one.iso", bytes.NewReader([]byte("hello")), 5); err != nil {
		t.Fatalf("AddISO: %v", err)
	}
	if err := d.AddISO(context.Background(), "id-2", "two.iso", bytes.NewReader([]byte("world")), 5); err != nil {
		t.Fatalf("AddISO: %v", err)
	}

	entries := d.Entries()
	if len(entries) != 2 {
		t.Fatalf("Entries() = %d, want 2", len(entries))
	}
	if d.usedBytes() != 10 {
		t.Fatalf("usedBytes = %d, want 10", d.usedBytes())
	}
	if len(fc.calls) != 2 || fc.calls[0][0] != "mcopy" {
		t.Fatalf("calls = %v, want two mcopy calls", fc.calls)
	}
}

func TestVentoyDriveAddISOSanitizesDestinationName(t *testing.T) {
	d, fc := newTestVentoyDrive(t, 8)

	if err := d.AddISO(context.Background(), "id-1", "../../etc/evil name.iso", bytes.NewReader([]byte("x")), 1); err != nil {
		t.Fatalf("AddISO: %v", err)
	}

	if len(fc.calls) != 1 {
		t.Fatalf("calls = %v, want one mcopy call", fc.calls)
	}
	dest := fc.calls[0][len(fc.calls[0])-1]
	if dest != "::evil_name.iso" {
		t.Fatalf("mcopy destination = %q, want sanitized name", dest)
	}

	entries := d.Entries()
	if len(entries) != 1 || entries[0].Name != "evil_name.iso" {
		t.Fatalf("Entries() = %+v, want sanitized name recorded", entries)
	}
}

func TestVentoyDriveAddISOCapacityAccountsExistingEntries(t *testing.T) {
	d, _ := newTestVentoyDrive(t, 1) // 1 MiB

	if err := d.AddISO(context.Background(), "id-1", "a.iso", bytes.NewReader([]byte("x")), 900*1024); err != nil {
		t.Fatalf("first AddISO: %v", err)
	}
	err := d.AddISO(context.Background(), "id-2", "b.iso", bytes.NewReader([]byte("y")), 200*1024)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("second AddISO error = %v, want ErrCapacityExceeded", err)
	}
}

func TestVentoyDriveRemoveISODropsEntry(t *testing.T) {
	d, fc := newTestVentoyDrive(t, 8)

	if err := d.AddISO(context.Background(), "id-1", "one.iso", bytes.NewReader([]byte("hello")), 5); err != nil {
		t.Fatalf("AddISO: %v", err)
	}
	if err := d.RemoveISO(context.Background(), "one.iso"); err != nil {
		t.Fatalf("RemoveISO: %v", err)
	}

	if len(d.Entries()) != 0 {
		t.Fatalf("Entries() = %v, want empty", d.Entries())
	}
	if fc.calls[len(fc.calls)-1][0] != "mdel" {
		t.Fatalf("last call = %v, want mdel", fc.calls[len(fc.calls)-1])
	}
}

func TestVentoyDriveRemoveISOPropagatesError(t *testing.T) {
	d, fc := newTestVentoyDrive(t, 8)
	if err := d.AddISO(context.Background(), "id-1", "one.iso", bytes.NewReader([]byte("hello")), 5); err != nil {
		t.Fatalf("AddISO: %v", err)
	}
	fc.err = errors.New("mdel failed")

	if err := d.RemoveISO(context.Background(), "one.iso"); err == nil {
		t.Fatal("RemoveISO: want error, got nil")
	}
	if len(d.Entries()) != 1 {
		t.Fatalf("Entries() = %v, want entry to survive a failed removal", d.Entries())
	}
}
