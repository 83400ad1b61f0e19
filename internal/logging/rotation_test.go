package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingWriterWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onekvmd.log")
	rw, err := NewRotatingWriter(path, 50, 3)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	if _, err := rw.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("file contents = %q, want %q", data, "hello\n")
	}
}

func TestRotatingWriterReopenForcesRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onekvmd.log")
	rw, err := NewRotatingWriter(path, 50, 3)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	if _, err := rw.Write([]byte("before rotate\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := rw.Reopen(); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if _, err := rw.Write([]byte("after rotate\n")); err != nil {
		t.Fatalf("Write after Reopen: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected a rotated backup alongside the active log, got %d entries", len(entries))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile active log: %v", err)
	}
	if string(data) != "after rotate\n" {
		t.Fatalf("active log contents = %q, want only post-rotation writes", data)
	}
}

func TestTeeWriterDuplicatesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onekvmd.log")
	rw, err := NewRotatingWriter(path, 50, 3)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	var buf bytes.Buffer
	w := TeeWriter(&buf, rw)
	if _, err := w.Write([]byte("tee\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if buf.String() != "tee\n" {
		t.Fatalf("buffer contents = %q, want %q", buf.String(), "tee\n")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "tee\n" {
		t.Fatalf("file contents = %q, want %q", data, "tee\n")
	}
}
