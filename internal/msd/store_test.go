package msd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreCreateAndGetRoundTrips(t *testing.T) {
	s := NewStore(t.TempDir())

	info, err := s.Create("my image.bin", bytes.NewReader([]byte("not an iso")))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.ByteSize != int64(len("not an iso")) {
		t.Fatalf("ByteSize = %d, want %d", info.ByteSize, len("not an iso"))
	}
	if info.Format != FormatIMG {
		t.Fatalf("Format = %q, want %q", info.Format, FormatIMG)
	}
	if info.Name != "my_image.bin" {
		t.Fatalf("Name = %q, want sanitized %q", info.Name, "my_image.bin")
	}

	got, err := s.Get(info.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != info {
		t.Fatalf("Get returned %+v, want %+v", got, info)
	}
}

func TestStoreCreateSniffsISO9660(t *testing.T) {
	s := NewStore(t.TempDir())

	payload := make([]byte, iso9660VolDescOffset+5)
	copy(payload[iso9660VolDescOffset:], "CD001")

	info, err := s.Create("disc.iso", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Format != FormatISO {
		t.Fatalf("Format = %q, want %q", info.Format, FormatISO)
	}
}

func TestStoreCreateSmallFileIsImg(t *testing.T) {
	s := NewStore(t.TempDir())

	info, err := s.Create("tiny.img", bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Format != FormatIMG {
		t.Fatalf("Format = %q, want %q", info.Format, FormatIMG)
	}
}

func TestStoreGetMissingReturnsErrNotFound(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Get("does-not-exist"); err != ErrNotFound {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestStoreListReturnsAllImages(t *testing.T) {
	s := NewStore(t.TempDir())

	a, err := s.Create("a.img", bytes.NewReader([]byte("aaaa")))
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := s.Create("b.img", bytes.NewReader([]byte("bbbb")))
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(list))
	}
	ids := map[string]bool{a.ID: false, b.ID: false}
	for _, info := range list {
		ids[info.ID] = true
	}
	for id, seen := range ids {
		if !seen {
			t.Fatalf("List missing id %s", id)
		}
	}
}

func TestStoreListOnMissingDirReturnsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("List returned %d entries, want 0", len(list))
	}
}

func TestStoreDeleteRemovesBackingAndSidecar(t *testing.T) {
	s := NewStore(t.TempDir())
	info, err := s.Create("a.img", bytes.NewReader([]byte("aaaa")))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Delete(info.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(info.ID); err != ErrNotFound {
		t.Fatalf("Get after Delete = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(s.imagePath(info.ID)); !os.IsNotExist(err) {
		t.Fatalf("backing file still exists after Delete")
	}
}

func TestStoreDeleteMissingIsNoop(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Delete("never-existed"); err != nil {
		t.Fatalf("Delete on missing id: %v", err)
	}
}

func TestSanitizeNameStripsUnsafeCharsAndTraversal(t *testing.T) {
	cases := map[string]string{
		"normal.iso":          "normal.iso",
		"../../etc/passwd":    "passwd",
		"spaces are bad.img":  "spaces_are_bad.img",
		"..":                  "image",
		".":                   "image",
		"":                    "image",
		"weird!@#$%^&*().iso": "weird_.iso",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeNameNeverContainsPathSeparator(t *testing.T) {
	got := sanitizeName("a/b/c.iso")
	if strings.ContainsAny(got, "/\\") {
		t.Fatalf("sanitizeName(%q) = %q, contains a path separator", "a/b/c.iso", got)
	}
}
