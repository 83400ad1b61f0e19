// Package msd implements the Mass Storage Device controller (spec.md
// §4.11, component C11): an image store, Ventoy multi-ISO drive assembly,
// a background download manager, and connect/disconnect against the
// gadget's mass-storage LUN.
//
// No example repo in the pack manages removable-media images directly;
// this is grounded on the teacher's internal/backup/providers.LocalProvider
// (atomic rename-into-place, sanitized relative paths, directory-scoped
// deletes) adapted from "upload a backup to local storage" to "store an
// MSD image locally with sidecar metadata".
package msd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mofeng-git/one-kvm/internal/logging"
)

var log = logging.L("msd")

// Format is the sniffed backing-image format (spec.md §4.11 "format sniff
// on header bytes").
type Format string

const (
	FormatISO     Format = "iso"
	FormatIMG     Format = "img"
	FormatUnknown Format = "unknown"
)

// ImageInfo is one stored backing image (spec.md §3 "ImageInfo").
type ImageInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ByteSize  int64     `json:"byte_size"`
	Format    Format    `json:"format"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrNotFound = errors.New("msd: image not found")
	ErrInUse    = errors.New("msd: image is in use")
)

// Store owns the on-disk image directory: opaque files named by id, with a
// JSON sidecar recording metadata (spec.md §4.11 "Image store").
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) imagePath(id string) string   { return filepath.Join(s.dir, id+".bin") }
func (s *Store) sidecarPath(id string) string { return filepath.Join(s.dir, id+".json") }

// List returns every stored image's metadata.
func (s *Store) List() ([]ImageInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("msd: list images: %w", err)
	}

	var out []ImageInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		info, err := s.readSidecar(id)
		if err != nil {
			log.Warn("skipping unreadable image sidecar", "id", id, "error", err)
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Store) readSidecar(id string) (ImageInfo, error) {
	data, err := os.ReadFile(s.sidecarPath(id))
	if err != nil {
		return ImageInfo{}, err
	}
	var info ImageInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ImageInfo{}, err
	}
	return info, nil
}

func (s *Store) writeSidecar(info ImageInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(s.sidecarPath(info.ID), data, 0o644)
}

// Get returns one image's metadata.
func (s *Store) Get(id string) (ImageInfo, error) {
	info, err := s.readSidecar(id)
	if err != nil {
		if os.IsNotExist(err) {
			return ImageInfo{}, ErrNotFound
		}
		return ImageInfo{}, err
	}
	return info, nil
}

// Path returns the backing file path for an already-stored image, for the
// controller to bind into the gadget's LUN.
func (s *Store) Path(id string) string { return s.imagePath(id) }

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeName(name string) string {
	name = filepath.Base(name)
	name = unsafeNameChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		return "image"
	}
	return name
}

// Create streams src into a new temp file under the store, sniffs its
// format from the header bytes, and atomically renames it into place
// (spec.md §4.11 "streamed to a temp file, validated ..., atomically
// renamed"). name is the user-supplied display name; the on-disk name is
// always the generated id.
func (s *Store) Create(name string, src io.Reader) (ImageInfo, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return ImageInfo{}, fmt.Errorf("msd: create images dir: %w", err)
	}

	id := uuid.NewString()
	tmpPath := filepath.Join(s.dir, id+".tmp")

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("msd: create temp file: %w", err)
	}

	size, err := io.Copy(tmp, src)
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmpPath)
		return ImageInfo{}, fmt.Errorf("msd: write image: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return ImageInfo{}, fmt.Errorf("msd: write image: %w", closeErr)
	}

	format, err := sniffFormat(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return ImageInfo{}, fmt.Errorf("msd: sniff image format: %w", err)
	}

	info := ImageInfo{
		ID:        id,
		Name:      sanitizeName(name),
		ByteSize:  size,
		Format:    format,
		CreatedAt: time.Now().UTC(),
	}

	if err := os.Rename(tmpPath, s.imagePath(id)); err != nil {
		return ImageInfo{}, fmt.Errorf("msd: finalize image: %w", err)
	}
	if err := s.writeSidecar(info); err != nil {
		os.Remove(s.imagePath(id))
		return ImageInfo{}, fmt.Errorf("msd: write sidecar: %w", err)
	}

	return info, nil
}

// Delete removes an image's backing file and sidecar. Callers must check
// in-use status first (spec.md §4.11 "Deletion rejects in-use images").
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.imagePath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("msd: delete image: %w", err)
	}
	if err := os.Remove(s.sidecarPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("msd: delete sidecar: %w", err)
	}
	return nil
}

// iso9660VolDescOffset is the fixed byte offset of the 5-byte standard
// identifier ("CD001" for a valid ISO) inside the first volume descriptor
// of an ISO 9660 image; the descriptor itself starts at 0x8000 with a
// one-byte type field.
const iso9660VolDescOffset = 0x8001

// sniffFormat opens path and checks for the ISO 9660 standard identifier at
// its fixed offset (spec.md §4.11 "format sniff on header bytes"), falling
// back to a plain raw-disk image for anything else non-empty.
func sniffFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FormatUnknown, err
	}
	if info.Size() == 0 {
		return FormatUnknown, nil
	}
	if info.Size() < iso9660VolDescOffset+5 {
		return FormatIMG, nil
	}

	ident := make([]byte, 5)
	if _, err := f.ReadAt(ident, iso9660VolDescOffset); err != nil {
		return FormatUnknown, err
	}
	if string(ident) == "CD001" {
		return FormatISO, nil
	}
	return FormatIMG, nil
}
