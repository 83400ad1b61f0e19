// Package config implements the atomic, broadcast-published configuration
// store (spec.md §4.1, component C1) plus the process bootstrap layer
// (§4.16, component C16).
//
// The store's shape is grounded on the teacher's internal/config package
// (Default()/Load() returning a validated struct, warnings logged on soft
// validation failures) but restructured around an atomic snapshot pointer
// because spec.md requires wait-free concurrent reads plus a serialized,
// persisted, broadcast-published write path the teacher's static
// process-lifetime config never needed.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/logging"
	"github.com/mofeng-git/one-kvm/internal/store"
)

var log = logging.L("config")

const configRowKey = "app"

// ErrInvalidConfig is returned by Update when the mutated document fails
// validation; the snapshot and persisted row are left unchanged.
var ErrInvalidConfig = errors.New("invalid config")

// ChangeEvent is the payload of an eventbus.KindConfigChanged event.
type ChangeEvent struct {
	Section Section
}

// Store is the single owner of the persisted AppConfig document. get() is
// wait-free (atomic.Pointer load); update() serializes writers behind mu.
type Store struct {
	db  *store.Store
	bus *eventbus.Bus

	mu       sync.Mutex // serializes writers only; readers never take it
	snapshot atomic.Pointer[AppConfig]
}

// Open loads the persisted AppConfig (writing defaults on first boot) and
// returns a ready Store.
func Open(db *store.Store, bus *eventbus.Bus) (*Store, error) {
	s := &Store{db: db, bus: bus}

	var row store.ConfigRow
	err := db.DB.First(&row, "key = ?", configRowKey).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		defaults := Default()
		if err := s.persist(defaults); err != nil {
			return nil, fmt.Errorf("persist default config: %w", err)
		}
		s.snapshot.Store(&defaults)
		log.Info("first boot: persisted default config")
	case err != nil:
		return nil, fmt.Errorf("load config row: %w", err)
	default:
		var cfg AppConfig
		if err := json.Unmarshal([]byte(row.Value), &cfg); err != nil {
			return nil, fmt.Errorf("decode config row: %w", err)
		}
		s.snapshot.Store(&cfg)
	}

	return s, nil
}

// Get returns the current immutable snapshot. Never blocks, never locks.
func (s *Store) Get() AppConfig {
	return *s.snapshot.Load()
}

// Update loads the current snapshot, applies fn to a mutable clone,
// validates the result, persists it, then atomically swaps the snapshot and
// publishes ConfigChanged{section}. On validation or persistence failure the
// snapshot is left unchanged and no event is published (spec.md §4.1
// "Failure modes").
func (s *Store) Update(section Section, fn func(*AppConfig)) (AppConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.Get()
	next := current.Clone()
	fn(&next)

	if err := validate(next); err != nil {
		return current, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := s.persist(next); err != nil {
		return current, fmt.Errorf("persist config: %w", err)
	}

	s.snapshot.Store(&next)
	if s.bus != nil {
		s.bus.Publish(eventbus.KindConfigChanged, ChangeEvent{Section: section})
	}
	return next, nil
}

func (s *Store) persist(cfg AppConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	row := store.ConfigRow{Key: configRowKey, Value: string(payload), UpdatedAt: time.Now()}
	return s.db.DB.Save(&row).Error
}

func validate(cfg AppConfig) error {
	if cfg.Web.Port < 1 || cfg.Web.Port > 65535 {
		return fmt.Errorf("web.port %d out of range", cfg.Web.Port)
	}
	if cfg.Video.Width <= 0 || cfg.Video.Height <= 0 {
		return fmt.Errorf("video dimensions must be positive")
	}
	if cfg.Video.FPS <= 0 || cfg.Video.FPS > 240 {
		return fmt.Errorf("video.fps %d out of range", cfg.Video.FPS)
	}
	if cfg.Video.NumBuffers < 1 {
		return fmt.Errorf("video.num_buffers must be >= 1")
	}
	switch cfg.Stream.Mode {
	case "mjpeg", "webrtc":
	default:
		return fmt.Errorf("stream.mode %q invalid", cfg.Stream.Mode)
	}
	switch cfg.Stream.BitratePreset {
	case "speed", "balanced", "quality", "custom":
	default:
		return fmt.Errorf("stream.bitrate_preset %q invalid", cfg.Stream.BitratePreset)
	}
	switch cfg.HID.Backend {
	case "otg", "ch9329", "none":
	default:
		return fmt.Errorf("hid.backend %q invalid", cfg.HID.Backend)
	}
	if cfg.Auth.SessionTimeoutMinutes <= 0 {
		return fmt.Errorf("auth.session_timeout_minutes must be positive")
	}
	if cfg.MSD.Enabled && cfg.MSD.VirtualDriveSizeMB <= 0 {
		return fmt.Errorf("msd.virtual_drive_size_mb must be positive when msd is enabled")
	}
	return nil
}
