// Package store owns the daemon's single sqlite database handle and the
// table definitions spec.md §6 calls out: config, users, sessions,
// api_tokens. No other package opens the database file directly (spec.md
// §5's "Config document ... Single DB writer path" resource rule extends to
// the whole file).
//
// Grounded on helixml-helix's use of gorm.io/gorm + gorm.io/driver/sqlite
// for an embedded relational store.
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mofeng-git/one-kvm/internal/logging"
)

var log = logging.L("store")

// ConfigRow is the single-row-per-key table backing the config store (C1).
// AppConfig is always stored under key "app".
type ConfigRow struct {
	Key       string `gorm:"primaryKey"`
	Value     string // JSON-encoded AppConfig
	UpdatedAt time.Time
}

// Role gates access to admin-only endpoints (spec.md §4.3).
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is a local operator account.
type User struct {
	ID           string `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex"`
	PasswordHash string
	Role         Role
	TOTPSecret   string // empty when TOTP is not enabled for this user
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is a logged-in browser session (spec.md §3).
type Session struct {
	ID         string `gorm:"primaryKey"` // 128-bit random token, hex-encoded
	UserID     string `gorm:"index"`
	Role       Role
	CreatedAt  time.Time
	LastActive time.Time
	ExpiresAt  time.Time
}

// APIToken is a long-lived bearer credential for non-browser clients
// (spec.md §6 persisted-state table list).
type APIToken struct {
	ID          string `gorm:"primaryKey"`
	Name        string
	TokenHash   string
	Permissions string // comma-separated role/scope list
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	LastUsedAt  *time.Time
}

// Store wraps the gorm handle and exposes the migration entrypoint used at
// daemon startup.
type Store struct {
	DB *gorm.DB
}

// Open creates/opens the sqlite database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.New(slogWriter{}, gormlogger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      gormlogger.Warn,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	if err := db.AutoMigrate(&ConfigRow{}, &User{}, &Session{}, &APIToken{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	log.Info("database ready", "path", path)
	return &Store{DB: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogWriter adapts gorm's logger.Writer interface onto the package logger.
type slogWriter struct{}

func (slogWriter) Printf(format string, args ...any) {
	log.Warn(fmt.Sprintf(format, args...))
}
