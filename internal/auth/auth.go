// Package auth implements local password authentication, session tokens,
// and optional TOTP second-factor login for the daemon's HTTP API (spec.md
// §4.3, component C3).
//
// Grounded on helixml-helix's HelixAuthenticator (CreateUser/ValidatePassword
// hash-then-compare flow), adapted from bcrypt to Argon2id and from signed
// JWTs to opaque random session tokens stored server-side, since spec.md
// calls for a session table with expiry/last-active tracking rather than a
// stateless bearer token.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"gorm.io/gorm"

	"github.com/mofeng-git/one-kvm/internal/logging"
	"github.com/mofeng-git/one-kvm/internal/store"
)

var log = logging.L("auth")

// Failure kinds, per spec.md §4.3.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = errors.New("session expired")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSetupRequired      = errors.New("initial setup required")
	ErrTOTPRequired       = errors.New("totp code required")
	ErrTOTPInvalid        = errors.New("totp code invalid")
	ErrLastAdmin          = errors.New("cannot delete the last remaining admin")
)

const (
	sessionTokenBytes = 16 // 128 bits, per spec.md §4.3
	argonTime         = 1
	argonMemoryKiB    = 64 * 1024
	argonThreads      = 4
	argonKeyLen       = 32
	saltBytes         = 16
)

// Service is the single owner of the users/sessions tables.
type Service struct {
	db *store.Store
}

func NewService(db *store.Store) *Service {
	return &Service{db: db}
}

// Principal is injected into the request context by authentication
// middleware (spec.md §4.3 "inject principal into request context").
type Principal struct {
	UserID    string
	Username  string
	Role      store.Role
	SessionID string
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// HashPassword derives an Argon2id hash encoded as
// "<salt-b64>$<hash-b64>" so the per-user salt travels with the hash
// without a second column.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemoryKiB, argonThreads, argonKeyLen)
	return base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(hash), nil
}

// verifyPassword re-derives the hash with the stored salt and compares in
// constant time.
func verifyPassword(encoded, password string) bool {
	saltB64, hashB64, ok := splitEncoded(encoded)
	if !ok {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argonTime, argonMemoryKiB, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func splitEncoded(encoded string) (salt, hash string, ok bool) {
	for i := 0; i < len(encoded); i++ {
		if encoded[i] == '$' {
			return encoded[:i], encoded[i+1:], true
		}
	}
	return "", "", false
}

// CreateUser hashes password and persists a new local account. Used by
// first-boot setup and by admin-only user management endpoints.
func (s *Service) CreateUser(ctx context.Context, username, password string, role store.Role) (*store.User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &store.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := s.db.DB.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials (and TOTP, if the account has one enrolled),
// then issues a new session. It does not take the AppConfig session timeout
// directly; callers pass it so the auth package never imports config.
func (s *Service) Login(ctx context.Context, username, password, totpCode string, sessionTimeout time.Duration) (*store.Session, error) {
	var user store.User
	err := s.db.DB.WithContext(ctx).First(&user, "username = ?", username).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if !verifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	if user.TOTPSecret != "" {
		if totpCode == "" {
			return nil, ErrTOTPRequired
		}
		if !ValidateTOTP(user.TOTPSecret, totpCode) {
			return nil, ErrTOTPInvalid
		}
	}

	return s.createSession(ctx, &user, sessionTimeout)
}

func (s *Service) createSession(ctx context.Context, user *store.User, timeout time.Duration) (*store.Session, error) {
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	session := &store.Session{
		ID:         token,
		UserID:     user.ID,
		Role:       user.Role,
		CreatedAt:  now,
		LastActive: now,
		ExpiresAt:  now.Add(timeout),
	}
	if err := s.db.DB.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	log.Info("session created", "user", user.Username, "session", shortID(session.ID))
	return session, nil
}

// Authenticate looks up a session token, rejects it if expired, refreshes
// last-active, and returns the associated Principal (spec.md §4.3 "Every
// authenticated request").
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrInvalidCredentials
	}

	var session store.Session
	err := s.db.DB.WithContext(ctx).First(&session, "id = ?", token).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Principal{}, ErrInvalidCredentials
	case err != nil:
		return Principal{}, fmt.Errorf("lookup session: %w", err)
	}

	if time.Now().After(session.ExpiresAt) {
		_ = s.db.DB.WithContext(ctx).Delete(&store.Session{}, "id = ?", session.ID).Error
		return Principal{}, ErrSessionExpired
	}

	var user store.User
	if err := s.db.DB.WithContext(ctx).First(&user, "id = ?", session.UserID).Error; err != nil {
		return Principal{}, fmt.Errorf("lookup session owner: %w", err)
	}

	session.LastActive = time.Now()
	if err := s.db.DB.WithContext(ctx).Model(&session).Update("last_active", session.LastActive).Error; err != nil {
		log.Warn("failed to refresh session last-active", "session", shortID(session.ID), "error", err)
	}

	return Principal{
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		SessionID: session.ID,
	}, nil
}

// Logout deletes a session immediately.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.db.DB.WithContext(ctx).Delete(&store.Session{}, "id = ?", token).Error
}

// HasAnyUser reports whether at least one account exists. False means the
// daemon is in first-boot setup state (spec.md §4.3 ErrSetupRequired).
func (s *Service) HasAnyUser(ctx context.Context) (bool, error) {
	var count int64
	if err := s.db.DB.WithContext(ctx).Model(&store.User{}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return count > 0, nil
}

// ListUsers returns every local account, ordered by username, for the
// admin-only /users listing.
func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	var users []store.User
	if err := s.db.DB.WithContext(ctx).Order("username").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// DeleteUser removes the account and any sessions it still holds.
// DeleteUser removes userID and its sessions. Deleting the last remaining
// Admin is rejected: spec.md's User invariant requires another Admin to
// remain after the deletion (§3 "At most one Admin may be deleted iff
// another Admin remains").
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	return s.db.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target store.User
		if err := tx.First(&target, "id = ?", userID).Error; err != nil {
			return fmt.Errorf("find user: %w", err)
		}

		if target.Role == store.RoleAdmin {
			var adminCount int64
			if err := tx.Model(&store.User{}).Where("role = ?", store.RoleAdmin).Count(&adminCount).Error; err != nil {
				return fmt.Errorf("count admins: %w", err)
			}
			if adminCount <= 1 {
				return ErrLastAdmin
			}
		}

		if err := tx.Delete(&store.Session{}, "user_id = ?", userID).Error; err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if err := tx.Delete(&store.User{}, "id = ?", userID).Error; err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		return nil
	})
}

func newSessionToken() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
