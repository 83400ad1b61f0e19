package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mofeng-git/one-kvm/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(db)
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !verifyPassword(hash, "correct horse battery staple") {
		t.Fatal("verifyPassword rejected the correct password")
	}
	if verifyPassword(hash, "wrong password") {
		t.Fatal("verifyPassword accepted an incorrect password")
	}
}

func TestHashPasswordNeverReused(t *testing.T) {
	h1, _ := HashPassword("same-password")
	h2, _ := HashPassword("same-password")
	if h1 == h2 {
		t.Fatal("two hashes of the same password collided; salts not randomized")
	}
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Login(context.Background(), "nobody", "whatever", "", time.Hour)
	if err != ErrInvalidCredentials {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginSucceedsAndAuthenticates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "admin", "hunter2hunter2", store.RoleAdmin); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	session, err := svc.Login(ctx, "admin", "hunter2hunter2", "", time.Hour)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.ID == "" {
		t.Fatal("Login returned an empty session token")
	}

	principal, err := svc.Authenticate(ctx, session.ID)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if principal.Username != "admin" || principal.Role != store.RoleAdmin {
		t.Fatalf("principal = %+v, want admin/Admin", principal)
	}
}

func TestLoginWrongPasswordRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateUser(ctx, "admin", "hunter2hunter2", store.RoleAdmin); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, err := svc.Login(ctx, "admin", "wrong-password", "", time.Hour); err != ErrInvalidCredentials {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateExpiredSessionRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateUser(ctx, "admin", "hunter2hunter2", store.RoleAdmin); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	session, err := svc.Login(ctx, "admin", "hunter2hunter2", "", -time.Minute)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, err := svc.Authenticate(ctx, session.ID); err != ErrSessionExpired {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}

	// Expired session must be removed, not just rejected once.
	if _, err := svc.Authenticate(ctx, session.ID); err != ErrInvalidCredentials {
		t.Fatalf("second Authenticate err = %v, want ErrInvalidCredentials after cleanup", err)
	}
}

func TestLoginRequiresTOTPWhenEnrolled(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	user, err := svc.CreateUser(ctx, "admin", "hunter2hunter2", store.RoleAdmin)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	secret, _, err := EnrollTOTP(user.Username, "one-kvm")
	if err != nil {
		t.Fatalf("EnrollTOTP: %v", err)
	}
	user.TOTPSecret = secret
	if err := svc.db.DB.Save(user).Error; err != nil {
		t.Fatalf("save totp secret: %v", err)
	}

	if _, err := svc.Login(ctx, "admin", "hunter2hunter2", "", time.Hour); err != ErrTOTPRequired {
		t.Fatalf("err = %v, want ErrTOTPRequired", err)
	}

	if _, err := svc.Login(ctx, "admin", "hunter2hunter2", "000000", time.Hour); err != ErrTOTPInvalid {
		t.Fatalf("err = %v, want ErrTOTPInvalid for a bogus code", err)
	}
}

func TestListUsersOrderedByUsername(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "zeke", "hunter2hunter2", store.RoleUser); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := svc.CreateUser(ctx, "admin", "hunter2hunter2", store.RoleAdmin); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	users, err := svc.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("ListUsers() = %d users, want 2", len(users))
	}
	if users[0].Username != "admin" || users[1].Username != "zeke" {
		t.Fatalf("ListUsers() order = [%s, %s], want [admin, zeke]", users[0].Username, users[1].Username)
	}
}

func TestDeleteUserRemovesAccountAndSessions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// A non-admin account, so the last-admin guard does not apply.
	user, err := svc.CreateUser(ctx, "admin", "hunter2hunter2", store.RoleUser)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	session, err := svc.Login(ctx, "admin", "hunter2hunter2", "", time.Hour)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := svc.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	users, err := svc.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("ListUsers() after DeleteUser = %d, want 0", len(users))
	}
	if _, err := svc.Authenticate(ctx, session.ID); err != ErrInvalidCredentials {
		t.Fatalf("Authenticate with deleted user's session = %v, want ErrInvalidCredentials", err)
	}
}

func TestDeleteUserRejectsLastAdmin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	admin, err := svc.CreateUser(ctx, "admin", "hunter2hunter2", store.RoleAdmin)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := svc.DeleteUser(ctx, admin.ID); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("DeleteUser(sole admin) = %v, want ErrLastAdmin", err)
	}

	users, err := svc.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("ListUsers() after rejected delete = %d, want 1", len(users))
	}
}

func TestDeleteUserAllowsAdminWhenAnotherRemains(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateUser(ctx, "admin1", "hunter2hunter2", store.RoleAdmin)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := svc.CreateUser(ctx, "admin2", "hunter2hunter2", store.RoleAdmin); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := svc.DeleteUser(ctx, first.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	users, err := svc.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 || users[0].Username != "admin2" {
		t.Fatalf("ListUsers() after delete = %+v, want only admin2", users)
	}
}

func TestDeleteUserAllowsNonAdminEvenAsLastAccount(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, "zeke", "hunter2hunter2", store.RoleUser)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := svc.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("DeleteUser(last non-admin) = %v, want nil", err)
	}
}

func TestHasAnyUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	has, err := svc.HasAnyUser(ctx)
	if err != nil {
		t.Fatalf("HasAnyUser: %v", err)
	}
	if has {
		t.Fatal("expected no users on a fresh database")
	}

	if _, err := svc.CreateUser(ctx, "admin", "hunter2hunter2", store.RoleAdmin); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	has, err = svc.HasAnyUser(ctx)
	if err != nil {
		t.Fatalf("HasAnyUser: %v", err)
	}
	if !has {
		t.Fatal("expected HasAnyUser to be true after CreateUser")
	}
}
