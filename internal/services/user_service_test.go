package services

import (
	"errors"
	"testing"

	"github.com/mailforge/core/internal/database/models"
)

func TestUserLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	service := NewUserService(db)

	user, err := service.CreateUser(1, "alice", "secret123", "Alice")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if user.PasswordHash == "secret123" {
		t.Fatal("password stored in plaintext")
	}
	if user.OrgID != 1 {
		t.Errorf("expected org 1, got %d", user.OrgID)
	}

	if _, err := service.CreateUser(1, "alice", "other123", "Alice II"); !errors.Is(err, ErrUserAlreadyExists) {
		t.Errorf("expected ErrUserAlreadyExists, got %v", err)
	}

	if _, err := service.CreateUser(1, "bob", "short", "Bob"); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("expected ErrPasswordTooShort, got %v", err)
	}

	verified, err := service.VerifyPassword("alice", "secret123")
	if err != nil {
		t.Fatalf("VerifyPassword failed: %v", err)
	}
	if verified.ID != user.ID {
		t.Errorf("expected user %d, got %d", user.ID, verified.ID)
	}

	if _, err := service.VerifyPassword("alice", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := service.VerifyPassword("nobody", "secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	service := NewUserService(db)

	user, err := service.CreateUser(0, "carol", "original1", "Carol")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	if err := service.ChangePassword(user.ID, "wrong", "newpass1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for wrong old password, got %v", err)
	}

	if err := service.ChangePassword(user.ID, "original1", "newpass1"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	if _, err := service.VerifyPassword("carol", "original1"); err == nil {
		t.Error("expected old password rejected")
	}
	if _, err := service.VerifyPassword("carol", "newpass1"); err != nil {
		t.Errorf("expected new password accepted, got %v", err)
	}
}

func TestResetPassword(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	service := NewUserService(db)

	user, err := service.CreateUser(0, "dave", "original1", "Dave")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	if err := service.ResetPassword(user.ID, "short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("expected ErrPasswordTooShort, got %v", err)
	}
	if err := service.ResetPassword(9999, "validpass"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}

	if err := service.ResetPassword(user.ID, "resetpass1"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if _, err := service.VerifyPassword("dave", "resetpass1"); err != nil {
		t.Errorf("expected reset password accepted, got %v", err)
	}

	var stored models.User
	db.First(&stored, user.ID)
	if stored.PasswordHash == "resetpass1" {
		t.Error("password stored in plaintext")
	}
}
