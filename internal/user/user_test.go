package user

import (
	"context"
	"errors"
	"testing"
)

func TestRegister_And_Authenticate(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	u, err := svc.Register(ctx, "Alice", "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if u.Username != "alice" {
		t.Errorf("username = %q, want lowercased alice", u.Username)
	}
	if u.PasswordHash == "hunter2hunter2" {
		t.Error("password stored in plaintext")
	}

	got, err := svc.Authenticate(ctx, "alice", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("authenticated wrong user: %s != %s", got.ID, u.ID)
	}
}

func TestAuthenticate_WrongPassword(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	_, _ = svc.Register(ctx, "bob", "", "correcthorse")
	_, err := svc.Authenticate(ctx, "bob", "wrongpassword")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticate_UnknownUser(t *testing.T) {
	svc := NewService(NewMemoryStore())

	_, err := svc.Authenticate(context.Background(), "ghost", "whatever1")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegister_DuplicateUsername(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "carol", "", "password123"); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	_, err := svc.Register(ctx, "Carol", "", "password456")
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestRegister_WeakPassword(t *testing.T) {
	svc := NewService(NewMemoryStore())

	_, err := svc.Register(context.Background(), "dave", "", "short")
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}
