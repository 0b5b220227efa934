package auth

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	tmpFile, err := os.CreateTemp("", "auth_test_*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpFile.Close()

	db, err := sql.Open("sqlite3", tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("Failed to open database: %v", err)
	}

	schema := `
		CREATE TABLE users (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			unameview     TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			quota_bytes   INTEGER NOT NULL DEFAULT 0,
			storage_used  INTEGER NOT NULL DEFAULT 0,
			pubkey        TEXT NOT NULL DEFAULT '',
			is_active     BOOLEAN NOT NULL DEFAULT TRUE,
			created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		os.Remove(tmpFile.Name())
		t.Fatalf("Failed to create schema: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(tmpFile.Name())
	}

	return db, cleanup
}

func TestHashPassword(t *testing.T) {
	password := "testpassword123"

	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	if hash == "" {
		t.Error("Hash should not be empty")
	}
	if hash[:10] != "$argon2id$" {
		t.Errorf("Hash should start with $argon2id$, got: %s", hash[:10])
	}
}

func TestVerifyPassword(t *testing.T) {
	password := "testpassword123"
	wrongPassword := "wrongpassword"

	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	if !VerifyPassword(password, hash) {
		t.Error("VerifyPassword should return true for correct password")
	}
	if VerifyPassword(wrongPassword, hash) {
		t.Error("VerifyPassword should return false for wrong password")
	}
	if VerifyPassword("", hash) {
		t.Error("VerifyPassword should return false for empty password")
	}
	if VerifyPassword(password, "invalid_hash") {
		t.Error("VerifyPassword should return false for invalid hash")
	}
}

func TestValidateUsername(t *testing.T) {
	cases := []struct {
		username string
		wantErr  bool
	}{
		{"alice", false},
		{"alice@example.com", false},
		{"a.b-c+d", false},
		{"", true},
		{"@example.com", true},
		{"alice@", true},
		{"al..ice", true},
		{".alice", true},
	}
	for _, c := range cases {
		err := ValidateUsername(c.username)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateUsername(%q) error = %v, wantErr %v", c.username, err, c.wantErr)
		}
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("short"); err == nil {
		t.Error("expected error for password under 8 characters")
	}
	if err := ValidatePassword("longenoughpassword"); err != nil {
		t.Errorf("unexpected error for valid password: %v", err)
	}
}

func TestAuthenticator_Authenticate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := NewAuthenticator(db)
	ctx := context.Background()

	password := "testpass123"
	if _, err := a.CreateUser(ctx, "testuser@example.com", password, 1<<30); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	user, err := a.Authenticate(ctx, "testuser@example.com", password)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if user.Username != "testuser@example.com" {
		t.Errorf("Expected username testuser@example.com, got %s", user.Username)
	}

	if _, err := a.Authenticate(ctx, "testuser@example.com", "wrongpass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := a.Authenticate(ctx, "nonexistent@example.com", password); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticator_LookupUser(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := NewAuthenticator(db)
	ctx := context.Background()

	created, err := a.CreateUser(ctx, "john@example.com", "password123", 0)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	user, err := a.LookupUser(ctx, "john@example.com")
	if err != nil {
		t.Fatalf("LookupUser failed: %v", err)
	}
	if user.Username != "john@example.com" {
		t.Errorf("Expected username john@example.com, got %s", user.Username)
	}

	byID, err := a.LookupUserByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("LookupUserByID failed: %v", err)
	}
	if byID.ID != created.ID {
		t.Errorf("Expected id %d, got %d", created.ID, byID.ID)
	}

	if _, err := a.LookupUser(ctx, "nonexistent@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestAuthenticator_DisabledUser(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := NewAuthenticator(db)
	ctx := context.Background()

	password := "test1234"
	hash, _ := HashPassword(password)
	if _, err := db.Exec(
		"INSERT INTO users (unameview, password_hash, is_active) VALUES (?, ?, FALSE)",
		"disabled@example.com", hash,
	); err != nil {
		t.Fatalf("Failed to create disabled user: %v", err)
	}

	if _, err := a.Authenticate(ctx, "disabled@example.com", password); !errors.Is(err, ErrUserDisabled) {
		t.Errorf("Expected ErrUserDisabled, got %v", err)
	}
}

func TestAuthenticator_ValidateAddress(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := NewAuthenticator(db)
	ctx := context.Background()

	if _, err := a.CreateUser(ctx, "validuser@example.com", "password123", 0); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	valid, err := a.ValidateAddress(ctx, "validuser@example.com")
	if err != nil {
		t.Fatalf("ValidateAddress failed: %v", err)
	}
	if !valid {
		t.Error("Expected address to be valid")
	}

	valid, err = a.ValidateAddress(ctx, "unknown@example.com")
	if err != nil {
		t.Fatalf("ValidateAddress failed: %v", err)
	}
	if valid {
		t.Error("Expected address to be invalid")
	}
}

func TestAuthenticator_UpdatePassword(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := NewAuthenticator(db)
	ctx := context.Background()

	created, err := a.CreateUser(ctx, "rotate@example.com", "oldpassword1", 0)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	if err := a.UpdatePassword(ctx, created.ID, "newpassword1"); err != nil {
		t.Fatalf("UpdatePassword failed: %v", err)
	}

	if _, err := a.Authenticate(ctx, "rotate@example.com", "oldpassword1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected old password to be rejected, got %v", err)
	}
	if _, err := a.Authenticate(ctx, "rotate@example.com", "newpassword1"); err != nil {
		t.Errorf("expected new password to authenticate, got %v", err)
	}

	if err := a.UpdatePassword(ctx, 99999, "whatever1"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound for missing user, got %v", err)
	}
}

func TestAuthenticator_CreateUser_Duplicate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := NewAuthenticator(db)
	ctx := context.Background()

	if _, err := a.CreateUser(ctx, "dup@example.com", "password123", 0); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if _, err := a.CreateUser(ctx, "dup@example.com", "password123", 0); err == nil {
		t.Error("expected duplicate username to fail")
	}
}
