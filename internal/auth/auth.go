package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mailcore/imapcore/internal/metrics"
)

var (
	// ErrInvalidCredentials is returned when authentication fails
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned when a user doesn't exist
	ErrUserNotFound = errors.New("user not found")
	// ErrUserDisabled is returned when a user account is disabled
	ErrUserDisabled = errors.New("user account is disabled")
	// ErrInvalidUsername is returned when username format is invalid
	ErrInvalidUsername = errors.New("invalid username: must be 1-64 characters and valid email local part")
	// ErrInvalidPassword is returned when password doesn't meet requirements
	ErrInvalidPassword = errors.New("invalid password: must be 8-128 characters")
)

const (
	// Password constraints (following NIST SP 800-63B recommendations)
	minPasswordLength = 8
	maxPasswordLength = 128

	// Username constraints (RFC 5321 local-part)
	minUsernameLength = 1
	maxUsernameLength = 64
)

var (
	// RFC 5321 compliant local-part pattern (simplified for common use cases)
	// Allows: alphanumeric, dot, hyphen, underscore, plus
	// Does not allow: leading/trailing dots, consecutive dots
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._+-]*[a-zA-Z0-9])?$`)
)

// User represents an authenticated user. Unameview is the normalized
// lookup key shared with internal/model.User and internal/registry;
// this repo is single-tenant, so there is no domain/alias layer.
type User struct {
	ID          int64
	Username    string // unameview
	QuotaBytes  int64
	UsedBytes   int64
	IsActive    bool
	CreatedAt   time.Time
}

// Authenticator provides user authentication and lookup
type Authenticator struct {
	db *sql.DB
}

// NewAuthenticator creates a new Authenticator with the given database
func NewAuthenticator(db *sql.DB) *Authenticator {
	return &Authenticator{db: db}
}

// Authenticate validates credentials and returns user info
// Failed-login rate limiting is done by RateLimiter (ratelimit.go), which
// imapfront's Session.Login applies before calling this.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*User, error) {
	username = normalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return nil, ErrInvalidCredentials // Don't leak validation details
	}

	user, passwordHash, err := a.lookupUserWithPassword(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			metrics.RecordAuth(false)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("authentication lookup failed: %w", err)
	}

	// Check if account is disabled BEFORE validating password
	if !user.IsActive {
		metrics.RecordAuth(false)
		return nil, ErrUserDisabled
	}

	if err := ValidatePassword(password); err != nil {
		metrics.RecordAuth(false)
		return nil, ErrInvalidCredentials // Don't leak validation details
	}

	if !VerifyPassword(password, passwordHash) {
		metrics.RecordAuth(false)
		return nil, ErrInvalidCredentials
	}

	metrics.RecordAuth(true)
	return user, nil
}

// LookupUser finds a user by unameview.
func (a *Authenticator) LookupUser(ctx context.Context, username string) (*User, error) {
	user, _, err := a.lookupUserWithPassword(ctx, normalizeUsername(username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	return user, nil
}

// LookupUserByID finds a user by their ID
func (a *Authenticator) LookupUserByID(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, unameview, quota_bytes, storage_used, is_active, created_at
		FROM users WHERE id = ?
	`

	var user User
	err := a.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.QuotaBytes, &user.UsedBytes,
		&user.IsActive, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user by id %d: %w", id, err)
	}

	return &user, nil
}

// ValidateAddress checks if an address is locally deliverable, i.e.
// whether unameview resolves to an active user.
func (a *Authenticator) ValidateAddress(ctx context.Context, username string) (bool, error) {
	username = normalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return false, nil
	}

	var exists int
	err := a.db.QueryRowContext(ctx,
		"SELECT 1 FROM users WHERE unameview = ? AND is_active = TRUE",
		username,
	).Scan(&exists)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("failed to query user %s: %w", username, err)
}

// CreateUser creates a new user account with full validation.
func (a *Authenticator) CreateUser(ctx context.Context, username, password string, quotaBytes int64) (*User, error) {
	username = normalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	passwordHash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	result, err := a.db.ExecContext(ctx, `
		INSERT INTO users (unameview, password_hash, quota_bytes, is_active, created_at)
		VALUES (?, ?, ?, TRUE, CURRENT_TIMESTAMP)
	`, username, passwordHash, quotaBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", username, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return &User{
		ID:         id,
		Username:   username,
		QuotaBytes: quotaBytes,
		IsActive:   true,
	}, nil
}

// UpdatePassword updates a user's password
func (a *Authenticator) UpdatePassword(ctx context.Context, userID int64, password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}

	passwordHash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	result, err := a.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ? WHERE id = ?
	`, passwordHash, userID)
	if err != nil {
		return fmt.Errorf("failed to update password for user id %d: %w", userID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}

	return nil
}

// lookupUserWithPassword retrieves user info including password hash
func (a *Authenticator) lookupUserWithPassword(ctx context.Context, username string) (*User, string, error) {
	query := `
		SELECT id, unameview, password_hash, quota_bytes, storage_used, is_active, created_at
		FROM users WHERE unameview = ?
	`

	var user User
	var passwordHash string

	err := a.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID, &user.Username, &passwordHash, &user.QuotaBytes, &user.UsedBytes,
		&user.IsActive, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrUserNotFound
		}
		return nil, "", fmt.Errorf("failed to lookup user %s: %w", username, err)
	}

	return &user, passwordHash, nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateUsername checks if a username (unameview) is valid.
// Username must be 1-64 characters and match RFC 5321 local-part rules,
// extended to allow an "@domain" suffix since unameview stores full
// addresses for this store.
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)

	if len(username) < minUsernameLength || len(username) > maxUsernameLength {
		return ErrInvalidUsername
	}

	local := username
	if at := strings.IndexByte(username, '@'); at >= 0 {
		local = username[:at]
		domain := username[at+1:]
		if local == "" || domain == "" {
			return ErrInvalidUsername
		}
	}

	if !usernamePattern.MatchString(local) {
		return ErrInvalidUsername
	}
	if strings.Contains(local, "..") {
		return ErrInvalidUsername // Consecutive dots not allowed
	}

	return nil
}

// ValidatePassword checks if a password meets security requirements
// Password must be 8-128 characters following NIST SP 800-63B recommendations
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return ErrInvalidPassword
	}
	return nil
}
