// Package storage implements the persistent, transactional per-user state
// that backs the clipboard exchange: users, the current clipboard entry,
// bounded history, and the per-user version counter.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors the API layer maps to specific HTTP statuses. Any other
// error returned by a Store method is an opaque store error the caller should
// log and surface as 500.
var (
	ErrUsernameTaken = errors.New("username already taken")
	ErrAuthFailed    = errors.New("invalid credentials")
	ErrEmpty         = errors.New("no clipboard entry")
	ErrInvalidInput  = errors.New("invalid input")
)

// User is a registered account. Never mutated after creation.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// ClipboardEntry is one clipboard submission for a user.
type ClipboardEntry struct {
	ID          int64     `json:"-"`
	UserID      int64     `json:"-"`
	ContentType string    `json:"content_type"`
	Content     string    `json:"content"`
	Metadata    string    `json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
	Version     int64     `json:"version"`
	ClientID    string    `json:"client_id"`
}

// Store defines the persistence contract for the clipboard exchange core.
//
// Why this exists:
// - HTTP handlers should express clipboard behavior, not SQL details.
// - Version assignment and history eviction need consistent atomic semantics
//   across every caller so the invariants in the data model hold even under
//   concurrent pastes.
// - Tests can validate protocol behavior via this abstraction.
type Store interface {
	// Init prepares schema/connection state needed before serving requests.
	Init(ctx context.Context) error

	// Close releases resources held by the storage backend.
	Close() error

	// CreateUser registers a new account. Trims and validates the username
	// (non-empty after trim) and password (length >= 4), hashes the password
	// with an adaptive KDF, and returns the new user id. Concurrent attempts
	// with the same username yield exactly one winner; the rest get
	// ErrUsernameTaken.
	CreateUser(ctx context.Context, username, password string) (int64, error)

	// VerifyCredentials checks username/password against the stored hash and
	// returns the user id on success, ErrAuthFailed otherwise. Verification
	// cost for a nonexistent username is kept close to that of an existing
	// one so the call does not leak account existence via timing.
	VerifyCredentials(ctx context.Context, username, password string) (int64, error)

	// InsertEntry atomically bumps the user's version counter (creating it
	// if absent), inserts the new entry, and evicts everything beyond the
	// configured history limit. Returns the new entry id and version.
	InsertEntry(ctx context.Context, userID int64, contentType, content, metadata, clientID string) (entryID int64, version int64, err error)

	// GetCurrent returns the entry with the greatest version for userID, or
	// ErrEmpty if the user has never pasted.
	GetCurrent(ctx context.Context, userID int64) (ClipboardEntry, error)

	// GetHistory returns up to limit entries for userID, newest first. limit
	// is clamped to [1, H].
	GetHistory(ctx context.Context, userID int64, limit int) ([]ClipboardEntry, error)

	// GetLatestVersion returns the latest known version for userID, or 0 if
	// the user has never pasted.
	GetLatestVersion(ctx context.Context, userID int64) (int64, error)
}
