package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS clipboard_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	content_type TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	version INTEGER NOT NULL,
	client_id TEXT NOT NULL,
	FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_user_version
ON clipboard_entries(user_id, version DESC);

CREATE TABLE IF NOT EXISTS user_metadata (
	user_id INTEGER NOT NULL,
	key TEXT NOT NULL,
	value INTEGER NOT NULL,
	PRIMARY KEY (user_id, key),
	FOREIGN KEY(user_id) REFERENCES users(id)
);
`

const versionCounterKey = "version_counter"

// dummyHash is verified against on VerifyCredentials calls for a username
// that does not exist, so the call costs roughly the same whether or not
// the account is real.
var dummyHash = mustHash("copypasta-dummy-password")

func mustHash(password string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return string(hash)
}

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	dbWrite      *sql.DB
	dbRead       *sql.DB
	path         string
	historyLimit int
}

// OpenSQLite opens (creating if absent) a SQLite-backed Store at path,
// retaining at most historyLimit entries per user.
func OpenSQLite(path string, historyLimit int) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if historyLimit < 1 {
		historyLimit = 50
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &SQLiteStore{dbWrite: db, path: path, historyLimit: historyLimit}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.dbWrite.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.dbWrite.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.dbWrite.ExecContext(ctx, "PRAGMA synchronous = NORMAL;"); err != nil {
		return fmt.Errorf("set synchronous: %w", err)
	}
	if _, err := s.dbWrite.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.dbWrite.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	if s.dbRead == nil {
		readDB, err := sql.Open("sqlite", s.path)
		if err != nil {
			return fmt.Errorf("open read sqlite: %w", err)
		}
		readDB.SetMaxOpenConns(10)
		readDB.SetMaxIdleConns(10)
		if _, err := readDB.ExecContext(ctx, "PRAGMA query_only = ON;"); err != nil {
			return fmt.Errorf("set query only: %w", err)
		}
		if _, err := readDB.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
			return fmt.Errorf("set read busy timeout: %w", err)
		}
		if _, err := readDB.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			return fmt.Errorf("enable read foreign keys: %w", err)
		}
		s.dbRead = readDB
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	var err error
	if s.dbWrite != nil {
		err = s.dbWrite.Close()
	}
	if s.dbRead != nil {
		if closeErr := s.dbRead.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func (s *SQLiteStore) readDB() *sql.DB {
	if s.dbRead != nil {
		return s.dbRead
	}
	return s.dbWrite
}

func (s *SQLiteStore) CreateUser(ctx context.Context, username, password string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return 0, fmt.Errorf("%w: username must not be empty", ErrInvalidInput)
	}
	if len(password) < 4 {
		return 0, fmt.Errorf("%w: password must be at least 4 characters", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	result, err := s.dbWrite.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, created_at)
		VALUES (?, ?, ?)
	`, username, string(hash), time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrUsernameTaken
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("user id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) VerifyCredentials(ctx context.Context, username, password string) (int64, error) {
	username = strings.TrimSpace(username)
	row := s.readDB().QueryRowContext(ctx, `
		SELECT id, password_hash FROM users WHERE username = ?
	`, username)
	var id int64
	var hash string
	if err := row.Scan(&id, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
			return 0, ErrAuthFailed
		}
		return 0, fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return 0, ErrAuthFailed
	}
	return id, nil
}

func (s *SQLiteStore) InsertEntry(ctx context.Context, userID int64, contentType, content, metadata, clientID string) (int64, int64, error) {
	conn, err := s.dbWrite.Conn(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("get write conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return 0, 0, fmt.Errorf("begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	var current int64
	row := conn.QueryRowContext(ctx, "SELECT value FROM user_metadata WHERE user_id = ? AND key = ?", userID, versionCounterKey)
	switch err := row.Scan(&current); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	default:
		return 0, 0, fmt.Errorf("load version counter: %w", err)
	}
	newVersion := current + 1

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO user_metadata (user_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value
	`, userID, versionCounterKey, newVersion); err != nil {
		return 0, 0, fmt.Errorf("bump version counter: %w", err)
	}

	now := time.Now().Unix()
	result, err := conn.ExecContext(ctx, `
		INSERT INTO clipboard_entries (user_id, content_type, content, metadata, created_at, version, client_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, userID, contentType, content, metadata, now, newVersion, clientID)
	if err != nil {
		return 0, 0, fmt.Errorf("insert entry: %w", err)
	}
	entryID, err := result.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("entry id: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `
		DELETE FROM clipboard_entries
		WHERE user_id = ? AND version <= ?
	`, userID, newVersion-int64(s.historyLimit)); err != nil {
		return 0, 0, fmt.Errorf("evict old entries: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return 0, 0, fmt.Errorf("commit entry: %w", err)
	}
	committed = true
	return entryID, newVersion, nil
}

func (s *SQLiteStore) GetCurrent(ctx context.Context, userID int64) (ClipboardEntry, error) {
	row := s.readDB().QueryRowContext(ctx, `
		SELECT id, user_id, content_type, content, metadata, created_at, version, client_id
		FROM clipboard_entries
		WHERE user_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, userID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ClipboardEntry{}, ErrEmpty
	}
	if err != nil {
		return ClipboardEntry{}, fmt.Errorf("load current entry: %w", err)
	}
	return entry, nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, userID int64, limit int) ([]ClipboardEntry, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > s.historyLimit {
		limit = s.historyLimit
	}
	rows, err := s.readDB().QueryContext(ctx, `
		SELECT id, user_id, content_type, content, metadata, created_at, version, client_id
		FROM clipboard_entries
		WHERE user_id = ?
		ORDER BY version DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := make([]ClipboardEntry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) GetLatestVersion(ctx context.Context, userID int64) (int64, error) {
	var version sql.NullInt64
	row := s.readDB().QueryRowContext(ctx, `
		SELECT MAX(version) FROM clipboard_entries WHERE user_id = ?
	`, userID)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("load latest version: %w", err)
	}
	return version.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (ClipboardEntry, error) {
	var entry ClipboardEntry
	var createdAt int64
	if err := row.Scan(&entry.ID, &entry.UserID, &entry.ContentType, &entry.Content,
		&entry.Metadata, &createdAt, &entry.Version, &entry.ClientID); err != nil {
		return ClipboardEntry{}, err
	}
	entry.CreatedAt = time.Unix(createdAt, 0).UTC()
	return entry, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
