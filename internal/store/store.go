// internal/store/store.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Keys of the persisted state.
const (
	KeyAuthToken      = "auth.token"
	KeyAuthExpiresAt  = "auth.expires_at"
	KeyPendingSession = "session.pending"
	KeyActiveSession  = "session.active"
)

// ErrNotFound is returned when a key has never been set or was deleted.
var ErrNotFound = errors.New("key not found")

// Token is the stored backend credential. A zero ExpiresAt means the stored
// expiry is unknown.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Store keeps the host's local state in a SQLite key/value table.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-process database.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	s, err := New(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and ensures the schema exists.
func New(ctx context.Context, db *sql.DB, logger *zap.Logger) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}
	s := &Store{db: db, log: logger.Named("store")}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS kv (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL,
        updated_at DATETIME NOT NULL
    );`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	query := `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	s.log.Debug("State updated.", zap.String("key", key))
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// -- Typed accessors --

// Token returns the stored credential.
func (s *Store) Token(ctx context.Context) (Token, error) {
	value, err := s.Get(ctx, KeyAuthToken)
	if err != nil {
		return Token{}, err
	}
	tok := Token{Value: value}
	raw, err := s.Get(ctx, KeyAuthExpiresAt)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return Token{}, err
	default:
		if exp, perr := time.Parse(time.RFC3339, raw); perr == nil {
			tok.ExpiresAt = exp
		} else {
			s.log.Warn("Ignoring unparseable token expiry.", zap.String("value", raw))
		}
	}
	return tok, nil
}

// SetToken stores a credential. A zero expiresAt clears the stored expiry.
func (s *Store) SetToken(ctx context.Context, tok Token) error {
	if err := s.Set(ctx, KeyAuthToken, tok.Value); err != nil {
		return err
	}
	if tok.ExpiresAt.IsZero() {
		return s.Delete(ctx, KeyAuthExpiresAt)
	}
	return s.Set(ctx, KeyAuthExpiresAt, tok.ExpiresAt.UTC().Format(time.RFC3339))
}

// ClearToken forgets the credential.
func (s *Store) ClearToken(ctx context.Context) error {
	if err := s.Delete(ctx, KeyAuthToken); err != nil {
		return err
	}
	return s.Delete(ctx, KeyAuthExpiresAt)
}

// PendingSession returns the session id a history view handed over, or "".
func (s *Store) PendingSession(ctx context.Context) (string, error) {
	return s.optional(ctx, KeyPendingSession)
}

// SetPendingSession records a session id for the chat view to hydrate.
func (s *Store) SetPendingSession(ctx context.Context, id string) error {
	return s.Set(ctx, KeyPendingSession, id)
}

// ClearPendingSession forgets the pending session id.
func (s *Store) ClearPendingSession(ctx context.Context) error {
	return s.Delete(ctx, KeyPendingSession)
}

// ActiveSession returns the session the live chat is working in, or "".
func (s *Store) ActiveSession(ctx context.Context) (string, error) {
	return s.optional(ctx, KeyActiveSession)
}

// SetActiveSession marks id as the live conversation.
func (s *Store) SetActiveSession(ctx context.Context, id string) error {
	return s.Set(ctx, KeyActiveSession, id)
}

// ClearActiveSession removes the live conversation marker.
func (s *Store) ClearActiveSession(ctx context.Context) error {
	return s.Delete(ctx, KeyActiveSession)
}

func (s *Store) optional(ctx context.Context, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}
