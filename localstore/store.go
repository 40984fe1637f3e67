package localstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrNoSession  = errors.New("localstore: no stored session")
	ErrBadKey     = errors.New("localstore: token cannot be decrypted with this key")
	ErrNoSecret   = errors.New("localstore: empty secret")
	errShortNonce = errors.New("localstore: ciphertext too short")
)

// Preference keys used by the client
const (
	PrefSidebarWidth     = "sidebar_width"
	PrefTheme            = "theme"
	PrefLastConversation = "last_conversation"
)

// Session is a persisted sign-in
type Session struct {
	UserID    int64
	Username  string
	Token     string
	ExpiresAt time.Time
}

// Store keeps the auth session and UI preferences on disk. The token is
// encrypted at rest with a key derived from a caller secret.
type Store struct {
	db  *sql.DB
	key [32]byte
	now func() time.Time
}

// Open opens (and creates if needed) the store at path
func Open(path, secret string) (*Store, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, key: sha256.Sum256([]byte(secret)), now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS auth_session (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		user_id INTEGER NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		token BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) seal(plain []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

func (s *Store) open(box []byte) ([]byte, error) {
	if len(box) < 24+secretbox.Overhead {
		return nil, errShortNonce
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, &s.key)
	if !ok {
		return nil, ErrBadKey
	}
	return plain, nil
}

// SaveSession replaces the stored session
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	box, err := s.seal([]byte(sess.Token))
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO auth_session (id, user_id, username, token, expires_at) VALUES (1, ?, ?, ?, ?)`,
		sess.UserID, sess.Username, box, sess.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession returns the stored session. A missing or expired session is
// ErrNoSession.
func (s *Store) LoadSession(ctx context.Context) (Session, error) {
	var (
		sess    Session
		box     []byte
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, token, expires_at FROM auth_session WHERE id = 1`,
	).Scan(&sess.UserID, &sess.Username, &box, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	sess.ExpiresAt = time.Unix(expires, 0)
	if !sess.ExpiresAt.After(s.now()) {
		return Session{}, ErrNoSession
	}
	tok, err := s.open(box)
	if err != nil {
		return Session{}, err
	}
	sess.Token = string(tok)
	return sess, nil
}

// ClearSession forgets the stored session (sign out)
func (s *Store) ClearSession(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_session`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *Store) SetPreference(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

// Preference returns the value stored for key and whether it was set
func (s *Store) Preference(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get preference %s: %w", key, err)
	}
	return v, true, nil
}

// Preferences returns every stored preference
func (s *Store) Preferences(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM preferences`)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()

	prefs := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		prefs[k] = v
	}
	return prefs, rows.Err()
}
