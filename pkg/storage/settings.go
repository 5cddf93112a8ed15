// Package storage persists node settings in a local SQLite database.
package storage

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidSecret = errors.New("invalid cluster secret")
)

// Well-known setting keys
const (
	KeyClusterSecret  = "cluster.secret"
	KeyAdminUsername  = "admin.username"
	KeyAdminPassword  = "admin.password"
	KeyAcceptIncoming = "network.accept_incoming"
)

// ClusterSecretSize is the length of a generated cluster secret
const ClusterSecretSize = 32

// Settings is a persistent key-value store
type Settings struct {
	db *sql.DB

	// serializes generate-on-first-use of the cluster secret
	secretMu sync.Mutex
}

// Open opens or creates the settings database at path
func Open(path string) (*Settings, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Settings{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Settings) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Settings) Close() error {
	return s.db.Close()
}

// Get returns the raw value of key
func (s *Settings) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key
func (s *Settings) Set(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Delete removes key; deleting a missing key is not an error
func (s *Settings) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Keys lists all stored keys in order
func (s *Settings) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GetString returns a string value
func (s *Settings) GetString(key string) (string, error) {
	value, err := s.Get(key)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// SetString stores a string value
func (s *Settings) SetString(key, value string) error {
	return s.Set(key, []byte(value))
}

// GetBool returns a boolean value, or fallback when unset
func (s *Settings) GetBool(key string, fallback bool) (bool, error) {
	value, err := s.GetString(key)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return b, nil
}

// SetBool stores a boolean value
func (s *Settings) SetBool(key string, value bool) error {
	return s.SetString(key, strconv.FormatBool(value))
}

// ClusterSecret returns the shared cluster secret, generating and storing
// a random one on first use
func (s *Settings) ClusterSecret() ([]byte, error) {
	s.secretMu.Lock()
	defer s.secretMu.Unlock()

	secret, err := s.Get(KeyClusterSecret)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	secret = make([]byte, ClusterSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate cluster secret: %w", err)
	}
	if err := s.Set(KeyClusterSecret, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// SetClusterSecret replaces the cluster secret, e.g. to join an existing cluster
func (s *Settings) SetClusterSecret(secret []byte) error {
	if len(secret) != ClusterSecretSize {
		return fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidSecret, ClusterSecretSize, len(secret))
	}
	s.secretMu.Lock()
	defer s.secretMu.Unlock()
	return s.Set(KeyClusterSecret, secret)
}

// AdminCredentials returns the configured admin username and password
func (s *Settings) AdminCredentials() (string, string, error) {
	username, err := s.GetString(KeyAdminUsername)
	if err != nil {
		return "", "", fmt.Errorf("admin username: %w", err)
	}
	password, err := s.GetString(KeyAdminPassword)
	if err != nil {
		return "", "", fmt.Errorf("admin password: %w", err)
	}
	return username, password, nil
}

// SetAdminCredentials stores the admin username and password
func (s *Settings) SetAdminCredentials(username, password string) error {
	if username == "" {
		return errors.New("admin username must not be empty")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	stmt := `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := tx.Exec(stmt, KeyAdminUsername, []byte(username), now); err != nil {
		return fmt.Errorf("failed to store admin username: %w", err)
	}
	if _, err := tx.Exec(stmt, KeyAdminPassword, []byte(password), now); err != nil {
		return fmt.Errorf("failed to store admin password: %w", err)
	}
	return tx.Commit()
}

// AcceptIncoming returns the stored accept flag, true when unset
func (s *Settings) AcceptIncoming() (bool, error) {
	return s.GetBool(KeyAcceptIncoming, true)
}

// SetAcceptIncoming stores the accept flag
func (s *Settings) SetAcceptIncoming(accept bool) error {
	return s.SetBool(KeyAcceptIncoming, accept)
}
