package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using an embedded SQLite database.
// It uses modernc.org/sqlite which is pure Go (no CGO).
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex // serializes writes (SQLite is single-writer)
	closeCh chan struct{}
}

// NewSQLiteStore opens or creates a SQLite database at dataDir/relay.db
// and runs schema migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "relay.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		closeCh: make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	// Start background cleanup goroutine.
	go s.cleanupLoop()

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL UNIQUE,
			authorized_at DATETIME NOT NULL,
			last_seen_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS controller_keys (
			key TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			expires_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_controller_keys_expires
			ON controller_keys(expires_at) WHERE expires_at IS NOT NULL`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// cleanupLoop periodically removes expired controller keys.
func (s *SQLiteStore) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			s.mu.Lock()
			s.db.Exec("DELETE FROM controller_keys WHERE expires_at IS NOT NULL AND expires_at < ?", now)
			s.mu.Unlock()
		}
	}
}

// --- Devices ---

func (s *SQLiteStore) DeviceRegister(_ context.Context, d DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO devices (device_id, name, token, authorized_at, last_seen_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET name = excluded.name, token = excluded.token`,
		d.DeviceID, d.Name, d.Token, d.AuthorizedAt.UTC(), d.LastSeenAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("registering device: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeviceList(_ context.Context) ([]DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT device_id, name, token, authorized_at, last_seen_at FROM devices ORDER BY authorized_at")
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []DeviceRecord
	for rows.Next() {
		var d DeviceRecord
		if err := rows.Scan(&d.DeviceID, &d.Name, &d.Token, &d.AuthorizedAt, &d.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) DeviceGet(_ context.Context, deviceID string) (*DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceQuery("SELECT device_id, name, token, authorized_at, last_seen_at FROM devices WHERE device_id = ?", deviceID)
}

func (s *SQLiteStore) DeviceGetByToken(_ context.Context, token string) (*DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceQuery("SELECT device_id, name, token, authorized_at, last_seen_at FROM devices WHERE token = ?", token)
}

func (s *SQLiteStore) deviceQuery(query string, arg any) (*DeviceRecord, error) {
	var d DeviceRecord
	err := s.db.QueryRow(query, arg).Scan(&d.DeviceID, &d.Name, &d.Token, &d.AuthorizedAt, &d.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return &d, nil
}

func (s *SQLiteStore) DeviceDelete(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM devices WHERE device_id = ?", deviceID)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %q not found", deviceID)
	}
	return nil
}

func (s *SQLiteStore) DeviceUpdateLastSeen(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE devices SET last_seen_at = ? WHERE device_id = ?", time.Now().UTC(), deviceID)
	return err
}

// --- Controller keys ---

func (s *SQLiteStore) ControllerKeyCreate(_ context.Context, k ControllerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt any
	if !k.ExpiresAt.IsZero() {
		expiresAt = k.ExpiresAt.UTC()
	}
	_, err := s.db.Exec(
		"INSERT INTO controller_keys (key, label, created_at, expires_at) VALUES (?, ?, ?, ?)",
		k.Key, k.Label, k.CreatedAt.UTC(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating controller key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ControllerKeyGet(_ context.Context, key string) (*ControllerKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var k ControllerKey
	var expiresAt sql.NullTime
	err := s.db.QueryRow(
		"SELECT key, label, created_at, expires_at FROM controller_keys WHERE key = ?", key,
	).Scan(&k.Key, &k.Label, &k.CreatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying controller key: %w", err)
	}
	if expiresAt.Valid {
		k.ExpiresAt = expiresAt.Time
		if time.Now().UTC().After(k.ExpiresAt) {
			return nil, nil
		}
	}
	return &k, nil
}

func (s *SQLiteStore) ControllerKeyDelete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM controller_keys WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("deleting controller key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("controller key not found")
	}
	return nil
}

// Close stops the cleanup loop and closes the database.
func (s *SQLiteStore) Close() error {
	close(s.closeCh)
	return s.db.Close()
}
