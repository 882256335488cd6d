// Package config is the daemon's hot-reloadable configuration store: a
// single SQLite table of key/value settings, polled for version bumps so
// in-process watchers can react to an operator editing the database live.
package config

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const pollInterval = 1 * time.Second

// Defaults seeded on first run. Every key the daemon reads has an entry
// here so a fresh database always has a usable configuration.
var Defaults = map[string]string{
	"pds_url":                 "https://bsky.social",
	"did":                     "",
	"access_token":            "",
	"solver_binary_path":      "souffle",
	"facts_dir":               "",
	"query_timeout_seconds":   "30",
	"trigger_cycle_seconds":   "10",
	"max_actions_per_trigger": "50",
	"store_backend":           "http",
	"sqlite_store_path":       "",
}

// Store is a hot-reloadable key/value configuration table. Writers call
// Set; readers call Get; long-lived components call Watch to learn when
// any key changed, the same poll-for-a-version-bump idiom the daemon's SQL
// engine already uses for its own config table.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	version int64

	watchMu  sync.Mutex
	watchers []func()

	cancel context.CancelFunc
}

// Open creates (or attaches to) a configuration database at path, seeds any
// missing default keys, and starts the background poller. Pass "" for an
// in-memory store (tests, one-shot tools).
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping config store: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS config (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER DEFAULT (strftime('%s', 'now')),
			version    INTEGER DEFAULT 1
		);

		CREATE TRIGGER IF NOT EXISTS config_version_bump
		AFTER UPDATE ON config
		BEGIN
			UPDATE config SET version = version + 1, updated_at = strftime('%s', 'now') WHERE key = NEW.key;
		END;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init config schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.seedDefaults(); err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.poll(ctx)

	return s, nil
}

func (s *Store) seedDefaults() error {
	for key, value := range Defaults {
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO config (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("seed default %s: %w", key, err)
		}
	}
	return nil
}

// Close stops the poller and closes the underlying database.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.db.Close()
}

// Get returns a config value, or "" if the key has never been set.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}

// GetInt parses a config value as an integer, falling back to def if the
// key is unset or unparsable.
func (s *Store) GetInt(key string, def int) int {
	value, err := s.Get(key)
	if err != nil || value == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return def
	}
	return n
}

// GetBool parses a config value as a boolean, falling back to def.
func (s *Store) GetBool(key string, def bool) bool {
	value, err := s.Get(key)
	if err != nil || value == "" {
		return def
	}
	return value == "true" || value == "1"
}

// Set writes a config value, bumping its version and waking the poller's
// next tick into notifying watchers.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = strftime('%s', 'now'), version = version + 1
	`, key, value)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// Watch registers fn to run (in its own goroutine) whenever any config key
// changes, whether via Set or an operator editing the database directly.
func (s *Store) Watch(fn func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.watchers = append(s.watchers, fn)
}

func (s *Store) poll(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var maxVersion int64
			if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM config`).Scan(&maxVersion); err != nil {
				continue
			}
			s.mu.Lock()
			changed := maxVersion > s.version
			s.version = maxVersion
			s.mu.Unlock()
			if changed {
				s.notifyWatchers()
			}
		}
	}
}

func (s *Store) notifyWatchers() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, fn := range s.watchers {
		go fn()
	}
}
