// Package kvstore is the namespaced key-value store backing all
// persistent device state: network credentials, lifecycle counters,
// firmware configuration, and pairing identity. It wraps a single
// SQLite database file and recovers from a corrupt file by erasing and
// reinitializing it, once per open.
package kvstore

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Namespaces and keys shared across the daemon. Collected here so the
// factory-reset path and the components that write them cannot drift.
const (
	NamespaceWiFi      = "wifi_cfg"
	NamespaceLifecycle = "lcm"
	NamespaceFirmware  = "fwcfg"
	NamespacePairing   = "pairing"

	KeyWiFiSSID     = "wifi_ssid"
	KeyWiFiPassword = "wifi_password"
	KeyRestartCount = "restart_count"
	KeyDoUpdate     = "do_update"
	KeyInstalledVer = "installed_ver"
	KeyAccessoryID  = "accessory_id"
	KeySetupID      = "setup_id"
)

// ErrNotFound is returned by Get when the namespace/key pair has no
// stored value. Callers for whom a missing key is meaningful (the
// provisioning check, the firmware revision tracker) test for it with
// errors.Is.
var ErrNotFound = errors.New("key not found")

// Store is a namespaced key-value store backed by a single SQLite
// database file.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// New opens (creating if necessary) the store at path. A database file
// that cannot be opened or migrated is treated as corrupt: it is
// removed along with its WAL and SHM siblings and recreated, once. A
// second failure is returned to the caller; nothing else in the daemon
// can run without its store.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}

	if err := s.open(); err != nil {
		logger.Warn("store open failed, erasing and reinitializing",
			"path", path, "error", err)
		if rerr := s.erase(); rerr != nil {
			return nil, fmt.Errorf("erase after failed open: %w", rerr)
		}
		if rerr := s.open(); rerr != nil {
			return nil, fmt.Errorf("reopen after erase: %w", rerr)
		}
		logger.Info("store reinitialized", "path", path)
	}
	return s, nil
}

func (s *Store) open() error {
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	s.db = db
	return nil
}

// erase closes the handle and removes the database file and its
// journal siblings. Missing files are not an error.
func (s *Store) erase() error {
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS device_state (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		)
	`)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves a value. Returns ErrNotFound if the key has no stored
// value.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM device_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set stores a value, replacing any existing value for the key.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO device_state (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, namespace, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// GetUint32 retrieves a value stored by SetUint32.
func (s *Store) GetUint32(namespace, key string) (uint32, error) {
	raw, err := s.Get(namespace, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("get %s/%s: parse %q: %w", namespace, key, raw, err)
	}
	return uint32(n), nil
}

// SetUint32 stores an unsigned counter value.
func (s *Store) SetUint32(namespace, key string, value uint32) error {
	return s.Set(namespace, key, strconv.FormatUint(uint64(value), 10))
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM device_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace removes every key in a namespace.
func (s *Store) DeleteNamespace(namespace string) error {
	_, err := s.db.Exec(
		`DELETE FROM device_state WHERE namespace = ?`,
		namespace,
	)
	if err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return nil
}

// List returns all keys and values in a namespace. The map is non-nil
// even when the namespace is empty.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM device_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("list %s: %w", namespace, err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	return out, nil
}

// Wipe erases the database file entirely and reinitializes an empty
// store on the same path. The receiver remains usable afterwards.
func (s *Store) Wipe() error {
	if err := s.erase(); err != nil {
		return fmt.Errorf("wipe: %w", err)
	}
	if err := s.open(); err != nil {
		return fmt.Errorf("wipe: %w", err)
	}
	s.logger.Info("store wiped", "path", s.path)
	return nil
}
