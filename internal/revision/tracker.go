// Package revision reconciles the firmware version this binary was
// built as with the installed-version record persisted on the device.
// The persisted record wins: after an update rolls the device onto a
// new image, the record is what tells controllers which firmware is
// actually installed, regardless of what any one binary claims.
package revision

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/outletlabs/hkplug/internal/buildinfo"
	"github.com/outletlabs/hkplug/internal/kvstore"
)

const (
	// MaxLen bounds the stored and exposed revision string, in bytes.
	MaxLen = 32
	// DefaultVersion is used when neither build metadata nor the caller
	// supplies a version.
	DefaultVersion = "0.0.1"
)

// Tracker resolves and serves the device revision.
type Tracker struct {
	store  *kvstore.Store
	logger *slog.Logger

	mu      sync.Mutex
	current string
}

// New returns an uninitialized tracker. Revision reports an empty
// string until Init runs.
func New(store *kvstore.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger}
}

// Init resolves the device revision and caches it. Build metadata is
// preferred, then the caller's fallback, then DefaultVersion; but a
// non-empty persisted record overrides all three. When no record
// exists, the resolved version is written as the new record.
//
// A record write failure is logged and absorbed; only an unexpected
// read failure is returned, and even then the tracker is left serving
// the resolved version.
func (t *Tracker) Init(fallback string) error {
	resolved := buildVersion()
	if resolved == "" {
		resolved = fallback
	}
	if resolved == "" {
		resolved = DefaultVersion
	}
	resolved = truncate(resolved)

	t.mu.Lock()
	t.current = resolved
	t.mu.Unlock()

	stored, err := t.store.Get(kvstore.NamespaceFirmware, kvstore.KeyInstalledVer)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("read installed version: %w", err)
	}

	if stored != "" {
		t.mu.Lock()
		t.current = truncate(stored)
		t.mu.Unlock()
		t.logger.Debug("firmware revision from installed record", "revision", stored)
		return nil
	}

	if err := t.store.Set(kvstore.NamespaceFirmware, kvstore.KeyInstalledVer, resolved); err != nil {
		t.logger.Warn("installed version record write failed", "error", err)
	} else {
		t.logger.Info("installed version recorded", "revision", resolved)
	}
	return nil
}

// Revision returns the cached device revision, or an empty string if
// Init has not run.
func (t *Tracker) Revision() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// RecordInstalled overwrites the installed-version record, typically
// after an update completes. The cached revision follows.
func (t *Tracker) RecordInstalled(ver string) error {
	if ver == "" {
		return fmt.Errorf("record installed version: empty version")
	}
	ver = truncate(ver)
	if err := t.store.Set(kvstore.NamespaceFirmware, kvstore.KeyInstalledVer, ver); err != nil {
		return fmt.Errorf("record installed version: %w", err)
	}
	t.mu.Lock()
	t.current = ver
	t.mu.Unlock()
	return nil
}

// buildVersion returns the stamped build version, or empty when the
// binary is unstamped ("dev" is the unstamped default, not a version).
func buildVersion() string {
	if buildinfo.Version == "" || buildinfo.Version == "dev" {
		return ""
	}
	return buildinfo.Version
}

func truncate(s string) string {
	if len(s) > MaxLen {
		return s[:MaxLen]
	}
	return s
}
