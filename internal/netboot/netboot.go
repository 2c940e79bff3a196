// Package netboot drives station-mode network bring-up: loading
// stored credentials, starting the station driver, and signaling
// readiness once an address is acquired. It owns reconnection policy
// (reconnect immediately, every time) but not provisioning; a device
// with no stored SSID is reported, not fixed.
package netboot

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/outletlabs/hkplug/internal/kvstore"
)

// ErrProvisioningRequired is returned by Start when no SSID has been
// stored yet. It is the expected state of an out-of-box device,
// distinct from a storage failure.
var ErrProvisioningRequired = errors.New("no stored credentials, provisioning required")

// Credentials are the station association parameters. An empty
// Password selects open authentication.
type Credentials struct {
	SSID     string
	Password string
}

// Events are the callbacks a Station delivers. Handlers run on the
// station's goroutine and must not block.
type Events struct {
	// Disconnected fires when an association is lost.
	Disconnected func(reason string)
	// AddrAcquired fires each time the interface obtains an address.
	AddrAcquired func(addr string)
}

// Station is the driver surface the bootstrap sequences. The shipped
// implementation is ShellStation; tests substitute fakes.
type Station interface {
	// Init prepares the driver. Init on an already-initialized station
	// succeeds.
	Init() error
	// Configure applies credentials for the next association.
	Configure(creds Credentials) error
	// Start powers the station, begins the first association, and
	// delivers events until Stop.
	Start(ev Events) error
	// Connect (re)starts association after a disconnect.
	Connect() error
	// Disconnect drops the current association.
	Disconnect() error
	// Stop halts the station and event delivery.
	Stop() error
	// Deinit releases driver resources.
	Deinit() error
	// Release discards the interface binding.
	Release() error
	// RestoreDefaults clears driver-level persisted network state.
	RestoreDefaults() error
}

// Bootstrap sequences a Station through credential load, start, and
// teardown.
type Bootstrap struct {
	store   *kvstore.Store
	station Station
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	onReady func()
}

// New builds a Bootstrap around the given store and station.
func New(store *kvstore.Store, station Station, logger *slog.Logger) *Bootstrap {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrap{store: store, station: station, logger: logger}
}

// Start loads stored credentials and brings the station up. onReady is
// invoked on every address acquisition. Calling Start when the station
// is already up only rebinds onReady; the driver is not touched again.
//
// Returns ErrProvisioningRequired when no SSID is stored.
func (b *Bootstrap) Start(onReady func()) error {
	b.mu.Lock()
	if b.started {
		b.onReady = onReady
		b.mu.Unlock()
		b.logger.Debug("station already started, rebinding ready callback")
		return nil
	}
	b.onReady = onReady
	b.mu.Unlock()

	ssid, err := b.store.Get(kvstore.NamespaceWiFi, kvstore.KeyWiFiSSID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return ErrProvisioningRequired
	}
	if err != nil {
		return fmt.Errorf("load ssid: %w", err)
	}

	password, err := b.store.Get(kvstore.NamespaceWiFi, kvstore.KeyWiFiPassword)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("load password: %w", err)
	}

	auth := "psk"
	if password == "" {
		auth = "open"
	}
	b.logger.Info("starting station", "ssid", ssid, "auth", auth)

	if err := b.station.Init(); err != nil {
		return fmt.Errorf("station init: %w", err)
	}
	if err := b.station.Configure(Credentials{SSID: ssid, Password: password}); err != nil {
		return fmt.Errorf("station configure: %w", err)
	}
	if err := b.station.Start(Events{
		Disconnected: b.handleDisconnect,
		AddrAcquired: b.handleAddr,
	}); err != nil {
		return fmt.Errorf("station start: %w", err)
	}

	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	return nil
}

// Started reports whether the station is up.
func (b *Bootstrap) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// Stop tears the station down: disconnect, stop, deinit, release.
// Every step runs regardless of earlier failures; the first error is
// returned. Stopping a never-started bootstrap is a no-op.
func (b *Bootstrap) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	b.onReady = nil
	b.mu.Unlock()

	var first error
	for _, step := range []struct {
		name string
		fn   func() error
	}{
		{"disconnect", b.station.Disconnect},
		{"stop", b.station.Stop},
		{"deinit", b.station.Deinit},
		{"release", b.station.Release},
	} {
		if err := step.fn(); err != nil {
			b.logger.Warn("station teardown step failed", "step", step.name, "error", err)
			if first == nil {
				first = fmt.Errorf("station %s: %w", step.name, err)
			}
		}
	}
	return first
}

// RestoreDefaults clears driver-level persisted network state. Used by
// factory reset.
func (b *Bootstrap) RestoreDefaults() error {
	return b.station.RestoreDefaults()
}

func (b *Bootstrap) handleDisconnect(reason string) {
	b.logger.Warn("station disconnected, reconnecting", "reason", reason)
	if err := b.station.Connect(); err != nil {
		b.logger.Warn("reconnect failed", "error", err)
	}
}

func (b *Bootstrap) handleAddr(addr string) {
	b.logger.Info("station address acquired", "addr", addr)
	b.mu.Lock()
	cb := b.onReady
	b.mu.Unlock()
	if cb != nil {
		cb()
	}
}
