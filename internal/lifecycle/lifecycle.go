// Package lifecycle coordinates the plug's reboot-crossing state
// machine: boot-time diagnostics, restart-loop detection, firmware
// update rollover, HomeKit reset, and factory reset.
//
// Each pending state is entered by a dedicated method and always ends
// in a reboot. The pre-reboot process leaves a reason flag in the
// reset-surviving register; the post-reboot process reads and clears it
// in LogPostResetState. Everything the next boot must see is written to
// survivable storage before service teardown begins, because teardown
// and the reboot itself are best-effort.
//
// Transitions run to completion on the calling goroutine and are
// serialized; once one begins it runs to the reboot call. There is no
// cancellation: the context parameters exist for API uniformity and
// are passed through to collaborators.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/outletlabs/hkplug/internal/bootjournal"
	"github.com/outletlabs/hkplug/internal/kvstore"
	"github.com/outletlabs/hkplug/internal/partition"
	"github.com/outletlabs/hkplug/internal/resetreason"
	"github.com/outletlabs/hkplug/internal/restart"
)

const (
	// DefaultRestartThreshold is the consecutive-restart count that
	// triggers the automatic factory reset.
	DefaultRestartThreshold = 10
	// DefaultRebootDelay is the pause between the reboot log line and
	// the reboot itself, long enough for the line to reach disk or a
	// serial console.
	DefaultRebootDelay = 100 * time.Millisecond

	// drainDelay follows the pairing server stop so in-flight session
	// teardown can finish before discovery goes away.
	drainDelay = 100 * time.Millisecond
	// countdownStart is where the pre-factory-reset countdown begins.
	countdownStart = 10
)

// State is the orchestrator's lifecycle state. The zero value is
// StateRunning; every other state ends in a reboot.
type State int32

const (
	StateRunning State = iota
	StateUpdatePending
	StateHomeKitResetPending
	StateFactoryResetPending
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateUpdatePending:
		return "update-pending"
	case StateHomeKitResetPending:
		return "homekit-reset-pending"
	case StateFactoryResetPending:
		return "factory-reset-pending"
	default:
		return "unknown"
	}
}

// PairingServer is the pairing surface the transitions stop and reset.
// *mqtt.Bridge satisfies it.
type PairingServer interface {
	// Stop ends controller sessions and disconnects.
	Stop(ctx context.Context) error
	// ResetStore erases the persisted pairing state.
	ResetStore() error
}

// Advertiser is the service-discovery surface withdrawn during
// shutdown. *discovery.Advertiser satisfies it.
type Advertiser interface {
	Remove() error
	Shutdown() error
}

// Network is the station bootstrap torn down before reboot.
// *netboot.Bootstrap satisfies it.
type Network interface {
	Stop() error
	RestoreDefaults() error
}

// Rebooter restarts the device. It is the last call a transition
// makes.
type Rebooter interface {
	Reboot() error
}

// Config wires a Manager. Store, Register, Counter, and Rebooter are
// required; every other collaborator may be nil and its steps are
// skipped.
type Config struct {
	Store    *kvstore.Store
	Register *resetreason.Register
	Counter  *restart.Counter

	// Partitions selects and erases boot media. Nil means boot-target
	// changes and slot erases are skipped with a warning.
	Partitions partition.Table

	Pairing   PairingServer
	Discovery Advertiser
	Network   Network

	// Journal receives one row per boot when attached.
	Journal *bootjournal.Store

	Rebooter Rebooter

	// ProvisionShutdown is invoked during teardown when a provisioning
	// surface is active. Absence is normal.
	ProvisionShutdown func(ctx context.Context) error

	// RestartThreshold overrides DefaultRestartThreshold when nonzero.
	RestartThreshold uint32
	// RebootDelay overrides DefaultRebootDelay when positive.
	RebootDelay time.Duration

	// Sleep is replaced in tests. Defaults to time.Sleep.
	Sleep func(time.Duration)

	// Revision supplies the firmware revision for boot journal rows.
	Revision func() string

	Logger *slog.Logger
}

// Manager owns the lifecycle transitions.
type Manager struct {
	store             *kvstore.Store
	register          *resetreason.Register
	counter           *restart.Counter
	table             partition.Table
	pairing           PairingServer
	discovery         Advertiser
	network           Network
	journal           *bootjournal.Store
	rebooter          Rebooter
	provisionShutdown func(ctx context.Context) error
	threshold         uint32
	rebootDelay       time.Duration
	sleep             func(time.Duration)
	revision          func() string
	logger            *slog.Logger

	// mu serializes transitions end to end.
	mu    sync.Mutex
	state atomic.Int32
}

// New builds a Manager.
func New(cfg Config) *Manager {
	if cfg.Store == nil {
		panic("lifecycle: Config.Store is required")
	}
	if cfg.Register == nil {
		panic("lifecycle: Config.Register is required")
	}
	if cfg.Counter == nil {
		panic("lifecycle: Config.Counter is required")
	}
	if cfg.Rebooter == nil {
		panic("lifecycle: Config.Rebooter is required")
	}
	if cfg.RestartThreshold == 0 {
		cfg.RestartThreshold = DefaultRestartThreshold
	}
	if cfg.RebootDelay <= 0 {
		cfg.RebootDelay = DefaultRebootDelay
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		store:             cfg.Store,
		register:          cfg.Register,
		counter:           cfg.Counter,
		table:             cfg.Partitions,
		pairing:           cfg.Pairing,
		discovery:         cfg.Discovery,
		network:           cfg.Network,
		journal:           cfg.Journal,
		rebooter:          cfg.Rebooter,
		provisionShutdown: cfg.ProvisionShutdown,
		threshold:         cfg.RestartThreshold,
		rebootDelay:       cfg.RebootDelay,
		sleep:             cfg.Sleep,
		revision:          cfg.Revision,
		logger:            cfg.Logger,
	}
}

// State reports the current lifecycle state. Safe to call while a
// transition is in flight.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// LogPostResetState is the boot entry point. It reconciles the restart
// counter, and either trips the restart-loop protection (countdown,
// counter reset, full factory sequence; nothing else runs afterwards)
// or logs the reason the previous process left in the register, clears
// it, and journals the boot.
//
// Call it before any other component starts so a crash loop is caught
// as early as possible.
func (m *Manager) LogPostResetState(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.counter.Reconcile()
	if count >= m.threshold {
		m.logger.Error("restart loop detected",
			"consecutive_restart_count", count,
			"threshold", m.threshold)
		m.countdown()
		m.counter.Reset()
		m.factoryResetLocked(ctx)
		return
	}

	reason := m.register.Peek()
	m.logger.Info("post reset state",
		"post_reset_flag", reason.String(),
		"consecutive_restart_count", count)
	if err := m.register.Clear(); err != nil {
		m.logger.Warn("reset reason clear failed", "error", err)
	}
	m.journalBoot(reason, count)
}

// countdown gives whoever is watching the console a last chance to
// pull power before the device wipes itself.
func (m *Manager) countdown() {
	for i := countdownStart; i >= 0; i-- {
		m.logger.Warn("factory reset imminent", "seconds", i)
		if i > 0 {
			m.sleep(time.Second)
		}
	}
}

func (m *Manager) journalBoot(reason resetreason.Reason, count uint32) {
	if m.journal == nil {
		return
	}
	var rev string
	if m.revision != nil {
		rev = m.revision()
	}
	entry := bootjournal.Entry{
		Reason:       reason.String(),
		RestartCount: count,
		Revision:     rev,
	}
	if _, err := m.journal.Record(entry); err != nil {
		m.logger.Warn("boot journal write failed", "error", err)
	}
}
