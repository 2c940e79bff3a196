// Package restart tracks consecutive unexpected restarts so boot
// storms can be detected. The count is kept in two places: the
// key-value store, which survives power loss, and the reset-reason
// record, which survives only warm reboots but is cheap to write. Each
// boot reconciles the two by taking the larger.
package restart

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/outletlabs/hkplug/internal/kvstore"
	"github.com/outletlabs/hkplug/internal/resetreason"
)

// DefaultStabilityTimeout is how long a boot must survive before the
// counter is cleared.
const DefaultStabilityTimeout = 5 * time.Second

// Config wires a Counter's collaborators.
type Config struct {
	Store    *kvstore.Store
	Register *resetreason.Register
	// Timeout is the stability window. Zero uses
	// DefaultStabilityTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Counter reconciles, increments, and clears the consecutive-restart
// count. A stability timer armed at each reconcile clears the count
// once the process has stayed up for the configured window.
type Counter struct {
	store    *kvstore.Store
	register *resetreason.Register
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	value uint32
	timer *time.Timer
}

// New builds a Counter. Store and Register are required.
func New(cfg Config) *Counter {
	if cfg.Store == nil {
		panic("restart: Config.Store is required")
	}
	if cfg.Register == nil {
		panic("restart: Config.Register is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultStabilityTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Counter{
		store:    cfg.Store,
		register: cfg.Register,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Reconcile merges the persisted count with the reset-reason record's
// mirror, increments the result for this boot, writes it back to both
// places, and arms the stability timer. It returns the new count.
//
// Storage failures degrade to the in-memory value: the count may
// rewind after a power loss, but the boot itself proceeds.
func (c *Counter) Reconcile() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	persisted, err := c.store.GetUint32(kvstore.NamespaceLifecycle, kvstore.KeyRestartCount)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		c.logger.Warn("restart count load failed, assuming zero", "error", err)
		persisted = 0
	}

	count := c.register.Count()
	if persisted > count {
		count = persisted
	}

	// Wrap to zero before the increment; the next value after
	// MaxUint32 is 1, never a stuck or truncated count.
	if count == math.MaxUint32 {
		count = 0
	}
	count++

	c.value = count
	c.persistLocked(count)
	c.armLocked()
	return count
}

// Value returns the count from the last Reconcile or Reset.
func (c *Counter) Value() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Reset zeroes the count in memory and in both storage locations. The
// factory-reset path calls this first so the reboot that follows does
// not read as another crash.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = 0
	c.persistLocked(0)
}

// Stop cancels the stability timer. Safe to call at any point,
// including before the first Reconcile.
func (c *Counter) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Counter) persistLocked(count uint32) {
	if err := c.register.SetCount(count); err != nil {
		c.logger.Warn("restart count record write failed", "error", err, "count", count)
	}
	if err := c.store.SetUint32(kvstore.NamespaceLifecycle, kvstore.KeyRestartCount, count); err != nil {
		c.logger.Warn("restart count persist failed, continuing in memory",
			"error", err, "count", count)
	}
}

func (c *Counter) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.timeout, c.onStable)
}

func (c *Counter) onStable() {
	c.logger.Info("stable uptime reached, clearing restart count",
		"window", c.timeout)
	c.Reset()
}
