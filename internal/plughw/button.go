package plughw

import (
	"log/slog"
	"sync"
	"time"
)

// PressKind classifies a completed button interaction.
type PressKind int

const (
	// PressSingle is one press and release.
	PressSingle PressKind = iota
	// PressDouble is two presses inside the double-press window.
	PressDouble
	// PressLong is a press held past the long-press threshold. It is
	// emitted while the button is still down.
	PressLong
)

func (k PressKind) String() string {
	switch k {
	case PressSingle:
		return "single"
	case PressDouble:
		return "double"
	case PressLong:
		return "long"
	default:
		return "unknown"
	}
}

const (
	// DefaultDoubleWindow is how long after a release a second press
	// still counts as a double press.
	DefaultDoubleWindow = 300 * time.Millisecond
	// DefaultLongPress is how long the button must stay down to count
	// as a long press.
	DefaultLongPress = 10 * time.Second
)

// stopper is the subset of *time.Timer the classifier uses.
type stopper interface {
	Stop() bool
}

type pressState int

const (
	stateIdle pressState = iota
	statePressed
	stateAwaitSecond
	statePressedSecond
	stateHeld
)

// ClassifierConfig tunes the press classifier. Zero durations take the
// defaults.
type ClassifierConfig struct {
	DoubleWindow time.Duration
	LongPress    time.Duration
	Logger       *slog.Logger
}

// Classifier turns a stream of debounced press/release edges into
// single, double, and long press events. Edges may arrive on any
// goroutine; the emit callback runs on whichever goroutine completed
// the classification, outside the classifier's lock.
type Classifier struct {
	cfg   ClassifierConfig
	emit  func(PressKind)
	after func(time.Duration, func()) stopper

	mu    sync.Mutex
	state pressState
	gen   uint64
	timer stopper
}

// NewClassifier builds a Classifier. The emit callback is required.
func NewClassifier(cfg ClassifierConfig, emit func(PressKind)) *Classifier {
	if emit == nil {
		panic("plughw: Classifier emit callback is required")
	}
	if cfg.DoubleWindow <= 0 {
		cfg.DoubleWindow = DefaultDoubleWindow
	}
	if cfg.LongPress <= 0 {
		cfg.LongPress = DefaultLongPress
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Classifier{
		cfg:  cfg,
		emit: emit,
		after: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Edge feeds one debounced edge. Repeated edges in the same direction
// are ignored.
func (c *Classifier) Edge(pressed bool) {
	c.mu.Lock()
	var fire *PressKind
	if pressed {
		fire = c.pressLocked()
	} else {
		fire = c.releaseLocked()
	}
	logger := c.cfg.Logger
	c.mu.Unlock()

	if fire != nil {
		logger.Debug("button press classified", "kind", fire.String())
		c.emit(*fire)
	}
}

func (c *Classifier) pressLocked() *PressKind {
	switch c.state {
	case stateIdle:
		c.state = statePressed
		c.armLocked(c.cfg.LongPress, c.longExpired)
	case stateAwaitSecond:
		c.state = statePressedSecond
		c.armLocked(c.cfg.LongPress, c.longExpired)
	}
	return nil
}

func (c *Classifier) releaseLocked() *PressKind {
	switch c.state {
	case statePressed:
		c.state = stateAwaitSecond
		c.armLocked(c.cfg.DoubleWindow, c.doubleExpired)
		return nil
	case statePressedSecond:
		c.state = stateIdle
		c.disarmLocked()
		k := PressDouble
		return &k
	case stateHeld:
		// The long press already fired; the release just rearms.
		c.state = stateIdle
		c.disarmLocked()
	}
	return nil
}

// longExpired fires when a press has been held past the threshold.
func (c *Classifier) longExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || (c.state != statePressed && c.state != statePressedSecond) {
		c.mu.Unlock()
		return
	}
	c.state = stateHeld
	c.gen++
	c.timer = nil
	logger := c.cfg.Logger
	c.mu.Unlock()

	logger.Debug("button press classified", "kind", PressLong.String())
	c.emit(PressLong)
}

// doubleExpired fires when no second press arrived in the window.
func (c *Classifier) doubleExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != stateAwaitSecond {
		c.mu.Unlock()
		return
	}
	c.state = stateIdle
	c.gen++
	c.timer = nil
	logger := c.cfg.Logger
	c.mu.Unlock()

	logger.Debug("button press classified", "kind", PressSingle.String())
	c.emit(PressSingle)
}

// armLocked replaces the pending timer. The generation guard keeps a
// stale callback that lost the Stop race from firing against a newer
// state.
func (c *Classifier) armLocked(d time.Duration, expired func(gen uint64)) {
	c.disarmLocked()
	gen := c.gen
	c.timer = c.after(d, func() { expired(gen) })
}

func (c *Classifier) disarmLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Stop cancels any pending classification.
func (c *Classifier) Stop() {
	c.mu.Lock()
	c.disarmLocked()
	c.state = stateIdle
	c.mu.Unlock()
}
