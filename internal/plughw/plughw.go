// Package plughw drives the plug's hardware through the Linux GPIO
// character device: the relay behind the outlet, the status LED, and
// the physical button.
//
// The drivers take the narrow line interface they need so the press
// classifier and blink routines are testable without hardware; Open
// binds them to real lines via go-gpiocdev.
package plughw

import (
	"log/slog"
	"sync"
	"time"
)

// lineSetter is the subset of a requested GPIO output line the drivers
// use. *gpiocdev.Line satisfies it.
type lineSetter interface {
	SetValue(value int) error
}

// Relay switches the outlet's load. It starts off; a power cycle must
// not energize the outlet until a controller or the button asks.
type Relay struct {
	out    lineSetter
	logger *slog.Logger

	mu sync.Mutex
	on bool
}

// NewRelay wraps an output line that is already driven low.
func NewRelay(out lineSetter, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{out: out, logger: logger}
}

// Set drives the relay to the requested state.
func (r *Relay) Set(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.out.SetValue(boolValue(on)); err != nil {
		return err
	}
	r.on = on
	r.logger.Info("relay switched", "on", on)
	return nil
}

// On reports the last successfully driven state.
func (r *Relay) On() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.on
}

// Toggle flips the relay and returns the new state.
func (r *Relay) Toggle() (bool, error) {
	r.mu.Lock()
	target := !r.on
	r.mu.Unlock()

	if err := r.Set(target); err != nil {
		return r.On(), err
	}
	return target, nil
}

const (
	identifyRounds   = 3
	identifyBlinks   = 2
	identifyBlinkGap = 100 * time.Millisecond
	identifyRoundGap = 250 * time.Millisecond
)

// LED drives the status LED.
type LED struct {
	out    lineSetter
	logger *slog.Logger
	sleep  func(time.Duration)

	mu sync.Mutex
	on bool
}

// NewLED wraps an output line that is already driven low.
func NewLED(out lineSetter, logger *slog.Logger) *LED {
	if logger == nil {
		logger = slog.Default()
	}
	return &LED{out: out, logger: logger, sleep: time.Sleep}
}

// Set drives the LED to the requested state.
func (l *LED) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.out.SetValue(boolValue(on)); err != nil {
		return err
	}
	l.on = on
	return nil
}

// Identify runs the locate-me blink pattern and restores the LED to
// the state it had when the routine began. It blocks for the duration
// of the pattern, about two seconds.
func (l *LED) Identify() {
	l.mu.Lock()
	prior := l.on
	l.mu.Unlock()

	l.logger.Info("identify requested, blinking led")
	for round := 0; round < identifyRounds; round++ {
		if round > 0 {
			l.sleep(identifyRoundGap)
		}
		for blink := 0; blink < identifyBlinks; blink++ {
			l.blink(true)
			l.sleep(identifyBlinkGap)
			l.blink(false)
			l.sleep(identifyBlinkGap)
		}
	}

	if err := l.Set(prior); err != nil {
		l.logger.Warn("led restore failed", "error", err)
	}
}

// blink drives the line without touching the remembered state, so the
// restore at the end of Identify sees the pre-pattern value.
func (l *LED) blink(on bool) {
	if err := l.out.SetValue(boolValue(on)); err != nil {
		l.logger.Warn("led write failed", "error", err)
	}
}

func boolValue(on bool) int {
	if on {
		return 1
	}
	return 0
}
