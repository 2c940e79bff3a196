package plughw

import (
	"fmt"
	"log/slog"
	"time"

	gpiod "github.com/warthog618/go-gpiocdev"

	"github.com/outletlabs/hkplug/internal/config"
)

// buttonDebounce is applied in the kernel before edges reach the
// classifier.
const buttonDebounce = 10 * time.Millisecond

// Hardware owns the plug's requested GPIO lines.
type Hardware struct {
	chip   *gpiod.Chip
	lines  []*gpiod.Line
	button *Classifier
	logger *slog.Logger

	Relay *Relay
	LED   *LED
}

// Open requests the configured lines and wires the button to onPress.
// The relay and LED start driven low. The button is wired active-low
// with the internal pull-up, so a press is a falling edge. A zero
// button line means no button is fitted.
func Open(cfg config.GPIOConfig, onPress func(PressKind), logger *slog.Logger) (*Hardware, error) {
	if logger == nil {
		logger = slog.Default()
	}

	chip, err := gpiod.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", cfg.Chip, err)
	}
	hw := &Hardware{chip: chip, logger: logger}

	relayLine, err := chip.RequestLine(cfg.RelayLine, gpiod.AsOutput(0))
	if err != nil {
		hw.Close()
		return nil, fmt.Errorf("request relay line %d: %w", cfg.RelayLine, err)
	}
	hw.lines = append(hw.lines, relayLine)
	hw.Relay = NewRelay(relayLine, logger)

	ledLine, err := chip.RequestLine(cfg.LEDLine, gpiod.AsOutput(0))
	if err != nil {
		hw.Close()
		return nil, fmt.Errorf("request led line %d: %w", cfg.LEDLine, err)
	}
	hw.lines = append(hw.lines, ledLine)
	hw.LED = NewLED(ledLine, logger)

	if cfg.ButtonLine > 0 && onPress != nil {
		hw.button = NewClassifier(ClassifierConfig{Logger: logger}, onPress)
		btnLine, err := chip.RequestLine(cfg.ButtonLine,
			gpiod.AsInput,
			gpiod.WithPullUp,
			gpiod.WithBothEdges,
			gpiod.WithDebounce(buttonDebounce),
			gpiod.WithEventHandler(func(evt gpiod.LineEvent) {
				hw.button.Edge(evt.Type == gpiod.LineEventFallingEdge)
			}),
		)
		if err != nil {
			hw.Close()
			return nil, fmt.Errorf("request button line %d: %w", cfg.ButtonLine, err)
		}
		hw.lines = append(hw.lines, btnLine)
	}

	logger.Info("gpio lines requested",
		"chip", cfg.Chip,
		"relay_line", cfg.RelayLine,
		"led_line", cfg.LEDLine,
		"button_line", cfg.ButtonLine)
	return hw, nil
}

// Close releases all requested lines and the chip.
func (hw *Hardware) Close() error {
	if hw.button != nil {
		hw.button.Stop()
	}
	var firstErr error
	for _, line := range hw.lines {
		if err := line.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := hw.chip.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
