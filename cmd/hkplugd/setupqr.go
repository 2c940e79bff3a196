package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/outletlabs/hkplug/internal/accessory"
	"github.com/outletlabs/hkplug/internal/kvstore"
	"github.com/outletlabs/hkplug/internal/mqtt"
	"github.com/outletlabs/hkplug/internal/setupinfo"
)

// runSetupQR prints the pairing payload, the formatted setup code, and
// a terminal QR render for the configured device. With a file argument
// it also writes the QR as a PNG. The setup ID comes from the same
// store the daemon uses, so the printed payload matches what a running
// daemon advertises.
func runSetupQR(w io.Writer, configPath string, args []string) error {
	// The QR art is the primary output; keep log chatter down to
	// warnings so the render stays scannable.
	logger := newLogger(w, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Device.SetupCode == "" {
		return fmt.Errorf("no device.setup_code configured")
	}

	store, err := kvstore.New(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("open state store %s: %w", cfg.Store.Path, err)
	}
	defer store.Close()

	ids, err := mqtt.LoadOrCreateIDs(store)
	if err != nil {
		return fmt.Errorf("load accessory identity: %w", err)
	}

	payload, err := setupinfo.Payload(cfg.Device.SetupCode, ids.SetupID, accessory.CategoryOutlet)
	if err != nil {
		return err
	}
	art, err := setupinfo.Terminal(payload)
	if err != nil {
		return err
	}

	fmt.Fprint(w, art)
	fmt.Fprintln(w)

	digits, _ := setupinfo.NormalizeCode(cfg.Device.SetupCode)
	fmt.Fprintf(w, "Setup code: %s\n", setupinfo.FormatCode(digits))
	fmt.Fprintf(w, "Payload:    %s\n", payload)

	if len(args) > 0 {
		if err := setupinfo.WriteQR(payload, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(w, "  ✓ %s\n", args[0])
	}
	return nil
}
