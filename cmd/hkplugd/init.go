package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/outletlabs/hkplug/internal/defaults"
)

// runInit initializes an hkplugd state directory with a default config.
// It creates the directory structure and writes the bundled example
// configuration. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing hkplugd state directory in %s\n", dir)

	// Create the base directory along with a slot image directory for
	// file-backed boot-slot setups.
	slotDir := filepath.Join(dir, "slots")
	if err := os.MkdirAll(slotDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", slotDir, err)
	}

	// The config carries broker and feed credentials, so it gets
	// restricted permissions.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, provision credentials with 'hkplugd provision',")
	fmt.Fprintf(w, "then start the daemon with: hkplugd serve -config %s\n", configPath)
	return nil
}

// writeIfMissing writes content to path with the given permissions only
// if the file does not already exist. This ensures init never overwrites
// user customizations. Each outcome is reported on w.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			fmt.Fprintf(w, "  - %s exists, skipping\n", path)
			return nil
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
