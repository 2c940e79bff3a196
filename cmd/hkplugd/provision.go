package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/outletlabs/hkplug/internal/kvstore"
)

const provisionUsage = "usage: hkplugd provision -ssid <name> [-password <psk>] | -clear"

// runProvision stores or clears the wireless credentials the daemon
// associates with at boot. It writes the same store the daemon reads,
// so it is meant for first-boot provisioning from a serial console or
// a recovery shell while the daemon is stopped.
func runProvision(w io.Writer, configPath string, args []string) error {
	var ssid, password string
	var clear bool

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-ssid" && i+1 < len(args):
			ssid = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-ssid="):
			ssid = strings.TrimPrefix(args[i], "-ssid=")
		case args[i] == "-password" && i+1 < len(args):
			password = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-password="):
			password = strings.TrimPrefix(args[i], "-password=")
		case args[i] == "-clear":
			clear = true
		default:
			return fmt.Errorf("%s (got %q)", provisionUsage, args[i])
		}
	}

	if clear && ssid != "" {
		return fmt.Errorf("-clear cannot be combined with -ssid")
	}
	if !clear && ssid == "" {
		return fmt.Errorf("%s", provisionUsage)
	}

	logger := newLogger(w, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	store, err := kvstore.New(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("open state store %s: %w", cfg.Store.Path, err)
	}
	defer store.Close()

	if clear {
		for _, key := range []string{kvstore.KeyWiFiSSID, kvstore.KeyWiFiPassword} {
			if err := store.Delete(kvstore.NamespaceWiFi, key); err != nil {
				return err
			}
		}
		fmt.Fprintln(w, "Wireless credentials cleared.")
		return nil
	}

	if err := store.Set(kvstore.NamespaceWiFi, kvstore.KeyWiFiSSID, ssid); err != nil {
		return err
	}
	if err := store.Set(kvstore.NamespaceWiFi, kvstore.KeyWiFiPassword, password); err != nil {
		return err
	}

	auth := "wpa-psk"
	if password == "" {
		auth = "open"
	}
	fmt.Fprintf(w, "Wireless credentials stored for %q (%s).\n", ssid, auth)
	fmt.Fprintln(w, "Restart hkplugd to associate.")
	return nil
}
