// Hkplugd is the lifecycle daemon for a HomeKit-style smart plug.
//
// It owns the plug's persistent state (key-value store, boot journal),
// arms restart-loop detection, drives the relay and button over GPIO,
// brings the wireless station up from stored credentials, advertises
// the accessory over DNS-SD, and bridges pairing and control onto MQTT.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	hkplugd serve                Run the daemon
//	hkplugd init [dir]           Initialize a state directory with defaults
//	hkplugd provision -ssid X    Store wireless credentials
//	hkplugd setup-qr [file.png]  Print the pairing payload and QR code
//	hkplugd version              Print version and build information
//	hkplugd -o json version      Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/outletlabs/hkplug/internal/accessory"
	"github.com/outletlabs/hkplug/internal/bootjournal"
	"github.com/outletlabs/hkplug/internal/buildinfo"
	"github.com/outletlabs/hkplug/internal/config"
	"github.com/outletlabs/hkplug/internal/discovery"
	"github.com/outletlabs/hkplug/internal/kvstore"
	"github.com/outletlabs/hkplug/internal/lifecycle"
	"github.com/outletlabs/hkplug/internal/mqtt"
	"github.com/outletlabs/hkplug/internal/netboot"
	"github.com/outletlabs/hkplug/internal/partition"
	"github.com/outletlabs/hkplug/internal/plughw"
	"github.com/outletlabs/hkplug/internal/resetreason"
	"github.com/outletlabs/hkplug/internal/restart"
	"github.com/outletlabs/hkplug/internal/revision"
	"github.com/outletlabs/hkplug/internal/setupinfo"
	"github.com/outletlabs/hkplug/internal/updatefeed"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the hkplugd command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the daemon and its background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:], the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "provision":
		return runProvision(stdout, configPath, cmdArgs)
	case "setup-qr":
		return runSetupQR(stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// hkplugd is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "hkplugd - HomeKit smart plug lifecycle daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hkplugd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                Run the daemon")
	fmt.Fprintln(w, "  init [dir]           Initialize a state directory with defaults (default: .)")
	fmt.Fprintln(w, "  provision            Store wireless credentials (-ssid, -password, -clear)")
	fmt.Fprintln(w, "  setup-qr [file.png]  Print the pairing payload; optionally write a QR PNG")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./hkplugd.yaml, ~/.config/hkplug/hkplugd.yaml, /etc/hkplug/hkplugd.yaml")
	return nil
}

// runServe starts the daemon. This is hkplugd's primary operating mode:
// loads config, opens the state store, settles the restart accounting
// for this boot, and brings up hardware, network, discovery, and the
// MQTT bridge, then blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT bridge publishes offline and disconnects
//  3. The DNS-SD responder and the wireless station stop
//  4. GPIO lines, the restart counter, and databases close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting hkplugd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner and config load message; everything after this point uses
	// the configured level and format.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// ParseLogLevel is already validated by loadConfig, so this
			// error path should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"device", cfg.Device.Name,
		"state_dir", cfg.StateDir,
	)

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- State directory ---
	// Holds the setup QR render and anything else the daemon writes
	// outside the databases. The store and journal paths get their
	// parent directories created as the files are opened below.
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", cfg.StateDir, err)
	}

	// --- Key-value store ---
	// SQLite-backed namespaced storage. Every other component persists
	// through it, so a store that cannot open is fatal.
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	store, err := kvstore.New(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("open state store %s: %w", cfg.Store.Path, err)
	}
	defer store.Close()
	logger.Info("state store opened", "path", cfg.Store.Path)

	// --- Reset reason ---
	// The reason register lives on storage that survives a reboot but
	// not a power cycle, so a missing parent directory is normal on the
	// first boot after power-on.
	if err := os.MkdirAll(filepath.Dir(cfg.Lifecycle.ReasonFile), 0755); err != nil {
		logger.Warn("reason file directory unavailable", "error", err)
	}
	register := resetreason.New(cfg.Lifecycle.ReasonFile)

	// --- Restart counter ---
	counter := restart.New(restart.Config{
		Store:    store,
		Register: register,
		Timeout:  cfg.Lifecycle.StabilityTimeout(),
		Logger:   logger,
	})
	defer counter.Stop()

	// --- Boot slots ---
	var slots partition.Table
	if cfg.Partitions.Dir != "" {
		if err := os.MkdirAll(cfg.Partitions.Dir, 0755); err != nil {
			return fmt.Errorf("create slot directory %s: %w", cfg.Partitions.Dir, err)
		}
		slots = partition.NewFileTable(cfg.Partitions.Dir, logger)
	} else {
		logger.Info("boot slot control disabled (no partitions.dir)")
	}

	// --- Boot journal ---
	// Best-effort diagnostics on a separate database file. A journal
	// that cannot open must not keep the plug from running.
	var journal *bootjournal.Store
	if cfg.Store.JournalPath != "" {
		journalDB, err := sql.Open("sqlite3", cfg.Store.JournalPath)
		if err != nil {
			logger.Warn("boot journal unavailable", "path", cfg.Store.JournalPath, "error", err)
		} else {
			defer journalDB.Close()
			journal, err = bootjournal.NewStore(journalDB)
			if err != nil {
				logger.Warn("boot journal unavailable", "path", cfg.Store.JournalPath, "error", err)
				journal = nil
			}
		}
	}

	// --- Firmware revision ---
	tracker := revision.New(store, logger)
	if err := tracker.Init(""); err != nil {
		return fmt.Errorf("resolve firmware revision: %w", err)
	}
	logger.Info("firmware revision resolved", "revision", tracker.Revision())

	// --- Accessory identity ---
	ids, err := mqtt.LoadOrCreateIDs(store)
	if err != nil {
		return fmt.Errorf("load accessory identity: %w", err)
	}
	info := accessory.Info{
		Name:             cfg.Device.Name,
		Manufacturer:     cfg.Device.Manufacturer,
		Model:            cfg.Device.Model,
		SerialNumber:     cfg.Device.SerialNumber,
		FirmwareRevision: tracker.Revision(),
		Category:         accessory.CategoryOutlet,
	}

	// --- Wireless station ---
	station, err := netboot.NewShellStation(netboot.ShellConfig{
		Interface:     cfg.Network.Interface,
		ConnectCmd:    cfg.Network.ConnectCmd,
		DisconnectCmd: cfg.Network.DisconnectCmd,
		FlushCmd:      cfg.Network.FlushCmd,
		PollInterval:  cfg.Network.PollInterval(),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("configure wireless station: %w", err)
	}
	bootstrap := netboot.New(store, station, logger)

	// --- MQTT bridge ---
	// The pairing surface. Without a broker the plug still runs its
	// lifecycle duties; it just has no remote controller.
	var bridge *mqtt.Bridge
	if cfg.MQTT.Configured() {
		bridge = mqtt.NewBridge(cfg.MQTT, info, ids, store, logger)
		logger.Info("mqtt bridge enabled", "broker", cfg.MQTT.Broker)
	} else {
		logger.Info("mqtt bridge disabled (not configured)")
	}

	// --- DNS-SD advertisement ---
	var adv *discovery.Advertiser
	if cfg.Discovery.Enabled {
		adv = discovery.New(info, ids.AccessoryID, cfg.Discovery.Port, logger)
	}

	// --- Lifecycle orchestrator ---
	var rebooter lifecycle.Rebooter = lifecycle.SysRebooter{}
	if len(cfg.Lifecycle.RebootCommand) > 0 {
		rebooter = lifecycle.ExecRebooter{Cmd: cfg.Lifecycle.RebootCommand}
	}

	lcfg := lifecycle.Config{
		Store:            store,
		Register:         register,
		Counter:          counter,
		Partitions:       slots,
		Network:          bootstrap,
		Journal:          journal,
		Rebooter:         rebooter,
		RestartThreshold: cfg.Lifecycle.RestartThreshold,
		RebootDelay:      cfg.Lifecycle.RebootDelay(),
		Revision:         tracker.Revision,
		Logger:           logger,
	}
	// Assign the optional collaborators only when they exist so the
	// orchestrator sees untyped nils for the absent ones.
	if bridge != nil {
		lcfg.Pairing = bridge
	}
	if adv != nil {
		lcfg.Discovery = adv
	}
	mgr := lifecycle.New(lcfg)

	// --- Post-reset accounting ---
	// Runs before any service starts: reconciles the restart counter,
	// resolves the recorded reset reason, journals the boot, and, when
	// a restart storm is detected, factory resets instead of starting.
	mgr.LogPostResetState(ctx)

	// --- Plug hardware ---
	var hw *plughw.Hardware
	if cfg.GPIO.Enabled {
		onPress := func(kind plughw.PressKind) {
			switch kind {
			case plughw.PressSingle:
				if hw == nil {
					return
				}
				on, err := hw.Relay.Toggle()
				if err != nil {
					logger.Error("relay toggle failed", "error", err)
					return
				}
				if bridge != nil {
					bridge.SetRelayState(ctx, on)
				}
			case plughw.PressLong:
				// Runs on the GPIO event goroutine; the transition
				// blocks through erase and reboot.
				go mgr.FactoryResetAndReboot(context.Background())
			}
		}
		hw, err = plughw.Open(cfg.GPIO, onPress, logger)
		if err != nil {
			return fmt.Errorf("open plug hardware: %w", err)
		}
		logger.Info("plug hardware ready", "chip", cfg.GPIO.Chip, "relay", cfg.GPIO.RelayLine)
	} else {
		logger.Info("gpio disabled, running headless")
	}

	// --- Pairing bridge wiring ---
	if bridge != nil {
		bridge.SetRestartCount(counter.Value())
		bridge.SetHandlers(mqtt.Handlers{
			OnRelay: func(on bool) {
				if hw != nil {
					if err := hw.Relay.Set(on); err != nil {
						logger.Error("relay switch failed", "error", err)
						return
					}
				}
				bridge.SetRelayState(ctx, on)
			},
			OnUpdateTrigger: func() {
				go mgr.RequestUpdateAndReboot(context.Background())
			},
			OnPairingReset: func() {
				go mgr.ResetHomeKitAndReboot(context.Background())
			},
			OnIdentify: func() {
				if hw != nil {
					hw.LED.Identify()
					return
				}
				logger.Info("identify requested")
			},
		})
	}

	// --- Pairing setup payload ---
	if cfg.Device.SetupCode != "" {
		payload, err := setupinfo.Payload(cfg.Device.SetupCode, ids.SetupID, accessory.CategoryOutlet)
		if err != nil {
			return fmt.Errorf("setup payload: %w", err)
		}
		digits, _ := setupinfo.NormalizeCode(cfg.Device.SetupCode)
		logger.Info("pairing setup payload", "payload", payload, "code", setupinfo.FormatCode(digits))
		qrPath := filepath.Join(cfg.StateDir, "setup-qr.png")
		if err := setupinfo.WriteQR(payload, qrPath); err != nil {
			logger.Warn("setup QR render failed", "path", qrPath, "error", err)
		} else {
			logger.Info("setup QR written", "path", qrPath)
		}
	}

	// --- Update feed ---
	var feed *updatefeed.Feed
	if cfg.Update.Configured() {
		feed, err = updatefeed.New(cfg.Update.Repo, cfg.Update.Token, logger)
		if err != nil {
			return fmt.Errorf("configure update feed: %w", err)
		}
		logger.Info("update feed enabled", "repo", cfg.Update.Repo, "interval", cfg.Update.Interval(), "auto", cfg.Update.Auto)
	}

	// --- Services on address acquisition ---
	// The station reports every address the interface obtains; the
	// network-facing services start once, on the first.
	var ready sync.Once
	onReady := func() {
		ready.Do(func() {
			logger.Info("network up, starting services")
			if bridge != nil {
				go func() {
					if err := bridge.Start(ctx); err != nil {
						logger.Error("mqtt bridge failed", "error", err)
						return
					}
					bridge.AwaitConnection(ctx)
				}()
			}
			if adv != nil {
				if err := adv.Register(); err != nil {
					logger.Error("dns-sd register failed", "error", err)
				}
			}
			if feed != nil {
				go updateLoop(ctx, feed, tracker, mgr, cfg.Update, logger)
			}
		})
	}

	// --- Wireless bootstrap ---
	// A station that cannot start is not fatal: the daemon's lifecycle
	// duties (restart accounting, button, factory recovery) must keep
	// running on a plug that has lost its network.
	if err := bootstrap.Start(onReady); err != nil {
		if errors.Is(err, netboot.ErrProvisioningRequired) {
			logger.Warn("no wireless credentials stored, run 'hkplugd provision'")
		} else {
			logger.Warn("wireless station start failed", "error", err)
		}
	}

	logger.Info("hkplugd running", "state", mgr.State().String())
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Publish MQTT offline status before disconnecting.
	if bridge != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := bridge.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	if adv != nil {
		if err := adv.Shutdown(); err != nil {
			logger.Warn("dns-sd shutdown failed", "error", err)
		}
	}
	if err := bootstrap.Stop(); err != nil {
		logger.Warn("station stop failed", "error", err)
	}
	if hw != nil {
		if err := hw.Close(); err != nil {
			logger.Warn("gpio close failed", "error", err)
		}
	}

	logger.Info("hkplugd stopped")
	return nil
}

// updateLoop polls the release feed until ctx is cancelled. A newer
// release is logged; with update.auto set it also reboots the plug into
// the updater, at which point the loop's work is done.
func updateLoop(ctx context.Context, feed *updatefeed.Feed, tracker *revision.Tracker, mgr *lifecycle.Manager, cfg config.UpdateConfig, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Interval())
	defer ticker.Stop()

	for {
		checkCtx, checkCancel := context.WithTimeout(ctx, 30*time.Second)
		newer, rel, err := feed.Available(checkCtx, tracker.Revision())
		checkCancel()

		var rateLimited *updatefeed.RateLimitError
		switch {
		case errors.As(err, &rateLimited):
			logger.Warn("release feed rate limited", "reset", rateLimited.ResetAt)
		case err != nil:
			logger.Warn("release feed check failed", "error", err)
		case newer:
			logger.Info("firmware update available", "version", rel.Version, "installed", tracker.Revision(), "asset", rel.Asset)
			if cfg.Auto {
				mgr.RequestUpdateAndReboot(context.Background())
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text. All log output in hkplugd goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses, and validates the YAML configuration file.
// If explicit is non-empty, that exact path is used (and must exist).
// Otherwise, [config.FindConfig] searches the default locations. Returns
// the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
