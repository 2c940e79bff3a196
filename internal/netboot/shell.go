package netboot

import (
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultPollInterval is how often ShellStation checks the interface
// for an address.
const DefaultPollInterval = 2 * time.Second

// ShellConfig configures a ShellStation. Command slices may use the
// {iface}, {ssid}, and {psk} placeholders; an empty slice makes that
// step a no-op.
type ShellConfig struct {
	Interface     string
	ConnectCmd    []string
	DisconnectCmd []string
	FlushCmd      []string
	PollInterval  time.Duration
	Logger        *slog.Logger
}

// ShellStation drives the host's wireless interface through
// distribution helper commands and watches the interface for address
// acquisition. It is the shipped Station for embedded-Linux builds.
type ShellStation struct {
	iface         string
	connectCmd    []string
	disconnectCmd []string
	flushCmd      []string
	poll          time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	creds   Credentials
	events  Events
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewShellStation builds a station from config. Interface must be set.
func NewShellStation(cfg ShellConfig) (*ShellStation, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("shell station: interface is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ShellStation{
		iface:         cfg.Interface,
		connectCmd:    cfg.ConnectCmd,
		disconnectCmd: cfg.DisconnectCmd,
		flushCmd:      cfg.FlushCmd,
		poll:          cfg.PollInterval,
		logger:        cfg.Logger,
	}, nil
}

// Init prepares the driver. The shell driver has no device state to
// set up, so this only satisfies the idempotence contract.
func (s *ShellStation) Init() error { return nil }

// Configure stores credentials for the next Connect.
func (s *ShellStation) Configure(creds Credentials) error {
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return nil
}

// Start begins the first association and the address watch loop.
func (s *ShellStation) Start(ev Events) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.events = ev
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.Connect(); err != nil {
		s.logger.Warn("initial connect failed, watch loop will retry on events", "error", err)
	}
	go s.watch()
	return nil
}

// Connect runs the connect helper with the stored credentials.
func (s *ShellStation) Connect() error {
	return s.runCmd("connect", s.connectCmd)
}

// Disconnect runs the disconnect helper.
func (s *ShellStation) Disconnect() error {
	return s.runCmd("disconnect", s.disconnectCmd)
}

// Stop halts the watch loop and event delivery.
func (s *ShellStation) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	return nil
}

// Deinit releases driver resources. Nothing to do for the shell
// driver.
func (s *ShellStation) Deinit() error { return nil }

// Release discards the interface binding. Nothing to do for the shell
// driver.
func (s *ShellStation) Release() error { return nil }

// RestoreDefaults runs the flush helper, clearing any network state
// the distribution keeps outside our store.
func (s *ShellStation) RestoreDefaults() error {
	return s.runCmd("flush", s.flushCmd)
}

// runCmd executes one helper command with placeholders expanded. An
// empty command is a configured no-op.
func (s *ShellStation) runCmd(name string, tmpl []string) error {
	if len(tmpl) == 0 {
		return nil
	}
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()

	args := expandArgs(tmpl, s.iface, creds)
	s.logger.Debug("running network helper", "helper", name, "command", args[0])

	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s helper: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// expandArgs substitutes the {iface}, {ssid}, and {psk} placeholders.
func expandArgs(tmpl []string, iface string, creds Credentials) []string {
	r := strings.NewReplacer(
		"{iface}", iface,
		"{ssid}", creds.SSID,
		"{psk}", creds.Password,
	)
	args := make([]string, len(tmpl))
	for i, a := range tmpl {
		args[i] = r.Replace(a)
	}
	return args
}

// watch polls the interface and translates address changes into
// events.
func (s *ShellStation) watch() {
	defer close(s.done)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	hadAddr := false
	for {
		addr, ok := s.ifaceAddr()
		switch {
		case ok && !hadAddr:
			hadAddr = true
			if s.events.AddrAcquired != nil {
				s.events.AddrAcquired(addr)
			}
		case !ok && hadAddr:
			hadAddr = false
			if s.events.Disconnected != nil {
				s.events.Disconnected("address lost")
			}
		}

		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// ifaceAddr returns the interface's first global unicast address.
func (s *ShellStation) ifaceAddr() (string, bool) {
	ifi, err := net.InterfaceByName(s.iface)
	if err != nil {
		return "", false
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return "", false
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		if ip.IsGlobalUnicast() {
			return ip.String(), true
		}
	}
	return "", false
}
