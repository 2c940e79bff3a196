// Package discovery advertises the accessory's pairing service on the
// local network over DNS-SD.
package discovery

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/outletlabs/hkplug/internal/accessory"
)

const (
	serviceType = "_hap._tcp"
	domain      = "local."
)

// Advertiser registers and withdraws the pairing service record.
type Advertiser struct {
	info   accessory.Info
	id     string
	port   int
	logger *slog.Logger

	mu  sync.Mutex
	srv *zeroconf.Server
}

// New builds an advertiser for the accessory. id is the stable
// accessory identifier carried in the TXT record.
func New(info accessory.Info, id string, port int, logger *slog.Logger) *Advertiser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{info: info, id: id, port: port, logger: logger}
}

// txtRecords builds the service TXT records: accessory id, model,
// category, config number, and the unpaired status flag.
func (a *Advertiser) txtRecords() []string {
	return []string{
		"id=" + a.id,
		"md=" + a.info.Model,
		fmt.Sprintf("ci=%d", a.info.Category),
		"c#=1",
		"sf=1",
		"pv=1.1",
	}
}

// Register announces the service. Registering while already registered
// replaces the announcement.
func (a *Advertiser) Register() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.srv != nil {
		a.srv.Shutdown()
		a.srv = nil
	}

	srv, err := zeroconf.Register(a.info.Name, serviceType, domain, a.port, a.txtRecords(), nil)
	if err != nil {
		return fmt.Errorf("register service: %w", err)
	}
	a.srv = srv
	a.logger.Info("pairing service advertised",
		"instance", a.info.Name, "type", serviceType, "port", a.port)
	return nil
}

// Remove withdraws the service announcement. Removing a service that
// was never registered succeeds.
func (a *Advertiser) Remove() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.srv == nil {
		a.logger.Debug("no advertised service to remove")
		return nil
	}
	a.srv.Shutdown()
	a.srv = nil
	a.logger.Info("pairing service withdrawn", "instance", a.info.Name)
	return nil
}

// Shutdown tears down the responder. The responder serves only this
// one instance, so any still-registered announcement goes with it.
func (a *Advertiser) Shutdown() error {
	return a.Remove()
}
