package lifecycle

import (
	"context"

	"github.com/outletlabs/hkplug/internal/kvstore"
	"github.com/outletlabs/hkplug/internal/partition"
	"github.com/outletlabs/hkplug/internal/resetreason"
)

// otaEraseOrder is the fixed slot erase order for the factory reset. A
// label that is absent from the table is skipped.
var otaEraseOrder = []string{"ota_1", "ota_2", "ota_0"}

// RequestUpdateAndReboot reboots into the updater: it persists the
// pending-update marker, points the boot target at the factory
// partition, marks the reset reason, tears services down, and reboots.
func (m *Manager) RequestUpdateAndReboot(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setState(StateUpdatePending)
	m.logger.Info("firmware update requested")

	if err := m.store.SetUint32(kvstore.NamespaceLifecycle, kvstore.KeyDoUpdate, 1); err != nil {
		m.logger.Warn("update marker persist failed", "error", err)
	}
	m.targetFactoryAndMark(resetreason.Update)
	m.shutdown(ctx, false)
	m.rebootNow("update")
}

// ResetHomeKitAndReboot forgets all pairings but keeps device state:
// it re-affirms the running partition as the boot target, marks the
// reset reason, tears services down including the pairing store, and
// reboots.
func (m *Manager) ResetHomeKitAndReboot(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setState(StateHomeKitResetPending)
	m.logger.Info("homekit reset requested")

	m.reaffirmRunning()
	m.mark(resetreason.HomeKitReset)
	m.shutdown(ctx, true)
	m.rebootNow("homekit reset")
}

// FactoryResetAndReboot returns the device to its out-of-box state and
// reboots into the factory partition.
func (m *Manager) FactoryResetAndReboot(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factoryResetLocked(ctx)
}

func (m *Manager) factoryResetLocked(ctx context.Context) {
	m.setState(StateFactoryResetPending)
	m.logger.Info("factory reset requested")

	// The boot that follows a deliberate wipe must not count toward
	// the restart loop threshold.
	m.counter.Reset()

	m.targetFactoryAndMark(resetreason.FactoryReset)

	if m.pairing != nil {
		if err := m.pairing.ResetStore(); err != nil {
			m.logger.Warn("pairing store reset failed", "error", err)
		}
	}

	m.shutdown(ctx, false)
	m.eraseDeviceState()
	m.rebootNow("factory reset")
}

// shutdown tears down the running service stack in strict order. Every
// step is best-effort: failures log a warning and the sequence
// continues, because the device is about to reboot regardless.
func (m *Manager) shutdown(ctx context.Context, resetPairingStore bool) {
	if m.pairing != nil {
		if err := m.pairing.Stop(ctx); err != nil {
			m.logger.Warn("pairing server stop failed", "error", err)
		}
		// Let in-flight session teardown drain before the
		// advertisement disappears.
		m.sleep(drainDelay)
	}

	if m.discovery != nil {
		if err := m.discovery.Remove(); err != nil {
			m.logger.Warn("advertisement removal failed", "error", err)
		}
		if err := m.discovery.Shutdown(); err != nil {
			m.logger.Warn("discovery shutdown failed", "error", err)
		}
	}

	if resetPairingStore && m.pairing != nil {
		if err := m.pairing.ResetStore(); err != nil {
			m.logger.Warn("pairing store reset failed", "error", err)
		}
	}

	if m.provisionShutdown != nil {
		if err := m.provisionShutdown(ctx); err != nil {
			m.logger.Warn("provisioning shutdown failed", "error", err)
		}
	}

	if m.network != nil {
		if err := m.network.Stop(); err != nil {
			m.logger.Warn("network stop failed", "error", err)
		}
	}
}

// targetFactoryAndMark points the next boot at the factory partition
// and records reason in the register. Without a factory partition the
// current boot target is kept and the register is left alone, so the
// next boot comes up in the same image with no stale reason.
func (m *Manager) targetFactoryAndMark(reason resetreason.Reason) {
	if m.table == nil {
		m.logger.Warn("no partition table, keeping current boot target")
		return
	}
	p, err := m.table.Lookup(partition.KindFactory)
	if err != nil {
		m.logger.Warn("factory partition not found, keeping current boot target", "error", err)
		return
	}
	if err := m.table.SetBoot(p); err != nil {
		// The reboot proceeds with the already-configured target.
		m.logger.Error("boot target update failed", "partition", p.Label, "error", err)
	}
	m.mark(reason)
}

// reaffirmRunning re-selects the currently running partition as the
// boot target.
func (m *Manager) reaffirmRunning() {
	if m.table == nil {
		return
	}
	p, err := m.table.Running()
	if err != nil {
		m.logger.Warn("running partition unknown, keeping current boot target", "error", err)
		return
	}
	if err := m.table.SetBoot(p); err != nil {
		m.logger.Error("boot target update failed", "partition", p.Label, "error", err)
	}
}

func (m *Manager) mark(reason resetreason.Reason) {
	if err := m.register.Mark(reason); err != nil {
		m.logger.Warn("reset reason mark failed", "reason", reason.String(), "error", err)
	}
}

// eraseDeviceState removes everything a factory reset must not leave
// behind: credentials, the firmware and lifecycle namespaces, the OTA
// selector and app slots, saved network profiles, and finally the
// whole store. Steps run in fixed order and never abort the sequence.
func (m *Manager) eraseDeviceState() {
	for _, key := range []string{kvstore.KeyWiFiSSID, kvstore.KeyWiFiPassword} {
		if err := m.store.Delete(kvstore.NamespaceWiFi, key); err != nil {
			m.logger.Warn("credential delete failed", "key", key, "error", err)
		}
	}
	if err := m.store.DeleteNamespace(kvstore.NamespaceFirmware); err != nil {
		m.logger.Warn("firmware namespace clear failed", "error", err)
	}
	if err := m.store.DeleteNamespace(kvstore.NamespaceLifecycle); err != nil {
		m.logger.Warn("lifecycle namespace clear failed", "error", err)
	}

	m.erasePartitions()

	if m.network != nil {
		if err := m.network.RestoreDefaults(); err != nil {
			m.logger.Warn("network factory defaults failed", "error", err)
		}
	}

	if err := m.store.Wipe(); err != nil {
		m.logger.Warn("store wipe failed", "error", err)
	}
}

// erasePartitions erases the OTA selector in full, then the app slots
// in otaEraseOrder. Only partitions of the OTA kind are touched.
func (m *Manager) erasePartitions() {
	if m.table == nil {
		return
	}

	if sel, err := m.table.LookupLabel(partition.LabelSelector); err != nil {
		m.logger.Warn("ota selector partition not found", "error", err)
	} else if err := m.table.Erase(sel, 0, 0); err != nil {
		m.logger.Warn("ota selector erase failed", "error", err)
	}

	for _, label := range otaEraseOrder {
		p, err := m.table.LookupLabel(label)
		if err != nil {
			continue
		}
		if p.Kind != partition.KindOTA {
			m.logger.Warn("skipping non-ota partition", "label", label, "kind", p.Kind.String())
			continue
		}
		if err := m.table.Erase(p, 0, 0); err != nil {
			m.logger.Warn("ota slot erase failed", "label", label, "error", err)
		}
	}
}

// rebootNow waits out the configured delay and reboots. In production
// the Reboot call does not return.
func (m *Manager) rebootNow(cause string) {
	m.logger.Info("rebooting", "cause", cause)
	m.sleep(m.rebootDelay)
	if err := m.rebooter.Reboot(); err != nil {
		m.logger.Error("reboot failed", "error", err)
	}
}
