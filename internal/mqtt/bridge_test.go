package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/outletlabs/hkplug/internal/accessory"
	"github.com/outletlabs/hkplug/internal/config"
	"github.com/outletlabs/hkplug/internal/kvstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBridge(t *testing.T) *Bridge {
	t.Helper()
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		TopicPrefix:     "hkplug",
		DiscoveryPrefix: "homeassistant",
	}
	info := accessory.Info{
		Name:             "Test Plug",
		Manufacturer:     "Outlet Labs",
		Model:            "OL-PLUG1",
		SerialNumber:     "OL0001",
		FirmwareRevision: "1.2.0",
		Category:         accessory.CategoryOutlet,
	}
	ids := IDs{AccessoryID: "instance-123", SetupID: "7XK9"}
	return NewBridge(cfg, info, ids, nil, testLogger())
}

func TestBridge_TopicPaths(t *testing.T) {
	b := testBridge(t)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", b.baseTopic(), "hkplug/test-plug"},
		{"availabilityTopic", b.availabilityTopic(), "hkplug/test-plug/availability"},
		{"stateTopic relay", b.stateTopic("relay"), "hkplug/test-plug/relay/state"},
		{"commandTopic relay", b.commandTopic("relay"), "hkplug/test-plug/relay/set"},
		{"discoveryTopic switch relay", b.discoveryTopic("switch", "relay"), "homeassistant/switch/test-plug/relay/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Test Plug", "test-plug"},
		{"HomeKit Plug", "homekit-plug"},
		{"plug", "plug"},
		{"Living  Room (2F)", "living-room-2f"},
		{"Désk Lamp", "d-sk-lamp"},
	}

	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBridge_DiscoveryConfigs(t *testing.T) {
	b := testBridge(t)

	defs := b.discoveryConfigs()

	expectedEntities := []string{"relay", "update", "identify", "reset_pairing", "revision", "restarts"}
	if len(defs) != len(expectedEntities) {
		t.Fatalf("got %d discovery configs, want %d", len(defs), len(expectedEntities))
	}

	entitySet := make(map[string]bool)
	for _, d := range defs {
		entitySet[d.entity] = true

		// Every payload must marshal; Start publishes them as JSON.
		data, err := json.Marshal(d.payload)
		if err != nil {
			t.Fatalf("marshal %s config: %v", d.entity, err)
		}

		var generic struct {
			UniqueID          string     `json:"unique_id"`
			AvailabilityTopic string     `json:"availability_topic"`
			Device            DeviceInfo `json:"device"`
		}
		if err := json.Unmarshal(data, &generic); err != nil {
			t.Fatalf("unmarshal %s config: %v", d.entity, err)
		}

		// Unique IDs key on the accessory ID so a pairing reset makes
		// the plug a brand-new device to controllers.
		if !strings.HasPrefix(generic.UniqueID, "instance-123_") {
			t.Errorf("%s: UniqueID = %q, should start with %q", d.entity, generic.UniqueID, "instance-123_")
		}
		if want := "hkplug/test-plug/availability"; generic.AvailabilityTopic != want {
			t.Errorf("%s: AvailabilityTopic = %q, want %q", d.entity, generic.AvailabilityTopic, want)
		}
		if len(generic.Device.Identifiers) != 1 || generic.Device.Identifiers[0] != "instance-123" {
			t.Errorf("%s: Device.Identifiers = %v, want [instance-123]", d.entity, generic.Device.Identifiers)
		}
		if generic.Device.SWVersion != "1.2.0" {
			t.Errorf("%s: Device.SWVersion = %q, want %q", d.entity, generic.Device.SWVersion, "1.2.0")
		}
	}

	for _, name := range expectedEntities {
		if !entitySet[name] {
			t.Errorf("missing discovery config for %q", name)
		}
	}
}

func TestBridge_UpdateSwitchIsConfigEntity(t *testing.T) {
	b := testBridge(t)

	for _, d := range b.discoveryConfigs() {
		if d.entity != "update" {
			continue
		}
		sw, ok := d.payload.(SwitchConfig)
		if !ok {
			t.Fatalf("update payload is %T, want SwitchConfig", d.payload)
		}
		if sw.EntityCategory != "config" {
			t.Errorf("update EntityCategory = %q, want %q", sw.EntityCategory, "config")
		}
		return
	}
	t.Fatal("no update entity in discovery configs")
}

func TestHandleMessage_Relay(t *testing.T) {
	b := testBridge(t)

	var calls []bool
	b.SetHandlers(Handlers{OnRelay: func(on bool) { calls = append(calls, on) }})

	ctx := context.Background()
	b.handleMessage(ctx, b.commandTopic("relay"), []byte("ON"))
	b.handleMessage(ctx, b.commandTopic("relay"), []byte("off"))
	b.handleMessage(ctx, b.commandTopic("relay"), []byte(" ON\n"))

	want := []bool{true, false, true}
	if len(calls) != len(want) {
		t.Fatalf("OnRelay called %d times, want %d", len(calls), len(want))
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %v, want %v", i, calls[i], want[i])
		}
	}
}

func TestHandleMessage_RelayGarbageIgnored(t *testing.T) {
	b := testBridge(t)

	called := false
	b.SetHandlers(Handlers{OnRelay: func(bool) { called = true }})

	b.handleMessage(context.Background(), b.commandTopic("relay"), []byte("TOGGLE"))

	if called {
		t.Error("OnRelay called for a non-ON/OFF payload")
	}
}

func TestHandleMessage_UpdateTrigger(t *testing.T) {
	b := testBridge(t)

	triggers := 0
	b.SetHandlers(Handlers{OnUpdateTrigger: func() { triggers++ }})

	ctx := context.Background()
	b.handleMessage(ctx, b.commandTopic("update"), []byte("OFF"))
	if triggers != 0 {
		t.Fatalf("OFF fired the update trigger %d times", triggers)
	}

	b.handleMessage(ctx, b.commandTopic("update"), []byte("ON"))
	if triggers != 1 {
		t.Errorf("ON fired the update trigger %d times, want 1", triggers)
	}
}

func TestHandleMessage_Identify(t *testing.T) {
	b := testBridge(t)

	called := 0
	b.SetHandlers(Handlers{OnIdentify: func() { called++ }})

	b.handleMessage(context.Background(), b.commandTopic("identify"), []byte("PRESS"))

	if called != 1 {
		t.Errorf("OnIdentify called %d times, want 1", called)
	}
}

func TestHandleMessage_PairingReset(t *testing.T) {
	b := testBridge(t)

	called := 0
	b.SetHandlers(Handlers{OnPairingReset: func() { called++ }})

	b.handleMessage(context.Background(), b.commandTopic("reset_pairing"), []byte("PRESS"))

	if called != 1 {
		t.Errorf("OnPairingReset called %d times, want 1", called)
	}
}

func TestHandleMessage_NoHandlersInstalled(t *testing.T) {
	b := testBridge(t)

	// Must not panic; commands without a handler are dropped.
	ctx := context.Background()
	b.handleMessage(ctx, b.commandTopic("relay"), []byte("ON"))
	b.handleMessage(ctx, b.commandTopic("update"), []byte("ON"))
	b.handleMessage(ctx, b.commandTopic("identify"), []byte("PRESS"))
	b.handleMessage(ctx, b.commandTopic("reset_pairing"), []byte("PRESS"))
}

func TestHandleMessage_UnknownTopic(t *testing.T) {
	b := testBridge(t)

	called := false
	b.SetHandlers(Handlers{
		OnRelay:         func(bool) { called = true },
		OnUpdateTrigger: func() { called = true },
		OnIdentify:      func() { called = true },
		OnPairingReset:  func() { called = true },
	})

	b.handleMessage(context.Background(), "hkplug/other-device/relay/set", []byte("ON"))

	if called {
		t.Error("handler fired for another device's topic")
	}
}

func TestParseOnOff(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"ON", true, false},
		{"on", true, false},
		{"OFF", false, false},
		{"Off", false, false},
		{"1", false, true},
		{"", false, true},
	}

	for _, tt := range tests {
		got, err := parseOnOff(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseOnOff(%q) error = nil, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseOnOff(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseOnOff(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStop_NeverStarted(t *testing.T) {
	b := testBridge(t)
	if err := b.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on never-started bridge error = %v", err)
	}
}

func testIDStore(t *testing.T) *kvstore.Store {
	t.Helper()
	store, err := kvstore.New(filepath.Join(t.TempDir(), "state.db"), testLogger())
	if err != nil {
		t.Fatalf("kvstore.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLoadOrCreateIDs_MintsAndPersists(t *testing.T) {
	store := testIDStore(t)

	ids, err := LoadOrCreateIDs(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIDs() error = %v", err)
	}
	if ids.AccessoryID == "" {
		t.Fatal("AccessoryID is empty")
	}
	if len(ids.SetupID) != 4 {
		t.Errorf("SetupID = %q, want 4 characters", ids.SetupID)
	}
	for _, r := range ids.SetupID {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			t.Errorf("SetupID %q contains invalid character %q", ids.SetupID, r)
		}
	}

	// UUIDv7 format: 8-4-4-4-12 hex digits.
	if parts := strings.Split(ids.AccessoryID, "-"); len(parts) != 5 {
		t.Errorf("AccessoryID %q does not look like a UUID", ids.AccessoryID)
	}

	stored, err := store.Get(kvstore.NamespacePairing, kvstore.KeyAccessoryID)
	if err != nil {
		t.Fatalf("Get(accessory_id) error = %v", err)
	}
	if stored != ids.AccessoryID {
		t.Errorf("stored accessory id = %q, want %q", stored, ids.AccessoryID)
	}
}

func TestLoadOrCreateIDs_StableAcrossCalls(t *testing.T) {
	store := testIDStore(t)

	first, err := LoadOrCreateIDs(store)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateIDs(store)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}

	if second.AccessoryID != first.AccessoryID {
		t.Errorf("AccessoryID changed: %q then %q", first.AccessoryID, second.AccessoryID)
	}
	if second.SetupID != first.SetupID {
		t.Errorf("SetupID changed: %q then %q", first.SetupID, second.SetupID)
	}
}

func TestResetStore_MintsNewIdentity(t *testing.T) {
	store := testIDStore(t)

	first, err := LoadOrCreateIDs(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIDs() error = %v", err)
	}

	b := testBridge(t)
	b.store = store
	if err := b.ResetStore(); err != nil {
		t.Fatalf("ResetStore() error = %v", err)
	}

	if _, err := store.Get(kvstore.NamespacePairing, kvstore.KeyAccessoryID); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("accessory id survived reset: err = %v", err)
	}

	second, err := LoadOrCreateIDs(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIDs() after reset error = %v", err)
	}
	if second.AccessoryID == first.AccessoryID {
		t.Error("accessory id unchanged after pairing store reset")
	}
}
