package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/outletlabs/hkplug/internal/accessory"
	"github.com/outletlabs/hkplug/internal/config"
	"github.com/outletlabs/hkplug/internal/kvstore"
)

// Handlers are the commands a bridge can receive from controllers.
// Nil fields drop the command with a warning. Handlers run on the MQTT
// client's goroutine.
type Handlers struct {
	// OnRelay is invoked with the requested relay state.
	OnRelay func(on bool)
	// OnUpdateTrigger is invoked when the update switch is turned on.
	OnUpdateTrigger func()
	// OnIdentify is invoked for the identify button.
	OnIdentify func()
	// OnPairingReset is invoked for the reset-pairing button. The plug
	// forgets its controllers and reboots.
	OnPairingReset func()
}

// Bridge connects the accessory to an MQTT broker.
type Bridge struct {
	cfg    config.MQTTConfig
	info   accessory.Info
	ids    IDs
	store  *kvstore.Store
	logger *slog.Logger

	mu       sync.Mutex
	cm       *autopaho.ConnectionManager
	handlers Handlers
	relayOn  bool
	restarts uint32
}

// NewBridge creates a bridge. It does not connect; call Start.
func NewBridge(cfg config.MQTTConfig, info accessory.Info, ids IDs, store *kvstore.Store, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		info:   info,
		ids:    ids,
		store:  store,
		logger: logger,
	}
}

// SetHandlers installs the command handlers. Call before Start.
func (b *Bridge) SetHandlers(h Handlers) {
	b.mu.Lock()
	b.handlers = h
	b.mu.Unlock()
}

// SetRestartCount records the boot's consecutive-restart count for the
// diagnostics sensor.
func (b *Bridge) SetRestartCount(n uint32) {
	b.mu.Lock()
	b.restarts = n
	b.mu.Unlock()
}

// Start connects to the broker and maintains the connection until the
// context is canceled. The will message flips availability to offline
// if the daemon dies without a clean Stop.
func (b *Bridge) Start(ctx context.Context) error {
	u, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse broker url: %w", err)
	}

	cliCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{u},
		KeepAlive:  30,
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			b.logger.Info("mqtt connected", "broker", u.Host)
			if err := b.subscribe(ctx, cm); err != nil {
				b.logger.Warn("mqtt subscribe failed", "error", err)
			}
			if err := b.publishDiscovery(ctx, cm); err != nil {
				b.logger.Warn("mqtt discovery publish failed", "error", err)
			}
			b.publishAvailability(ctx, cm, "online")
			b.publishStates(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connect error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hkplug-" + b.slug(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if b.cfg.Username != "" {
		cliCfg.ConnectUsername = b.cfg.Username
		cliCfg.ConnectPassword = []byte(b.cfg.Password)
	}
	if u.Scheme == "mqtts" || u.Scheme == "ssl" {
		cliCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, cliCfg)
	if err != nil {
		return fmt.Errorf("mqtt connection: %w", err)
	}

	b.mu.Lock()
	b.cm = cm
	b.mu.Unlock()
	return nil
}

// AwaitConnection blocks until the broker connection is up, or logs a
// warning after 30 seconds and lets the daemon continue; the client
// keeps retrying in the background either way.
func (b *Bridge) AwaitConnection(ctx context.Context) {
	b.mu.Lock()
	cm := b.cm
	b.mu.Unlock()
	if cm == nil {
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		b.logger.Warn("mqtt broker not reachable yet, continuing", "error", err)
	}
}

// Stop publishes offline availability and disconnects. Stopping a
// never-started bridge is a no-op.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	cm := b.cm
	b.cm = nil
	b.mu.Unlock()
	if cm == nil {
		return nil
	}

	b.publishAvailability(ctx, cm, "offline")
	if err := cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	b.logger.Info("mqtt disconnected")
	return nil
}

// ResetStore erases the persisted pairing identity. The next boot
// mints a fresh accessory ID, which controllers see as a brand-new
// device.
func (b *Bridge) ResetStore() error {
	if err := b.store.DeleteNamespace(kvstore.NamespacePairing); err != nil {
		return fmt.Errorf("clear pairing state: %w", err)
	}
	b.logger.Info("pairing state cleared")
	return nil
}

// SetRelayState records the actual relay state and publishes it when
// connected.
func (b *Bridge) SetRelayState(ctx context.Context, on bool) {
	b.mu.Lock()
	b.relayOn = on
	cm := b.cm
	b.mu.Unlock()

	if cm != nil {
		b.publish(ctx, cm, b.stateTopic("relay"), onOff(on))
	}
}

// --- Inbound commands ---

func (b *Bridge) handleMessage(ctx context.Context, topic string, payload []byte) {
	b.mu.Lock()
	h := b.handlers
	cm := b.cm
	b.mu.Unlock()

	body := strings.TrimSpace(string(payload))
	b.logger.Log(ctx, config.LevelTrace, "mqtt message", "topic", topic, "payload", body)

	switch topic {
	case b.commandTopic("relay"):
		on, err := parseOnOff(body)
		if err != nil {
			b.logger.Warn("relay command ignored", "payload", body)
			return
		}
		if h.OnRelay == nil {
			b.logger.Warn("relay command received but no handler installed")
			return
		}
		h.OnRelay(on)

	case b.commandTopic("update"):
		on, err := parseOnOff(body)
		if err != nil || !on {
			return
		}
		// The switch is momentary: flip it back off for controllers
		// before the update path takes the device down.
		if cm != nil {
			b.publish(ctx, cm, b.stateTopic("update"), "OFF")
		}
		if h.OnUpdateTrigger == nil {
			b.logger.Warn("update trigger received but no handler installed")
			return
		}
		b.logger.Info("update trigger received")
		h.OnUpdateTrigger()

	case b.commandTopic("identify"):
		if h.OnIdentify == nil {
			b.logger.Warn("identify received but no handler installed")
			return
		}
		h.OnIdentify()

	case b.commandTopic("reset_pairing"):
		if h.OnPairingReset == nil {
			b.logger.Warn("pairing reset received but no handler installed")
			return
		}
		b.logger.Info("pairing reset received")
		h.OnPairingReset()
	}
}

func (b *Bridge) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) error {
	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: b.commandTopic("relay"), QoS: 1},
			{Topic: b.commandTopic("update"), QoS: 1},
			{Topic: b.commandTopic("identify"), QoS: 1},
			{Topic: b.commandTopic("reset_pairing"), QoS: 1},
		},
	})
	return err
}

// --- Outbound state ---

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	b.publish(ctx, cm, b.availabilityTopic(), state)
}

func (b *Bridge) publishStates(ctx context.Context, cm *autopaho.ConnectionManager) {
	b.mu.Lock()
	relayOn := b.relayOn
	restarts := b.restarts
	b.mu.Unlock()

	b.publish(ctx, cm, b.stateTopic("relay"), onOff(relayOn))
	b.publish(ctx, cm, b.stateTopic("update"), "OFF")
	b.publish(ctx, cm, b.stateTopic("revision"), b.info.FirmwareRevision)
	b.publish(ctx, cm, b.stateTopic("restarts"), strconv.FormatUint(uint64(restarts), 10))
}

func (b *Bridge) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic, payload string) {
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) error {
	for _, d := range b.discoveryConfigs() {
		data, err := json.Marshal(d.payload)
		if err != nil {
			return fmt.Errorf("marshal %s config: %w", d.entity, err)
		}
		b.publish(ctx, cm, b.discoveryTopic(d.component, d.entity), string(data))
	}
	return nil
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	default:
		return false, fmt.Errorf("not an ON/OFF payload: %q", s)
	}
}

// --- Topic helpers ---

// slug is the device's topic-safe name.
func (b *Bridge) slug() string {
	return slugify(b.info.Name)
}

func slugify(name string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}

func (b *Bridge) baseTopic() string {
	return b.cfg.TopicPrefix + "/" + b.slug()
}

func (b *Bridge) availabilityTopic() string {
	return b.baseTopic() + "/availability"
}

func (b *Bridge) stateTopic(entity string) string {
	return b.baseTopic() + "/" + entity + "/state"
}

func (b *Bridge) commandTopic(entity string) string {
	return b.baseTopic() + "/" + entity + "/set"
}

func (b *Bridge) discoveryTopic(component, entity string) string {
	return b.cfg.DiscoveryPrefix + "/" + component + "/" + b.slug() + "/" + entity + "/config"
}
