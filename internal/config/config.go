// Package config handles hkplugd configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./hkplugd.yaml, ~/.config/hkplug/hkplugd.yaml, /etc/hkplug/hkplugd.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"hkplugd.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hkplug", "hkplugd.yaml"))
	}

	paths = append(paths, "/etc/hkplug/hkplugd.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all hkplugd configuration.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Store      StoreConfig      `yaml:"store"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Partitions PartitionsConfig `yaml:"partitions"`
	Network    NetworkConfig    `yaml:"network"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Update     UpdateConfig     `yaml:"update"`
	GPIO       GPIOConfig       `yaml:"gpio"`
	StateDir   string           `yaml:"state_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
}

// DeviceConfig identifies this accessory to controllers.
type DeviceConfig struct {
	Name         string `yaml:"name"`
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`
	SerialNumber string `yaml:"serial_number"`
	// SetupCode is the pairing code in ###-##-### form. Empty disables
	// the setup payload and QR generation.
	SetupCode string `yaml:"setup_code"`
}

// StoreConfig locates the persistent key-value store and the boot
// journal database.
type StoreConfig struct {
	Path        string `yaml:"path"`
	JournalPath string `yaml:"journal_path"`
}

// LifecycleConfig tunes restart-loop detection and reboot behavior.
type LifecycleConfig struct {
	// RestartThreshold is the consecutive-restart count that triggers
	// an automatic factory reset.
	RestartThreshold uint32 `yaml:"restart_threshold"`
	// StabilityTimeoutMS is how long a boot must survive before the
	// restart counter is cleared.
	StabilityTimeoutMS int `yaml:"stability_timeout_ms"`
	// RebootDelayMS is the pause between the final pre-reboot write and
	// the restart call.
	RebootDelayMS int `yaml:"reboot_delay_ms"`
	// ReasonFile is where the reset-reason record lives. It should be
	// on storage that survives a reboot but not a power cycle (tmpfs).
	ReasonFile string `yaml:"reason_file"`
	// RebootCommand overrides the reboot(2) syscall, e.g.
	// ["systemctl", "reboot"]. Empty uses the syscall.
	RebootCommand []string `yaml:"reboot_command"`
}

// StabilityTimeout returns the stability window as a duration.
func (c LifecycleConfig) StabilityTimeout() time.Duration {
	return time.Duration(c.StabilityTimeoutMS) * time.Millisecond
}

// RebootDelay returns the pre-reboot delay as a duration.
func (c LifecycleConfig) RebootDelay() time.Duration {
	return time.Duration(c.RebootDelayMS) * time.Millisecond
}

// PartitionsConfig locates the boot-slot image directory.
type PartitionsConfig struct {
	Dir string `yaml:"dir"`
}

// NetworkConfig defines the station interface and the helper commands
// that drive it. Command arguments may use the {iface}, {ssid}, and
// {psk} placeholders.
type NetworkConfig struct {
	Interface      string   `yaml:"interface"`
	ConnectCmd     []string `yaml:"connect_cmd"`
	DisconnectCmd  []string `yaml:"disconnect_cmd"`
	FlushCmd       []string `yaml:"flush_cmd"`
	PollIntervalMS int      `yaml:"poll_interval_ms"`
}

// PollInterval returns the address poll interval as a duration.
func (c NetworkConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// MQTTConfig defines the broker connection for the pairing bridge.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// DiscoveryConfig controls the DNS-SD advertisement.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// UpdateConfig defines the firmware release feed.
type UpdateConfig struct {
	// Repo is the release repository as "owner/name".
	Repo        string `yaml:"repo"`
	Token       string `yaml:"token"`
	IntervalMin int    `yaml:"interval_min"`
	// Auto reboots into the updater as soon as a newer release is seen.
	Auto bool `yaml:"auto"`
}

// Configured reports whether a release repository has been set.
func (c UpdateConfig) Configured() bool {
	return c.Repo != ""
}

// Interval returns the feed poll interval as a duration.
func (c UpdateConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMin) * time.Minute
}

// GPIOConfig maps the plug hardware onto GPIO character-device lines.
type GPIOConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Chip       string `yaml:"chip"`
	RelayLine  int    `yaml:"relay_line"`
	LEDLine    int    `yaml:"led_line"`
	ButtonLine int    `yaml:"button_line"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the parts of the configuration that would otherwise
// fail deep inside the daemon.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must be set")
	}
	if c.Lifecycle.RestartThreshold < 1 {
		return fmt.Errorf("lifecycle.restart_threshold must be at least 1")
	}
	if c.MQTT.Configured() {
		if _, err := url.Parse(c.MQTT.Broker); err != nil {
			return fmt.Errorf("mqtt.broker: %w", err)
		}
	}
	if c.Update.Configured() {
		if strings.Count(c.Update.Repo, "/") != 1 {
			return fmt.Errorf("update.repo must be owner/name, got %q", c.Update.Repo)
		}
		if c.Update.IntervalMin < 1 {
			return fmt.Errorf("update.interval_min must be at least 1")
		}
	}
	return nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:         "HomeKit Plug",
			Manufacturer: "Outlet Labs",
			Model:        "OL-PLUG1",
		},
		Store: StoreConfig{
			Path:        "/var/lib/hkplug/state.db",
			JournalPath: "/var/lib/hkplug/journal.db",
		},
		Lifecycle: LifecycleConfig{
			RestartThreshold:   10,
			StabilityTimeoutMS: 5000,
			RebootDelayMS:      100,
			ReasonFile:         "/run/hkplug/reset-reason",
		},
		Partitions: PartitionsConfig{
			Dir: "/var/lib/hkplug/slots",
		},
		Network: NetworkConfig{
			Interface:      "wlan0",
			ConnectCmd:     []string{"/usr/lib/hkplug/wifi-connect", "{iface}", "{ssid}", "{psk}"},
			DisconnectCmd:  []string{"/usr/lib/hkplug/wifi-disconnect", "{iface}"},
			FlushCmd:       []string{"/usr/lib/hkplug/wifi-flush", "{iface}"},
			PollIntervalMS: 2000,
		},
		MQTT: MQTTConfig{
			TopicPrefix:     "hkplug",
			DiscoveryPrefix: "homeassistant",
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			Port:    5540,
		},
		Update: UpdateConfig{
			IntervalMin: 360,
		},
		GPIO: GPIOConfig{
			Chip:       "gpiochip0",
			RelayLine:  12,
			LEDLine:    13,
			ButtonLine: 0,
		},
		StateDir:  "/var/lib/hkplug",
		LogLevel:  "info",
		LogFormat: "text",
	}
}
