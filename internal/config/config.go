// Package config handles envlink configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nugget/envlink/internal/link"
	"github.com/nugget/envlink/internal/serial"
	"github.com/nugget/envlink/internal/session"
	"github.com/nugget/envlink/internal/telemetry"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/envlink/config.yaml, /etc/envlink/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "envlink", "config.yaml"))
	}

	paths = append(paths, "/etc/envlink/config.yaml")
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

// Radio drivers.
const (
	DriverESPAT = "esp-at"
	DriverHost  = "host"
)

// Sensor kinds.
const (
	SensorSimulated = "simulated"
	SensorIIO       = "iio"
)

// Config holds all envlink configuration.
type Config struct {
	SiteID    string        `yaml:"site_id"`
	WiFi      WiFiConfig    `yaml:"wifi"`
	Broker    BrokerConfig  `yaml:"broker"`
	Sensor    SensorConfig  `yaml:"sensor"`
	RFID      RFIDConfig    `yaml:"rfid"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Agent     AgentConfig   `yaml:"agent"`
	DataDir   string        `yaml:"data_dir"`
	Timezone  string        `yaml:"timezone"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
}

// WiFiConfig describes the co-processor and the network it joins.
type WiFiConfig struct {
	SSID       string `yaml:"ssid"`
	Passphrase string `yaml:"passphrase"`
	// Driver selects the radio: "esp-at" for an ESP8266/ESP32 on a
	// serial port, "host" to use the host's own network stack.
	Driver     string        `yaml:"driver"`
	Device     string        `yaml:"device"`
	BaudRate   int           `yaml:"baud_rate"`
	Attempts   int           `yaml:"associate_attempts"`
	RetryDelay time.Duration `yaml:"associate_retry_delay"`
}

// BrokerConfig describes the MQTT broker.
type BrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ClientID is sent in CONNECT. "auto" derives a stable identifier
	// from an instance ID persisted in DataDir.
	ClientID       string        `yaml:"client_id"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// MaxReconnectAttempts caps consecutive failed connection attempts
	// while the link is up (0 = retry forever).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// SensorConfig selects the measurement source.
type SensorConfig struct {
	Kind string `yaml:"kind"` // simulated or iio
	// IIODevice is a sysfs device directory, or a device name such as
	// "dht11" to look up under /sys/bus/iio/devices.
	IIODevice     string  `yaml:"iio_device"`
	StartTemp     float64 `yaml:"start_temp"`
	StartHumidity float64 `yaml:"start_humidity"`
	FailureRate   float64 `yaml:"failure_rate"`
	Seed          uint64  `yaml:"seed"`
}

// RFIDConfig describes an optional line-oriented tag reader.
type RFIDConfig struct {
	Device   string `yaml:"device"` // empty disables the reader
	BaudRate int    `yaml:"baud_rate"`
	Label    string `yaml:"label"`
	Publish  bool   `yaml:"publish"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// AgentConfig controls the control loop.
type AgentConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	// HardwarePolicy is "retry" (run degraded and keep probing) or
	// "halt" (exit when the co-processor is absent).
	HardwarePolicy string `yaml:"hardware_policy"`
}

// Load reads configuration from a YAML file. A .env file next to it,
// if present, is loaded into the environment first so that ${VAR}
// references can pick up secrets kept out of the YAML. Variables
// already set in the environment win over .env entries.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// site, network or broker set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.WiFi.Driver == "" {
		c.WiFi.Driver = DriverESPAT
	}
	if c.WiFi.Device == "" {
		c.WiFi.Device = "/dev/ttyUSB0"
	}
	if c.WiFi.BaudRate == 0 {
		c.WiFi.BaudRate = serial.DefaultBaudRate
	}
	if c.WiFi.Attempts == 0 {
		c.WiFi.Attempts = link.DefaultAssociateAttempts
	}
	if c.WiFi.RetryDelay == 0 {
		c.WiFi.RetryDelay = link.DefaultRetryDelay
	}

	if c.Broker.Port == 0 {
		c.Broker.Port = session.DefaultPort
	}
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = session.DefaultClientID
	}
	if c.Broker.KeepAlive == 0 {
		c.Broker.KeepAlive = session.DefaultKeepAlive
	}
	if c.Broker.ReconnectDelay == 0 {
		c.Broker.ReconnectDelay = session.DefaultReconnectDelay
	}
	if c.Broker.ConnectTimeout == 0 {
		c.Broker.ConnectTimeout = session.DefaultConnectTimeout
	}

	if c.Sensor.Kind == "" {
		c.Sensor.Kind = SensorSimulated
	}
	if c.Sensor.IIODevice == "" {
		c.Sensor.IIODevice = "dht11"
	}
	if c.Sensor.StartTemp == 0 && c.Sensor.StartHumidity == 0 {
		c.Sensor.StartTemp = 21.0
		c.Sensor.StartHumidity = 50.0
	}

	if c.RFID.BaudRate == 0 {
		c.RFID.BaudRate = serial.DefaultBaudRate
	}
	if c.RFID.Label == "" {
		c.RFID.Label = "reader"
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9464"
	}

	if c.Agent.SampleInterval == 0 {
		c.Agent.SampleInterval = 5 * time.Second
	}
	if c.Agent.HardwarePolicy == "" {
		c.Agent.HardwarePolicy = "retry"
	}

	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for values the agent cannot run
// with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if !telemetry.ValidSiteID(c.SiteID) {
		errs = append(errs, fmt.Errorf("site_id %q must be non-empty and must not contain '/', '+' or '#'", c.SiteID))
	}

	switch c.WiFi.Driver {
	case DriverESPAT:
		if c.WiFi.SSID == "" {
			errs = append(errs, errors.New("wifi.ssid is required for the esp-at driver"))
		}
		if c.WiFi.Device == "" {
			errs = append(errs, errors.New("wifi.device is required for the esp-at driver"))
		}
	case DriverHost:
	default:
		errs = append(errs, fmt.Errorf("wifi.driver %q unknown (valid: %s, %s)", c.WiFi.Driver, DriverESPAT, DriverHost))
	}
	if c.WiFi.Attempts < 1 {
		errs = append(errs, fmt.Errorf("wifi.associate_attempts must be at least 1, got %d", c.WiFi.Attempts))
	}
	if c.WiFi.RetryDelay < 0 {
		errs = append(errs, errors.New("wifi.associate_retry_delay must not be negative"))
	}

	if c.Broker.Host == "" {
		errs = append(errs, errors.New("broker.host is required"))
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port %d out of range", c.Broker.Port))
	}
	if c.Broker.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("broker.max_reconnect_attempts must not be negative"))
	}
	if c.Broker.ReconnectDelay < 0 || c.Broker.KeepAlive < 0 {
		errs = append(errs, errors.New("broker durations must not be negative"))
	}

	switch c.Sensor.Kind {
	case SensorSimulated, SensorIIO:
	default:
		errs = append(errs, fmt.Errorf("sensor.kind %q unknown (valid: %s, %s)", c.Sensor.Kind, SensorSimulated, SensorIIO))
	}
	if c.Sensor.FailureRate < 0 || c.Sensor.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("sensor.failure_rate %v must be between 0 and 1", c.Sensor.FailureRate))
	}

	if c.RFID.Device != "" && strings.ContainsAny(c.RFID.Label, "/+#") {
		errs = append(errs, fmt.Errorf("rfid.label %q must not contain '/', '+' or '#'", c.RFID.Label))
	}

	if c.Agent.SampleInterval <= 0 {
		errs = append(errs, errors.New("agent.sample_interval must be positive"))
	}
	switch c.Agent.HardwarePolicy {
	case "retry", "halt":
	default:
		errs = append(errs, fmt.Errorf("agent.hardware_policy %q unknown (valid: retry, halt)", c.Agent.HardwarePolicy))
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q unknown (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Location returns the configured timezone, or nil for local time.
// Validate has already rejected unknown zones.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return nil
	}
	loc, _ := time.LoadLocation(c.Timezone)
	return loc
}

// LinkConfig returns the link layer's view of the configuration.
func (c *Config) LinkConfig() link.Config {
	return link.Config{
		SSID:       c.WiFi.SSID,
		Passphrase: c.WiFi.Passphrase,
		Serial: link.SerialConfig{
			Device:   c.WiFi.Device,
			BaudRate: c.WiFi.BaudRate,
		},
	}
}

// SessionConfig returns the broker session's view of the configuration.
// clientID replaces Broker.ClientID, which may be the "auto" sentinel.
func (c *Config) SessionConfig(clientID string) session.Config {
	return session.Config{
		Host:                 c.Broker.Host,
		Port:                 c.Broker.Port,
		ClientID:             clientID,
		KeepAlive:            c.Broker.KeepAlive,
		ReconnectDelay:       c.Broker.ReconnectDelay,
		ConnectTimeout:       c.Broker.ConnectTimeout,
		MaxReconnectAttempts: c.Broker.MaxReconnectAttempts,
	}
}
