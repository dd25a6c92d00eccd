package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/berfenger/luxbridge/pkg/device"
	"github.com/berfenger/luxbridge/pkg/transport"
	"go.uber.org/zap/zapcore"
)

// TransportAuto probes Modbus and then the dongle port on the device host.
const TransportAuto = "auto"

type Config struct {
	LogLevel  zapcore.Level
	Devices   []DeviceConfig         `mapstructure:"devices"`
	Cloud     CloudConfig            `mapstructure:"cloud"`
	MQTT      MQTTConfig             `mapstructure:"mqtt"`
	Monitor   MonitorConfig          `mapstructure:"monitor"`
	Hybrid    HybridConfig           `mapstructure:"hybrid"`
	Cache     device.TTLConfig       `mapstructure:"cache"`
	Validator device.ValidatorConfig `mapstructure:"validator"`
	Port      uint                   `mapstructure:"port"`
	HttpLog   bool                   `mapstructure:"http_log"`
}

// DeviceConfig is one configured inverter. Local holds the transport.Config
// fields of the local link as plain values.
type DeviceConfig struct {
	Serial    string         `mapstructure:"serial"`
	Name      string         `mapstructure:"name"`
	Transport string         `mapstructure:"transport"`
	Local     map[string]any `mapstructure:"local"`
}

type CloudConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	Username      string
	Password      string
	TimeoutMillis uint32 `mapstructure:"timeout_millis"`
	MaxRetries    int    `mapstructure:"max_retries"`
}

type MonitorConfig struct {
	PollIntervalMillis    uint32 `mapstructure:"poll_interval_millis"`
	RequestTimeoutMillis  uint32 `mapstructure:"request_timeout_millis"`
	ConnectTimeoutMillis  uint32 `mapstructure:"connect_timeout_millis"`
	ForceRefreshOnStartup bool   `mapstructure:"force_refresh_on_startup"`
}

type HybridConfig struct {
	RetryIntervalMillis uint32 `mapstructure:"retry_interval_millis"`
}

type MQTTConfig struct {
	Enable            bool
	Host              string
	Port              int
	Username          string
	Password          string
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

func (c MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c MonitorConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMillis) * time.Millisecond
}

func (c MonitorConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMillis) * time.Millisecond
}

func (c HybridConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMillis) * time.Millisecond
}

func (c CloudConfig) Configured() bool {
	return c.BaseURL != "" && c.Username != ""
}

// HTTPConfig builds the cloud transport config for one device.
func (c CloudConfig) HTTPConfig(serial string) transport.HTTPConfig {
	cfg := transport.HTTPConfig{
		BaseURL:  c.BaseURL,
		Username: c.Username,
		Password: c.Password,
		Serial:   serial,
		Timeout:  time.Duration(c.TimeoutMillis) * time.Millisecond,
	}
	if c.MaxRetries > 0 {
		cfg.Retry = transport.DefaultRetryPolicy
		cfg.Retry.MaxRetries = c.MaxRetries
	}
	return cfg
}

func (d DeviceConfig) Kind() transport.Kind {
	return transport.Kind(strings.ToLower(d.Transport))
}

func (d DeviceConfig) IsAuto() bool {
	return strings.EqualFold(d.Transport, TransportAuto)
}

func (d DeviceConfig) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Serial
}

// LocalConfig decodes the local link of a modbus, dongle or hybrid device.
// The device serial and kind fill the fields the map leaves empty; hybrid
// devices default to Modbus for their local side.
func (d DeviceConfig) LocalConfig() (transport.Config, error) {
	cfg, err := transport.ConfigFromMap(d.Local)
	if err != nil {
		return transport.Config{}, fmt.Errorf("device %s: %w", d.Serial, err)
	}
	if cfg.Serial == "" {
		cfg.Serial = d.Serial
	}
	if cfg.Kind == "" {
		switch d.Kind() {
		case transport.KindModbus, transport.KindDongle:
			cfg.Kind = d.Kind()
		default:
			cfg.Kind = transport.KindModbus
		}
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return transport.Config{}, fmt.Errorf("device %s: %w", d.Serial, err)
	}
	return cfg, nil
}

func (d DeviceConfig) validate(cloud CloudConfig) error {
	if d.Serial == "" {
		return errors.New("device serial is required")
	}
	if d.IsAuto() {
		host, _ := d.Local["host"].(string)
		if host == "" {
			return fmt.Errorf("device %s: auto transport needs local.host", d.Serial)
		}
		return nil
	}
	switch d.Kind() {
	case transport.KindHTTP:
		if !cloud.Configured() {
			return fmt.Errorf("device %s: http transport needs the cloud section", d.Serial)
		}
		return cloud.HTTPConfig(d.Serial).WithDefaults().Validate()
	case transport.KindHybrid:
		if !cloud.Configured() {
			return fmt.Errorf("device %s: hybrid transport needs the cloud section", d.Serial)
		}
		if err := cloud.HTTPConfig(d.Serial).WithDefaults().Validate(); err != nil {
			return err
		}
		_, err := d.LocalConfig()
		return err
	case transport.KindModbus, transport.KindDongle:
		_, err := d.LocalConfig()
		return err
	}
	return fmt.Errorf("device %s: unknown transport %q", d.Serial, d.Transport)
}

// Validate checks bounds that defaults cannot fix.
func (c Config) Validate() error {
	if c.Monitor.PollIntervalMillis < 1000 {
		return errors.New("config param monitor.poll_interval_millis should be >= 1000")
	}
	if c.Hybrid.RetryIntervalMillis < 5000 {
		return errors.New("config param hybrid.retry_interval_millis should be >= 5000")
	}
	if len(c.Devices) == 0 {
		return errors.New("at least one device must be configured")
	}
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if seen[d.Serial] {
			return fmt.Errorf("device %s is configured twice", d.Serial)
		}
		seen[d.Serial] = true
		if err := d.validate(c.Cloud); err != nil {
			return err
		}
	}
	return nil
}

// ParseLogLevel maps the log_level setting to a zap level. Unknown values
// fall back to info.
func ParseLogLevel(level string) zapcore.Level {
	switch level {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	}
	return zapcore.InfoLevel
}

var topicRegexp = regexp.MustCompile("^[a-z0-9_]+$")

func CheckMQTTTopic(baseTopic string) (string, error) {
	lowerBaseTopic := strings.ToLower(baseTopic)
	if !topicRegexp.MatchString(lowerBaseTopic) {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}
