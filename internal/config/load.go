package config

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/viper"
)

const EnvPrefix = "luxbridge"

func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "warn")
	v.SetDefault("port", 8080)
	v.SetDefault("mqtt.enable", false)
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.base_topic", "luxbridge")
	v.SetDefault("mqtt.ha_discovery_enable", false)
	v.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
	v.SetDefault("monitor.poll_interval_millis", 30000)
	v.SetDefault("monitor.request_timeout_millis", 30000)
	v.SetDefault("monitor.connect_timeout_millis", 15000)
	v.SetDefault("monitor.force_refresh_on_startup", true)
	v.SetDefault("hybrid.retry_interval_millis", 60000)
	v.SetDefault("cloud.timeout_millis", 10000)
	v.SetDefault("cloud.max_retries", 3)
	v.SetDefault("cache.runtime", "30s")
	v.SetDefault("cache.energy", "5m")
	v.SetDefault("cache.battery", "1m")
	v.SetDefault("cache.parameters", "1h")
}

// Load reads defaults, LUXBRIDGE_* environment variables and the optional
// yaml file named by CONFIG_FILE, then checks the result.
func Load(v *viper.Viper) (*Config, error) {
	// alias PORT => LUXBRIDGE_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("LUXBRIDGE_PORT", port)
	}

	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	return Decode(v)
}

// Decode unmarshals an already populated viper instance.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.LogLevel = ParseLogLevel(v.GetString("log_level"))

	baseTopic, err := CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.BaseTopic = baseTopic

	hadTopic, err := CheckMQTTTopic(cfg.MQTT.HADiscoveryTopic)
	if err != nil {
		return nil, errors.New("invalid homeassistant discovery topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.HADiscoveryTopic = hadTopic

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	c.MQTT.Username = "*redacted*"
	c.MQTT.Password = "*redacted*"
	c.Cloud.Password = "*redacted*"
	return c
}
