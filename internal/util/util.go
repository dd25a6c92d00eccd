package util

import (
	"github.com/berfenger/luxbridge/internal/config"

	"go.uber.org/zap"
)

// LoadTestConfig is a valid configuration with two local devices that never
// polls during a test run.
func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Devices: []config.DeviceConfig{
			{
				Serial:    "CE12345678",
				Name:      "garage",
				Transport: "modbus",
				Local:     map[string]any{"host": "192.168.1.50"},
			},
			{
				Serial:    "CE87654321",
				Transport: "dongle",
				Local:     map[string]any{"host": "192.168.1.51", "dongle_serial": "BA00000001"},
			},
		},
		MQTT: config.MQTTConfig{
			Host:              "localhost",
			Port:              1883,
			BaseTopic:         "luxbridge",
			HADiscoveryEnable: true,
			HADiscoveryTopic:  "homeassistant",
		},
		Monitor: config.MonitorConfig{
			PollIntervalMillis:    3600000,
			RequestTimeoutMillis:  2000,
			ConnectTimeoutMillis:  2000,
			ForceRefreshOnStartup: true,
		},
		Hybrid: config.HybridConfig{RetryIntervalMillis: 60000},
		Port:   8080,
	}
}
