package transport

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

const (
	DefaultModbusPort = 502
	DefaultDonglePort = 8000
	DefaultTimeout    = 10 * time.Second
	DefaultUnitID     = 1

	serialLength = 10
)

// Framing selects how Modbus PDUs travel over TCP.
type Framing string

const (
	FramingTCP        Framing = "tcp"
	FramingRTUOverTCP Framing = "rtu_over_tcp"
)

// Config describes how to reach one device over a single transport kind.
type Config struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Serial         string        `mapstructure:"serial"`
	Kind           Kind          `mapstructure:"transport_kind"`
	InverterFamily string        `mapstructure:"inverter_family"`
	DongleSerial   string        `mapstructure:"dongle_serial"`
	Timeout        time.Duration `mapstructure:"timeout"`
	UnitID         uint8         `mapstructure:"unit_id"`
	Framing        Framing       `mapstructure:"framing"`
}

// WithDefaults fills the port, timeout, unit id and framing when unset.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		switch c.Kind {
		case KindDongle:
			c.Port = DefaultDonglePort
		case KindModbus, KindHybrid:
			c.Port = DefaultModbusPort
		}
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UnitID == 0 {
		c.UnitID = DefaultUnitID
	}
	if c.Framing == "" {
		c.Framing = FramingTCP
	}
	return c
}

func (c Config) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown transport kind %q", ErrInvalidConfig, c.Kind)
	}
	if c.Kind == KindHTTP {
		if c.Serial != "" && len(c.Serial) != serialLength {
			return fmt.Errorf("%w: serial must be %d characters, got %q", ErrInvalidConfig, serialLength, c.Serial)
		}
		return nil
	}
	if len(c.Serial) != serialLength {
		return fmt.Errorf("%w: serial must be %d characters, got %q", ErrInvalidConfig, serialLength, c.Serial)
	}
	if c.Host == "" {
		return fmt.Errorf("%w: host is required for %s transport", ErrInvalidConfig, c.Kind)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if c.Kind == KindDongle && len(c.DongleSerial) != serialLength {
		return fmt.Errorf("%w: dongle serial must be %d characters, got %q", ErrInvalidConfig, serialLength, c.DongleSerial)
	}
	switch c.Framing {
	case "", FramingTCP, FramingRTUOverTCP:
	default:
		return fmt.Errorf("%w: unknown framing %q", ErrInvalidConfig, c.Framing)
	}
	return nil
}

// InterconnectFamily is the InverterFamily of microgrid interconnect
// controllers, which use their own input register map.
const InterconnectFamily = "INTERCONNECT"

func (c Config) IsInterconnect() bool {
	return c.InverterFamily == InterconnectFamily
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToMap flattens the config into plain values for an external store.
func (c Config) ToMap() map[string]any {
	m := map[string]any{
		"host":           c.Host,
		"port":           c.Port,
		"serial":         c.Serial,
		"transport_kind": string(c.Kind),
		"timeout":        c.Timeout.String(),
		"unit_id":        int(c.UnitID),
	}
	if c.InverterFamily != "" {
		m["inverter_family"] = c.InverterFamily
	}
	if c.DongleSerial != "" {
		m["dongle_serial"] = c.DongleSerial
	}
	if c.Framing != "" {
		m["framing"] = string(c.Framing)
	}
	return m
}

// ConfigFromMap is the inverse of ToMap. Numbers may arrive as strings or
// floats and timeouts as duration strings.
func ConfigFromMap(m map[string]any) (Config, error) {
	var c Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &c,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(m); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return c, nil
}
