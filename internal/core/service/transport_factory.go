package service

import (
	"context"
	"fmt"

	"github.com/berfenger/luxbridge/internal/config"
	"github.com/berfenger/luxbridge/internal/metrics"
	"github.com/berfenger/luxbridge/pkg/device"
	"github.com/berfenger/luxbridge/pkg/discovery"
	"github.com/berfenger/luxbridge/pkg/transport"

	"go.uber.org/zap"
)

// TransportFactory builds the transport of one device. It may talk to the
// network when the device is configured for auto discovery.
type TransportFactory func(ctx context.Context) (transport.Transport, error)

type DeviceServices struct {
	config  config.Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewDeviceServices(cfg config.Config, m *metrics.Metrics, logger *zap.Logger) *DeviceServices {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceServices{config: cfg, metrics: m, logger: logger}
}

func (s *DeviceServices) instrument() []transport.Instrument {
	if s.metrics == nil {
		return nil
	}
	return []transport.Instrument{s.metrics.Instrument()}
}

// ControllerConfig is the refresh controller setup shared by all devices.
func (s *DeviceServices) ControllerConfig() device.ControllerConfig {
	cfg := device.ControllerConfig{
		TTL:       s.config.Cache,
		Validator: s.config.Validator,
	}
	if s.metrics != nil {
		cfg.OnVerdict = s.metrics.Verdict
	}
	return cfg
}

func (s *DeviceServices) TransportFactory(dev config.DeviceConfig) TransportFactory {
	return func(ctx context.Context) (transport.Transport, error) {
		if dev.IsAuto() {
			return s.autoTransport(ctx, dev)
		}
		switch dev.Kind() {
		case transport.KindHTTP:
			return s.cloudTransport(dev.Serial)
		case transport.KindModbus, transport.KindDongle:
			local, err := dev.LocalConfig()
			if err != nil {
				return nil, err
			}
			return transport.NewLocal(local, s.logger, s.instrument()...)
		case transport.KindHybrid:
			local, err := dev.LocalConfig()
			if err != nil {
				return nil, err
			}
			return s.hybridTransport(local)
		}
		return nil, fmt.Errorf("%w: device %s has unknown transport %q", transport.ErrInvalidConfig, dev.Serial, dev.Transport)
	}
}

func (s *DeviceServices) cloudTransport(serial string) (transport.Transport, error) {
	t, err := transport.NewHTTPTransport(s.config.Cloud.HTTPConfig(serial), s.logger, s.instrument()...)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *DeviceServices) hybridTransport(local transport.Config) (transport.Transport, error) {
	lt, err := transport.NewLocal(local, s.logger, s.instrument()...)
	if err != nil {
		return nil, err
	}
	ct, err := s.cloudTransport(local.Serial)
	if err != nil {
		return nil, err
	}
	hybridCfg := transport.HybridConfig{RetryInterval: s.config.Hybrid.RetryInterval()}
	if s.metrics != nil {
		hybridCfg.OnStateChange = s.metrics.HybridStateChange(local.Serial)
	}
	h, err := transport.NewHybridTransport(lt, ct, hybridCfg, s.logger)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// autoTransport probes the local ports of the device host. When cloud
// credentials are configured the local link found is paired with the cloud.
func (s *DeviceServices) autoTransport(ctx context.Context, dev config.DeviceConfig) (transport.Transport, error) {
	host, _ := dev.Local["host"].(string)
	dongleSerial, _ := dev.Local["dongle_serial"].(string)

	local, info, err := discovery.ProbeLocal(ctx, host, dev.Serial, dongleSerial, s.logger)
	if err != nil {
		return nil, err
	}
	s.logger.Info("local transport discovered",
		zap.String("serial", dev.Serial),
		zap.String("kind", string(local.Kind)),
		zap.String("address", local.Address()),
		zap.String("family", string(info.Family)))

	if s.config.Cloud.Configured() {
		return s.hybridTransport(local)
	}
	return transport.NewLocal(local, s.logger, s.instrument()...)
}
