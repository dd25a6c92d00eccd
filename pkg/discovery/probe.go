package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/luxbridge/pkg/transport"
	"go.uber.org/zap"
)

const DefaultProbeTimeout = 5 * time.Second

// Factory builds a transport for one candidate config.
type Factory func(config transport.Config) (transport.Transport, error)

// LocalCandidates lists the local configs worth trying for a host: Modbus
// first, then the dongle when its serial is known.
func LocalCandidates(host, serial, dongleSerial string) []transport.Config {
	candidates := []transport.Config{
		{Host: host, Serial: serial, Kind: transport.KindModbus},
	}
	if dongleSerial != "" {
		candidates = append(candidates, transport.Config{Host: host, Serial: serial, DongleSerial: dongleSerial, Kind: transport.KindDongle})
	}
	for i := range candidates {
		candidates[i] = candidates[i].WithDefaults()
		candidates[i].Timeout = DefaultProbeTimeout
	}
	return candidates
}

// ProbeLocal returns the first candidate that connects and answers the
// device type register, with the discovered device info.
func ProbeLocal(ctx context.Context, host, serial, dongleSerial string, logger *zap.Logger) (transport.Config, *DeviceInfo, error) {
	factory := func(config transport.Config) (transport.Transport, error) {
		return transport.NewLocal(config, logger)
	}
	return Probe(ctx, LocalCandidates(host, serial, dongleSerial), factory, logger)
}

func Probe(ctx context.Context, candidates []transport.Config, factory Factory, logger *zap.Logger) (transport.Config, *DeviceInfo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var errs []error
	for _, config := range candidates {
		info, err := probeOne(ctx, config, factory, logger)
		if err == nil {
			return config, info, nil
		}
		if ctx.Err() != nil {
			return transport.Config{}, nil, ctx.Err()
		}
		logger.Debug("probe failed", zap.String("kind", string(config.Kind)), zap.String("address", config.Address()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s %s: %w", config.Kind, config.Address(), err))
	}
	return transport.Config{}, nil, fmt.Errorf("no local transport answered: %w", errors.Join(errs...))
}

func probeOne(ctx context.Context, config transport.Config, factory Factory, logger *zap.Logger) (*DeviceInfo, error) {
	t, err := factory(config)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	defer t.Disconnect()

	return DiscoverDeviceInfo(ctx, t, logger)
}
