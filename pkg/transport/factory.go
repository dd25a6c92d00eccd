package transport

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLocal builds the local transport selected by config.Kind.
func NewLocal(config Config, logger *zap.Logger, instrument ...Instrument) (Transport, error) {
	switch config.Kind {
	case KindModbus:
		t, err := NewModbusTransport(config, logger, instrument...)
		if err != nil {
			return nil, err
		}
		return t, nil
	case KindDongle:
		t, err := NewDongleTransport(config, logger, instrument...)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: %q is not a local transport kind", ErrInvalidConfig, config.Kind)
}
