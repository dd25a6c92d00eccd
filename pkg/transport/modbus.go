package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

// rs485Speed is the bus speed behind RS485-to-Ethernet adapters.
const rs485Speed = 19200

// registerClient is the subset of *modbus.ModbusClient the transport uses.
type registerClient interface {
	Open() error
	Close() error
	SetUnitId(id uint8) error
	ReadRegisters(addr uint16, quantity uint16, regType modbus.RegType) ([]uint16, error)
	WriteRegisters(addr uint16, values []uint16) error
}

type ModbusTransport struct {
	*localCore

	config     Config
	mu         sync.Mutex
	client     registerClient
	newClient  func(Config) (registerClient, error)
	instrument []Instrument
}

func NewModbusTransport(config Config, logger *zap.Logger, instrument ...Instrument) (*ModbusTransport, error) {
	config.Kind = KindModbus
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return newModbusTransport(config, createModbusClient, logger, instrument), nil
}

func newModbusTransport(config Config, newClient func(Config) (registerClient, error), logger *zap.Logger, instrument []Instrument) *ModbusTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &ModbusTransport{
		config:     config,
		newClient:  newClient,
		instrument: instrument,
	}
	t.localCore = newLocalCore(KindModbus, config.Serial, t, logger.With(zap.String("transport", string(KindModbus)), zap.String("serial", config.Serial)))
	t.SetInterconnect(config.IsInterconnect())
	return t
}

func createModbusClient(config Config) (registerClient, error) {
	conf := &modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s", config.Address()),
		Timeout: config.Timeout,
	}
	if config.Framing == FramingRTUOverTCP {
		conf.URL = fmt.Sprintf("rtuovertcp://%s", config.Address())
		conf.Speed = rs485Speed
	}
	return modbus.NewClient(conf)
}

func (t *ModbusTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.IsConnected() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.client == nil {
		client, err := t.newClient(t.config)
		if err != nil {
			return &ConnectionError{Op: "connect", Kind: KindModbus, Err: err}
		}
		t.client = client
	}
	if err := t.client.Open(); err != nil {
		return &ConnectionError{Op: "connect", Kind: KindModbus, Err: err}
	}
	if err := t.client.SetUnitId(t.config.UnitID); err != nil {
		_ = t.client.Close()
		return &ConnectionError{Op: "connect", Kind: KindModbus, Err: err}
	}
	t.connected.Store(true)
	t.logger.Info("connected", zap.String("address", t.config.Address()), zap.String("framing", string(t.config.Framing)))
	return nil
}

func (t *ModbusTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected.Swap(false) {
		return nil
	}
	t.logger.Info("disconnected")
	return t.client.Close()
}

func (t *ModbusTransport) readInput(ctx context.Context, start, count uint16) ([]uint16, error) {
	return t.read(ctx, "ReadInputRegisters", start, count, modbus.INPUT_REGISTER)
}

func (t *ModbusTransport) readHolding(ctx context.Context, start, count uint16) ([]uint16, error) {
	return t.read(ctx, "ReadHoldingRegisters", start, count, modbus.HOLDING_REGISTER)
}

func (t *ModbusTransport) read(ctx context.Context, name string, start, count uint16, regType modbus.RegType) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.IsConnected() {
		return nil, notConnected(KindModbus, name)
	}
	defer RecordTimer(KindModbus, name, t.instrument)()
	words, err := t.client.ReadRegisters(start, count, regType)
	if err != nil {
		return nil, t.classify(name, err)
	}
	return words, nil
}

func (t *ModbusTransport) writeHolding(ctx context.Context, start uint16, values []uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsConnected() {
		return notConnected(KindModbus, "WriteRegisters")
	}
	defer RecordTimer(KindModbus, "WriteRegisters", t.instrument)()
	if err := t.client.WriteRegisters(start, values); err != nil {
		return t.classify("WriteRegisters", err)
	}
	return nil
}

// classify maps Modbus exceptions onto the error taxonomy. Anything that is
// not a device exception drops the connection. Callers hold t.mu.
func (t *ModbusTransport) classify(op string, err error) error {
	switch {
	case errors.Is(err, modbus.ErrServerDeviceBusy),
		errors.Is(err, modbus.ErrAcknowledge),
		errors.Is(err, modbus.ErrGWTargetFailedToRespond):
		return &ProtocolError{Op: op, Kind: KindModbus, Message: err.Error(), Transient: true}
	case errors.Is(err, modbus.ErrIllegalFunction),
		errors.Is(err, modbus.ErrIllegalDataAddress),
		errors.Is(err, modbus.ErrIllegalDataValue),
		errors.Is(err, modbus.ErrServerDeviceFailure),
		errors.Is(err, modbus.ErrGWPathUnavailable):
		return &ProtocolError{Op: op, Kind: KindModbus, Message: err.Error()}
	}
	t.logger.Warn("modbus i/o failed, dropping connection", zap.String("op", op), zap.Error(err))
	t.connected.Store(false)
	_ = t.client.Close()
	return &ConnectionError{Op: op, Kind: KindModbus, Err: err}
}
