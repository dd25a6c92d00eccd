package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/berfenger/luxbridge/pkg/registers"
	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readCall struct {
	addr     uint16
	quantity uint16
	regType  modbus.RegType
}

type writeCall struct {
	addr   uint16
	values []uint16
}

// fakeRegisterClient answers reads from two register banks. Unset registers
// read as their own address.
type fakeRegisterClient struct {
	mu      sync.Mutex
	input   map[uint16]uint16
	holding map[uint16]uint16
	reads   []readCall
	writes  []writeCall
	readErr error
	opened  int
	closed  int
	unitID  uint8
}

func newFakeRegisterClient() *fakeRegisterClient {
	return &fakeRegisterClient{input: map[uint16]uint16{}, holding: map[uint16]uint16{}}
}

func (f *fakeRegisterClient) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return nil
}

func (f *fakeRegisterClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeRegisterClient) SetUnitId(id uint8) error {
	f.unitID = id
	return nil
}

func (f *fakeRegisterClient) ReadRegisters(addr uint16, quantity uint16, regType modbus.RegType) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, readCall{addr, quantity, regType})
	if f.readErr != nil {
		return nil, f.readErr
	}
	bank := f.input
	if regType == modbus.HOLDING_REGISTER {
		bank = f.holding
	}
	words := make([]uint16, quantity)
	for i := range words {
		a := addr + uint16(i)
		if v, ok := bank[a]; ok {
			words[i] = v
		} else {
			words[i] = a
		}
	}
	return words, nil
}

func (f *fakeRegisterClient) WriteRegisters(addr uint16, values []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{addr, append([]uint16(nil), values...)})
	for i, v := range values {
		f.holding[addr+uint16(i)] = v
	}
	return nil
}

func newTestModbus(t *testing.T, client *fakeRegisterClient) *ModbusTransport {
	t.Helper()
	cfg := Config{Host: "127.0.0.1", Serial: "CE12345678", Kind: KindModbus}.WithDefaults()
	require.NoError(t, cfg.Validate())
	return newModbusTransport(cfg, func(Config) (registerClient, error) { return client, nil }, nil, nil)
}

func TestReadParametersChunksAt40(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	client := newFakeRegisterClient()
	mt := newTestModbus(t, client)
	require.NoError(mt.Connect(context.Background()))

	regs, err := mt.ReadParameters(context.Background(), 0, 80)
	require.NoError(err)

	assert.Len(regs, 80)
	for addr := uint16(0); addr < 80; addr++ {
		v, ok := regs[addr]
		assert.True(ok, "address %d", addr)
		assert.Equal(addr, v)
	}
	assert.Equal([]readCall{
		{0, 40, modbus.HOLDING_REGISTER},
		{40, 40, modbus.HOLDING_REGISTER},
	}, client.reads)
}

func TestReadParametersUnevenChunks(t *testing.T) {
	assert := assert.New(t)

	client := newFakeRegisterClient()
	mt := newTestModbus(t, client)
	assert.NoError(mt.Connect(context.Background()))

	regs, err := mt.ReadParameters(context.Background(), 100, 95)
	assert.NoError(err)
	assert.Len(regs, 95)
	assert.Equal(uint16(194), regs[194])
	assert.Equal([]readCall{
		{100, 40, modbus.HOLDING_REGISTER},
		{140, 40, modbus.HOLDING_REGISTER},
		{180, 15, modbus.HOLDING_REGISTER},
	}, client.reads)
}

func TestReadBeforeConnectFails(t *testing.T) {
	assert := assert.New(t)

	mt := newTestModbus(t, newFakeRegisterClient())
	assert.False(mt.IsConnected())

	_, err := mt.ReadRuntime(context.Background())
	assert.True(IsConnectionError(err))
	assert.ErrorIs(err, ErrNotConnected)

	assert.NoError(mt.Connect(context.Background()))
	assert.True(mt.IsConnected())
	assert.NoError(mt.Disconnect())
	assert.False(mt.IsConnected())

	err = mt.WriteParameters(context.Background(), map[uint16]uint16{21: 1})
	assert.ErrorIs(err, ErrNotConnected)
}

func TestReadRuntimeDecodesCatalog(t *testing.T) {
	assert := assert.New(t)

	client := newFakeRegisterClient()
	client.input[4] = 539
	client.input[5] = 0x6450
	client.input[67] = 0xFFFE
	mt := newTestModbus(t, client)
	assert.NoError(mt.Connect(context.Background()))

	r, err := mt.ReadRuntime(context.Background())
	assert.NoError(err)
	assert.InDelta(53.9, r.Values["battery_voltage"], 1e-9)
	assert.Equal(80.0, r.Values["soc"])
	assert.Equal(100.0, r.Values["soh"])
	assert.Equal(-2.0, r.Values["battery_temperature"])
	for _, c := range client.reads {
		assert.Equal(modbus.INPUT_REGISTER, c.regType)
		assert.LessOrEqual(c.quantity, uint16(MaxRegistersPerRequest))
	}
}

func TestReadEnergyCombinesWords(t *testing.T) {
	assert := assert.New(t)

	client := newFakeRegisterClient()
	client.input[50] = 0x86A0 // 100000 low word
	client.input[51] = 0x0001
	mt := newTestModbus(t, client)
	assert.NoError(mt.Connect(context.Background()))

	r, err := mt.ReadEnergy(context.Background())
	assert.NoError(err)
	assert.InDelta(10000.0, r.Values["charge_energy_total"], 1e-9)
}

func TestReadBatteryModules(t *testing.T) {
	assert := assert.New(t)

	client := newFakeRegisterClient()
	client.input[96] = 2
	base := registers.BatteryModuleBase
	client.input[base] = 5305
	client.input[base+2] = 0x6450
	for i, w := range []uint16{'B'<<8 | 'A', '1'<<8 | '2', 0, 0, 0, 0, 0} {
		client.input[base+registers.ModuleSerialOffset+uint16(i)] = w
	}
	mt := newTestModbus(t, client)
	assert.NoError(mt.Connect(context.Background()))

	b, err := mt.ReadBattery(context.Background())
	assert.NoError(err)
	assert.Equal(2.0, b.Bank.Values["battery_count"])
	assert.Len(b.Modules, 2)
	assert.Equal("BA12", b.Modules[0].Serial)
	assert.InDelta(53.05, b.Modules[0].Values["voltage"], 1e-9)
	assert.Equal(80.0, b.Modules[0].Values["soc"])
}

func TestWriteParametersGroupsConsecutiveRuns(t *testing.T) {
	assert := assert.New(t)

	client := newFakeRegisterClient()
	mt := newTestModbus(t, client)
	assert.NoError(mt.Connect(context.Background()))

	err := mt.WriteParameters(context.Background(), map[uint16]uint16{64: 5, 21: 1, 22: 2})
	assert.NoError(err)
	assert.Equal([]writeCall{
		{21, []uint16{1, 2}},
		{64, []uint16{5}},
	}, client.writes)
}

func TestModbusExceptionMapping(t *testing.T) {
	assert := assert.New(t)

	client := newFakeRegisterClient()
	mt := newTestModbus(t, client)
	assert.NoError(mt.Connect(context.Background()))

	client.readErr = modbus.ErrServerDeviceBusy
	_, err := mt.ReadParameters(context.Background(), 0, 1)
	assert.True(IsTransient(err))
	assert.True(mt.IsConnected())

	client.readErr = modbus.ErrIllegalDataAddress
	_, err = mt.ReadParameters(context.Background(), 0, 1)
	assert.ErrorIs(err, ErrPermanent)
	assert.True(mt.IsConnected())

	client.readErr = modbus.ErrRequestTimedOut
	_, err = mt.ReadParameters(context.Background(), 0, 1)
	assert.True(IsConnectionError(err))
	assert.False(mt.IsConnected())
	assert.Equal(1, client.closed)
}

func TestCancelledReadStops(t *testing.T) {
	client := newFakeRegisterClient()
	mt := newTestModbus(t, client)
	require.NoError(t, mt.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	cancel()
	_, err := mt.ReadParameters(ctx, 0, 80)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, client.reads)
}

func TestConnectSetsUnitID(t *testing.T) {
	client := newFakeRegisterClient()
	mt := newTestModbus(t, client)
	require.NoError(t, mt.Connect(context.Background()))
	assert.Equal(t, uint8(DefaultUnitID), client.unitID)
	assert.Equal(t, ModbusCapabilities, mt.Capabilities())
	assert.Equal(t, KindModbus, mt.Kind())
}

func TestReadInterconnectUsesMidboxMap(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	client := newFakeRegisterClient()
	client.input[1] = 2405
	client.input[10] = 0xFF38
	client.input[40] = 0x86A0
	client.input[41] = 0x0001
	mt := newTestModbus(t, client)
	mt.SetInterconnect(true)
	require.NoError(mt.Connect(context.Background()))

	r, err := mt.ReadRuntime(context.Background())
	require.NoError(err)
	assert.InDelta(240.5, r.Values["grid_voltage_l1"], 1e-9)
	assert.Equal(-200.0, r.Values["grid_power_l1"])
	assert.NotContains(r.Values, "soc")
	assert.NotContains(r.Values, "pv1_voltage")

	e, err := mt.ReadEnergy(context.Background())
	require.NoError(err)
	assert.InDelta(10000.0, e.Values["grid_import_energy_total"], 1e-9)
	assert.NotContains(e.Values, "charge_energy_total")

	assert.False(mt.Capabilities().CanReadBattery)
	_, err = mt.ReadBattery(context.Background())
	assert.ErrorIs(err, ErrUnsupported)

	for _, c := range client.reads {
		assert.Equal(modbus.INPUT_REGISTER, c.regType)
		assert.Less(c.addr, uint16(80))
	}
}

func TestInterconnectFromConfig(t *testing.T) {
	mt, err := NewModbusTransport(Config{
		Host:           "127.0.0.1",
		Serial:         "CE12345678",
		InverterFamily: InterconnectFamily,
	}, nil)
	require.NoError(t, err)
	assert.False(t, mt.Capabilities().CanReadBattery)

	mt, err = NewModbusTransport(Config{Host: "127.0.0.1", Serial: "CE12345678"}, nil)
	require.NoError(t, err)
	assert.True(t, mt.Capabilities().CanReadBattery)
}
