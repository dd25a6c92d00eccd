package transport

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/berfenger/luxbridge/pkg/registers"
)

// Operation names used by TestTransport for call counting and failure
// injection.
const (
	OpConnect    = "connect"
	OpRuntime    = "runtime"
	OpEnergy     = "energy"
	OpBattery    = "battery"
	OpParameters = "parameters"
	OpWrite      = "write"
	OpFirmware   = "firmware"
	OpDeviceType = "device_type"
	OpHistory    = "history"
)

// TestTransport is an in-memory Transport for tests of code above the
// transport layer.
type TestTransport struct {
	mu        sync.Mutex
	kind      Kind
	serial    string
	caps      Capabilities
	connected bool
	midbox    bool
	errs      map[string]error
	calls     map[string]int

	Runtime    *Readings
	Energy     *Readings
	Battery    *BatteryReadings
	Holding    registers.RawMap
	Firmware   string
	DeviceType uint16
	History    []HistoryPoint
	Written    []map[uint16]uint16
}

var (
	_ Transport         = (*TestTransport)(nil)
	_ HistoryReader     = (*TestTransport)(nil)
	_ InterconnectAware = (*TestTransport)(nil)
)

func NewTestTransport(kind Kind, serial string) *TestTransport {
	now := time.Now()
	return &TestTransport{
		kind:   kind,
		serial: serial,
		caps:   CapabilitiesFor(kind),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
		Runtime: &Readings{Timestamp: now, Values: map[string]float64{
			"status":          16,
			"battery_voltage": 53.9,
			"soc":             80,
			"pv1_power":       1250,
			"power_to_grid":   0,
		}},
		Energy: &Readings{Timestamp: now, Values: map[string]float64{
			"pv1_energy_today":       12.4,
			"pv1_energy_total":       4521.7,
			"charge_energy_total":    1830.2,
			"discharge_energy_total": 1602.9,
		}},
		Battery: &BatteryReadings{
			Bank: Readings{Timestamp: now, Values: map[string]float64{"soc": 80, "soh": 100, "battery_count": 1}},
			Modules: []BatteryModule{
				{Index: 0, Serial: "BA12345678", Values: map[string]float64{"voltage": 53.05, "soc": 80}},
			},
		},
		Holding:    registers.RawMap{registers.HoldFirmwareCode: 0x0211, registers.HoldDeviceTypeCode: 2092},
		Firmware:   "2.17",
		DeviceType: 2092,
	}
}

// SetError makes every later call of op fail with err. A nil err clears it.
func (t *TestTransport) SetError(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.errs, op)
		return
	}
	t.errs[op] = err
}

// SetInterconnect records the switch and drops battery reads, like the
// local transports do.
func (t *TestTransport) SetInterconnect(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.midbox = on
	t.caps.CanReadBattery = !on && CapabilitiesFor(t.kind).CanReadBattery
}

func (t *TestTransport) Interconnect() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.midbox
}

func (t *TestTransport) SetCapabilities(caps Capabilities) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.caps = caps
}

func (t *TestTransport) CallCount(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

func (t *TestTransport) begin(op string, needConnection bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[op]++
	if needConnection && !t.connected {
		return notConnected(t.kind, op)
	}
	return t.errs[op]
}

func (t *TestTransport) Connect(ctx context.Context) error {
	if err := t.begin(OpConnect, false); err != nil {
		return err
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *TestTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

func (t *TestTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *TestTransport) Kind() Kind { return t.kind }

func (t *TestTransport) Capabilities() Capabilities {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.caps
}

func (t *TestTransport) Serial() string { return t.serial }

func copyReadings(r *Readings) *Readings {
	if r == nil {
		return nil
	}
	return &Readings{Values: maps.Clone(r.Values), Timestamp: r.Timestamp}
}

func (t *TestTransport) ReadRuntime(ctx context.Context) (*Readings, error) {
	if err := t.begin(OpRuntime, true); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyReadings(t.Runtime), nil
}

func (t *TestTransport) ReadEnergy(ctx context.Context) (*Readings, error) {
	if err := t.begin(OpEnergy, true); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyReadings(t.Energy), nil
}

func (t *TestTransport) ReadBattery(ctx context.Context) (*BatteryReadings, error) {
	if err := t.begin(OpBattery, true); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Battery == nil {
		return nil, nil
	}
	b := &BatteryReadings{Bank: *copyReadings(&t.Battery.Bank)}
	for _, m := range t.Battery.Modules {
		m.Values = maps.Clone(m.Values)
		b.Modules = append(b.Modules, m)
	}
	return b, nil
}

// ReadParameters returns the stored holding registers inside the range.
// Addresses never stored are left out.
func (t *TestTransport) ReadParameters(ctx context.Context, start, count uint16) (registers.RawMap, error) {
	if err := t.begin(OpParameters, true); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(registers.RawMap)
	for addr, v := range t.Holding {
		if addr >= start && int(addr) < int(start)+int(count) {
			out[addr] = v
		}
	}
	return out, nil
}

func (t *TestTransport) WriteParameters(ctx context.Context, values map[uint16]uint16) error {
	if err := t.begin(OpWrite, true); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Holding == nil {
		t.Holding = make(registers.RawMap)
	}
	for addr, v := range values {
		t.Holding[addr] = v
	}
	t.Written = append(t.Written, maps.Clone(values))
	return nil
}

func (t *TestTransport) ReadFirmwareVersion(ctx context.Context) (string, error) {
	if err := t.begin(OpFirmware, true); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Firmware, nil
}

func (t *TestTransport) ReadDeviceType(ctx context.Context) (uint16, error) {
	if err := t.begin(OpDeviceType, true); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.DeviceType, nil
}

func (t *TestTransport) ReadHistory(ctx context.Context, day time.Time) ([]HistoryPoint, error) {
	if err := t.begin(OpHistory, true); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.History, nil
}
