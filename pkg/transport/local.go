package transport

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/berfenger/luxbridge/pkg/registers"
	"go.uber.org/zap"
)

// MaxRegistersPerRequest is the largest block a device answers in one read.
const MaxRegistersPerRequest = 40

const batteryModuleSpan = 24

// registerIO is the raw word access a local transport provides.
type registerIO interface {
	readInput(ctx context.Context, start, count uint16) ([]uint16, error)
	readHolding(ctx context.Context, start, count uint16) ([]uint16, error)
	writeHolding(ctx context.Context, start uint16, values []uint16) error
}

type readFunc func(ctx context.Context, start, count uint16) ([]uint16, error)

// localCore turns raw register access into decoded readings. Modbus and
// dongle transports embed it and only differ in their registerIO.
type localCore struct {
	kind         Kind
	serial       string
	io           registerIO
	connected    atomic.Bool
	interconnect atomic.Bool
	logger       *zap.Logger
	now          func() time.Time
}

func newLocalCore(kind Kind, serial string, io registerIO, logger *zap.Logger) *localCore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &localCore{
		kind:   kind,
		serial: serial,
		io:     io,
		logger: logger,
		now:    time.Now,
	}
}

func (c *localCore) Kind() Kind { return c.kind }

func (c *localCore) Serial() string { return c.serial }

func (c *localCore) IsConnected() bool { return c.connected.Load() }

func (c *localCore) Capabilities() Capabilities {
	caps := CapabilitiesFor(c.kind)
	if c.interconnect.Load() {
		caps.CanReadBattery = false
	}
	return caps
}

// SetInterconnect switches runtime and energy reads to the interconnect
// controller register map.
func (c *localCore) SetInterconnect(on bool) { c.interconnect.Store(on) }

func (c *localCore) runtimeFields() []registers.Field {
	if c.interconnect.Load() {
		return registers.MidboxRuntimeFields
	}
	return registers.RuntimeFields
}

func (c *localCore) energyFields() []registers.Field {
	if c.interconnect.Load() {
		return registers.MidboxEnergyFields
	}
	return registers.EnergyFields
}

// readChunked reads count registers from start in blocks of at most
// MaxRegistersPerRequest and merges them into one map.
func (c *localCore) readChunked(ctx context.Context, op string, read readFunc, start, count uint16) (registers.RawMap, error) {
	if !c.IsConnected() {
		return nil, notConnected(c.kind, op)
	}
	if int(start)+int(count) > 0x10000 {
		return nil, &ProtocolError{Op: op, Kind: c.kind, Message: fmt.Sprintf("range %d+%d exceeds register space", start, count)}
	}

	result := make(registers.RawMap, count)
	remaining := int(count)
	addr := int(start)
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return nil, wrapIOError(c.kind, op, err)
		}
		n := min(remaining, MaxRegistersPerRequest)
		words, err := read(ctx, uint16(addr), uint16(n))
		if err != nil {
			return nil, wrapIOError(c.kind, op, err)
		}
		if len(words) != n {
			return nil, &ProtocolError{Op: op, Kind: c.kind, Message: fmt.Sprintf("short read at %d: want %d registers, got %d", addr, n, len(words))}
		}
		result.Merge(registers.FromWords(uint16(addr), words))
		addr += n
		remaining -= n
	}
	return result, nil
}

func (c *localCore) readFields(ctx context.Context, op string, fields []registers.Field) (*Readings, error) {
	start, count := span(fields)
	regs, err := c.readChunked(ctx, op, c.io.readInput, start, count)
	if err != nil {
		return nil, err
	}
	return &Readings{
		Values:    registers.DecodeFields(regs, fields, 0),
		Timestamp: c.now(),
	}, nil
}

func (c *localCore) ReadRuntime(ctx context.Context) (*Readings, error) {
	return c.readFields(ctx, "read runtime", c.runtimeFields())
}

func (c *localCore) ReadEnergy(ctx context.Context) (*Readings, error) {
	return c.readFields(ctx, "read energy", c.energyFields())
}

func (c *localCore) ReadBattery(ctx context.Context) (*BatteryReadings, error) {
	if c.interconnect.Load() {
		return nil, fmt.Errorf("%w: battery on interconnect controller %s", ErrUnsupported, c.serial)
	}
	bank, err := c.readFields(ctx, "read battery", registers.BatteryBankFields)
	if err != nil {
		return nil, err
	}
	result := &BatteryReadings{Bank: *bank}

	count, ok := bank.Get(registers.BatteryCountField.Name)
	if !ok || count <= 0 {
		return result, nil
	}
	modules := min(int(count), registers.MaxBatteryModules)
	for i := 0; i < modules; i++ {
		base := registers.BatteryModuleBase + uint16(i)*registers.BatteryModuleStride
		regs, err := c.readChunked(ctx, "read battery module", c.io.readInput, base, batteryModuleSpan)
		if err != nil {
			// the bank is still useful without per module detail
			c.logger.Warn("battery module read failed", zap.Int("module", i), zap.Error(err))
			break
		}
		module := BatteryModule{
			Index:  i,
			Serial: registers.ReadBatterySerial(regs, base, registers.ModuleSerialOffset, registers.ModuleSerialWords),
			Values: registers.DecodeFields(regs, registers.BatteryModuleFields, base),
		}
		if fw, ok := registers.ReadRaw(regs, registers.ModuleFirmware, base); ok {
			module.Firmware = registers.UnpackFirmware(uint16(fw))
		}
		result.Modules = append(result.Modules, module)
	}
	return result, nil
}

func (c *localCore) ReadParameters(ctx context.Context, start, count uint16) (registers.RawMap, error) {
	return c.readChunked(ctx, "read parameters", c.io.readHolding, start, count)
}

// WriteParameters writes each run of consecutive addresses as one block,
// split at MaxRegistersPerRequest.
func (c *localCore) WriteParameters(ctx context.Context, values map[uint16]uint16) error {
	if !c.IsConnected() {
		return notConnected(c.kind, "write parameters")
	}
	for _, run := range consecutiveRuns(values) {
		for off := 0; off < len(run.values); off += MaxRegistersPerRequest {
			end := min(off+MaxRegistersPerRequest, len(run.values))
			addr := run.start + uint16(off)
			if err := c.io.writeHolding(ctx, addr, run.values[off:end]); err != nil {
				return wrapIOError(c.kind, "write parameters", err)
			}
		}
	}
	return nil
}

func (c *localCore) ReadFirmwareVersion(ctx context.Context) (string, error) {
	regs, err := c.ReadParameters(ctx, registers.HoldFirmwareCode, 1)
	if err != nil {
		return "", err
	}
	return registers.UnpackFirmware(regs[registers.HoldFirmwareCode]), nil
}

func (c *localCore) ReadDeviceType(ctx context.Context) (uint16, error) {
	regs, err := c.ReadParameters(ctx, registers.HoldDeviceTypeCode, 1)
	if err != nil {
		return 0, err
	}
	return regs[registers.HoldDeviceTypeCode], nil
}

type registerRun struct {
	start  uint16
	values []uint16
}

func consecutiveRuns(values map[uint16]uint16) []registerRun {
	addrs := make([]uint16, 0, len(values))
	for addr := range values {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)

	var runs []registerRun
	for _, addr := range addrs {
		n := len(runs)
		if n > 0 && int(runs[n-1].start)+len(runs[n-1].values) == int(addr) {
			runs[n-1].values = append(runs[n-1].values, values[addr])
			continue
		}
		runs = append(runs, registerRun{start: addr, values: []uint16{values[addr]}})
	}
	return runs
}

// span returns the smallest register window covering fields.
func span(fields []registers.Field) (uint16, uint16) {
	lo, hi := uint16(0xFFFF), uint16(0)
	for _, f := range fields {
		addr := f.Def.Address()
		last := addr + uint16(f.Def.BitWidth()/16) - 1
		lo = min(lo, addr)
		hi = max(hi, last)
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi - lo + 1
}
