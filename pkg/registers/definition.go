package registers

import "fmt"

// Packing selects one byte out of a 16-bit register that carries two values.
type Packing uint8

const (
	PackingNone Packing = iota
	PackingLowByte
	PackingHighByte
)

func (p Packing) String() string {
	switch p {
	case PackingLowByte:
		return "low_byte"
	case PackingHighByte:
		return "high_byte"
	default:
		return "none"
	}
}

// Definition is the common shape of every register description, whether it
// belongs to an inverter, a battery module or an interconnect controller.
type Definition interface {
	Address() uint16
	Offset() uint16
	BitWidth() int
	Scale() int
	Signed() bool
	Packing() Packing
}

// RegisterDef holds the fields shared by all concrete definition types.
type RegisterDef struct {
	Addr  uint16
	Off   uint16
	Width int
	Div   int
	Sign  bool
	Pack  Packing
}

func (d RegisterDef) Address() uint16  { return d.Addr }
func (d RegisterDef) Offset() uint16   { return d.Off }
func (d RegisterDef) BitWidth() int    { return d.Width }
func (d RegisterDef) Signed() bool     { return d.Sign }
func (d RegisterDef) Packing() Packing { return d.Pack }

func (d RegisterDef) Scale() int {
	if d.Div <= 0 {
		return 1
	}
	return d.Div
}

// Validate checks the structural invariants of a definition.
func (d RegisterDef) Validate() error {
	if d.Width != 16 && d.Width != 32 {
		return fmt.Errorf("registers: invalid bit width %d at address %d", d.Width, d.Addr)
	}
	if d.Pack != PackingNone && d.Width != 16 {
		return fmt.Errorf("registers: packed register at address %d must be 16 bits wide", d.Addr)
	}
	if d.Pack != PackingNone && d.Sign {
		return fmt.Errorf("registers: packed register at address %d cannot be signed", d.Addr)
	}
	return nil
}

// InverterRegister is an absolute input or holding register of an inverter.
type InverterRegister struct{ RegisterDef }

// BatteryRegister is addressed relative to the start of a battery module block.
type BatteryRegister struct{ RegisterDef }

// MidboxRegister is an input register of a microgrid interconnect controller.
type MidboxRegister struct{ RegisterDef }

// U16 builds an unsigned 16-bit inverter register.
func U16(addr uint16, scale int) InverterRegister {
	return mustInverter(RegisterDef{Addr: addr, Width: 16, Div: scale})
}

// S16 builds a signed 16-bit inverter register.
func S16(addr uint16, scale int) InverterRegister {
	return mustInverter(RegisterDef{Addr: addr, Width: 16, Div: scale, Sign: true})
}

// U32 builds an unsigned 32-bit inverter register spanning addr and addr+1.
func U32(addr uint16, scale int) InverterRegister {
	return mustInverter(RegisterDef{Addr: addr, Width: 32, Div: scale})
}

// Low builds the low byte half of a packed inverter register.
func Low(addr uint16) InverterRegister {
	return mustInverter(RegisterDef{Addr: addr, Width: 16, Div: 1, Pack: PackingLowByte})
}

// High builds the high byte half of a packed inverter register.
func High(addr uint16) InverterRegister {
	return mustInverter(RegisterDef{Addr: addr, Width: 16, Div: 1, Pack: PackingHighByte})
}

// Module builds a battery register at offset within a module block.
func Module(offset uint16, width int, scale int, signed bool, pack Packing) BatteryRegister {
	d := RegisterDef{Addr: offset, Off: offset, Width: width, Div: scale, Sign: signed, Pack: pack}
	if err := d.Validate(); err != nil {
		panic(err)
	}
	return BatteryRegister{d}
}

// Midbox builds an interconnect controller register.
func Midbox(addr uint16, width int, scale int, signed bool) MidboxRegister {
	d := RegisterDef{Addr: addr, Width: width, Div: scale, Sign: signed}
	if err := d.Validate(); err != nil {
		panic(err)
	}
	return MidboxRegister{d}
}

func mustInverter(d RegisterDef) InverterRegister {
	if err := d.Validate(); err != nil {
		panic(err)
	}
	return InverterRegister{d}
}
