package registers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadScaledVoltage(t *testing.T) {
	assert := assert.New(t)

	regs := RawMap{4: 539, 60: 5305}

	v, ok := ReadScaled(regs, U16(4, 10), 0)
	assert.True(ok)
	assert.InDelta(53.9, v, 1e-9)

	v, ok = ReadScaled(regs, U16(60, 100), 0)
	assert.True(ok)
	assert.InDelta(53.05, v, 1e-9)
}

func TestReadRawSigned16(t *testing.T) {
	assert := assert.New(t)

	regs := RawMap{98: 0xFFFF, 99: 32767, 100: 32768}

	v, ok := ReadRaw(regs, S16(98, 1), 0)
	assert.True(ok)
	assert.Equal(int64(-1), v)

	v, _ = ReadRaw(regs, S16(99, 1), 0)
	assert.Equal(int64(32767), v)

	v, _ = ReadRaw(regs, S16(100, 1), 0)
	assert.Equal(int64(-32768), v)

	// unsigned definitions never sign extend
	v, _ = ReadRaw(regs, U16(98, 1), 0)
	assert.Equal(int64(65535), v)
}

func TestReadRaw32LowWordFirst(t *testing.T) {
	assert := assert.New(t)

	regs := RawMap{40: 0x5678, 41: 0x0012}
	v, ok := ReadRaw(regs, U32(40, 1), 0)
	assert.True(ok)
	assert.Equal(int64(0x00125678), v)

	scaled, ok := ReadScaled(regs, U32(40, 10), 0)
	assert.True(ok)
	assert.InDelta(float64(0x00125678)/10, scaled, 1e-9)
}

func TestReadRaw32Signed(t *testing.T) {
	assert := assert.New(t)

	def := Midbox(10, 32, 1, true)
	v, ok := ReadRaw(RawMap{10: 0xFFFE, 11: 0xFFFF}, def, 0)
	assert.True(ok)
	assert.Equal(int64(-2), v)
}

func TestMissingRegisterIsAbsent(t *testing.T) {
	assert := assert.New(t)

	_, ok := ReadRaw(RawMap{}, U16(4, 10), 0)
	assert.False(ok)

	// half of a 32-bit pair is not enough
	_, ok = ReadRaw(RawMap{40: 1}, U32(40, 10), 0)
	assert.False(ok)

	_, ok = ReadScaled(RawMap{41: 1}, U32(40, 10), 0)
	assert.False(ok)

	// a present zero is still present
	v, ok := ReadScaled(RawMap{4: 0}, U16(4, 10), 0)
	assert.True(ok)
	assert.Equal(0.0, v)
}

func TestPackedRegister(t *testing.T) {
	assert := assert.New(t)

	regs := RawMap{5: 0x6450} // soh 100, soc 80

	soc, ok := ReadRaw(regs, Low(5), 0)
	assert.True(ok)
	assert.Equal(int64(80), soc)

	soh, ok := ReadRaw(regs, High(5), 0)
	assert.True(ok)
	assert.Equal(int64(100), soh)
}

func TestModuleRelativeAddressing(t *testing.T) {
	assert := assert.New(t)

	base := BatteryModuleBase + BatteryModuleStride
	regs := RawMap{base + 1: 0xFFF6}

	v, ok := ReadScaled(regs, Module(1, 16, 10, true, PackingNone), base)
	assert.True(ok)
	assert.InDelta(-1.0, v, 1e-9)

	_, ok = ReadScaled(regs, Module(1, 16, 10, true, PackingNone), BatteryModuleBase)
	assert.False(ok)
}

func TestInvalidDefinitionsPanic(t *testing.T) {
	assert := assert.New(t)

	assert.Panics(func() { Midbox(1, 24, 1, false) })
	assert.Panics(func() { Module(1, 32, 1, false, PackingLowByte) })
	assert.Panics(func() { Module(1, 16, 1, true, PackingHighByte) })
	assert.Panics(func() {
		ReadRaw(RawMap{1: 1}, RegisterDef{Addr: 1, Width: 8}, 0)
	})
}

func TestScaleDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, RegisterDef{Width: 16}.Scale())
}

func TestReadBatterySerial(t *testing.T) {
	assert := assert.New(t)

	base := BatteryModuleBase
	regs := FromWords(base+ModuleSerialOffset, []uint16{
		'B'<<8 | 'A',
		'1'<<8 | '2',
		'3'<<8 | 0x01, // control byte dropped
		'4'<<8 | ' ',
	})
	assert.Equal("BA1234", ReadBatterySerial(regs, base, ModuleSerialOffset, ModuleSerialWords))

	// gaps are skipped
	delete(regs, base+ModuleSerialOffset+1)
	assert.Equal("BA34", ReadBatterySerial(regs, base, ModuleSerialOffset, ModuleSerialWords))

	assert.Equal("", ReadBatterySerial(RawMap{}, base, ModuleSerialOffset, ModuleSerialWords))
}

func TestUnpackFirmware(t *testing.T) {
	assert.Equal(t, "2.17", UnpackFirmware(0x0211))
}

func TestRawMapMerge(t *testing.T) {
	require := require.New(t)

	m := FromWords(0, []uint16{1, 2})
	m.Merge(FromWords(2, []uint16{3}))
	require.Len(m, 3)
	require.Equal(uint16(3), m[2])
}
