package registers

import (
	"fmt"
	"strings"
)

// RawMap maps absolute register addresses to raw 16-bit words from one read.
type RawMap map[uint16]uint16

// Merge copies every word of other into m.
func (m RawMap) Merge(other RawMap) {
	for addr, v := range other {
		m[addr] = v
	}
}

// FromWords builds a RawMap from consecutive words starting at start.
func FromWords(start uint16, words []uint16) RawMap {
	m := make(RawMap, len(words))
	for i, w := range words {
		m[start+uint16(i)] = w
	}
	return m
}

// ResolveAddress returns the absolute address of def. A nonzero base selects
// block-relative addressing through the definition offset.
func ResolveAddress(def Definition, base uint16) uint16 {
	if base != 0 {
		return base + def.Offset()
	}
	return def.Address()
}

// ReadRaw decodes the raw integer value of def. The second return value is
// false when any register the definition needs is missing from regs; a
// missing register is never reported as zero.
func ReadRaw(regs RawMap, def Definition, base uint16) (int64, bool) {
	addr := ResolveAddress(def, base)

	switch def.BitWidth() {
	case 16:
		word, ok := regs[addr]
		if !ok {
			return 0, false
		}
		raw := int64(word)
		switch def.Packing() {
		case PackingLowByte:
			return raw & 0xFF, true
		case PackingHighByte:
			return (raw >> 8) & 0xFF, true
		}
		if def.Signed() && raw > 32767 {
			raw -= 65536
		}
		return raw, true
	case 32:
		low, ok := regs[addr]
		if !ok {
			return 0, false
		}
		high, ok := regs[addr+1]
		if !ok {
			return 0, false
		}
		raw := int64(high)<<16 | int64(low)
		if def.Signed() && raw > 2147483647 {
			raw -= 4294967296
		}
		return raw, true
	default:
		panic(fmt.Sprintf("registers: invalid bit width %d at address %d", def.BitWidth(), addr))
	}
}

// ReadScaled decodes def and divides it by the definition scale.
func ReadScaled(regs RawMap, def Definition, base uint16) (float64, bool) {
	raw, ok := ReadRaw(regs, def, base)
	if !ok {
		return 0, false
	}
	scale := def.Scale()
	if scale == 1 {
		return float64(raw), true
	}
	return float64(raw) / float64(scale), true
}

// ReadBatterySerial extracts an ASCII string from count consecutive registers
// starting at base+startOffset. Each register carries two characters, high byte
// first. Non printable bytes are dropped. Missing registers are skipped.
func ReadBatterySerial(regs RawMap, base, startOffset uint16, count int) string {
	var sb strings.Builder
	addr := base + startOffset
	for i := 0; i < count; i++ {
		word, ok := regs[addr+uint16(i)]
		if !ok {
			continue
		}
		for _, b := range []byte{byte(word >> 8), byte(word)} {
			if b >= 32 && b <= 126 {
				sb.WriteByte(b)
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// UnpackFirmware renders a packed firmware word as "major.minor".
func UnpackFirmware(word uint16) string {
	return fmt.Sprintf("%d.%d", word>>8, word&0xFF)
}
