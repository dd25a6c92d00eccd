package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sigurn/crc16"
)

// Dongle frames wrap a Modbus-like device packet in a TCP envelope:
//
//	prefix(2) protocol(2) length(2) address(1) tcp-func(1) dongle-serial(10) data-length(2) data
//
// All integers are little-endian and length counts every byte after itself.
// The device packet inside data ends with a CRC-16/MODBUS of the packet.
const (
	framePrefix      uint16 = 0x1AA1
	frameProtocol    uint16 = 2
	frameAddress     byte   = 1
	frameHeaderLen          = 20
	frameLengthBase         = 6
	maxFrameLength          = 1024
	tcpFuncHeartbeat byte   = 0xC1
	tcpFuncData      byte   = 0xC2

	fnReadHolding  byte = 0x03
	fnReadInput    byte = 0x04
	fnWriteSingle  byte = 0x06
	fnWriteMulti   byte = 0x10
	fnExceptionBit byte = 0x80

	actionRequest  byte = 0
	actionResponse byte = 1

	exceptionBusy byte = 0x06
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

var errBadFrame = errors.New("malformed dongle frame")

type dongleFrame struct {
	tcpFunc      byte
	dongleSerial string
	data         []byte
	raw          []byte
}

type devicePacket struct {
	action    byte
	function  byte
	serial    string
	start     uint16
	words     []uint16
	value     uint16
	exception byte
}

func (p devicePacket) isException() bool { return p.function&fnExceptionBit != 0 }

func padSerial(serial string) []byte {
	b := make([]byte, serialLength)
	copy(b, serial)
	return b
}

func encodeFrame(tcpFunc byte, dongleSerial string, data []byte) []byte {
	buf := make([]byte, frameHeaderLen, frameHeaderLen+len(data))
	binary.LittleEndian.PutUint16(buf[0:], framePrefix)
	binary.LittleEndian.PutUint16(buf[2:], frameProtocol)
	binary.LittleEndian.PutUint16(buf[4:], uint16(frameHeaderLen+len(data)-frameLengthBase))
	buf[6] = frameAddress
	buf[7] = tcpFunc
	copy(buf[8:18], padSerial(dongleSerial))
	binary.LittleEndian.PutUint16(buf[18:], uint16(len(data)))
	return append(buf, data...)
}

func withCRC(packet []byte) []byte {
	return binary.LittleEndian.AppendUint16(packet, crc16.Checksum(packet, crcTable))
}

func packetHeader(action, fn byte, serial string, start uint16) []byte {
	b := make([]byte, 0, 32)
	b = append(b, action, fn)
	b = append(b, padSerial(serial)...)
	return binary.LittleEndian.AppendUint16(b, start)
}

func encodeReadRequest(fn byte, serial string, start, count uint16) []byte {
	b := packetHeader(actionRequest, fn, serial, start)
	b = binary.LittleEndian.AppendUint16(b, count)
	return withCRC(b)
}

func encodeWriteRequest(serial string, start uint16, values []uint16) []byte {
	if len(values) == 1 {
		b := packetHeader(actionRequest, fnWriteSingle, serial, start)
		b = binary.LittleEndian.AppendUint16(b, values[0])
		return withCRC(b)
	}
	b := packetHeader(actionRequest, fnWriteMulti, serial, start)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(values)))
	b = append(b, byte(len(values)*2))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint16(b, v)
	}
	return withCRC(b)
}

// encodeReadResponse builds what a device answers to a read. Used by the
// in-process dongle fake in tests.
func encodeReadResponse(fn byte, serial string, start uint16, words []uint16) []byte {
	b := packetHeader(actionResponse, fn, serial, start)
	b = append(b, byte(len(words)*2))
	for _, w := range words {
		b = binary.LittleEndian.AppendUint16(b, w)
	}
	return withCRC(b)
}

func encodeException(fn byte, serial string, start uint16, code byte) []byte {
	b := packetHeader(actionResponse, fn|fnExceptionBit, serial, start)
	b = append(b, code)
	return withCRC(b)
}

func readFrame(r io.Reader) (dongleFrame, error) {
	head := make([]byte, frameLengthBase)
	if _, err := io.ReadFull(r, head); err != nil {
		return dongleFrame{}, err
	}
	if binary.LittleEndian.Uint16(head[0:]) != framePrefix {
		return dongleFrame{}, fmt.Errorf("%w: bad prefix % x", errBadFrame, head[0:2])
	}
	length := int(binary.LittleEndian.Uint16(head[4:]))
	if length < frameHeaderLen-frameLengthBase || length > maxFrameLength {
		return dongleFrame{}, fmt.Errorf("%w: length %d", errBadFrame, length)
	}
	raw := make([]byte, frameLengthBase+length)
	copy(raw, head)
	if _, err := io.ReadFull(r, raw[frameLengthBase:]); err != nil {
		return dongleFrame{}, err
	}
	return dongleFrame{
		tcpFunc:      raw[7],
		dongleSerial: strings.TrimRight(string(raw[8:18]), "\x00"),
		data:         raw[frameHeaderLen:],
		raw:          raw,
	}, nil
}

func decodePacket(data []byte) (devicePacket, error) {
	const fixed = 2 + serialLength + 2
	if len(data) < fixed+2 {
		return devicePacket{}, fmt.Errorf("%w: packet too short (%d bytes)", errBadFrame, len(data))
	}
	body, sum := data[:len(data)-2], binary.LittleEndian.Uint16(data[len(data)-2:])
	if crc16.Checksum(body, crcTable) != sum {
		return devicePacket{}, fmt.Errorf("%w: crc mismatch", errBadFrame)
	}

	p := devicePacket{
		action:   body[0],
		function: body[1],
		serial:   strings.TrimRight(string(body[2:2+serialLength]), "\x00"),
		start:    binary.LittleEndian.Uint16(body[2+serialLength:]),
	}
	rest := body[fixed:]

	if p.isException() {
		if len(rest) < 1 {
			return devicePacket{}, fmt.Errorf("%w: exception without code", errBadFrame)
		}
		p.exception = rest[0]
		return p, nil
	}

	switch p.function {
	case fnReadHolding, fnReadInput:
		if p.action == actionRequest {
			if len(rest) < 2 {
				return devicePacket{}, fmt.Errorf("%w: read request without count", errBadFrame)
			}
			p.value = binary.LittleEndian.Uint16(rest)
			return p, nil
		}
		if len(rest) < 1 || int(rest[0]) != len(rest)-1 || rest[0]%2 != 0 {
			return devicePacket{}, fmt.Errorf("%w: bad byte count", errBadFrame)
		}
		p.words = make([]uint16, int(rest[0])/2)
		for i := range p.words {
			p.words[i] = binary.LittleEndian.Uint16(rest[1+2*i:])
		}
	case fnWriteSingle:
		if len(rest) < 2 {
			return devicePacket{}, fmt.Errorf("%w: write without value", errBadFrame)
		}
		p.value = binary.LittleEndian.Uint16(rest)
		p.words = []uint16{p.value}
	case fnWriteMulti:
		if len(rest) < 2 {
			return devicePacket{}, fmt.Errorf("%w: write without count", errBadFrame)
		}
		p.value = binary.LittleEndian.Uint16(rest)
		if p.action == actionRequest && len(rest) >= 3 {
			n := int(rest[2]) / 2
			if len(rest) < 3+2*n {
				return devicePacket{}, fmt.Errorf("%w: truncated write payload", errBadFrame)
			}
			p.words = make([]uint16, n)
			for i := range p.words {
				p.words[i] = binary.LittleEndian.Uint16(rest[3+2*i:])
			}
		}
	default:
		return devicePacket{}, fmt.Errorf("%w: unknown function 0x%02x", errBadFrame, p.function)
	}
	return p, nil
}
