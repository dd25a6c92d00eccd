package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/berfenger/luxbridge/pkg/transport"
)

var ErrDeviceNotFound = errors.New("device not found")

// DeviceRequest is a request addressed to the actor of one device. The
// master actor routes it by serial.
type DeviceRequest interface {
	ActorRequest
	DeviceSerial() string
	DeviceCommand() string
}

type DeviceRequestMixIn struct {
	ActorRequestMixIn
	Serial string
}

func (r DeviceRequestMixIn) DeviceSerial() string {
	return r.Serial
}

func (r DeviceRequestMixIn) DeviceCommand() string {
	return fmt.Sprintf("%T", r)
}

// RefreshDeviceRequest refreshes every category whose TTL expired, or all
// of them when Force is set.
type RefreshDeviceRequest struct {
	DeviceRequestMixIn
	Force bool
}

type RefreshDeviceResponse struct {
	ActorResponseMixIn
	Snapshot DeviceSnapshot
}

type GetDeviceSnapshotRequest struct {
	DeviceRequestMixIn
}

type GetDeviceSnapshotResponse struct {
	ActorResponseMixIn
	Snapshot DeviceSnapshot
}

type WriteParametersRequest struct {
	DeviceRequestMixIn
	Values map[uint16]uint16
}

type WriteParametersResponse struct {
	ActorResponseMixIn
}

// ReadHistoryRequest fetches the stored history of one day from the cloud.
type ReadHistoryRequest struct {
	DeviceRequestMixIn
	Day time.Time
}

type ReadHistoryResponse struct {
	ActorResponseMixIn
	Points []transport.HistoryPoint
}

// ensure interface compliance
var (
	_ DeviceRequest = RefreshDeviceRequest{}
	_ DeviceRequest = GetDeviceSnapshotRequest{}
	_ DeviceRequest = WriteParametersRequest{}
	_ DeviceRequest = ReadHistoryRequest{}
)

// DecodeParameterValues parses a JSON object of register address to value,
// e.g. {"21": 255, "64": 100}.
func DecodeParameterValues(data []byte) (map[uint16]uint16, error) {
	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parameter payload: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("parameter payload: no registers")
	}
	values := make(map[uint16]uint16, len(raw))
	for k, v := range raw {
		addr, err := strconv.ParseUint(k, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("parameter payload: invalid register %q", k)
		}
		if v < 0 || v > 0xFFFF {
			return nil, fmt.Errorf("parameter payload: value %d of register %d out of range", v, addr)
		}
		values[uint16(addr)] = uint16(v)
	}
	return values, nil
}
