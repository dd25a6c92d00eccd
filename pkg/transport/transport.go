package transport

import (
	"context"
	"time"

	"github.com/berfenger/luxbridge/pkg/registers"
)

type Kind string

const (
	KindHTTP   Kind = "http"
	KindModbus Kind = "modbus"
	KindDongle Kind = "dongle"
	KindHybrid Kind = "hybrid"
)

func (k Kind) IsLocal() bool {
	return k == KindModbus || k == KindDongle
}

func (k Kind) Valid() bool {
	switch k {
	case KindHTTP, KindModbus, KindDongle, KindHybrid:
		return true
	}
	return false
}

// Capabilities describes what a transport kind can do. Values are static per
// kind and shared by every transport of that kind.
type Capabilities struct {
	CanReadRuntime         bool
	CanReadEnergy          bool
	CanReadBattery         bool
	CanReadParameters      bool
	CanWriteParameters     bool
	IsLocal                bool
	RequiresAuthentication bool
	CanDiscoverDevices     bool
	CanReadHistory         bool
}

var (
	HTTPCapabilities = Capabilities{
		CanReadRuntime:         true,
		CanReadEnergy:          true,
		CanReadBattery:         true,
		CanReadParameters:      true,
		CanWriteParameters:     true,
		RequiresAuthentication: true,
		CanDiscoverDevices:     true,
		CanReadHistory:         true,
	}

	ModbusCapabilities = Capabilities{
		CanReadRuntime:     true,
		CanReadEnergy:      true,
		CanReadBattery:     true,
		CanReadParameters:  true,
		CanWriteParameters: true,
		IsLocal:            true,
	}

	DongleCapabilities = ModbusCapabilities

	HybridCapabilities = Capabilities{
		CanReadRuntime:         true,
		CanReadEnergy:          true,
		CanReadBattery:         true,
		CanReadParameters:      true,
		CanWriteParameters:     true,
		IsLocal:                true,
		RequiresAuthentication: true,
		CanDiscoverDevices:     true,
		CanReadHistory:         true,
	}
)

// CapabilitiesFor returns the static capability set of kind.
func CapabilitiesFor(kind Kind) Capabilities {
	switch kind {
	case KindHTTP:
		return HTTPCapabilities
	case KindModbus:
		return ModbusCapabilities
	case KindDongle:
		return DongleCapabilities
	case KindHybrid:
		return HybridCapabilities
	}
	return Capabilities{}
}

// Transport is the uniform surface over every way of reaching a device.
// Reads fail with a *ConnectionError while the transport is not connected.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	Kind() Kind
	Capabilities() Capabilities
	Serial() string

	ReadRuntime(ctx context.Context) (*Readings, error)
	ReadEnergy(ctx context.Context) (*Readings, error)
	ReadBattery(ctx context.Context) (*BatteryReadings, error)
	ReadParameters(ctx context.Context, start, count uint16) (registers.RawMap, error)
	WriteParameters(ctx context.Context, values map[uint16]uint16) error

	ReadFirmwareVersion(ctx context.Context) (string, error)
	ReadDeviceType(ctx context.Context) (uint16, error)
}

// HistoryReader is implemented by transports that can fetch stored history.
type HistoryReader interface {
	ReadHistory(ctx context.Context, day time.Time) ([]HistoryPoint, error)
}

// InterconnectAware is implemented by local transports that can switch to the
// interconnect controller register map once the device type is known.
type InterconnectAware interface {
	SetInterconnect(on bool)
}

// DeviceLister is implemented by transports that can enumerate devices.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]RemoteDevice, error)
}

type HistoryPoint struct {
	Time   time.Time          `json:"time"`
	Values map[string]float64 `json:"values"`
}

type RemoteDevice struct {
	Serial     string `json:"serial"`
	DeviceType string `json:"device_type"`
	PlantID    int    `json:"plant_id"`
	Status     string `json:"status"`
}

// Readings is one decoded category keyed by catalog field name. Fields whose
// registers were not returned are absent from Values.
type Readings struct {
	Values    map[string]float64 `json:"values"`
	Timestamp time.Time          `json:"timestamp"`
}

func (r *Readings) Get(name string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	v, ok := r.Values[name]
	return v, ok
}

type BatteryModule struct {
	Index    int                `json:"index"`
	Serial   string             `json:"serial"`
	Firmware string             `json:"firmware,omitempty"`
	Values   map[string]float64 `json:"values"`
}

type BatteryReadings struct {
	Bank    Readings        `json:"bank"`
	Modules []BatteryModule `json:"modules"`
}
