package discovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/berfenger/luxbridge/pkg/registers"
	"github.com/berfenger/luxbridge/pkg/transport"
	"go.uber.org/zap"
)

type Family string

const (
	FamilyUnknown      Family = "UNKNOWN"
	FamilyInterconnect Family = transport.InterconnectFamily
	FamilyPVSeries     Family = "PV_SERIES"
	FamilyFlexBOSS     Family = "FLEXBOSS"
	FamilySNA          Family = "SNA"
	FamilyLXPEU        Family = "LXP_EU"
	FamilyLXPLB        Family = "LXP_LB"
)

// DeviceTypeInterconnect is the device type code of the microgrid
// interconnect controller.
const DeviceTypeInterconnect uint16 = 50

var familyByCode = map[uint16]Family{
	DeviceTypeInterconnect: FamilyInterconnect,
	2092:                   FamilyPVSeries,
	10284:                  FamilyFlexBOSS,
	54:                     FamilySNA,
	12:                     FamilyLXPEU,
	44:                     FamilyLXPLB,
}

// FamilyOf classifies a device type code.
func FamilyOf(code uint16) Family {
	if f, ok := familyByCode[code]; ok {
		return f
	}
	return FamilyUnknown
}

type DeviceInfo struct {
	Serial         string `json:"serial"`
	DeviceTypeCode uint16 `json:"device_type_code"`
	Family         Family `json:"family"`
	IsInterconnect bool   `json:"is_interconnect"`
	ParallelNumber uint16 `json:"parallel_number"`
	ParallelPhase  uint16 `json:"parallel_phase"`
	Firmware       string `json:"firmware"`
}

// IsStandalone reports whether the device is outside any parallel group.
func (d DeviceInfo) IsStandalone() bool {
	return d.ParallelNumber == 0
}

// ParallelGroupName maps group 1 to "A", 2 to "B" and so on. Standalone
// devices have no group name.
func (d DeviceInfo) ParallelGroupName() string {
	if d.IsStandalone() || d.ParallelNumber > 26 {
		return ""
	}
	return string(rune('A' + d.ParallelNumber - 1))
}

// parallelGroup is the best effort read of the parallel registers.
type parallelGroup struct {
	number, phase uint16
}

// DiscoverDeviceInfo identifies the device behind t. Only the device type
// read is required. The parallel group defaults to standalone and the
// firmware to "" when their reads fail.
func DiscoverDeviceInfo(ctx context.Context, t transport.Transport, logger *zap.Logger) (*DeviceInfo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("serial", t.Serial()), zap.String("transport", string(t.Kind())))

	code, err := t.ReadDeviceType(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover %s: read device type: %w", t.Serial(), err)
	}

	info := &DeviceInfo{
		Serial:         t.Serial(),
		DeviceTypeCode: code,
		Family:         FamilyOf(code),
		IsInterconnect: code == DeviceTypeInterconnect,
	}

	group, ok := readParallelGroup(ctx, t, logger)
	if ok {
		info.ParallelNumber = group.number
		info.ParallelPhase = group.phase
	}

	info.Firmware = readFirmware(ctx, t, logger)

	logger.Info("device discovered",
		zap.Uint16("device_type", code),
		zap.String("family", string(info.Family)),
		zap.Uint16("parallel_number", info.ParallelNumber),
		zap.String("firmware", info.Firmware))
	return info, nil
}

func readParallelGroup(ctx context.Context, t transport.Transport, logger *zap.Logger) (parallelGroup, bool) {
	regs, err := t.ReadParameters(ctx, registers.HoldParallelNumber, 2)
	if err != nil {
		logger.Debug("parallel group unavailable, assuming standalone", zap.Error(err))
		return parallelGroup{}, false
	}
	number, okN := regs[registers.HoldParallelNumber]
	phase, okP := regs[registers.HoldParallelPhase]
	if !okN || !okP {
		return parallelGroup{}, false
	}
	return parallelGroup{number: number, phase: phase}, true
}

func readFirmware(ctx context.Context, t transport.Transport, logger *zap.Logger) string {
	fw, err := t.ReadFirmwareVersion(ctx)
	if err != nil {
		logger.Debug("firmware version unavailable", zap.Error(err))
		return ""
	}
	return fw
}

// GroupByParallel groups devices by parallel group name. Standalone devices
// are listed under "". Members keep their input order.
func GroupByParallel(devices []DeviceInfo) map[string][]DeviceInfo {
	groups := make(map[string][]DeviceInfo)
	for _, d := range devices {
		name := d.ParallelGroupName()
		groups[name] = append(groups[name], d)
	}
	return groups
}

// GroupNames returns the sorted group names of groups.
func GroupNames(groups map[string][]DeviceInfo) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
