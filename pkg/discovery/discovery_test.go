package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/berfenger/luxbridge/pkg/registers"
	"github.com/berfenger/luxbridge/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedTestTransport(t *testing.T, kind transport.Kind) *transport.TestTransport {
	t.Helper()
	tt := transport.NewTestTransport(kind, "CE12345678")
	require.NoError(t, tt.Connect(context.Background()))
	return tt
}

func TestDiscoverDeviceInfo(t *testing.T) {
	assert := assert.New(t)

	tt := connectedTestTransport(t, transport.KindModbus)
	tt.Holding[registers.HoldParallelNumber] = 2
	tt.Holding[registers.HoldParallelPhase] = 1

	info, err := DiscoverDeviceInfo(context.Background(), tt, nil)
	assert.NoError(err)
	assert.Equal("CE12345678", info.Serial)
	assert.Equal(uint16(2092), info.DeviceTypeCode)
	assert.Equal(FamilyPVSeries, info.Family)
	assert.False(info.IsInterconnect)
	assert.Equal(uint16(2), info.ParallelNumber)
	assert.Equal(uint16(1), info.ParallelPhase)
	assert.False(info.IsStandalone())
	assert.Equal("B", info.ParallelGroupName())
	assert.Equal("2.17", info.Firmware)
}

func TestDiscoverParallelReadFailureIsStandalone(t *testing.T) {
	assert := assert.New(t)

	tt := connectedTestTransport(t, transport.KindDongle)
	tt.SetError(transport.OpParameters, &transport.ProtocolError{Op: "read parameters", Message: "illegal data address"})

	info, err := DiscoverDeviceInfo(context.Background(), tt, nil)
	assert.NoError(err)
	assert.Equal(uint16(0), info.ParallelNumber)
	assert.True(info.IsStandalone())
	assert.Equal("", info.ParallelGroupName())
}

func TestDiscoverFirmwareFailureIsEmpty(t *testing.T) {
	tt := connectedTestTransport(t, transport.KindModbus)
	tt.SetError(transport.OpFirmware, errors.New("boom"))

	info, err := DiscoverDeviceInfo(context.Background(), tt, nil)
	assert.NoError(t, err)
	assert.Equal(t, "", info.Firmware)
}

func TestDiscoverDeviceTypeFailureFails(t *testing.T) {
	tt := connectedTestTransport(t, transport.KindModbus)
	tt.SetError(transport.OpDeviceType, &transport.ConnectionError{Op: "read", Kind: transport.KindModbus, Err: errors.New("refused")})

	info, err := DiscoverDeviceInfo(context.Background(), tt, nil)
	assert.Nil(t, info)
	assert.True(t, transport.IsConnectionError(err))
}

func TestDiscoverInterconnect(t *testing.T) {
	tt := connectedTestTransport(t, transport.KindHTTP)
	tt.DeviceType = DeviceTypeInterconnect

	info, err := DiscoverDeviceInfo(context.Background(), tt, nil)
	require.NoError(t, err)
	assert.True(t, info.IsInterconnect)
	assert.Equal(t, FamilyInterconnect, info.Family)
}

func TestFamilyOfUnknownCode(t *testing.T) {
	assert.Equal(t, FamilyUnknown, FamilyOf(9999))
	assert.Equal(t, FamilyFlexBOSS, FamilyOf(10284))
}

func TestGroupByParallel(t *testing.T) {
	assert := assert.New(t)

	groups := GroupByParallel([]DeviceInfo{
		{Serial: "A1", ParallelNumber: 1},
		{Serial: "S1"},
		{Serial: "A2", ParallelNumber: 1},
		{Serial: "B1", ParallelNumber: 2},
	})
	assert.Equal([]string{"", "A", "B"}, GroupNames(groups))
	assert.Len(groups["A"], 2)
	assert.Equal("A1", groups["A"][0].Serial)
	assert.Equal("S1", groups[""][0].Serial)
}

func TestLocalDiscoveryReturnsFirstAnsweringCandidate(t *testing.T) {
	assert := assert.New(t)

	modbus := transport.NewTestTransport(transport.KindModbus, "CE12345678")
	modbus.SetError(transport.OpConnect, &transport.ConnectionError{Op: "connect", Kind: transport.KindModbus, Err: errors.New("refused")})
	dongle := transport.NewTestTransport(transport.KindDongle, "CE12345678")

	factory := func(c transport.Config) (transport.Transport, error) {
		if c.Kind == transport.KindModbus {
			return modbus, nil
		}
		return dongle, nil
	}
	candidates := LocalCandidates("10.0.0.5", "CE12345678", "BA00000001")
	assert.Len(candidates, 2)

	config, info, err := Probe(context.Background(), candidates, factory, nil)
	assert.NoError(err)
	assert.Equal(transport.KindDongle, config.Kind)
	assert.Equal(transport.DefaultDonglePort, config.Port)
	assert.Equal(uint16(2092), info.DeviceTypeCode)
	assert.False(dongle.IsConnected())
}

func TestLocalDiscoveryAllFail(t *testing.T) {
	failing := transport.NewTestTransport(transport.KindModbus, "CE12345678")
	failing.SetError(transport.OpConnect, errors.New("refused"))

	_, _, err := Probe(context.Background(), LocalCandidates("10.0.0.5", "CE12345678", ""),
		func(transport.Config) (transport.Transport, error) { return failing, nil }, nil)
	assert.ErrorContains(t, err, "no local transport answered")
}
