package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestHybrid(t *testing.T) (*HybridTransport, *TestTransport, *TestTransport, *fakeClock, *[]HealthState) {
	t.Helper()
	local := NewTestTransport(KindModbus, testInverterSerial)
	cloud := NewTestTransport(KindHTTP, testInverterSerial)
	var transitions []HealthState
	h, err := NewHybridTransport(local, cloud, HybridConfig{
		RetryInterval: time.Minute,
		OnStateChange: func(_, to HealthState) { transitions = append(transitions, to) },
	}, nil)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	h.now = clock.now
	require.NoError(t, h.Connect(context.Background()))
	return h, local, cloud, clock, &transitions
}

var errLinkDown = &ConnectionError{Op: "read", Kind: KindModbus, Err: errors.New("i/o timeout")}

func TestHybridFailoverAndRecovery(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	h, local, cloud, clock, transitions := newTestHybrid(t)

	_, err := h.ReadRuntime(ctx)
	assert.NoError(err)
	assert.Equal(1, local.CallCount(OpRuntime))
	assert.Equal(0, cloud.CallCount(OpRuntime))
	assert.Equal(Healthy, h.State())

	// one local failure moves this and later calls to the cloud
	local.SetError(OpRuntime, errLinkDown)
	_, err = h.ReadRuntime(ctx)
	assert.NoError(err)
	assert.Equal(2, local.CallCount(OpRuntime))
	assert.Equal(1, cloud.CallCount(OpRuntime))
	assert.Equal(Degraded, h.State())

	local.SetError(OpRuntime, nil)
	clock.advance(30 * time.Second)
	_, err = h.ReadEnergy(ctx)
	assert.NoError(err)
	_, err = h.ReadRuntime(ctx)
	assert.NoError(err)
	assert.Equal(2, local.CallCount(OpRuntime))
	assert.Equal(0, local.CallCount(OpEnergy))
	assert.Equal(2, cloud.CallCount(OpRuntime))
	assert.Equal(1, cloud.CallCount(OpEnergy))

	// retry interval elapsed: one reconnect, then local again
	clock.advance(31 * time.Second)
	_, err = h.ReadRuntime(ctx)
	assert.NoError(err)
	assert.Equal(3, local.CallCount(OpRuntime))
	assert.Equal(2, cloud.CallCount(OpRuntime))
	assert.Equal(2, local.CallCount(OpConnect))
	assert.Equal(Healthy, h.State())

	assert.Equal([]HealthState{Degraded, Probing, Healthy}, *transitions)
}

func TestHybridFailedRecoveryCheckStaysDegraded(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	h, local, cloud, clock, _ := newTestHybrid(t)

	local.SetError(OpBattery, errLinkDown)
	_, err := h.ReadBattery(ctx)
	assert.NoError(err)
	assert.Equal(Degraded, h.State())

	local.SetError(OpConnect, errLinkDown)
	clock.advance(2 * time.Minute)
	_, err = h.ReadBattery(ctx)
	assert.NoError(err)
	assert.Equal(Degraded, h.State())
	assert.Equal(2, cloud.CallCount(OpBattery))

	// the timer restarted at the failed recovery check
	local.SetError(OpConnect, nil)
	local.SetError(OpBattery, nil)
	clock.advance(30 * time.Second)
	_, err = h.ReadBattery(ctx)
	assert.NoError(err)
	assert.Equal(Degraded, h.State())
	assert.Equal(3, cloud.CallCount(OpBattery))
}

func TestHybridWriteFallsBackToCloud(t *testing.T) {
	assert := assert.New(t)

	h, local, cloud, _, _ := newTestHybrid(t)
	local.SetError(OpWrite, errLinkDown)

	err := h.WriteParameters(context.Background(), map[uint16]uint16{21: 7})
	assert.NoError(err)
	assert.Empty(local.Written)
	assert.Equal([]map[uint16]uint16{{21: 7}}, cloud.Written)
	assert.Equal(Degraded, h.State())
}

func TestHybridWritePrefersLocal(t *testing.T) {
	h, local, cloud, _, _ := newTestHybrid(t)

	assert.NoError(t, h.WriteParameters(context.Background(), map[uint16]uint16{21: 7}))
	assert.Len(t, local.Written, 1)
	assert.Empty(t, cloud.Written)
}

func TestHybridCancellationDoesNotFailOver(t *testing.T) {
	h, local, cloud, _, _ := newTestHybrid(t)
	local.SetError(OpRuntime, context.Canceled)

	_, err := h.ReadRuntime(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Healthy, h.State())
	assert.Equal(t, 0, cloud.CallCount(OpRuntime))
}

func TestHybridHistoryGoesToCloud(t *testing.T) {
	h, local, cloud, _, _ := newTestHybrid(t)

	_, err := h.ReadHistory(context.Background(), time.Now())
	assert.NoError(t, err)
	assert.Equal(t, 1, cloud.CallCount(OpHistory))
	assert.Equal(t, 0, local.CallCount(OpHistory))

	cloud.SetCapabilities(Capabilities{})
	_, err = h.ReadHistory(context.Background(), time.Now())
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestHybridConnectWithLocalDown(t *testing.T) {
	local := NewTestTransport(KindDongle, testInverterSerial)
	cloud := NewTestTransport(KindHTTP, testInverterSerial)
	local.SetError(OpConnect, errLinkDown)

	h, err := NewHybridTransport(local, cloud, HybridConfig{}, nil)
	require.NoError(t, err)
	assert.NoError(t, h.Connect(context.Background()))
	assert.Equal(t, Degraded, h.State())
	assert.True(t, h.IsConnected())

	_, err = h.ReadRuntime(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, cloud.CallCount(OpRuntime))
}

func TestHybridRequiresOneLocalAndOneCloud(t *testing.T) {
	a := NewTestTransport(KindModbus, testInverterSerial)
	b := NewTestTransport(KindDongle, testInverterSerial)

	_, err := NewHybridTransport(a, b, HybridConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHybridReadBeforeConnectFails(t *testing.T) {
	local := NewTestTransport(KindModbus, testInverterSerial)
	cloud := NewTestTransport(KindHTTP, testInverterSerial)
	h, err := NewHybridTransport(local, cloud, HybridConfig{}, nil)
	require.NoError(t, err)

	assert.False(t, h.IsConnected())
	_, err = h.ReadRuntime(context.Background())
	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = h.ReadHistory(context.Background(), time.Now())
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Equal(t, Healthy, h.State())
	assert.False(t, cloud.IsConnected())
	assert.Equal(t, 0, cloud.CallCount(OpRuntime))
}

func TestHybridReadAfterDisconnectFails(t *testing.T) {
	h, _, cloud, _, transitions := newTestHybrid(t)

	require.NoError(t, h.Disconnect())
	assert.False(t, h.IsConnected())

	_, err := h.ReadRuntime(context.Background())
	assert.True(t, IsConnectionError(err))
	err = h.WriteParameters(context.Background(), map[uint16]uint16{21: 7})
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Equal(t, Healthy, h.State())
	assert.Empty(t, *transitions)
	assert.False(t, cloud.IsConnected())
	assert.Empty(t, cloud.Written)
}

func TestHybridReconnectRestoresLocal(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	local := NewTestTransport(KindModbus, testInverterSerial)
	cloud := NewTestTransport(KindHTTP, testInverterSerial)
	h, err := NewHybridTransport(local, cloud, HybridConfig{RetryInterval: time.Hour}, nil)
	require.NoError(t, err)

	local.SetError(OpConnect, errLinkDown)
	require.NoError(t, h.Connect(ctx))
	assert.Equal(Degraded, h.State())
	require.NoError(t, h.Disconnect())

	local.SetError(OpConnect, nil)
	require.NoError(t, h.Connect(ctx))
	assert.True(local.IsConnected())
	assert.Equal(Healthy, h.State())

	_, err = h.ReadRuntime(ctx)
	assert.NoError(err)
	assert.Equal(1, local.CallCount(OpRuntime))
	assert.Equal(0, cloud.CallCount(OpRuntime))
}

func TestHybridInterconnect(t *testing.T) {
	h, local, cloud, _, _ := newTestHybrid(t)

	h.SetInterconnect(true)
	assert.True(t, local.Interconnect())
	assert.False(t, h.Capabilities().CanReadBattery)

	// unsupported on the local side is not a link failure
	local.SetError(OpBattery, fmt.Errorf("%w: battery", ErrUnsupported))
	_, err := h.ReadBattery(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, Healthy, h.State())
	assert.Equal(t, 0, cloud.CallCount(OpBattery))
}
