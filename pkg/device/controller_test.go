package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/berfenger/luxbridge/pkg/registers"
	"github.com/berfenger/luxbridge/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestController(t *testing.T, config ControllerConfig) (*Controller, *transport.TestTransport, *testClock) {
	t.Helper()
	tt := transport.NewTestTransport(transport.KindModbus, "CE12345678")
	require.NoError(t, tt.Connect(context.Background()))
	c := NewController(tt, config, nil)
	clock := &testClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clock.now
	return c, tt, clock
}

var errTimeout = &transport.ConnectionError{Op: "read", Kind: transport.KindModbus, Err: errors.New("i/o timeout")}

func TestRefreshWithinTTLCallsOnce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, tt, clock := newTestController(t, ControllerConfig{})

	assert.NoError(c.Refresh(ctx, false))
	clock.advance(5 * time.Second)
	assert.NoError(c.Refresh(ctx, false))

	assert.Equal(1, tt.CallCount(transport.OpRuntime))
	assert.Equal(1, tt.CallCount(transport.OpEnergy))
	assert.Equal(1, tt.CallCount(transport.OpBattery))
	assert.Equal(len(DefaultParameterRanges), tt.CallCount(transport.OpParameters))
}

func TestRefreshForceAlwaysCalls(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, tt, _ := newTestController(t, ControllerConfig{})

	assert.NoError(c.Refresh(ctx, true))
	assert.NoError(c.Refresh(ctx, true))
	assert.Equal(2, tt.CallCount(transport.OpRuntime))
	assert.Equal(2, tt.CallCount(transport.OpEnergy))
}

func TestRefreshPerCategoryTTL(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, tt, clock := newTestController(t, ControllerConfig{TTL: TTLConfig{Runtime: 10 * time.Second, Energy: time.Minute}})

	assert.NoError(c.Refresh(ctx, false))
	clock.advance(15 * time.Second)
	assert.NoError(c.Refresh(ctx, false))

	assert.Equal(2, tt.CallCount(transport.OpRuntime))
	assert.Equal(1, tt.CallCount(transport.OpEnergy))
}

func TestRefreshFailureKeepsCachedValue(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, tt, clock := newTestController(t, ControllerConfig{})
	require.NoError(t, c.Refresh(ctx, false))
	_, firstAt, _ := c.Runtime()

	tt.SetError(transport.OpRuntime, errTimeout)
	clock.advance(time.Minute)
	assert.NoError(c.Refresh(ctx, true))

	r, at, ok := c.Runtime()
	assert.True(ok)
	assert.Equal(firstAt, at)
	assert.InDelta(53.9, r.Values["battery_voltage"], 1e-9)

	snap := c.Snapshot()
	assert.Contains(snap.Errors[CategoryRuntime], "i/o timeout")
	assert.Equal(firstAt, snap.FetchedAt[CategoryRuntime])

	tt.SetError(transport.OpRuntime, nil)
	assert.NoError(c.Refresh(ctx, true))
	assert.Empty(c.Snapshot().Errors)
}

func TestRefreshFirstContactErrorPropagates(t *testing.T) {
	assert := assert.New(t)

	c, tt, _ := newTestController(t, ControllerConfig{})
	tt.SetError(transport.OpRuntime, errTimeout)

	err := c.Refresh(context.Background(), false)
	assert.Error(err)
	assert.True(transport.IsConnectionError(err))

	_, _, ok := c.Runtime()
	assert.False(ok)
	// the categories that answered were still committed
	_, _, ok = c.Energy()
	assert.True(ok)
}

func TestWriteParametersInvalidatesCache(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, tt, clock := newTestController(t, ControllerConfig{})
	require.NoError(t, c.Refresh(ctx, false))
	reads := tt.CallCount(transport.OpParameters)

	assert.NoError(c.WriteParameters(ctx, map[uint16]uint16{21: 0x00FF}))
	clock.advance(time.Second)
	assert.NoError(c.Refresh(ctx, false))

	assert.Equal(2*reads, tt.CallCount(transport.OpParameters))
	assert.Equal(1, tt.CallCount(transport.OpRuntime))

	params, _, ok := c.Parameters()
	assert.True(ok)
	assert.Equal(uint16(0x00FF), params[21])
}

func TestWriteFailureStillInvalidates(t *testing.T) {
	c, tt, _ := newTestController(t, ControllerConfig{})
	require.NoError(t, c.Refresh(context.Background(), false))

	tt.SetError(transport.OpWrite, errTimeout)
	assert.Error(t, c.WriteParameters(context.Background(), map[uint16]uint16{21: 1}))

	assert.NoError(t, c.Refresh(context.Background(), false))
	assert.Equal(t, 2*len(DefaultParameterRanges), tt.CallCount(transport.OpParameters))
}

func TestEnergySpikeIsRejected(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var verdicts []Verdict
	c, tt, _ := newTestController(t, ControllerConfig{
		OnVerdict: func(_ string, v Verdict) { verdicts = append(verdicts, v) },
	})
	require.NoError(t, c.Refresh(ctx, true))

	tt.Energy.Values["pv1_energy_total"] = 4521.7 + 500
	assert.NoError(c.Refresh(ctx, true))

	e, _, _ := c.Energy()
	assert.Equal(4521.7, e.Values["pv1_energy_total"])
	assert.Len(verdicts, 1)
	assert.Equal(Reject, verdicts[0].Result)
}

func TestEnergyAbsentFieldIsNotZeroed(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, tt, _ := newTestController(t, ControllerConfig{})
	require.NoError(t, c.Refresh(ctx, true))

	delete(tt.Energy.Values, "charge_energy_total")
	tt.Energy.Values["pv1_energy_total"] = 4522.0
	assert.NoError(c.Refresh(ctx, true))

	e, _, _ := c.Energy()
	assert.Equal(1830.2, e.Values["charge_energy_total"])
	assert.Equal(4522.0, e.Values["pv1_energy_total"])
}

func TestRefreshSkipsUnsupportedCategories(t *testing.T) {
	c, tt, _ := newTestController(t, ControllerConfig{})
	caps := transport.ModbusCapabilities
	caps.CanReadBattery = false
	tt.SetCapabilities(caps)

	assert.NoError(t, c.Refresh(context.Background(), true))
	assert.Equal(t, 0, tt.CallCount(transport.OpBattery))
}

// blockingTransport holds every read until ctx is done.
type blockingTransport struct {
	*transport.TestTransport
	once    sync.Once
	started chan struct{}
}

func (b *blockingTransport) wait(ctx context.Context) error {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingTransport) ReadRuntime(ctx context.Context) (*transport.Readings, error) {
	return nil, b.wait(ctx)
}

func (b *blockingTransport) ReadEnergy(ctx context.Context) (*transport.Readings, error) {
	return nil, b.wait(ctx)
}

func (b *blockingTransport) ReadBattery(ctx context.Context) (*transport.BatteryReadings, error) {
	return nil, b.wait(ctx)
}

func (b *blockingTransport) ReadParameters(ctx context.Context, _, _ uint16) (registers.RawMap, error) {
	return nil, b.wait(ctx)
}

func TestCancelledRefreshKeepsEveryCategory(t *testing.T) {
	assert := assert.New(t)

	c, tt, clock := newTestController(t, ControllerConfig{})
	require.NoError(t, c.Refresh(context.Background(), true))
	before := c.Snapshot()

	bt := &blockingTransport{TestTransport: tt, started: make(chan struct{})}
	c.transport = bt
	tt.Runtime.Values["soc"] = 95
	clock.advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-bt.started
		cancel()
	}()
	assert.NoError(c.Refresh(ctx, true))

	after := c.Snapshot()
	assert.Equal(before.Runtime, after.Runtime)
	assert.Equal(before.Energy, after.Energy)
	assert.Equal(before.Battery, after.Battery)
	assert.Equal(before.Parameters, after.Parameters)
	assert.Equal(before.FetchedAt, after.FetchedAt)
	assert.Equal(80.0, after.Runtime.Values["soc"])
	assert.Len(after.Errors, 4)
}
