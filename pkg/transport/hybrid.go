package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/berfenger/luxbridge/pkg/registers"
	"go.uber.org/zap"
)

// HealthState is the local link state of a hybrid transport.
type HealthState int

const (
	// Healthy routes everything to the local transport.
	Healthy HealthState = iota
	// Degraded routes everything to the cloud until the retry interval elapses.
	Degraded
	// Probing is set while one local reconnect attempt is in flight.
	Probing
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Probing:
		return "probing"
	}
	return fmt.Sprintf("HealthState(%d)", int(s))
}

const DefaultHybridRetryInterval = 60 * time.Second

type HybridConfig struct {
	RetryInterval time.Duration
	// OnStateChange, when set, is called after every health transition.
	OnStateChange func(from, to HealthState)
}

// HybridTransport prefers a local transport and fails over to the cloud.
type HybridTransport struct {
	local  Transport
	cloud  Transport
	config HybridConfig
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	connected  bool
	state      HealthState
	degradedAt time.Time
}

var (
	_ Transport         = (*HybridTransport)(nil)
	_ HistoryReader     = (*HybridTransport)(nil)
	_ InterconnectAware = (*HybridTransport)(nil)
)

func NewHybridTransport(local, cloud Transport, config HybridConfig, logger *zap.Logger) (*HybridTransport, error) {
	if local == nil || !local.Capabilities().IsLocal {
		return nil, fmt.Errorf("%w: hybrid transport needs a local transport", ErrInvalidConfig)
	}
	if cloud == nil || cloud.Capabilities().IsLocal {
		return nil, fmt.Errorf("%w: hybrid transport needs a cloud transport", ErrInvalidConfig)
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultHybridRetryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridTransport{
		local:  local,
		cloud:  cloud,
		config: config,
		logger: logger.With(zap.String("transport", string(KindHybrid)), zap.String("serial", local.Serial())),
		now:    time.Now,
	}, nil
}

func (h *HybridTransport) Kind() Kind     { return KindHybrid }
func (h *HybridTransport) Serial() string { return h.local.Serial() }

func (h *HybridTransport) Capabilities() Capabilities {
	caps := HybridCapabilities
	if !h.local.Capabilities().CanReadBattery {
		caps.CanReadBattery = false
	}
	return caps
}

func (h *HybridTransport) SetInterconnect(on bool) {
	if ia, ok := h.local.(InterconnectAware); ok {
		ia.SetInterconnect(on)
	}
}

func (h *HybridTransport) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *HybridTransport) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Connect succeeds when at least one side connects. A local failure starts
// in the degraded state, a local success in the healthy one.
func (h *HybridTransport) Connect(ctx context.Context) error {
	localErr := h.local.Connect(ctx)
	if localErr != nil {
		h.markDegraded(localErr)
	} else {
		h.mu.Lock()
		h.setState(Healthy)
		h.mu.Unlock()
	}
	cloudErr := h.ensureCloud(ctx)
	if localErr != nil && cloudErr != nil {
		return errors.Join(localErr, cloudErr)
	}
	if cloudErr != nil {
		h.logger.Warn("cloud side unavailable", zap.Error(cloudErr))
	}
	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()
	return nil
}

func (h *HybridTransport) Disconnect() error {
	h.mu.Lock()
	h.connected = false
	h.mu.Unlock()
	return errors.Join(h.local.Disconnect(), h.cloud.Disconnect())
}

func (h *HybridTransport) ensureCloud(ctx context.Context) error {
	if h.cloud.IsConnected() {
		return nil
	}
	return h.cloud.Connect(ctx)
}

func (h *HybridTransport) setState(to HealthState) {
	from := h.state
	h.state = to
	if from != to && h.config.OnStateChange != nil {
		h.config.OnStateChange(from, to)
	}
}

func (h *HybridTransport) markDegraded(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Degraded {
		h.logger.Warn("local transport failed, falling back to cloud", zap.Error(err))
	}
	h.degradedAt = h.now()
	h.setState(Degraded)
}

// useLocal decides the route of one call. When the retry interval has
// elapsed it makes a single reconnect attempt.
func (h *HybridTransport) useLocal(ctx context.Context) bool {
	h.mu.Lock()
	switch h.state {
	case Healthy:
		h.mu.Unlock()
		return true
	case Probing:
		h.mu.Unlock()
		return false
	}
	if h.now().Sub(h.degradedAt) < h.config.RetryInterval {
		h.mu.Unlock()
		return false
	}
	h.setState(Probing)
	h.mu.Unlock()

	_ = h.local.Disconnect()
	err := h.local.Connect(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.logger.Info("local reconnect failed", zap.Error(err))
		h.degradedAt = h.now()
		h.setState(Degraded)
		return false
	}
	h.logger.Info("local transport recovered")
	h.setState(Healthy)
	return true
}

// localFailed reports whether err should trip failover. Caller cancellation
// and unsupported operations do not.
func localFailed(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrUnsupported)
}

func route[T any](ctx context.Context, h *HybridTransport, op string, call func(Transport) (T, error)) (T, error) {
	var zero T
	if !h.IsConnected() {
		return zero, notConnected(KindHybrid, op)
	}
	if h.useLocal(ctx) {
		v, err := call(h.local)
		if !localFailed(err) {
			return v, err
		}
		// a Disconnect racing this call is not a link failure
		if !h.IsConnected() {
			return zero, notConnected(KindHybrid, op)
		}
		h.markDegraded(err)
	}
	h.logger.Debug("routing to cloud", zap.String("op", op))
	if err := h.ensureCloud(ctx); err != nil {
		return zero, err
	}
	return call(h.cloud)
}

func (h *HybridTransport) ReadRuntime(ctx context.Context) (*Readings, error) {
	return route(ctx, h, "read runtime", func(t Transport) (*Readings, error) { return t.ReadRuntime(ctx) })
}

func (h *HybridTransport) ReadEnergy(ctx context.Context) (*Readings, error) {
	return route(ctx, h, "read energy", func(t Transport) (*Readings, error) { return t.ReadEnergy(ctx) })
}

func (h *HybridTransport) ReadBattery(ctx context.Context) (*BatteryReadings, error) {
	return route(ctx, h, "read battery", func(t Transport) (*BatteryReadings, error) { return t.ReadBattery(ctx) })
}

func (h *HybridTransport) ReadParameters(ctx context.Context, start, count uint16) (registers.RawMap, error) {
	return route(ctx, h, "read parameters", func(t Transport) (registers.RawMap, error) {
		return t.ReadParameters(ctx, start, count)
	})
}

// WriteParameters never drops a write: a local failure is retried on the cloud.
func (h *HybridTransport) WriteParameters(ctx context.Context, values map[uint16]uint16) error {
	_, err := route(ctx, h, "write parameters", func(t Transport) (struct{}, error) {
		return struct{}{}, t.WriteParameters(ctx, values)
	})
	return err
}

func (h *HybridTransport) ReadFirmwareVersion(ctx context.Context) (string, error) {
	return route(ctx, h, "read firmware", func(t Transport) (string, error) { return t.ReadFirmwareVersion(ctx) })
}

func (h *HybridTransport) ReadDeviceType(ctx context.Context) (uint16, error) {
	return route(ctx, h, "read device type", func(t Transport) (uint16, error) { return t.ReadDeviceType(ctx) })
}

// ReadHistory always goes to the cloud; local links keep no history.
func (h *HybridTransport) ReadHistory(ctx context.Context, day time.Time) ([]HistoryPoint, error) {
	reader, ok := h.cloud.(HistoryReader)
	if !ok || !h.cloud.Capabilities().CanReadHistory {
		return nil, fmt.Errorf("%w: history on %s transport", ErrUnsupported, h.cloud.Kind())
	}
	if !h.IsConnected() {
		return nil, notConnected(KindHybrid, "read history")
	}
	if err := h.ensureCloud(ctx); err != nil {
		return nil, err
	}
	return reader.ReadHistory(ctx, day)
}
