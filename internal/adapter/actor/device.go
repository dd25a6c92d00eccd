package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/berfenger/luxbridge/internal/core/domain"
	"github.com/berfenger/luxbridge/internal/core/service"
	"github.com/berfenger/luxbridge/internal/util/actorutil"
	"github.com/berfenger/luxbridge/pkg/device"
	"github.com/berfenger/luxbridge/pkg/discovery"
	"github.com/berfenger/luxbridge/pkg/transport"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultRequestTimeout = 30 * time.Second
	manufacturer          = "LuxPower"
)

// DeviceSpec is everything a DeviceActor needs to reach its device.
type DeviceSpec struct {
	Serial         string
	Name           string
	Transport      string
	Factory        service.TransportFactory
	Controller     device.ControllerConfig
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// OnRefresh, when set, sees the outcome of every refresh.
	OnRefresh func(serial string, err error, at time.Time)
}

// DeviceActor owns the transport and refresh controller of one device. Its
// mailbox serializes refreshes and writes to the device.
type DeviceActor struct {
	spec        DeviceSpec
	behavior    actor.Behavior
	stash       *actorutil.Stash
	eventStream *eventstream.EventStream
	logger      *zap.Logger

	transport     transport.Transport
	controller    *device.Controller
	info          *discovery.DeviceInfo
	lastPublished map[device.Category]time.Time
}

type deviceStarted struct {
	transport transport.Transport
	info      *discovery.DeviceInfo
	err       error
}

type backgroundTaskResult struct {
	message    any
	replyTo    *actor.PID
	refreshed  bool
	refreshErr error
}

func NewDeviceActor(spec DeviceSpec, eventStream *eventstream.EventStream, logger *zap.Logger) *DeviceActor {
	if spec.ConnectTimeout <= 0 {
		spec.ConnectTimeout = defaultConnectTimeout
	}
	if spec.RequestTimeout <= 0 {
		spec.RequestTimeout = defaultRequestTimeout
	}
	act := &DeviceActor{
		spec:          spec,
		behavior:      actor.NewBehavior(),
		stash:         &actorutil.Stash{},
		eventStream:   eventStream,
		logger:        actorutil.ActorLogger(domain.DeviceActorId(spec.Serial), logger),
		lastPublished: make(map[device.Category]time.Time),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *DeviceActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *DeviceActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("device@starting started")
		actorutil.NewBackgroundTask(ctx, state.connect).
			WithTimeout(state.spec.ConnectTimeout + time.Second).
			Recover(func(err error) deviceStarted {
				return deviceStarted{err: err}
			}).PipeTo(ctx.Self())
	case deviceStarted:
		if msg.err != nil {
			// let the supervisor retry with backoff
			state.logger.Error("device@starting connect failed", zap.Error(msg.err))
			panic(msg.err)
		}
		state.transport = msg.transport
		state.info = msg.info
		state.controller = device.NewController(msg.transport, state.spec.Controller, state.logger)
		state.logger.Info("device connected", zap.String("transport", string(msg.transport.Kind())))
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.DeviceActorId(state.spec.Serial),
			Healthy: false,
			State:   "connecting",
		})
	case domain.GetDeviceSnapshotRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.GetDeviceSnapshotResponse{
			ActorResponseMixIn: domain.ErrorResponse(transport.ErrNotConnected),
			Snapshot:           state.snapshot(),
		})
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("device@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *DeviceActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.respondHealth(ctx, "idle")
	case domain.GetDeviceSnapshotRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.GetDeviceSnapshotResponse{Snapshot: state.snapshot()})
	case domain.RefreshDeviceRequest:
		state.logger.Debug("device@default: RefreshDeviceRequest", zap.Bool("force", msg.Force))
		state.refresh(ctx, msg)
		state.behavior.BecomeStacked(state.WaitingDevice)
	case domain.WriteParametersRequest:
		state.logger.Debug("device@default: WriteParametersRequest", zap.Int("registers", len(msg.Values)))
		state.writeParameters(ctx, msg)
		state.behavior.BecomeStacked(state.WaitingDevice)
	case domain.ReadHistoryRequest:
		state.logger.Debug("device@default: ReadHistoryRequest", zap.Time("day", msg.Day))
		state.readHistory(ctx, msg)
		state.behavior.BecomeStacked(state.WaitingDevice)
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("device@default default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// WaitingDevice holds back device requests while one is on the wire. Cache
// reads and health checks are still answered.
func (state *DeviceActor) WaitingDevice(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case backgroundTaskResult:
		state.logger.Debug("device@waiting backgroundTaskResult", zap.String("type", fmt.Sprintf("%T", msg.message)))
		if msg.replyTo != nil {
			ctx.Send(msg.replyTo, msg.message)
		}
		if msg.refreshed {
			state.publishReadings()
			if state.spec.OnRefresh != nil {
				state.spec.OnRefresh(state.spec.Serial, msg.refreshErr, time.Now())
			}
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthRequest:
		state.respondHealth(ctx, "busy")
	case domain.GetDeviceSnapshotRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.GetDeviceSnapshotResponse{Snapshot: state.snapshot()})
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("device@waiting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// connect runs on a background goroutine. Discovery failures leave the
// device usable without device info.
func (state *DeviceActor) connect() (*deviceStarted, error) {
	c, cancel := context.WithTimeout(context.Background(), state.spec.ConnectTimeout)
	defer cancel()

	t, err := state.spec.Factory(c)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(c); err != nil {
		return nil, err
	}
	info, err := discovery.DiscoverDeviceInfo(c, t, state.logger)
	if err != nil {
		state.logger.Warn("device discovery failed", zap.Error(err))
		info = nil
	}
	if info != nil && info.IsInterconnect {
		if ia, ok := t.(transport.InterconnectAware); ok {
			state.logger.Info("interconnect controller, using midbox registers")
			ia.SetInterconnect(true)
		}
	}
	return &deviceStarted{transport: t, info: info}, nil
}

func (state *DeviceActor) refresh(ctx actor.Context, msg domain.RefreshDeviceRequest) {
	replyTo := actorutil.ForRequest(msg).ReplyTo(ctx)
	timeout := state.spec.RequestTimeout
	actorutil.NewBackgroundTaskNoError(ctx, func() *backgroundTaskResult {
		c, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := state.controller.Refresh(c, msg.Force)
		return &backgroundTaskResult{
			message: domain.RefreshDeviceResponse{
				ActorResponseMixIn: domain.ErrorResponse(err),
				Snapshot:           state.snapshot(),
			},
			replyTo:    replyTo,
			refreshed:  true,
			refreshErr: err,
		}
	}).WithTimeout(timeout + time.Second).Recover(func(err error) backgroundTaskResult {
		return backgroundTaskResult{
			message: domain.RefreshDeviceResponse{
				ActorResponseMixIn: domain.ErrorResponse(err),
				Snapshot:           state.snapshot(),
			},
			replyTo:    replyTo,
			refreshed:  true,
			refreshErr: err,
		}
	}).PipeTo(ctx.Self())
}

func (state *DeviceActor) writeParameters(ctx actor.Context, msg domain.WriteParametersRequest) {
	replyTo := actorutil.ForRequest(msg).ReplyTo(ctx)
	timeout := state.spec.RequestTimeout
	actorutil.NewBackgroundTaskNoError(ctx, func() *backgroundTaskResult {
		c, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := state.controller.WriteParameters(c, msg.Values)
		if err != nil {
			state.logger.Error("parameter write failed", zap.Error(err))
		}
		return &backgroundTaskResult{
			message: domain.WriteParametersResponse{ActorResponseMixIn: domain.ErrorResponse(err)},
			replyTo: replyTo,
		}
	}).WithTimeout(timeout + time.Second).Recover(func(err error) backgroundTaskResult {
		return backgroundTaskResult{
			message: domain.WriteParametersResponse{ActorResponseMixIn: domain.ErrorResponse(err)},
			replyTo: replyTo,
		}
	}).PipeTo(ctx.Self())
}

func (state *DeviceActor) readHistory(ctx actor.Context, msg domain.ReadHistoryRequest) {
	replyTo := actorutil.ForRequest(msg).ReplyTo(ctx)
	timeout := state.spec.RequestTimeout
	t := state.transport
	actorutil.NewBackgroundTaskNoError(ctx, func() *backgroundTaskResult {
		reader, ok := t.(transport.HistoryReader)
		if !ok || !t.Capabilities().CanReadHistory {
			err := fmt.Errorf("%w: history on %s transport", transport.ErrUnsupported, t.Kind())
			return &backgroundTaskResult{
				message: domain.ReadHistoryResponse{ActorResponseMixIn: domain.ErrorResponse(err)},
				replyTo: replyTo,
			}
		}
		c, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		points, err := reader.ReadHistory(c, msg.Day)
		return &backgroundTaskResult{
			message: domain.ReadHistoryResponse{ActorResponseMixIn: domain.ErrorResponse(err), Points: points},
			replyTo: replyTo,
		}
	}).WithTimeout(timeout + time.Second).Recover(func(err error) backgroundTaskResult {
		return backgroundTaskResult{
			message: domain.ReadHistoryResponse{ActorResponseMixIn: domain.ErrorResponse(err)},
			replyTo: replyTo,
		}
	}).PipeTo(ctx.Self())
}

func (state *DeviceActor) respondHealth(ctx actor.Context, activity string) {
	healthy := state.transport != nil && state.transport.IsConnected()
	status := activity
	if h, ok := state.transport.(*transport.HybridTransport); ok {
		status = fmt.Sprintf("%s/%s", activity, h.State())
	}
	ctx.Respond(domain.ActorHealthResponse{
		Id:      domain.DeviceActorId(state.spec.Serial),
		Healthy: healthy,
		State:   status,
	})
}

func (state *DeviceActor) snapshot() domain.DeviceSnapshot {
	s := domain.DeviceSnapshot{
		Name:      state.spec.Name,
		Transport: state.spec.Transport,
		Info:      state.info,
	}
	if state.controller == nil {
		s.Snapshot = device.Snapshot{Serial: state.spec.Serial}
		return s
	}
	s.Snapshot = state.controller.Snapshot()
	s.Connected = state.transport.IsConnected()
	if h, ok := state.transport.(*transport.HybridTransport); ok {
		s.HybridState = h.State().String()
	}
	return s
}

func (state *DeviceActor) haDevice() domain.Device {
	dev := domain.Device{
		Id:           state.spec.Serial,
		Name:         state.spec.Name,
		Manufacturer: manufacturer,
	}
	if state.info != nil {
		dev.Model = string(state.info.Family)
		dev.Version = state.info.Firmware
	}
	return dev
}

// publishReadings announces every category committed since the last call.
func (state *DeviceActor) publishReadings() {
	if state.eventStream == nil || state.controller == nil {
		return
	}
	snap := state.controller.Snapshot()
	for _, category := range []device.Category{device.CategoryRuntime, device.CategoryEnergy, device.CategoryBattery} {
		at, ok := snap.FetchedAt[category]
		if !ok || !at.After(state.lastPublished[category]) {
			continue
		}
		state.lastPublished[category] = at
		state.eventStream.Publish(domain.DeviceReadingsEvent{
			Serial:    state.spec.Serial,
			Device:    state.haDevice(),
			Category:  string(category),
			Values:    readingsValues(snap, category),
			FetchedAt: at,
		})
	}
}

func readingsValues(snap device.Snapshot, category device.Category) map[string]any {
	values := make(map[string]any)
	var readings *transport.Readings
	switch category {
	case device.CategoryRuntime:
		readings = snap.Runtime
	case device.CategoryEnergy:
		readings = snap.Energy
	case device.CategoryBattery:
		if snap.Battery != nil {
			readings = &snap.Battery.Bank
			values["modules"] = snap.Battery.Modules
		}
	}
	if readings != nil {
		for k, v := range readings.Values {
			values[k] = v
		}
	}
	return values
}

func (state *DeviceActor) stop() {
	if state.transport != nil {
		state.logger.Debug("device: disconnect")
		if err := state.transport.Disconnect(); err != nil {
			state.logger.Warn("device: disconnect failed", zap.Error(err))
		}
	}
}
