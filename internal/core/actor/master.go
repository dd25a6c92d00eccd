package actor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	adactor "github.com/berfenger/luxbridge/internal/adapter/actor"
	"github.com/berfenger/luxbridge/internal/config"
	"github.com/berfenger/luxbridge/internal/core/domain"
	. "github.com/berfenger/luxbridge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

type MQTTActorProvider func(*eventstream.EventStream) *adactor.MQTTActor

type DeviceActorProvider func(config.DeviceConfig, *eventstream.EventStream) *adactor.DeviceActor

type MasterOfPuppetsActor struct {
	config   config.Config
	behavior actor.Behavior
	stash    *Stash

	currentHealthCheck  healthCheckResult
	eventStream         *eventstream.EventStream
	deviceActors        map[string]*actor.PID
	mqttActor           *actor.PID
	scheduler           quartz.Scheduler
	deviceActorProvider DeviceActorProvider
	mqttActorProvider   MQTTActorProvider
	logger              *zap.Logger
}

type healthCheckResult struct {
	expected  int
	received  int
	unhealthy []string
	respondTo *actor.PID
}

// NewMasterOfPuppetsActor supervises one actor per configured device and,
// when mqttActorProvider is set, the MQTT bridge.
func NewMasterOfPuppetsActor(config config.Config, deviceActorProvider DeviceActorProvider, mqttActorProvider MQTTActorProvider, logger *zap.Logger) *MasterOfPuppetsActor {
	act := &MasterOfPuppetsActor{
		config:              config,
		behavior:            actor.NewBehavior(),
		stash:               &Stash{},
		logger:              ActorLogger(domain.ACTOR_ID_MASTER, logger),
		eventStream:         &eventstream.EventStream{},
		deviceActors:        make(map[string]*actor.PID),
		deviceActorProvider: deviceActorProvider,
		mqttActorProvider:   mqttActorProvider,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterOfPuppetsActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterOfPuppetsActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		// MQTT first so it is subscribed before the first readings
		if state.mqttActorProvider != nil {
			mqttActorPID, err := state.startMQTTActor(ctx)
			if err != nil {
				panic(err)
			}
			state.mqttActor = mqttActorPID
		}

		for _, dev := range state.config.Devices {
			pid, err := state.startDeviceActor(ctx, dev)
			if err != nil {
				panic(err)
			}
			state.deviceActors[dev.Serial] = pid
		}

		if err := state.startPolling(ctx); err != nil {
			panic(err)
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.currentHealthCheck = healthCheckResult{
			expected:  len(state.children()),
			respondTo: ctx.Sender(),
		}
		if state.currentHealthCheck.expected == 0 {
			state.currentHealthCheck.respond(ctx)
			return
		}
		for id, pid := range state.children() {
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
				return domain.ActorHealthResponse{
					Id:      id,
					Healthy: false,
					State:   err.Error(),
				}
			})
		}

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case domain.ListDevicesRequest:
		devices := make([]domain.DeviceSummary, 0, len(state.config.Devices))
		for _, dev := range state.config.Devices {
			devices = append(devices, domain.DeviceSummary{
				Serial:    dev.Serial,
				Name:      dev.DisplayName(),
				Transport: dev.Transport,
			})
		}
		ForRequest(msg).Respond(ctx, domain.ListDevicesResponse{Devices: devices})
	case domain.DeviceRequest:
		state.routeDeviceRequest(ctx, msg)
	case adactor.ParsedCommand:
		// redirect parsedCommand to the device actor
		state.logger.Debug("master@default parsedCommand", zap.Any("command", msg.Command))
		if msg.Command != nil {
			cmd, err := ParsedMQTTCommandToCommand(*msg.Command)
			if err != nil {
				state.logger.Warn("master@default invalid command", zap.String("serial", msg.Command.Serial), zap.Error(err))
				return
			}
			if pid, ok := state.deviceActors[cmd.DeviceSerial()]; ok {
				ctx.Send(pid, cmd)
			}
		}
	case domain.ActorHealthResponse:
		// late answer of a finished health check
	case *actor.Terminated:
		state.logger.Error("master@default child terminated", zap.String("who", msg.Who.Id))
	case *actor.Stopping:
		state.stopPolling()
	default:
		state.logger.Debug("master@default unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MasterOfPuppetsActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// children that did not answer count as unhealthy
		state.currentHealthCheck.respond(ctx)
		ctx.CancelReceiveTimeout()
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.add(msg)
		if state.currentHealthCheck.allReceived() {
			state.currentHealthCheck.respond(ctx)
			ctx.CancelReceiveTimeout()
			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		} else {
			ctx.SetReceiveTimeout(1 * time.Second)
		}
	case *actor.Stopping:
		state.stopPolling()
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// routeDeviceRequest forwards req to the actor of its device keeping the
// original sender, so the device answers the requester directly.
func (state *MasterOfPuppetsActor) routeDeviceRequest(ctx actor.Context, req domain.DeviceRequest) {
	pid, ok := state.deviceActors[req.DeviceSerial()]
	if !ok {
		ForRequest(req).Respond(ctx, deviceNotFound(req))
		return
	}
	if sender := ctx.Sender(); sender != nil {
		ctx.RequestWithCustomSender(pid, req, sender)
		return
	}
	ctx.Send(pid, req)
}

func deviceNotFound(req domain.DeviceRequest) domain.ActorResponse {
	err := domain.ErrorResponse(fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, req.DeviceSerial()))
	switch req.(type) {
	case domain.RefreshDeviceRequest:
		return domain.RefreshDeviceResponse{ActorResponseMixIn: err}
	case domain.WriteParametersRequest:
		return domain.WriteParametersResponse{ActorResponseMixIn: err}
	case domain.ReadHistoryRequest:
		return domain.ReadHistoryResponse{ActorResponseMixIn: err}
	default:
		return domain.GetDeviceSnapshotResponse{ActorResponseMixIn: err}
	}
}

func (state *MasterOfPuppetsActor) children() map[string]*actor.PID {
	children := make(map[string]*actor.PID, len(state.deviceActors)+1)
	for serial, pid := range state.deviceActors {
		children[domain.DeviceActorId(serial)] = pid
	}
	if state.mqttActor != nil {
		children[domain.ACTOR_ID_MQTT] = state.mqttActor
	}
	return children
}

func (state *MasterOfPuppetsActor) startDeviceActor(ctx actor.Context, dev config.DeviceConfig) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(time.Minute, 1*time.Second)

	deviceProps := actor.PropsFromProducer(func() actor.Actor {
		return state.deviceActorProvider(dev, state.eventStream)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(deviceProps, domain.DeviceActorId(dev.Serial))
}

func (state *MasterOfPuppetsActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	mqttProps := actor.PropsFromProducer(func() actor.Actor {
		return state.mqttActorProvider(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(mqttProps, domain.ACTOR_ID_MQTT)
}

// startPolling schedules a periodic refresh of every device and kicks off the
// first one right away.
func (state *MasterOfPuppetsActor) startPolling(ctx actor.Context) error {
	root := ctx.ActorSystem().Root
	interval := state.config.Monitor.PollInterval()

	state.scheduler = quartz.NewStdScheduler()
	state.scheduler.Start(context.Background())

	serials := make([]string, 0, len(state.deviceActors))
	for serial := range state.deviceActors {
		serials = append(serials, serial)
	}
	slices.Sort(serials)

	for _, serial := range serials {
		pid := state.deviceActors[serial]
		target := domain.DeviceRequestMixIn{Serial: serial}

		root.Send(pid, domain.RefreshDeviceRequest{DeviceRequestMixIn: target, Force: state.config.Monitor.ForceRefreshOnStartup})

		pollJob := job.NewFunctionJob(func(_ context.Context) (bool, error) {
			root.Send(pid, domain.RefreshDeviceRequest{DeviceRequestMixIn: target})
			return true, nil
		})
		detail := quartz.NewJobDetail(pollJob, quartz.NewJobKey("poll_"+serial))
		if err := state.scheduler.ScheduleJob(detail, quartz.NewSimpleTrigger(interval)); err != nil {
			return err
		}
	}
	state.logger.Info("polling devices", zap.Strings("serials", serials), zap.Duration("interval", interval))
	return nil
}

func (state *MasterOfPuppetsActor) stopPolling() {
	if state.scheduler != nil {
		state.scheduler.Stop()
		state.scheduler = nil
	}
}

func (state *healthCheckResult) add(resp domain.ActorHealthResponse) {
	state.received++
	if !resp.Healthy {
		state.unhealthy = append(state.unhealthy, resp.Id)
	}
}

func (state *healthCheckResult) allReceived() bool {
	return state.received >= state.expected
}

func (state *healthCheckResult) allHealthy() bool {
	return state.allReceived() && len(state.unhealthy) == 0
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: state.allHealthy(),
		State:   "ok",
	}
	if !resp.Healthy {
		slices.Sort(state.unhealthy)
		resp.State = fmt.Sprintf("unhealthy: %s (%d/%d answered)", strings.Join(state.unhealthy, ","), state.received, state.expected)
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
