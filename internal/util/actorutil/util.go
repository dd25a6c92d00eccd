package actorutil

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/berfenger/luxbridge/internal/core/domain"
	"github.com/berfenger/luxbridge/internal/mqtt"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/lmittmann/tint"
	"go.uber.org/zap"
)

func PipeToSelfWithRecover(ctx actor.Context, future *actor.Future, mapFn func(error) any) {
	ctx.ReenterAfter(future, func(msg any, err error) {
		if err != nil {
			ctx.Send(ctx.Self(), mapFn(err))
			return
		}
		ctx.Send(ctx.Self(), msg)
	})
}

func NewActorSystemWithZapLogger(logger *zap.Logger) *actor.ActorSystem {
	stdOutLogger := zap.NewStdLog(logger)

	var slogLevel slog.Level = slog.LevelInfo

	switch logger.Level() {
	case zap.DebugLevel:
		slogLevel = slog.LevelDebug
	case zap.InfoLevel:
		slogLevel = slog.LevelInfo
	case zap.WarnLevel:
		slogLevel = slog.LevelWarn
	case zap.ErrorLevel, zap.PanicLevel, zap.FatalLevel:
		slogLevel = slog.LevelError
	}

	return actor.NewActorSystem(actor.WithLoggerFactory(func(system *actor.ActorSystem) *slog.Logger {
		return slog.New(tint.NewHandler(stdOutLogger.Writer(), &tint.Options{
			Level:      slogLevel,
			TimeFormat: time.DateTime,
		}))
	}))
}

func ActorLogger(actorName string, logger *zap.Logger) *zap.Logger {
	return logger.With(zap.String("actor", actorName))
}

// ParsedMQTTCommandToCommand turns a command received over MQTT into the
// request for the device actor it names.
func ParsedMQTTCommandToCommand(cmd mqtt.ParsedMQTTCommand) (domain.DeviceRequest, error) {
	target := domain.DeviceRequestMixIn{Serial: cmd.Serial}
	switch cmd.Command {
	case mqtt.COMMAND_PARAMETERS_SET:
		values, err := domain.DecodeParameterValues([]byte(cmd.Payload))
		if err != nil {
			return nil, err
		}
		return domain.WriteParametersRequest{DeviceRequestMixIn: target, Values: values}, nil
	case mqtt.COMMAND_REFRESH:
		return domain.RefreshDeviceRequest{DeviceRequestMixIn: target, Force: true}, nil
	}
	return nil, fmt.Errorf("unknown command %q", cmd.Command)
}
