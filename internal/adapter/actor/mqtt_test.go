package actor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/berfenger/luxbridge/internal/config"
	"github.com/berfenger/luxbridge/internal/core/domain"
	"github.com/berfenger/luxbridge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic   string
	payload []byte
}

func testMQTTConfig() config.Config {
	return config.Config{
		MQTT: config.MQTTConfig{
			Host:              "127.0.0.1",
			Port:              1883,
			BaseTopic:         "luxbridge",
			HADiscoveryEnable: true,
			HADiscoveryTopic:  "homeassistant",
		},
	}
}

func TestMQTTActor(t *testing.T) {
	cfg := testMQTTConfig()
	logger := zap.NewNop()
	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	es := &eventstream.EventStream{}
	out := make(chan published, 32)
	sink := func(topic string, payload []byte) { out <- published{topic: topic, payload: payload} }

	props := actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, es, sink, logger) })
	pid := as.Root.Spawn(props)

	result, err := as.Root.RequestFuture(pid, domain.ActorHealthRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	resp, ok := result.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.True(t, resp.Healthy)

	event := domain.DeviceReadingsEvent{
		Serial:    "CE12345678",
		Device:    domain.Device{Id: "CE12345678", Name: "garage", Manufacturer: "LuxPower"},
		Category:  "runtime",
		Values:    map[string]any{"soc": 80.0, "pv1_power": 1250.0, "unknown_field": 1.0},
		FetchedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	es.Publish(event)
	es.Publish(event)

	var messages []published
	timeout := time.After(2 * time.Second)
	// two sensors announced once, then the state published twice
	for len(messages) < 4 {
		select {
		case m := <-out:
			messages = append(messages, m)
		case <-timeout:
			t.Fatalf("got %d messages", len(messages))
		}
	}

	topics := make(map[string]int)
	for _, m := range messages {
		topics[m.topic]++
	}
	assert.Equal(t, 1, topics["homeassistant/sensor/CE12345678/runtime_pv1_power/config"])
	assert.Equal(t, 1, topics["homeassistant/sensor/CE12345678/runtime_soc/config"])
	assert.Equal(t, 2, topics["luxbridge/CE12345678/runtime"])

	var state map[string]any
	for _, m := range messages {
		if m.topic == "luxbridge/CE12345678/runtime" {
			require.NoError(t, json.Unmarshal(m.payload, &state))
		}
	}
	assert.Equal(t, 80.0, state["soc"])
	assert.Equal(t, "2024-06-01T12:00:00Z", state["timestamp"])

	as.Root.Stop(pid)
}

func TestMQTTActorWithoutDiscovery(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.MQTT.HADiscoveryEnable = false
	logger := zap.NewNop()
	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	es := &eventstream.EventStream{}
	out := make(chan published, 8)
	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewTestMQTTActor(&cfg, es, func(topic string, payload []byte) { out <- published{topic, payload} }, logger)
	}))
	_, err := as.Root.RequestFuture(pid, domain.ActorHealthRequest{}, 2*time.Second).Result()
	require.NoError(t, err)

	es.Publish(domain.DeviceReadingsEvent{Serial: "CE12345678", Category: "energy", Values: map[string]any{"pv1_energy_total": 4521.7}})

	select {
	case m := <-out:
		assert.Equal(t, "luxbridge/CE12345678/energy", m.topic)
	case <-time.After(2 * time.Second):
		t.Fatal("readings not published")
	}
	select {
	case m := <-out:
		t.Fatalf("unexpected message on %s", m.topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMQTTActorPublishMessage(t *testing.T) {
	cfg := testMQTTConfig()
	logger := zap.NewNop()
	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	out := make(chan published, 1)
	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewTestMQTTActor(&cfg, nil, func(topic string, payload []byte) { out <- published{topic, payload} }, logger)
	}))

	res, err := as.Root.RequestFuture(pid, domain.PublishMessageRequest{Topic: "luxbridge/test", Payload: "hi"}, 2*time.Second).Result()
	require.NoError(t, err)
	_, ok := res.(domain.PublishMessageResponse)
	assert.True(t, ok)
	m := <-out
	assert.Equal(t, "luxbridge/test", m.topic)
	assert.Equal(t, "hi", string(m.payload))
}
