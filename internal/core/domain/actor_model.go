package domain

import (
	"github.com/berfenger/luxbridge/pkg/device"
	"github.com/berfenger/luxbridge/pkg/discovery"
)

const (
	ACTOR_ID_MASTER = "master"
	ACTOR_ID_MQTT   = "mqtt"
	ACTOR_ID_DEVICE = "device"
)

func DeviceActorId(serial string) string {
	return ACTOR_ID_DEVICE + "_" + serial
}

// DeviceSnapshot is the cached state of a device together with what the
// device actor knows about its link.
type DeviceSnapshot struct {
	device.Snapshot
	Name        string                `json:"name"`
	Transport   string                `json:"transport"`
	Connected   bool                  `json:"connected"`
	HybridState string                `json:"hybrid_state,omitempty"`
	Info        *discovery.DeviceInfo `json:"info,omitempty"`
}

type DeviceSummary struct {
	Serial    string `json:"serial"`
	Name      string `json:"name"`
	Transport string `json:"transport"`
}

type ListDevicesRequest struct {
	ActorRequestMixIn
}

type ListDevicesResponse struct {
	ActorResponseMixIn
	Devices []DeviceSummary
}

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

type PublishReadingsRequest struct {
	ActorRequestMixIn
	Event DeviceReadingsEvent
}

type PublishDiscoveryRequest struct {
	ActorRequestMixIn
	Sensors []GenericSensor
}

type PublishDiscoveryResponse struct {
	ActorResponseMixIn
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}
