package mqtt

import (
	"fmt"
	"slices"

	"github.com/berfenger/luxbridge/internal/core/domain"
	"github.com/berfenger/luxbridge/pkg/registers"
)

const SENSOR_TYPE_SENSOR = "sensor"

type HADiscoveryConfig struct {
	Device            HADiscoveryDevice `json:"device"`
	StateTopic        string            `json:"state_topic"`
	ValueTemplate     string            `json:"value_template,omitempty"`
	StateClass        string            `json:"state_class,omitempty"`
	DeviceClass       string            `json:"device_class,omitempty"`
	UnitOfMeasurement string            `json:"unit_of_measurement,omitempty"`
	AvTopic           string            `json:"availability_topic,omitempty"`
	EntityCategory    string            `json:"entity_category,omitempty"`
	Name              string            `json:"name"`
	UniqueId          string            `json:"unique_id"`
	Platform          string            `json:"platform"`
	EnabledByDefault  *bool             `json:"enabled_by_default,omitempty"`
	Icon              string            `json:"icon,omitempty"`
}

type HADiscoveryDevice struct {
	Id           []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Version      string   `json:"sw_version,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

func HADiscoverySensorTopic(client *MQTTClient, sensor domain.GenericSensor) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", client.HADiscoveryTopic(), sensor.SensorType, sensor.Device.Id, sensor.Id)
}

// ReadingsSensors describes one sensor per catalog field present in values.
// Every sensor reads its value out of the JSON readings of the category.
func ReadingsSensors(client *MQTTClient, dev domain.Device, category string, values map[string]any) []domain.GenericSensor {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)

	var sensors []domain.GenericSensor
	for _, name := range names {
		field, ok := registers.ByName(name)
		if !ok {
			continue
		}
		sensors = append(sensors, domain.GenericSensor{
			Device:            dev,
			Id:                fmt.Sprintf("%s_%s", category, name),
			SensorType:        SENSOR_TYPE_SENSOR,
			Name:              name,
			UniqueId:          fmt.Sprintf("%s_%s_%s", dev.Id, category, name),
			StateTopic:        client.ReadingsTopic(dev.Id, category),
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", name),
			UnitOfMeasurement: field.Unit,
			StateClass:        stateClass(field),
			DeviceClass:       field.DeviceClass,
		})
	}
	return sensors
}

func stateClass(field registers.Field) string {
	switch {
	case field.DeviceClass == "energy":
		return "total_increasing"
	case field.Unit != "":
		return "measurement"
	}
	return ""
}

func GenericSensorToHADiscoveryMessage(client *MQTTClient, sensor domain.GenericSensor) HADiscoveryConfig {
	return HADiscoveryConfig{
		Device:            device(sensor.Device),
		StateTopic:        sensor.StateTopic,
		ValueTemplate:     sensor.ValueTemplate,
		StateClass:        sensor.StateClass,
		DeviceClass:       sensor.DeviceClass,
		UnitOfMeasurement: sensor.UnitOfMeasurement,
		AvTopic:           client.BridgeStateTopic(),
		EntityCategory:    sensor.EntityCategory,
		Name:              sensor.Name,
		UniqueId:          sensor.UniqueId,
		Icon:              sensor.Icon,
		EnabledByDefault:  sensor.EnabledByDefault,
		Platform:          "mqtt",
	}
}

func device(d domain.Device) HADiscoveryDevice {
	return HADiscoveryDevice{
		Id:           []string{d.Id},
		Manufacturer: d.Manufacturer,
		Version:      d.Version,
		Model:        d.Model,
		Name:         d.Name,
		ViaDevice:    d.ViaDevice,
	}
}
