package domain

import "time"

// DeviceReadingsEvent is published on the event stream after a refresh
// committed new values for one category of a device.
type DeviceReadingsEvent struct {
	Serial    string
	Device    Device
	Category  string
	Values    map[string]any
	FetchedAt time.Time
}
