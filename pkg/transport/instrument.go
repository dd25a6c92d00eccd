package transport

import "time"

// Instrument receives the duration of every wire operation.
type Instrument struct {
	RecordTime func(kind Kind, op string, d time.Duration)
}

func RecordTimer(kind Kind, name string, instrument []Instrument) func() {
	if instrument == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		for i := range instrument {
			if instrument[i].RecordTime != nil {
				instrument[i].RecordTime(kind, name, duration)
			}
		}
	}
}
