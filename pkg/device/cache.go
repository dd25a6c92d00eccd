package device

import "time"

type Category string

const (
	CategoryRuntime    Category = "runtime"
	CategoryEnergy     Category = "energy"
	CategoryBattery    Category = "battery"
	CategoryParameters Category = "parameters"
)

var Categories = []Category{CategoryRuntime, CategoryEnergy, CategoryBattery, CategoryParameters}

// CachedField is the last good value of one category and when it was read.
// Invalidate marks the value stale without discarding it.
type CachedField[T any] struct {
	Value     T
	FetchedAt time.Time
	hasValue  bool
	stale     bool
}

func (f *CachedField[T]) HasValue() bool { return f.hasValue }

func (f *CachedField[T]) Set(v T, at time.Time) {
	f.Value = v
	f.FetchedAt = at
	f.hasValue = true
	f.stale = false
}

func (f *CachedField[T]) Invalidate() {
	f.stale = true
}

// Fresh reports whether the value is younger than ttl at now.
func (f *CachedField[T]) Fresh(now time.Time, ttl time.Duration) bool {
	return f.hasValue && !f.stale && now.Sub(f.FetchedAt) < ttl
}

type TTLConfig struct {
	Runtime    time.Duration `mapstructure:"runtime"`
	Energy     time.Duration `mapstructure:"energy"`
	Battery    time.Duration `mapstructure:"battery"`
	Parameters time.Duration `mapstructure:"parameters"`
}

var DefaultTTLConfig = TTLConfig{
	Runtime:    30 * time.Second,
	Energy:     5 * time.Minute,
	Battery:    time.Minute,
	Parameters: time.Hour,
}

func (c TTLConfig) withDefaults() TTLConfig {
	if c.Runtime <= 0 {
		c.Runtime = DefaultTTLConfig.Runtime
	}
	if c.Energy <= 0 {
		c.Energy = DefaultTTLConfig.Energy
	}
	if c.Battery <= 0 {
		c.Battery = DefaultTTLConfig.Battery
	}
	if c.Parameters <= 0 {
		c.Parameters = DefaultTTLConfig.Parameters
	}
	return c
}

func (c TTLConfig) For(category Category) time.Duration {
	switch category {
	case CategoryRuntime:
		return c.Runtime
	case CategoryEnergy:
		return c.Energy
	case CategoryBattery:
		return c.Battery
	case CategoryParameters:
		return c.Parameters
	}
	return 0
}
