package device

import (
	"fmt"
	"slices"
	"sync"
)

type ValidationResult int

const (
	Valid ValidationResult = iota
	Reject
	SelfHealed
)

func (r ValidationResult) String() string {
	switch r {
	case Valid:
		return "valid"
	case Reject:
		return "reject"
	case SelfHealed:
		return "self_healed"
	}
	return fmt.Sprintf("ValidationResult(%d)", int(r))
}

const (
	DefaultRatedPowerW       = 18000
	DefaultPlausibleGapHours = 6
	DefaultSelfHealThreshold = 3
	DefaultMinLifetimeFloor  = 1000.0
)

type ValidatorConfig struct {
	// MaxDelta is the largest plausible increase of a lifetime counter between
	// two accepted readings, in kWh.
	MaxDelta          float64 `mapstructure:"max_delta"`
	SelfHealThreshold int     `mapstructure:"self_heal_threshold"`
	MinLifetimeFloor  float64 `mapstructure:"min_lifetime_floor"`
}

// MaxDeltaFor derives the delta bound from rated power in watts.
func MaxDeltaFor(ratedPowerW float64, gapHours float64) float64 {
	return ratedPowerW / 1000 * gapHours
}

func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxDelta:          MaxDeltaFor(DefaultRatedPowerW, DefaultPlausibleGapHours),
		SelfHealThreshold: DefaultSelfHealThreshold,
		MinLifetimeFloor:  DefaultMinLifetimeFloor,
	}
}

func (c ValidatorConfig) withDefaults() ValidatorConfig {
	d := DefaultValidatorConfig()
	if c.MaxDelta <= 0 {
		c.MaxDelta = d.MaxDelta
	}
	if c.SelfHealThreshold <= 0 {
		c.SelfHealThreshold = d.SelfHealThreshold
	}
	if c.MinLifetimeFloor <= 0 {
		c.MinLifetimeFloor = d.MinLifetimeFloor
	}
	return c
}

// CounterState is the consecutive decrease count of one counter key.
type CounterState struct {
	Rejections int
}

// Verdict is the outcome of one validation call.
type Verdict struct {
	Result ValidationResult
	// Key is the counter that decided a Reject or SelfHealed result.
	Key      string
	Previous float64
	Current  float64
}

// EnergyValidator guards lifetime energy counters of one device against
// corrupt reads.
type EnergyValidator struct {
	config ValidatorConfig

	mu       sync.Mutex
	counters map[string]*CounterState
}

func NewEnergyValidator(config ValidatorConfig) *EnergyValidator {
	return &EnergyValidator{
		config:   config.withDefaults(),
		counters: make(map[string]*CounterState),
	}
}

func (v *EnergyValidator) Config() ValidatorConfig { return v.config }

// Counter returns a copy of the state of key.
func (v *EnergyValidator) Counter(key string) CounterState {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.counters[key]; ok {
		return *c
	}
	return CounterState{}
}

func (v *EnergyValidator) counter(key string) *CounterState {
	c, ok := v.counters[key]
	if !ok {
		c = &CounterState{}
		v.counters[key] = c
	}
	return c
}

// Validate compares the keys present in both maps in sorted order. The first
// key that is not valid decides the verdict for the whole batch and later
// keys are left untouched.
func (v *EnergyValidator) Validate(previous, current map[string]float64) Verdict {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys := make([]string, 0, len(current))
	for k := range current {
		if _, ok := previous[k]; ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	for _, key := range keys {
		prev, curr := previous[key], current[key]
		c := v.counter(key)

		switch {
		case curr > prev && curr-prev > v.config.MaxDelta:
			c.Rejections = 0
			return Verdict{Result: Reject, Key: key, Previous: prev, Current: curr}
		case curr < prev:
			c.Rejections++
			if c.Rejections >= v.config.SelfHealThreshold && curr >= v.config.MinLifetimeFloor {
				c.Rejections = 0
				return Verdict{Result: SelfHealed, Key: key, Previous: prev, Current: curr}
			}
			return Verdict{Result: Reject, Key: key, Previous: prev, Current: curr}
		default:
			c.Rejections = 0
		}
	}
	return Verdict{Result: Valid}
}

func (v *EnergyValidator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.counters)
}
