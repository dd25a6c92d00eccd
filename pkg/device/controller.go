package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/berfenger/luxbridge/pkg/registers"
	"github.com/berfenger/luxbridge/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ParameterRange is one block of holding registers kept in the cache.
type ParameterRange struct {
	Start uint16 `mapstructure:"start"`
	Count uint16 `mapstructure:"count"`
}

var DefaultParameterRanges = []ParameterRange{
	{Start: 0, Count: 127},
	{Start: 127, Count: 127},
	{Start: 240, Count: 127},
}

type ControllerConfig struct {
	TTL             TTLConfig        `mapstructure:"ttl"`
	Validator       ValidatorConfig  `mapstructure:"validator"`
	ParameterRanges []ParameterRange `mapstructure:"parameter_ranges"`
	// OnVerdict, when set, sees every energy verdict that is not Valid.
	OnVerdict func(serial string, v Verdict) `mapstructure:"-"`
}

var lifetimeKeys = append(registers.LifetimeKeys(registers.EnergyFields), registers.LifetimeKeys(registers.MidboxFields)...)

// Controller owns the cached data of one device and refreshes it through
// its transport.
type Controller struct {
	transport transport.Transport
	config    ControllerConfig
	validator *EnergyValidator
	logger    *zap.Logger
	now       func() time.Time

	refreshMu sync.Mutex

	mu         sync.RWMutex
	runtime    CachedField[*transport.Readings]
	energy     CachedField[*transport.Readings]
	battery    CachedField[*transport.BatteryReadings]
	parameters CachedField[registers.RawMap]
	lastErrors map[Category]error
}

func NewController(t transport.Transport, config ControllerConfig, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.TTL = config.TTL.withDefaults()
	if len(config.ParameterRanges) == 0 {
		config.ParameterRanges = DefaultParameterRanges
	}
	return &Controller{
		transport:  t,
		config:     config,
		validator:  NewEnergyValidator(config.Validator),
		logger:     logger.With(zap.String("serial", t.Serial())),
		now:        time.Now,
		lastErrors: make(map[Category]error),
	}
}

func (c *Controller) Serial() string { return c.transport.Serial() }

func (c *Controller) Transport() transport.Transport { return c.transport }

func (c *Controller) Validator() *EnergyValidator { return c.validator }

// fetchResult carries one category read. The value is only looked at when
// err is nil.
type fetchResult[T any] struct {
	due   bool
	value T
	err   error
}

func (r *fetchResult[T]) run(g *errgroup.Group, fetch func() (T, error)) {
	r.due = true
	g.Go(func() error {
		r.value, r.err = fetch()
		return nil
	})
}

func (c *Controller) due(category Category, force bool, now time.Time) bool {
	if force {
		return true
	}
	ttl := c.config.TTL.For(category)
	switch category {
	case CategoryRuntime:
		return !c.runtime.Fresh(now, ttl)
	case CategoryEnergy:
		return !c.energy.Fresh(now, ttl)
	case CategoryBattery:
		return !c.battery.Fresh(now, ttl)
	case CategoryParameters:
		return !c.parameters.Fresh(now, ttl)
	}
	return false
}

// Refresh reads every category whose TTL expired, or all of them when force
// is set. Categories are fetched concurrently and committed together once
// all reads finished. A failed read keeps the cached value; the error is
// only returned for categories that never had a value.
func (c *Controller) Refresh(ctx context.Context, force bool) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	caps := c.transport.Capabilities()
	now := c.now()

	c.mu.RLock()
	dueRuntime := caps.CanReadRuntime && c.due(CategoryRuntime, force, now)
	dueEnergy := caps.CanReadEnergy && c.due(CategoryEnergy, force, now)
	dueBattery := caps.CanReadBattery && c.due(CategoryBattery, force, now)
	dueParams := caps.CanReadParameters && c.due(CategoryParameters, force, now)
	c.mu.RUnlock()

	var (
		g       errgroup.Group
		runtime fetchResult[*transport.Readings]
		energy  fetchResult[*transport.Readings]
		battery fetchResult[*transport.BatteryReadings]
		params  fetchResult[registers.RawMap]
	)
	if dueRuntime {
		runtime.run(&g, func() (*transport.Readings, error) { return c.transport.ReadRuntime(ctx) })
	}
	if dueEnergy {
		energy.run(&g, func() (*transport.Readings, error) { return c.transport.ReadEnergy(ctx) })
	}
	if dueBattery {
		battery.run(&g, func() (*transport.BatteryReadings, error) { return c.transport.ReadBattery(ctx) })
	}
	if dueParams {
		params.run(&g, func() (registers.RawMap, error) { return c.readParameterRanges(ctx) })
	}
	_ = g.Wait()

	fetchedAt := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	fail := func(category Category, hasValue bool, err error) {
		c.lastErrors[category] = err
		if !hasValue {
			errs = append(errs, fmt.Errorf("%s: %w", category, err))
			return
		}
		c.logger.Warn("refresh failed, serving cached value",
			zap.String("category", string(category)), zap.Error(err))
	}

	if runtime.due {
		if runtime.err != nil {
			fail(CategoryRuntime, c.runtime.HasValue(), runtime.err)
		} else {
			c.runtime.Set(carryForward(c.runtime.Value, runtime.value), fetchedAt)
			delete(c.lastErrors, CategoryRuntime)
		}
	}
	if energy.due {
		if energy.err != nil {
			fail(CategoryEnergy, c.energy.HasValue(), energy.err)
		} else {
			c.commitEnergy(energy.value, fetchedAt)
			delete(c.lastErrors, CategoryEnergy)
		}
	}
	if battery.due {
		if battery.err != nil {
			fail(CategoryBattery, c.battery.HasValue(), battery.err)
		} else {
			c.battery.Set(carryForwardBattery(c.battery.Value, battery.value), fetchedAt)
			delete(c.lastErrors, CategoryBattery)
		}
	}
	if params.due {
		if params.err != nil {
			fail(CategoryParameters, c.parameters.HasValue(), params.err)
		} else {
			c.parameters.Set(params.value, fetchedAt)
			delete(c.lastErrors, CategoryParameters)
		}
	}
	return errors.Join(errs...)
}

// commitEnergy runs the lifetime counters through the validator before
// replacing the cache. Callers hold c.mu.
func (c *Controller) commitEnergy(next *transport.Readings, at time.Time) {
	if !c.energy.HasValue() || next == nil {
		c.energy.Set(next, at)
		return
	}
	next = carryForward(c.energy.Value, next)
	verdict := c.validator.Validate(lifetimeValues(c.energy.Value), lifetimeValues(next))
	if verdict.Result != Valid && c.config.OnVerdict != nil {
		c.config.OnVerdict(c.Serial(), verdict)
	}
	switch verdict.Result {
	case Reject:
		c.logger.Warn("rejected energy reading",
			zap.String("key", verdict.Key),
			zap.Float64("previous", verdict.Previous),
			zap.Float64("current", verdict.Current))
		return
	case SelfHealed:
		c.logger.Info("accepting energy counter reset",
			zap.String("key", verdict.Key),
			zap.Float64("previous", verdict.Previous),
			zap.Float64("current", verdict.Current))
	}
	c.energy.Set(next, at)
}

// carryForward keeps the previous value of every field missing from next.
// A field absent from one read is not updated that cycle.
func carryForward(prev, next *transport.Readings) *transport.Readings {
	if prev == nil || next == nil {
		return next
	}
	merged := &transport.Readings{
		Values:    make(map[string]float64, len(prev.Values)),
		Timestamp: next.Timestamp,
	}
	for k, v := range prev.Values {
		merged.Values[k] = v
	}
	for k, v := range next.Values {
		merged.Values[k] = v
	}
	return merged
}

func carryForwardBattery(prev, next *transport.BatteryReadings) *transport.BatteryReadings {
	if prev == nil || next == nil {
		return next
	}
	merged := *next
	merged.Bank = *carryForward(&prev.Bank, &next.Bank)
	return &merged
}

func lifetimeValues(r *transport.Readings) map[string]float64 {
	out := make(map[string]float64, len(lifetimeKeys))
	if r == nil {
		return out
	}
	for _, k := range lifetimeKeys {
		if v, ok := r.Values[k]; ok {
			out[k] = v
		}
	}
	return out
}

func (c *Controller) readParameterRanges(ctx context.Context) (registers.RawMap, error) {
	out := make(registers.RawMap)
	for _, r := range c.config.ParameterRanges {
		regs, err := c.transport.ReadParameters(ctx, r.Start, r.Count)
		if err != nil {
			return nil, err
		}
		out.Merge(regs)
	}
	return out, nil
}

// WriteParameters marks the parameter cache stale and then writes values.
// It waits for a running refresh so that refresh cannot commit values read
// before the write.
func (c *Controller) WriteParameters(ctx context.Context, values map[uint16]uint16) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.Invalidate(CategoryParameters)
	if err := c.transport.WriteParameters(ctx, values); err != nil {
		return err
	}
	c.logger.Info("parameters written", zap.Int("registers", len(values)))
	return nil
}

func (c *Controller) Invalidate(category Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch category {
	case CategoryRuntime:
		c.runtime.Invalidate()
	case CategoryEnergy:
		c.energy.Invalidate()
	case CategoryBattery:
		c.battery.Invalidate()
	case CategoryParameters:
		c.parameters.Invalidate()
	}
}

func (c *Controller) Runtime() (*transport.Readings, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runtime.Value, c.runtime.FetchedAt, c.runtime.HasValue()
}

func (c *Controller) Energy() (*transport.Readings, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.energy.Value, c.energy.FetchedAt, c.energy.HasValue()
}

func (c *Controller) Battery() (*transport.BatteryReadings, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.battery.Value, c.battery.FetchedAt, c.battery.HasValue()
}

func (c *Controller) Parameters() (registers.RawMap, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parameters.Value, c.parameters.FetchedAt, c.parameters.HasValue()
}

// Snapshot is the last known state of a device. FetchedAt holds the time of
// each cached category; Errors the last failure of categories whose latest
// refresh failed.
type Snapshot struct {
	Serial     string                     `json:"serial"`
	Runtime    *transport.Readings        `json:"runtime,omitempty"`
	Energy     *transport.Readings        `json:"energy,omitempty"`
	Battery    *transport.BatteryReadings `json:"battery,omitempty"`
	Parameters registers.RawMap           `json:"parameters,omitempty"`
	FetchedAt  map[Category]time.Time     `json:"fetched_at"`
	Errors     map[Category]string        `json:"errors,omitempty"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Serial:    c.Serial(),
		FetchedAt: make(map[Category]time.Time),
	}
	if c.runtime.HasValue() {
		s.Runtime = c.runtime.Value
		s.FetchedAt[CategoryRuntime] = c.runtime.FetchedAt
	}
	if c.energy.HasValue() {
		s.Energy = c.energy.Value
		s.FetchedAt[CategoryEnergy] = c.energy.FetchedAt
	}
	if c.battery.HasValue() {
		s.Battery = c.battery.Value
		s.FetchedAt[CategoryBattery] = c.battery.FetchedAt
	}
	if c.parameters.HasValue() {
		s.Parameters = c.parameters.Value
		s.FetchedAt[CategoryParameters] = c.parameters.FetchedAt
	}
	if len(c.lastErrors) > 0 {
		s.Errors = make(map[Category]string, len(c.lastErrors))
		for k, err := range c.lastErrors {
			s.Errors[k] = err.Error()
		}
	}
	return s
}
