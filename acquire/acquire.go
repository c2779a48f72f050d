// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package acquire turns a noisy single DS18B20 on a 1-wire bus into a
// trustworthy temperature.
//
// An Engine runs read cycles. A cycle makes up to Opts.Attempts attempts, each
// one a full transaction: conversion, scratchpad read, CRC check, sentinel
// check and plausibility range check. The first valid value ends the cycle,
// is stored in the State and pushed to every Publisher. A cycle that runs out
// of attempts changes nothing: the previous reading stays authoritative and
// consumers decide from its timestamp when it is too old to show.
//
// Failures are never fatal. The Engine runs indefinitely without a sensor.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/GermanBionicSystems/aquamon/ds18b20"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/onewire"
)

// Opts contains options to pass to the constructor.
type Opts struct {
	Attempts       int           // attempts per cycle
	Backoff        time.Duration // pause between two attempts of a cycle
	ConversionBits int           // sensor resolution, sets the conversion wait

	// Plausible range in °C, bounds included. It is a filter against
	// electrical glitches, not a sensor limit.
	MinCelsius float64
	MaxCelsius float64

	Logger *zap.SugaredLogger // defaults to a no-op logger
}

// DefaultOpts is the recommended default options for an aquarium.
var DefaultOpts = Opts{
	Attempts:       3,
	Backoff:        100 * time.Millisecond,
	ConversionBits: 12,
	MinCelsius:     5,
	MaxCelsius:     50,
}

var (
	// ErrImplausible is returned for a reading outside the configured range.
	ErrImplausible = errors.New("acquire: implausible temperature")
	// ErrExhausted is returned when every attempt of a cycle failed.
	ErrExhausted = errors.New("acquire: no valid reading")
	// ErrResolution is returned when the sensor converts with more bits than
	// the Engine waits for, so the scratchpad may predate the conversion.
	ErrResolution = errors.New("acquire: sensor resolution above ConversionBits")
)

// Publisher receives every new valid reading.
//
// PublishTemperature is called synchronously from the acquisition goroutine
// and must not block for long.
type Publisher interface {
	PublishTemperature(celsius float64)
}

// PublisherFunc adapts an ordinary function to Publisher.
type PublisherFunc func(celsius float64)

// PublishTemperature implements Publisher.
func (f PublisherFunc) PublishTemperature(celsius float64) {
	f(celsius)
}

// New returns an Engine reading the only sensor on bus into state.
func New(bus onewire.Bus, state *State, opts *Opts, pubs ...Publisher) (*Engine, error) {
	if bus == nil || state == nil {
		return nil, errors.New("acquire: bus and state are required")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.Attempts < 1 {
		return nil, errors.New("acquire: at least one attempt is required")
	}
	if opts.Backoff < 0 {
		return nil, errors.New("acquire: negative backoff")
	}
	if opts.ConversionBits < 9 || opts.ConversionBits > 12 {
		return nil, errors.New("acquire: invalid ConversionBits")
	}
	if !(opts.MinCelsius < opts.MaxCelsius) {
		return nil, fmt.Errorf("acquire: invalid range [%g, %g]", opts.MinCelsius, opts.MaxCelsius)
	}
	e := &Engine{bus: bus, state: state, opts: *opts, pubs: pubs, log: opts.Logger}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}
	return e, nil
}

// Engine runs acquisition cycles on one bus. It is the only writer of its
// State.
type Engine struct {
	bus   onewire.Bus
	state *State
	opts  Opts
	pubs  []Publisher
	log   *zap.SugaredLogger
	stats counters

	cycle sync.Mutex // one cycle at a time
	tx    sync.Mutex // one attempt at a time
}

func (e *Engine) String() string {
	return "acquire{" + e.bus.String() + "}"
}

// State returns the state the Engine writes to.
func (e *Engine) State() *State {
	return e.state
}

// Stats returns the counters accumulated so far.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// TryRead makes a single attempt and returns the temperature in °C.
//
// It blocks for the conversion time, 750ms at 12 bits. The State is not
// touched.
func (e *Engine) TryRead() (float64, error) {
	e.tx.Lock()
	defer e.tx.Unlock()
	e.stats.attempts.Add(1)
	c, err := e.tryRead()
	if err != nil {
		e.stats.count(err)
		return math.NaN(), err
	}
	return c, nil
}

func (e *Engine) tryRead() (float64, error) {
	// A missing presence pulse fails the conversion transaction right away.
	if err := ds18b20.StartAll(e.bus); err != nil {
		return 0, err
	}
	sleep(ds18b20.ConversionTime(e.opts.ConversionBits))
	spad, err := ds18b20.ReadScratchpad(e.bus)
	if err != nil {
		return 0, err
	}
	if r := spad.Resolution(); r > e.opts.ConversionBits {
		return 0, fmt.Errorf("%w: %d > %d bits", ErrResolution, r, e.opts.ConversionBits)
	}
	c, err := ds18b20.Decode(&spad)
	if err != nil {
		return 0, err
	}
	if !e.opts.inRange(c) {
		return 0, fmt.Errorf("%w: %g°C outside [%g, %g]", ErrImplausible, c, e.opts.MinCelsius, e.opts.MaxCelsius)
	}
	return c, nil
}

// Configure searches the bus and sets the resolution of the sensor found to
// Opts.ConversionBits.
//
// It fails unless exactly one DS18B20 answers the search. Run works without
// it as long as the sensor is already configured for at most ConversionBits.
func (e *Engine) Configure() (*ds18b20.Dev, error) {
	e.tx.Lock()
	defer e.tx.Unlock()
	addrs, err := e.bus.Search(false)
	if err != nil {
		return nil, fmt.Errorf("acquire: search failed: %w", err)
	}
	for _, a := range addrs {
		e.log.Infow("found device", "rom", fmt.Sprintf("%016x", uint64(a)), "family", ds18b20.Family(a&0xff).String())
	}
	if len(addrs) != 1 {
		return nil, fmt.Errorf("acquire: expected a single sensor, found %d", len(addrs))
	}
	d, err := ds18b20.New(e.bus, addrs[0], e.opts.ConversionBits)
	if err != nil {
		return nil, err
	}
	e.log.Infow("sensor configured", "sensor", d.String(), "bits", d.Resolution())
	return d, nil
}

// ReadWithRetry makes up to Opts.Attempts attempts, pausing Opts.Backoff
// between them, and returns the first valid temperature.
//
// When all attempts fail the error wraps ErrExhausted and the error of the
// last attempt. The State is not touched.
func (e *Engine) ReadWithRetry() (float64, error) {
	var err error
	for i := 0; i < e.opts.Attempts; i++ {
		if i != 0 {
			sleep(e.opts.Backoff)
		}
		var c float64
		if c, err = e.TryRead(); err == nil {
			return c, nil
		}
		e.log.Debugw("read attempt failed", "attempt", i+1, "error", err)
	}
	return math.NaN(), fmt.Errorf("%w after %d attempts: %w", ErrExhausted, e.opts.Attempts, err)
}

// Acquire runs one cycle.
//
// On success the State is updated and publishers are notified. On failure
// the State keeps its previous reading and the error is returned.
func (e *Engine) Acquire() (float64, error) {
	e.cycle.Lock()
	defer e.cycle.Unlock()
	e.stats.cycles.Add(1)

	c, err := e.ReadWithRetry()
	if err != nil {
		e.stats.failures.Add(1)
		last := e.state.Snapshot()
		e.log.Warnw("read failed, keeping last temperature", "last", last.Celsius, "valid", last.Valid, "error", err)
		return c, err
	}
	e.state.update(c, time.Now())
	e.stats.successes.Add(1)
	e.log.Infow("temperature", "celsius", c)
	for _, p := range e.pubs {
		p.PublishTemperature(c)
	}
	return c, nil
}

// Run runs a cycle immediately and then one per interval until ctx is done.
//
// A cycle always runs to completion; ticks that fire while it runs are
// dropped, so cycles never overlap. Run returns ctx.Err().
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("acquire: interval must be positive")
	}
	e.log.Infow("temperature monitoring started", "bus", e.bus.String(), "interval", interval, "attempts", e.opts.Attempts)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		// Failures are logged and counted by Acquire.
		_, _ = e.Acquire()
		select {
		case <-ctx.Done():
			e.log.Infow("temperature monitoring stopped", "bus", e.bus.String())
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (o *Opts) inRange(c float64) bool {
	return c >= o.MinCelsius && c <= o.MaxCelsius
}

var sleep = time.Sleep
