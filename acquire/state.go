// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package acquire

import (
	"math"
	"sync"
	"time"
)

// Reading is a validated temperature and when it was acquired.
type Reading struct {
	Celsius float64
	Valid   bool      // false until the first successful cycle
	At      time.Time // carries the monotonic clock reading
}

// State holds the last known good reading.
//
// It has a single writer, the Engine it is given to, and any number of
// readers. Readers always observe the value, validity flag and timestamp of
// the same update.
type State struct {
	mu sync.RWMutex
	r  Reading
}

// NewState returns a State with no valid reading; its temperature is NaN.
func NewState() *State {
	return &State{r: Reading{Celsius: math.NaN()}}
}

// Snapshot returns the current reading.
func (s *State) Snapshot() Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.r
}

// LastTemperature returns the most recent validated temperature in °C.
//
// The value is meaningless while Valid returns false.
func (s *State) LastTemperature() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.r.Celsius
}

// Valid returns true once at least one acquisition cycle succeeded.
func (s *State) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.r.Valid
}

// update stores a new reading. Readings older than the current one are
// dropped so observed timestamps never go backwards.
func (s *State) update(celsius float64, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r.Valid && at.Before(s.r.At) {
		return false
	}
	s.r = Reading{Celsius: celsius, Valid: true, At: at}
	return true
}
