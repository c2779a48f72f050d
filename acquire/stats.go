// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package acquire

import (
	"errors"
	"sync/atomic"

	"github.com/GermanBionicSystems/aquamon/ds18b20"
	"github.com/GermanBionicSystems/aquamon/onewirebb"
)

// Stats counts what happened on the bus since the Engine was created.
type Stats struct {
	Cycles      uint64 `json:"cycles"`
	Successes   uint64 `json:"successes"`
	Failures    uint64 `json:"failures"` // cycles that exhausted their attempts
	Attempts    uint64 `json:"attempts"`
	NoPresence  uint64 `json:"no_presence"`
	CRCErrors   uint64 `json:"crc_errors"`
	Implausible uint64 `json:"implausible"`
	Resolution  uint64 `json:"resolution"` // sensor configured above ConversionBits
	BusErrors   uint64 `json:"bus_errors"` // other failures, including line faults
}

type counters struct {
	cycles      atomic.Uint64
	successes   atomic.Uint64
	failures    atomic.Uint64
	attempts    atomic.Uint64
	noPresence  atomic.Uint64
	crcErrors   atomic.Uint64
	implausible atomic.Uint64
	resolution  atomic.Uint64
	busErrors   atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Cycles:      c.cycles.Load(),
		Successes:   c.successes.Load(),
		Failures:    c.failures.Load(),
		Attempts:    c.attempts.Load(),
		NoPresence:  c.noPresence.Load(),
		CRCErrors:   c.crcErrors.Load(),
		Implausible: c.implausible.Load(),
		Resolution:  c.resolution.Load(),
		BusErrors:   c.busErrors.Load(),
	}
}

// count records the outcome of one failed attempt.
func (c *counters) count(err error) {
	switch {
	case errors.Is(err, onewirebb.ErrNoPresence):
		c.noPresence.Add(1)
	case errors.Is(err, ds18b20.ErrCRC), errors.Is(err, ds18b20.ErrNoResponse):
		c.crcErrors.Add(1)
	case errors.Is(err, ds18b20.ErrSentinel), errors.Is(err, ErrImplausible):
		c.implausible.Add(1)
	case errors.Is(err, ErrResolution):
		c.resolution.Add(1)
	default:
		c.busErrors.Add(1)
	}
}
