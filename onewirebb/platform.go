// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"runtime"
	"time"

	"periph.io/x/host/v3/cpu"
)

// Delayer waits for short protocol intervals.
//
// Implementations must not yield to the scheduler: a 6µs wait that turns into
// a 200µs sleep makes every device on the bus misread the slot.
type Delayer interface {
	Delay(d time.Duration)
}

// Guard provides a scoped critical section around a single timing sensitive
// slot.
//
// Enter starts the section and returns the function that ends it. The bus
// always calls the returned function, including on error paths.
type Guard interface {
	Enter() (exit func())
}

// SpinDelay busy waits on the monotonic clock.
//
// Waits of tSleepMin or more, which only the reset slot uses, are handed to
// cpu.Nanospin instead. On Linux it sleeps in the kernel and may overshoot by
// tens of microseconds, which the reset and presence windows tolerate.
type SpinDelay struct{}

// Delay implements Delayer.
func (SpinDelay) Delay(d time.Duration) {
	if d >= tSleepMin {
		cpu.Nanospin(d)
		return
	}
	for start := time.Now(); time.Since(start) < d; {
	}
}

const tSleepMin = 400 * time.Microsecond

// ThreadGuard pins the calling goroutine to its OS thread for the duration of
// the section so the Go scheduler does not migrate it mid-slot.
//
// Calls nest, so a ThreadGuard used inside a transaction that is already
// pinned is harmless.
type ThreadGuard struct{}

// Enter implements Guard.
func (ThreadGuard) Enter() func() {
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}

// DelayFunc adapts an ordinary function to Delayer.
type DelayFunc func(d time.Duration)

// Delay implements Delayer.
func (f DelayFunc) Delay(d time.Duration) {
	f(d)
}

var (
	_ Delayer = SpinDelay{}
	_ Delayer = DelayFunc(nil)
	_ Guard   = ThreadGuard{}
)
