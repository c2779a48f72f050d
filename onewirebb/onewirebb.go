// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewirebb implements a 1-wire bus master by bit-banging a single
// open-drain GPIO line.
//
// The line idles high through a pull-up resistor. The master only ever drives
// it low or releases it; devices answer by holding it low during time slots
// the master opens. All slot timings are fixed standard speed values.
//
// Dev implements onewire.Bus so the device drivers in this repository, and
// the ones in periph.io/x/devices, can use it in place of a DS248x bridge.
//
// # Timing
//
// Slots are a few tens of microseconds long and are timed with a busy wait
// (see Delayer). Each slot runs inside a Guard so the goroutine is not moved
// between threads mid-slot. A slot delayed by more than a few microseconds is
// misread by the devices; it does not corrupt the bus state and the next
// reset recovers it.
package onewirebb

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// Line is the part of gpio.PinIO the bus needs: drive low, release to the
// pull-up and sample.
type Line interface {
	String() string
	In(pull gpio.Pull, edge gpio.Edge) error
	Out(l gpio.Level) error
	Read() gpio.Level
}

// Opts contains options to pass to the constructor.
type Opts struct {
	Delay Delayer // precise wait, defaults to SpinDelay
	Guard Guard   // per-slot critical section, defaults to ThreadGuard
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Delay: SpinDelay{},
	Guard: ThreadGuard{},
}

// Standard speed slot timings.
const (
	tResetLow     = 480 * time.Microsecond // master reset pulse
	tPresence     = 70 * time.Microsecond  // release to presence sample
	tResetTail    = 410 * time.Microsecond // rest of the presence window
	tWrite1Low    = 6 * time.Microsecond
	tWrite1High   = 64 * time.Microsecond
	tWrite0Low    = 60 * time.Microsecond
	tWrite0High   = 10 * time.Microsecond
	tReadLow      = 6 * time.Microsecond
	tReadSample   = 9 * time.Microsecond  // release to sample
	tReadRecovery = 55 * time.Microsecond // sample to end of slot
)

// ErrNoPresence is returned by Tx when no device answered the reset pulse.
//
// It is a bus error, not a fault of the master: the sensor may be absent or
// the line noisy.
var ErrNoPresence error = busError("onewirebb: no device present")

// New returns a 1-wire bus master on the line.
//
// The line is released so the bus idles high.
func New(l Line, opts *Opts) (*Dev, error) {
	if l == nil {
		return nil, errors.New("onewirebb: nil line")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{line: l, delay: opts.Delay, guard: opts.Guard}
	if d.delay == nil {
		d.delay = SpinDelay{}
	}
	if d.guard == nil {
		d.guard = ThreadGuard{}
	}
	if err := l.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("onewirebb: failed to release %s: %w", l, err)
	}
	return d, nil
}

// Dev is a bit-banged 1-wire bus master. It implements onewire.Bus.
//
// Only one transaction runs on the line at a time. Errors returned by the
// line itself only affect the transaction in which they occur.
type Dev struct {
	mu    sync.Mutex // lock for the bus while a transaction is in progress
	line  Line
	delay Delayer
	guard Guard
	err   error // first line error of the current transaction
}

func (d *Dev) String() string {
	return "onewirebb{" + d.line.String() + "}"
}

// Halt implements conn.Resource.
//
// It releases the line, ending a strong pull-up if one is active.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.line.In(gpio.PullUp, gpio.NoEdge)
}

// Tx performs a bus transaction: a reset followed by writing w and reading
// len(r) bytes.
//
// When power is onewire.StrongPullup the line is actively driven high at the
// end of the transaction to power parasitic devices during a conversion or
// EEPROM write. The next transaction or Halt ends it.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = nil

	if present, err := d.reset(); err != nil {
		return err
	} else if !present {
		return ErrNoPresence
	}
	for _, b := range w {
		d.writeByte(b)
	}
	for i := range r {
		r[i] = d.readByte()
	}
	if power == onewire.StrongPullup && d.err == nil {
		d.err = d.line.Out(gpio.High)
	}
	return d.lineErr()
}

// Search performs a "search" cycle on the 1-wire bus and returns the addresses
// of all devices on the bus if alarmOnly is false and of all devices in alarm
// state if alarmOnly is true.
//
// If an error occurs during the search the already-discovered devices are
// returned with the error.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	return onewire.Search(d, alarmOnly)
}

// SearchTriplet reads an address bit and its complement then writes the
// branch taken.
//
// SearchTriplet should not be used directly, use Search instead.
func (d *Dev) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = nil

	// Wired-AND: a 0 is read whenever any device drives it.
	bit := d.readBit()
	cmp := d.readBit()
	tr := onewire.TripletResult{GotZero: bit == 0, GotOne: cmp == 0}
	switch {
	case tr.GotZero && tr.GotOne:
		if direction != 0 {
			tr.Taken = 1
		}
	case tr.GotZero:
		tr.Taken = 0
	default:
		tr.Taken = 1
	}
	d.writeBit(tr.Taken)
	return tr, d.lineErr()
}

//

// reset issues a reset pulse and returns true if any device answered with a
// presence pulse.
func (d *Dev) reset() (bool, error) {
	exit := d.guard.Enter()
	defer exit()

	d.release()
	if d.err == nil && d.line.Read() == gpio.Low {
		return false, shortedBusError("onewirebb: bus is held low")
	}
	d.driveLow()
	d.delay.Delay(tResetLow)
	d.release()
	d.delay.Delay(tPresence)
	present := d.line.Read() == gpio.Low
	d.delay.Delay(tResetTail)
	if err := d.lineErr(); err != nil {
		return false, err
	}
	return present, nil
}

// writeBit sends one time slot. A 1 is a short low pulse, a 0 holds the line
// low for most of the slot.
func (d *Dev) writeBit(v byte) {
	exit := d.guard.Enter()
	defer exit()

	d.driveLow()
	if v&1 != 0 {
		d.delay.Delay(tWrite1Low)
		d.release()
		d.delay.Delay(tWrite1High)
	} else {
		d.delay.Delay(tWrite0Low)
		d.release()
		d.delay.Delay(tWrite0High)
	}
}

// readBit opens a read slot and samples the line shortly after releasing it.
func (d *Dev) readBit() byte {
	exit := d.guard.Enter()
	defer exit()

	d.driveLow()
	d.delay.Delay(tReadLow)
	d.release()
	d.delay.Delay(tReadSample)
	var b byte
	if d.line.Read() == gpio.High {
		b = 1
	}
	d.delay.Delay(tReadRecovery)
	return b
}

// writeByte sends b least significant bit first.
func (d *Dev) writeByte(b byte) {
	for i := 0; i < 8; i++ {
		d.writeBit(b >> uint(i))
	}
}

// readByte reads 8 slots least significant bit first.
func (d *Dev) readByte() byte {
	var b byte
	for i := 0; i < 8; i++ {
		b |= d.readBit() << uint(i)
	}
	return b
}

// driveLow and release keep the first line error of the transaction and do
// nothing once one occurred.
func (d *Dev) driveLow() {
	if d.err == nil {
		d.err = d.line.Out(gpio.Low)
	}
}

func (d *Dev) release() {
	if d.err == nil {
		d.err = d.line.In(gpio.PullUp, gpio.NoEdge)
	}
}

func (d *Dev) lineErr() error {
	if d.err != nil {
		return fmt.Errorf("onewirebb: %s: %w", d.line, d.err)
	}
	return nil
}

// shortedBusError implements error and onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.BusSearcher = &Dev{}
