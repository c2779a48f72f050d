// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"time"

	"periph.io/x/conn/v3/gpio"
)

type slotKind int

const (
	slotNone slotKind = iota
	slotReset
	slotShort // write 1 or read
	slotLong  // write 0
)

// sim is a Line and a Delayer that plays the device side of the bus.
//
// Time only advances through Delay. The low pulse length decides the slot
// kind; a short slot during which the master samples the line is a read slot,
// otherwise it is a written 1.
type sim struct {
	present bool   // answer resets with a presence pulse
	shorted bool   // line stuck low
	rx      []byte // bytes the device sends, LSB first
	failOut error  // returned by Out

	now     time.Duration
	fell    time.Duration
	driven  bool
	high    bool // actively driven high (strong pull-up)
	kind    slotKind
	sampled bool
	rbit    int

	bits   []byte // written bits, in order
	resets []int  // index in bits at which each reset happened
	delays []time.Duration
}

func (s *sim) String() string { return "sim" }

func (s *sim) Out(l gpio.Level) error {
	if s.failOut != nil {
		return s.failOut
	}
	s.finish()
	if l == gpio.Low {
		s.driven = true
		s.high = false
		s.fell = s.now
	} else {
		s.driven = false
		s.high = true
	}
	return nil
}

func (s *sim) In(pull gpio.Pull, edge gpio.Edge) error {
	s.high = false
	if !s.driven {
		return nil
	}
	s.driven = false
	switch low := s.now - s.fell; {
	case low >= 400*time.Microsecond:
		s.kind = slotReset
		s.resets = append(s.resets, len(s.bits))
		s.rbit = 0
	case low <= 15*time.Microsecond:
		s.kind = slotShort
	default:
		s.kind = slotLong
	}
	return nil
}

func (s *sim) Read() gpio.Level {
	if s.shorted || s.driven {
		return gpio.Low
	}
	since := s.now - s.fell
	switch s.kind {
	case slotReset:
		if s.present && since >= 495*time.Microsecond && since <= 720*time.Microsecond {
			return gpio.Low
		}
	case slotShort:
		if since <= 30*time.Microsecond {
			s.sampled = true
			if !s.present {
				return gpio.High
			}
			i := s.rbit
			s.rbit++
			if i/8 < len(s.rx) && (s.rx[i/8]>>uint(i%8))&1 == 0 {
				return gpio.Low
			}
		}
	}
	return gpio.High
}

func (s *sim) Delay(d time.Duration) {
	s.now += d
	s.delays = append(s.delays, d)
}

// finish accounts for the slot that just ended.
func (s *sim) finish() {
	switch s.kind {
	case slotShort:
		if !s.sampled {
			s.bits = append(s.bits, 1)
		}
	case slotLong:
		s.bits = append(s.bits, 0)
	}
	s.kind = slotNone
	s.sampled = false
}

// written returns the bytes written after each reset.
func (s *sim) written() [][]byte {
	s.finish()
	var out [][]byte
	for i, start := range s.resets {
		end := len(s.bits)
		if i+1 < len(s.resets) {
			end = s.resets[i+1]
		}
		var buf []byte
		for j := start; j+8 <= end; j += 8 {
			var b byte
			for k := 0; k < 8; k++ {
				b |= s.bits[j+k] << uint(k)
			}
			buf = append(buf, b)
		}
		out = append(out, buf)
	}
	return out
}

// countingGuard checks that every section is closed.
type countingGuard struct {
	enters, exits int
}

func (g *countingGuard) Enter() func() {
	g.enters++
	return func() { g.exits++ }
}
