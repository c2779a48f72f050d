// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18b20 interfaces to Dallas Semi / Maxim DS18B20 and DS18S20 1-wire
// temperature sensors.
//
// Readings use the skip ROM command, StartAll then ReadScratchpad, which
// addresses every device on the bus at once and is what a bus carrying a
// single sensor wants. Dev addresses one sensor by its 64-bit ROM code to
// configure it.
//
// # Datasheet
//
// https://datasheets.maximintegrated.com/en/ds/DS18B20.pdf
package ds18b20

import (
	"errors"
	"fmt"
	"time"

	"github.com/GermanBionicSystems/aquamon/common"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
)

// Family code of the specific device type
type Family byte

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS18B20:
		return "DS18B20"
	default:
		return "unknown"
	}
}

const DS18B20 Family = 0x28
const DS18S20 Family = 0x10

// Function commands, datasheet p.11.
const (
	cmdSkipROM         = 0xcc
	cmdConvert         = 0x44
	cmdReadScratchpad  = 0xbe
	cmdWriteScratchpad = 0x4e
	cmdCopyScratchpad  = 0x48
)

// Raw temperature values that are never trusted.
const (
	rawUnset   = 0x0000 // register cleared, typically a stuck line
	rawPowerOn = 0x0550 // 85°C, the value held until a conversion completes
	rawFloat   = 0xffff // line floating high during the read
)

var (
	// ErrCRC is returned when the scratchpad CRC does not match its content.
	ErrCRC error = busError("ds18b20: incorrect scratchpad CRC")
	// ErrNoResponse is returned when the scratchpad read as all ones.
	ErrNoResponse error = busError("ds18b20: device did not respond")
	// ErrSentinel is returned when the scratchpad holds a temperature the
	// device reports when it did not perform a conversion.
	ErrSentinel error = busError("ds18b20: has not performed a temperature conversion (insufficient pull-up?)")
)

// Scratchpad is the device memory returned by the read scratchpad command.
//
// Bytes 0 and 1 are the temperature in 1/16°C, little endian. Byte 4 is the
// configuration register. Byte 8 is the CRC of bytes 0 to 7.
type Scratchpad [9]byte

// Raw returns the signed temperature register.
func (s *Scratchpad) Raw() int16 {
	return int16(uint16(s[1])<<8 | uint16(s[0]))
}

// CRCValid returns true if byte 8 is the CRC of the preceding bytes.
func (s *Scratchpad) CRCValid() bool {
	return common.CRC8Maxim(s[:8]) == s[8]
}

// Resolution returns the configured conversion resolution in bits.
func (s *Scratchpad) Resolution() int {
	return int(s[4]>>5&3) + 9
}

// check validates the CRC and tells an absent device apart from a corrupted
// transfer.
func (s *Scratchpad) check() error {
	if s.CRCValid() {
		return nil
	}
	for _, b := range s {
		if b != 0xff {
			return ErrCRC
		}
	}
	return ErrNoResponse
}

// Decode returns the temperature in °C held in a DS18B20 scratchpad.
//
// The CRC is not looked at. Raw values 0x0000, 0x0550 (the 85°C power-on
// value) and 0xffff are rejected with ErrSentinel, so a genuine 0°C or 85°C
// reading is rejected too.
func Decode(s *Scratchpad) (float64, error) {
	switch uint16(s.Raw()) {
	case rawUnset, rawPowerOn, rawFloat:
		return 0, ErrSentinel
	}
	return float64(s.Raw()) / 16, nil
}

// ConversionTime returns the maximum time a conversion takes at the given
// resolution: 9bits:93.75ms, 10bits:187.5ms, 11bits:375ms, 12bits:750ms,
// datasheet p.3.
func ConversionTime(bits int) time.Duration {
	return (750 * time.Millisecond) >> uint(12-bits)
}

// StartAll starts a conversion on all DS18B20 devices on the bus and returns
// without waiting for it to finish.
//
// The bus is left in strong pull-up mode to power parasitic devices. The
// caller waits ConversionTime before reading the scratchpad.
func StartAll(o onewire.Bus) error {
	return o.Tx([]byte{cmdSkipROM, cmdConvert}, nil, onewire.StrongPullup)
}

// ReadScratchpad reads the scratchpad of the only device on the bus and checks
// its CRC.
//
// With more than one device on the bus the answers collide and the CRC check
// fails.
func ReadScratchpad(o onewire.Bus) (Scratchpad, error) {
	var s Scratchpad
	if err := o.Tx([]byte{cmdSkipROM, cmdReadScratchpad}, s[:], onewire.WeakPullup); err != nil {
		return s, err
	}
	return s, s.check()
}

// New returns a handle to the DS18B20 with the specified 64-bit address and
// makes sure its resolution is resolutionBits.
//
// resolutionBits must be in the range 9..12 and determines how many bits of
// precision the readings have. The resolution affects the conversion time:
// 9bits:94ms, 10bits:188ms, 11bits:375ms, 12bits:750ms. When the device is
// configured differently the new resolution is written to its EEPROM, keeping
// the alarm thresholds, and read back.
func New(o onewire.Bus, addr onewire.Address, resolutionBits int) (*Dev, error) {
	if resolutionBits < 9 || resolutionBits > 12 {
		return nil, errors.New("ds18b20: invalid resolutionBits")
	}
	d := &Dev{onewire: onewire.Dev{Bus: o, Addr: addr}, resolution: resolutionBits}
	if f := d.Family(); f != DS18B20 {
		return nil, fmt.Errorf("ds18b20: %s has no configurable resolution", f)
	}

	// Start by reading the scratchpad memory, this will tell us whether we can
	// talk to the device correctly and also how it's configured.
	spad, err := d.readScratchpad()
	if err != nil {
		return nil, err
	}
	if spad.Resolution() == resolutionBits {
		return d, nil
	}

	// Set the value in the configuration register, datasheet p.6.
	if err := d.onewire.Tx([]byte{cmdWriteScratchpad, spad[2], spad[3], byte((resolutionBits-9)<<5) | 0x1f}, nil); err != nil {
		return nil, err
	}
	// Copy the scratchpad to EEPROM to save the values.
	if err := d.onewire.TxPower([]byte{cmdCopyScratchpad}, nil); err != nil {
		return nil, err
	}
	// Wait for the write to complete.
	sleep(10 * time.Millisecond)

	if spad, err = d.readScratchpad(); err != nil {
		return nil, err
	}
	if r := spad.Resolution(); r != resolutionBits {
		return nil, fmt.Errorf("ds18b20: %s kept a resolution of %d bits", d, r)
	}
	return d, nil
}

// Dev is a handle to a Dallas Semi / Maxim DS18B20 temperature sensor on a
// 1-wire bus.
type Dev struct {
	onewire    onewire.Dev // device on 1-wire bus
	resolution int         // resolution in bits (9..12)
}

func (d *Dev) Family() Family {
	return Family(d.onewire.Addr & 0xFF)
}

func (d *Dev) String() string {
	return d.Family().String() + "{" + d.onewire.String() + "}"
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Resolution returns the resolution the device is configured for.
func (d *Dev) Resolution() int {
	return d.resolution
}

// readScratchpad reads the 9 bytes of scratchpad of this device and checks
// the CRC.
func (d *Dev) readScratchpad() (Scratchpad, error) {
	var spad Scratchpad
	if err := d.onewire.Tx([]byte{cmdReadScratchpad}, spad[:]); err != nil {
		return spad, err
	}
	return spad, spad.check()
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
