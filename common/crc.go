// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages, such as
// the Dallas/Maxim CRC8 used on the 1-wire bus.
package common

// CRC8Maxim calculates the Dallas/Maxim 1-wire CRC8 of the byte slice
// parameter.
//
// This is the reflected form of x⁸+x⁵+x⁴+1: bytes are shifted in least
// significant bit first and 0x8c is folded in whenever the bit shifted out
// differs from the data bit. The initial value is 0, so a buffer of zeros
// has a CRC of 0 and running it over data followed by its CRC yields 0.
func CRC8Maxim(bytes []byte) byte {
	var crc byte
	for _, val := range bytes {
		for i := 0; i < 8; i++ {
			mix := (crc ^ val) & 1
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8c
			}
			val >>= 1
		}
	}
	return crc
}
