// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package aquamon monitors the water temperature of an aquarium.
//
// A single DS18B20 sits on a 1-wire bus bit-banged on one GPIO line
// (package onewirebb). Package acquire reads it periodically, rejects
// corrupted and implausible values and keeps the last good reading.
// Package statusapi serves that reading over HTTP. cmd/aquamon wires it all
// together.
package aquamon
