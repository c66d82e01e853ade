// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "math"

// Float32FromRegisters reinterprets a pair of 16-bit registers as an
// IEEE-754 single-precision float, using the low-word-first convention
// bits = (r1<<16)|r0. Modbus does not standardize a float layout; this is
// the one convention this library exposes.
func Float32FromRegisters(r0, r1 uint16) float32 {
	bits := uint32(r1)<<16 | uint32(r0)
	return math.Float32frombits(bits)
}

// Float32ToRegisters is the inverse of Float32FromRegisters.
func Float32ToRegisters(f float32) (r0, r1 uint16) {
	bits := math.Float32bits(f)
	r0 = uint16(bits & 0xFFFF)
	r1 = uint16(bits >> 16)
	return r0, r1
}
