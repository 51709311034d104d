// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bits provides primitives for bitwise operations on uint8 and
// uint32 values.
package bits

func Get(v uint32, pos int, mask int) uint32 {
	return uint32((int(v) >> pos) & mask)
}

func Set(v *uint32, pos int) {
	*v |= (1 << pos)
}

func Clear(v *uint32, pos int) {
	*v &^= (1 << pos)
}

func SetN(v *uint32, pos int, mask int, val uint32) {
	*v = (*v &^ (uint32(mask) << pos)) | (val << pos)
}

// Get8 and friends are the byte-sized equivalents.
func Get8(v uint8, pos int, mask int) uint8 {
	return uint8((int(v) >> pos) & mask)
}

func Set8(v *uint8, pos int) {
	*v |= (1 << pos)
}

func Clear8(v *uint8, pos int) {
	*v &^= (1 << pos)
}
