/*
 * Ptree - Packed Adaptive Arrays and B+-Trees
 *
 * Copyright Packbits Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ptree

// Element bit-widths form a closed set. Widths below 8 store unsigned
// values, widths of 8 and above store two's-complement signed values.
// A block's width only ever grows; narrowing would invalidate the
// fast-path contract of Set after EnsureMinimumWidth.

// widthForSmallValue maps values 0..15 to the narrowest usable width.
var widthForSmallValue = [16]uint8{0, 1, 2, 2, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4}

// widthForValue returns the smallest width in {0,1,2,4,8,16,32,64} that
// can represent v. The exact branch structure is load-bearing: it is
// shared with the persisted format's sizing rules, so two processes
// must agree on the width chosen for any given value.
func widthForValue(v int64) uint8 {
	if uint64(v)>>4 == 0 {
		return widthForSmallValue[v]
	}

	// With bit 63 flipped away for negatives, the value is always
	// non-negative and the width follows from the highest used bit.
	if v < 0 {
		v = ^v
	}

	if uint64(v)>>31 != 0 {
		return 64
	}
	if uint64(v)>>15 != 0 {
		return 32
	}
	if uint64(v)>>7 != 0 {
		return 16
	}
	return 8
}

// boundsForWidth returns the smallest and largest storable value for a
// width. Widths below 8 are unsigned, the rest are signed.
func boundsForWidth(width uint8) (lbound int64, ubound int64) {
	switch width {
	case 0:
		return 0, 0
	case 1:
		return 0, 1
	case 2:
		return 0, 3
	case 4:
		return 0, 15
	case 8:
		return -0x80, 0x7F
	case 16:
		return -0x8000, 0x7FFF
	case 32:
		return -0x8000_0000, 0x7FFF_FFFF
	case 64:
		return -0x8000_0000_0000_0000, 0x7FFF_FFFF_FFFF_FFFF
	default:
		panic(NewInvalidHeaderErrorf("unknown width %d", width))
	}
}

// fitsWidth reports whether v is storable at the given width without
// widening.
func fitsWidth(v int64, width uint8) bool {
	lb, ub := boundsForWidth(width)
	return v >= lb && v <= ub
}
