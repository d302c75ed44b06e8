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

import (
	"encoding/binary"
	"math/bits"

	"github.com/RoaringBitmap/roaring/v2"
)

// Condition is the injectable comparison strategy of a scan.
type Condition uint8

const (
	// Equal matches elements equal to the target.
	Equal Condition = iota
	// NotEqual matches elements different from the target.
	NotEqual
	// Less matches elements below the target.
	Less
	// Greater matches elements above the target.
	Greater
	// Always matches every element. Aggregation wrappers use it to run
	// the scan machinery without a comparison.
	Always
)

func (c Condition) matches(v, target int64) bool {
	switch c {
	case Equal:
		return v == target
	case NotEqual:
		return v != target
	case Less:
		return v < target
	case Greater:
		return v > target
	default:
		return true
	}
}

// willMatch reports that every value representable at the current
// width matches, so the scan can skip per-element comparison entirely.
func (c Condition) willMatch(lbound, ubound, target int64) bool {
	switch c {
	case Equal:
		return lbound == ubound && target == lbound
	case NotEqual:
		return target < lbound || target > ubound
	case Less:
		return ubound < target
	case Greater:
		return lbound > target
	default:
		return true
	}
}

// canMatch reports that at least one representable value matches; when
// it is false the whole range is provably match-free.
func (c Condition) canMatch(lbound, ubound, target int64) bool {
	switch c {
	case Equal:
		return target >= lbound && target <= ubound
	case NotEqual:
		return !(lbound == ubound && target == lbound)
	case Less:
		return lbound < target
	case Greater:
		return ubound > target
	default:
		return true
	}
}

// FindCallback receives each matching index in ascending order.
// Returning false stops the scan.
type FindCallback func(ndx int) bool

type findAction uint8

const (
	actionFindFirst findAction = iota
	actionCount
	actionSum
	actionMin
	actionMax
	actionFindAll
	actionCallback
)

// queryState carries one scan's accumulator. An action either consumes
// matches one index at a time through match, or, when it is
// associative and index-blind, swallows a whole per-chunk match count
// through consumeMatches.
type queryState struct {
	action     findAction
	state      int64
	stateNdx   int
	matchCount int
	limit      int // < 0 means unlimited
	bitmap     *roaring.Bitmap
	callback   FindCallback
}

func (s *queryState) limitReached() bool {
	return s.limit >= 0 && s.matchCount >= s.limit
}

// match records the matching element at ndx with value v and reports
// whether the scan should continue.
func (s *queryState) match(ndx int, v int64) bool {
	s.matchCount++
	switch s.action {
	case actionFindFirst:
		s.state = v
		s.stateNdx = ndx
		return false
	case actionCount:
	case actionSum:
		s.state += v
	case actionMin:
		if s.matchCount == 1 || v < s.state {
			s.state = v
			s.stateNdx = ndx
		}
	case actionMax:
		if s.matchCount == 1 || v > s.state {
			s.state = v
			s.stateNdx = ndx
		}
	case actionFindAll:
		s.bitmap.Add(uint32(ndx))
	case actionCallback:
		if !s.callback(ndx) {
			return false
		}
	}
	return !s.limitReached()
}

// consumable reports whether the action may swallow whole match
// patterns without per-index dispatch.
func (s *queryState) consumable() bool {
	return s.action == actionCount
}

// consumeMatches folds n pattern-counted matches at once and reports
// whether the scan should continue. Only valid for consumable actions.
func (s *queryState) consumeMatches(n int) bool {
	if s.limit >= 0 && s.matchCount+n > s.limit {
		n = s.limit - s.matchCount
	}
	s.matchCount += n
	return !s.limitReached()
}

// Find returns the lowest index in [start, end) whose element matches
// cond against value.
func (a *Array) Find(cond Condition, value int64, start, end int) (int, bool, error) {
	state := queryState{action: actionFindFirst, limit: 1}
	if err := a.find(cond, value, start, end, &state); err != nil {
		return 0, false, err
	}
	if state.matchCount == 0 {
		return 0, false, nil
	}
	return state.stateNdx, true, nil
}

// FindFirst returns the lowest index in [start, end) holding value.
func (a *Array) FindFirst(value int64, start, end int) (int, bool, error) {
	return a.Find(Equal, value, start, end)
}

// Count returns how many elements of [start, end) hold value.
func (a *Array) Count(value int64, start, end int) (int, error) {
	state := queryState{action: actionCount, limit: -1}
	if err := a.find(Equal, value, start, end, &state); err != nil {
		return 0, err
	}
	return state.matchCount, nil
}

// FindAll adds the index of every element of [start, end) matching
// cond against value to bm.
func (a *Array) FindAll(bm *roaring.Bitmap, cond Condition, value int64, start, end int) error {
	state := queryState{action: actionFindAll, limit: -1, bitmap: bm}
	return a.find(cond, value, start, end, &state)
}

// ForEachMatch invokes cb with the index of every element of
// [start, end) matching cond against value, stopping early when cb
// returns false.
func (a *Array) ForEachMatch(cond Condition, value int64, start, end int, cb FindCallback) error {
	state := queryState{action: actionCallback, limit: -1, callback: cb}
	return a.find(cond, value, start, end, &state)
}

// find runs the tiered scan. Tier order: provable bulk decision from
// the width bounds, an unaligned per-element prefix, word-parallel
// chunks, and a per-element suffix. Each tier is correct on its own;
// slicing the range across them never changes the result, only the
// cost.
func (a *Array) find(cond Condition, value int64, start, end int, state *queryState) error {
	if err := a.checkRange("Find", start, end); err != nil {
		return err
	}
	if start == end || state.limitReached() {
		return nil
	}

	// Tier: provable outcomes. The width bounds alone can decide a
	// scan before it reads a single element.
	if !cond.canMatch(a.lbound, a.ubound, value) {
		return nil
	}
	if cond.willMatch(a.lbound, a.ubound, value) {
		a.bulkMatch(start, end, state)
		return nil
	}

	if a.wtype == wtypeBits && a.width < 64 {
		a.scanChunked(cond, value, start, end, state)
		return nil
	}

	// 64-bit elements fill a whole machine word each, and multiply or
	// ignore cells carry raw bits the flag tricks do not apply to.
	for i := start; i < end; i++ {
		v := a.get(a.data, i)
		if cond.matches(v, value) {
			if !state.match(i, v) {
				return nil
			}
		}
	}
	return nil
}

// bulkMatch handles the every-element-matches case without per-element
// condition dispatch.
func (a *Array) bulkMatch(start, end int, state *queryState) {
	switch state.action {
	case actionFindFirst:
		state.match(start, a.get(a.data, start))
	case actionCount:
		state.consumeMatches(end - start)
	case actionSum:
		state.state += a.sumKernel(start, end)
		state.matchCount += end - start
	case actionMin:
		v, ndx := a.minKernel(start, end)
		state.match(ndx, v)
		state.matchCount += end - start - 1
	case actionMax:
		v, ndx := a.maxKernel(start, end)
		state.match(ndx, v)
		state.matchCount += end - start - 1
	case actionFindAll:
		state.bitmap.AddRange(uint64(start), uint64(end))
		state.matchCount += end - start
	case actionCallback:
		for i := start; i < end; i++ {
			if !state.match(i, a.get(a.data, i)) {
				return
			}
		}
	}
}

// scanChunked is the word-parallel tier for widths 1 through 32: an
// unaligned prefix element by element, then whole 64-bit chunks probed
// with SWAR flags, then the tail.
func (a *Array) scanChunked(cond Condition, value int64, start, end int, state *queryState) {
	w := a.width
	perChunk := 64 / int(w)

	i := start
	for i < end && i%perChunk != 0 {
		v := a.get(a.data, i)
		if cond.matches(v, value) {
			if !state.match(i, v) {
				return
			}
		}
		i++
	}

	if i+perChunk <= end {
		pattern := replicate(uint64(value)&fieldMask(w), w)

		for ; i+perChunk <= end; i += perChunk {
			chunk := binary.LittleEndian.Uint64(a.data[(i/perChunk)*8:])

			if cond == Equal && state.action == actionFindFirst {
				// Zero-finding bisection beats building the full flag
				// word when only the first hit matters.
				f := firstZeroFieldNdx(chunk^pattern, w)
				if f < perChunk {
					state.match(i+f, a.get(a.data, i+f))
					return
				}
				continue
			}

			flags := chunkMatchFlags(cond, chunk, pattern, w)
			if flags == 0 {
				continue
			}

			if state.consumable() {
				// Whole-pattern consumption: the action takes the
				// chunk's match count in one call.
				if !state.consumeMatches(bits.OnesCount64(flags)) {
					return
				}
				continue
			}

			for flags != 0 {
				f := bits.TrailingZeros64(flags) / int(w)
				ndx := i + f
				if !state.match(ndx, a.get(a.data, ndx)) {
					return
				}
				flags &= flags - 1
			}
		}
	}

	for ; i < end; i++ {
		v := a.get(a.data, i)
		if cond.matches(v, value) {
			if !state.match(i, v) {
				return
			}
		}
	}
}

// chunkMatchFlags returns one flag bit per matching field of chunk.
// Equal and NotEqual plant the flag at each field's low bit; Less and
// Greater plant it at each field's high bit. Callers only rely on
// "one bit inside each matching field".
func chunkMatchFlags(cond Condition, chunk, pattern uint64, w uint8) uint64 {
	switch cond {
	case Equal:
		return cascadeZero(chunk^pattern, w)
	case NotEqual:
		return cascadeNonZero(chunk^pattern, w)
	case Less:
		if w >= 8 {
			// Bias flips two's-complement order into unsigned order.
			h := msbMasks[widthNdxForWidth(w)]
			return ltFlags(chunk^h, pattern^h, w)
		}
		return ltFlags(chunk, pattern, w)
	case Greater:
		if w >= 8 {
			h := msbMasks[widthNdxForWidth(w)]
			return ltFlags(pattern^h, chunk^h, w)
		}
		return ltFlags(pattern, chunk, w)
	default:
		return lsbMasks[widthNdxForWidth(w)]
	}
}

// Per-width masks, indexed by widthNdx. lsbMasks set each field's low
// bit, msbMasks each field's high bit.
var lsbMasks = [8]uint64{
	0,
	0xFFFF_FFFF_FFFF_FFFF,
	0x5555_5555_5555_5555,
	0x1111_1111_1111_1111,
	0x0101_0101_0101_0101,
	0x0001_0001_0001_0001,
	0x0000_0001_0000_0001,
	0x0000_0000_0000_0001,
}

var msbMasks = [8]uint64{
	0,
	0xFFFF_FFFF_FFFF_FFFF,
	0xAAAA_AAAA_AAAA_AAAA,
	0x8888_8888_8888_8888,
	0x8080_8080_8080_8080,
	0x8000_8000_8000_8000,
	0x8000_0000_8000_0000,
	0x8000_0000_0000_0000,
}

func fieldMask(w uint8) uint64 {
	if w == 64 {
		return ^uint64(0)
	}
	return (uint64(1) << w) - 1
}

// replicate fills a 64-bit word with copies of the w-bit value v.
func replicate(v uint64, w uint8) uint64 {
	for shift := uint(w); shift < 64; shift <<= 1 {
		v |= v << shift
	}
	return v
}

// cascadeZero ORs each field's bits down onto its low bit and inverts,
// leaving the low bit set exactly for all-zero fields.
func cascadeZero(x uint64, w uint8) uint64 {
	ndx := widthNdxForWidth(w)
	return cascadeNonZero(x, w) ^ lsbMasks[ndx]
}

// cascadeNonZero leaves each field's low bit set exactly for non-zero
// fields.
func cascadeNonZero(x uint64, w uint8) uint64 {
	switch w {
	case 1:
		return x
	case 2:
		x |= x >> 1
	case 4:
		x |= x >> 2
		x |= x >> 1
	case 8:
		x |= x >> 4
		x |= x >> 2
		x |= x >> 1
	case 16:
		x |= x >> 8
		x |= x >> 4
		x |= x >> 2
		x |= x >> 1
	case 32:
		x |= x >> 16
		x |= x >> 8
		x |= x >> 4
		x |= x >> 2
		x |= x >> 1
	}
	return x & lsbMasks[widthNdxForWidth(w)]
}

// hasZeroField reports whether any w-bit field of x is all zero. The
// subtract-and-mask form is exact for existence even though per-field
// borrow can smear flags above the lowest zero.
func hasZeroField(x uint64, w uint8) bool {
	ndx := widthNdxForWidth(w)
	return (x-lsbMasks[ndx])&^x&msbMasks[ndx] != 0
}

// firstZeroFieldNdx returns the index of the lowest all-zero w-bit
// field of x, or 64/w when none exists. It bisects the word, forcing
// fields outside the live window to non-zero so they cannot alias.
func firstZeroFieldNdx(x uint64, w uint8) int {
	if !hasZeroField(x, w) {
		return 64 / int(w)
	}

	start := 0
	windowBits := 64
	for windowBits > int(w) {
		half := windowBits >> 1
		lowMask := (uint64(1) << half) - 1
		if hasZeroField(x|^lowMask, w) {
			windowBits = half
			continue
		}
		x >>= uint(half)
		start += half / int(w)
		windowBits = half
	}
	return start
}

// ltFlags compares w-bit unsigned fields, setting each field's high
// bit where x's field is less than y's. The forced high bit in the
// subtraction keeps borrows from crossing field boundaries.
func ltFlags(x, y uint64, w uint8) uint64 {
	h := msbMasks[widthNdxForWidth(w)]
	if w == 1 {
		// A bit is less than another only as 0 < 1.
		return ^x & y
	}
	z := (x | h) - (y &^ h)
	xm := x & h
	ym := y & h
	ge := (xm &^ ym) | (^(xm ^ ym) & z & h)
	return ge ^ h
}

// LowerBound returns the index of the first element >= v, assuming
// ascending order.
func (a *Array) LowerBound(v int64) (int, error) {
	if !a.IsAttached() {
		return 0, NewNotAttachedError("LowerBound")
	}
	low, high := 0, a.size
	for low < high {
		mid := int(uint(low+high) >> 1) // avoid overflow when computing mid
		if a.get(a.data, mid) < v {
			low = mid + 1
		} else {
			high = mid
		}
	}
	return low, nil
}

// UpperBound returns the index of the first element > v, assuming
// ascending order.
func (a *Array) UpperBound(v int64) (int, error) {
	if !a.IsAttached() {
		return 0, NewNotAttachedError("UpperBound")
	}
	low, high := 0, a.size
	for low < high {
		mid := int(uint(low+high) >> 1) // avoid overflow when computing mid
		if a.get(a.data, mid) <= v {
			low = mid + 1
		} else {
			high = mid
		}
	}
	return low, nil
}
