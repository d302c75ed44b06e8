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

// Array mutations (insert, erase, move, truncate). Every operation
// here calls CopyOnWrite before touching bytes. None of them ever
// frees a referenced child block: reorganizations routinely hold the
// same child ref in two places for a moment, so recursive frees are
// the caller's explicit decision (DestroyDeep), never a side effect.

// Insert stores v at index i, shifting elements [i, size) one slot
// right.
func (a *Array) Insert(i int, v int64) error {
	if !a.IsAttached() {
		return NewNotAttachedError("Insert")
	}
	if i < 0 || i > a.size {
		return NewIndexOutOfBoundsError(uint64(i), 0, uint64(a.size)+1)
	}
	if err := a.CopyOnWrite(); err != nil {
		return err
	}

	oldSize := a.size
	oldWidth := a.width
	oldGet := a.get

	width := a.width
	if v < a.lbound || v > a.ubound {
		width = widthForValue(v)
	}

	if err := a.allocFor(oldSize+1, width); err != nil {
		return err
	}

	if b := a.strideBytes(); width == oldWidth && b > 0 {
		// Byte-aligned elements shift with one overlapping copy.
		copy(a.data[(i+1)*b:], a.data[i*b:oldSize*b])
	} else {
		// Shift the tail one slot right, reading the old packing and
		// writing the new, back to front so reads stay ahead of writes.
		for j := oldSize; j > i; j-- {
			a.set(a.data, j, oldGet(a.data, j-1))
		}
	}

	a.set(a.data, i, v)

	if width != oldWidth {
		// The head keeps its old packing until re-written at the new
		// width, also back to front.
		for j := i; j != 0; {
			j--
			a.set(a.data, j, oldGet(a.data, j))
		}
	}
	return nil
}

// Add appends v.
func (a *Array) Add(v int64) error {
	return a.Insert(a.size, v)
}

// Erase removes element i, shifting the tail left.
func (a *Array) Erase(i int) error {
	return a.EraseRange(i, i+1)
}

// EraseRange removes elements [begin, end).
func (a *Array) EraseRange(begin, end int) error {
	if !a.IsAttached() {
		return NewNotAttachedError("EraseRange")
	}
	if begin < 0 || end > a.size || begin > end {
		return NewIndexOutOfBoundsError(uint64(begin), 0, uint64(a.size))
	}
	if begin == end {
		return nil
	}
	if err := a.CopyOnWrite(); err != nil {
		return err
	}

	if b := a.strideBytes(); b > 0 {
		copy(a.data[begin*b:], a.data[end*b:a.size*b])
	} else {
		// Left moves read ahead of writes in forward order.
		for j := 0; j < a.size-end; j++ {
			a.set(a.data, begin+j, a.get(a.data, end+j))
		}
	}

	return a.setHeaderSize(a.size - (end - begin))
}

// Truncate drops elements [newSize, size). Truncating to zero resets
// the width, since no stored element constrains it anymore.
func (a *Array) Truncate(newSize int) error {
	if !a.IsAttached() {
		return NewNotAttachedError("Truncate")
	}
	if newSize < 0 || newSize > a.size {
		return NewIndexOutOfBoundsError(uint64(newSize), 0, uint64(a.size)+1)
	}
	if newSize == a.size {
		return nil
	}
	if err := a.CopyOnWrite(); err != nil {
		return err
	}

	if newSize == 0 && a.wtype == wtypeBits {
		// Nothing constrains the width anymore.
		return a.allocFor(0, 0)
	}
	return a.setHeaderSize(newSize)
}

// Clear removes every element.
func (a *Array) Clear() error {
	return a.Truncate(0)
}

// Adjust adds diff to element i.
func (a *Array) Adjust(i int, diff int64) error {
	v, err := a.Get(i)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Get().
		return err
	}
	return a.Set(i, v+diff)
}

// AdjustRange adds diff to every element of [begin, end). Cumulative
// offset columns use it to shift their tails after a splice.
func (a *Array) AdjustRange(begin, end int, diff int64) error {
	if err := a.checkRange("AdjustRange", begin, end); err != nil {
		return err
	}
	if begin == end || diff == 0 {
		return nil
	}
	if err := a.CopyOnWrite(); err != nil {
		return err
	}
	for i := begin; i < end; i++ {
		if err := a.Set(i, a.get(a.data, i)+diff); err != nil {
			return err
		}
	}
	return nil
}

// Move copies elements [begin, end) to destBegin, which must lie at or
// before begin. The vacated range keeps its old values.
func (a *Array) Move(begin, end, destBegin int) error {
	if !a.IsAttached() {
		return NewNotAttachedError("Move")
	}
	if begin < 0 || end > a.size || begin > end || destBegin > begin {
		return NewIndexOutOfBoundsError(uint64(destBegin), 0, uint64(begin)+1)
	}
	if begin == end || destBegin == begin {
		return nil
	}
	if err := a.CopyOnWrite(); err != nil {
		return err
	}

	if b := a.strideBytes(); b > 0 {
		copy(a.data[destBegin*b:], a.data[begin*b:end*b])
		return nil
	}
	for j := 0; j < end-begin; j++ {
		a.set(a.data, destBegin+j, a.get(a.data, begin+j))
	}
	return nil
}

// MoveBackward copies elements [begin, end) so that the last lands at
// destEnd-1, which must lie at or after end. Used for rightward
// shifts, so it walks back to front.
func (a *Array) MoveBackward(begin, end, destEnd int) error {
	if !a.IsAttached() {
		return NewNotAttachedError("MoveBackward")
	}
	if begin < 0 || end > a.size || begin > end || destEnd < end || destEnd > a.size {
		return NewIndexOutOfBoundsError(uint64(destEnd), uint64(end), uint64(a.size)+1)
	}
	if begin == end || destEnd == end {
		return nil
	}
	if err := a.CopyOnWrite(); err != nil {
		return err
	}

	if b := a.strideBytes(); b > 0 {
		copy(a.data[(destEnd-(end-begin))*b:], a.data[begin*b:end*b])
		return nil
	}
	n := end - begin
	for j := n; j != 0; {
		j--
		a.set(a.data, destEnd-n+j, a.get(a.data, begin+j))
	}
	return nil
}

// MoveRotate moves element from to position to, rotating the elements
// between them by one slot.
func (a *Array) MoveRotate(from, to int) error {
	if !a.IsAttached() {
		return NewNotAttachedError("MoveRotate")
	}
	if from < 0 || from >= a.size {
		return NewIndexOutOfBoundsError(uint64(from), 0, uint64(a.size))
	}
	if to < 0 || to >= a.size {
		return NewIndexOutOfBoundsError(uint64(to), 0, uint64(a.size))
	}
	if from == to {
		return nil
	}
	if err := a.CopyOnWrite(); err != nil {
		return err
	}

	v := a.get(a.data, from)
	if from < to {
		for j := from; j < to; j++ {
			a.set(a.data, j, a.get(a.data, j+1))
		}
	} else {
		for j := from; j > to; j-- {
			a.set(a.data, j, a.get(a.data, j-1))
		}
	}
	a.set(a.data, to, v)
	return nil
}
