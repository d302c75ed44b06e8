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

import "math"

// Float arrays store raw IEEE-754 cells in multiply blocks, one cell
// per element. Null is a single reserved quiet-NaN payload per element
// type; every other NaN is an ordinary stored value, so only an exact
// payload match reads back as null.
const (
	nullFloat64Bits uint64 = 0x7FF8_0000_0000_00AA
	nullFloat32Bits uint32 = 0x7FC0_00AA
)

// Float64Array is an accessor over a block of 8-byte double cells. It
// shares the packed array's relocation and copy-on-write machinery;
// only the element interpretation differs.
type Float64Array struct {
	arr Array
}

// NewFloat64Array returns a detached accessor bound to an allocator.
func NewFloat64Array(alloc Allocator) *Float64Array {
	return &Float64Array{arr: Array{alloc: alloc}}
}

// CreateFloat64Array allocates a block of size doubles, all set to
// fill, and returns the new ref.
func CreateFloat64Array(alloc Allocator, context bool, size int, fill float64) (Ref, error) {
	block, ref, err := createArrayBlock(alloc, false, false, context, wtypeMultiply, 8, size)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by createArrayBlock().
		return RefNull, err
	}

	if bits := math.Float64bits(fill); bits != 0 {
		data := block[headerSize:]
		for i := 0; i < size; i++ {
			setM8(data, i, int64(bits))
		}
	}
	return ref, nil
}

// Create allocates a new block and attaches the accessor to it.
func (f *Float64Array) Create(context bool, size int, fill float64) error {
	ref, err := CreateFloat64Array(f.arr.alloc, context, size, fill)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by CreateFloat64Array().
		return err
	}
	return f.arr.InitFromRef(ref)
}

// InitFromRef attaches the accessor to the block addressed by ref.
func (f *Float64Array) InitFromRef(ref Ref) error { return f.arr.InitFromRef(ref) }

// Detach unbinds the accessor from its block.
func (f *Float64Array) Detach() { f.arr.Detach() }

// IsAttached reports whether the accessor is bound to a block.
func (f *Float64Array) IsAttached() bool { return f.arr.IsAttached() }

// Ref returns the ref of the attached block.
func (f *Float64Array) Ref() Ref { return f.arr.Ref() }

// Size returns the element count.
func (f *Float64Array) Size() int { return f.arr.Size() }

// SetParent installs the back-reference used to propagate relocations.
func (f *Float64Array) SetParent(parent ArrayParent, ndxInParent int) {
	f.arr.SetParent(parent, ndxInParent)
}

// CopyOnWrite relocates the block to writable memory when it is frozen.
func (f *Float64Array) CopyOnWrite() error { return f.arr.CopyOnWrite() }

// Destroy frees the block and detaches.
func (f *Float64Array) Destroy() { f.arr.Destroy() }

// Get returns element i. A null slot reads back as the sentinel NaN.
func (f *Float64Array) Get(i int) (float64, error) {
	bits, err := f.arr.Get(i)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Get().
		return 0, err
	}
	return math.Float64frombits(uint64(bits)), nil
}

// GetNullable returns element i and whether the slot is null.
func (f *Float64Array) GetNullable(i int) (float64, bool, error) {
	bits, err := f.arr.Get(i)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Get().
		return 0, false, err
	}
	if uint64(bits) == nullFloat64Bits {
		return 0, true, nil
	}
	return math.Float64frombits(uint64(bits)), false, nil
}

// IsNull reports whether slot i holds the null sentinel.
func (f *Float64Array) IsNull(i int) (bool, error) {
	bits, err := f.arr.Get(i)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Get().
		return false, err
	}
	return uint64(bits) == nullFloat64Bits, nil
}

// Set stores v at index i.
func (f *Float64Array) Set(i int, v float64) error {
	return f.arr.Set(i, int64(math.Float64bits(v)))
}

// SetNull marks slot i null.
func (f *Float64Array) SetNull(i int) error {
	return f.arr.Set(i, int64(nullFloat64Bits))
}

// Insert stores v at index i, shifting elements [i, size) one right.
func (f *Float64Array) Insert(i int, v float64) error {
	return f.arr.Insert(i, int64(math.Float64bits(v)))
}

// Add appends v.
func (f *Float64Array) Add(v float64) error {
	return f.arr.Add(int64(math.Float64bits(v)))
}

// AddNull appends a null slot.
func (f *Float64Array) AddNull() error {
	return f.arr.Add(int64(nullFloat64Bits))
}

// Erase removes element i.
func (f *Float64Array) Erase(i int) error { return f.arr.Erase(i) }

// Truncate drops elements [newSize, size).
func (f *Float64Array) Truncate(newSize int) error { return f.arr.Truncate(newSize) }

// Clear removes every element.
func (f *Float64Array) Clear() error { return f.arr.Clear() }

// FindFirst returns the lowest index in [start, end) comparing equal
// to v. Nulls never match; neither does NaN, by IEEE comparison.
func (f *Float64Array) FindFirst(v float64, start, end int) (int, bool, error) {
	if err := f.arr.checkRange("FindFirst", start, end); err != nil {
		return 0, false, err
	}
	for i := start; i < end; i++ {
		bits := uint64(f.arr.get(f.arr.data, i))
		if bits == nullFloat64Bits {
			continue
		}
		if math.Float64frombits(bits) == v {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// FindFirstNull returns the lowest null slot in [start, end).
func (f *Float64Array) FindFirstNull(start, end int) (int, bool, error) {
	return f.arr.Find(Equal, int64(nullFloat64Bits), start, end)
}

// Sum returns the sum of the non-null elements of [start, end).
func (f *Float64Array) Sum(start, end int) (float64, error) {
	if err := f.arr.checkRange("Sum", start, end); err != nil {
		return 0, err
	}
	var sum float64
	for i := start; i < end; i++ {
		bits := uint64(f.arr.get(f.arr.data, i))
		if bits == nullFloat64Bits {
			continue
		}
		sum += math.Float64frombits(bits)
	}
	return sum, nil
}

// Minimum returns the smallest non-null element of [start, end) and
// the lowest index holding it. ok is false when every slot is null.
func (f *Float64Array) Minimum(start, end int) (v float64, ndx int, ok bool, err error) {
	return f.extreme("Minimum", start, end, func(v, best float64) bool { return v < best })
}

// Maximum returns the largest non-null element of [start, end) and
// the lowest index holding it. ok is false when every slot is null.
func (f *Float64Array) Maximum(start, end int) (v float64, ndx int, ok bool, err error) {
	return f.extreme("Maximum", start, end, func(v, best float64) bool { return v > best })
}

func (f *Float64Array) extreme(op string, start, end int, better func(v, best float64) bool) (float64, int, bool, error) {
	if err := f.arr.checkRange(op, start, end); err != nil {
		return 0, 0, false, err
	}
	var best float64
	bestNdx := -1
	for i := start; i < end; i++ {
		bits := uint64(f.arr.get(f.arr.data, i))
		if bits == nullFloat64Bits {
			continue
		}
		v := math.Float64frombits(bits)
		if bestNdx < 0 || better(v, best) {
			best, bestNdx = v, i
		}
	}
	if bestNdx < 0 {
		return 0, 0, false, nil
	}
	return best, bestNdx, true, nil
}

// Float32Array is an accessor over a block of 4-byte float cells.
type Float32Array struct {
	arr Array
}

// NewFloat32Array returns a detached accessor bound to an allocator.
func NewFloat32Array(alloc Allocator) *Float32Array {
	return &Float32Array{arr: Array{alloc: alloc}}
}

// CreateFloat32Array allocates a block of size floats, all set to
// fill, and returns the new ref.
func CreateFloat32Array(alloc Allocator, context bool, size int, fill float32) (Ref, error) {
	block, ref, err := createArrayBlock(alloc, false, false, context, wtypeMultiply, 4, size)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by createArrayBlock().
		return RefNull, err
	}

	if bits := math.Float32bits(fill); bits != 0 {
		data := block[headerSize:]
		for i := 0; i < size; i++ {
			setM4(data, i, int64(bits))
		}
	}
	return ref, nil
}

// Create allocates a new block and attaches the accessor to it.
func (f *Float32Array) Create(context bool, size int, fill float32) error {
	ref, err := CreateFloat32Array(f.arr.alloc, context, size, fill)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by CreateFloat32Array().
		return err
	}
	return f.arr.InitFromRef(ref)
}

// InitFromRef attaches the accessor to the block addressed by ref.
func (f *Float32Array) InitFromRef(ref Ref) error { return f.arr.InitFromRef(ref) }

// Detach unbinds the accessor from its block.
func (f *Float32Array) Detach() { f.arr.Detach() }

// IsAttached reports whether the accessor is bound to a block.
func (f *Float32Array) IsAttached() bool { return f.arr.IsAttached() }

// Ref returns the ref of the attached block.
func (f *Float32Array) Ref() Ref { return f.arr.Ref() }

// Size returns the element count.
func (f *Float32Array) Size() int { return f.arr.Size() }

// SetParent installs the back-reference used to propagate relocations.
func (f *Float32Array) SetParent(parent ArrayParent, ndxInParent int) {
	f.arr.SetParent(parent, ndxInParent)
}

// CopyOnWrite relocates the block to writable memory when it is frozen.
func (f *Float32Array) CopyOnWrite() error { return f.arr.CopyOnWrite() }

// Destroy frees the block and detaches.
func (f *Float32Array) Destroy() { f.arr.Destroy() }

// Get returns element i. A null slot reads back as the sentinel NaN.
func (f *Float32Array) Get(i int) (float32, error) {
	bits, err := f.arr.Get(i)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Get().
		return 0, err
	}
	return math.Float32frombits(uint32(bits)), nil
}

// GetNullable returns element i and whether the slot is null.
func (f *Float32Array) GetNullable(i int) (float32, bool, error) {
	bits, err := f.arr.Get(i)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Get().
		return 0, false, err
	}
	if uint32(bits) == nullFloat32Bits {
		return 0, true, nil
	}
	return math.Float32frombits(uint32(bits)), false, nil
}

// IsNull reports whether slot i holds the null sentinel.
func (f *Float32Array) IsNull(i int) (bool, error) {
	bits, err := f.arr.Get(i)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Get().
		return false, err
	}
	return uint32(bits) == nullFloat32Bits, nil
}

// Set stores v at index i.
func (f *Float32Array) Set(i int, v float32) error {
	return f.arr.Set(i, int64(math.Float32bits(v)))
}

// SetNull marks slot i null.
func (f *Float32Array) SetNull(i int) error {
	return f.arr.Set(i, int64(nullFloat32Bits))
}

// Insert stores v at index i, shifting elements [i, size) one right.
func (f *Float32Array) Insert(i int, v float32) error {
	return f.arr.Insert(i, int64(math.Float32bits(v)))
}

// Add appends v.
func (f *Float32Array) Add(v float32) error {
	return f.arr.Add(int64(math.Float32bits(v)))
}

// AddNull appends a null slot.
func (f *Float32Array) AddNull() error {
	return f.arr.Add(int64(nullFloat32Bits))
}

// Erase removes element i.
func (f *Float32Array) Erase(i int) error { return f.arr.Erase(i) }

// Truncate drops elements [newSize, size).
func (f *Float32Array) Truncate(newSize int) error { return f.arr.Truncate(newSize) }

// Clear removes every element.
func (f *Float32Array) Clear() error { return f.arr.Clear() }

// FindFirst returns the lowest index in [start, end) comparing equal
// to v. Nulls never match; neither does NaN, by IEEE comparison.
func (f *Float32Array) FindFirst(v float32, start, end int) (int, bool, error) {
	if err := f.arr.checkRange("FindFirst", start, end); err != nil {
		return 0, false, err
	}
	for i := start; i < end; i++ {
		bits := uint32(f.arr.get(f.arr.data, i))
		if bits == nullFloat32Bits {
			continue
		}
		if math.Float32frombits(bits) == v {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// FindFirstNull returns the lowest null slot in [start, end).
func (f *Float32Array) FindFirstNull(start, end int) (int, bool, error) {
	return f.arr.Find(Equal, int64(nullFloat32Bits), start, end)
}

// Sum returns the sum of the non-null elements of [start, end),
// accumulated in double precision.
func (f *Float32Array) Sum(start, end int) (float64, error) {
	if err := f.arr.checkRange("Sum", start, end); err != nil {
		return 0, err
	}
	var sum float64
	for i := start; i < end; i++ {
		bits := uint32(f.arr.get(f.arr.data, i))
		if bits == nullFloat32Bits {
			continue
		}
		sum += float64(math.Float32frombits(bits))
	}
	return sum, nil
}

// Minimum returns the smallest non-null element of [start, end) and
// the lowest index holding it. ok is false when every slot is null.
func (f *Float32Array) Minimum(start, end int) (v float32, ndx int, ok bool, err error) {
	return f.extreme("Minimum", start, end, func(v, best float32) bool { return v < best })
}

// Maximum returns the largest non-null element of [start, end) and
// the lowest index holding it. ok is false when every slot is null.
func (f *Float32Array) Maximum(start, end int) (v float32, ndx int, ok bool, err error) {
	return f.extreme("Maximum", start, end, func(v, best float32) bool { return v > best })
}

func (f *Float32Array) extreme(op string, start, end int, better func(v, best float32) bool) (float32, int, bool, error) {
	if err := f.arr.checkRange(op, start, end); err != nil {
		return 0, 0, false, err
	}
	var best float32
	bestNdx := -1
	for i := start; i < end; i++ {
		bits := uint32(f.arr.get(f.arr.data, i))
		if bits == nullFloat32Bits {
			continue
		}
		v := math.Float32frombits(bits)
		if bestNdx < 0 || better(v, best) {
			best, bestNdx = v, i
		}
	}
	if bestNdx < 0 {
		return 0, 0, false, nil
	}
	return best, bestNdx, true, nil
}
