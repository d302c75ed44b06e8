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
	"math"
)

// ArrayKind selects the flag combination a new block is created with.
type ArrayKind uint8

const (
	// KindNormal holds plain packed integers.
	KindNormal ArrayKind = iota
	// KindHasRefs holds child refs and tagged integers.
	KindHasRefs
	// KindInnerBPTree is a B+-tree inner node; it implies has-refs.
	KindInnerBPTree
)

// getter reads element ndx out of a packed data region. The data slice
// starts after the header, and ndx is trusted: every getter is reached
// through a bounds check at the public boundary.
type getter func(data []byte, ndx int) int64

// setter writes element ndx. The value is trusted to fit the width.
type setter func(data []byte, ndx int, v int64)

// Array is a non-owning accessor over one packed block. It caches the
// decoded header fields and the width-specialized getter/setter pair,
// so hot get/set calls pay no per-call width dispatch. Accessors are
// cheap values: create them on the stack, re-bind them freely. The
// block itself is owned by whatever structure holds the ref.
//
// An Array is not safe for concurrent use. Distinct accessors over the
// same read-only block may be used concurrently.
type Array struct {
	alloc Allocator
	block []byte // whole block, header included
	data  []byte // block[headerSize:capacity]
	ref   Ref

	size     int
	capacity int // elements that fit the block at the current width
	width    uint8
	wtype    WidthType
	isInner  bool
	hasRefs  bool
	context  bool
	lbound   int64
	ubound   int64

	get getter
	set setter

	parent      ArrayParent
	ndxInParent int
}

// NewArray returns a detached accessor bound to an allocator.
func NewArray(alloc Allocator) *Array {
	return &Array{alloc: alloc}
}

// CreateArray allocates a block for size elements of
// widthForValue(fill) bits, fills it, and returns the new ref. The
// width and capacity are computed before the allocation, so the
// allocator call is the only failure point.
func CreateArray(alloc Allocator, kind ArrayKind, context bool, size int, fill int64) (Ref, error) {
	width := widthForValue(fill)
	isInner := kind == KindInnerBPTree
	hasRefs := kind != KindNormal

	block, ref, err := createArrayBlock(alloc, isInner, hasRefs, context, wtypeBits, width, size)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by createArrayBlock().
		return RefNull, err
	}

	if fill != 0 && size > 0 {
		set := setters[widthNdxForWidth(width)]
		data := block[headerSize:]
		for i := 0; i < size; i++ {
			set(data, i, fill)
		}
	}

	return ref, nil
}

// createArrayBlock allocates and headers a block of any width type.
// The data area comes back zeroed.
func createArrayBlock(alloc Allocator, isInner, hasRefs, context bool, wtype WidthType, width uint8, size int) ([]byte, Ref, error) {
	if size < 0 || size > maxHeaderField {
		return nil, RefNull, NewSizeOverflowError(uint64(size), maxHeaderField)
	}

	byteSize := blockByteSize(wtype, size, width)
	block, ref, err := alloc.Alloc(byteSize)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return nil, RefNull, wrapErrorfAsExternalErrorIfNeeded(err, "failed to allocate array block")
	}

	err = initHeader(block, isInner, hasRefs, context, wtype, width, size, len(block))
	if err != nil {
		alloc.Free(ref)
		return nil, RefNull, err
	}

	return block, ref, nil
}

// Create allocates a new block and attaches the accessor to it.
func (a *Array) Create(kind ArrayKind, context bool, size int, fill int64) error {
	ref, err := CreateArray(a.alloc, kind, context, size, fill)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by CreateArray().
		return err
	}
	return a.InitFromRef(ref)
}

// InitFromRef attaches the accessor to the block addressed by ref.
func (a *Array) InitFromRef(ref Ref) error {
	block, err := a.alloc.Translate(ref)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve array ref")
	}
	return a.initFromBlock(block, ref)
}

// InitFromBlock attaches the accessor to an already-resolved block.
// Read-only traversals use it to skip repeated ref translation.
func (a *Array) InitFromBlock(block []byte, ref Ref) error {
	return a.initFromBlock(block, ref)
}

func (a *Array) initFromBlock(block []byte, ref Ref) error {
	if err := validateHeader(block); err != nil {
		// Don't need to wrap error as external error because err is already categorized by validateHeader().
		return err
	}

	capacity := capacityFromHeader(block)
	block = block[:capacity:capacity]

	a.block = block
	a.data = block[headerSize:]
	a.ref = ref
	a.size = sizeFromHeader(block)
	a.width = widthFromHeader(block)
	a.wtype = widthTypeFromHeader(block)
	a.isInner = isInnerFromHeader(block)
	a.hasRefs = hasRefsFromHeader(block)
	a.context = contextFromHeader(block)
	a.refreshBounds()
	a.capacity = elementCapacity(capacity, a.wtype, a.width)
	a.selectVTable()
	return nil
}

// refreshBounds recomputes the representable-value bounds. Only packed
// blocks constrain values; multiply and ignore blocks store raw bits.
func (a *Array) refreshBounds() {
	if a.wtype == wtypeBits {
		a.lbound, a.ubound = boundsForWidth(a.width)
		return
	}
	a.lbound, a.ubound = math.MinInt64, math.MaxInt64
}

// strideBytes returns the byte stride between elements, or 0 when
// elements pack below byte granularity.
func (a *Array) strideBytes() int {
	switch a.wtype {
	case wtypeMultiply:
		return int(a.width)
	case wtypeIgnore:
		return 1
	default:
		if a.width >= 8 {
			return int(a.width) >> 3
		}
		return 0
	}
}

// elementCapacity converts a block's byte capacity into the number of
// elements it can hold at the given width.
func elementCapacity(capacityBytes int, wtype WidthType, width uint8) int {
	dataBytes := capacityBytes - headerSize
	var n int
	switch {
	case wtype == wtypeIgnore:
		n = dataBytes
	case width == 0:
		n = maxHeaderField
	case wtype == wtypeBits:
		n = dataBytes * 8 / int(width)
	default:
		n = dataBytes / int(width)
	}
	if n > maxHeaderField {
		n = maxHeaderField
	}
	return n
}

func (a *Array) selectVTable() {
	switch a.wtype {
	case wtypeMultiply:
		ndx := widthNdxForWidth(a.width)
		a.get = multiplyGetters[ndx]
		a.set = multiplySetters[ndx]
	case wtypeIgnore:
		a.get = getByte
		a.set = setByte
	default:
		ndx := widthNdxForWidth(a.width)
		a.get = getters[ndx]
		a.set = setters[ndx]
	}
}

// Detach unbinds the accessor from its block. Idempotent.
func (a *Array) Detach() {
	a.block = nil
	a.data = nil
	a.ref = RefNull
	a.size = 0
	a.capacity = 0
	a.get = nil
	a.set = nil
}

// IsAttached reports whether the accessor is bound to a block.
func (a *Array) IsAttached() bool {
	return a.block != nil
}

// Ref returns the ref of the attached block.
func (a *Array) Ref() Ref { return a.ref }

// Size returns the element count.
func (a *Array) Size() int { return a.size }

// Width returns the current element bit-width.
func (a *Array) Width() uint8 { return a.width }

// WType returns the block's width type.
func (a *Array) WType() WidthType { return a.wtype }

// IsInnerBPTreeNode reports the is-inner header flag.
func (a *Array) IsInnerBPTreeNode() bool { return a.isInner }

// HasRefs reports the has-refs header flag.
func (a *Array) HasRefs() bool { return a.hasRefs }

// ContextFlag reports the context header flag.
func (a *Array) ContextFlag() bool { return a.context }

// SetContextFlag updates the context header flag.
func (a *Array) SetContextFlag(context bool) error {
	if !a.IsAttached() {
		return NewNotAttachedError("SetContextFlag")
	}
	if err := a.CopyOnWrite(); err != nil {
		return err
	}
	setContextInHeader(a.block, context)
	a.context = context
	return nil
}

// LBound returns the smallest value storable at the current width.
func (a *Array) LBound() int64 { return a.lbound }

// UBound returns the largest value storable at the current width.
func (a *Array) UBound() int64 { return a.ubound }

// SetParent installs the back-reference used to propagate relocations.
func (a *Array) SetParent(parent ArrayParent, ndxInParent int) {
	a.parent = parent
	a.ndxInParent = ndxInParent
}

// NdxInParent returns the slot this array occupies in its parent.
func (a *Array) NdxInParent() int { return a.ndxInParent }

// AdjustNdxInParent shifts the recorded parent slot by diff. Parents
// call it when they splice their own child lists.
func (a *Array) AdjustNdxInParent(diff int) {
	a.ndxInParent += diff
}

// UpdateParent pushes the current ref into the parent slot.
func (a *Array) UpdateParent() error {
	if a.parent == nil {
		return nil
	}
	err := a.parent.UpdateChildRef(a.ndxInParent, a.ref)
	// Wrap err as external error (if needed) because err is returned by ArrayParent interface.
	return wrapErrorfAsExternalErrorIfNeeded(err, "failed to update parent ref")
}

// RefreshFromParent re-derives the ref from the parent slot and
// re-attaches. Used after an ancestor relocated this child.
func (a *Array) RefreshFromParent() error {
	if a.parent == nil {
		return NewUserErrorf("RefreshFromParent requires a parent link")
	}
	ref, err := a.parent.GetChildRef(a.ndxInParent)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by ArrayParent interface.
		return wrapErrorfAsExternalErrorIfNeeded(err, "failed to get ref from parent")
	}
	return a.InitFromRef(ref)
}

// Get returns element i.
func (a *Array) Get(i int) (int64, error) {
	if !a.IsAttached() {
		return 0, NewNotAttachedError("Get")
	}
	if i < 0 || i >= a.size {
		return 0, NewIndexOutOfBoundsError(uint64(i), 0, uint64(a.size))
	}
	return a.get(a.data, i), nil
}

// RefOrTaggedGet returns element i of a has-refs block typed as a
// RefOrTagged.
func (a *Array) RefOrTaggedGet(i int) (RefOrTagged, error) {
	v, err := a.Get(i)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Get().
		return 0, err
	}
	return RefOrTagged(uint64(v)), nil
}

// Set stores v at index i, widening the array if v does not fit the
// current width. When v already fits and the block is writable, Set is
// guaranteed not to allocate and not to fail; callers rely on that
// after EnsureMinimumWidth.
func (a *Array) Set(i int, v int64) error {
	if !a.IsAttached() {
		return NewNotAttachedError("Set")
	}
	if i < 0 || i >= a.size {
		return NewIndexOutOfBoundsError(uint64(i), 0, uint64(a.size))
	}

	if a.get(a.data, i) == v {
		return nil
	}

	if err := a.CopyOnWrite(); err != nil {
		return err
	}
	if err := a.ensureMinimumWidth(v); err != nil {
		return err
	}

	a.set(a.data, i, v)
	return nil
}

// EnsureMinimumWidth widens the element width so that v becomes
// storable without allocation on a later Set. Never narrows.
func (a *Array) EnsureMinimumWidth(v int64) error {
	if !a.IsAttached() {
		return NewNotAttachedError("EnsureMinimumWidth")
	}
	if v >= a.lbound && v <= a.ubound {
		return nil
	}
	if err := a.CopyOnWrite(); err != nil {
		return err
	}
	return a.ensureMinimumWidth(v)
}

// ensureMinimumWidth re-packs every element at the wider width. The
// block must be writable. Elements are expanded from the back so reads
// of the narrow packing stay ahead of the wider writes.
func (a *Array) ensureMinimumWidth(v int64) error {
	if v >= a.lbound && v <= a.ubound {
		return nil
	}

	oldGet := a.get
	if err := a.allocFor(a.size, widthForValue(v)); err != nil {
		return err
	}

	for i := a.size; i != 0; {
		i--
		a.set(a.data, i, oldGet(a.data, i))
	}
	return nil
}

// CopyOnWrite relocates the block to writable memory when it is part
// of an immutable snapshot, then notifies the parent. Calling it on an
// already-writable block changes nothing; that idempotence is part of
// the public contract. The read-only original is never freed here: it
// still belongs to the snapshot.
func (a *Array) CopyOnWrite() error {
	if !a.IsAttached() {
		return NewNotAttachedError("CopyOnWrite")
	}
	if !a.alloc.IsReadOnly(a.ref) {
		return nil
	}

	byteSize := headerSize + dataByteSize(a.wtype, a.size, a.width)

	newBlock, newRef, err := a.alloc.Alloc(byteSize + copySlackBytes)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return wrapErrorfAsExternalErrorIfNeeded(err, "failed to allocate writable copy")
	}

	copy(newBlock, a.block[:byteSize])
	if err := setCapacityInHeader(newBlock, len(newBlock)); err != nil {
		a.alloc.Free(newRef)
		return err
	}

	a.block = newBlock
	a.data = newBlock[headerSize:]
	a.ref = newRef
	a.capacity = elementCapacity(len(newBlock), a.wtype, a.width)

	return a.UpdateParent()
}

// allocFor makes the block able to hold size elements at the given
// width, relocating when the current block is too small. It rewrites
// the header and cached fields; it does not re-pack element data, so
// callers changing the width must re-pack with the previously cached
// getter. The block must be writable.
func (a *Array) allocFor(size int, width uint8) error {
	if size > maxHeaderField {
		return NewSizeOverflowError(uint64(size), maxHeaderField)
	}

	newByteSize := blockByteSize(a.wtype, size, width)
	if newByteSize > len(a.block) {
		// Grow by doubling so repeated appends amortize, but never past
		// what the capacity field can encode.
		newCapacity := len(a.block) * 2
		if newCapacity < newByteSize {
			newCapacity = newByteSize
		}
		if newCapacity > maxHeaderField&^7 {
			newCapacity = maxHeaderField &^ 7
		}
		if newByteSize > newCapacity {
			return NewSizeOverflowError(uint64(newByteSize), maxHeaderField)
		}

		newBlock, newRef, err := a.alloc.Alloc(newCapacity)
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by Allocator interface.
			return wrapErrorfAsExternalErrorIfNeeded(err, "failed to grow array block")
		}

		copy(newBlock, a.block[:headerSize+dataByteSize(a.wtype, a.size, a.width)])

		oldRef := a.ref
		a.block = newBlock
		a.data = newBlock[headerSize:]
		a.ref = newRef
		a.alloc.Free(oldRef)

		if err := a.UpdateParent(); err != nil {
			return err
		}
	}

	if err := setCapacityInHeader(a.block, len(a.block)); err != nil {
		return err
	}
	if err := setSizeInHeader(a.block, size); err != nil {
		return err
	}
	setWidthInHeader(a.block, width)

	a.size = size
	a.width = width
	a.refreshBounds()
	a.capacity = elementCapacity(len(a.block), a.wtype, width)
	a.selectVTable()
	return nil
}

// setHeaderSize writes through a size change to the header and cache.
func (a *Array) setHeaderSize(size int) error {
	if err := setSizeInHeader(a.block, size); err != nil {
		return err
	}
	a.size = size
	return nil
}

// Array acts as the parent of its own ref elements, so child accessors
// can push relocations into the owning slot.

var _ ArrayParent = &Array{}

// UpdateChildRef stores a relocated child's ref at the given element.
func (a *Array) UpdateChildRef(ndxInParent int, ref Ref) error {
	return a.Set(ndxInParent, int64(uint64(ref)))
}

// GetChildRef reads the child ref stored at the given element.
func (a *Array) GetChildRef(ndxInParent int) (Ref, error) {
	rt, err := a.RefOrTaggedGet(ndxInParent)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.RefOrTaggedGet().
		return RefNull, err
	}
	if !rt.IsRef() {
		return RefNull, NewInvalidRefErrorf(uint64(rt), "element %d is not a child ref", ndxInParent)
	}
	return rt.Ref(), nil
}

// checkRange validates a half-open element range against the attached
// block.
func (a *Array) checkRange(op string, start, end int) error {
	if !a.IsAttached() {
		return NewNotAttachedError(op)
	}
	if start < 0 || end > a.size || start > end {
		return NewIndexOutOfBoundsError(uint64(start), 0, uint64(a.size)+1)
	}
	return nil
}

// getDirect reads one element from a raw block without an accessor.
// Read-only tree walks use it to avoid attach costs.
func getDirect(block []byte, ndx int) int64 {
	width := widthFromHeader(block)
	return getters[widthNdxForWidth(width)](block[headerSize:], ndx)
}

// Width-specialized accessors, indexed by widthNdx. Elements are
// little-endian; sub-byte widths pack LSB-first, so element i of width
// w occupies bits [i*w, (i+1)*w) of the data region.

var getters = [8]getter{getW0, getW1, getW2, getW4, getW8, getW16, getW32, getW64}
var setters = [8]setter{setW0, setW1, setW2, setW4, setW8, setW16, setW32, setW64}

func getW0([]byte, int) int64 { return 0 }

func getW1(data []byte, ndx int) int64 {
	return int64((data[ndx>>3] >> (ndx & 7)) & 0b1)
}

func getW2(data []byte, ndx int) int64 {
	offset := ndx << 1
	return int64((data[offset>>3] >> (offset & 7)) & 0b11)
}

func getW4(data []byte, ndx int) int64 {
	offset := ndx << 2
	return int64((data[offset>>3] >> (offset & 7)) & 0b1111)
}

func getW8(data []byte, ndx int) int64 {
	return int64(int8(data[ndx]))
}

func getW16(data []byte, ndx int) int64 {
	return int64(int16(binary.LittleEndian.Uint16(data[ndx<<1:])))
}

func getW32(data []byte, ndx int) int64 {
	return int64(int32(binary.LittleEndian.Uint32(data[ndx<<2:])))
}

func getW64(data []byte, ndx int) int64 {
	return int64(binary.LittleEndian.Uint64(data[ndx<<3:]))
}

func setW0([]byte, int, int64) {}

func setW1(data []byte, ndx int, v int64) {
	shift := uint(ndx & 7)
	data[ndx>>3] = data[ndx>>3]&^(0b1<<shift) | byte(v&0b1)<<shift
}

func setW2(data []byte, ndx int, v int64) {
	offset := ndx << 1
	shift := uint(offset & 7)
	data[offset>>3] = data[offset>>3]&^(0b11<<shift) | byte(v&0b11)<<shift
}

func setW4(data []byte, ndx int, v int64) {
	offset := ndx << 2
	shift := uint(offset & 7)
	data[offset>>3] = data[offset>>3]&^(0b1111<<shift) | byte(v&0b1111)<<shift
}

func setW8(data []byte, ndx int, v int64) {
	data[ndx] = byte(v)
}

func setW16(data []byte, ndx int, v int64) {
	binary.LittleEndian.PutUint16(data[ndx<<1:], uint16(v))
}

func setW32(data []byte, ndx int, v int64) {
	binary.LittleEndian.PutUint32(data[ndx<<2:], uint32(v))
}

func setW64(data []byte, ndx int, v int64) {
	binary.LittleEndian.PutUint64(data[ndx<<3:], uint64(v))
}

// Multiply accessors move raw little-endian cells of width bytes,
// zero-extended: no packing, no sign. Cells wider than 8 bytes are
// byte payloads and never flow through get/set.
var multiplyGetters = [8]getter{nil, getByte, getM2, getM4, getM8, nil, nil, nil}
var multiplySetters = [8]setter{nil, setByte, setM2, setM4, setM8, nil, nil, nil}

func getByte(data []byte, ndx int) int64 {
	return int64(data[ndx])
}

func setByte(data []byte, ndx int, v int64) {
	data[ndx] = byte(v)
}

func getM2(data []byte, ndx int) int64 {
	return int64(binary.LittleEndian.Uint16(data[ndx<<1:]))
}

func setM2(data []byte, ndx int, v int64) {
	binary.LittleEndian.PutUint16(data[ndx<<1:], uint16(v))
}

func getM4(data []byte, ndx int) int64 {
	return int64(binary.LittleEndian.Uint32(data[ndx<<2:]))
}

func setM4(data []byte, ndx int, v int64) {
	binary.LittleEndian.PutUint32(data[ndx<<2:], uint32(v))
}

func getM8(data []byte, ndx int) int64 {
	return int64(binary.LittleEndian.Uint64(data[ndx<<3:]))
}

func setM8(data []byte, ndx int, v int64) {
	binary.LittleEndian.PutUint64(data[ndx<<3:], uint64(v))
}
