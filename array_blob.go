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

import "bytes"

// Blob is an accessor over one raw byte block (ignore width type). It
// has no element structure of its own; composite arrays carve it up
// with a separate offsets column.
type Blob struct {
	arr Array
}

// NewBlob returns a detached accessor bound to an allocator.
func NewBlob(alloc Allocator) *Blob {
	return &Blob{arr: Array{alloc: alloc}}
}

// CreateBlob allocates a byte block holding data and returns the new
// ref.
func CreateBlob(alloc Allocator, context bool, data []byte) (Ref, error) {
	block, ref, err := createArrayBlock(alloc, false, false, context, wtypeIgnore, 1, len(data))
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by createArrayBlock().
		return RefNull, err
	}
	copy(block[headerSize:], data)
	return ref, nil
}

// Create allocates a new block and attaches the accessor to it.
func (b *Blob) Create(context bool, data []byte) error {
	ref, err := CreateBlob(b.arr.alloc, context, data)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by CreateBlob().
		return err
	}
	return b.arr.InitFromRef(ref)
}

// InitFromRef attaches the accessor to the block addressed by ref.
func (b *Blob) InitFromRef(ref Ref) error { return b.arr.InitFromRef(ref) }

// Detach unbinds the accessor from its block.
func (b *Blob) Detach() { b.arr.Detach() }

// IsAttached reports whether the accessor is bound to a block.
func (b *Blob) IsAttached() bool { return b.arr.IsAttached() }

// Ref returns the ref of the attached block.
func (b *Blob) Ref() Ref { return b.arr.Ref() }

// Size returns the byte count.
func (b *Blob) Size() int { return b.arr.Size() }

// SetParent installs the back-reference used to propagate relocations.
func (b *Blob) SetParent(parent ArrayParent, ndxInParent int) {
	b.arr.SetParent(parent, ndxInParent)
}

// Destroy frees the block and detaches.
func (b *Blob) Destroy() { b.arr.Destroy() }

// Get returns the bytes [begin, end). The slice aliases the block and
// stays valid only until the next mutation.
func (b *Blob) Get(begin, end int) ([]byte, error) {
	if err := b.arr.checkRange("Get", begin, end); err != nil {
		return nil, err
	}
	return b.arr.data[begin:end:end], nil
}

// Replace substitutes data for the bytes [begin, end), growing or
// shrinking the block as needed. data must not alias the block.
func (b *Blob) Replace(begin, end int, data []byte) error {
	if err := b.arr.checkRange("Replace", begin, end); err != nil {
		return err
	}
	if err := b.arr.CopyOnWrite(); err != nil {
		return err
	}

	a := &b.arr
	oldSize := a.size
	newSize := oldSize - (end - begin) + len(data)

	if newSize > oldSize {
		if err := a.allocFor(newSize, a.width); err != nil {
			return err
		}
		// Go's copy moves overlapping ranges like memmove, so the tail
		// shifts right in one call.
		copy(a.data[begin+len(data):newSize], a.data[end:oldSize])
	} else {
		copy(a.data[begin+len(data):], a.data[end:oldSize])
		if err := a.setHeaderSize(newSize); err != nil {
			return err
		}
	}

	copy(a.data[begin:], data)
	return nil
}

// Append adds data at the end.
func (b *Blob) Append(data []byte) error {
	return b.Replace(b.arr.size, b.arr.size, data)
}

// InsertBytes slides the tail right and places data at pos.
func (b *Blob) InsertBytes(pos int, data []byte) error {
	return b.Replace(pos, pos, data)
}

// EraseBytes removes the bytes [begin, end).
func (b *Blob) EraseBytes(begin, end int) error {
	return b.Replace(begin, end, nil)
}

// BlobArray stores variable-length byte values as three child blocks
// under a has-refs root: cumulative end offsets, the concatenated
// bytes, and per-element null flags. Blocks written before nulls
// existed have only the first two children; the root size tells the
// layouts apart and such blocks stay readable.
type BlobArray struct {
	root     Array
	offsets  Array
	blob     Blob
	nulls    Array
	hasNulls bool
}

const (
	blobChildOffsets = 0
	blobChildBytes   = 1
	blobChildNulls   = 2
)

// NewBlobArray returns a detached accessor bound to an allocator.
func NewBlobArray(alloc Allocator) *BlobArray {
	return &BlobArray{
		root:    Array{alloc: alloc},
		offsets: Array{alloc: alloc},
		blob:    Blob{arr: Array{alloc: alloc}},
		nulls:   Array{alloc: alloc},
	}
}

// CreateBlobArray allocates an empty nullable composite and returns
// the root ref.
func CreateBlobArray(alloc Allocator, context bool) (Ref, error) {
	offsetsRef, err := CreateArray(alloc, KindNormal, false, 0, 0)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by CreateArray().
		return RefNull, err
	}
	blobRef, err := CreateBlob(alloc, false, nil)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by CreateBlob().
		return RefNull, err
	}
	nullsRef, err := CreateArray(alloc, KindNormal, false, 0, 0)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by CreateArray().
		return RefNull, err
	}

	rootRef, err := CreateArray(alloc, KindHasRefs, context, 0, 0)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by CreateArray().
		return RefNull, err
	}

	root := NewArray(alloc)
	if err := root.InitFromRef(rootRef); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.InitFromRef().
		return RefNull, err
	}
	for _, child := range []Ref{offsetsRef, blobRef, nullsRef} {
		if err := root.Add(int64(uint64(child))); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Add().
			return RefNull, err
		}
	}
	return root.Ref(), nil
}

// Create allocates a new composite and attaches the accessor to it.
func (b *BlobArray) Create(context bool) error {
	ref, err := CreateBlobArray(b.root.alloc, context)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by CreateBlobArray().
		return err
	}
	return b.InitFromRef(ref)
}

// InitFromRef attaches the accessor to the composite rooted at ref.
func (b *BlobArray) InitFromRef(ref Ref) error {
	if err := b.root.InitFromRef(ref); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.InitFromRef().
		return err
	}
	if !b.root.hasRefs || (b.root.size != 2 && b.root.size != 3) {
		return NewInvalidHeaderErrorf("blob array root has %d children", b.root.size)
	}

	if err := b.initChild(&b.offsets, blobChildOffsets); err != nil {
		return err
	}
	if err := b.initChild(&b.blob.arr, blobChildBytes); err != nil {
		return err
	}

	b.hasNulls = b.root.size == 3
	if b.hasNulls {
		return b.initChild(&b.nulls, blobChildNulls)
	}
	b.nulls.Detach()
	return nil
}

func (b *BlobArray) initChild(child *Array, slot int) error {
	ref, err := b.root.GetChildRef(slot)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.GetChildRef().
		return err
	}
	if err := child.InitFromRef(ref); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.InitFromRef().
		return err
	}
	child.SetParent(&b.root, slot)
	return nil
}

// Detach unbinds the accessor and its children.
func (b *BlobArray) Detach() {
	b.root.Detach()
	b.offsets.Detach()
	b.blob.Detach()
	b.nulls.Detach()
	b.hasNulls = false
}

// IsAttached reports whether the accessor is bound to a composite.
func (b *BlobArray) IsAttached() bool { return b.root.IsAttached() }

// Ref returns the root ref.
func (b *BlobArray) Ref() Ref { return b.root.Ref() }

// Size returns the element count.
func (b *BlobArray) Size() int { return b.offsets.Size() }

// SetParent installs the back-reference used to propagate root
// relocations.
func (b *BlobArray) SetParent(parent ArrayParent, ndxInParent int) {
	b.root.SetParent(parent, ndxInParent)
}

// DestroyDeep frees the root and all three children.
func (b *BlobArray) DestroyDeep() error {
	if err := b.root.DestroyDeep(); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.DestroyDeep().
		return err
	}
	b.Detach()
	return nil
}

// entryRange returns the byte range of element i inside the blob.
func (b *BlobArray) entryRange(i int) (int, int) {
	begin := 0
	if i > 0 {
		begin = int(b.offsets.get(b.offsets.data, i-1))
	}
	end := int(b.offsets.get(b.offsets.data, i))
	return begin, end
}

func (b *BlobArray) checkNdx(op string, i int) error {
	if !b.IsAttached() {
		return NewNotAttachedError(op)
	}
	if i < 0 || i >= b.Size() {
		return NewIndexOutOfBoundsError(uint64(i), 0, uint64(b.Size()))
	}
	return nil
}

// IsNull reports whether slot i is null. Legacy two-child composites
// have no null flags, so every slot reads as non-null.
func (b *BlobArray) IsNull(i int) (bool, error) {
	if err := b.checkNdx("IsNull", i); err != nil {
		return false, err
	}
	if !b.hasNulls {
		return false, nil
	}
	return b.nulls.get(b.nulls.data, i) != 0, nil
}

// Get returns the bytes of element i, or (nil, true) for a null slot.
// The slice aliases the blob block and stays valid only until the next
// mutation.
func (b *BlobArray) Get(i int) ([]byte, bool, error) {
	if err := b.checkNdx("Get", i); err != nil {
		return nil, false, err
	}
	if b.hasNulls && b.nulls.get(b.nulls.data, i) != 0 {
		return nil, true, nil
	}
	begin, end := b.entryRange(i)
	data, err := b.blob.Get(begin, end)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Blob.Get().
		return nil, false, err
	}
	return data, false, nil
}

// Set replaces element i with data and clears its null flag.
func (b *BlobArray) Set(i int, data []byte) error {
	if err := b.checkNdx("Set", i); err != nil {
		return err
	}

	begin, end := b.entryRange(i)
	if err := b.blob.Replace(begin, end, data); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Blob.Replace().
		return err
	}
	if delta := int64(len(data) - (end - begin)); delta != 0 {
		if err := b.offsets.AdjustRange(i, b.offsets.size, delta); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.AdjustRange().
			return err
		}
	}
	if b.hasNulls {
		return b.nulls.Set(i, 0)
	}
	return nil
}

// SetNull empties element i and raises its null flag. Legacy
// composites are upgraded to the three-child layout first.
func (b *BlobArray) SetNull(i int) error {
	if err := b.checkNdx("SetNull", i); err != nil {
		return err
	}
	if err := b.upgradeToNullable(); err != nil {
		return err
	}

	begin, end := b.entryRange(i)
	if begin != end {
		if err := b.blob.Replace(begin, end, nil); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Blob.Replace().
			return err
		}
		if err := b.offsets.AdjustRange(i, b.offsets.size, int64(begin-end)); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.AdjustRange().
			return err
		}
	}
	return b.nulls.Set(i, 1)
}

// upgradeToNullable adds the null-flag child to a legacy composite.
func (b *BlobArray) upgradeToNullable() error {
	if b.hasNulls {
		return nil
	}

	nullsRef, err := CreateArray(b.root.alloc, KindNormal, false, b.Size(), 0)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by CreateArray().
		return err
	}
	if err := b.root.Add(int64(uint64(nullsRef))); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Add().
		return err
	}
	if err := b.nulls.InitFromRef(nullsRef); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.InitFromRef().
		return err
	}
	b.nulls.SetParent(&b.root, blobChildNulls)
	b.hasNulls = true
	return nil
}

// Insert places data at index i, shifting elements [i, size) one right.
func (b *BlobArray) Insert(i int, data []byte) error {
	if !b.IsAttached() {
		return NewNotAttachedError("Insert")
	}
	if i < 0 || i > b.Size() {
		return NewIndexOutOfBoundsError(uint64(i), 0, uint64(b.Size())+1)
	}

	pos := 0
	if i > 0 {
		pos = int(b.offsets.get(b.offsets.data, i-1))
	}
	if err := b.blob.InsertBytes(pos, data); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Blob.InsertBytes().
		return err
	}
	if err := b.offsets.Insert(i, int64(pos+len(data))); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Insert().
		return err
	}
	if err := b.offsets.AdjustRange(i+1, b.offsets.size, int64(len(data))); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.AdjustRange().
		return err
	}
	if b.hasNulls {
		return b.nulls.Insert(i, 0)
	}
	return nil
}

// Add appends data.
func (b *BlobArray) Add(data []byte) error {
	return b.Insert(b.Size(), data)
}

// AddNull appends a null slot.
func (b *BlobArray) AddNull() error {
	if err := b.Add(nil); err != nil {
		// Don't need to wrap error as external error because err is already categorized by BlobArray.Add().
		return err
	}
	return b.SetNull(b.Size() - 1)
}

// Erase removes element i.
func (b *BlobArray) Erase(i int) error {
	if err := b.checkNdx("Erase", i); err != nil {
		return err
	}

	begin, end := b.entryRange(i)
	if err := b.blob.EraseBytes(begin, end); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Blob.EraseBytes().
		return err
	}
	if err := b.offsets.Erase(i); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Erase().
		return err
	}
	if delta := int64(begin - end); delta != 0 && i < b.offsets.size {
		if err := b.offsets.AdjustRange(i, b.offsets.size, delta); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.AdjustRange().
			return err
		}
	}
	if b.hasNulls {
		return b.nulls.Erase(i)
	}
	return nil
}

// Clear removes every element.
func (b *BlobArray) Clear() error {
	if !b.IsAttached() {
		return NewNotAttachedError("Clear")
	}
	if err := b.blob.Replace(0, b.blob.Size(), nil); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Blob.Replace().
		return err
	}
	if err := b.offsets.Clear(); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Clear().
		return err
	}
	if b.hasNulls {
		return b.nulls.Clear()
	}
	return nil
}

// FindFirst returns the lowest index in [start, end) whose bytes equal
// data. Null slots never match.
func (b *BlobArray) FindFirst(data []byte, start, end int) (int, bool, error) {
	if err := b.offsets.checkRange("FindFirst", start, end); err != nil {
		return 0, false, err
	}
	for i := start; i < end; i++ {
		if b.hasNulls && b.nulls.get(b.nulls.data, i) != 0 {
			continue
		}
		eb, ee := b.entryRange(i)
		if bytes.Equal(b.blob.arr.data[eb:ee], data) {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// Count returns how many elements of [start, end) hold bytes equal to
// data. Null slots never match.
func (b *BlobArray) Count(data []byte, start, end int) (int, error) {
	if err := b.offsets.checkRange("Count", start, end); err != nil {
		return 0, err
	}
	n := 0
	for i := start; i < end; i++ {
		if b.hasNulls && b.nulls.get(b.nulls.data, i) != 0 {
			continue
		}
		eb, ee := b.entryRange(i)
		if bytes.Equal(b.blob.arr.data[eb:ee], data) {
			n++
		}
	}
	return n, nil
}
