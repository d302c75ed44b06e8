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
	"sort"
)

// Allocator turns logical refs into memory blocks. The engine never
// maps or allocates OS memory itself; everything it touches comes
// through this boundary. Implementations decide where blocks live
// (heap, mapped file) and which blocks are frozen as part of a
// published snapshot.
type Allocator interface {
	// Translate resolves a ref to its block. The returned slice stays
	// valid until the ref is freed. Callers must not retain it across
	// a Free or a reallocation of the same logical array.
	Translate(ref Ref) ([]byte, error)

	// Alloc returns a zeroed block of at least byteSize bytes and the
	// ref addressing it. byteSize is rounded up to a multiple of 8.
	Alloc(byteSize int) ([]byte, Ref, error)

	// Free releases the block. Freeing RefNull is a no-op.
	Free(ref Ref)

	// IsReadOnly reports whether the block belongs to an immutable
	// snapshot. Mutators must copy-on-write before touching it.
	IsReadOnly(ref Ref) bool
}

type slabEntry struct {
	block    []byte
	readOnly bool
}

// SlabAllocator is the in-memory Allocator. Refs are handed out from a
// monotonically increasing, 8-aligned sequence, so a given sequence of
// allocations is reproducible in tests. Marking the allocator (or a
// single ref) read-only models snapshot publication.
type SlabAllocator struct {
	slabs          map[Ref]*slabEntry
	nextRef        Ref
	readOnly       bool
	bytesAllocated int
	bytesFreed     int
}

var _ Allocator = &SlabAllocator{}

// NewSlabAllocator creates an empty in-memory allocator.
func NewSlabAllocator() *SlabAllocator {
	return &SlabAllocator{
		slabs:   make(map[Ref]*slabEntry),
		nextRef: 8,
	}
}

func (a *SlabAllocator) Translate(ref Ref) ([]byte, error) {
	if err := ref.Valid(); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Ref.Valid().
		return nil, err
	}
	entry, ok := a.slabs[ref]
	if !ok {
		return nil, NewRefNotFoundErrorf(ref, "failed to translate ref")
	}
	return entry.block, nil
}

func (a *SlabAllocator) Alloc(byteSize int) ([]byte, Ref, error) {
	if a.readOnly {
		return nil, RefNull, NewReadOnlyError("Alloc")
	}
	if byteSize < 0 {
		return nil, RefNull, NewUserErrorf("cannot allocate %d bytes", byteSize)
	}

	byteSize = (byteSize + 7) &^ 7

	ref := a.nextRef
	a.nextRef += Ref(byteSize) + 8

	block := make([]byte, byteSize)
	a.slabs[ref] = &slabEntry{block: block}
	a.bytesAllocated += byteSize
	return block, ref, nil
}

func (a *SlabAllocator) Free(ref Ref) {
	if ref == RefNull || a.readOnly {
		return
	}
	// Snapshot-frozen blocks outlive the accessors that point at them.
	if entry, ok := a.slabs[ref]; ok && !entry.readOnly {
		a.bytesFreed += len(entry.block)
		delete(a.slabs, ref)
	}
}

func (a *SlabAllocator) IsReadOnly(ref Ref) bool {
	if a.readOnly {
		return true
	}
	if entry, ok := a.slabs[ref]; ok {
		return entry.readOnly
	}
	return false
}

// SetReadOnly freezes or thaws the whole allocator. Freezing models
// publishing every block as an immutable snapshot.
func (a *SlabAllocator) SetReadOnly(readOnly bool) {
	a.readOnly = readOnly
}

// SetRefReadOnly freezes or thaws a single block.
func (a *SlabAllocator) SetRefReadOnly(ref Ref, readOnly bool) error {
	entry, ok := a.slabs[ref]
	if !ok {
		return NewRefNotFoundErrorf(ref, "failed to mark ref read-only")
	}
	entry.readOnly = readOnly
	return nil
}

// Count returns the number of live blocks.
func (a *SlabAllocator) Count() int {
	return len(a.slabs)
}

// BytesAllocated returns the cumulative bytes handed out by Alloc.
func (a *SlabAllocator) BytesAllocated() int {
	return a.bytesAllocated
}

// BytesFreed returns the cumulative bytes returned through Free.
func (a *SlabAllocator) BytesFreed() int {
	return a.bytesFreed
}

// BytesLive returns the bytes currently held by live blocks.
func (a *SlabAllocator) BytesLive() int {
	return a.bytesAllocated - a.bytesFreed
}

// Refs returns all live refs in ascending order. Deterministic order
// matters for snapshot writing and for test assertions.
func (a *SlabAllocator) Refs() []Ref {
	refs := make([]Ref, 0, len(a.slabs))
	for ref := range a.slabs {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}
