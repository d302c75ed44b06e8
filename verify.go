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

// VerifyArray checks one block and everything reachable from it:
// header integrity, byte accounting, ref validity, and single
// ownership. A ref reachable twice means the graph is corrupted, since
// every block has exactly one owner.
func VerifyArray(alloc Allocator, ref Ref) error {
	return verifyBlockGraph(alloc, ref, map[Ref]struct{}{})
}

func verifyBlockGraph(alloc Allocator, ref Ref, visited map[Ref]struct{}) error {
	if err := ref.Valid(); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Ref.Valid().
		return err
	}
	if _, ok := visited[ref]; ok {
		return NewFatalErrorf("block 0x%x is reachable through two owners", uint64(ref))
	}
	visited[ref] = struct{}{}

	block, err := alloc.Translate(ref)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve block ref")
	}
	if err := validateHeader(block); err != nil {
		// Don't need to wrap error as external error because err is already categorized by validateHeader().
		return err
	}

	wtype := widthTypeFromHeader(block)
	width := widthFromHeader(block)
	size := sizeFromHeader(block)
	capacity := capacityFromHeader(block)
	if used := headerSize + dataByteSize(wtype, size, width); used > capacity {
		return NewFatalErrorf("block 0x%x uses %d bytes but capacity field says %d", uint64(ref), used, capacity)
	}
	if capacity > len(block) {
		return NewFatalErrorf("block 0x%x capacity field %d exceeds block length %d", uint64(ref), capacity, len(block))
	}

	if !hasRefsFromHeader(block) {
		return nil
	}
	for i := 0; i < size; i++ {
		rt := RefOrTagged(uint64(getDirect(block, i)))
		if !rt.IsRef() {
			continue
		}
		if err := verifyBlockGraph(alloc, rt.Ref(), visited); err != nil {
			// Don't need to wrap error as external error because err is already categorized by verifyBlockGraph().
			return err
		}
	}
	return nil
}

// VerifyBPTree checks the structural invariants of the tree rooted at
// rootRef: node forms, offsets tables, subtree counts, and uniform
// leaf depth. Leaf payloads are only counted, not decoded, so any leaf
// type passes through.
func VerifyBPTree(alloc Allocator, rootRef Ref) error {
	v := &bpTreeVerifier{alloc: alloc, visited: map[Ref]struct{}{}}
	_, _, err := v.verifyNode(rootRef)
	return err
}

type bpTreeVerifier struct {
	alloc   Allocator
	visited map[Ref]struct{}
}

// verifyNode returns the subtree's element count and its leaf depth
// (0 for a leaf).
func (v *bpTreeVerifier) verifyNode(ref Ref) (elemCount int, leafDepth int, err error) {
	if err := ref.Valid(); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Ref.Valid().
		return 0, 0, err
	}
	if _, ok := v.visited[ref]; ok {
		return 0, 0, NewFatalErrorf("node 0x%x is reachable through two owners", uint64(ref))
	}
	v.visited[ref] = struct{}{}

	block, err := v.alloc.Translate(ref)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return 0, 0, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve node ref")
	}
	if err := validateHeader(block); err != nil {
		// Don't need to wrap error as external error because err is already categorized by validateHeader().
		return 0, 0, err
	}
	if !isInnerFromHeader(block) {
		return sizeFromHeader(block), 0, nil
	}

	size := sizeFromHeader(block)
	if size < minBPNodeSize {
		return 0, 0, NewFatalErrorf("inner node 0x%x has %d cells, minimum is %d", uint64(ref), size, minBPNodeSize)
	}
	if widthTypeFromHeader(block) != wtypeBits {
		return 0, 0, NewFatalErrorf("inner node 0x%x is not bit-packed", uint64(ref))
	}
	if !hasRefsFromHeader(block) {
		return 0, 0, NewFatalErrorf("inner node 0x%x lacks the has-refs flag", uint64(ref))
	}
	numChildren := size - 2

	// Cell 0 fixes the node's form.
	var offsets []int64
	var elemsPerChild int64
	first := RefOrTagged(uint64(getDirect(block, 0)))
	switch {
	case first.IsTagged():
		elemsPerChild = first.Tagged()
		if elemsPerChild < 1 {
			return 0, 0, NewFatalErrorf("compact node 0x%x has elems-per-child %d", uint64(ref), elemsPerChild)
		}
	case first.IsRef():
		offRef := first.Ref()
		if _, ok := v.visited[offRef]; ok {
			return 0, 0, NewFatalErrorf("offsets array 0x%x is reachable through two owners", uint64(offRef))
		}
		v.visited[offRef] = struct{}{}
		offBlock, err := v.alloc.Translate(offRef)
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by Allocator interface.
			return 0, 0, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve offsets ref")
		}
		if err := validateHeader(offBlock); err != nil {
			// Don't need to wrap error as external error because err is already categorized by validateHeader().
			return 0, 0, err
		}
		if isInnerFromHeader(offBlock) || hasRefsFromHeader(offBlock) {
			return 0, 0, NewFatalErrorf("offsets array 0x%x must be a plain leaf", uint64(offRef))
		}
		offSize := sizeFromHeader(offBlock)
		if offSize != numChildren-1 {
			return 0, 0, NewFatalErrorf("node 0x%x has %d offsets entries for %d children", uint64(ref), offSize, numChildren)
		}
		offsets = make([]int64, offSize)
		for i := range offsets {
			offsets[i] = getDirect(offBlock, i)
		}
	default:
		return 0, 0, NewFatalErrorf("inner node 0x%x has a null form cell", uint64(ref))
	}

	last := RefOrTagged(uint64(getDirect(block, size-1)))
	if !last.IsTagged() {
		return 0, 0, NewFatalErrorf("inner node 0x%x total cell is not tagged", uint64(ref))
	}
	total := last.Tagged()

	sum := int64(0)
	childDepth := -1
	for i := 0; i < numChildren; i++ {
		rt := RefOrTagged(uint64(getDirect(block, 1+i)))
		if !rt.IsRef() {
			return 0, 0, NewFatalErrorf("inner node 0x%x cell %d is not a child ref", uint64(ref), 1+i)
		}
		count, depth, err := v.verifyNode(rt.Ref())
		if err != nil {
			// Don't need to wrap error as external error because err is already categorized by bpTreeVerifier.verifyNode().
			return 0, 0, err
		}
		if count < 1 {
			return 0, 0, NewFatalErrorf("child 0x%x of node 0x%x is empty", uint64(rt.Ref()), uint64(ref))
		}
		if childDepth < 0 {
			childDepth = depth
		} else if depth != childDepth {
			return 0, 0, NewFatalErrorf("node 0x%x has leaves at depths %d and %d", uint64(ref), childDepth, depth)
		}
		sum += int64(count)

		if offsets != nil {
			if i < len(offsets) && offsets[i] != sum {
				return 0, 0, NewFatalErrorf("node 0x%x offsets[%d] = %d, cumulative count is %d", uint64(ref), i, offsets[i], sum)
			}
		} else {
			if i < numChildren-1 && int64(count) != elemsPerChild {
				return 0, 0, NewFatalErrorf("compact node 0x%x child %d holds %d elements, form says %d", uint64(ref), i, count, elemsPerChild)
			}
			if i == numChildren-1 && int64(count) > elemsPerChild {
				return 0, 0, NewFatalErrorf("compact node 0x%x last child holds %d elements, form caps it at %d", uint64(ref), count, elemsPerChild)
			}
		}
	}
	if sum != total {
		return 0, 0, NewFatalErrorf("node 0x%x total cell says %d, children hold %d", uint64(ref), total, sum)
	}
	return int(sum), childDepth + 1, nil
}

// VerifyBlobArray checks a blob composite: root wiring, cumulative
// entry offsets, byte-store length, and the null-flag table.
func VerifyBlobArray(alloc Allocator, ref Ref) error {
	b := NewBlobArray(alloc)
	if err := b.InitFromRef(ref); err != nil {
		// Don't need to wrap error as external error because err is already categorized by BlobArray.InitFromRef().
		return err
	}
	defer b.Detach()

	n := b.Size()
	prev := int64(0)
	for i := 0; i < n; i++ {
		end := b.offsets.get(b.offsets.data, i)
		if end < prev {
			return NewFatalErrorf("blob array 0x%x offsets[%d] = %d goes backwards from %d", uint64(ref), i, end, prev)
		}
		prev = end
	}
	if int64(b.blob.Size()) != prev {
		return NewFatalErrorf("blob array 0x%x stores %d bytes, offsets end at %d", uint64(ref), b.blob.Size(), prev)
	}
	if b.hasNulls {
		if b.nulls.Size() != n {
			return NewFatalErrorf("blob array 0x%x has %d null flags for %d entries", uint64(ref), b.nulls.Size(), n)
		}
		for i := 0; i < n; i++ {
			if f := b.nulls.get(b.nulls.data, i); f != 0 && f != 1 {
				return NewFatalErrorf("blob array 0x%x null flag %d is %d", uint64(ref), i, f)
			}
		}
	}
	return nil
}
