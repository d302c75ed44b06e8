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

// BPInsertState carries split bookkeeping up the tree during one
// insert. After a node splits, SplitOffset is the element count of the
// subtree still rooted at the original node and SplitSize the combined
// count of the original and its new sibling.
type BPInsertState struct {
	SplitOffset int
	SplitSize   int
}

// BPTreeLeafInserter delivers one pending insert to the owning leaf.
// Implementations attach a typed accessor to the leaf block, insert,
// and split per the leaf protocol, returning the new sibling's ref or
// RefNull. ndxInLeaf == -1 appends.
type BPTreeLeafInserter interface {
	LeafInsert(leafBlock []byte, leafRef Ref, parent ArrayParent, ndxInParent, ndxInLeaf int, state *BPInsertState) (Ref, error)
}

// BPTreeLeafInsert inserts value at ndx in an integer leaf, splitting
// when the leaf is full. ndx < 0 or ndx > size appends. On a split the
// upper elements (or just the appended value) move to a new leaf whose
// ref is returned, and state records the split for the parent.
func (a *Array) BPTreeLeafInsert(ndx int, value int64, state *BPInsertState) (Ref, error) {
	if !a.IsAttached() {
		return RefNull, NewNotAttachedError("BPTreeLeafInsert")
	}

	leafSize := a.size
	if ndx < 0 || ndx > leafSize {
		ndx = leafSize
	}
	if leafSize < maxBPNodeSize {
		if err := a.Insert(ndx, value); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Insert().
			return RefNull, err
		}
		return RefNull, nil
	}

	newLeaf := NewArray(a.alloc)
	kind := KindNormal
	if a.hasRefs {
		kind = KindHasRefs
	}
	if err := newLeaf.Create(kind, a.context, 0, 0); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Create().
		return RefNull, err
	}

	if ndx == leafSize {
		if err := newLeaf.Add(value); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Add().
			return RefNull, err
		}
		state.SplitOffset = ndx
	} else {
		for i := ndx; i < leafSize; i++ {
			if err := newLeaf.Add(a.get(a.data, i)); err != nil {
				// Don't need to wrap error as external error because err is already categorized by Array.Add().
				return RefNull, err
			}
		}
		if err := a.Truncate(ndx); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Truncate().
			return RefNull, err
		}
		if err := a.Add(value); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Add().
			return RefNull, err
		}
		state.SplitOffset = ndx + 1
	}
	state.SplitSize = leafSize + 1
	return newLeaf.Ref(), nil
}

// BPTreeInsert inserts one element at elemNdx in the subtree rooted at
// this inner node, delivering the payload through ins. It returns the
// ref of a new sibling node when this node had to split, or RefNull.
//
// Inserting anywhere but the end breaks the compact-form invariant, so
// the node converts to general form up front. Conversion runs root to
// leaf, which keeps mixed forms from ever misrouting.
func (a *Array) BPTreeInsert(elemNdx int, ins BPTreeLeafInserter, state *BPInsertState) (Ref, error) {
	if !a.IsAttached() {
		return RefNull, NewNotAttachedError("BPTreeInsert")
	}
	if !a.isInner {
		return RefNull, NewInvalidHeaderErrorf("node at ref 0x%x is not an inner node", uint64(a.ref))
	}

	offsets := Array{alloc: a.alloc}
	if err := a.ensureBPTreeOffsets(&offsets); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.ensureBPTreeOffsets().
		return RefNull, err
	}

	var childNdx, ndxInChild int
	if elemNdx == 0 {
		// Prepend needs no search.
		childNdx, ndxInChild = 0, 0
	} else {
		// An element landing on a subtree boundary can go at the end
		// of the earlier child or the front of the later one. Taking
		// the lower bound over the cumulative offsets picks the
		// earlier child.
		n, err := offsets.LowerBound(int64(elemNdx))
		if err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.LowerBound().
			return RefNull, err
		}
		childNdx = n
		elemOffset := 0
		if childNdx > 0 {
			elemOffset = int(offsets.get(offsets.data, childNdx-1))
		}
		ndxInChild = elemNdx - elemOffset
	}

	childRefNdx := 1 + childNdx
	childRef, err := a.GetChildRef(childRefNdx)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.GetChildRef().
		return RefNull, err
	}
	childBlock, err := a.alloc.Translate(childRef)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return RefNull, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve child ref")
	}

	var newSibling Ref
	if !isInnerFromHeader(childBlock) {
		newSibling, err = ins.LeafInsert(childBlock, childRef, a, childRefNdx, ndxInChild, state)
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by BPTreeLeafInserter interface.
			return RefNull, wrapErrorfAsExternalErrorIfNeeded(err, "leaf insert failed")
		}
	} else {
		child := NewArray(a.alloc)
		if err := child.InitFromBlock(childBlock, childRef); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.InitFromBlock().
			return RefNull, err
		}
		child.SetParent(a, childRefNdx)
		newSibling, err = child.BPTreeInsert(ndxInChild, ins, state)
		if err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.BPTreeInsert().
			return RefNull, err
		}
	}

	if newSibling == RefNull {
		// +2 because the stored value is 1 + 2*totalElemsInSubtree.
		if err := a.Adjust(a.size-1, +2); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Adjust().
			return RefNull, err
		}
		if err := offsets.AdjustRange(childNdx, offsets.size, +1); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.AdjustRange().
			return RefNull, err
		}
		return RefNull, nil
	}

	return a.insertBPTreeChild(&offsets, childNdx, newSibling, state)
}

// BPTreeAppend appends one element to the subtree rooted at this inner
// node. Unlike BPTreeInsert it always descends the last child and
// never converts compact nodes to general form.
func (a *Array) BPTreeAppend(ins BPTreeLeafInserter, state *BPInsertState) (Ref, error) {
	if !a.IsAttached() {
		return RefNull, NewNotAttachedError("BPTreeAppend")
	}
	if !a.isInner {
		return RefNull, NewInvalidHeaderErrorf("node at ref 0x%x is not an inner node", uint64(a.ref))
	}

	childRefNdx := a.size - 2
	childRef, err := a.GetChildRef(childRefNdx)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.GetChildRef().
		return RefNull, err
	}
	childBlock, err := a.alloc.Translate(childRef)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return RefNull, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve child ref")
	}

	var newSibling Ref
	if !isInnerFromHeader(childBlock) {
		newSibling, err = ins.LeafInsert(childBlock, childRef, a, childRefNdx, -1, state)
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by BPTreeLeafInserter interface.
			return RefNull, wrapErrorfAsExternalErrorIfNeeded(err, "leaf insert failed")
		}
	} else {
		child := NewArray(a.alloc)
		if err := child.InitFromBlock(childBlock, childRef); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.InitFromBlock().
			return RefNull, err
		}
		child.SetParent(a, childRefNdx)
		newSibling, err = child.BPTreeAppend(ins, state)
		if err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.BPTreeAppend().
			return RefNull, err
		}
	}

	if newSibling == RefNull {
		// +2 because the stored value is 1 + 2*totalElemsInSubtree.
		// The last child has no offsets entry, so general form needs
		// no further bookkeeping.
		if err := a.Adjust(a.size-1, +2); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Adjust().
			return RefNull, err
		}
		return RefNull, nil
	}

	offsets := Array{alloc: a.alloc}
	if first := a.get(a.data, 0); first%2 == 0 {
		if err := offsets.InitFromRef(Ref(uint64(first))); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.InitFromRef().
			return RefNull, err
		}
		offsets.SetParent(a, 0)
	}
	return a.insertBPTreeChild(&offsets, childRefNdx-1, newSibling, state)
}

// insertBPTreeChild links a freshly split-off child into this node,
// right after the original at origChildNdx. When this node is itself
// full it splits too, and state is rewritten so the caller can keep
// propagating. offsets is this node's attached offsets accessor, or a
// detached one when the node is compact.
func (a *Array) insertBPTreeChild(offsets *Array, origChildNdx int, newSiblingRef Ref, state *BPInsertState) (Ref, error) {
	origChildRefNdx := 1 + origChildNdx
	insertNdx := origChildRefNdx + 1

	if a.size < maxBPNodeSize+2 {
		// Room for one more child.
		if err := a.Insert(insertNdx, int64(uint64(newSiblingRef))); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Insert().
			return RefNull, err
		}
		// +2 because the stored value is 1 + 2*totalElemsInSubtree.
		if err := a.Adjust(a.size-1, +2); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Adjust().
			return RefNull, err
		}
		if offsets.IsAttached() {
			elemNdxOffset := 0
			if origChildNdx > 0 {
				elemNdxOffset = int(offsets.get(offsets.data, origChildNdx-1))
			}
			if err := offsets.Insert(origChildNdx, int64(elemNdxOffset+state.SplitOffset)); err != nil {
				// Don't need to wrap error as external error because err is already categorized by Array.Insert().
				return RefNull, err
			}
			if err := offsets.AdjustRange(origChildNdx+1, offsets.size, +1); err != nil {
				// Don't need to wrap error as external error because err is already categorized by Array.AdjustRange().
				return RefNull, err
			}
		}
		return RefNull, nil
	}

	// This node is full and must split. Build the sibling first, then
	// move children over.
	elemNdxOffset := 0
	if origChildNdx > 0 {
		if offsets.IsAttached() {
			elemNdxOffset = int(offsets.get(offsets.data, origChildNdx-1))
		} else {
			elemsPerChild := int(a.get(a.data, 0) / 2)
			elemNdxOffset = origChildNdx * elemsPerChild
		}
	}

	newSibling := NewArray(a.alloc)
	if err := newSibling.Create(KindInnerBPTree, false, 0, 0); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Create().
		return RefNull, err
	}
	newOffsets := NewArray(a.alloc)
	if offsets.IsAttached() {
		if err := newOffsets.Create(KindNormal, false, 0, 0); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Create().
			return RefNull, err
		}
		if err := newSibling.Add(int64(uint64(newOffsets.Ref()))); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Add().
			return RefNull, err
		}
		newOffsets.SetParent(newSibling, 0)
	} else {
		if err := newSibling.Add(a.get(a.data, 0)); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Add().
			return RefNull, err
		}
	}

	var newSplitOffset, newSplitSize int
	if insertNdx-1 >= maxBPNodeSize {
		// The split child was the last child of this node, which may
		// be on either form. The sibling takes only the new child.
		newSplitOffset = elemNdxOffset + state.SplitOffset
		newSplitSize = elemNdxOffset + state.SplitSize
		if err := newSibling.Add(int64(uint64(newSiblingRef))); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Add().
			return RefNull, err
		}
	} else {
		// The split child was not the last, which cannot happen
		// during append, so this node is on the general form. The
		// children after the split stay contiguous by moving to the
		// sibling while this node keeps both halves of the split.
		newSplitOffset = elemNdxOffset + state.SplitSize
		newSplitSize = int(a.get(a.data, a.size-1)/2) + 1

		numChildren := a.size - 2
		childRefsEnd := 1 + numChildren
		for i := insertNdx; i < childRefsEnd; i++ {
			if err := newSibling.Add(a.get(a.data, i)); err != nil {
				// Don't need to wrap error as external error because err is already categorized by Array.Add().
				return RefNull, err
			}
		}
		offsetsEnd := numChildren - 1
		for i := origChildNdx + 1; i < offsetsEnd; i++ {
			moved := offsets.get(offsets.data, i)
			if err := newOffsets.Add(moved + 1 - int64(newSplitOffset)); err != nil {
				// Don't need to wrap error as external error because err is already categorized by Array.Add().
				return RefNull, err
			}
		}

		if err := a.EraseRange(insertNdx+1, childRefsEnd); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.EraseRange().
			return RefNull, err
		}
		if err := a.Set(insertNdx, int64(uint64(newSiblingRef))); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Set().
			return RefNull, err
		}
		if err := offsets.EraseRange(origChildNdx+1, offsetsEnd); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.EraseRange().
			return RefNull, err
		}
		if err := offsets.Set(origChildNdx, int64(elemNdxOffset+state.SplitOffset)); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Set().
			return RefNull, err
		}
	}

	if err := a.Set(a.size-1, 1+2*int64(newSplitOffset)); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Set().
		return RefNull, err
	}
	if err := newSibling.Add(1 + 2*int64(newSplitSize-newSplitOffset)); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Add().
		return RefNull, err
	}
	state.SplitOffset = newSplitOffset
	state.SplitSize = newSplitSize
	return newSibling.Ref(), nil
}

// wrapBPTreeRoot builds a new root above an old root and the sibling
// it split off, and returns the new root's ref. The new root keeps the
// compact form only when the split came from an append, since any
// other split leaves the old root short.
func wrapBPTreeRoot(alloc Allocator, origRootRef, newSiblingRef Ref, state *BPInsertState, isAppend bool) (Ref, error) {
	origBlock, err := alloc.Translate(origRootRef)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return RefNull, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve root ref")
	}
	compactForm := isAppend &&
		(!isInnerFromHeader(origBlock) || getDirect(origBlock, 0)%2 != 0)

	newRoot := NewArray(alloc)
	if err := newRoot.Create(KindInnerBPTree, false, 0, 0); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Create().
		return RefNull, err
	}

	if compactForm {
		// elemsPerChild is exactly the old root's element count.
		if err := newRoot.Add(1 + 2*int64(state.SplitOffset)); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Add().
			return RefNull, err
		}
	} else {
		offs := NewArray(alloc)
		if err := offs.Create(KindNormal, false, 0, 0); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Create().
			return RefNull, err
		}
		if err := offs.Add(int64(state.SplitOffset)); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Add().
			return RefNull, err
		}
		if err := newRoot.Add(int64(uint64(offs.Ref()))); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Add().
			return RefNull, err
		}
	}

	if err := newRoot.Add(int64(uint64(origRootRef))); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Add().
		return RefNull, err
	}
	if err := newRoot.Add(int64(uint64(newSiblingRef))); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Add().
		return RefNull, err
	}
	if err := newRoot.Add(1 + 2*int64(state.SplitSize)); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Add().
		return RefNull, err
	}
	return newRoot.Ref(), nil
}
