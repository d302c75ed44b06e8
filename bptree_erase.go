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

// EraseHandler hands the leaf-level decisions of a tree-wide erase to
// the payload owner, so one walk serves every leaf type.
type EraseHandler interface {
	// EraseLeafElem erases elemNdxInLeaf from the leaf when the leaf
	// holds more than one element, and reports false. When the leaf
	// holds exactly one element it must leave the leaf untouched and
	// report true; the walker then unlinks and destroys the subtree.
	// elemNdxInLeaf == -1 names the leaf's last element.
	EraseLeafElem(leafBlock []byte, leafRef Ref, parent ArrayParent, leafNdxInParent, elemNdxInLeaf int) (bool, error)

	// DestroyLeaf frees one unlinked leaf and anything it owns.
	DestroyLeaf(leafRef Ref) error

	// ReplaceRootByLeaf installs the given leaf as the new tree root
	// after the walker shortened the tree to a single leaf. The old
	// root block is freed by the walker afterwards.
	ReplaceRootByLeaf(leafRef Ref) error

	// ReplaceRootByEmptyLeaf replaces a fully emptied tree with a
	// fresh leaf. The old tree is freed by the walker afterwards.
	ReplaceRootByEmptyLeaf() error
}

// EraseBPTreeElem removes the element at elemNdx from the tree rooted
// at root. elemNdx == -1 names the last element; that path keeps
// compact nodes compact, so callers should prefer it when they know
// the position. The payload work runs through handler.
//
// Inner nodes are never left empty. When the tree empties completely
// the root is replaced by a fresh leaf, and when it shrinks to one
// leaf the root is replaced by that leaf.
func EraseBPTreeElem(root *Array, elemNdx int, handler EraseHandler) error {
	if !root.IsAttached() {
		return NewNotAttachedError("EraseBPTreeElem")
	}
	if !root.isInner {
		return NewInvalidHeaderErrorf("node at ref 0x%x is not an inner node", uint64(root.ref))
	}
	if elemNdx >= 0 && elemNdx == GetBPTreeSize(root.block)-1 {
		elemNdx = -1
	}

	destroyRoot, err := root.doEraseBPTreeElem(elemNdx, handler)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.doEraseBPTreeElem().
		return err
	}

	alloc := root.alloc
	if destroyRoot {
		// Erasing the element would leave the whole tree empty. The
		// nodes on the erase path are all untouched single-child
		// nodes, ending in a one-element leaf.
		rootRef := root.ref
		firstValue := root.get(root.data, 0)
		childRef, err := root.GetChildRef(1)
		if err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.GetChildRef().
			return err
		}
		if err := handler.ReplaceRootByEmptyLeaf(); err != nil {
			// Wrap err as external error (if needed) because err is returned by EraseHandler interface.
			return wrapErrorfAsExternalErrorIfNeeded(err, "failed to replace root by empty leaf")
		}
		alloc.Free(rootRef)
		if firstValue%2 == 0 {
			alloc.Free(Ref(uint64(firstValue)))
		}
		return destroySingletBranch(alloc, childRef, handler)
	}

	// The root may now be superfluous. It is collapsed only when its
	// single remaining child is a leaf; a single-child inner root
	// still routes correctly and disappears on a later erase.
	if root.size-2 > 1 {
		return nil
	}
	childRef, err := root.GetChildRef(1)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.GetChildRef().
		return err
	}
	childBlock, err := alloc.Translate(childRef)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve child ref")
	}
	if isInnerFromHeader(childBlock) {
		return nil
	}

	rootRef := root.ref
	firstValue := root.get(root.data, 0)
	if err := handler.ReplaceRootByLeaf(childRef); err != nil {
		// Wrap err as external error (if needed) because err is returned by EraseHandler interface.
		return wrapErrorfAsExternalErrorIfNeeded(err, "failed to replace root by leaf")
	}
	alloc.Free(rootRef)
	if firstValue%2 == 0 {
		alloc.Free(Ref(uint64(firstValue)))
	}
	return nil
}

func (a *Array) doEraseBPTreeElem(elemNdx int, handler EraseHandler) (bool, error) {
	offsets := Array{alloc: a.alloc}
	var childNdx, ndxInChild int
	if elemNdx < 0 {
		childNdx = a.size - 2 - 1
		ndxInChild = -1
	} else {
		if err := a.ensureBPTreeOffsets(&offsets); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.ensureBPTreeOffsets().
			return false, err
		}
		// Force the offsets writable now, so the bookkeeping below
		// cannot fail after the child has already been mutated.
		if err := offsets.CopyOnWrite(); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.CopyOnWrite().
			return false, err
		}

		n, err := offsets.UpperBound(int64(elemNdx))
		if err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.UpperBound().
			return false, err
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
		return false, err
	}
	childBlock, err := a.alloc.Translate(childRef)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return false, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve child ref")
	}

	var destroyChild bool
	if !isInnerFromHeader(childBlock) {
		destroyChild, err = handler.EraseLeafElem(childBlock, childRef, a, childRefNdx, ndxInChild)
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by EraseHandler interface.
			return false, wrapErrorfAsExternalErrorIfNeeded(err, "leaf erase failed")
		}
	} else {
		child := NewArray(a.alloc)
		if err := child.InitFromBlock(childBlock, childRef); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.InitFromBlock().
			return false, err
		}
		child.SetParent(a, childRefNdx)
		destroyChild, err = child.doEraseBPTreeElem(ndxInChild, handler)
		if err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.doEraseBPTreeElem().
			return false, err
		}
	}

	numChildren := a.size - 2
	if destroyChild {
		if numChildren == 1 {
			// Erasing the last descendant empties this node too, so
			// the caller destroys it. Nothing here was modified.
			return true, nil
		}

		childRef, err = a.GetChildRef(childRefNdx)
		if err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.GetChildRef().
			return false, err
		}
		if err := a.Erase(childRefNdx); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Erase().
			return false, err
		}
		if err := destroySingletBranch(a.alloc, childRef, handler); err != nil {
			// Don't need to wrap error as external error because err is already categorized by destroySingletBranch().
			return false, err
		}
		// The last-element path skipped the offsets attach above, but
		// removing a child needs the bookkeeping after all.
		if elemNdx < 0 {
			if first := a.get(a.data, 0); first%2 == 0 {
				if err := offsets.InitFromRef(Ref(uint64(first))); err != nil {
					// Don't need to wrap error as external error because err is already categorized by Array.InitFromRef().
					return false, err
				}
				offsets.SetParent(a, 0)
			}
		}
	}

	if offsets.IsAttached() {
		adjustBegin := childNdx
		if destroyChild {
			// The last child has no end entry, so destroying it
			// retires the previous child's entry instead.
			if adjustBegin == numChildren-1 {
				adjustBegin--
			}
			if err := offsets.Erase(adjustBegin); err != nil {
				// Don't need to wrap error as external error because err is already categorized by Array.Erase().
				return false, err
			}
		}
		if err := offsets.AdjustRange(adjustBegin, offsets.size, -1); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.AdjustRange().
			return false, err
		}
	}

	// -2 because the stored value is 1 + 2*totalElemsInSubtree.
	if err := a.Adjust(a.size-1, -2); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Adjust().
		return false, err
	}
	return false, nil
}

// destroySingletBranch frees a chain of untouched single-child inner
// nodes ending in one leaf. Only erase cascades produce such chains.
func destroySingletBranch(alloc Allocator, ref Ref, handler EraseHandler) error {
	for {
		block, err := alloc.Translate(ref)
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by Allocator interface.
			return wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve node ref")
		}
		if !isInnerFromHeader(block) {
			err := handler.DestroyLeaf(ref)
			if err != nil {
				// Wrap err as external error (if needed) because err is returned by EraseHandler interface.
				return wrapErrorfAsExternalErrorIfNeeded(err, "failed to destroy leaf")
			}
			return nil
		}

		firstValue := getDirect(block, 0)
		childValue := getDirect(block, 1)
		rt := RefOrTagged(uint64(childValue))
		if !rt.IsRef() {
			return NewInvalidRefErrorf(uint64(rt), "inner node cell 1 is not a child ref")
		}

		if firstValue%2 == 0 {
			alloc.Free(Ref(uint64(firstValue)))
		}
		alloc.Free(ref)
		ref = rt.Ref()
	}
}
