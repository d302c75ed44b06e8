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

// B+-tree nodes are packed arrays. A leaf is a payload array of any
// type. An inner node (is-inner and has-refs flags set) has at least
// three cells:
//
//	cell 0            tagged 1+2*elemsPerChild (compact form), or a
//	                  ref to an offsets array (general form)
//	cells [1, size-1) child refs
//	cell size-1       tagged 1+2*totalElemsInSubtree
//
// In compact form every child except possibly the last holds exactly
// elemsPerChild elements, so routing is a division. The offsets array
// of the general form has one cell per child except the last, holding
// the cumulative element count through that child. Inner nodes are
// never empty.

// GetBPTreeSize returns the total element count of the subtree rooted
// at an inner-node block.
func GetBPTreeSize(block []byte) int {
	size := sizeFromHeader(block)
	return int(getDirect(block, size-1) / 2)
}

// bpTreeElemCount returns the element count of any subtree block, leaf
// or inner.
func bpTreeElemCount(block []byte) int {
	if isInnerFromHeader(block) {
		return GetBPTreeSize(block)
	}
	return sizeFromHeader(block)
}

// findBPTreeChildRaw routes elemNdx to the owning child of a raw
// inner-node block. Read access wants the child that contains the
// element, so general-form routing takes the upper bound over the
// cumulative offsets.
func findBPTreeChildRaw(alloc Allocator, block []byte, elemNdx int) (childNdx, ndxInChild int, err error) {
	first := getDirect(block, 0)
	if first%2 != 0 {
		elemsPerChild := int(first / 2)
		return elemNdx / elemsPerChild, elemNdx % elemsPerChild, nil
	}

	offBlock, err := alloc.Translate(Ref(uint64(first)))
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return 0, 0, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve offsets ref")
	}

	low, high := 0, sizeFromHeader(offBlock)
	for low < high {
		mid := int(uint(low+high) >> 1) // avoid overflow when computing mid
		if getDirect(offBlock, mid) <= int64(elemNdx) {
			low = mid + 1
		} else {
			high = mid
		}
	}
	childNdx = low
	base := 0
	if childNdx > 0 {
		base = int(getDirect(offBlock, childNdx-1))
	}
	return childNdx, elemNdx - base, nil
}

// GetBPTreeLeaf descends from rootRef to the leaf owning elemNdx,
// using raw blocks only. No accessors and no parent chain are built,
// so the result is read-only.
func GetBPTreeLeaf(alloc Allocator, rootRef Ref, elemNdx int) (leaf []byte, leafRef Ref, ndxInLeaf int, err error) {
	ref := rootRef
	ndx := elemNdx
	for {
		block, err := alloc.Translate(ref)
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by Allocator interface.
			return nil, RefNull, 0, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve node ref")
		}
		if !isInnerFromHeader(block) {
			return block, ref, ndx, nil
		}

		childNdx, ndxInChild, err := findBPTreeChildRaw(alloc, block, ndx)
		if err != nil {
			// Don't need to wrap error as external error because err is already categorized by findBPTreeChildRaw().
			return nil, RefNull, 0, err
		}
		child := getDirect(block, 1+childNdx)
		rt := RefOrTagged(uint64(child))
		if !rt.IsRef() {
			return nil, RefNull, 0, NewInvalidRefErrorf(uint64(rt), "inner node cell %d is not a child ref", 1+childNdx)
		}
		ref = rt.Ref()
		ndx = ndxInChild
	}
}

// BPTreeLeafVisitor receives each leaf block left to right, with the
// tree-wide index of the leaf's first element. Returning false stops
// the walk.
type BPTreeLeafVisitor func(leaf []byte, leafRef Ref, elemOffset int) (bool, error)

// VisitBPTreeLeaves walks every leaf of the subtree at rootRef in
// order, on raw blocks. rootRef may be a single leaf.
func VisitBPTreeLeaves(alloc Allocator, rootRef Ref, visit BPTreeLeafVisitor) error {
	_, err := visitBPTreeLeaves(alloc, rootRef, 0, visit)
	return err
}

func visitBPTreeLeaves(alloc Allocator, ref Ref, elemOffset int, visit BPTreeLeafVisitor) (bool, error) {
	block, err := alloc.Translate(ref)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return false, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve node ref")
	}

	if !isInnerFromHeader(block) {
		keepGoing, err := visit(block, ref, elemOffset)
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by BPTreeLeafVisitor callback.
			return false, wrapErrorfAsExternalErrorIfNeeded(err, "leaf visitor failed")
		}
		return keepGoing, nil
	}

	numChildren := sizeFromHeader(block) - 2
	for i := 0; i < numChildren; i++ {
		rt := RefOrTagged(uint64(getDirect(block, 1+i)))
		if !rt.IsRef() {
			return false, NewInvalidRefErrorf(uint64(rt), "inner node cell %d is not a child ref", 1+i)
		}
		childRef := rt.Ref()

		keepGoing, err := visitBPTreeLeaves(alloc, childRef, elemOffset, visit)
		if err != nil {
			// Don't need to wrap error as external error because err is already categorized by visitBPTreeLeaves().
			return false, err
		}
		if !keepGoing {
			return false, nil
		}

		childBlock, err := alloc.Translate(childRef)
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by Allocator interface.
			return false, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve child ref")
		}
		elemOffset += bpTreeElemCount(childBlock)
	}
	return true, nil
}

// BPTreeUpdater mutates one leaf. The parent chain is live, so leaf
// relocations propagate to every ancestor. elemNdxInLeaf is the target
// element for single-element updates and 0 for whole-leaf traversals.
type BPTreeUpdater func(leaf []byte, leafRef Ref, parent ArrayParent, leafNdxInParent, elemNdxInLeaf int) error

// UpdateBPTreeElem descends to the leaf owning elemNdx and applies
// update with the full parent chain attached.
func (a *Array) UpdateBPTreeElem(elemNdx int, update BPTreeUpdater) error {
	if !a.IsAttached() {
		return NewNotAttachedError("UpdateBPTreeElem")
	}
	if !a.isInner {
		return NewInvalidHeaderErrorf("node at ref 0x%x is not an inner node", uint64(a.ref))
	}

	childNdx, ndxInChild, err := findBPTreeChildRaw(a.alloc, a.block, elemNdx)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by findBPTreeChildRaw().
		return err
	}
	childRefNdx := 1 + childNdx
	childRef, err := a.GetChildRef(childRefNdx)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.GetChildRef().
		return err
	}
	childBlock, err := a.alloc.Translate(childRef)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve child ref")
	}

	if !isInnerFromHeader(childBlock) {
		err := update(childBlock, childRef, a, childRefNdx, ndxInChild)
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by BPTreeUpdater callback.
			return wrapErrorfAsExternalErrorIfNeeded(err, "leaf updater failed")
		}
		return nil
	}

	child := NewArray(a.alloc)
	if err := child.InitFromBlock(childBlock, childRef); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.InitFromBlock().
		return err
	}
	child.SetParent(a, childRefNdx)
	return child.UpdateBPTreeElem(ndxInChild, update)
}

// UpdateBPTreeLeaves applies update to every leaf of the subtree, left
// to right, with the full parent chain attached.
func (a *Array) UpdateBPTreeLeaves(update BPTreeUpdater) error {
	if !a.IsAttached() {
		return NewNotAttachedError("UpdateBPTreeLeaves")
	}
	if !a.isInner {
		return NewInvalidHeaderErrorf("node at ref 0x%x is not an inner node", uint64(a.ref))
	}

	numChildren := a.size - 2
	for i := 0; i < numChildren; i++ {
		childRefNdx := 1 + i
		childRef, err := a.GetChildRef(childRefNdx)
		if err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.GetChildRef().
			return err
		}
		childBlock, err := a.alloc.Translate(childRef)
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by Allocator interface.
			return wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve child ref")
		}

		if !isInnerFromHeader(childBlock) {
			if err := update(childBlock, childRef, a, childRefNdx, 0); err != nil {
				// Wrap err as external error (if needed) because err is returned by BPTreeUpdater callback.
				return wrapErrorfAsExternalErrorIfNeeded(err, "leaf updater failed")
			}
			continue
		}

		child := NewArray(a.alloc)
		if err := child.InitFromBlock(childBlock, childRef); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.InitFromBlock().
			return err
		}
		child.SetParent(a, childRefNdx)
		if err := child.UpdateBPTreeLeaves(update); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.UpdateBPTreeLeaves().
			return err
		}
	}
	return nil
}

// ensureBPTreeOffsets attaches offsets to this node's offsets array,
// converting the node from compact to general form first when needed.
// Conversion happens root to leaf during inserts and erases, so mixed
// forms never misroute.
func (a *Array) ensureBPTreeOffsets(offsets *Array) error {
	first := a.get(a.data, 0)
	if first%2 == 0 {
		if err := offsets.InitFromRef(Ref(uint64(first))); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.InitFromRef().
			return err
		}
	} else if err := a.createBPTreeOffsets(offsets, first); err != nil {
		return err
	}
	offsets.SetParent(a, 0)
	return nil
}

// createBPTreeOffsets materializes the general form from the compact
// tag in cell 0.
func (a *Array) createBPTreeOffsets(offsets *Array, first int64) error {
	if err := offsets.Create(KindNormal, false, 0, 0); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Create().
		return err
	}

	elemsPerChild := first / 2
	numChildren := a.size - 2
	accum := int64(0)
	for i := 0; i < numChildren-1; i++ {
		accum += elemsPerChild
		if err := offsets.Add(accum); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.Add().
			return err
		}
	}
	return a.Set(0, int64(uint64(offsets.Ref())))
}

// BPTree is a root-holding integer tree over the node protocol. The
// root starts as a single leaf and is wrapped or collapsed as splits
// and erases dictate.
type BPTree struct {
	alloc Allocator
	root  Array
}

// NewBPTree returns a detached tree bound to an allocator.
func NewBPTree(alloc Allocator) *BPTree {
	return &BPTree{alloc: alloc, root: Array{alloc: alloc}}
}

// CreateBPTree allocates an empty tree (a single empty leaf) and
// returns its root ref.
func CreateBPTree(alloc Allocator) (Ref, error) {
	return CreateArray(alloc, KindNormal, false, 0, 0)
}

// Create allocates an empty tree and attaches to it.
func (t *BPTree) Create() error {
	ref, err := CreateBPTree(t.alloc)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by CreateBPTree().
		return err
	}
	return t.root.InitFromRef(ref)
}

// InitFromRef attaches the tree to the root addressed by ref.
func (t *BPTree) InitFromRef(ref Ref) error {
	return t.root.InitFromRef(ref)
}

// Detach unbinds the tree from its root.
func (t *BPTree) Detach() { t.root.Detach() }

// IsAttached reports whether the tree is bound to a root.
func (t *BPTree) IsAttached() bool { return t.root.IsAttached() }

// Ref returns the current root ref. It changes when the root is
// wrapped, collapsed or relocated.
func (t *BPTree) Ref() Ref { return t.root.Ref() }

// SetParent installs the back-reference used to propagate root
// relocations.
func (t *BPTree) SetParent(parent ArrayParent, ndxInParent int) {
	t.root.SetParent(parent, ndxInParent)
}

func (t *BPTree) rootIsLeaf() bool { return !t.root.isInner }

// Size returns the element count of the whole tree.
func (t *BPTree) Size() int {
	if !t.IsAttached() {
		return 0
	}
	if t.rootIsLeaf() {
		return t.root.size
	}
	return GetBPTreeSize(t.root.block)
}

// Get returns element i.
func (t *BPTree) Get(i int) (int64, error) {
	if !t.IsAttached() {
		return 0, NewNotAttachedError("Get")
	}
	if t.rootIsLeaf() {
		return t.root.Get(i)
	}
	if i < 0 || i >= t.Size() {
		return 0, NewIndexOutOfBoundsError(uint64(i), 0, uint64(t.Size()))
	}
	leaf, _, ndxInLeaf, err := GetBPTreeLeaf(t.alloc, t.root.ref, i)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by GetBPTreeLeaf().
		return 0, err
	}
	return getDirect(leaf, ndxInLeaf), nil
}

// Set stores v at index i.
func (t *BPTree) Set(i int, v int64) error {
	if !t.IsAttached() {
		return NewNotAttachedError("Set")
	}
	if t.rootIsLeaf() {
		return t.root.Set(i, v)
	}
	if i < 0 || i >= t.Size() {
		return NewIndexOutOfBoundsError(uint64(i), 0, uint64(t.Size()))
	}
	return t.root.UpdateBPTreeElem(i, func(leafBlock []byte, leafRef Ref, parent ArrayParent, leafNdxInParent, elemNdxInLeaf int) error {
		leaf := NewArray(t.alloc)
		if err := leaf.InitFromBlock(leafBlock, leafRef); err != nil {
			// Don't need to wrap error as external error because err is already categorized by Array.InitFromBlock().
			return err
		}
		leaf.SetParent(parent, leafNdxInParent)
		return leaf.Set(elemNdxInLeaf, v)
	})
}

// Insert places v at index i, shifting elements [i, size) one right.
// Inserting at the end is routed through the append fast path.
func (t *BPTree) Insert(i int, v int64) error {
	if !t.IsAttached() {
		return NewNotAttachedError("Insert")
	}
	size := t.Size()
	if i < 0 || i > size {
		return NewIndexOutOfBoundsError(uint64(i), 0, uint64(size)+1)
	}
	isAppend := i == size

	var state BPInsertState
	var newSibling Ref
	var err error

	if t.rootIsLeaf() {
		if t.root.size < maxBPNodeSize {
			return t.root.Insert(i, v)
		}
		ndx := i
		if isAppend {
			ndx = -1
		}
		newSibling, err = t.root.BPTreeLeafInsert(ndx, v, &state)
	} else {
		ins := intLeafInserter{alloc: t.alloc, value: v}
		if isAppend {
			newSibling, err = t.root.BPTreeAppend(&ins, &state)
		} else {
			newSibling, err = t.root.BPTreeInsert(i, &ins, &state)
		}
	}
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by the node protocol.
		return err
	}
	if newSibling == RefNull {
		return nil
	}

	newRoot, err := wrapBPTreeRoot(t.alloc, t.root.ref, newSibling, &state, isAppend)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by wrapBPTreeRoot().
		return err
	}
	if err := t.root.InitFromRef(newRoot); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.InitFromRef().
		return err
	}
	return t.root.UpdateParent()
}

// Append adds v at the end.
func (t *BPTree) Append(v int64) error {
	return t.Insert(t.Size(), v)
}

// Erase removes element i, collapsing the tree as leaves empty.
func (t *BPTree) Erase(i int) error {
	if !t.IsAttached() {
		return NewNotAttachedError("Erase")
	}
	size := t.Size()
	if i < 0 || i >= size {
		return NewIndexOutOfBoundsError(uint64(i), 0, uint64(size))
	}
	if t.rootIsLeaf() {
		return t.root.Erase(i)
	}

	ndx := i
	if i == size-1 {
		// Erasing the last element keeps compact nodes compact.
		ndx = -1
	}
	handler := intEraseHandler{tree: t}
	return EraseBPTreeElem(&t.root, ndx, &handler)
}

// Clear removes every element, resetting the tree to one empty leaf.
func (t *BPTree) Clear() error {
	if !t.IsAttached() {
		return NewNotAttachedError("Clear")
	}
	if t.rootIsLeaf() {
		return t.root.Clear()
	}
	if err := t.root.DestroyDeep(); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.DestroyDeep().
		return err
	}
	if err := t.root.Create(KindNormal, false, 0, 0); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Create().
		return err
	}
	return t.root.UpdateParent()
}

// DestroyDeep frees every node of the tree.
func (t *BPTree) DestroyDeep() error {
	if !t.IsAttached() {
		return nil
	}
	return t.root.DestroyDeep()
}

// ForEach invokes fn with each element in order, stopping early when
// fn returns false.
func (t *BPTree) ForEach(fn func(ndx int, v int64) bool) error {
	if !t.IsAttached() {
		return NewNotAttachedError("ForEach")
	}
	if t.rootIsLeaf() {
		for i := 0; i < t.root.size; i++ {
			if !fn(i, t.root.get(t.root.data, i)) {
				return nil
			}
		}
		return nil
	}
	return VisitBPTreeLeaves(t.alloc, t.root.ref, func(leaf []byte, _ Ref, elemOffset int) (bool, error) {
		n := sizeFromHeader(leaf)
		for i := 0; i < n; i++ {
			if !fn(elemOffset+i, getDirect(leaf, i)) {
				return false, nil
			}
		}
		return true, nil
	})
}

// intLeafInserter carries one pending integer insert down to the
// owning leaf.
type intLeafInserter struct {
	alloc Allocator
	value int64
}

func (ins *intLeafInserter) LeafInsert(leafBlock []byte, leafRef Ref, parent ArrayParent, ndxInParent, ndxInLeaf int, state *BPInsertState) (Ref, error) {
	leaf := NewArray(ins.alloc)
	if err := leaf.InitFromBlock(leafBlock, leafRef); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.InitFromBlock().
		return RefNull, err
	}
	leaf.SetParent(parent, ndxInParent)
	return leaf.BPTreeLeafInsert(ndxInLeaf, ins.value, state)
}

// intEraseHandler erases from integer leaves and rebinds the tree root
// on collapse.
type intEraseHandler struct {
	tree *BPTree
}

func (h *intEraseHandler) EraseLeafElem(leafBlock []byte, leafRef Ref, parent ArrayParent, leafNdxInParent, elemNdxInLeaf int) (bool, error) {
	leaf := NewArray(h.tree.alloc)
	if err := leaf.InitFromBlock(leafBlock, leafRef); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.InitFromBlock().
		return false, err
	}
	if leaf.size == 1 {
		// Leaf stays untouched; the walker unlinks and destroys it.
		return true, nil
	}
	leaf.SetParent(parent, leafNdxInParent)
	if elemNdxInLeaf < 0 {
		elemNdxInLeaf = leaf.size - 1
	}
	return false, leaf.Erase(elemNdxInLeaf)
}

func (h *intEraseHandler) DestroyLeaf(leafRef Ref) error {
	h.tree.alloc.Free(leafRef)
	return nil
}

func (h *intEraseHandler) ReplaceRootByLeaf(leafRef Ref) error {
	if err := h.tree.root.InitFromRef(leafRef); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.InitFromRef().
		return err
	}
	return h.tree.root.UpdateParent()
}

func (h *intEraseHandler) ReplaceRootByEmptyLeaf() error {
	if err := h.tree.root.Create(KindNormal, false, 0, 0); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Array.Create().
		return err
	}
	return h.tree.root.UpdateParent()
}
