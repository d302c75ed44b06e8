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

// kindFromFlags recovers the creation kind of an attached block.
func (a *Array) kindFromFlags() ArrayKind {
	switch {
	case a.isInner:
		return KindInnerBPTree
	case a.hasRefs:
		return KindHasRefs
	default:
		return KindNormal
	}
}

// CloneDeep copies this array and, when it holds refs, every reachable
// child into dst. dst may be a different allocator; that is the point:
// deep clones move subtrees between allocators.
func (a *Array) CloneDeep(dst Allocator) (Ref, error) {
	if !a.IsAttached() {
		return RefNull, NewNotAttachedError("CloneDeep")
	}
	return cloneDeepRef(a.alloc, a.ref, dst)
}

func cloneDeepRef(src Allocator, ref Ref, dst Allocator) (Ref, error) {
	block, err := src.Translate(ref)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return RefNull, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve block for deep clone")
	}

	if !hasRefsFromHeader(block) {
		return cloneFlatBlock(block, dst)
	}

	var from Array
	from.alloc = src
	if err := from.initFromBlock(block, ref); err != nil {
		return RefNull, err
	}

	to := NewArray(dst)
	err = to.Create(from.kindFromFlags(), from.context, 0, 0)
	if err != nil {
		return RefNull, err
	}

	for i := 0; i < from.size; i++ {
		rt := RefOrTagged(uint64(from.get(from.data, i)))
		if rt.IsRef() {
			childRef, err := cloneDeepRef(src, rt.Ref(), dst)
			if err != nil {
				return RefNull, err
			}
			if err := to.Add(int64(uint64(childRef))); err != nil {
				return RefNull, err
			}
			continue
		}
		if err := to.Add(rt.Value()); err != nil {
			return RefNull, err
		}
	}
	return to.Ref(), nil
}

// cloneFlatBlock copies a leaf block byte for byte, trimming the copy
// to the bytes in use.
func cloneFlatBlock(block []byte, dst Allocator) (Ref, error) {
	byteSize := headerSize + dataByteSize(
		widthTypeFromHeader(block),
		sizeFromHeader(block),
		widthFromHeader(block),
	)

	newBlock, newRef, err := dst.Alloc(byteSize)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return RefNull, wrapErrorfAsExternalErrorIfNeeded(err, "failed to allocate clone block")
	}
	copy(newBlock, block[:byteSize])
	if err := setCapacityInHeader(newBlock, len(newBlock)); err != nil {
		dst.Free(newRef)
		return RefNull, err
	}
	return newRef, nil
}

// Slice copies elements [begin, end) into a new array in dst. Ref
// elements are copied as raw values, so the result shares children
// with the source; use SliceAndCloneChildren for an independent
// subtree.
func (a *Array) Slice(begin, end int, dst Allocator) (Ref, error) {
	return a.slice(begin, end, dst, false)
}

// SliceAndCloneChildren copies elements [begin, end) into dst, deep
// cloning every ref element.
func (a *Array) SliceAndCloneChildren(begin, end int, dst Allocator) (Ref, error) {
	return a.slice(begin, end, dst, true)
}

func (a *Array) slice(begin, end int, dst Allocator, cloneChildren bool) (Ref, error) {
	if !a.IsAttached() {
		return RefNull, NewNotAttachedError("Slice")
	}
	if begin < 0 || end > a.size || begin > end {
		return RefNull, NewIndexOutOfBoundsError(uint64(begin), 0, uint64(a.size))
	}

	to := NewArray(dst)
	if err := to.Create(a.kindFromFlags(), a.context, 0, 0); err != nil {
		return RefNull, err
	}

	for i := begin; i < end; i++ {
		v := a.get(a.data, i)
		if cloneChildren && a.hasRefs {
			rt := RefOrTagged(uint64(v))
			if rt.IsRef() {
				childRef, err := cloneDeepRef(a.alloc, rt.Ref(), dst)
				if err != nil {
					return RefNull, err
				}
				v = int64(uint64(childRef))
			}
		}
		if err := to.Add(v); err != nil {
			return RefNull, err
		}
	}
	return to.Ref(), nil
}

// Destroy frees this block only and detaches. Child blocks survive.
// Calling it detached is a no-op.
func (a *Array) Destroy() {
	if !a.IsAttached() {
		return
	}
	a.alloc.Free(a.ref)
	a.Detach()
}

// DestroyDeep frees this block and, when it holds refs, every
// reachable child, then detaches. Calling it detached is a no-op.
func (a *Array) DestroyDeep() error {
	if !a.IsAttached() {
		return nil
	}
	if err := destroyDeepRef(a.alloc, a.ref); err != nil {
		return err
	}
	a.Detach()
	return nil
}

// destroyDeepRef releases the subtree below ref. The node kind is
// discovered from each block's own has-refs flag, so heterogeneous
// trees (inner nodes over leaves over blobs) need no type registry.
func destroyDeepRef(alloc Allocator, ref Ref) error {
	block, err := alloc.Translate(ref)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve block for deep destroy")
	}

	if hasRefsFromHeader(block) {
		size := sizeFromHeader(block)
		for i := 0; i < size; i++ {
			rt := RefOrTagged(uint64(getDirect(block, i)))
			if rt.IsRef() {
				if err := destroyDeepRef(alloc, rt.Ref()); err != nil {
					return err
				}
			}
		}
	}

	alloc.Free(ref)
	return nil
}
