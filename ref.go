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

// Ref is an opaque logical address resolved to a block by an Allocator.
// Refs are always 8-byte aligned; zero is the null ref. The alignment
// frees the low bit to distinguish refs from tagged inline integers
// when both live in the same has-refs block.
type Ref uint64

// RefNull is the zero ref. No block is ever addressed by it.
const RefNull Ref = 0

// Valid returns an error unless the ref is non-null and aligned.
func (r Ref) Valid() error {
	if r == RefNull {
		return NewInvalidRefErrorf(uint64(r), "null ref")
	}
	if r&7 != 0 {
		return NewInvalidRefErrorf(uint64(r), "unaligned ref")
	}
	return nil
}

// RefOrTagged is one element of a has-refs block: either a child ref
// (low bit 0) or an inline integer disguised as a ref by setting the
// low bit (a "tagged" value). B+-tree nodes use tagged values for
// bookkeeping counts so they can live next to child refs.
type RefOrTagged uint64

func tagValue(v int64) RefOrTagged {
	return RefOrTagged(uint64(v)<<1 | 1)
}

func refOrTaggedFromValue(v int64) RefOrTagged {
	return RefOrTagged(uint64(v))
}

// IsTagged reports whether the low bit marks an inline integer.
func (rt RefOrTagged) IsTagged() bool {
	return rt&1 != 0
}

// IsRef reports whether the value is a non-null child reference.
func (rt RefOrTagged) IsRef() bool {
	return rt&1 == 0 && rt != 0
}

// Tagged returns the inline integer payload.
func (rt RefOrTagged) Tagged() int64 {
	return int64(rt >> 1)
}

// Ref returns the child reference.
func (rt RefOrTagged) Ref() Ref {
	return Ref(rt)
}

// Value returns the element as stored in the block.
func (rt RefOrTagged) Value() int64 {
	return int64(rt)
}

// ArrayParent is implemented by any structure that owns a child block
// slot: a has-refs packed array, a B+-tree inner node, or a column
// root holder outside this package. A child accessor uses it to push a
// new ref up after copy-on-write relocation and to re-derive its ref
// when refreshing. It is a back-reference, never ownership.
type ArrayParent interface {
	// UpdateChildRef stores a relocated child's new ref at the given
	// slot.
	UpdateChildRef(ndxInParent int, ref Ref) error

	// GetChildRef returns the ref currently stored at the given slot.
	GetChildRef(ndxInParent int) (Ref, error)
}
