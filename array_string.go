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

// StringArray stores strings in a blob composite, each value with a
// trailing NUL byte. The terminator keeps the stored bytes directly
// usable as C strings and makes null distinguishable from empty even
// in legacy composites without a flag child: a null slot is
// zero-length while an empty string occupies one byte.
type StringArray struct {
	blobs BlobArray
}

// NewStringArray returns a detached accessor bound to an allocator.
func NewStringArray(alloc Allocator) *StringArray {
	return &StringArray{blobs: *NewBlobArray(alloc)}
}

// CreateStringArray allocates an empty string composite and returns
// the root ref.
func CreateStringArray(alloc Allocator, context bool) (Ref, error) {
	return CreateBlobArray(alloc, context)
}

// Create allocates a new composite and attaches the accessor to it.
func (s *StringArray) Create(context bool) error {
	return s.blobs.Create(context)
}

// InitFromRef attaches the accessor to the composite rooted at ref.
func (s *StringArray) InitFromRef(ref Ref) error {
	return s.blobs.InitFromRef(ref)
}

// Detach unbinds the accessor and its children.
func (s *StringArray) Detach() { s.blobs.Detach() }

// IsAttached reports whether the accessor is bound to a composite.
func (s *StringArray) IsAttached() bool { return s.blobs.IsAttached() }

// Ref returns the root ref.
func (s *StringArray) Ref() Ref { return s.blobs.Ref() }

// Size returns the element count.
func (s *StringArray) Size() int { return s.blobs.Size() }

// SetParent installs the back-reference used to propagate root
// relocations.
func (s *StringArray) SetParent(parent ArrayParent, ndxInParent int) {
	s.blobs.SetParent(parent, ndxInParent)
}

// DestroyDeep frees the root and all children.
func (s *StringArray) DestroyDeep() error { return s.blobs.DestroyDeep() }

func storedString(v string) []byte {
	b := make([]byte, len(v)+1)
	copy(b, v)
	return b
}

// IsNull reports whether slot i is null, by flag or by the legacy
// zero-length convention.
func (s *StringArray) IsNull(i int) (bool, error) {
	null, err := s.blobs.IsNull(i)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by BlobArray.IsNull().
		return false, err
	}
	if null {
		return true, nil
	}
	begin, end := s.blobs.entryRange(i)
	return begin == end, nil
}

// Get returns element i and whether the slot is null.
func (s *StringArray) Get(i int) (string, bool, error) {
	data, null, err := s.blobs.Get(i)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by BlobArray.Get().
		return "", false, err
	}
	if null || len(data) == 0 {
		return "", true, nil
	}
	return string(data[:len(data)-1]), false, nil
}

// Set replaces element i with v and clears its null flag.
func (s *StringArray) Set(i int, v string) error {
	return s.blobs.Set(i, storedString(v))
}

// SetNull marks slot i null.
func (s *StringArray) SetNull(i int) error {
	return s.blobs.SetNull(i)
}

// Insert places v at index i, shifting elements [i, size) one right.
func (s *StringArray) Insert(i int, v string) error {
	return s.blobs.Insert(i, storedString(v))
}

// Add appends v.
func (s *StringArray) Add(v string) error {
	return s.blobs.Add(storedString(v))
}

// AddNull appends a null slot.
func (s *StringArray) AddNull() error { return s.blobs.AddNull() }

// Erase removes element i.
func (s *StringArray) Erase(i int) error { return s.blobs.Erase(i) }

// Clear removes every element.
func (s *StringArray) Clear() error { return s.blobs.Clear() }

// FindFirst returns the lowest index in [start, end) holding v. Null
// slots never match.
func (s *StringArray) FindFirst(v string, start, end int) (int, bool, error) {
	return s.blobs.FindFirst(storedString(v), start, end)
}

// Count returns how many elements of [start, end) hold v.
func (s *StringArray) Count(v string, start, end int) (int, error) {
	return s.blobs.Count(storedString(v), start, end)
}
