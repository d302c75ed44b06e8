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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlabAllocatorAlloc(t *testing.T) {
	alloc := NewSlabAllocator()

	block, ref, err := alloc.Alloc(20)
	require.NoError(t, err)
	require.NotEqual(t, RefNull, ref)
	require.NoError(t, ref.Valid())

	// Requests round up to 8-byte multiples and come back zeroed.
	require.Len(t, block, 24)
	require.Equal(t, make([]byte, 24), block)

	got, err := alloc.Translate(ref)
	require.NoError(t, err)
	require.Equal(t, &block[0], &got[0])

	_, ref2, err := alloc.Alloc(8)
	require.NoError(t, err)
	require.Greater(t, ref2, ref)
	require.NoError(t, ref2.Valid())

	require.Equal(t, 2, alloc.Count())
	require.Equal(t, 32, alloc.BytesAllocated())
	require.Equal(t, 32, alloc.BytesLive())

	var userErr *UserError
	_, _, err = alloc.Alloc(-1)
	require.ErrorAs(t, err, &userErr)
}

func TestSlabAllocatorTranslateErrors(t *testing.T) {
	alloc := NewSlabAllocator()

	var invalidRef *InvalidRefError
	_, err := alloc.Translate(RefNull)
	require.ErrorAs(t, err, &invalidRef)
	_, err = alloc.Translate(Ref(3))
	require.ErrorAs(t, err, &invalidRef)

	var notFound *RefNotFoundError
	_, err = alloc.Translate(Ref(8))
	require.ErrorAs(t, err, &notFound)
}

func TestSlabAllocatorFree(t *testing.T) {
	alloc := NewSlabAllocator()

	_, ref, err := alloc.Alloc(16)
	require.NoError(t, err)

	alloc.Free(ref)
	require.Equal(t, 0, alloc.Count())
	require.Equal(t, 16, alloc.BytesFreed())
	require.Equal(t, 0, alloc.BytesLive())

	// Freeing again, or freeing the null ref, changes nothing.
	alloc.Free(ref)
	alloc.Free(RefNull)
	require.Equal(t, 16, alloc.BytesFreed())
}

func TestSlabAllocatorReadOnly(t *testing.T) {
	alloc := NewSlabAllocator()

	_, ref, err := alloc.Alloc(16)
	require.NoError(t, err)
	require.False(t, alloc.IsReadOnly(ref))

	t.Run("whole allocator", func(t *testing.T) {
		alloc.SetReadOnly(true)
		require.True(t, alloc.IsReadOnly(ref))

		var roErr *ReadOnlyError
		_, _, err := alloc.Alloc(8)
		require.ErrorAs(t, err, &roErr)

		// Free is silently refused while frozen.
		alloc.Free(ref)
		require.Equal(t, 1, alloc.Count())

		alloc.SetReadOnly(false)
		require.False(t, alloc.IsReadOnly(ref))
	})

	t.Run("single ref", func(t *testing.T) {
		require.NoError(t, alloc.SetRefReadOnly(ref, true))
		require.True(t, alloc.IsReadOnly(ref))

		// A frozen block survives Free: it belongs to a snapshot.
		alloc.Free(ref)
		require.Equal(t, 1, alloc.Count())

		require.NoError(t, alloc.SetRefReadOnly(ref, false))
		alloc.Free(ref)
		require.Equal(t, 0, alloc.Count())

		var notFound *RefNotFoundError
		require.ErrorAs(t, alloc.SetRefReadOnly(Ref(1024), true), &notFound)
	})
}

func TestSlabAllocatorRefsSorted(t *testing.T) {
	alloc := NewSlabAllocator()

	var want []Ref
	for i := 0; i < 20; i++ {
		_, ref, err := alloc.Alloc(8 * (i%3 + 1))
		require.NoError(t, err)
		want = append(want, ref)
	}

	require.Equal(t, want, alloc.Refs())

	alloc.Free(want[4])
	want = append(want[:4], want[5:]...)
	require.Equal(t, want, alloc.Refs())
}
