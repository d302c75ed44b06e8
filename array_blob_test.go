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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobBasics(t *testing.T) {
	alloc := NewSlabAllocator()
	b := NewBlob(alloc)
	require.NoError(t, b.Create(false, []byte("hello world")))

	require.Equal(t, 11, b.Size())

	got, err := b.Get(0, b.Size())
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)

	got, err = b.Get(6, 11)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)

	require.NoError(t, b.Append([]byte("!!")))
	got, err = b.Get(0, b.Size())
	require.NoError(t, err)
	require.Equal(t, []byte("hello world!!"), got)

	require.NoError(t, b.InsertBytes(5, []byte(",")))
	got, err = b.Get(0, b.Size())
	require.NoError(t, err)
	require.Equal(t, []byte("hello, world!!"), got)

	require.NoError(t, b.EraseBytes(12, 14))
	got, err = b.Get(0, b.Size())
	require.NoError(t, err)
	require.Equal(t, []byte("hello, world"), got)
}

func TestBlobReplace(t *testing.T) {
	alloc := NewSlabAllocator()
	b := NewBlob(alloc)
	require.NoError(t, b.Create(false, []byte("abcdef")))

	// Same-length, shrinking, and growing replacements.
	require.NoError(t, b.Replace(1, 3, []byte("XY")))
	got, err := b.Get(0, b.Size())
	require.NoError(t, err)
	require.Equal(t, []byte("aXYdef"), got)

	require.NoError(t, b.Replace(1, 3, []byte("-")))
	got, err = b.Get(0, b.Size())
	require.NoError(t, err)
	require.Equal(t, []byte("a-def"), got)

	require.NoError(t, b.Replace(2, 2, []byte("12345")))
	got, err = b.Get(0, b.Size())
	require.NoError(t, err)
	require.Equal(t, []byte("a-12345def"), got)

	require.NoError(t, b.Replace(0, b.Size(), nil))
	require.Equal(t, 0, b.Size())
}

func TestBlobOracle(t *testing.T) {
	r := newRand(t)

	alloc := NewSlabAllocator()
	b := NewBlob(alloc)
	require.NoError(t, b.Create(false, nil))

	var want []byte
	for op := 0; op < 300; op++ {
		switch r.Intn(3) {
		case 0: // insert
			pos := r.Intn(len(want) + 1)
			chunk := []byte(randStr(r, r.Intn(20)))
			require.NoError(t, b.InsertBytes(pos, chunk))
			want = append(want[:pos], append(append([]byte{}, chunk...), want[pos:]...)...)

		case 1: // erase
			if len(want) == 0 {
				continue
			}
			begin := r.Intn(len(want))
			end := begin + r.Intn(len(want)-begin+1)
			require.NoError(t, b.EraseBytes(begin, end))
			want = append(want[:begin], want[end:]...)

		case 2: // replace
			begin := r.Intn(len(want) + 1)
			end := begin + r.Intn(len(want)-begin+1)
			chunk := []byte(randStr(r, r.Intn(10)))
			require.NoError(t, b.Replace(begin, end, chunk))
			want = append(want[:begin], append(append([]byte{}, chunk...), want[end:]...)...)
		}

		require.Equal(t, len(want), b.Size())
		if op%50 == 0 && len(want) > 0 {
			got, err := b.Get(0, b.Size())
			require.NoError(t, err)
			require.True(t, bytes.Equal(want, got))
		}
	}

	got, err := b.Get(0, b.Size())
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, got))
}

func TestBlobArrayBasics(t *testing.T) {
	alloc := NewSlabAllocator()
	ba := NewBlobArray(alloc)
	require.NoError(t, ba.Create(false))
	require.Equal(t, 0, ba.Size())

	require.NoError(t, ba.Add([]byte("alpha")))
	require.NoError(t, ba.Add([]byte("")))
	require.NoError(t, ba.Add([]byte("gamma")))
	require.Equal(t, 3, ba.Size())

	got, isNull, err := ba.Get(0)
	require.NoError(t, err)
	require.False(t, isNull)
	require.Equal(t, []byte("alpha"), got)

	// Empty and null are distinct.
	got, isNull, err = ba.Get(1)
	require.NoError(t, err)
	require.False(t, isNull)
	require.Empty(t, got)

	require.NoError(t, ba.SetNull(1))
	_, isNull, err = ba.Get(1)
	require.NoError(t, err)
	require.True(t, isNull)

	isNull, err = ba.IsNull(2)
	require.NoError(t, err)
	require.False(t, isNull)

	require.NoError(t, ba.Set(2, []byte("something longer than before")))
	got, _, err = ba.Get(2)
	require.NoError(t, err)
	require.Equal(t, []byte("something longer than before"), got)

	got, _, err = ba.Get(0)
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), got)
}

func TestBlobArrayInsertEraseOracle(t *testing.T) {
	r := newRand(t)

	alloc := NewSlabAllocator()
	ba := NewBlobArray(alloc)
	require.NoError(t, ba.Create(false))

	type entry struct {
		data []byte
		null bool
	}
	var want []entry

	for op := 0; op < 400; op++ {
		switch r.Intn(5) {
		case 0, 1: // insert
			i := r.Intn(len(want) + 1)
			data := []byte(randStr(r, r.Intn(15)))
			require.NoError(t, ba.Insert(i, data))
			want = append(want[:i], append([]entry{{data: data}}, want[i:]...)...)

		case 2: // add null
			require.NoError(t, ba.AddNull())
			want = append(want, entry{null: true})

		case 3: // set / set null
			if len(want) == 0 {
				continue
			}
			i := r.Intn(len(want))
			if r.Intn(2) == 0 {
				require.NoError(t, ba.SetNull(i))
				want[i] = entry{null: true}
			} else {
				data := []byte(randStr(r, r.Intn(15)))
				require.NoError(t, ba.Set(i, data))
				want[i] = entry{data: data}
			}

		case 4: // erase
			if len(want) == 0 {
				continue
			}
			i := r.Intn(len(want))
			require.NoError(t, ba.Erase(i))
			want = append(want[:i], want[i+1:]...)
		}

		require.Equal(t, len(want), ba.Size())
	}

	for i, w := range want {
		got, isNull, err := ba.Get(i)
		require.NoError(t, err)
		require.Equal(t, w.null, isNull, "element %d", i)
		if !w.null {
			require.True(t, bytes.Equal(w.data, got), "element %d", i)
		}
	}

	require.NoError(t, ba.Clear())
	require.Equal(t, 0, ba.Size())
}

func TestBlobArrayFind(t *testing.T) {
	alloc := NewSlabAllocator()
	ba := NewBlobArray(alloc)
	require.NoError(t, ba.Create(false))

	for _, s := range []string{"aa", "bb", "aa", "cc", "aa"} {
		require.NoError(t, ba.Add([]byte(s)))
	}
	require.NoError(t, ba.SetNull(3))

	ndx, found, err := ba.FindFirst([]byte("aa"), 0, ba.Size())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 0, ndx)

	ndx, found, err = ba.FindFirst([]byte("aa"), 1, ba.Size())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, ndx)

	_, found, err = ba.FindFirst([]byte("cc"), 0, ba.Size())
	require.NoError(t, err)
	require.False(t, found)

	count, err := ba.Count([]byte("aa"), 0, ba.Size())
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

// A two-child root is the pre-nullable layout. It must stay readable
// as is and upgrade in place the first time a null is stored.
func TestBlobArrayLegacyTwoChildUpgrade(t *testing.T) {
	alloc := NewSlabAllocator()

	offsetsRef, err := CreateArray(alloc, KindNormal, false, 0, 0)
	require.NoError(t, err)
	blobRef, err := CreateBlob(alloc, false, nil)
	require.NoError(t, err)

	root := NewArray(alloc)
	require.NoError(t, root.Create(KindHasRefs, false, 0, 0))
	require.NoError(t, root.Add(int64(uint64(offsetsRef))))
	require.NoError(t, root.Add(int64(uint64(blobRef))))

	offsets := NewArray(alloc)
	require.NoError(t, offsets.InitFromRef(offsetsRef))
	blob := NewBlob(alloc)
	require.NoError(t, blob.InitFromRef(blobRef))

	// Two legacy entries: cumulative end offsets over a shared blob.
	require.NoError(t, blob.Append([]byte("oldnew")))
	require.NoError(t, offsets.Add(3))
	require.NoError(t, offsets.Add(6))

	ba := NewBlobArray(alloc)
	require.NoError(t, ba.InitFromRef(root.Ref()))
	require.Equal(t, 2, ba.Size())

	got, isNull, err := ba.Get(0)
	require.NoError(t, err)
	require.False(t, isNull)
	require.Equal(t, []byte("old"), got)

	got, _, err = ba.Get(1)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got)

	// First null triggers the upgrade to the three-child layout.
	require.NoError(t, ba.SetNull(0))

	reloaded := NewBlobArray(alloc)
	require.NoError(t, reloaded.InitFromRef(ba.Ref()))
	require.Equal(t, 2, reloaded.Size())

	_, isNull, err = reloaded.Get(0)
	require.NoError(t, err)
	require.True(t, isNull)

	got, isNull, err = reloaded.Get(1)
	require.NoError(t, err)
	require.False(t, isNull)
	require.Equal(t, []byte("new"), got)
}

func TestBlobArrayDestroyDeep(t *testing.T) {
	alloc := NewSlabAllocator()
	ba := NewBlobArray(alloc)
	require.NoError(t, ba.Create(false))
	require.NoError(t, ba.Add([]byte("payload")))

	require.NoError(t, ba.DestroyDeep())
	require.False(t, ba.IsAttached())
	require.Equal(t, 0, alloc.Count())
}
