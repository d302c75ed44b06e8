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

func TestStringArrayBasics(t *testing.T) {
	alloc := NewSlabAllocator()
	s := NewStringArray(alloc)
	require.NoError(t, s.Create(false))

	require.NoError(t, s.Add("first"))
	require.NoError(t, s.Add(""))
	require.NoError(t, s.Add("third"))
	require.NoError(t, s.AddNull())
	require.Equal(t, 4, s.Size())

	v, isNull, err := s.Get(0)
	require.NoError(t, err)
	require.False(t, isNull)
	require.Equal(t, "first", v)

	// The empty string is a value; null is a separate state.
	v, isNull, err = s.Get(1)
	require.NoError(t, err)
	require.False(t, isNull)
	require.Equal(t, "", v)

	_, isNull, err = s.Get(3)
	require.NoError(t, err)
	require.True(t, isNull)

	require.NoError(t, s.Set(1, "no longer empty"))
	v, _, err = s.Get(1)
	require.NoError(t, err)
	require.Equal(t, "no longer empty", v)

	require.NoError(t, s.SetNull(0))
	isNull, err = s.IsNull(0)
	require.NoError(t, err)
	require.True(t, isNull)
}

func TestStringArrayEmbeddedNULAndUnicode(t *testing.T) {
	alloc := NewSlabAllocator()
	s := NewStringArray(alloc)
	require.NoError(t, s.Create(false))

	values := []string{"a\x00b", "héllo wörld", "日本語", "\x00"}
	for _, v := range values {
		require.NoError(t, s.Add(v))
	}

	for i, w := range values {
		v, isNull, err := s.Get(i)
		require.NoError(t, err)
		require.False(t, isNull)
		require.Equal(t, w, v, "element %d", i)
	}
}

func TestStringArrayInsertEraseOracle(t *testing.T) {
	r := newRand(t)

	alloc := NewSlabAllocator()
	s := NewStringArray(alloc)
	require.NoError(t, s.Create(false))

	var want []string
	for op := 0; op < 300; op++ {
		switch r.Intn(4) {
		case 0, 1: // insert
			i := r.Intn(len(want) + 1)
			v := randStr(r, r.Intn(12))
			require.NoError(t, s.Insert(i, v))
			want = append(want[:i], append([]string{v}, want[i:]...)...)

		case 2: // set
			if len(want) == 0 {
				continue
			}
			i := r.Intn(len(want))
			v := randStr(r, r.Intn(12))
			require.NoError(t, s.Set(i, v))
			want[i] = v

		case 3: // erase
			if len(want) == 0 {
				continue
			}
			i := r.Intn(len(want))
			require.NoError(t, s.Erase(i))
			want = append(want[:i], want[i+1:]...)
		}
	}

	require.Equal(t, len(want), s.Size())
	for i, w := range want {
		v, isNull, err := s.Get(i)
		require.NoError(t, err)
		require.False(t, isNull)
		require.Equal(t, w, v, "element %d", i)
	}

	require.NoError(t, s.Clear())
	require.Equal(t, 0, s.Size())
}

func TestStringArrayFind(t *testing.T) {
	alloc := NewSlabAllocator()
	s := NewStringArray(alloc)
	require.NoError(t, s.Create(false))

	for _, v := range []string{"red", "green", "red", "blue"} {
		require.NoError(t, s.Add(v))
	}

	ndx, found, err := s.FindFirst("red", 0, s.Size())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 0, ndx)

	ndx, found, err = s.FindFirst("blue", 0, s.Size())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 3, ndx)

	_, found, err = s.FindFirst("purple", 0, s.Size())
	require.NoError(t, err)
	require.False(t, found)

	count, err := s.Count("red", 0, s.Size())
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
