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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArrayCreate(t *testing.T) {
	alloc := NewSlabAllocator()

	t.Run("empty", func(t *testing.T) {
		a := NewArray(alloc)
		require.NoError(t, a.Create(KindNormal, false, 0, 0))
		require.True(t, a.IsAttached())
		require.Equal(t, 0, a.Size())
		require.Equal(t, uint8(0), a.Width())
		require.False(t, a.HasRefs())
		require.False(t, a.IsInnerBPTreeNode())
		require.False(t, a.ContextFlag())
	})

	t.Run("filled", func(t *testing.T) {
		a := NewArray(alloc)
		require.NoError(t, a.Create(KindNormal, true, 12, 7))
		require.Equal(t, 12, a.Size())
		require.Equal(t, widthForValue(7), a.Width())
		require.True(t, a.ContextFlag())
		requireArrayElems(t, a, []int64{7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7})
	})

	t.Run("has refs", func(t *testing.T) {
		a := NewArray(alloc)
		require.NoError(t, a.Create(KindHasRefs, false, 0, 0))
		require.True(t, a.HasRefs())
		require.False(t, a.IsInnerBPTreeNode())
	})

	t.Run("inner node implies refs", func(t *testing.T) {
		a := NewArray(alloc)
		require.NoError(t, a.Create(KindInnerBPTree, false, 0, 0))
		require.True(t, a.HasRefs())
		require.True(t, a.IsInnerBPTreeNode())
	})

	t.Run("reattach", func(t *testing.T) {
		a := NewArray(alloc)
		require.NoError(t, a.Create(KindNormal, false, 3, 5))

		b := NewArray(alloc)
		require.NoError(t, b.InitFromRef(a.Ref()))
		requireArrayElems(t, b, []int64{5, 5, 5})

		b.Detach()
		require.False(t, b.IsAttached())
		b.Detach() // idempotent
	})
}

func TestArraySetGetRoundTrip(t *testing.T) {
	r := newRand(t)

	for _, width := range testWidths {
		t.Run(fmt.Sprintf("width %d", width), func(t *testing.T) {
			alloc := NewSlabAllocator()
			a := NewArray(alloc)

			const n = 100
			lb, ub := boundsForWidth(width)
			require.NoError(t, a.Create(KindNormal, false, n, ub))
			require.Equal(t, width, a.Width())

			want := make([]int64, n)
			for i := range want {
				want[i] = randValueForWidth(r, width)
				require.NoError(t, a.Set(i, want[i]))
			}

			// Bounds are storable too.
			want[0], want[n-1] = lb, ub
			require.NoError(t, a.Set(0, lb))
			require.NoError(t, a.Set(n-1, ub))

			require.Equal(t, width, a.Width())
			requireArrayElems(t, a, want)
		})
	}
}

func TestArrayWidening(t *testing.T) {
	alloc := NewSlabAllocator()
	a := newTestArray(t, alloc, []int64{1, 0, 1, 1, 0})
	require.Equal(t, uint8(1), a.Width())

	// Widening a single slot re-packs every element.
	require.NoError(t, a.Set(2, 1000))
	require.Equal(t, uint8(16), a.Width())
	requireArrayElems(t, a, []int64{1, 0, 1000, 1, 0})

	// Narrow values never narrow the array.
	require.NoError(t, a.Set(2, 1))
	require.Equal(t, uint8(16), a.Width())
}

func TestArrayEnsureMinimumWidth(t *testing.T) {
	alloc := NewSlabAllocator()
	a := newTestArray(t, alloc, []int64{3, 1, 2})
	require.Equal(t, uint8(2), a.Width())

	require.NoError(t, a.EnsureMinimumWidth(100))
	require.Equal(t, widthForValue(100), a.Width())
	requireArrayElems(t, a, []int64{3, 1, 2})

	// Never narrows.
	require.NoError(t, a.EnsureMinimumWidth(1))
	require.Equal(t, widthForValue(100), a.Width())

	// After the width is ensured, Set of a fitting value must not
	// relocate the block.
	ref := a.Ref()
	require.NoError(t, a.Set(1, 99))
	require.Equal(t, ref, a.Ref())
}

// The smallest end-to-end scenario: three appends drive the width from
// empty through 4-bit to 16-bit packing, and the scan and aggregate
// paths see through the final packing.
func TestArrayAddFiveOneThirtyFive(t *testing.T) {
	alloc := NewSlabAllocator()
	a := NewArray(alloc)
	require.NoError(t, a.Create(KindNormal, false, 0, 0))

	require.NoError(t, a.Add(5))
	require.Equal(t, uint8(4), a.Width())

	require.NoError(t, a.Add(130))
	require.NoError(t, a.Add(5))
	require.Equal(t, widthForValue(130), a.Width())

	ndx, found, err := a.FindFirst(5, 0, a.Size())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 0, ndx)

	count, err := a.Count(5, 0, a.Size())
	require.NoError(t, err)
	require.Equal(t, 2, count)

	max, maxNdx, ok, err := a.Maximum(0, a.Size())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(130), max)
	require.Equal(t, 1, maxNdx)
}

func TestArrayInsertEraseOracle(t *testing.T) {
	r := newRand(t)

	alloc := NewSlabAllocator()
	a := NewArray(alloc)
	require.NoError(t, a.Create(KindNormal, false, 0, 0))

	var want []int64
	for op := 0; op < 1000; op++ {
		switch r.Intn(5) {
		case 0, 1: // insert anywhere, any width
			i := r.Intn(len(want) + 1)
			v := int64(r.Uint64()) >> uint(r.Intn(64))
			require.NoError(t, a.Insert(i, v))
			want = append(want[:i], append([]int64{v}, want[i:]...)...)

		case 2: // set
			if len(want) == 0 {
				continue
			}
			i := r.Intn(len(want))
			v := int64(r.Int31())
			require.NoError(t, a.Set(i, v))
			want[i] = v

		case 3: // erase
			if len(want) == 0 {
				continue
			}
			i := r.Intn(len(want))
			require.NoError(t, a.Erase(i))
			want = append(want[:i], want[i+1:]...)

		case 4: // erase range
			if len(want) == 0 {
				continue
			}
			begin := r.Intn(len(want))
			end := begin + r.Intn(len(want)-begin+1)
			require.NoError(t, a.EraseRange(begin, end))
			want = append(want[:begin], want[end:]...)
		}

		if op%100 == 0 {
			requireArrayElems(t, a, want)
		}
	}
	requireArrayElems(t, a, want)
}

func TestArrayInsertEraseInverse(t *testing.T) {
	r := newRand(t)

	alloc := NewSlabAllocator()
	orig := make([]int64, 50)
	for i := range orig {
		orig[i] = int64(r.Int31n(1000))
	}
	a := newTestArray(t, alloc, orig)

	for trial := 0; trial < 20; trial++ {
		i := r.Intn(len(orig) + 1)
		require.NoError(t, a.Insert(i, int64(r.Uint64())))
		require.NoError(t, a.Erase(i))
		requireArrayElems(t, a, orig)
	}
}

func TestArrayTruncate(t *testing.T) {
	alloc := NewSlabAllocator()
	a := newTestArray(t, alloc, []int64{10, 20, 30, 40, 50})

	require.NoError(t, a.Truncate(3))
	requireArrayElems(t, a, []int64{10, 20, 30})

	// Truncating to zero resets the width: nothing constrains it.
	require.NoError(t, a.Clear())
	require.Equal(t, 0, a.Size())
	require.Equal(t, uint8(0), a.Width())

	require.NoError(t, a.Add(1))
	requireArrayElems(t, a, []int64{1})
}

func TestArrayAdjust(t *testing.T) {
	alloc := NewSlabAllocator()
	a := newTestArray(t, alloc, []int64{10, 20, 30, 40})

	require.NoError(t, a.Adjust(1, 5))
	requireArrayElems(t, a, []int64{10, 25, 30, 40})

	require.NoError(t, a.AdjustRange(1, 4, -10))
	requireArrayElems(t, a, []int64{10, 15, 20, 30})

	// Adjust widens when the sum outgrows the packing.
	require.NoError(t, a.Adjust(0, 100000))
	requireArrayElems(t, a, []int64{100010, 15, 20, 30})
}

func TestArrayMove(t *testing.T) {
	alloc := NewSlabAllocator()

	t.Run("forward", func(t *testing.T) {
		a := newTestArray(t, alloc, []int64{1, 2, 3, 4, 5, 6})
		require.NoError(t, a.Move(3, 6, 1))
		// Vacated slots keep their old values.
		requireArrayElems(t, a, []int64{1, 4, 5, 6, 5, 6})
	})

	t.Run("backward", func(t *testing.T) {
		a := newTestArray(t, alloc, []int64{1, 2, 3, 4, 5, 6})
		require.NoError(t, a.MoveBackward(0, 3, 6))
		requireArrayElems(t, a, []int64{1, 2, 3, 1, 2, 3})
	})

	t.Run("rotate right", func(t *testing.T) {
		a := newTestArray(t, alloc, []int64{1, 2, 3, 4, 5})
		require.NoError(t, a.MoveRotate(1, 4))
		requireArrayElems(t, a, []int64{1, 3, 4, 5, 2})
	})

	t.Run("rotate left", func(t *testing.T) {
		a := newTestArray(t, alloc, []int64{1, 2, 3, 4, 5})
		require.NoError(t, a.MoveRotate(3, 0))
		requireArrayElems(t, a, []int64{4, 1, 2, 3, 5})
	})
}

func TestArrayCopyOnWriteIdempotence(t *testing.T) {
	alloc := NewSlabAllocator()
	a := newTestArray(t, alloc, []int64{1, 2, 3})

	// On a writable block copy-on-write is a no-op.
	ref := a.Ref()
	require.NoError(t, a.CopyOnWrite())
	require.Equal(t, ref, a.Ref())

	require.NoError(t, alloc.SetRefReadOnly(ref, true))

	require.NoError(t, a.CopyOnWrite())
	relocated := a.Ref()
	require.NotEqual(t, ref, relocated)
	require.False(t, alloc.IsReadOnly(relocated))

	// Second call after relocation changes nothing.
	require.NoError(t, a.CopyOnWrite())
	require.Equal(t, relocated, a.Ref())

	requireArrayElems(t, a, []int64{1, 2, 3})

	// The read-only original survives untouched.
	frozen := NewArray(alloc)
	require.NoError(t, frozen.InitFromRef(ref))
	requireArrayElems(t, frozen, []int64{1, 2, 3})
}

func TestArrayMutationTriggersCopyOnWrite(t *testing.T) {
	alloc := NewSlabAllocator()
	a := newTestArray(t, alloc, []int64{1, 2, 3})
	ref := a.Ref()
	require.NoError(t, alloc.SetRefReadOnly(ref, true))

	require.NoError(t, a.Set(0, 9))
	require.NotEqual(t, ref, a.Ref())
	requireArrayElems(t, a, []int64{9, 2, 3})

	frozen := NewArray(alloc)
	require.NoError(t, frozen.InitFromRef(ref))
	requireArrayElems(t, frozen, []int64{1, 2, 3})
}

func TestArrayParentNotification(t *testing.T) {
	alloc := NewSlabAllocator()

	child := newTestArray(t, alloc, []int64{1, 2, 3})

	parent := NewArray(alloc)
	require.NoError(t, parent.Create(KindHasRefs, false, 0, 0))
	require.NoError(t, parent.Add(int64(uint64(child.Ref()))))

	child.SetParent(parent, 0)
	require.Equal(t, 0, child.NdxInParent())

	// Relocation pushes the new ref into the parent slot.
	require.NoError(t, alloc.SetRefReadOnly(child.Ref(), true))
	require.NoError(t, child.Set(0, 100))

	got, err := parent.GetChildRef(0)
	require.NoError(t, err)
	require.Equal(t, child.Ref(), got)

	// And the child can re-derive its ref from the parent.
	other := NewArray(alloc)
	require.NoError(t, other.InitFromRef(child.Ref()))
	other.SetParent(parent, 0)
	require.NoError(t, other.RefreshFromParent())
	require.Equal(t, child.Ref(), other.Ref())
	requireArrayElems(t, other, []int64{100, 2, 3})
}

func TestArrayCloneDeep(t *testing.T) {
	src := NewSlabAllocator()
	dst := NewSlabAllocator()

	child := newTestArray(t, src, []int64{7, 8, 9})

	parent := NewArray(src)
	require.NoError(t, parent.Create(KindHasRefs, false, 0, 0))
	require.NoError(t, parent.Add(int64(uint64(child.Ref()))))
	require.NoError(t, parent.Add(int64(tagValue(42))))

	cloneRef, err := parent.CloneDeep(dst)
	require.NoError(t, err)

	clone := NewArray(dst)
	require.NoError(t, clone.InitFromRef(cloneRef))
	require.Equal(t, 2, clone.Size())

	rt, err := clone.RefOrTaggedGet(0)
	require.NoError(t, err)
	require.True(t, rt.IsRef())
	require.NotEqual(t, child.Ref(), rt.Ref())

	clonedChild := NewArray(dst)
	require.NoError(t, clonedChild.InitFromRef(rt.Ref()))
	requireArrayElems(t, clonedChild, []int64{7, 8, 9})

	rt, err = clone.RefOrTaggedGet(1)
	require.NoError(t, err)
	require.True(t, rt.IsTagged())
	require.Equal(t, int64(42), rt.Tagged())

	// Mutating the clone leaves the source alone.
	require.NoError(t, clonedChild.Set(0, 0))
	requireArrayElems(t, child, []int64{7, 8, 9})
}

func TestArraySlice(t *testing.T) {
	alloc := NewSlabAllocator()
	a := newTestArray(t, alloc, []int64{10, 20, 30, 40, 50})

	ref, err := a.Slice(1, 4, alloc)
	require.NoError(t, err)

	s := NewArray(alloc)
	require.NoError(t, s.InitFromRef(ref))
	requireArrayElems(t, s, []int64{20, 30, 40})

	// Empty slice is a valid empty array.
	ref, err = a.Slice(2, 2, alloc)
	require.NoError(t, err)
	require.NoError(t, s.InitFromRef(ref))
	require.Equal(t, 0, s.Size())
}

func TestArrayDestroyDeep(t *testing.T) {
	alloc := NewSlabAllocator()

	child := newTestArray(t, alloc, []int64{1, 2})
	parent := NewArray(alloc)
	require.NoError(t, parent.Create(KindHasRefs, false, 0, 0))
	require.NoError(t, parent.Add(int64(uint64(child.Ref()))))
	require.NoError(t, parent.Add(int64(tagValue(7))))

	require.Equal(t, 2, alloc.Count())
	require.NoError(t, parent.DestroyDeep())
	require.False(t, parent.IsAttached())
	require.Equal(t, 0, alloc.Count())
}

func TestArrayErrors(t *testing.T) {
	alloc := NewSlabAllocator()
	a := newTestArray(t, alloc, []int64{1, 2, 3})

	var oob *IndexOutOfBoundsError
	_, err := a.Get(3)
	require.ErrorAs(t, err, &oob)
	_, err = a.Get(-1)
	require.ErrorAs(t, err, &oob)
	require.ErrorAs(t, a.Set(3, 0), &oob)
	require.ErrorAs(t, a.Insert(5, 0), &oob)
	require.ErrorAs(t, a.EraseRange(2, 1), &oob)

	var notAttached *NotAttachedError
	d := NewArray(alloc)
	_, err = d.Get(0)
	require.ErrorAs(t, err, &notAttached)
	require.ErrorAs(t, d.Add(1), &notAttached)
	require.ErrorAs(t, d.CopyOnWrite(), &notAttached)
}

func TestRefOrTagged(t *testing.T) {
	rt := tagValue(21)
	require.True(t, rt.IsTagged())
	require.False(t, rt.IsRef())
	require.Equal(t, int64(21), rt.Tagged())
	// Value is the raw stored form: payload shifted up past the tag bit.
	require.Equal(t, int64(43), rt.Value())
	require.Equal(t, rt, refOrTaggedFromValue(rt.Value()))

	rt = RefOrTagged(uint64(Ref(64)))
	require.True(t, rt.IsRef())
	require.False(t, rt.IsTagged())
	require.Equal(t, Ref(64), rt.Ref())
}
