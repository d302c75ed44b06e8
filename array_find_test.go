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
	"math/rand"
	"sort"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"
)

var allConditions = []Condition{Equal, NotEqual, Less, Greater}

func conditionName(c Condition) string {
	switch c {
	case Equal:
		return "equal"
	case NotEqual:
		return "not equal"
	case Less:
		return "less"
	case Greater:
		return "greater"
	default:
		return "always"
	}
}

// oracleFind is the brute-force reference for every scan tier.
func oracleFind(vals []int64, cond Condition, target int64, start, end int) (int, bool) {
	for i := start; i < end; i++ {
		if cond.matches(vals[i], target) {
			return i, true
		}
	}
	return 0, false
}

func oracleMatches(vals []int64, cond Condition, target int64, start, end int) []int {
	var ndxs []int
	for i := start; i < end; i++ {
		if cond.matches(vals[i], target) {
			ndxs = append(ndxs, i)
		}
	}
	return ndxs
}

// candidateTargets picks values that exercise present, absent, and
// provably-decidable scans for the width.
func candidateTargets(r *rand.Rand, vals []int64, width uint8) []int64 {
	lb, ub := boundsForWidth(width)
	targets := []int64{lb, ub}
	if width < 64 {
		if lb > -1<<62 {
			targets = append(targets, lb-1)
		}
		targets = append(targets, ub+1)
	}
	if len(vals) > 0 {
		targets = append(targets, vals[r.Intn(len(vals))], vals[r.Intn(len(vals))])
	}
	targets = append(targets, randValueForWidth(r, width))
	return targets
}

func TestFindOracle(t *testing.T) {
	r := newRand(t)

	// Sizes straddle the tier boundaries: tiny arrays never reach the
	// chunked scan, 257+ elements guarantee whole chunks even at width 1.
	sizes := []int{0, 1, 3, 17, 64, 65, 257, 600}

	for _, width := range testWidths {
		for _, n := range sizes {
			t.Run(fmt.Sprintf("width %d size %d", width, n), func(t *testing.T) {
				alloc := NewSlabAllocator()
				vals := make([]int64, n)
				for i := range vals {
					vals[i] = randValueForWidth(r, width)
				}
				a := newTestArray(t, alloc, vals)
				require.Equal(t, n, a.Size())

				for _, cond := range allConditions {
					for _, target := range candidateTargets(r, vals, width) {
						start := 0
						end := n
						if n > 2 {
							start = r.Intn(n / 2)
							end = start + 1 + r.Intn(n-start-1)
						}

						wantNdx, wantFound := oracleFind(vals, cond, target, start, end)
						gotNdx, gotFound, err := a.Find(cond, target, start, end)
						require.NoError(t, err)
						require.Equal(t, wantFound, gotFound,
							"%s %d in [%d, %d)", conditionName(cond), target, start, end)
						if wantFound {
							require.Equal(t, wantNdx, gotNdx,
								"%s %d in [%d, %d)", conditionName(cond), target, start, end)
						}

						want := oracleMatches(vals, cond, target, start, end)

						bm := roaring.New()
						require.NoError(t, a.FindAll(bm, cond, target, start, end))
						require.Equal(t, uint64(len(want)), bm.GetCardinality())
						for _, ndx := range want {
							require.True(t, bm.Contains(uint32(ndx)))
						}

						var got []int
						err = a.ForEachMatch(cond, target, start, end, func(ndx int) bool {
							got = append(got, ndx)
							return true
						})
						require.NoError(t, err)
						require.Equal(t, want, got)
					}
				}
			})
		}
	}
}

func TestCountOracle(t *testing.T) {
	r := newRand(t)

	for _, width := range testWidths {
		t.Run(fmt.Sprintf("width %d", width), func(t *testing.T) {
			alloc := NewSlabAllocator()

			// Few distinct values so counts are large and the
			// whole-pattern consumption path sees full chunks.
			pool := make([]int64, 4)
			for i := range pool {
				pool[i] = randValueForWidth(r, width)
			}
			vals := make([]int64, 500)
			for i := range vals {
				vals[i] = pool[r.Intn(len(pool))]
			}
			a := newTestArray(t, alloc, vals)

			for _, target := range pool {
				want := len(oracleMatches(vals, Equal, target, 0, len(vals)))
				got, err := a.Count(target, 0, a.Size())
				require.NoError(t, err)
				require.Equal(t, want, got, "count of %d", target)
			}
		})
	}
}

func TestFindProvableTiers(t *testing.T) {
	alloc := NewSlabAllocator()

	// Width 4 bounds are [0, 15]; targets outside decide the scan
	// without reading an element.
	a := newTestArray(t, alloc, []int64{3, 7, 3, 15, 0, 9, 3, 3})
	require.Equal(t, uint8(4), a.Width())

	t.Run("provably no match", func(t *testing.T) {
		_, found, err := a.Find(Equal, 16, 0, a.Size())
		require.NoError(t, err)
		require.False(t, found)

		_, found, err = a.Find(Greater, 15, 0, a.Size())
		require.NoError(t, err)
		require.False(t, found)

		_, found, err = a.Find(Less, 0, 0, a.Size())
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("provably all match", func(t *testing.T) {
		ndx, found, err := a.Find(Less, 16, 2, a.Size())
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, 2, ndx)

		count, err := a.Count(0, 0, 0)
		require.NoError(t, err)
		require.Equal(t, 0, count)

		bm := roaring.New()
		require.NoError(t, a.FindAll(bm, Greater, -1, 1, 6))
		require.Equal(t, uint64(5), bm.GetCardinality())
	})
}

func TestForEachMatchEarlyStop(t *testing.T) {
	alloc := NewSlabAllocator()
	vals := make([]int64, 300)
	for i := range vals {
		vals[i] = int64(i % 2)
	}
	a := newTestArray(t, alloc, vals)

	var got []int
	err := a.ForEachMatch(Equal, 1, 0, a.Size(), func(ndx int) bool {
		got = append(got, ndx)
		return len(got) < 3
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 5}, got)
}

func TestFindRangeErrors(t *testing.T) {
	alloc := NewSlabAllocator()
	a := newTestArray(t, alloc, []int64{1, 2, 3})

	var oob *IndexOutOfBoundsError
	_, _, err := a.Find(Equal, 1, 0, 4)
	require.ErrorAs(t, err, &oob)
	_, _, err = a.Find(Equal, 1, -1, 2)
	require.ErrorAs(t, err, &oob)
	_, _, err = a.Find(Equal, 1, 2, 1)
	require.ErrorAs(t, err, &oob)
}

func TestLowerUpperBound(t *testing.T) {
	r := newRand(t)

	for _, width := range []uint8{4, 8, 16, 32, 64} {
		t.Run(fmt.Sprintf("width %d", width), func(t *testing.T) {
			alloc := NewSlabAllocator()

			vals := make([]int64, 400)
			for i := range vals {
				vals[i] = randValueForWidth(r, width)
			}
			sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
			a := newTestArray(t, alloc, vals)

			for trial := 0; trial < 100; trial++ {
				v := vals[r.Intn(len(vals))]
				if trial%3 == 0 {
					v = randValueForWidth(r, width)
				}

				wantLower := sort.Search(len(vals), func(i int) bool { return vals[i] >= v })
				gotLower, err := a.LowerBound(v)
				require.NoError(t, err)
				require.Equal(t, wantLower, gotLower)

				wantUpper := sort.Search(len(vals), func(i int) bool { return vals[i] > v })
				gotUpper, err := a.UpperBound(v)
				require.NoError(t, err)
				require.Equal(t, wantUpper, gotUpper)
			}
		})
	}
}

// The SWAR kernels are tested against per-field oracles on randomly
// packed words; the scan tiers above only exercise them indirectly.

func packFields(fields []uint64, w uint8) uint64 {
	var x uint64
	for i, f := range fields {
		x |= (f & fieldMask(w)) << (uint(i) * uint(w))
	}
	return x
}

func randFields(r *rand.Rand, w uint8, zeroBias bool) []uint64 {
	fields := make([]uint64, 64/int(w))
	for i := range fields {
		fields[i] = r.Uint64() & fieldMask(w)
		if zeroBias && r.Intn(3) == 0 {
			fields[i] = 0
		}
	}
	return fields
}

var swarWidths = []uint8{1, 2, 4, 8, 16, 32}

func TestReplicate(t *testing.T) {
	r := newRand(t)

	for _, w := range swarWidths {
		for trial := 0; trial < 100; trial++ {
			v := r.Uint64() & fieldMask(w)
			x := replicate(v, w)
			for i := 0; i < 64/int(w); i++ {
				field := (x >> (uint(i) * uint(w))) & fieldMask(w)
				require.Equal(t, v, field, "width %d field %d", w, i)
			}
		}
	}
}

func TestCascade(t *testing.T) {
	r := newRand(t)

	for _, w := range swarWidths {
		for trial := 0; trial < 200; trial++ {
			fields := randFields(r, w, true)
			x := packFields(fields, w)

			nz := cascadeNonZero(x, w)
			z := cascadeZero(x, w)

			for i, f := range fields {
				lowBit := uint64(1) << (uint(i) * uint(w))
				require.Equal(t, f != 0, nz&lowBit != 0, "width %d field %d nonzero", w, i)
				require.Equal(t, f == 0, z&lowBit != 0, "width %d field %d zero", w, i)

				// Only low bits carry flags.
				require.Zero(t, nz&^lsbMasks[widthNdxForWidth(w)])
			}
		}
	}
}

func TestFirstZeroFieldNdx(t *testing.T) {
	r := newRand(t)

	for _, w := range swarWidths {
		perWord := 64 / int(w)
		for trial := 0; trial < 500; trial++ {
			fields := randFields(r, w, true)
			x := packFields(fields, w)

			want := perWord
			for i, f := range fields {
				if f == 0 {
					want = i
					break
				}
			}

			require.Equal(t, want != perWord, hasZeroField(x, w), "width %d", w)
			require.Equal(t, want, firstZeroFieldNdx(x, w), "width %d word %#x", w, x)
		}
	}
}

func TestLtFlags(t *testing.T) {
	r := newRand(t)

	for _, w := range swarWidths {
		h := msbMasks[widthNdxForWidth(w)]
		for trial := 0; trial < 500; trial++ {
			xf := randFields(r, w, false)
			yf := randFields(r, w, false)
			flags := ltFlags(packFields(xf, w), packFields(yf, w), w)

			require.Zero(t, flags&^h, "width %d flags outside high bits", w)

			for i := range xf {
				highBit := uint64(1) << (uint(i+1)*uint(w) - 1)
				require.Equal(t, xf[i] < yf[i], flags&highBit != 0,
					"width %d field %d: %d < %d", w, i, xf[i], yf[i])
			}
		}
	}
}
