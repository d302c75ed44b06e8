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
	"flag"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	runes = []rune("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_")
)

var seed = flag.Int64("seed", 0, "seed for pseudo-random source")

func newRand(tb testing.TB) *rand.Rand {
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	// Benchmarks always log, so only log for tests which
	// will only log with -v flag or on error.
	if t, ok := tb.(*testing.T); ok {
		t.Logf("seed: %d\n", *seed)
	}

	return rand.New(rand.NewSource(*seed))
}

// randStr returns random UTF-8 string of given length.
func randStr(r *rand.Rand, length int) string {
	b := make([]rune, length)
	for i := 0; i < length; i++ {
		b[i] = runes[r.Intn(len(runes))]
	}
	return string(b)
}

var testWidths = []uint8{0, 1, 2, 4, 8, 16, 32, 64}

// randValueForWidth returns a value storable at width without widening.
func randValueForWidth(r *rand.Rand, width uint8) int64 {
	if width == 64 {
		return int64(r.Uint64())
	}
	lb, ub := boundsForWidth(width)
	return lb + r.Int63n(ub-lb+1)
}

func newTestArray(t *testing.T, alloc Allocator, vals []int64) *Array {
	a := NewArray(alloc)
	require.NoError(t, a.Create(KindNormal, false, 0, 0))
	for _, v := range vals {
		require.NoError(t, a.Add(v))
	}
	return a
}

func requireArrayElems(t *testing.T, a *Array, want []int64) {
	require.Equal(t, len(want), a.Size())
	for i, w := range want {
		v, err := a.Get(i)
		require.NoError(t, err)
		require.Equal(t, w, v, "element %d", i)
	}
}
