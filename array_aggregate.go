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

// Sum returns the sum of the elements in [start, end). Overflow wraps
// in two's complement.
func (a *Array) Sum(start, end int) (int64, error) {
	state := queryState{action: actionSum, limit: -1}
	if err := a.find(Always, 0, start, end, &state); err != nil {
		return 0, err
	}
	return state.state, nil
}

// Minimum returns the smallest element in [start, end) and the lowest
// index holding it. ok is false when the range is empty.
func (a *Array) Minimum(start, end int) (v int64, ndx int, ok bool, err error) {
	state := queryState{action: actionMin, limit: -1}
	if err := a.find(Always, 0, start, end, &state); err != nil {
		return 0, 0, false, err
	}
	if state.matchCount == 0 {
		return 0, 0, false, nil
	}
	return state.state, state.stateNdx, true, nil
}

// Maximum returns the largest element in [start, end) and the lowest
// index holding it. ok is false when the range is empty.
func (a *Array) Maximum(start, end int) (v int64, ndx int, ok bool, err error) {
	state := queryState{action: actionMax, limit: -1}
	if err := a.find(Always, 0, start, end, &state); err != nil {
		return 0, 0, false, err
	}
	if state.matchCount == 0 {
		return 0, 0, false, nil
	}
	return state.state, state.stateNdx, true, nil
}

// The kernels below run when a scan has already proven that every
// element participates. Unrolling four lanes keeps the loop ahead of
// the getter call overhead on wide ranges.

func (a *Array) sumKernel(start, end int) int64 {
	if a.width == 0 {
		return 0
	}
	get, data := a.get, a.data

	var s0, s1, s2, s3 int64
	i := start
	for ; i+4 <= end; i += 4 {
		s0 += get(data, i)
		s1 += get(data, i+1)
		s2 += get(data, i+2)
		s3 += get(data, i+3)
	}
	sum := s0 + s1 + s2 + s3
	for ; i < end; i++ {
		sum += get(data, i)
	}
	return sum
}

func (a *Array) minKernel(start, end int) (int64, int) {
	get, data := a.get, a.data

	best := get(data, start)
	bestNdx := start
	i := start + 1
	for ; i+4 <= end; i += 4 {
		if v := get(data, i); v < best {
			best, bestNdx = v, i
		}
		if v := get(data, i+1); v < best {
			best, bestNdx = v, i+1
		}
		if v := get(data, i+2); v < best {
			best, bestNdx = v, i+2
		}
		if v := get(data, i+3); v < best {
			best, bestNdx = v, i+3
		}
	}
	for ; i < end; i++ {
		if v := get(data, i); v < best {
			best, bestNdx = v, i
		}
	}
	return best, bestNdx
}

func (a *Array) maxKernel(start, end int) (int64, int) {
	get, data := a.get, a.data

	best := get(data, start)
	bestNdx := start
	i := start + 1
	for ; i+4 <= end; i += 4 {
		if v := get(data, i); v > best {
			best, bestNdx = v, i
		}
		if v := get(data, i+1); v > best {
			best, bestNdx = v, i+1
		}
		if v := get(data, i+2); v > best {
			best, bestNdx = v, i+2
		}
		if v := get(data, i+3); v > best {
			best, bestNdx = v, i+3
		}
	}
	for ; i < end; i++ {
		if v := get(data, i); v > best {
			best, bestNdx = v, i
		}
	}
	return best, bestNdx
}
