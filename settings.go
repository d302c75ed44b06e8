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

var (
	// maxBPNodeSize bounds the number of elements in one B+-tree node,
	// leaf or inner. Lowering it in tests forces deep trees with small
	// inputs.
	maxBPNodeSize = 1000

	// minBPNodeSize is the smallest legal packed size of an inner node:
	// form cell + one child ref + total-count cell.
	minBPNodeSize = 3

	// copySlackBytes is extra data room granted on copy-on-write
	// relocation so the first few follow-up mutations stay in place.
	copySlackBytes = 64

	// snapshotParallelThreshold is the block count above which snapshot
	// encoding fans out to the worker pool.
	snapshotParallelThreshold = 128
)

// SetBPNodeSize overrides the maximum B+-tree node fan-out and returns
// the previous value. Tests use it to force multi-level trees.
func SetBPNodeSize(n int) int {
	prev := maxBPNodeSize
	maxBPNodeSize = n
	return prev
}
