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

package main

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/packbits/ptree"
)

const (
	bptreeAppendOp = iota
	bptreeInsertOp
	bptreeSetOp
	bptreeEraseOp
	maxBPTreeOp
)

const (
	verifyInterval   = 10_000
	snapshotInterval = 250_000
)

type bptreeStatus struct {
	lock sync.RWMutex

	startTime time.Time

	count uint64 // number of elements in tree

	appendOps uint64
	insertOps uint64
	setOps    uint64
	eraseOps  uint64
	verifies  uint64
	snapshots uint64
}

var _ Status = &bptreeStatus{}

func newBPTreeStatus() *bptreeStatus {
	return &bptreeStatus{startTime: time.Now()}
}

func (status *bptreeStatus) String() string {
	status.lock.RLock()
	defer status.lock.RUnlock()

	duration := time.Since(status.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return fmt.Sprintf("duration %s, heapAlloc %d MiB, %d elements, %d appends, %d sets, %d inserts, %d erases, %d verifies, %d snapshots",
		duration.Truncate(time.Second).String(),
		m.Alloc/1024/1024,
		status.count,
		status.appendOps,
		status.setOps,
		status.insertOps,
		status.eraseOps,
		status.verifies,
		status.snapshots,
	)
}

func (status *bptreeStatus) incAppend() {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.appendOps++
	status.count++
}

func (status *bptreeStatus) incSet() {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.setOps++
}

func (status *bptreeStatus) incInsert() {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.insertOps++
	status.count++
}

func (status *bptreeStatus) incErase() {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.eraseOps++
	status.count--
}

func (status *bptreeStatus) incVerify() {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.verifies++
}

func (status *bptreeStatus) incSnapshot() {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.snapshots++
}

func (status *bptreeStatus) Write() {
	writeStatus(status.String())
}

func testBPTree(
	maxLength uint64,
	status *bptreeStatus,
	minHeapAllocMiB uint64,
	maxHeapAllocMiB uint64,
) {

	alloc := ptree.NewSlabAllocator()

	tree := ptree.NewBPTree(alloc)
	if err := tree.Create(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create new tree: %s", err)
		return
	}

	// expected contains tree elements in the same order. It is used to check data loss.
	expected := make([]int64, 0, maxLength)

	reduceHeapAllocs := false

	opCount := uint64(0)

	var m runtime.MemStats

	for {
		runtime.ReadMemStats(&m)
		allocMiB := m.Alloc / 1024 / 1024

		if !reduceHeapAllocs && allocMiB > maxHeapAllocMiB {
			fmt.Printf("\nHeapAlloc is %d MiB, removing elements to reduce allocs...\n", allocMiB)
			reduceHeapAllocs = true
		} else if reduceHeapAllocs && allocMiB < minHeapAllocMiB {
			fmt.Printf("\nHeapAlloc is %d MiB, resuming random ops...\n", allocMiB)
			reduceHeapAllocs = false
		}

		if reduceHeapAllocs && tree.Size() == 0 {
			fmt.Printf("\nTree is empty, running GC to free unused blocks\n")
			runtime.GC()
			continue
		}

		nextOp := r.Intn(maxBPTreeOp)
		if tree.Size() >= int(maxLength) || reduceHeapAllocs {
			nextOp = bptreeEraseOp
		}

		switch nextOp {

		case bptreeAppendOp:
			v := randInt64()
			if err := tree.Append(v); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to append %d: %s", v, err)
				return
			}
			expected = append(expected, v)
			status.incAppend()

		case bptreeInsertOp:
			v := randInt64()
			i := r.Intn(tree.Size() + 1)
			if err := tree.Insert(i, v); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to insert %d at %d: %s", v, i, err)
				return
			}
			expected = append(expected, 0)
			copy(expected[i+1:], expected[i:])
			expected[i] = v
			status.incInsert()

		case bptreeSetOp:
			if tree.Size() == 0 {
				continue
			}
			v := randInt64()
			i := r.Intn(tree.Size())
			if err := tree.Set(i, v); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to set %d at %d: %s", v, i, err)
				return
			}
			expected[i] = v
			status.incSet()

		case bptreeEraseOp:
			if tree.Size() == 0 {
				continue
			}
			i := r.Intn(tree.Size())

			got, err := tree.Get(i)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to get element at %d before erase: %s", i, err)
				return
			}
			if got != expected[i] {
				fmt.Fprintf(os.Stderr, "Element at %d is %d, expected %d", i, got, expected[i])
				return
			}

			if err := tree.Erase(i); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to erase element at %d: %s", i, err)
				return
			}
			expected = append(expected[:i], expected[i+1:]...)
			status.incErase()
		}

		opCount++

		if opCount%verifyInterval == 0 {
			if err := verifyBPTreeAgainst(alloc, tree, expected); err != nil {
				fmt.Fprintf(os.Stderr, "%s", err)
				return
			}
			status.incVerify()
		}

		if opCount%snapshotInterval == 0 && tree.Size() > 0 {
			compression := compressions[int(status.snapshots)%len(compressions)]

			var buf bytes.Buffer
			if _, err := ptree.WriteSnapshot(&buf, alloc, tree.Ref(), compression); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to write %s snapshot: %s", compression, err)
				return
			}

			newAlloc, root, err := ptree.ReadSnapshot(buf.Bytes())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to read %s snapshot back: %s", compression, err)
				return
			}

			// Continue on the loaded tree. The old allocator and every
			// block it owns become garbage in one step.
			alloc = newAlloc
			tree = ptree.NewBPTree(alloc)
			if err := tree.InitFromRef(root); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to attach tree to snapshot root: %s", err)
				return
			}

			if err := verifyBPTreeAgainst(alloc, tree, expected); err != nil {
				fmt.Fprintf(os.Stderr, "Snapshot round trip lost data: %s", err)
				return
			}

			status.incSnapshot()
			runtime.GC()
		}
	}
}

func verifyBPTreeAgainst(alloc ptree.Allocator, tree *ptree.BPTree, expected []int64) error {
	if tree.Size() != len(expected) {
		return fmt.Errorf("tree has %d elements, expected %d", tree.Size(), len(expected))
	}

	if err := ptree.VerifyBPTree(alloc, tree.Ref()); err != nil {
		return fmt.Errorf("tree failed verification: %w", err)
	}

	var mismatch error
	err := tree.ForEach(func(ndx int, v int64) bool {
		if v != expected[ndx] {
			mismatch = fmt.Errorf("element at %d is %d, expected %d", ndx, v, expected[ndx])
			return false
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("tree iteration failed: %w", err)
	}
	return mismatch
}
