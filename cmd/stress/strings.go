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
	stringAddOp = iota
	stringAddNullOp
	stringInsertOp
	stringSetOp
	stringSetNullOp
	stringEraseOp
	maxStringOp
)

const maxStressStringLength = 1024

type stringStatus struct {
	lock sync.RWMutex

	startTime time.Time

	count uint64 // number of elements in array

	addOps    uint64
	insertOps uint64
	setOps    uint64
	nullOps   uint64
	eraseOps  uint64
	verifies  uint64
	snapshots uint64
}

var _ Status = &stringStatus{}

func newStringStatus() *stringStatus {
	return &stringStatus{startTime: time.Now()}
}

func (status *stringStatus) String() string {
	status.lock.RLock()
	defer status.lock.RUnlock()

	duration := time.Since(status.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return fmt.Sprintf("duration %s, heapAlloc %d MiB, %d elements, %d adds, %d sets, %d inserts, %d nulls, %d erases, %d verifies, %d snapshots",
		duration.Truncate(time.Second).String(),
		m.Alloc/1024/1024,
		status.count,
		status.addOps,
		status.setOps,
		status.insertOps,
		status.nullOps,
		status.eraseOps,
		status.verifies,
		status.snapshots,
	)
}

func (status *stringStatus) incAdd() {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.addOps++
	status.count++
}

func (status *stringStatus) incInsert() {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.insertOps++
	status.count++
}

func (status *stringStatus) incSet() {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.setOps++
}

func (status *stringStatus) incNull(grew bool) {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.nullOps++
	if grew {
		status.count++
	}
}

func (status *stringStatus) incErase() {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.eraseOps++
	status.count--
}

func (status *stringStatus) incVerify() {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.verifies++
}

func (status *stringStatus) incSnapshot() {
	status.lock.Lock()
	defer status.lock.Unlock()

	status.snapshots++
}

func (status *stringStatus) Write() {
	writeStatus(status.String())
}

// stringSlot is one oracle entry; null slots have no meaningful value.
type stringSlot struct {
	value string
	null  bool
}

func testStrings(
	maxLength uint64,
	status *stringStatus,
	minHeapAllocMiB uint64,
	maxHeapAllocMiB uint64,
) {

	alloc := ptree.NewSlabAllocator()

	arr := ptree.NewStringArray(alloc)
	if err := arr.Create(false); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create new string array: %s", err)
		return
	}

	// expected contains array elements in the same order. It is used to check data loss.
	expected := make([]stringSlot, 0, maxLength)

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

		if reduceHeapAllocs && arr.Size() == 0 {
			fmt.Printf("\nArray is empty, running GC to free unused blocks\n")
			runtime.GC()
			continue
		}

		nextOp := r.Intn(maxStringOp)
		if arr.Size() >= int(maxLength) || reduceHeapAllocs {
			nextOp = stringEraseOp
		}

		switch nextOp {

		case stringAddOp:
			v := randStr(r.Intn(maxStressStringLength))
			if err := arr.Add(v); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to add %q: %s", v, err)
				return
			}
			expected = append(expected, stringSlot{value: v})
			status.incAdd()

		case stringAddNullOp:
			if err := arr.AddNull(); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to add null: %s", err)
				return
			}
			expected = append(expected, stringSlot{null: true})
			status.incNull(true)

		case stringInsertOp:
			v := randStr(r.Intn(maxStressStringLength))
			i := r.Intn(arr.Size() + 1)
			if err := arr.Insert(i, v); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to insert %q at %d: %s", v, i, err)
				return
			}
			expected = append(expected, stringSlot{})
			copy(expected[i+1:], expected[i:])
			expected[i] = stringSlot{value: v}
			status.incInsert()

		case stringSetOp:
			if arr.Size() == 0 {
				continue
			}
			v := randStr(r.Intn(maxStressStringLength))
			i := r.Intn(arr.Size())
			if err := arr.Set(i, v); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to set %q at %d: %s", v, i, err)
				return
			}
			expected[i] = stringSlot{value: v}
			status.incSet()

		case stringSetNullOp:
			if arr.Size() == 0 {
				continue
			}
			i := r.Intn(arr.Size())
			if err := arr.SetNull(i); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to set null at %d: %s", i, err)
				return
			}
			expected[i] = stringSlot{null: true}
			status.incNull(false)

		case stringEraseOp:
			if arr.Size() == 0 {
				continue
			}
			i := r.Intn(arr.Size())

			got, null, err := arr.Get(i)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to get element at %d before erase: %s", i, err)
				return
			}
			if null != expected[i].null || (!null && got != expected[i].value) {
				fmt.Fprintf(os.Stderr, "Element at %d is %q (null=%t), expected %q (null=%t)",
					i, got, null, expected[i].value, expected[i].null)
				return
			}

			if err := arr.Erase(i); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to erase element at %d: %s", i, err)
				return
			}
			expected = append(expected[:i], expected[i+1:]...)
			status.incErase()
		}

		opCount++

		if opCount%verifyInterval == 0 {
			if err := verifyStringsAgainst(alloc, arr, expected); err != nil {
				fmt.Fprintf(os.Stderr, "%s", err)
				return
			}
			status.incVerify()
		}

		if opCount%snapshotInterval == 0 && arr.Size() > 0 {
			compression := compressions[int(status.snapshots)%len(compressions)]

			var buf bytes.Buffer
			if _, err := ptree.WriteSnapshot(&buf, alloc, arr.Ref(), compression); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to write %s snapshot: %s", compression, err)
				return
			}

			newAlloc, root, err := ptree.ReadSnapshot(buf.Bytes())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to read %s snapshot back: %s", compression, err)
				return
			}

			alloc = newAlloc
			arr = ptree.NewStringArray(alloc)
			if err := arr.InitFromRef(root); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to attach string array to snapshot root: %s", err)
				return
			}

			if err := verifyStringsAgainst(alloc, arr, expected); err != nil {
				fmt.Fprintf(os.Stderr, "Snapshot round trip lost data: %s", err)
				return
			}

			status.incSnapshot()
			runtime.GC()
		}
	}
}

func verifyStringsAgainst(alloc ptree.Allocator, arr *ptree.StringArray, expected []stringSlot) error {
	if arr.Size() != len(expected) {
		return fmt.Errorf("string array has %d elements, expected %d", arr.Size(), len(expected))
	}

	if err := ptree.VerifyBlobArray(alloc, arr.Ref()); err != nil {
		return fmt.Errorf("string array failed verification: %w", err)
	}

	for i, want := range expected {
		got, null, err := arr.Get(i)
		if err != nil {
			return fmt.Errorf("failed to get element at %d: %w", i, err)
		}
		if null != want.null || (!null && got != want.value) {
			return fmt.Errorf("element at %d is %q (null=%t), expected %q (null=%t)",
				i, got, null, want.value, want.null)
		}
	}
	return nil
}
