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

// Command smoke builds one of every array kind, snapshots the lot under
// a shared directory block, and reads everything back through both the
// in-memory and the memory-mapped snapshot readers. It exits non-zero
// on the first discrepancy, so it can gate releases from CI.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/packbits/ptree"
)

const (
	smokeTreeSize   = 100_000
	smokeArraySize  = 10_000
	smokeStringSize = 2_000
	smokeMutations  = 5_000
)

// Directory block slots. The directory is a has-refs array holding the
// root of every structure the smoke test builds, so one snapshot
// captures them all.
const (
	dirSlotTree = iota
	dirSlotInts
	dirSlotFloats64
	dirSlotFloats32
	dirSlotStrings
	dirSlotBlob
	dirSlotGeneration // tagged, not a ref
	dirSize
)

func main() {
	var seed int64
	var keep bool

	flag.Int64Var(&seed, "seed", 1, "seed for the deterministic prng")
	flag.BoolVar(&keep, "keep", false, "keep the snapshot files instead of deleting them")
	flag.Parse()

	r := rand.New(rand.NewSource(seed))

	alloc := ptree.NewSlabAllocator()

	fmt.Printf("building B+-tree with %d elements\n", smokeTreeSize)
	tree, treeExpected, err := buildTree(alloc, r)
	if err != nil {
		fail("build tree: %s", err)
	}

	fmt.Printf("building int array with %d elements\n", smokeArraySize)
	ints, intsExpected, err := buildInts(alloc, r)
	if err != nil {
		fail("build ints: %s", err)
	}

	fmt.Printf("building float arrays\n")
	floats64, floats32, err := buildFloats(alloc, r)
	if err != nil {
		fail("build floats: %s", err)
	}

	fmt.Printf("building string array with %d elements\n", smokeStringSize)
	strs, strsExpected, err := buildStrings(alloc, r)
	if err != nil {
		fail("build strings: %s", err)
	}

	fmt.Printf("building blob\n")
	blob, blobExpected, err := buildBlob(alloc, r)
	if err != nil {
		fail("build blob: %s", err)
	}

	fmt.Printf("scanning int array\n")
	if err := scanInts(ints, intsExpected); err != nil {
		fail("scan ints: %s", err)
	}

	dir := ptree.NewArray(alloc)
	if err := dir.Create(ptree.KindHasRefs, false, 0, 0); err != nil {
		fail("create directory: %s", err)
	}
	refs := []ptree.Ref{tree.Ref(), ints.Ref(), floats64.Ref(), floats32.Ref(), strs.Ref(), blob.Ref()}
	for _, ref := range refs {
		if err := dir.Add(int64(uint64(ref))); err != nil {
			fail("fill directory: %s", err)
		}
	}
	if err := dir.Add(1 | (42 << 1)); err != nil { // tagged generation counter
		fail("fill directory: %s", err)
	}
	tree.SetParent(dir, dirSlotTree)
	ints.SetParent(dir, dirSlotInts)
	floats64.SetParent(dir, dirSlotFloats64)
	floats32.SetParent(dir, dirSlotFloats32)
	strs.SetParent(dir, dirSlotStrings)
	blob.SetParent(dir, dirSlotBlob)

	if err := ptree.VerifyArray(alloc, dir.Ref()); err != nil {
		fail("verify directory graph: %s", err)
	}

	stats, err := ptree.GetArrayStats(alloc, tree.Ref())
	if err != nil {
		fail("tree stats: %s", err)
	}
	fmt.Printf("tree: %d levels, %d inner, %d leaves, %d offsets blocks, %d block bytes\n",
		stats.Levels, stats.InnerCount, stats.LeafCount, stats.OffsetsCount, stats.BlockBytes)

	dirPath, err := os.MkdirTemp("", "ptree-smoke-*")
	if err != nil {
		fail("mkdir temp: %s", err)
	}
	if !keep {
		defer os.RemoveAll(dirPath)
	} else {
		fmt.Printf("keeping snapshots under %s\n", dirPath)
	}

	plainPath := filepath.Join(dirPath, "smoke.ptree")

	fmt.Printf("writing uncompressed snapshot\n")
	f, err := os.Create(plainPath)
	if err != nil {
		fail("create snapshot file: %s", err)
	}
	n, err := ptree.WriteSnapshot(f, alloc, dir.Ref(), ptree.CompressionNone)
	if err != nil {
		fail("write snapshot: %s", err)
	}
	if err := f.Close(); err != nil {
		fail("close snapshot file: %s", err)
	}
	fmt.Printf("wrote %d bytes\n", n)

	fmt.Printf("opening snapshot through FileAllocator\n")
	fa, err := ptree.OpenFileAllocator(plainPath)
	if err != nil {
		fail("open file allocator: %s", err)
	}
	if err := fa.Advise(ptree.AccessPatternSequential); err != nil {
		fail("advise: %s", err)
	}
	if err := verifyLoaded(fa, fa.Root(), treeExpected, intsExpected, strsExpected, blobExpected); err != nil {
		fail("verify mapped snapshot: %s", err)
	}
	if err := fa.Close(); err != nil {
		fail("close file allocator: %s", err)
	}

	for _, compression := range []ptree.CompressionType{ptree.CompressionLZ4, ptree.CompressionZSTD} {
		fmt.Printf("round-tripping %s snapshot in memory\n", compression)

		var buf bytes.Buffer
		if _, err := ptree.WriteSnapshot(&buf, alloc, dir.Ref(), compression); err != nil {
			fail("write %s snapshot: %s", compression, err)
		}
		loadedAlloc, root, err := ptree.ReadSnapshot(buf.Bytes())
		if err != nil {
			fail("read %s snapshot: %s", compression, err)
		}
		if err := verifyLoaded(loadedAlloc, root, treeExpected, intsExpected, strsExpected, blobExpected); err != nil {
			fail("verify %s snapshot: %s", compression, err)
		}

		// Mutating a loaded tree must copy on write, never touch the
		// snapshot blocks.
		if err := mutateLoaded(loadedAlloc, root, r); err != nil {
			fail("mutate %s snapshot: %s", compression, err)
		}
	}

	fmt.Printf("PASS\n")
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func buildTree(alloc ptree.Allocator, r *rand.Rand) (*ptree.BPTree, []int64, error) {
	tree := ptree.NewBPTree(alloc)
	if err := tree.Create(); err != nil {
		return nil, nil, err
	}

	expected := make([]int64, 0, smokeTreeSize)
	for i := 0; i < smokeTreeSize; i++ {
		v := r.Int63() - r.Int63()
		if err := tree.Append(v); err != nil {
			return nil, nil, err
		}
		expected = append(expected, v)
	}

	for i := 0; i < smokeMutations; i++ {
		switch r.Intn(3) {
		case 0:
			v := int64(r.Intn(1000))
			ndx := r.Intn(len(expected) + 1)
			if err := tree.Insert(ndx, v); err != nil {
				return nil, nil, err
			}
			expected = append(expected, 0)
			copy(expected[ndx+1:], expected[ndx:])
			expected[ndx] = v
		case 1:
			v := -r.Int63()
			ndx := r.Intn(len(expected))
			if err := tree.Set(ndx, v); err != nil {
				return nil, nil, err
			}
			expected[ndx] = v
		case 2:
			ndx := r.Intn(len(expected))
			if err := tree.Erase(ndx); err != nil {
				return nil, nil, err
			}
			expected = append(expected[:ndx], expected[ndx+1:]...)
		}
	}

	if err := ptree.VerifyBPTree(alloc, tree.Ref()); err != nil {
		return nil, nil, err
	}
	return tree, expected, nil
}

func buildInts(alloc ptree.Allocator, r *rand.Rand) (*ptree.Array, []int64, error) {
	arr := ptree.NewArray(alloc)
	if err := arr.Create(ptree.KindNormal, false, 0, 0); err != nil {
		return nil, nil, err
	}

	expected := make([]int64, 0, smokeArraySize)
	for i := 0; i < smokeArraySize; i++ {
		v := int64(int16(r.Uint64()))
		if err := arr.Add(v); err != nil {
			return nil, nil, err
		}
		expected = append(expected, v)
	}
	return arr, expected, nil
}

func scanInts(arr *ptree.Array, expected []int64) error {
	target := expected[len(expected)/2]

	wantFirst := -1
	wantCount := 0
	for i, v := range expected {
		if v == target {
			if wantFirst < 0 {
				wantFirst = i
			}
			wantCount++
		}
	}

	ndx, found, err := arr.FindFirst(target, 0, arr.Size())
	if err != nil {
		return err
	}
	if !found || ndx != wantFirst {
		return fmt.Errorf("FindFirst(%d) = (%d, %t), expected (%d, true)", target, ndx, found, wantFirst)
	}

	count, err := arr.Count(target, 0, arr.Size())
	if err != nil {
		return err
	}
	if count != wantCount {
		return fmt.Errorf("Count(%d) = %d, expected %d", target, count, wantCount)
	}

	bm := roaring.New()
	if err := arr.FindAll(bm, ptree.Greater, 0, 0, arr.Size()); err != nil {
		return err
	}
	wantPositive := uint64(0)
	for _, v := range expected {
		if v > 0 {
			wantPositive++
		}
	}
	if bm.GetCardinality() != wantPositive {
		return fmt.Errorf("FindAll(>0) found %d elements, expected %d", bm.GetCardinality(), wantPositive)
	}

	var wantSum int64
	wantMin, wantMax := int64(math.MaxInt64), int64(math.MinInt64)
	for _, v := range expected {
		wantSum += v
		if v < wantMin {
			wantMin = v
		}
		if v > wantMax {
			wantMax = v
		}
	}
	sum, err := arr.Sum(0, arr.Size())
	if err != nil {
		return err
	}
	if sum != wantSum {
		return fmt.Errorf("Sum = %d, expected %d", sum, wantSum)
	}
	minV, _, ok, err := arr.Minimum(0, arr.Size())
	if err != nil {
		return err
	}
	if !ok || minV != wantMin {
		return fmt.Errorf("Minimum = %d, expected %d", minV, wantMin)
	}
	maxV, _, ok, err := arr.Maximum(0, arr.Size())
	if err != nil {
		return err
	}
	if !ok || maxV != wantMax {
		return fmt.Errorf("Maximum = %d, expected %d", maxV, wantMax)
	}
	return nil
}

func buildFloats(alloc ptree.Allocator, r *rand.Rand) (*ptree.Float64Array, *ptree.Float32Array, error) {
	f64 := ptree.NewFloat64Array(alloc)
	if err := f64.Create(true, 0, 0); err != nil {
		return nil, nil, err
	}
	f32 := ptree.NewFloat32Array(alloc)
	if err := f32.Create(true, 0, 0); err != nil {
		return nil, nil, err
	}

	for i := 0; i < smokeArraySize; i++ {
		if i%97 == 0 {
			if err := f64.AddNull(); err != nil {
				return nil, nil, err
			}
			if err := f32.AddNull(); err != nil {
				return nil, nil, err
			}
			continue
		}
		v := r.NormFloat64()
		if err := f64.Add(v); err != nil {
			return nil, nil, err
		}
		if err := f32.Add(float32(v)); err != nil {
			return nil, nil, err
		}
	}
	return f64, f32, nil
}

func buildStrings(alloc ptree.Allocator, r *rand.Rand) (*ptree.StringArray, []string, error) {
	arr := ptree.NewStringArray(alloc)
	if err := arr.Create(false); err != nil {
		return nil, nil, err
	}

	letters := []rune("abcdefghijklmnopqrstuvwxyz")
	expected := make([]string, 0, smokeStringSize)
	for i := 0; i < smokeStringSize; i++ {
		runes := make([]rune, r.Intn(64))
		for j := range runes {
			runes[j] = letters[r.Intn(len(letters))]
		}
		s := string(runes)
		if err := arr.Add(s); err != nil {
			return nil, nil, err
		}
		expected = append(expected, s)
	}

	if err := ptree.VerifyBlobArray(alloc, arr.Ref()); err != nil {
		return nil, nil, err
	}
	return arr, expected, nil
}

func buildBlob(alloc ptree.Allocator, r *rand.Rand) (*ptree.Blob, []byte, error) {
	payload := make([]byte, 64*1024)
	r.Read(payload)

	blob := ptree.NewBlob(alloc)
	if err := blob.Create(false, payload); err != nil {
		return nil, nil, err
	}
	return blob, payload, nil
}

func verifyLoaded(
	alloc ptree.Allocator,
	root ptree.Ref,
	treeExpected []int64,
	intsExpected []int64,
	strsExpected []string,
	blobExpected []byte,
) error {

	dir := ptree.NewArray(alloc)
	if err := dir.InitFromRef(root); err != nil {
		return err
	}
	if dir.Size() != dirSize {
		return fmt.Errorf("directory has %d slots, expected %d", dir.Size(), dirSize)
	}

	generation, err := dir.RefOrTaggedGet(dirSlotGeneration)
	if err != nil {
		return err
	}
	if !generation.IsTagged() || generation.Tagged() != 42 {
		return fmt.Errorf("directory generation slot is 0x%x, expected tagged 42", uint64(generation))
	}

	treeRef, err := dir.GetChildRef(dirSlotTree)
	if err != nil {
		return err
	}
	tree := ptree.NewBPTree(alloc)
	if err := tree.InitFromRef(treeRef); err != nil {
		return err
	}
	if err := ptree.VerifyBPTree(alloc, treeRef); err != nil {
		return err
	}
	if tree.Size() != len(treeExpected) {
		return fmt.Errorf("tree has %d elements, expected %d", tree.Size(), len(treeExpected))
	}
	var mismatch error
	err = tree.ForEach(func(ndx int, v int64) bool {
		if v != treeExpected[ndx] {
			mismatch = fmt.Errorf("tree element at %d is %d, expected %d", ndx, v, treeExpected[ndx])
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if mismatch != nil {
		return mismatch
	}

	intsRef, err := dir.GetChildRef(dirSlotInts)
	if err != nil {
		return err
	}
	ints := ptree.NewArray(alloc)
	if err := ints.InitFromRef(intsRef); err != nil {
		return err
	}
	if err := scanInts(ints, intsExpected); err != nil {
		return err
	}

	strsRef, err := dir.GetChildRef(dirSlotStrings)
	if err != nil {
		return err
	}
	strs := ptree.NewStringArray(alloc)
	if err := strs.InitFromRef(strsRef); err != nil {
		return err
	}
	if strs.Size() != len(strsExpected) {
		return fmt.Errorf("string array has %d elements, expected %d", strs.Size(), len(strsExpected))
	}
	for i, want := range strsExpected {
		got, null, err := strs.Get(i)
		if err != nil {
			return err
		}
		if null || got != want {
			return fmt.Errorf("string at %d is %q (null=%t), expected %q", i, got, null, want)
		}
	}

	floatsRef, err := dir.GetChildRef(dirSlotFloats64)
	if err != nil {
		return err
	}
	floats := ptree.NewFloat64Array(alloc)
	if err := floats.InitFromRef(floatsRef); err != nil {
		return err
	}
	if floats.Size() != smokeArraySize {
		return fmt.Errorf("float array has %d elements, expected %d", floats.Size(), smokeArraySize)
	}
	for i := 0; i < floats.Size(); i++ {
		null, err := floats.IsNull(i)
		if err != nil {
			return err
		}
		if null != (i%97 == 0) {
			return fmt.Errorf("float at %d has null=%t, expected %t", i, null, i%97 == 0)
		}
	}

	blobRef, err := dir.GetChildRef(dirSlotBlob)
	if err != nil {
		return err
	}
	blob := ptree.NewBlob(alloc)
	if err := blob.InitFromRef(blobRef); err != nil {
		return err
	}
	got, err := blob.Get(0, blob.Size())
	if err != nil {
		return err
	}
	if !bytes.Equal(got, blobExpected) {
		return fmt.Errorf("blob content diverged after %d matching bytes", commonPrefix(got, blobExpected))
	}

	return nil
}

// mutateLoaded writes through the copy-on-write path of a snapshot
// loaded into a SlabAllocator and checks the writes stick.
func mutateLoaded(alloc *ptree.SlabAllocator, root ptree.Ref, r *rand.Rand) error {
	dir := ptree.NewArray(alloc)
	if err := dir.InitFromRef(root); err != nil {
		return err
	}
	treeRef, err := dir.GetChildRef(dirSlotTree)
	if err != nil {
		return err
	}
	tree := ptree.NewBPTree(alloc)
	if err := tree.InitFromRef(treeRef); err != nil {
		return err
	}
	tree.SetParent(dir, dirSlotTree)

	before := tree.Size()
	for i := 0; i < 100; i++ {
		if err := tree.Insert(r.Intn(tree.Size()+1), int64(i)); err != nil {
			return err
		}
	}
	if tree.Size() != before+100 {
		return fmt.Errorf("loaded tree has %d elements after inserts, expected %d", tree.Size(), before+100)
	}
	return ptree.VerifyBPTree(alloc, tree.Ref())
}

func commonPrefix(a, b []byte) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
