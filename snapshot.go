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
	"encoding/binary"
	"io"
	"math"
	"runtime"
	"sync"
)

// Snapshot file layout:
//
//	+------------------------------+
//	| preamble (8 bytes)           |  magic "PTRE", version u16 LE,
//	|                              |  compression u8, reserved u8
//	+------------------------------+
//	| block section                |  blocks in child-before-parent
//	|                              |  order, refs rewritten to file
//	|                              |  offsets, optionally compressed
//	+------------------------------+
//	| manifest (CBOR)              |  root ref, block table, checksums
//	+------------------------------+
//	| manifest length (u32 LE)     |
//	+------------------------------+
//	| stream digest (32 bytes)     |  BLAKE3 of everything above
//	+------------------------------+
//
// The preamble is 8 bytes so the first block lands at file offset 8,
// which is a valid ref. An uncompressed snapshot can therefore be
// mapped and served directly by FileAllocator, with refs doubling as
// file offsets.
const (
	snapshotMagic        = "PTRE"
	snapshotVersion      = 1
	snapshotPreambleSize = 8
)

type snapshotBlockEntry struct {
	Ref      uint64 `cbor:"0,keyasint"`
	Length   uint32 `cbor:"1,keyasint"`
	Checksum uint64 `cbor:"2,keyasint"`
}

type snapshotManifest struct {
	Version     uint16               `cbor:"0,keyasint"`
	Compression byte                 `cbor:"1,keyasint"`
	Root        uint64               `cbor:"2,keyasint"`
	SectionSize uint64               `cbor:"3,keyasint"`
	Blocks      []snapshotBlockEntry `cbor:"4,keyasint"`
}

// snapshotWriter flattens a block graph into the section layout.
// Blocks are emitted children first, so every rewritten child ref
// points at an offset that is already final when the parent is packed.
type snapshotWriter struct {
	alloc   Allocator
	section []byte
	refs    map[Ref]Ref
	entries []snapshotBlockEntry
}

func (sw *snapshotWriter) flatten(ref Ref) (Ref, error) {
	newRef, visited := sw.refs[ref]
	if visited {
		if newRef == RefNull {
			return RefNull, NewFatalErrorf("block graph contains a cycle through ref 0x%x", ref)
		}
		return newRef, nil
	}
	sw.refs[ref] = RefNull

	block, err := sw.alloc.Translate(ref)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by Allocator.Translate().
		return RefNull, err
	}
	if err := validateHeader(block); err != nil {
		// Don't need to wrap error as external error because err is already categorized by validateHeader().
		return RefNull, err
	}

	size := sizeFromHeader(block)
	width := widthFromHeader(block)
	wtype := widthTypeFromHeader(block)
	hasRefs := hasRefsFromHeader(block)

	if wtype != wtypeBits {
		if hasRefs {
			return RefNull, NewFatalErrorf(
				"block 0x%x has width type %d but carries the has-refs flag", ref, wtype)
		}
		return sw.appendVerbatim(ref, block, size, width, wtype)
	}

	// Bit-packed blocks are rebuilt at the narrowest width that still
	// holds their elements, so the same logical tree always snapshots
	// to the same bytes no matter how it was mutated into shape.
	vals := make([]int64, size)
	for i := range vals {
		v := getDirect(block, i)
		if hasRefs {
			if rt := refOrTaggedFromValue(v); rt.IsRef() {
				childRef, err := sw.flatten(rt.Ref())
				if err != nil {
					// Don't need to wrap error as external error because err is already categorized by snapshotWriter.flatten().
					return RefNull, err
				}
				v = int64(uint64(childRef))
			}
		}
		vals[i] = v
	}
	return sw.appendPacked(ref, block, vals)
}

func (sw *snapshotWriter) appendVerbatim(ref Ref, block []byte, size int, width uint8, wtype WidthType) (Ref, error) {
	byteSize := blockByteSize(wtype, size, width)
	out := make([]byte, byteSize)
	copy(out, block[:headerSize+dataByteSize(wtype, size, width)])
	if err := setCapacityInHeader(out, byteSize); err != nil {
		// Don't need to wrap error as external error because err is already categorized by setCapacityInHeader().
		return RefNull, err
	}
	return sw.append(ref, out), nil
}

func (sw *snapshotWriter) appendPacked(ref Ref, src []byte, vals []int64) (Ref, error) {
	var width uint8
	for _, v := range vals {
		if w := widthForValue(v); w > width {
			width = w
		}
	}

	byteSize := blockByteSize(wtypeBits, len(vals), width)
	out := make([]byte, byteSize)
	err := initHeader(
		out,
		isInnerFromHeader(src),
		hasRefsFromHeader(src),
		contextFromHeader(src),
		wtypeBits,
		width,
		len(vals),
		byteSize,
	)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by initHeader().
		return RefNull, err
	}

	set := setters[widthNdxForWidth(width)]
	data := out[headerSize:]
	for i, v := range vals {
		set(data, i, v)
	}
	return sw.append(ref, out), nil
}

func (sw *snapshotWriter) append(ref Ref, out []byte) Ref {
	newRef := Ref(snapshotPreambleSize + len(sw.section))
	sw.section = append(sw.section, out...)
	sw.refs[ref] = newRef
	sw.entries = append(sw.entries, snapshotBlockEntry{
		Ref:    uint64(newRef),
		Length: uint32(len(out)),
	})
	return newRef
}

// forEachBlockEntry runs fn for every manifest entry, fanning out to
// one goroutine per CPU when the table is large enough to be worth it.
// Entries are disjoint, so workers never contend.
func forEachBlockEntry(entries []snapshotBlockEntry, fn func(i int) error) error {
	if len(entries) <= snapshotParallelThreshold {
		for i := range entries {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	numWorkers := runtime.NumCPU()
	if numWorkers > len(entries) {
		numWorkers = len(entries)
	}

	jobs := make(chan int, len(entries))
	for i := range entries {
		jobs <- i
	}
	close(jobs)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	wg.Add(numWorkers)
	for n := 0; n < numWorkers; n++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := fn(i); err != nil {
					errOnce.Do(func() {
						firstErr = err
					})
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func fillChecksums(section []byte, entries []snapshotBlockEntry) {
	_ = forEachBlockEntry(entries, func(i int) error {
		entry := &entries[i]
		start := int(entry.Ref) - snapshotPreambleSize
		entry.Checksum = blockChecksum(section[start:start+int(entry.Length)], Ref(entry.Ref))
		return nil
	})
}

// WriteSnapshot flattens the block graph rooted at root into the
// snapshot file format and writes it to w. It returns the total number
// of bytes written. The source blocks are not modified; refs in the
// written blocks are file offsets, so a snapshot written with
// CompressionNone can be served in place by FileAllocator.
func WriteSnapshot(w io.Writer, alloc Allocator, root Ref, compression CompressionType) (int64, error) {
	if err := root.Valid(); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Ref.Valid().
		return 0, err
	}
	if !compression.valid() {
		return 0, NewUserErrorf("unknown compression type %d", byte(compression))
	}

	sw := &snapshotWriter{
		alloc: alloc,
		refs:  make(map[Ref]Ref),
	}
	newRoot, err := sw.flatten(root)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by snapshotWriter.flatten().
		return 0, err
	}

	fillChecksums(sw.section, sw.entries)

	payload, compression, err := compressSection(sw.section, compression)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by compressSection().
		return 0, err
	}

	manifest := snapshotManifest{
		Version:     snapshotVersion,
		Compression: byte(compression),
		Root:        uint64(newRoot),
		SectionSize: uint64(len(sw.section)),
		Blocks:      sw.entries,
	}
	manifestBytes, err := Marshal(&manifest)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by cbor.EncMode.Marshal().
		return 0, wrapErrorfAsExternalErrorIfNeeded(err, "failed to encode snapshot manifest")
	}
	if uint64(len(manifestBytes)) > math.MaxUint32 {
		return 0, NewSizeOverflowError(uint64(len(manifestBytes)), math.MaxUint32)
	}

	enc := NewEncoder(w)

	copy(enc.scratch[:4], snapshotMagic)
	binary.LittleEndian.PutUint16(enc.scratch[4:6], snapshotVersion)
	enc.scratch[6] = byte(compression)
	enc.scratch[7] = 0
	if _, err := enc.Write(enc.scratch[:snapshotPreambleSize]); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Encoder.Write().
		return 0, err
	}
	if _, err := enc.Write(payload); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Encoder.Write().
		return 0, err
	}
	if _, err := enc.Write(manifestBytes); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Encoder.Write().
		return 0, err
	}
	if err := enc.writeUint32(uint32(len(manifestBytes))); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Encoder.writeUint32().
		return 0, err
	}
	return enc.finish()
}

// parseSnapshot validates a raw snapshot file image and returns its
// manifest. The stream digest always gets verified. Per-block
// checksums are verified here for uncompressed snapshots; compressed
// snapshots defer that to ReadSnapshot, which is the only reader that
// can see the inflated blocks.
func parseSnapshot(data []byte) (*snapshotManifest, error) {
	if len(data) < snapshotPreambleSize+4+snapshotDigestSize {
		return nil, NewDecodingErrorf(
			"snapshot is %d bytes, shorter than the minimum file layout", len(data))
	}
	if string(data[:4]) != snapshotMagic {
		return nil, NewDecodingErrorf("snapshot magic %q does not match %q", data[:4], snapshotMagic)
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != snapshotVersion {
		return nil, NewDecodingErrorf("unsupported snapshot version %d", version)
	}
	if data[7] != 0 {
		return nil, NewDecodingErrorf("reserved preamble byte is %d, expected 0", data[7])
	}

	body, err := verifyStreamDigest(data)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by verifyStreamDigest().
		return nil, err
	}

	manifestEnd := len(body) - 4
	manifestLen := int(binary.LittleEndian.Uint32(body[manifestEnd:]))
	manifestStart := manifestEnd - manifestLen
	if manifestLen <= 0 || manifestStart < snapshotPreambleSize {
		return nil, NewDecodingErrorf("snapshot manifest length %d is out of bounds", manifestLen)
	}

	var manifest snapshotManifest
	if err := Unmarshal(body[manifestStart:manifestEnd], &manifest); err != nil {
		// Wrap err as external error (if needed) because err is returned by cbor.DecMode.Unmarshal().
		return nil, wrapErrorfAsExternalErrorIfNeeded(err, "failed to decode snapshot manifest")
	}

	if manifest.Version != version {
		return nil, NewSnapshotIntegrityErrorf(
			"manifest version %d disagrees with preamble version %d", manifest.Version, version)
	}
	if manifest.Compression != data[6] {
		return nil, NewSnapshotIntegrityErrorf(
			"manifest compression %d disagrees with preamble compression %d",
			manifest.Compression, data[6])
	}
	compression := CompressionType(manifest.Compression)
	if !compression.valid() {
		return nil, NewDecodingErrorf("unknown compression type %d", manifest.Compression)
	}

	payloadLen := uint64(manifestStart - snapshotPreambleSize)
	if compression == CompressionNone {
		if payloadLen != manifest.SectionSize {
			return nil, NewSnapshotIntegrityErrorf(
				"snapshot holds %d section bytes, manifest records %d", payloadLen, manifest.SectionSize)
		}
	} else if payloadLen >= manifest.SectionSize {
		// compressSection falls back to CompressionNone rather than
		// letting a section grow, so a compressed payload is always
		// strictly smaller than the section it inflates to.
		return nil, NewSnapshotIntegrityErrorf(
			"compressed payload of %d bytes is not smaller than its %d byte section",
			payloadLen, manifest.SectionSize)
	}

	if len(manifest.Blocks) == 0 {
		return nil, NewSnapshotIntegrityErrorf("snapshot manifest has no blocks")
	}
	next := uint64(snapshotPreambleSize)
	rootFound := false
	for _, entry := range manifest.Blocks {
		if entry.Ref != next {
			return nil, NewSnapshotIntegrityErrorf(
				"snapshot block table is not dense: block 0x%x does not start at 0x%x", entry.Ref, next)
		}
		if entry.Length < headerSize || entry.Length%8 != 0 {
			return nil, NewSnapshotIntegrityErrorf(
				"block 0x%x has invalid length %d", entry.Ref, entry.Length)
		}
		next += uint64(entry.Length)
		if entry.Ref == manifest.Root {
			rootFound = true
		}
	}
	if next != snapshotPreambleSize+manifest.SectionSize {
		return nil, NewSnapshotIntegrityErrorf(
			"block table covers %d section bytes, manifest records %d",
			next-snapshotPreambleSize, manifest.SectionSize)
	}
	if !rootFound {
		return nil, NewSnapshotIntegrityErrorf("root 0x%x is missing from the block table", manifest.Root)
	}

	if compression == CompressionNone {
		err := forEachBlockEntry(manifest.Blocks, func(i int) error {
			entry := manifest.Blocks[i]
			block := data[entry.Ref : entry.Ref+uint64(entry.Length)]
			if blockChecksum(block, Ref(entry.Ref)) != entry.Checksum {
				return NewSnapshotIntegrityErrorf("checksum mismatch for block 0x%x", entry.Ref)
			}
			return nil
		})
		if err != nil {
			// Don't need to wrap error as external error because err is already categorized inside the closure.
			return nil, err
		}
	}

	return &manifest, nil
}

// ReadSnapshot loads a snapshot file image into a fresh SlabAllocator.
// Blocks keep the refs recorded in the file and are installed
// read-only, so the first mutation of a loaded tree copies on write
// instead of touching snapshot bytes. The returned ref is the root.
func ReadSnapshot(data []byte) (*SlabAllocator, Ref, error) {
	manifest, err := parseSnapshot(data)
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by parseSnapshot().
		return nil, RefNull, err
	}

	manifestEnd := len(data) - snapshotDigestSize - 4
	manifestLen := int(binary.LittleEndian.Uint32(data[manifestEnd:]))
	payload := data[snapshotPreambleSize : manifestEnd-manifestLen]

	compression := CompressionType(manifest.Compression)
	section, err := decompressSection(payload, compression, int(manifest.SectionSize))
	if err != nil {
		// Don't need to wrap error as external error because err is already categorized by decompressSection().
		return nil, RefNull, err
	}

	if compression != CompressionNone {
		err := forEachBlockEntry(manifest.Blocks, func(i int) error {
			entry := manifest.Blocks[i]
			start := int(entry.Ref) - snapshotPreambleSize
			block := section[start : start+int(entry.Length)]
			if blockChecksum(block, Ref(entry.Ref)) != entry.Checksum {
				return NewSnapshotIntegrityErrorf("checksum mismatch for block 0x%x", entry.Ref)
			}
			return nil
		})
		if err != nil {
			// Don't need to wrap error as external error because err is already categorized inside the closure.
			return nil, RefNull, err
		}
	}

	alloc := NewSlabAllocator()
	end := uint64(snapshotPreambleSize)
	for _, entry := range manifest.Blocks {
		start := int(entry.Ref) - snapshotPreambleSize
		block := make([]byte, entry.Length)
		copy(block, section[start:start+int(entry.Length)])
		if err := validateHeader(block); err != nil {
			// Don't need to wrap error as external error because err is already categorized by validateHeader().
			return nil, RefNull, err
		}
		alloc.slabs[Ref(entry.Ref)] = &slabEntry{block: block, readOnly: true}
		alloc.bytesAllocated += len(block)
		end = entry.Ref + uint64(entry.Length)
	}
	alloc.nextRef = Ref(end)

	return alloc, Ref(manifest.Root), nil
}
