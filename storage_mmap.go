//go:build !windows

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
	"os"

	"golang.org/x/sys/unix"
)

// AccessPattern hints the kernel about upcoming reads on a mapped
// snapshot.
type AccessPattern int

const (
	AccessPatternNormal AccessPattern = iota
	AccessPatternSequential
	AccessPatternRandom
	AccessPatternWillNeed
)

// FileAllocator serves blocks straight out of a memory-mapped snapshot
// file written with CompressionNone. Refs in such a snapshot are file
// offsets, so Translate is a bounds-checked slice of the mapping with
// no table lookup. Every block is read-only; mutation goes through
// copy-on-write into a writable allocator.
type FileAllocator struct {
	f      *os.File
	data   []byte
	blocks map[Ref]int
	root   Ref
}

var _ Allocator = &FileAllocator{}

// OpenFileAllocator maps the snapshot at path and verifies its stream
// digest and every per-block checksum before serving a single ref.
func OpenFileAllocator(path string) (*FileAllocator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapErrorfAsExternalErrorIfNeeded(err, "failed to open snapshot file")
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, wrapErrorfAsExternalErrorIfNeeded(err, "failed to stat snapshot file")
	}

	size := int(info.Size())
	if size == 0 {
		_ = f.Close()
		return nil, NewDecodingErrorf("snapshot file is empty")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, wrapErrorfAsExternalErrorIfNeeded(err, "failed to map snapshot file")
	}

	manifest, err := parseSnapshot(data)
	if err != nil {
		_ = unix.Munmap(data)
		_ = f.Close()
		// Don't need to wrap error as external error because err is already categorized by parseSnapshot().
		return nil, err
	}

	if manifest.Compression != byte(CompressionNone) {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, NewDecodingErrorf(
			"cannot map snapshot with compression %d; read it with ReadSnapshot instead",
			manifest.Compression)
	}

	blocks := make(map[Ref]int, len(manifest.Blocks))
	for _, entry := range manifest.Blocks {
		blocks[Ref(entry.Ref)] = int(entry.Length)
	}

	return &FileAllocator{
		f:      f,
		data:   data,
		blocks: blocks,
		root:   Ref(manifest.Root),
	}, nil
}

func (a *FileAllocator) Translate(ref Ref) ([]byte, error) {
	if err := ref.Valid(); err != nil {
		// Don't need to wrap error as external error because err is already categorized by Ref.Valid().
		return nil, err
	}
	length, ok := a.blocks[ref]
	if !ok {
		return nil, NewRefNotFoundErrorf(ref, "failed to translate mapped ref")
	}
	end := int(ref) + length
	if end > len(a.data) {
		return nil, NewInvalidHeaderErrorf("mapped block [%d, %d) exceeds file of %d bytes", ref, end, len(a.data))
	}
	return a.data[ref:end:end], nil
}

func (a *FileAllocator) Alloc(int) ([]byte, Ref, error) {
	return nil, RefNull, NewReadOnlyError("Alloc")
}

func (a *FileAllocator) Free(Ref) {}

func (a *FileAllocator) IsReadOnly(Ref) bool {
	return true
}

// Root returns the snapshot's root ref.
func (a *FileAllocator) Root() Ref {
	return a.root
}

// Count returns the number of blocks in the snapshot.
func (a *FileAllocator) Count() int {
	return len(a.blocks)
}

// Advise passes an access-pattern hint to the kernel for the whole
// mapping.
func (a *FileAllocator) Advise(pattern AccessPattern) error {
	var advice int
	switch pattern {
	case AccessPatternSequential:
		advice = unix.MADV_SEQUENTIAL
	case AccessPatternRandom:
		advice = unix.MADV_RANDOM
	case AccessPatternWillNeed:
		advice = unix.MADV_WILLNEED
	default:
		advice = unix.MADV_NORMAL
	}
	err := unix.Madvise(a.data, advice)
	return wrapErrorfAsExternalErrorIfNeeded(err, "madvise failed")
}

// Close unmaps the snapshot. Accessors attached to its refs must be
// detached first.
func (a *FileAllocator) Close() error {
	var firstErr error
	if a.data != nil {
		firstErr = unix.Munmap(a.data)
		a.data = nil
	}
	if a.f != nil {
		if err := a.f.Close(); firstErr == nil {
			firstErr = err
		}
		a.f = nil
	}
	a.blocks = nil
	return wrapErrorfAsExternalErrorIfNeeded(firstErr, "failed to close snapshot file")
}
