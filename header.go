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

// Every block starts with a fixed 8-byte header. The layout is a wire
// format shared with other processes reading the same blocks, so byte
// offsets and bit positions are not negotiable:
//
//	+-----------------------+----------+-------------+-----------------------+
//	| capacity (3 bytes BE) | reserved | flags       | size (3 bytes BE)     |
//	+-----------------------+----------+-------------+-----------------------+
//	| byte 0..2             | byte 3   | byte 4      | byte 5..7             |
//
// Flags byte:
//
//	+-----------+----------+---------+------------+-----------+
//	| is inner  | has refs | context | width type | width ndx |
//	+-----------+----------+---------+------------+-----------+
//	| bit 7     | bit 6    | bit 5   | bits 4..3  | bits 2..0 |
//
// Capacity counts bytes and includes the header itself; size counts
// elements. The stored width index expands as width = (1 << ndx) >> 1,
// covering the set {0,1,2,4,8,16,32,64}.

// WidthType selects how the size field maps to data bytes.
type WidthType uint8

const (
	// wtypeBits packs size elements of width bits each.
	wtypeBits WidthType = 0
	// wtypeMultiply stores size elements of width bytes each.
	wtypeMultiply WidthType = 1
	// wtypeIgnore stores size raw bytes; width is meaningless.
	wtypeIgnore WidthType = 2
)

const (
	headerSize = 8

	// maxHeaderField bounds both the capacity and size fields.
	maxHeaderField = 1<<24 - 1

	maskIsInner   byte = 0b1000_0000
	maskHasRefs   byte = 0b0100_0000
	maskContext   byte = 0b0010_0000
	maskWidthType byte = 0b0001_1000
	maskWidthNdx  byte = 0b0000_0111

	widthTypeShift = 3
)

// widthNdxForWidth is the inverse of width = (1 << ndx) >> 1.
func widthNdxForWidth(width uint8) byte {
	switch width {
	case 0:
		return 0
	case 1:
		return 1
	case 2:
		return 2
	case 4:
		return 3
	case 8:
		return 4
	case 16:
		return 5
	case 32:
		return 6
	case 64:
		return 7
	default:
		panic(NewInvalidHeaderErrorf("unknown width %d", width))
	}
}

func widthFromHeader(b []byte) uint8 {
	return uint8(1<<(b[4]&maskWidthNdx)) >> 1
}

func setWidthInHeader(b []byte, width uint8) {
	b[4] = (b[4] &^ maskWidthNdx) | widthNdxForWidth(width)
}

func widthTypeFromHeader(b []byte) WidthType {
	return WidthType((b[4] & maskWidthType) >> widthTypeShift)
}

func setWidthTypeInHeader(b []byte, wtype WidthType) {
	b[4] = (b[4] &^ maskWidthType) | (byte(wtype) << widthTypeShift)
}

func isInnerFromHeader(b []byte) bool {
	return b[4]&maskIsInner != 0
}

func setIsInnerInHeader(b []byte, isInner bool) {
	if isInner {
		b[4] |= maskIsInner
	} else {
		b[4] &^= maskIsInner
	}
}

func hasRefsFromHeader(b []byte) bool {
	return b[4]&maskHasRefs != 0
}

func setHasRefsInHeader(b []byte, hasRefs bool) {
	if hasRefs {
		b[4] |= maskHasRefs
	} else {
		b[4] &^= maskHasRefs
	}
}

func contextFromHeader(b []byte) bool {
	return b[4]&maskContext != 0
}

func setContextInHeader(b []byte, context bool) {
	if context {
		b[4] |= maskContext
	} else {
		b[4] &^= maskContext
	}
}

func capacityFromHeader(b []byte) int {
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

func setCapacityInHeader(b []byte, capacity int) error {
	if capacity < 0 || capacity > maxHeaderField {
		return NewSizeOverflowError(uint64(capacity), maxHeaderField)
	}
	b[0] = byte(capacity >> 16)
	b[1] = byte(capacity >> 8)
	b[2] = byte(capacity)
	return nil
}

func sizeFromHeader(b []byte) int {
	return int(b[5])<<16 | int(b[6])<<8 | int(b[7])
}

func setSizeInHeader(b []byte, size int) error {
	if size < 0 || size > maxHeaderField {
		return NewSizeOverflowError(uint64(size), maxHeaderField)
	}
	b[5] = byte(size >> 16)
	b[6] = byte(size >> 8)
	b[7] = byte(size)
	return nil
}

// initHeader zero-fills all 8 header bytes before setting fields, so
// unused bits are deterministic and headers compare byte-identical
// across processes.
func initHeader(
	b []byte,
	isInner bool,
	hasRefs bool,
	context bool,
	wtype WidthType,
	width uint8,
	size int,
	capacity int,
) error {
	for i := 0; i < headerSize; i++ {
		b[i] = 0
	}
	setIsInnerInHeader(b, isInner)
	setHasRefsInHeader(b, hasRefs)
	setContextInHeader(b, context)
	setWidthTypeInHeader(b, wtype)
	setWidthInHeader(b, width)
	if err := setSizeInHeader(b, size); err != nil {
		return err
	}
	return setCapacityInHeader(b, capacity)
}

// dataByteSize returns the bytes needed by size elements before
// alignment. The three rules must match the persisted format exactly
// because they drive allocation sizing.
func dataByteSize(wtype WidthType, size int, width uint8) int {
	switch wtype {
	case wtypeBits:
		return (size*int(width) + 7) >> 3
	case wtypeMultiply:
		return size * int(width)
	case wtypeIgnore:
		return size
	default:
		panic(NewInvalidHeaderErrorf("unknown width type %d", wtype))
	}
}

// blockByteSize returns dataByteSize rounded up to a multiple of 8,
// plus the header.
func blockByteSize(wtype WidthType, size int, width uint8) int {
	n := dataByteSize(wtype, size, width)
	n = (n + 7) &^ 7
	return headerSize + n
}

// validateHeader rejects blocks whose header cannot describe the block
// it sits in.
func validateHeader(block []byte) error {
	if len(block) < headerSize {
		return NewInvalidHeaderErrorf("block of %d bytes is smaller than the header", len(block))
	}
	if b := block[3]; b != 0 {
		return NewInvalidHeaderErrorf("reserved byte is %#x", b)
	}
	wtype := widthTypeFromHeader(block)
	if wtype > wtypeIgnore {
		return NewInvalidHeaderErrorf("unknown width type %d", wtype)
	}
	size := sizeFromHeader(block)
	width := widthFromHeader(block)
	capacity := capacityFromHeader(block)
	if capacity > len(block) {
		return NewInvalidHeaderErrorf("capacity %d exceeds block of %d bytes", capacity, len(block))
	}
	if need := headerSize + dataByteSize(wtype, size, width); capacity < need {
		return NewInvalidHeaderErrorf("capacity %d cannot hold %d data bytes", capacity, need)
	}
	return nil
}
