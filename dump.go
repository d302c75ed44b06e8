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
	"strings"
)

// PrintArray prints the block graph under ref to stdout.
func PrintArray(alloc Allocator, ref Ref) {
	dumps, err := DumpArrayBlocks(alloc, ref)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(strings.Join(dumps, "\n"))
}

// DumpArrayBlocks renders one line per block, level by level from the
// root down.
func DumpArrayBlocks(alloc Allocator, ref Ref) ([]string, error) {
	var dumps []string

	nextLevelRefs := []Ref{ref}
	level := 0
	for len(nextLevelRefs) > 0 {

		refs := nextLevelRefs
		nextLevelRefs = nil

		for _, r := range refs {
			block, err := alloc.Translate(r)
			if err != nil {
				// Wrap err as external error (if needed) because err is returned by Allocator interface.
				return nil, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve block ref")
			}
			if err := validateHeader(block); err != nil {
				// Don't need to wrap error as external error because err is already categorized by validateHeader().
				return nil, err
			}

			line, children := formatBlock(r, block)
			dumps = append(dumps, fmt.Sprintf("level %d, %s", level+1, line))
			nextLevelRefs = append(nextLevelRefs, children...)
		}
		level++
	}

	return dumps, nil
}

// formatBlock renders one block and returns the refs it owns.
func formatBlock(ref Ref, block []byte) (string, []Ref) {
	size := sizeFromHeader(block)
	width := widthFromHeader(block)

	var sb strings.Builder
	var children []Ref

	switch {
	case isInnerFromHeader(block):
		first := RefOrTagged(uint64(getDirect(block, 0)))
		total := RefOrTagged(uint64(getDirect(block, size-1)))
		fmt.Fprintf(&sb, "inner 0x%x children:%d total:%d", uint64(ref), size-2, total.Tagged())
		if first.IsTagged() {
			fmt.Fprintf(&sb, " form:compact(%d)", first.Tagged())
		} else {
			fmt.Fprintf(&sb, " form:general(0x%x)", uint64(first))
			children = append(children, first.Ref())
		}
		sb.WriteString(" [")
		for i := 1; i < size-1; i++ {
			if i > 1 {
				sb.WriteByte(' ')
			}
			rt := RefOrTagged(uint64(getDirect(block, i)))
			fmt.Fprintf(&sb, "0x%x", uint64(rt))
			if rt.IsRef() {
				children = append(children, rt.Ref())
			}
		}
		sb.WriteString("]")

	case hasRefsFromHeader(block):
		fmt.Fprintf(&sb, "refs-leaf 0x%x size:%d [", uint64(ref), size)
		for i := 0; i < size; i++ {
			if i > 0 {
				sb.WriteByte(' ')
			}
			rt := RefOrTagged(uint64(getDirect(block, i)))
			if rt.IsTagged() {
				fmt.Fprintf(&sb, "tagged:%d", rt.Tagged())
			} else {
				fmt.Fprintf(&sb, "0x%x", uint64(rt))
				if rt.IsRef() {
					children = append(children, rt.Ref())
				}
			}
		}
		sb.WriteString("]")

	case widthTypeFromHeader(block) == wtypeIgnore:
		fmt.Fprintf(&sb, "bytes 0x%x size:%d [", uint64(ref), size)
		preview := size
		if preview > 32 {
			preview = 32
		}
		for i := 0; i < preview; i++ {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%02x", block[headerSize+i])
		}
		if preview < size {
			sb.WriteString(" ...")
		}
		sb.WriteString("]")

	case widthTypeFromHeader(block) == wtypeMultiply:
		fmt.Fprintf(&sb, "cells 0x%x size:%d width:%dB [", uint64(ref), size, width)
		get := multiplyGetters[widthNdxForWidth(width)]
		for i := 0; i < size; i++ {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "0x%x", uint64(get(block[headerSize:], i)))
		}
		sb.WriteString("]")

	default:
		fmt.Fprintf(&sb, "leaf 0x%x size:%d width:%d [", uint64(ref), size, width)
		for i := 0; i < size; i++ {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%d", getDirect(block, i))
		}
		sb.WriteString("]")
	}

	return sb.String(), children
}
