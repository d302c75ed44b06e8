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

// ArrayStats summarizes the block graph under one root.
type ArrayStats struct {
	Levels       uint64
	ElementCount uint64
	InnerCount   uint64
	LeafCount    uint64
	OffsetsCount uint64
	BlockBytes   uint64
}

// BlockCount returns the total number of blocks in the graph.
func (s *ArrayStats) BlockCount() uint64 {
	return s.InnerCount + s.LeafCount + s.OffsetsCount
}

// GetArrayStats walks the block graph level by level and counts
// blocks, elements and bytes.
func GetArrayStats(alloc Allocator, ref Ref) (ArrayStats, error) {
	stats := ArrayStats{}

	rootBlock, err := alloc.Translate(ref)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by Allocator interface.
		return ArrayStats{}, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve root ref")
	}
	if err := validateHeader(rootBlock); err != nil {
		// Don't need to wrap error as external error because err is already categorized by validateHeader().
		return ArrayStats{}, err
	}
	if isInnerFromHeader(rootBlock) {
		stats.ElementCount = uint64(GetBPTreeSize(rootBlock))
	} else {
		stats.ElementCount = uint64(sizeFromHeader(rootBlock))
	}

	nextLevelRefs := []Ref{ref}
	for len(nextLevelRefs) > 0 {

		refs := nextLevelRefs
		nextLevelRefs = nil
		stats.Levels++

		for _, r := range refs {
			block, err := alloc.Translate(r)
			if err != nil {
				// Wrap err as external error (if needed) because err is returned by Allocator interface.
				return ArrayStats{}, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve block ref")
			}
			if err := validateHeader(block); err != nil {
				// Don't need to wrap error as external error because err is already categorized by validateHeader().
				return ArrayStats{}, err
			}
			stats.BlockBytes += uint64(capacityFromHeader(block))
			size := sizeFromHeader(block)

			if isInnerFromHeader(block) {
				stats.InnerCount++

				if first := RefOrTagged(uint64(getDirect(block, 0))); first.IsRef() {
					offBlock, err := alloc.Translate(first.Ref())
					if err != nil {
						// Wrap err as external error (if needed) because err is returned by Allocator interface.
						return ArrayStats{}, wrapErrorfAsExternalErrorIfNeeded(err, "failed to resolve offsets ref")
					}
					stats.OffsetsCount++
					stats.BlockBytes += uint64(capacityFromHeader(offBlock))
				}
				for i := 1; i < size-1; i++ {
					rt := RefOrTagged(uint64(getDirect(block, i)))
					if rt.IsRef() {
						nextLevelRefs = append(nextLevelRefs, rt.Ref())
					}
				}
				continue
			}

			stats.LeafCount++
			if hasRefsFromHeader(block) {
				for i := 0; i < size; i++ {
					rt := RefOrTagged(uint64(getDirect(block, i)))
					if rt.IsRef() {
						nextLevelRefs = append(nextLevelRefs, rt.Ref())
					}
				}
			}
		}
	}

	return stats, nil
}
