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
	"crypto/subtle"

	"github.com/fxamacker/circlehash"
	"github.com/zeebo/blake3"
)

// snapshotDigestSize is the byte length of the BLAKE3 stream digest at
// the tail of every snapshot file.
const snapshotDigestSize = 32

// blockChecksum fingerprints one block for the snapshot manifest. The
// block's ref seeds the hash so that two byte-identical blocks cannot
// be swapped between positions without detection.
func blockChecksum(block []byte, ref Ref) uint64 {
	return circlehash.Hash64(block, uint64(ref))
}

// newStreamDigest returns the hasher guarding every byte of a snapshot
// file before the digest itself.
func newStreamDigest() *blake3.Hasher {
	return blake3.New()
}

// verifyStreamDigest checks the trailing digest of a raw snapshot file
// and returns the bytes it covers.
func verifyStreamDigest(data []byte) ([]byte, error) {
	if len(data) < snapshotDigestSize {
		return nil, NewDecodingErrorf("snapshot is %d bytes, shorter than its digest", len(data))
	}
	body := data[:len(data)-snapshotDigestSize]
	want := data[len(data)-snapshotDigestSize:]
	got := blake3.Sum256(body)
	if subtle.ConstantTimeCompare(got[:], want) != 1 {
		return nil, NewSnapshotIntegrityErrorf("snapshot stream digest mismatch")
	}
	return body, nil
}
