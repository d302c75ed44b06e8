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

	"github.com/fxamacker/cbor/v2" // imports as cbor
	"github.com/zeebo/blake3"
)

// Place a limit on the number of manifest entries to improve security.
const maxManifestBlocks = 2147483647

var (

	// encOptions specifies how CBOR should be encoded.
	encOptions = cbor.EncOptions{
		IndefLength: cbor.IndefLengthForbidden,
		Sort:        cbor.SortCoreDeterministic,
		TagsMd:      cbor.TagsForbidden,
	}

	// decOptions specifies how CBOR should be decoded.
	decOptions = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		IndefLength:       cbor.IndefLengthForbidden,
		MaxArrayElements:  maxManifestBlocks,
		TagsMd:            cbor.TagsForbidden,
	}

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = encOptions.EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = decOptions.DecMode(); err != nil {
		panic(err)
	}
}

// Marshal encodes src into a deterministic CBOR-encoded byte slice.
func Marshal(src interface{}) ([]byte, error) {
	return encMode.Marshal(src)
}

// Unmarshal decodes CBOR in data into dst.
// Providing empty data is a no-op without error.
func Unmarshal(data []byte, dst interface{}) error {
	if data == nil {
		return nil
	}

	return decMode.Unmarshal(data, dst)
}

// Encoder writes the pieces of a snapshot file to an io.Writer while
// folding every byte into a running BLAKE3 digest, so the trailing
// stream digest never needs a second pass over the data.
type Encoder struct {
	w       io.Writer
	digest  *blake3.Hasher
	offset  int64
	scratch [64]byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:      w,
		digest: newStreamDigest(),
	}
}

// Offset returns the number of bytes written through the encoder.
func (e *Encoder) Offset() int64 {
	return e.offset
}

func (e *Encoder) Write(p []byte) (int, error) {
	// blake3.Hasher.Write cannot fail.
	_, _ = e.digest.Write(p)

	n, err := e.w.Write(p)
	e.offset += int64(n)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by io.Writer interface.
		return n, wrapErrorfAsExternalErrorIfNeeded(err, "failed to write snapshot bytes")
	}
	return n, nil
}

func (e *Encoder) writeUint32(v uint32) error {
	binary.LittleEndian.PutUint32(e.scratch[:4], v)
	_, err := e.Write(e.scratch[:4])
	// Don't need to wrap error as external error because err is already categorized by Encoder.Write().
	return err
}

// finish writes the stream digest itself, which is the only part of a
// snapshot file not covered by the digest, and returns the total byte
// count of the file.
func (e *Encoder) finish() (int64, error) {
	sum := e.digest.Sum(e.scratch[:0])
	n, err := e.w.Write(sum[:snapshotDigestSize])
	e.offset += int64(n)
	if err != nil {
		// Wrap err as external error (if needed) because err is returned by io.Writer interface.
		return e.offset, wrapErrorfAsExternalErrorIfNeeded(err, "failed to write snapshot digest")
	}
	return e.offset, nil
}
