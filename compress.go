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
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType selects how the block section of a snapshot file is
// compressed. It is recorded in both the preamble and the manifest, so
// a reader never has to guess.
type CompressionType byte

const (
	CompressionNone CompressionType = 0
	CompressionLZ4  CompressionType = 1
	CompressionZSTD CompressionType = 2
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

func (c CompressionType) valid() bool {
	switch c {
	case CompressionNone, CompressionLZ4, CompressionZSTD:
		return true
	default:
		return false
	}
}

// zstd's Encoder and Decoder are safe for concurrent EncodeAll and
// DecodeAll calls, so one of each is shared by all snapshots.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdInit() {
	zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if zstdErr != nil {
		return
	}
	zstdDecoder, zstdErr = zstd.NewReader(nil)
}

// compressSection compresses a snapshot block section. It returns the
// section unchanged, with CompressionNone, when the requested codec
// fails to shrink it, so incompressible data degrades to a plain
// snapshot instead of growing the file.
func compressSection(section []byte, c CompressionType) ([]byte, CompressionType, error) {
	if !c.valid() {
		return nil, 0, NewUserErrorf("unknown compression type %d", byte(c))
	}
	if c == CompressionNone || len(section) == 0 {
		return section, CompressionNone, nil
	}

	switch c {
	case CompressionLZ4:
		var compressor lz4.Compressor
		buf := make([]byte, lz4.CompressBlockBound(len(section)))
		n, err := compressor.CompressBlock(section, buf)
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by lz4.Compressor.
			return nil, 0, wrapErrorfAsExternalErrorIfNeeded(err, "failed to lz4-compress snapshot section")
		}
		if n == 0 || n >= len(section) {
			return section, CompressionNone, nil
		}
		return buf[:n], CompressionLZ4, nil

	default:
		zstdOnce.Do(zstdInit)
		if zstdErr != nil {
			// Wrap err as external error (if needed) because err is returned by zstd.NewWriter or zstd.NewReader.
			return nil, 0, wrapErrorfAsExternalErrorIfNeeded(zstdErr, "failed to initialize zstd codec")
		}
		buf := zstdEncoder.EncodeAll(section, make([]byte, 0, len(section)))
		if len(buf) >= len(section) {
			return section, CompressionNone, nil
		}
		return buf, CompressionZSTD, nil
	}
}

// decompressSection reverses compressSection. sectionSize is the
// uncompressed size recorded in the snapshot manifest; a payload that
// inflates to any other size is corrupt.
func decompressSection(payload []byte, c CompressionType, sectionSize int) ([]byte, error) {
	switch c {
	case CompressionNone:
		return payload, nil

	case CompressionLZ4:
		section := make([]byte, sectionSize)
		n, err := lz4.UncompressBlock(payload, section)
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by lz4.UncompressBlock.
			return nil, wrapErrorfAsExternalErrorIfNeeded(err, "failed to lz4-decompress snapshot section")
		}
		if n != sectionSize {
			return nil, NewSnapshotIntegrityErrorf(
				"snapshot section inflated to %d bytes, manifest records %d", n, sectionSize)
		}
		return section, nil

	case CompressionZSTD:
		zstdOnce.Do(zstdInit)
		if zstdErr != nil {
			// Wrap err as external error (if needed) because err is returned by zstd.NewWriter or zstd.NewReader.
			return nil, wrapErrorfAsExternalErrorIfNeeded(zstdErr, "failed to initialize zstd codec")
		}
		section, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, sectionSize))
		if err != nil {
			// Wrap err as external error (if needed) because err is returned by zstd.Decoder.DecodeAll().
			return nil, wrapErrorfAsExternalErrorIfNeeded(err, "failed to zstd-decompress snapshot section")
		}
		if len(section) != sectionSize {
			return nil, NewSnapshotIntegrityErrorf(
				"snapshot section inflated to %d bytes, manifest records %d", len(section), sectionSize)
		}
		return section, nil

	default:
		return nil, NewDecodingErrorf("unknown compression type %d", byte(c))
	}
}
