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
	"errors"
	"fmt"
)

// UserError is returned when an API is misused: an index outside the
// legal range, an operation on a detached accessor, a value that cannot
// be encoded. The caller can avoid these by checking preconditions.
type UserError struct {
	err error
}

// NewUserError constructs a new UserError
func NewUserError(err error) error {
	return &UserError{err: err}
}

func NewUserErrorf(msg string, args ...interface{}) error {
	return NewUserError(fmt.Errorf(msg, args...))
}

func (e *UserError) Error() string {
	return e.err.Error()
}

func (e *UserError) Unwrap() error { return e.err }

// FatalError is returned when an invariant of the packed representation
// is broken: a malformed header, an unresolvable reference inside a
// block, a corrupted snapshot. It means bug or data corruption, and the
// enclosing write transaction must be abandoned.
type FatalError struct {
	err error
}

// NewFatalError constructs a new FatalError
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

func NewFatalErrorf(msg string, args ...interface{}) error {
	return NewFatalError(fmt.Errorf(msg, args...))
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error: %s", e.err.Error())
}

func (e *FatalError) Unwrap() error { return e.err }

// ExternalError is returned when an error originated from an interface
// implemented outside this package (Allocator, ArrayParent, EraseHandler,
// a find callback). The original error is wrapped, not interpreted.
type ExternalError struct {
	msg string
	err error
}

// NewExternalError constructs a new ExternalError
func NewExternalError(err error, msg string) error {
	return &ExternalError{msg: msg, err: err}
}

func (e *ExternalError) Error() string {
	if e.msg == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %s", e.msg, e.err.Error())
}

func (e *ExternalError) Unwrap() error { return e.err }

func wrapErrorAsExternalErrorIfNeeded(err error) error {
	return wrapErrorfAsExternalErrorIfNeeded(err, "")
}

// wrapErrorfAsExternalErrorIfNeeded wraps err as an ExternalError unless
// it is already categorized as UserError, FatalError, or ExternalError.
func wrapErrorfAsExternalErrorIfNeeded(err error, msg string) error {
	if err == nil {
		return nil
	}

	var userError *UserError
	var fatalError *FatalError
	var externalError *ExternalError

	if errors.As(err, &userError) ||
		errors.As(err, &fatalError) ||
		errors.As(err, &externalError) {
		// Don't need to wrap error because err is already categorized.
		if msg == "" {
			return err
		}
		return fmt.Errorf("%s: %w", msg, err)
	}

	return NewExternalError(err, msg)
}

// IsFatalError reports whether err is categorized as fatal.
func IsFatalError(err error) bool {
	var fatalError *FatalError
	return errors.As(err, &fatalError)
}

// IndexOutOfBoundsError is returned when an index is outside the
// legal range [min, max).
type IndexOutOfBoundsError struct {
	index uint64
	min   uint64
	max   uint64
}

// NewIndexOutOfBoundsError constructs a new IndexOutOfBoundsError
func NewIndexOutOfBoundsError(index, min, max uint64) error {
	return NewUserError(
		&IndexOutOfBoundsError{
			index: index,
			min:   min,
			max:   max,
		})
}

func (e *IndexOutOfBoundsError) Error() string {
	return fmt.Sprintf("index %d is outside the legal range [%d, %d)", e.index, e.min, e.max)
}

// SizeOverflowError is returned when a size or capacity no longer fits
// the 24-bit header field, or when byte-size arithmetic would overflow.
type SizeOverflowError struct {
	size uint64
	max  uint64
}

// NewSizeOverflowError constructs a new SizeOverflowError
func NewSizeOverflowError(size, max uint64) error {
	return NewUserError(
		&SizeOverflowError{
			size: size,
			max:  max,
		})
}

func (e *SizeOverflowError) Error() string {
	return fmt.Sprintf("size %d overflows the maximum encodable value %d", e.size, e.max)
}

// NotAttachedError is returned when an operation requires an attached
// accessor.
type NotAttachedError struct {
	op string
}

// NewNotAttachedError constructs a new NotAttachedError
func NewNotAttachedError(op string) error {
	return NewUserError(&NotAttachedError{op: op})
}

func (e *NotAttachedError) Error() string {
	return fmt.Sprintf("%s requires an attached accessor", e.op)
}

// ReadOnlyError is returned when Alloc or Free is called on a read-only
// allocator.
type ReadOnlyError struct {
	op string
}

// NewReadOnlyError constructs a new ReadOnlyError
func NewReadOnlyError(op string) error {
	return NewUserError(&ReadOnlyError{op: op})
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("%s is not supported by a read-only allocator", e.op)
}

// RefNotFoundError is returned when a reference cannot be resolved to a
// block.
type RefNotFoundError struct {
	ref Ref
	msg string
}

// NewRefNotFoundErrorf constructs a new RefNotFoundError
func NewRefNotFoundErrorf(ref Ref, msg string, args ...interface{}) error {
	return NewFatalError(
		&RefNotFoundError{
			ref: ref,
			msg: fmt.Sprintf(msg, args...),
		})
}

func (e *RefNotFoundError) Error() string {
	return fmt.Sprintf("%s: ref %d not found", e.msg, e.ref)
}

// InvalidRefError is returned when a value is used as a reference but is
// tagged, zero, or not 8-byte aligned.
type InvalidRefError struct {
	value uint64
	msg   string
}

// NewInvalidRefErrorf constructs a new InvalidRefError
func NewInvalidRefErrorf(value uint64, msg string, args ...interface{}) error {
	return NewFatalError(
		&InvalidRefError{
			value: value,
			msg:   fmt.Sprintf(msg, args...),
		})
}

func (e *InvalidRefError) Error() string {
	return fmt.Sprintf("%s: %d is not a valid ref", e.msg, e.value)
}

// InvalidHeaderError is returned when a block header cannot describe a
// valid packed array.
type InvalidHeaderError struct {
	msg string
}

// NewInvalidHeaderErrorf constructs a new InvalidHeaderError
func NewInvalidHeaderErrorf(msg string, args ...interface{}) error {
	return NewFatalError(&InvalidHeaderError{msg: fmt.Sprintf(msg, args...)})
}

func (e *InvalidHeaderError) Error() string {
	return fmt.Sprintf("invalid header: %s", e.msg)
}

// EncodingError is returned when a snapshot cannot be written.
type EncodingError struct {
	err error
}

// NewEncodingError constructs a new EncodingError
func NewEncodingError(err error) error {
	return NewFatalError(&EncodingError{err: err})
}

func NewEncodingErrorf(msg string, args ...interface{}) error {
	return NewEncodingError(fmt.Errorf(msg, args...))
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("failed to encode snapshot: %s", e.err.Error())
}

func (e *EncodingError) Unwrap() error { return e.err }

// DecodingError is returned when a snapshot cannot be parsed.
type DecodingError struct {
	err error
}

// NewDecodingError constructs a new DecodingError
func NewDecodingError(err error) error {
	return NewFatalError(&DecodingError{err: err})
}

func NewDecodingErrorf(msg string, args ...interface{}) error {
	return NewDecodingError(fmt.Errorf(msg, args...))
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("failed to decode snapshot: %s", e.err.Error())
}

func (e *DecodingError) Unwrap() error { return e.err }

// SnapshotIntegrityError is returned when a snapshot's checksums or
// stream digest do not match its payload.
type SnapshotIntegrityError struct {
	msg string
}

// NewSnapshotIntegrityErrorf constructs a new SnapshotIntegrityError
func NewSnapshotIntegrityErrorf(msg string, args ...interface{}) error {
	return NewFatalError(&SnapshotIntegrityError{msg: fmt.Sprintf(msg, args...)})
}

func (e *SnapshotIntegrityError) Error() string {
	return fmt.Sprintf("snapshot integrity check failed: %s", e.msg)
}
