// Package storageerr defines the closed error taxonomy of the storage core (spec §7).
//
// Every error the core returns to a caller is one of the sentinels below,
// optionally wrapped with call-site context via github.com/pkg/errors.
// Callers recover the sentinel with errors.Is.
package storageerr

import "github.com/pkg/errors"

// Code identifies one of the closed set of error conditions the storage
// core can report. New codes are never added silently; every caller-visible
// failure mode is enumerated in spec §7.
type Code string

const (
	// CodeOutOfRange: position negative, unaligned, past the file's virtual
	// max, or into the header region.
	CodeOutOfRange Code = "OutOfRange"
	// CodeReadOnly: write attempted on a read-only file/subfile/committed block.
	CodeReadOnly Code = "ReadOnly"
	// CodeDisposed: use after dispose of pool, algorithm, session, or medium.
	CodeDisposed Code = "Disposed"
	// CodeOutOfMemory: pool exhausted after a full collection cycle released nothing.
	CodeOutOfMemory Code = "OutOfMemory"
	// CodeChecksumInvalid: footer checksum state is NotValid or verify failed.
	CodeChecksumInvalid Code = "ChecksumInvalid"
	// CodeBlockTypeMismatch: footer block type does not match caller expectation.
	CodeBlockTypeMismatch Code = "BlockTypeMismatch"
	// CodeIndexNumberMismatch: footer index value does not match caller expectation.
	CodeIndexNumberMismatch Code = "IndexNumberMismatch"
	// CodePageNewerThanSnapshot: footer snapshot sequence exceeds the reader's snapshot.
	CodePageNewerThanSnapshot Code = "PageNewerThanSnapshot"
	// CodeFileIdMismatch: footer file id does not match the session's file id.
	CodeFileIdMismatch Code = "FileIdMismatch"
	// CodeAlreadyExists: rename/extension-change target already present.
	CodeAlreadyExists Code = "AlreadyExists"
)

// StorageError is the concrete error type carrying a Code plus an
// underlying cause chain (populated by errors.Wrapf at call sites).
type StorageError struct {
	Code Code
	msg  string
}

func (e *StorageError) Error() string {
	if e.msg == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.msg
}

// sentinels, one per Code, so errors.Is(err, storageerr.OutOfRange) works
// after wrapping with errors.Wrapf / errors.WithMessage.
var (
	OutOfRange            = &StorageError{Code: CodeOutOfRange}
	ReadOnly              = &StorageError{Code: CodeReadOnly}
	Disposed              = &StorageError{Code: CodeDisposed}
	OutOfMemory           = &StorageError{Code: CodeOutOfMemory}
	ChecksumInvalid       = &StorageError{Code: CodeChecksumInvalid}
	BlockTypeMismatch     = &StorageError{Code: CodeBlockTypeMismatch}
	IndexNumberMismatch   = &StorageError{Code: CodeIndexNumberMismatch}
	PageNewerThanSnapshot = &StorageError{Code: CodePageNewerThanSnapshot}
	FileIdMismatch        = &StorageError{Code: CodeFileIdMismatch}
	AlreadyExists         = &StorageError{Code: CodeAlreadyExists}
)

// New builds a fresh error of the given sentinel's code carrying msg,
// so that the returned error still satisfies errors.Is(err, sentinel).
func New(sentinel *StorageError, msg string) error {
	return &StorageError{Code: sentinel.Code, msg: msg}
}

// Newf is New with fmt-style formatting.
func Newf(sentinel *StorageError, format string, args ...interface{}) error {
	return errors.Wrapf(&StorageError{Code: sentinel.Code}, format, args...)
}

// Is implements the errors.Is contract: two *StorageError values match
// when their Code matches, independent of message.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err's cause chain, returning ("", false)
// if err does not wrap a *StorageError.
func CodeOf(err error) (Code, bool) {
	var se *StorageError
	cause := err
	for cause != nil {
		if s, ok := cause.(*StorageError); ok {
			se = s
			break
		}
		unwrapper, ok := cause.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cause = unwrapper.Unwrap()
	}
	if se == nil {
		return "", false
	}
	return se.Code, true
}
