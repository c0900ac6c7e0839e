package recovery

import (
	"errors"
	"fmt"
)

// Code categorizes recovery failures. Every failure surfaced by the
// orchestrator carries exactly one code; callers branch on the code,
// never on message text.
type Code string

const (
	// CodeStorageRead means store content was unreadable beyond the
	// tolerated malformed-tail case. Store left untouched.
	CodeStorageRead Code = "STORAGE_READ"

	// CodeStorageWrite means the atomic replace (or marker write)
	// could not complete. ReplaceAll guarantees no partial write.
	CodeStorageWrite Code = "STORAGE_WRITE"

	// CodeLockTimeout means the concurrency guard could not be
	// acquired in time. Safe to retry later.
	CodeLockTimeout Code = "LOCK_TIMEOUT"

	// CodeSourceUnavailable means the authoritative export was missing
	// or unparseable. The next trigger retries.
	CodeSourceUnavailable Code = "SOURCE_UNAVAILABLE"

	// CodeInvariantViolation means the post-merge dedup found a
	// duplicate timestamp that partitioning should have made
	// impossible. The merge aborts rather than committing ambiguous
	// data.
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"
)

// Error is a categorized recovery failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the recovery code from an error chain. Returns the
// empty code for non-recovery errors.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsLockTimeout reports whether the failure was guard contention.
func IsLockTimeout(err error) bool {
	return CodeOf(err) == CodeLockTimeout
}

// IsSourceUnavailable reports whether the failure was a bad export.
func IsSourceUnavailable(err error) bool {
	return CodeOf(err) == CodeSourceUnavailable
}
