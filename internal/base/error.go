package base

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalid reports caller misuse. Nothing is mutated when it is returned.
	ErrInvalid = errors.New("invalid argument")
	// ErrCorruption reports on-disk bytes that violate a structural invariant.
	// The store should be considered untrustworthy; retrying will not help.
	ErrCorruption = errors.New("data corruption detected")

	// ErrPageFull and ErrSlotOverflow are recoverable allocator signals.
	ErrPageFull     = errors.New("page full")
	ErrSlotOverflow = errors.New("slot directory overflow")

	ErrInvalidMagicNumber = errors.New("invalid magic number")
	ErrInvalidVersion     = errors.New("invalid format version")
	ErrInvalidPageSize    = errors.New("invalid page size")
	ErrInvalidChecksum    = errors.New("invalid checksum")

	ErrTxDone       = errors.New("transaction has been committed or rolled back")
	ErrTxInProgress = errors.New("write transaction already in progress")
	ErrStoreClosed  = errors.New("page store is closed")
)

// Corruptf wraps ErrCorruption with a formatted message.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// Invalidf wraps ErrInvalid with a formatted message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Recoverable reports whether err is an allocator signal that a split or a
// rebuild can resolve.
func Recoverable(err error) bool {
	return errors.Is(err, ErrPageFull) || errors.Is(err, ErrSlotOverflow)
}
