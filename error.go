package miniscript

import "fmt"

// ErrorKind identifies a kind of miniscript error. It is used to indicate
// which class of failure occurred so that callers can react programmatically
// while the description carries the human-readable detail.
type ErrorKind int

// These constants are used to identify a specific Error.
const (
	// ErrInvalidType indicates that a fragment was combined with children
	// whose types or type properties violate the miniscript composition
	// rules. This is always a bug in the caller or compiler input, never
	// a recoverable condition.
	ErrInvalidType ErrorKind = iota

	// ErrResourceLimit indicates that a structurally valid fragment
	// exceeds one of the active context's static limits (script size,
	// non-push opcode count or stack depth).
	ErrResourceLimit

	// ErrInvalidNotation indicates that a miniscript string could not be
	// parsed into a fragment tree.
	ErrInvalidNotation

	// ErrMalformedScript indicates that a byte script could not be
	// decoded back into a fragment tree. This includes truncated scripts,
	// unknown or foreign opcodes and opcode sequences that parse
	// structurally but do not close to a valid top-level type.
	ErrMalformedScript

	// ErrMissingData indicates that a satisfaction could not be produced
	// because the satisfier lacks a required signature or hash preimage,
	// or a timelock is not yet satisfiable.
	ErrMissingData

	// ErrTimelockConflict indicates that the only available satisfaction
	// combines incompatible lock requirements, such as a height-based and
	// a time-based relative lock on the same spending path.
	ErrTimelockConflict

	// ErrUnsatisfiable indicates that a policy admits no legal miniscript
	// at all, for example a threshold with k greater than the number of
	// sub-policies.
	ErrUnsatisfiable

	// ErrLimitsExceeded indicates that every compilation of a policy
	// exceeds the active context's resource limits.
	ErrLimitsExceeded
)

// Map of ErrorKind values back to their constant names for pretty printing.
var errorKindStrings = map[ErrorKind]string{
	ErrInvalidType:      "ErrInvalidType",
	ErrResourceLimit:    "ErrResourceLimit",
	ErrInvalidNotation:  "ErrInvalidNotation",
	ErrMalformedScript:  "ErrMalformedScript",
	ErrMissingData:      "ErrMissingData",
	ErrTimelockConflict: "ErrTimelockConflict",
	ErrUnsatisfiable:    "ErrUnsatisfiable",
	ErrLimitsExceeded:   "ErrLimitsExceeded",
}

// String returns the ErrorKind as a human-readable name.
func (k ErrorKind) String() string {
	if s, ok := errorKindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("Unknown ErrorKind (%d)", int(k))
}

// Error identifies a miniscript-related error. It is used to indicate three
// classes of errors:
//  1. Construction errors, where a fragment cannot be built because the
//     typing rules or resource limits reject it.
//  2. Codec errors, where a string or byte script does not parse.
//  3. Satisfaction errors, where no valid witness can be produced.
//
// The caller can use type assertions combined with the ErrorKind field to
// determine the specific error, or errors.Is with a bare kind via
// IsErrorKind.
type Error struct {
	ErrorKind   ErrorKind
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// miniscriptError creates an Error given a set of arguments.
func miniscriptError(kind ErrorKind, format string, args ...interface{}) Error {
	return Error{
		ErrorKind:   kind,
		Description: fmt.Sprintf(format, args...),
	}
}

// IsErrorKind returns whether the error is an Error with the passed kind.
func IsErrorKind(err error, kind ErrorKind) bool {
	e, ok := err.(Error)
	return ok && e.ErrorKind == kind
}
