package base

import (
	"fmt"
)

// Category splits every error the store can surface into one of two kinds.
//
// Contract violations are caller misuse: they are detected synchronously at
// the offending call, the library treats them as unrecoverable, and retrying
// the same call will fail the same way. Environment errors come from the
// world outside the library (filesystem permissions, disk full, a corrupt
// store file) and are recoverable in the sense that the caller may fix the
// environment and try again.
type Category uint8

const (
	// ContractViolation indicates caller misuse of the API.
	ContractViolation Category = iota + 1
	// Environment indicates an I/O or filesystem-level failure.
	Environment
)

func (c Category) String() string {
	switch c {
	case ContractViolation:
		return "contract violation"
	case Environment:
		return "environment error"
	default:
		return "unknown"
	}
}

// Code identifies the specific failure within a category.
type Code uint8

const (
	CodeUnknown Code = iota

	// Contract violations.
	CodeInWriteTransaction  // re-entrant BeginWrite on one session
	CodeNotInTransaction    // mutation outside a write transaction
	CodeReadOnly            // write attempted on a read-only session
	CodeCrossStoreLink      // linked object belongs to a different store
	CodeStaleObject         // object never added or already deleted
	CodeMigrationVersion    // migration returned a non-increasing version
	CodeMissingDefault      // new required property with no default or value
	CodeMigrationRequired   // on-disk schema is older and no migration given
	CodeSchemaNewer         // on-disk schema is newer than the declared one
	CodeConflictingMode     // reopen with conflicting in-memory/on-disk mode
	CodeClosed              // session or store already closed
	CodeObjectTooLarge      // encoded row exceeds a single page

	// Environment errors.
	CodeIO      // read, write, sync, or lock failure
	CodeCorrupt // store file failed validation on open
)

// Error is the single error type surfaced by the store. Sentinel values
// below are compared with errors.Is; environment errors additionally wrap
// the underlying cause for errors.As / Unwrap.
type Error struct {
	Category Category
	Code     Code
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cairn: %s: %v", e.Message, e.Cause)
	}
	return "cairn: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports code equality so a dynamically constructed *Error matches the
// package sentinel with the same code under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel errors. Contract violations are returned directly; environment
// errors are usually built with EnvErr so the cause is preserved, and still
// match these sentinels by code.
var (
	ErrInWriteTransaction = &Error{Category: ContractViolation, Code: CodeInWriteTransaction, Message: "write transaction already active on this session"}
	ErrNotInTransaction   = &Error{Category: ContractViolation, Code: CodeNotInTransaction, Message: "operation requires an open write transaction"}
	ErrReadOnly           = &Error{Category: ContractViolation, Code: CodeReadOnly, Message: "store is read-only"}
	ErrCrossStoreLink     = &Error{Category: ContractViolation, Code: CodeCrossStoreLink, Message: "object links to an object persisted in a different store"}
	ErrStaleObject        = &Error{Category: ContractViolation, Code: CodeStaleObject, Message: "object was never added or has been deleted"}
	ErrMigrationVersion   = &Error{Category: ContractViolation, Code: CodeMigrationVersion, Message: "migration must return a schema version greater than the old version"}
	ErrMissingDefault     = &Error{Category: ContractViolation, Code: CodeMissingDefault, Message: "new required property has neither a default nor a migrated value"}
	ErrMigrationRequired  = &Error{Category: ContractViolation, Code: CodeMigrationRequired, Message: "on-disk schema version differs and no migration was supplied"}
	ErrSchemaNewer        = &Error{Category: ContractViolation, Code: CodeSchemaNewer, Message: "on-disk schema version is newer than the declared schema version"}
	ErrConflictingMode    = &Error{Category: ContractViolation, Code: CodeConflictingMode, Message: "store is already open with a conflicting mode"}
	ErrClosed             = &Error{Category: ContractViolation, Code: CodeClosed, Message: "session is closed"}
	ErrObjectTooLarge     = &Error{Category: ContractViolation, Code: CodeObjectTooLarge, Message: "encoded object does not fit in a single page"}

	ErrIO      = &Error{Category: Environment, Code: CodeIO, Message: "i/o failure"}
	ErrCorrupt = &Error{Category: Environment, Code: CodeCorrupt, Message: "store file is corrupt"}
)

// EnvErr builds an Environment *Error wrapping cause.
func EnvErr(code Code, msg string, cause error) *Error {
	return &Error{Category: Environment, Code: code, Message: msg, Cause: cause}
}

// ContractErr builds a ContractViolation *Error with a context-specific
// message. It matches the sentinel carrying the same code under errors.Is.
func ContractErr(code Code, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Category: ContractViolation, Code: code, Message: msg}
}

// IsContractViolation reports whether err is (or wraps) a contract violation.
func IsContractViolation(err error) bool {
	return hasCategory(err, ContractViolation)
}

// IsEnvironment reports whether err is (or wraps) an environment error.
func IsEnvironment(err error) bool {
	return hasCategory(err, Environment)
}

func hasCategory(err error, c Category) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Category == c
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
