package cairn

import "cairn/internal/base"

// Errors returned by sessions. Contract violations mean the caller broke an
// API rule; environment errors mean the host system failed underneath a
// correct call. errors.Is matches by code, so wrapped copies compare equal.
var (
	ErrInWriteTransaction = base.ErrInWriteTransaction
	ErrNotInTransaction   = base.ErrNotInTransaction
	ErrReadOnly           = base.ErrReadOnly
	ErrCrossStoreLink     = base.ErrCrossStoreLink
	ErrStaleObject        = base.ErrStaleObject
	ErrMigrationVersion   = base.ErrMigrationVersion
	ErrMissingDefault     = base.ErrMissingDefault
	ErrMigrationRequired  = base.ErrMigrationRequired
	ErrSchemaNewer        = base.ErrSchemaNewer
	ErrConflictingMode    = base.ErrConflictingMode
	ErrClosed             = base.ErrClosed
	ErrObjectTooLarge     = base.ErrObjectTooLarge
	ErrIO                 = base.ErrIO
	ErrCorrupt            = base.ErrCorrupt
)

// IsContractViolation reports whether err is a caller mistake rather than a
// system failure.
func IsContractViolation(err error) bool { return base.IsContractViolation(err) }

// IsEnvironment reports whether err originated in the host system.
func IsEnvironment(err error) bool { return base.IsEnvironment(err) }
