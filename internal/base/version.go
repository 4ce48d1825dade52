package base

import "sync/atomic"

// VersionID identifies a committed snapshot. Version ids are assigned in
// strictly increasing order as write transactions commit; a reader pinned to
// a version observes the exact state the store had when that version was
// published. Version ids are stored durably in the store file's meta pages,
// so they keep increasing across process restarts.
type VersionID uint64

const (
	// VersionNone is the zero version. No published snapshot ever carries it.
	VersionNone VersionID = 0
	// VersionFirst is the version assigned to the empty snapshot created
	// when a store file is first initialized.
	VersionFirst VersionID = 1
	// VersionMax is the largest valid version id.
	VersionMax VersionID = ^VersionID(0)
)

// AtomicVersion is an atomically updated VersionID.
type AtomicVersion struct {
	value atomic.Uint64
}

// Load atomically loads and returns the stored VersionID.
func (av *AtomicVersion) Load() VersionID {
	return VersionID(av.value.Load())
}

// Store atomically stores v.
func (av *AtomicVersion) Store(v VersionID) {
	av.value.Store(uint64(v))
}

// Add atomically adds delta to av and returns the new value.
func (av *AtomicVersion) Add(delta VersionID) VersionID {
	return VersionID(av.value.Add(uint64(delta)))
}

// CompareAndSwap executes the compare-and-swap operation.
func (av *AtomicVersion) CompareAndSwap(old, new VersionID) bool {
	return av.value.CompareAndSwap(uint64(old), uint64(new))
}
