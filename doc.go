// Package cairn is an embedded, single-writer multi-reader object store
// with copy-on-write snapshot isolation.
//
// A store is a single page-structured file. Readers pin immutable
// snapshots and never block; the one writer works on private page copies
// and publishes a new snapshot atomically by flipping between two meta
// slots, so a crash at any point leaves the previous snapshot intact.
// Writer exclusion spans processes through a file lock, and commits are
// announced across processes through a sibling note file watched with
// inotify, so every open session can refresh itself live.
//
// Typical use:
//
//	r, err := cairn.Open("app.cairn")
//	if err != nil {
//		...
//	}
//	defer r.Close()
//
//	err = r.WithWriteTransaction(func(r *cairn.Realm) error {
//		return r.Add(cairn.NewObject("users").
//			Set("name", cairn.String("ada")).
//			Set("age", cairn.Int(36)))
//	})
//
// Schema changes are declared by version. Opening a store whose on-disk
// schema version is older than the declared one runs the configured
// migration inside an implicit write transaction; see WithMigration.
package cairn
