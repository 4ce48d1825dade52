package cairn

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "store.cairn")
}

func TestAddCommitReopenRoundTrip(t *testing.T) {
	path := testPath(t)

	r, err := Open(path)
	require.NoError(t, err)
	obj := NewObject("users").
		Set("name", String("ada")).
		Set("age", Int(36)).
		Set("active", Bool(true))
	require.NoError(t, r.WithWriteTransaction(func(r *Realm) error {
		return r.Add(obj)
	}))
	row := obj.Row()
	require.NoError(t, r.Close())

	r, err = Open(path)
	require.NoError(t, err)
	defer r.Close()

	got, ok, err := r.Get("users", row)
	require.NoError(t, err)
	require.True(t, ok)
	v, _ := got.Get("name")
	require.Equal(t, "ada", v.Str())
	v, _ = got.Get("age")
	require.Equal(t, int64(36), v.Int())
	v, _ = got.Get("active")
	require.True(t, v.Bool())
}

func TestWritesRequireTransaction(t *testing.T) {
	r, err := Open("notx", WithInMemory())
	require.NoError(t, err)
	defer r.Close()

	require.ErrorIs(t, r.Add(NewObject("users")), ErrNotInTransaction)
	require.ErrorIs(t, r.Delete(NewObject("users")), ErrNotInTransaction)
	require.ErrorIs(t, r.Commit(), ErrNotInTransaction)
	require.ErrorIs(t, r.Rollback(), ErrNotInTransaction)
}

func TestBeginWriteIsNotReentrant(t *testing.T) {
	r, err := Open("reentrant", WithInMemory())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.BeginWrite())
	err = r.BeginWrite()
	require.ErrorIs(t, err, ErrInWriteTransaction)
	require.True(t, IsContractViolation(err))
	require.NoError(t, r.Rollback())
}

func TestReadOnlySession(t *testing.T) {
	path := testPath(t)
	r, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = Open(path, WithReadOnly())
	require.NoError(t, err)
	defer r.Close()
	require.True(t, r.ReadOnly())
	require.ErrorIs(t, r.BeginWrite(), ErrReadOnly)
}

func TestReadOnlyOpenMissingFile(t *testing.T) {
	_, err := Open(testPath(t), WithReadOnly())
	require.Error(t, err)
	require.True(t, IsEnvironment(err))
}

func TestRollbackDiscardsChanges(t *testing.T) {
	r, err := Open("rollback", WithInMemory())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.BeginWrite())
	require.NoError(t, r.Add(NewObject("users").Set("name", String("ghost"))))
	require.NoError(t, r.Rollback())

	count := 0
	require.NoError(t, r.Enumerate("users", func(*Object) error {
		count++
		return nil
	}))
	require.Equal(t, 0, count)
}

func TestWithWriteTransactionRollsBackOnError(t *testing.T) {
	r, err := Open("txfunc", WithInMemory())
	require.NoError(t, err)
	defer r.Close()

	boom := errors.New("boom")
	err = r.WithWriteTransaction(func(r *Realm) error {
		if err := r.Add(NewObject("users").Set("name", String("ghost"))); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, r.InWriteTransaction())

	count := 0
	require.NoError(t, r.Enumerate("users", func(*Object) error {
		count++
		return nil
	}))
	require.Equal(t, 0, count)
}

func TestWithWriteTransactionRollsBackOnPanic(t *testing.T) {
	r, err := Open("txpanic", WithInMemory())
	require.NoError(t, err)
	defer r.Close()

	require.Panics(t, func() {
		_ = r.WithWriteTransaction(func(r *Realm) error {
			panic("boom")
		})
	})
	require.False(t, r.InWriteTransaction())
}

// TestSnapshotIsolationBetweenSessions pins one session to its snapshot by
// disabling auto-refresh and checks it keeps reading the old state across
// another session's commit, until it refreshes.
func TestSnapshotIsolationBetweenSessions(t *testing.T) {
	path := testPath(t)
	writer, err := Open(path)
	require.NoError(t, err)
	defer writer.Close()

	reader, err := Open(path, WithAutoRefresh(false))
	require.NoError(t, err)
	defer reader.Close()

	require.NoError(t, writer.WithWriteTransaction(func(r *Realm) error {
		return r.Add(NewObject("users").Set("name", String("ada")))
	}))

	count := 0
	require.NoError(t, reader.Enumerate("users", func(*Object) error {
		count++
		return nil
	}))
	require.Equal(t, 0, count)
	require.Less(t, reader.Version(), writer.Version())

	moved, err := reader.Refresh()
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, writer.Version(), reader.Version())

	require.NoError(t, reader.Enumerate("users", func(*Object) error {
		count++
		return nil
	}))
	require.Equal(t, 1, count)
}

func TestChangeListenerFiresOnOwnCommit(t *testing.T) {
	r, err := Open("owncommit", WithInMemory())
	require.NoError(t, err)
	defer r.Close()

	var order []string
	r.AddChangeListener(func(*Realm) { order = append(order, "first") })
	r.AddChangeListener(func(*Realm) { order = append(order, "second") })

	require.NoError(t, r.WithWriteTransaction(func(r *Realm) error {
		return r.Add(NewObject("users").Set("name", String("ada")))
	}))
	require.Equal(t, []string{"first", "second"}, order)
}

func TestRemoveChangeListenerTwiceIsNoOp(t *testing.T) {
	r, err := Open("rmtoken", WithInMemory())
	require.NoError(t, err)
	defer r.Close()

	fired := 0
	tok := r.AddChangeListener(func(*Realm) { fired++ })
	keep := r.AddChangeListener(func(*Realm) { fired++ })

	r.RemoveChangeListener(tok)
	r.RemoveChangeListener(tok)
	r.RemoveChangeListener(nil)

	require.NoError(t, r.WithWriteTransaction(func(r *Realm) error {
		return r.Add(NewObject("users").Set("name", String("ada")))
	}))
	require.Equal(t, 1, fired)
	r.RemoveChangeListener(keep)
}

// TestAutoRefreshNotifiesSecondSession commits in one session and waits for
// the other session's listener to fire on its delivery goroutine, after
// which both sessions observe the same version.
func TestAutoRefreshNotifiesSecondSession(t *testing.T) {
	path := testPath(t)
	writer, err := Open(path)
	require.NoError(t, err)
	defer writer.Close()

	observer, err := Open(path)
	require.NoError(t, err)
	defer observer.Close()

	notified := make(chan struct{}, 1)
	observer.AddChangeListener(func(*Realm) {
		select {
		case notified <- struct{}{}:
		default:
		}
	})

	require.NoError(t, writer.WithWriteTransaction(func(r *Realm) error {
		return r.Add(NewObject("users").Set("name", String("ada")))
	}))

	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("observer listener never fired")
	}
	require.Equal(t, writer.Version(), observer.Version())
}

// TestCrossStoreLinkRejected adds an object carrying a link to an object
// persisted in a different store and verifies the add fails with nothing
// committed.
func TestCrossStoreLinkRejected(t *testing.T) {
	s1, err := Open(testPath(t))
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(testPath(t))
	require.NoError(t, err)
	defer s2.Close()

	foreign := NewObject("addresses").Set("city", String("paris"))
	require.NoError(t, s1.WithWriteTransaction(func(r *Realm) error {
		return r.Add(foreign)
	}))

	local := NewObject("users").
		Set("name", String("ada")).
		Set("home", Link(foreign))
	require.NoError(t, s2.BeginWrite())
	err = s2.Add(local)
	require.ErrorIs(t, err, ErrCrossStoreLink)
	require.True(t, IsContractViolation(err))
	require.False(t, local.Persisted())
	require.NoError(t, s2.Commit())

	count := 0
	require.NoError(t, s2.Enumerate("users", func(*Object) error {
		count++
		return nil
	}))
	require.Equal(t, 0, count)
}

func TestConflictingModeRejected(t *testing.T) {
	path := testPath(t)
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = Open(path, WithInMemory())
	require.ErrorIs(t, err, ErrConflictingMode)
	require.True(t, IsContractViolation(err))
}

func TestSameProcessSessionsShareStore(t *testing.T) {
	a, err := Open("shared", WithInMemory())
	require.NoError(t, err)
	b, err := Open("shared", WithInMemory())
	require.NoError(t, err)

	require.NoError(t, a.WithWriteTransaction(func(r *Realm) error {
		return r.Add(NewObject("users").Set("name", String("ada")))
	}))
	require.NoError(t, a.Close())

	// In-memory content survives while any session holds the store open.
	moved, err := b.Refresh()
	require.NoError(t, err)
	_ = moved
	count := 0
	require.NoError(t, b.Enumerate("users", func(*Object) error {
		count++
		return nil
	}))
	require.Equal(t, 1, count)
	require.NoError(t, b.Close())
}

func TestSchemaNewerRejected(t *testing.T) {
	path := testPath(t)
	r, err := Open(path, WithSchemaVersion(2))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = Open(path, WithSchemaVersion(1))
	require.ErrorIs(t, err, ErrSchemaNewer)
	require.True(t, IsContractViolation(err))
}

func TestMigrationRequiredWithoutCallback(t *testing.T) {
	path := testPath(t)
	r, err := Open(path, WithSchemaVersion(1))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = Open(path, WithSchemaVersion(2))
	require.ErrorIs(t, err, ErrMigrationRequired)
}

func TestMigrationRunsOnOpen(t *testing.T) {
	path := testPath(t)
	r, err := Open(path, WithSchemaVersion(1))
	require.NoError(t, err)
	require.NoError(t, r.WithWriteTransaction(func(r *Realm) error {
		return r.Add(NewObject("users").Set("name", String("ada")))
	}))
	require.NoError(t, r.Close())

	r, err = Open(path, WithSchemaVersion(2), WithMigration(
		func(mig *Migration, old uint64) (uint64, error) {
			err := mig.Enumerate("users", func(o *Object) error {
				name, _ := o.Get("name")
				o.Set("name", String(name.Str()+" lovelace"))
				return nil
			})
			return 2, err
		}))
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, uint64(2), r.SchemaVersion())
	got, ok, err := r.Get("users", 0)
	require.NoError(t, err)
	require.True(t, ok)
	v, _ := got.Get("name")
	require.Equal(t, "ada lovelace", v.Str())
}

// TestMigrateStandalone exercises the sessionless entry point, including
// the monotonicity scenario: a store at version 3 declared at 5 whose
// callback stops at 4 must stay at 3.
func TestMigrateStandalone(t *testing.T) {
	path := testPath(t)
	r, err := Open(path, WithSchemaVersion(3))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	err = Migrate(path, Schema{Version: 5}, func(mig *Migration, old uint64) (uint64, error) {
		return 4, nil
	})
	require.ErrorIs(t, err, ErrMigrationVersion)

	r, err = Open(path, WithSchemaVersion(3))
	require.NoError(t, err)
	require.Equal(t, uint64(3), r.SchemaVersion())
	require.NoError(t, r.Close())

	require.NoError(t, Migrate(path, Schema{Version: 5}, func(mig *Migration, old uint64) (uint64, error) {
		return 5, nil
	}))
	r, err = Open(path, WithSchemaVersion(5))
	require.NoError(t, err)
	require.Equal(t, uint64(5), r.SchemaVersion())
	require.NoError(t, r.Close())
}

func TestDeleteAllObjects(t *testing.T) {
	r, err := Open("delall", WithInMemory())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.WithWriteTransaction(func(r *Realm) error {
		return r.AddAll([]*Object{
			NewObject("users").Set("name", String("ada")),
			NewObject("users").Set("name", String("grace")),
		})
	}))
	require.NoError(t, r.WithWriteTransaction(func(r *Realm) error {
		return r.DeleteAllObjects("users")
	}))

	count := 0
	require.NoError(t, r.Enumerate("users", func(*Object) error {
		count++
		return nil
	}))
	require.Equal(t, 0, count)
}

func TestKeyedStorage(t *testing.T) {
	r, err := Open("keyed", WithInMemory())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.WithWriteTransaction(func(r *Realm) error {
		return r.SetKeyed("current", NewObject("configs").Set("v", Int(1)))
	}))
	require.NoError(t, r.WithWriteTransaction(func(r *Realm) error {
		return r.SetKeyed("current", NewObject("configs").Set("v", Int(2)))
	}))

	got, ok, err := r.Keyed("current")
	require.NoError(t, err)
	require.True(t, ok)
	v, _ := got.Get("v")
	require.Equal(t, int64(2), v.Int())

	_, ok, err = r.Keyed("absent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUncommittedChangesVisibleInTransaction(t *testing.T) {
	r, err := Open("txview", WithInMemory())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.BeginWrite())
	obj := NewObject("users").Set("name", String("ada"))
	require.NoError(t, r.Add(obj))

	got, ok, err := r.Get("users", obj.Row())
	require.NoError(t, err)
	require.True(t, ok)
	v, _ := got.Get("name")
	require.Equal(t, "ada", v.Str())
	require.NoError(t, r.Rollback())
}

func TestClosedSessionRejectsEverything(t *testing.T) {
	r, err := Open("closed", WithInMemory())
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	require.ErrorIs(t, r.BeginWrite(), ErrClosed)
	_, err = r.Refresh()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, r.Enumerate("users", func(*Object) error { return nil }), ErrClosed)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cairn.yaml")
	storePath := filepath.Join(dir, "app.cairn")
	data := "path: " + storePath + "\nread_only: false\nschema_version: 1\nauto_refresh: false\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(data), 0o644))

	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	require.Equal(t, storePath, cfg.Path)
	require.Equal(t, uint64(1), cfg.SchemaVersion)
	require.False(t, cfg.AutoRefresh)

	r, err := OpenConfig(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

// TestPinnedSnapshotSurvivesLaterCommits holds one session on its snapshot
// while another session commits enough churn to free and recycle pages,
// then reads the pinned snapshot back. Its pages must still decode to the
// state it was published with.
func TestPinnedSnapshotSurvivesLaterCommits(t *testing.T) {
	path := testPath(t)
	writer, err := Open(path)
	require.NoError(t, err)
	defer writer.Close()

	obj := NewObject("docs").Set("state", String("old"))
	require.NoError(t, writer.WithWriteTransaction(func(r *Realm) error {
		return r.Add(obj)
	}))
	row := obj.Row()

	reader, err := Open(path, WithAutoRefresh(false))
	require.NoError(t, err)
	defer reader.Close()
	pinned := reader.Version()

	for i := 0; i < 5; i++ {
		require.NoError(t, writer.WithWriteTransaction(func(r *Realm) error {
			fresh := NewObject("docs").
				Set("state", String("new")).
				Set("seq", Int(int64(i)))
			if err := r.Add(fresh); err != nil {
				return err
			}
			return r.Delete(fresh)
		}))
	}

	got, ok, err := reader.Get("docs", row)
	require.NoError(t, err)
	require.True(t, ok)
	v, _ := got.Get("state")
	require.Equal(t, "old", v.Str())
	require.Equal(t, pinned, reader.Version())
	require.Less(t, reader.Version(), writer.Version())
}

// TestAddDeletedObjectRejected re-adds a deleted object, clean and with a
// field mutated after the delete. Both must fail the same way.
func TestAddDeletedObjectRejected(t *testing.T) {
	r, err := Open("deleted-readd", WithInMemory())
	require.NoError(t, err)
	defer r.Close()

	obj := NewObject("users").Set("name", String("ada"))
	require.NoError(t, r.WithWriteTransaction(func(r *Realm) error {
		return r.Add(obj)
	}))

	require.NoError(t, r.BeginWrite())
	require.NoError(t, r.Delete(obj))
	require.ErrorIs(t, r.Add(obj), ErrStaleObject)
	obj.Set("name", String("grace"))
	require.ErrorIs(t, r.Add(obj), ErrStaleObject)
	require.NoError(t, r.Rollback())
}
