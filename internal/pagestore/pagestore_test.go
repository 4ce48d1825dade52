package pagestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cairn/internal/base"
)

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "store.cairn")
}

func fillPage(b byte) []byte {
	buf := make([]byte, PageSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestOpenCreatesEmptyStore(t *testing.T) {
	path := testPath(t)
	s, created, err := Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()

	require.True(t, created)
	m := s.Meta()
	require.Equal(t, base.VersionFirst, m.Version)
	require.Equal(t, PageNone, m.Root)
	require.Equal(t, firstDataPage, m.PageCount)
}

func TestOpenExistingIsNotCreated(t *testing.T) {
	path := testPath(t)
	s, created, err := Open(path, Options{InitialSchemaVersion: 7})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, s.Close())

	s, created, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()
	require.False(t, created)
	require.Equal(t, uint64(7), s.Meta().SchemaVersion)
}

func TestReadOnlyOpenMissingFile(t *testing.T) {
	_, _, err := Open(testPath(t), Options{ReadOnly: true})
	require.Error(t, err)
	require.True(t, base.IsEnvironment(err))
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	path := testPath(t)
	s, _, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, _, err = Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Allocate(1)
	require.ErrorIs(t, err, base.ErrReadOnly)
	require.ErrorIs(t, s.WritePage(firstDataPage, fillPage('x')), base.ErrReadOnly)
	_, err = s.CommitMeta(PageNone, 0, nil)
	require.ErrorIs(t, err, base.ErrReadOnly)
}

func TestCommitReopenRoundTrip(t *testing.T) {
	path := testPath(t)
	s, _, err := Open(path, Options{})
	require.NoError(t, err)

	ids, err := s.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, []PageID{firstDataPage}, ids)
	require.NoError(t, s.WritePage(ids[0], fillPage('a')))

	m, err := s.CommitMeta(ids[0], 3, nil)
	require.NoError(t, err)
	require.Equal(t, base.VersionFirst+1, m.Version)
	require.Equal(t, ids[0], m.Root)
	require.NoError(t, s.Close())

	s, created, err := Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()
	require.False(t, created)

	m = s.Meta()
	require.Equal(t, base.VersionFirst+1, m.Version)
	require.Equal(t, ids[0], m.Root)
	require.Equal(t, uint64(3), m.SchemaVersion)

	buf, err := s.ReadPage(m.Root)
	require.NoError(t, err)
	require.Equal(t, fillPage('a'), buf)
}

// TestTornMetaRecovers corrupts the meta slot holding the newest commit and
// verifies the store falls back to the previous snapshot, the way it must
// after a crash during a meta write.
func TestTornMetaRecovers(t *testing.T) {
	path := testPath(t)
	s, _, err := Open(path, Options{})
	require.NoError(t, err)

	// Commit one: goes to the spare slot (slot 1).
	ids, err := s.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, s.WritePage(ids[0], fillPage('a')))
	m1, err := s.CommitMeta(ids[0], 0, nil)
	require.NoError(t, err)

	// Commit two: flips back to slot 0.
	ids2, err := s.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, s.WritePage(ids2[0], fillPage('b')))
	_, err = s.CommitMeta(ids2[0], 0, []PageID{ids[0]})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Tear the newest meta slot.
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, PageSize), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, _, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()

	m := s.Meta()
	require.Equal(t, m1.Version, m.Version)
	require.Equal(t, m1.Root, m.Root)
	buf, err := s.ReadPage(m.Root)
	require.NoError(t, err)
	require.Equal(t, fillPage('a'), buf)
}

// TestFreedPagesHeldForOldSnapshots checks the reclamation horizon: a page
// freed by the newest commit stays unreusable until one further commit has
// landed, so the fallback meta slot is always readable.
func TestFreedPagesHeldForOldSnapshots(t *testing.T) {
	s, _, err := Open(testPath(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	a, err := s.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, s.WritePage(a[0], fillPage('a')))
	_, err = s.CommitMeta(a[0], 0, nil)
	require.NoError(t, err)

	b, err := s.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, s.WritePage(b[0], fillPage('b')))
	m, err := s.CommitMeta(b[0], 0, a)
	require.NoError(t, err)

	// The page freed by the newest commit must not come back yet, even
	// with the horizon wide open.
	s.Reclaim(m.Version)
	c, err := s.Allocate(1)
	require.NoError(t, err)
	require.NotEqual(t, a[0], c[0])

	require.NoError(t, s.WritePage(c[0], fillPage('c')))
	m, err = s.CommitMeta(c[0], 0, b)
	require.NoError(t, err)

	// One commit later the first freed page is fair game.
	s.Reclaim(m.Version)
	d, err := s.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, a[0], d[0])
}

func TestUnallocateReusesImmediately(t *testing.T) {
	s, _, err := Open(testPath(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	ids, err := s.Allocate(3)
	require.NoError(t, err)
	s.Unallocate(ids...)

	again, err := s.Allocate(3)
	require.NoError(t, err)
	require.ElementsMatch(t, ids, again)
}

func TestReadPageOutOfRange(t *testing.T) {
	s, _, err := Open(testPath(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadPage(PageNone)
	require.Error(t, err)
	_, err = s.ReadPage(s.PageCount())
	require.Error(t, err)
}

func TestInMemoryStore(t *testing.T) {
	s, created, err := Open("anon", Options{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	require.True(t, created)

	ids, err := s.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, s.WritePage(ids[0], fillPage('m')))
	m, err := s.CommitMeta(ids[0], 0, nil)
	require.NoError(t, err)
	require.Equal(t, base.VersionFirst+1, m.Version)

	buf, err := s.ReadPage(ids[0])
	require.NoError(t, err)
	require.Equal(t, fillPage('m'), buf)
}

// TestFreelistSurvivesReopen commits a store with pages in the freed set
// and checks that a reopened store recovers them for reuse: with no process
// holding a snapshot pinned, pending pages are free pages.
func TestFreelistSurvivesReopen(t *testing.T) {
	path := testPath(t)
	s, _, err := Open(path, Options{})
	require.NoError(t, err)

	a, err := s.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, s.WritePage(a[0], fillPage('a')))
	_, err = s.CommitMeta(a[0], 0, nil)
	require.NoError(t, err)

	b, err := s.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, s.WritePage(b[0], fillPage('b')))
	_, err = s.CommitMeta(b[0], 0, a)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, _, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, a[0], c[0])
}

// TestReloadMetaKeepsFreedPagesPending covers the writer path between two
// commits: re-reading an unchanged meta must not promote pages freed by
// the last commit into the reusable pool while a pinned snapshot may still
// read them.
func TestReloadMetaKeepsFreedPagesPending(t *testing.T) {
	s, _, err := Open(testPath(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	a, err := s.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, s.WritePage(a[0], fillPage('a')))
	_, err = s.CommitMeta(a[0], 0, nil)
	require.NoError(t, err)

	b, err := s.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, s.WritePage(b[0], fillPage('b')))
	m, err := s.CommitMeta(b[0], 0, a)
	require.NoError(t, err)

	_, err = s.ReloadMeta()
	require.NoError(t, err)
	s.Reclaim(m.Version)
	c, err := s.Allocate(1)
	require.NoError(t, err)
	require.NotEqual(t, a[0], c[0])

	buf, err := s.ReadPage(a[0])
	require.NoError(t, err)
	require.Equal(t, fillPage('a'), buf)
}

// TestReloadMetaAdoptionParksForeignFreelist opens two handles over one
// file, commits through the first, and adopts through the second. The
// adopted freelist must land behind the pin horizon, not in the reusable
// pool: the second handle may still hold pins on the superseded snapshot.
func TestReloadMetaAdoptionParksForeignFreelist(t *testing.T) {
	path := testPath(t)
	s1, _, err := Open(path, Options{})
	require.NoError(t, err)
	defer s1.Close()
	s2, _, err := Open(path, Options{})
	require.NoError(t, err)
	defer s2.Close()

	a, err := s1.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, s1.WritePage(a[0], fillPage('a')))
	_, err = s1.CommitMeta(a[0], 0, nil)
	require.NoError(t, err)

	b, err := s1.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, s1.WritePage(b[0], fillPage('b')))
	m1, err := s1.CommitMeta(b[0], 0, a)
	require.NoError(t, err)

	m2, err := s2.ReloadMeta()
	require.NoError(t, err)
	require.Equal(t, m1.Version, m2.Version)

	s2.Reclaim(m2.Version)
	c, err := s2.Allocate(1)
	require.NoError(t, err)
	require.NotEqual(t, a[0], c[0])

	buf, err := s2.ReadPage(a[0])
	require.NoError(t, err)
	require.Equal(t, fillPage('a'), buf)
}
