// Package sentinel coordinates sessions that share one store file, in this
// process and in others. Two sibling artifacts sit next to the store file:
//
//	<path>.lock  flock target for the single write slot
//	<path>.note  8 bytes holding the latest committed version
//
// A commit rewrites the note file and in-process subscribers are poked
// directly; other processes observe the rewrite through an inotify watch,
// so nobody polls. Rapid commits collapse: a subscriber that wakes late
// sees only the newest version, never a queue of intermediates.
package sentinel

import (
	"encoding/binary"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"cairn/internal/base"
)

const (
	lockSuffix = ".lock"
	noteSuffix = ".note"
)

// Sentinel is the coordination endpoint for one opened store. All methods
// are safe for concurrent use.
type Sentinel struct {
	inMemory bool
	readOnly bool

	lockFile *os.File
	noteFile *os.File
	notePath string
	lockPath string

	latest base.AtomicVersion

	mu     sync.Mutex
	subs   []chan base.VersionID
	closed bool

	inotifyFd int
	watchDesc int
}

// New creates the coordination artifacts for the store at path. In-memory
// stores coordinate purely in-process and create no files.
func New(path string, latest base.VersionID, inMemory, readOnly bool) (*Sentinel, error) {
	s := &Sentinel{
		inMemory:  inMemory,
		readOnly:  readOnly,
		inotifyFd: -1,
		watchDesc: -1,
	}
	s.latest.Store(latest)
	if inMemory {
		return s, nil
	}

	s.lockPath = path + lockSuffix
	s.notePath = path + noteSuffix
	lock, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, base.EnvErr(base.CodeIO, "create lock file", err)
	}
	s.lockFile = lock
	note, err := os.OpenFile(s.notePath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		lock.Close()
		return nil, base.EnvErr(base.CodeIO, "create note file", err)
	}
	s.noteFile = note

	// Catch up with a version another process may have announced before we
	// opened.
	if v, ok := readNote(note); ok && v > s.latest.Load() {
		s.latest.Store(v)
	}

	if err := s.startWatcher(); err != nil {
		note.Close()
		lock.Close()
		return nil, err
	}
	return s, nil
}

// AcquireWrite blocks until this process holds the store file's exclusive
// write slot. In-memory stores have no cross-process writers; the in-process
// writer queue above this layer is sufficient for them.
func (s *Sentinel) AcquireWrite() error {
	if s.inMemory {
		return nil
	}
	if err := unix.Flock(int(s.lockFile.Fd()), unix.LOCK_EX); err != nil {
		return base.EnvErr(base.CodeIO, "acquire write lock", err)
	}
	return nil
}

// ReleaseWrite releases the write slot.
func (s *Sentinel) ReleaseWrite() error {
	if s.inMemory {
		return nil
	}
	if err := unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN); err != nil {
		return base.EnvErr(base.CodeIO, "release write lock", err)
	}
	return nil
}

// Announce publishes a freshly committed version: the note file is
// rewritten for other processes and in-process subscribers are woken.
func (s *Sentinel) Announce(v base.VersionID) error {
	if !s.inMemory && !s.readOnly {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		if _, err := s.noteFile.WriteAt(buf[:], 0); err != nil {
			return base.EnvErr(base.CodeIO, "write note file", err)
		}
	}
	s.bump(v)
	return nil
}

// Subscribe registers a wake-up channel. The channel carries the newest
// known version; intermediate versions are dropped, never queued. The
// returned cancel function unregisters the channel.
func (s *Sentinel) Subscribe() (<-chan base.VersionID, func()) {
	ch := make(chan base.VersionID, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Latest returns the newest version this sentinel has observed. Lock-free:
// the commit path reads it on every Refresh.
func (s *Sentinel) Latest() base.VersionID {
	return s.latest.Load()
}

// bump records a newer version and pokes every subscriber, replacing any
// undelivered older wake-up so only the latest version is ever pending.
func (s *Sentinel) bump(v base.VersionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || v <= s.latest.Load() {
		return
	}
	s.latest.Store(v)
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Close tears down the watcher and closes the coordination files. When
// removeArtifacts is set (last in-process session over a store this process
// created), the sibling files are deleted best-effort; another process
// still holding them simply recreates the pair on its next open.
func (s *Sentinel) Close(removeArtifacts bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	s.stopWatcher()

	if s.inMemory {
		return nil
	}
	var err error
	if cerr := s.noteFile.Close(); cerr != nil {
		err = cerr
	}
	if cerr := s.lockFile.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if removeArtifacts {
		os.Remove(s.notePath)
		os.Remove(s.lockPath)
	}
	if err != nil {
		return base.EnvErr(base.CodeIO, "close coordination files", err)
	}
	return nil
}

func readNote(f *os.File) (base.VersionID, bool) {
	var buf [8]byte
	if n, err := f.ReadAt(buf[:], 0); err != nil || n != 8 {
		return base.VersionNone, false
	}
	return base.VersionID(binary.BigEndian.Uint64(buf[:])), true
}
