package sentinel

import (
	"golang.org/x/sys/unix"

	"cairn/internal/base"
)

// startWatcher begins watching the note file for rewrites by other
// processes. The watcher goroutine blocks in read(2) on the inotify
// descriptor; removing the watch during Close delivers an IN_IGNORED event
// that lets it exit.
func (s *Sentinel) startWatcher() error {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return base.EnvErr(base.CodeIO, "inotify init", err)
	}
	wd, err := unix.InotifyAddWatch(fd, s.notePath, unix.IN_MODIFY|unix.IN_CLOSE_WRITE)
	if err != nil {
		unix.Close(fd)
		return base.EnvErr(base.CodeIO, "inotify watch note file", err)
	}
	s.inotifyFd = fd
	s.watchDesc = wd

	go s.watch(fd)
	return nil
}

func (s *Sentinel) watch(fd int) {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if v, ok := readNote(s.noteFile); ok {
			s.bump(v)
		}
	}
}

func (s *Sentinel) stopWatcher() {
	if s.inotifyFd < 0 {
		return
	}
	// Wakes the watcher via IN_IGNORED before the descriptor goes away.
	unix.InotifyRmWatch(s.inotifyFd, uint32(s.watchDesc))
	unix.Close(s.inotifyFd)
	s.inotifyFd = -1
}
