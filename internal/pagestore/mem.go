package pagestore

import (
	"sync"
)

// memBackend keeps all pages in heap memory for in-memory stores. Content
// is gone when the backend is; durability calls are no-ops.
type memBackend struct {
	mu    sync.RWMutex
	pages [][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{}
}

func (b *memBackend) ReadPage(id PageID, buf []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if int(id) >= len(b.pages) || b.pages[id] == nil {
		// Allocated but never written pages read as zeroes.
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, b.pages[id])
	return nil
}

func (b *memBackend) WritePage(id PageID, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for int(id) >= len(b.pages) {
		b.pages = append(b.pages, nil)
	}
	p := make([]byte, PageSize)
	copy(p, buf)
	b.pages[id] = p
	return nil
}

func (b *memBackend) Sync() error { return nil }

func (b *memBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages = nil
	return nil
}
