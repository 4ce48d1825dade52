package pagestore

import (
	"io"
	"os"

	"github.com/ncw/directio"

	"cairn/internal/base"
)

func wrapOpenErr(path string, err error) error {
	return base.EnvErr(base.CodeIO, "open store "+path, err)
}

// diskBackend stores pages in a single file. Data pages are written through
// a second, O_DIRECT file descriptor with block-aligned buffers; meta pages
// and all reads use the ordinary descriptor. Filesystems without O_DIRECT
// support (notably tmpfs) fall back to buffered writes.
type diskBackend struct {
	file   *os.File
	direct *os.File // nil when read-only or O_DIRECT is unavailable
	block  []byte   // aligned scratch buffer, owned by the single writer
}

func openDiskBackend(path string, readOnly bool) (*diskBackend, bool, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		if readOnly && os.IsNotExist(err) {
			return nil, false, base.EnvErr(base.CodeIO, "read-only open of missing store "+path, err)
		}
		return nil, false, wrapOpenErr(path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, false, wrapOpenErr(path, err)
	}

	b := &diskBackend{file: file}
	if !readOnly {
		if direct, derr := directio.OpenFile(path, os.O_WRONLY, 0644); derr == nil {
			b.direct = direct
			b.block = directio.AlignedBlock(PageSize)
		}
	}
	return b, info.Size() == 0, nil
}

func (b *diskBackend) ReadPage(id PageID, buf []byte) error {
	n, err := b.file.ReadAt(buf, int64(id)*PageSize)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// An allocated page the transaction has not written yet reads as
		// zeroes, matching the in-memory backend.
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
	return err
}

func (b *diskBackend) WritePage(id PageID, buf []byte) error {
	off := int64(id) * PageSize
	if b.direct != nil && id >= firstDataPage {
		copy(b.block, buf)
		_, err := b.direct.WriteAt(b.block, off)
		return err
	}
	_, err := b.file.WriteAt(buf, off)
	return err
}

func (b *diskBackend) Sync() error {
	return b.file.Sync()
}

func (b *diskBackend) Close() error {
	var err error
	if b.direct != nil {
		err = b.direct.Close()
	}
	if cerr := b.file.Close(); err == nil {
		err = cerr
	}
	return err
}
