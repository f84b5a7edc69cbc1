package gcache

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is the byte-addressable capability the ring buffer reads and
// writes through. Two implementations exist: *rawMapping, a direct mmap
// of the backing file, and *EncMap, a page-fault-driven decrypting cache
// over the same file. The ring never touches raw bytes of either one
// directly; it always goes through this interface, so it does not need
// to know which is in play.
type Mapping interface {
	ReadAt(p []byte, off int64) error
	WriteAt(p []byte, off int64) error
	Sync() error
	SyncRange(off, n int64) error
	Size() int64
	Close() error
}

// rawMapping is a plain mmap of a file region, used when encryption is
// disabled.
type rawMapping struct {
	f    *os.File
	data []byte
}

// openRawMapping mmaps the byte range [offset, offset+size) of f.
func openRawMapping(f *os.File, offset, size int64) (*rawMapping, error) {
	data, err := unix.Mmap(int(f.Fd()), offset, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, &IOError{Op: "mmap", Err: err}
	}
	return &rawMapping{f: f, data: data}, nil
}

func (m *rawMapping) ReadAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return fmt.Errorf("gcache: read out of range: off=%d len=%d size=%d", off, len(p), len(m.data))
	}
	copy(p, m.data[off:off+int64(len(p))])
	return nil
}

func (m *rawMapping) WriteAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return fmt.Errorf("gcache: write out of range: off=%d len=%d size=%d", off, len(p), len(m.data))
	}
	copy(m.data[off:off+int64(len(p))], p)
	return nil
}

func (m *rawMapping) Sync() error {
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return &IOError{Op: "msync", Err: err}
	}
	return nil
}

func (m *rawMapping) SyncRange(off, n int64) error {
	if off < 0 || n <= 0 || off+n > int64(len(m.data)) {
		return fmt.Errorf("gcache: sync range out of bounds")
	}
	pageSz := int64(unix.Getpagesize())
	alignedOff := off - (off % pageSz)
	end := off + n
	if err := unix.Msync(m.data[alignedOff:end], unix.MS_SYNC); err != nil {
		return &IOError{Op: "msync", Err: err}
	}
	return nil
}

func (m *rawMapping) Size() int64 { return int64(len(m.data)) }

func (m *rawMapping) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if err != nil {
		return &IOError{Op: "munmap", Err: err}
	}
	return nil
}
