package gcache

// memMapping is an in-memory Mapping used by tests that exercise the ring
// allocator without touching a real file or mmap.
type memMapping struct {
	data []byte
}

func newMemMapping(size int64) *memMapping {
	return &memMapping{data: make([]byte, size)}
}

func (m *memMapping) ReadAt(p []byte, off int64) error {
	copy(p, m.data[off:off+int64(len(p))])
	return nil
}

func (m *memMapping) WriteAt(p []byte, off int64) error {
	copy(m.data[off:off+int64(len(p))], p)
	return nil
}

func (m *memMapping) Sync() error               { return nil }
func (m *memMapping) SyncRange(off, n int64) error { return nil }
func (m *memMapping) Size() int64               { return int64(len(m.data)) }
func (m *memMapping) Close() error              { return nil }
