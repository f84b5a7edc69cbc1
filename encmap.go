package gcache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// FlushLimit is how many dirty pages flushDirtyLocked (Sync and
// SyncRange) writes back between flushes of the pending glue run. A page
// fault evicts a single LRU page (see evictOne), not a batch of this size.
const FlushLimit = 100

// residentPage is one page currently decrypted into physical memory.
type residentPage struct {
	pg    *page
	dirty bool
}

// EncMap is a cooperative, non-signal page cache: callers reach it
// exclusively through ReadAt/WriteAt, which fault in or evict pages as
// needed instead of relying on a SIGSEGV handler and mmap(MAP_FIXED)
// remapping.
type EncMap struct {
	mu sync.Mutex

	backing *rawMapping // raw mapping of the backing file, full vmemSize
	pool    *pagePool
	lru     *lru.Cache // virtual page index -> *residentPage

	cipher *aesCTRCipher

	pageSize       int
	vmemSize       int64
	pagesCnt       int
	lastPageSize   int
	encStartOffset int64
	readAheadCnt   int

	gluer pendingGlue
	log   logrus.FieldLogger
}

// NewEncMap builds an encrypted mapping over backing, a raw mapping of
// the full vmemSize-byte region. key must be FileKeyLength bytes.
func NewEncMap(backing *rawMapping, pageSize int, encStartOffset int64, key []byte, pool *pagePool, readAheadCnt int, log logrus.FieldLogger) (*EncMap, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	vmemSize := backing.Size()
	if pageSize <= 0 || vmemSize <= 0 {
		return nil, &ValidationError{Field: "page_size/vmem_size", Msg: "must be positive"}
	}
	pagesCnt := int((vmemSize + int64(pageSize) - 1) / int64(pageSize))
	lastPageSize := int(vmemSize % int64(pageSize))
	if lastPageSize == 0 {
		lastPageSize = pageSize
	}

	c, err := newAESCTRCipher(key)
	if err != nil {
		return nil, err
	}

	m := &EncMap{
		backing:        backing,
		pool:           pool,
		cipher:         c,
		pageSize:       pageSize,
		vmemSize:       vmemSize,
		pagesCnt:       pagesCnt,
		lastPageSize:   lastPageSize,
		encStartOffset: encStartOffset,
		readAheadCnt:   readAheadCnt,
		log:            log,
	}

	cache, err := lru.NewWithEvict(pool.capacity, func(key, value interface{}) {
		m.onEvicted(key.(int), value.(*residentPage))
	})
	if err != nil {
		return nil, fmt.Errorf("gcache: building encrypted mapping cache: %w", err)
	}
	m.lru = cache

	return m, nil
}

func (m *EncMap) pageStart(idx int) int64 { return int64(idx) * int64(m.pageSize) }

func (m *EncMap) pageLen(idx int) int64 {
	if idx == m.pagesCnt-1 {
		return int64(m.lastPageSize)
	}
	return int64(m.pageSize)
}

// cipherRange returns the sub-range of page idx, in absolute offsets,
// that is actually encrypted (i.e. at or past encStartOffset).
func (m *EncMap) cipherRange(idx int) (start, end int64) {
	pstart, plen := m.pageStart(idx), m.pageLen(idx)
	pend := pstart + plen
	start = pstart
	if start < m.encStartOffset {
		start = m.encStartOffset
	}
	if start >= pend {
		return pend, pend
	}
	return start, pend
}

// onEvicted is the LRU eviction callback: dirty pages are queued with
// the gluer for a single batched re-encryption; clean pages return to
// the pool immediately.
func (m *EncMap) onEvicted(idx int, rp *residentPage) {
	if rp.dirty {
		m.gluer.add(m, idx, rp.pg)
	} else {
		m.pool.release(rp.pg)
	}
}

// faultIn brings page idx into residency, decrypting it from the
// backing mapping if it was not already resident. forWrite marks it
// dirty (or leaves it dirty if it already was).
func (m *EncMap) faultIn(idx int, forWrite bool) (*residentPage, error) {
	if v, ok := m.lru.Get(idx); ok {
		rp := v.(*residentPage)
		if forWrite {
			rp.dirty = true
		}
		return rp, nil
	}

	// A page evicted into the gluer but not yet written back still only
	// exists as pending plaintext; reading it from the backing mapping
	// now would return what was there before the eviction. Flush the
	// run first so the backing file is caught up before we re-fault it.
	if _, pending := m.gluer.get(idx); pending {
		m.gluer.flush(m)
	}

	pg := m.pool.alloc()
	if pg == nil {
		if err := m.evictOne(); err != nil {
			return nil, err
		}
		pg = m.pool.alloc()
		if pg == nil {
			return nil, &IOError{Op: "page fault", Err: fmt.Errorf("page pool exhausted")}
		}
	}

	if err := m.decryptInto(idx, pg.bytes); err != nil {
		m.pool.release(pg)
		return nil, err
	}

	rp := &residentPage{pg: pg, dirty: forWrite}
	m.lru.Add(idx, rp)
	return rp, nil
}

// evictOne reclaims exactly one page via LRU order, so the next alloc()
// succeeds. It leaves any glued dirty range pending (flushed lazily by
// the gluer) so that a following adjacent eviction can still be glued.
func (m *EncMap) evictOne() error {
	if m.lru.Len() == 0 {
		return &IOError{Op: "page fault", Err: fmt.Errorf("no resident pages to evict")}
	}
	m.lru.RemoveOldest() // triggers onEvicted synchronously
	return nil
}

// decryptInto reads page idx's bytes from the backing mapping into dst
// and decrypts the encrypted sub-range in place.
func (m *EncMap) decryptInto(idx int, dst []byte) error {
	plen := m.pageLen(idx)
	if err := m.backing.ReadAt(dst[:plen], m.pageStart(idx)); err != nil {
		return err
	}
	cStart, cEnd := m.cipherRange(idx)
	if cEnd <= cStart {
		return nil
	}
	rel := cStart - m.pageStart(idx)
	return m.cipher.cryptAt(dst[rel:rel+(cEnd-cStart)], dst[rel:rel+(cEnd-cStart)], cStart)
}

// encryptAndWrite encrypts the encrypted sub-range of a page's plaintext
// and writes the full page back to the backing mapping.
func (m *EncMap) encryptAndWrite(idx int, plaintext []byte) error {
	cStart, cEnd := m.cipherRange(idx)
	buf := append([]byte{}, plaintext...)
	if cEnd > cStart {
		rel := cStart - m.pageStart(idx)
		if err := m.cipher.cryptAt(buf[rel:rel+(cEnd-cStart)], buf[rel:rel+(cEnd-cStart)], cStart); err != nil {
			return err
		}
	}
	return m.backing.WriteAt(buf, m.pageStart(idx))
}

// pendingGlue holds the plaintext of dirty victims evicted at consecutive
// virtual page indices, deferring their write-back until the run is
// broken, re-faulted or synced. flush encrypts and writes each page of the
// run separately; a run is not encrypted with a single cipher call.
type pendingGlue struct {
	active   bool
	startIdx int
	pages    [][]byte
}

func (g *pendingGlue) add(m *EncMap, idx int, pg *page) {
	// Copy out of pg.bytes before releasing it: the pool's free list is
	// LIFO, so the very next alloc() (the one faultIn makes to satisfy
	// the fault that triggered this eviction) hands back this exact
	// memory, which would otherwise overwrite the pending dirty data
	// before it's ever flushed.
	cp := append([]byte(nil), pg.bytes...)
	if g.active && idx == g.startIdx+len(g.pages) {
		g.pages = append(g.pages, cp)
		m.pool.release(pg)
		return
	}
	g.flush(m)
	g.active = true
	g.startIdx = idx
	g.pages = [][]byte{cp}
	m.pool.release(pg)
}

// get reports whether idx's plaintext is currently sitting in the
// pending glue run, awaiting write-back.
func (g *pendingGlue) get(idx int) ([]byte, bool) {
	if !g.active || idx < g.startIdx || idx >= g.startIdx+len(g.pages) {
		return nil, false
	}
	return g.pages[idx-g.startIdx], true
}

func (g *pendingGlue) flush(m *EncMap) {
	if !g.active {
		return
	}
	for i, buf := range g.pages {
		idx := g.startIdx + i
		plen := m.pageLen(idx)
		if err := m.encryptAndWrite(idx, buf[:plen]); err != nil {
			m.log.WithError(err).WithField("page", idx).Error("gcache: failed to flush dirty page")
		}
	}
	g.active = false
	g.pages = nil
}

// ReadAt implements Mapping.
func (m *EncMap) ReadAt(p []byte, off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessLocked(p, off, false)
}

// WriteAt implements Mapping.
func (m *EncMap) WriteAt(p []byte, off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessLocked(p, off, true)
}

func (m *EncMap) accessLocked(p []byte, off int64, write bool) error {
	if off < 0 || off+int64(len(p)) > m.vmemSize {
		return fmt.Errorf("gcache: encrypted mapping access out of range: off=%d len=%d size=%d", off, len(p), m.vmemSize)
	}

	remaining := p
	pos := off
	firstFault := true
	for len(remaining) > 0 {
		idx := int(pos / int64(m.pageSize))
		pageOff := pos % int64(m.pageSize)
		n := m.pageLen(idx) - pageOff
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}

		_, resident := m.lru.Peek(idx)
		rp, err := m.faultIn(idx, write)
		if err != nil {
			return err
		}

		if write {
			copy(rp.pg.bytes[pageOff:pageOff+n], remaining[:n])
		} else {
			copy(remaining[:n], rp.pg.bytes[pageOff:pageOff+n])
		}

		if !write && firstFault && !resident && m.readAheadCnt > 0 {
			m.readAhead(idx)
		}
		firstFault = false

		remaining = remaining[n:]
		pos += n
	}
	return nil
}

// readAhead prefetches up to readAheadCnt subsequent not-yet-resident
// pages on a read fault, stopping at the first pool exhaustion rather
// than evicting to make room.
func (m *EncMap) readAhead(fromIdx int) {
	for i := 1; i <= m.readAheadCnt; i++ {
		idx := fromIdx + i
		if idx >= m.pagesCnt {
			return
		}
		if _, ok := m.lru.Get(idx); ok {
			continue
		}
		if _, pending := m.gluer.get(idx); pending {
			m.gluer.flush(m)
		}
		pg := m.pool.alloc()
		if pg == nil {
			return // stop on first exhausted pool, no eviction during read-ahead
		}
		if err := m.decryptInto(idx, pg.bytes); err != nil {
			m.pool.release(pg)
			return
		}
		m.lru.Add(idx, &residentPage{pg: pg, dirty: false})
	}
}

// Sync implements Mapping: every dirty page is encrypted back to the
// backing file, then the backing mapping is flushed to stable storage.
func (m *EncMap) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flushDirtyLocked(0, m.vmemSize); err != nil {
		return err
	}
	return m.backing.Sync()
}

// SyncRange implements Mapping, restricting the flush to the pages
// spanning [off, off+n).
func (m *EncMap) SyncRange(off, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flushDirtyLocked(off, n); err != nil {
		return err
	}
	return m.backing.SyncRange(off, n)
}

// flushDirtyLocked re-encrypts and writes back every dirty resident page
// overlapping [off, off+n), marking it clean. Every FlushLimit such pages,
// and once at the end, it also flushes the pending glue run of pages that
// were evicted earlier.
func (m *EncMap) flushDirtyLocked(off, n int64) error {
	first := int(off / int64(m.pageSize))
	last := int((off + n - 1) / int64(m.pageSize))

	flushed := 0
	for idx := first; idx <= last && idx < m.pagesCnt; idx++ {
		v, ok := m.lru.Peek(idx)
		if !ok {
			continue
		}
		rp := v.(*residentPage)
		if !rp.dirty {
			continue
		}
		if err := m.encryptAndWrite(idx, rp.pg.bytes[:m.pageLen(idx)]); err != nil {
			return err
		}
		rp.dirty = false
		flushed++
		if flushed >= FlushLimit {
			m.gluer.flush(m)
			flushed = 0
		}
	}
	m.gluer.flush(m)
	return nil
}

// Size implements Mapping.
func (m *EncMap) Size() int64 { return m.vmemSize }

// SetKey destructively replaces the stream cipher key: all residency is
// invalidated first (protection → none, pages returned to the pool)
// without re-encrypting, since the caller is responsible for having
// synced beforehand if they wanted the old key's writes preserved.
func (m *EncMap) SetKey(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := newAESCTRCipher(key)
	if err != nil {
		return err
	}

	// SetKey is destructive by contract: residency is invalidated, not
	// flushed. Mark every resident page clean first so Purge's onEvicted
	// path only returns pages to the pool instead of gluing (and possibly
	// writing back) them under the OLD key, then drop any pending run.
	for _, k := range m.lru.Keys() {
		if v, ok := m.lru.Peek(k); ok {
			v.(*residentPage).dirty = false
		}
	}
	m.lru.Purge()
	m.gluer.active = false
	m.gluer.pages = nil

	m.cipher = c
	return nil
}

// Close releases the backing mapping. It does not sync first; callers
// that want durability must call Sync before Close.
func (m *EncMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
	return m.backing.Close()
}
