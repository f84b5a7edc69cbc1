package gcache

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	minPoolPages = 2
	maxPoolPages = 512
)

// page is a fixed-size, page-aligned slice of plaintext backed by the
// pool's single anonymous mlocked mapping.
type page struct {
	index int // index within the pool's backing mapping
	bytes []byte
}

// pagePool is a fixed-capacity set of plaintext physical pages, all
// slices of one mlock'd anonymous mapping. It never swaps: allocation
// either returns an existing free page or nil, it never grows.
type pagePool struct {
	mu       sync.Mutex
	pageSize int
	capacity int
	region   []byte
	free     []int // indices of free pages into region
	log      logrus.FieldLogger
}

// newPagePool reserves capacity*pageSize bytes of anonymous memory and
// attempts to mlock it. capacity is clamped to [minPoolPages, maxPoolPages].
func newPagePool(pageSize, capacity int, log logrus.FieldLogger) (*pagePool, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if capacity < minPoolPages {
		capacity = minPoolPages
	}
	if capacity > maxPoolPages {
		capacity = maxPoolPages
	}

	region, err := unix.Mmap(-1, 0, pageSize*capacity,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, &IOError{Op: "mmap anon page pool", Err: err}
	}

	if err := unix.Mlock(region); err != nil {
		log.WithError(err).Warn("gcache: mlock of page pool failed, proceeding unlocked")
	}

	p := &pagePool{
		pageSize: pageSize,
		capacity: capacity,
		region:   region,
		free:     make([]int, capacity),
		log:      log,
	}
	for i := 0; i < capacity; i++ {
		p.free[i] = capacity - 1 - i // pop from the end, doesn't matter which order
	}
	return p, nil
}

// alloc returns a free page, or nil if the pool is exhausted.
func (p *pagePool) alloc() *page {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	start := idx * p.pageSize
	return &page{index: idx, bytes: p.region[start : start+p.pageSize]}
}

// release returns a page to the pool. It does not scrub the page's content.
func (p *pagePool) release(pg *page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, pg.index)
}

// freeAll resets the pool to fully free, without scrubbing.
func (p *pagePool) freeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = p.free[:0]
	for i := 0; i < p.capacity; i++ {
		p.free = append(p.free, i)
	}
}

func (p *pagePool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *pagePool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.region == nil {
		return nil
	}
	_ = unix.Munlock(p.region)
	err := unix.Munmap(p.region)
	p.region = nil
	if err != nil {
		return &IOError{Op: "munmap page pool", Err: err}
	}
	return nil
}

// poolKey identifies a pagePool by its construction parameters, for
// reuse via PagePoolManager.
type poolKey struct {
	pageSize int
	capacity int
}

// PagePoolManager amortizes page pool construction across many ring
// instances sharing the same (page size, capacity). Per Design Notes
// "global singletons → explicit context", it is no longer implicitly
// process-global: embedders construct one explicitly, or leave
// Config.PagePoolManager nil to use the package-level default.
type PagePoolManager struct {
	mu    sync.Mutex
	pools map[poolKey]*pagePool
	log   logrus.FieldLogger
}

// NewPagePoolManager constructs an empty pool-of-pools.
func NewPagePoolManager(log logrus.FieldLogger) *PagePoolManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PagePoolManager{pools: make(map[poolKey]*pagePool), log: log}
}

var (
	defaultPagePoolManagerOnce sync.Once
	defaultPagePoolManagerVal  *PagePoolManager
)

func defaultPagePoolManager() *PagePoolManager {
	defaultPagePoolManagerOnce.Do(func() {
		defaultPagePoolManagerVal = NewPagePoolManager(logrus.StandardLogger())
	})
	return defaultPagePoolManagerVal
}

// get returns the pool for (pageSize, capacity), creating it on first
// use.
func (m *PagePoolManager) get(pageSize, capacity int) (*pagePool, error) {
	key := poolKey{pageSize: pageSize, capacity: capacity}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[key]; ok {
		return p, nil
	}
	p, err := newPagePool(pageSize, capacity, m.log)
	if err != nil {
		return nil, fmt.Errorf("gcache: creating page pool: %w", err)
	}
	m.pools[key] = p
	return p, nil
}

// Close releases every pool this manager created.
func (m *PagePoolManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for k, p := range m.pools {
		if err := p.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.pools, k)
	}
	return firstErr
}
