package gcache

import (
	"fmt"
	"os"
	"sync"
)

// GCache is the top-level handle for a ring cache: a ring buffer backed
// by either a raw or encrypted mapping, its preamble, and (when
// encryption is enabled) its master-key rotator.
type GCache struct {
	mu sync.Mutex

	ring     *RingBuffer
	mapping  Mapping
	file     *os.File
	preamble *Preamble
	rotator  *rotator
	config   *Config
	closed   bool
}

// Open opens or creates the ring file named by cfg.Name, recovering or
// resetting it per cfg.RecoverOnOpen, and returns a ready-to-use cache.
func Open(cfg *Config) (*GCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	preamble, _, err := OpenPreamble(cfg.Name, cfg.Encryption.Enabled, cfg.Logger)
	if err != nil {
		return nil, err
	}

	payloadRegionSize := cfg.SizeBytes + headerSize
	totalSize := int64(PreambleLen) + 8 + payloadRegionSize

	f, err := os.OpenFile(cfg.Name, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, &IOError{Op: "open ring file", Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &IOError{Op: "stat ring file", Err: err}
	}
	if info.Size() < totalSize {
		if err := f.Truncate(totalSize); err != nil {
			f.Close()
			return nil, &IOError{Op: "truncate ring file", Err: err}
		}
	}

	payloadRaw, err := openRawMapping(f, PreambleLen+8, payloadRegionSize)
	if err != nil {
		f.Close()
		return nil, err
	}

	var mapping Mapping = payloadRaw
	var rot *rotator
	forceReset := false

	if cfg.Encryption.Enabled {
		fileKey, reset, ferr := resolveFileKey(preamble, cfg.KeyProvider, cfg.Logger)
		if ferr != nil {
			payloadRaw.Close()
			f.Close()
			return nil, ferr
		}
		forceReset = reset

		pageCapacity := int(cfg.Encryption.CacheTotalSize / int64(cfg.Encryption.CachePageSize))
		pool, perr := cfg.PagePoolManager.get(cfg.Encryption.CachePageSize, pageCapacity)
		if perr != nil {
			payloadRaw.Close()
			f.Close()
			return nil, perr
		}

		encMap, eerr := NewEncMap(payloadRaw, cfg.Encryption.CachePageSize, 0, fileKey, pool, cfg.Encryption.ReadAheadPages, cfg.Logger)
		if eerr != nil {
			payloadRaw.Close()
			f.Close()
			return nil, eerr
		}
		mapping = encMap

		if err := preamble.Write(); err != nil {
			mapping.Close()
			f.Close()
			return nil, err
		}
		rot = newRotator(preamble, cfg.KeyProvider, fileKey, cfg.Logger)
	}

	opts := RingBufferOptions{
		SkipPurge:          cfg.SkipPurge,
		FreezePurgeAtSeqno: cfg.FreezePurgeAtSeqno,
		Logger:             cfg.Logger,
	}

	var ring *RingBuffer
	// A regenerated file key cannot decrypt the old contents, so the ring
	// starts fresh instead of being recovered.
	if cfg.RecoverOnOpen && !forceReset {
		rec, _ := RecoverRingBuffer(mapping, preamble.Offset, opts)
		if rec == nil {
			mapping.Close()
			f.Close()
			return nil, &RecoveryError{Reason: "failed to construct ring during recovery"}
		}
		ring = rec
	} else {
		fresh, nerr := NewRingBuffer(mapping, opts)
		if nerr != nil {
			mapping.Close()
			f.Close()
			return nil, nerr
		}
		ring = fresh
	}

	return &GCache{
		ring:     ring,
		mapping:  mapping,
		file:     f,
		preamble: preamble,
		rotator:  rot,
		config:   cfg,
	}, nil
}

func (g *GCache) checkOpen() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	return nil
}

// Malloc allocates a buffer of at least size payload bytes.
func (g *GCache) Malloc(size int) (*Buffer, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	return g.ring.Malloc(size)
}

// Realloc grows or relocates buf to hold at least newSize payload bytes.
func (g *GCache) Realloc(buf *Buffer, newSize int) (*Buffer, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	return g.ring.Realloc(buf, newSize)
}

// Free releases a buffer's accounting. buf's RELEASED flag must already
// be set (see Buffer.MarkReleased).
func (g *GCache) Free(buf *Buffer) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	return g.ring.Free(buf)
}

// SeqnoAssign records the order assigned to buf.
func (g *GCache) SeqnoAssign(buf *Buffer, s SeqNo) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	return g.ring.SeqnoAssign(buf, s)
}

// SeqnoRelease marks and discards every buffer ordered at or below
// upTo.
func (g *GCache) SeqnoRelease(upTo SeqNo) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	return g.ring.SeqnoRelease(upTo)
}

// SeqnoLock pins the low-water mark at firstNeeded while a donor
// streams IST from it.
func (g *GCache) SeqnoLock(firstNeeded SeqNo) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	g.ring.SeqnoLock(firstNeeded)
	return nil
}

// SeqnoUnlock releases a lock established by SeqnoLock.
func (g *GCache) SeqnoUnlock() error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	g.ring.SeqnoUnlock()
	return nil
}

// SeqnoMin returns the smallest currently indexed seqno.
func (g *GCache) SeqnoMin() SeqNo { return g.ring.SeqnoMin() }

// SeqnoMax returns the largest currently indexed seqno.
func (g *GCache) SeqnoMax() SeqNo { return g.ring.SeqnoMax() }

// SeqnoReset invalidates all cached seqnos, used after a history UUID
// change.
func (g *GCache) SeqnoReset(zeroOut bool) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	return g.ring.SeqnoReset(zeroOut)
}

// SetDebug toggles extra internal consistency checking.
func (g *GCache) SetDebug(on bool) {
	g.ring.SetDebug(on)
}

// RotateMasterKey triggers an out-of-band rotation of the file-key
// wrapping master key. It does nothing and returns a *ValidationError
// if encryption is not enabled.
func (g *GCache) RotateMasterKey() error {
	if g.rotator == nil {
		return &ValidationError{Field: "encryption", Msg: "not enabled, nothing to rotate"}
	}
	return g.rotator.Rotate()
}

// Close flushes pending writes, persists a synced preamble, and
// releases the mapping and file descriptor.
func (g *GCache) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	var firstErr error
	if err := g.mapping.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}

	stats := g.ring.StatsSnapshot()
	g.preamble.Synced = true
	g.preamble.SeqnoMin = stats.SeqnoMin
	g.preamble.SeqnoMax = stats.SeqnoMax
	g.preamble.Offset = stats.First
	if err := g.preamble.Write(); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := g.mapping.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := g.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DumpMap returns a human-readable report of the ring's cursor and
// index state, used by cmd/gcachetool and by operators debugging a
// running cache.
func (g *GCache) DumpMap() string {
	s := g.ring.StatsSnapshot()
	return fmt.Sprintf(
		"first=%d next=%d size_cache=%d size_free=%d size_used=%d size_trail=%d index_len=%d seqno_min=%d seqno_max=%d",
		s.First, s.Next, s.SizeCache, s.SizeFree, s.SizeUsed, s.SizeTrail, s.IndexLen, s.SeqnoMin, s.SeqnoMax,
	)
}

// Stats exposes the ring's current accounting snapshot.
func (g *GCache) Stats() Stats {
	return g.ring.StatsSnapshot()
}
