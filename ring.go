package gcache

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// RingBuffer is a contiguous allocator over a Mapping, with seqno
// indexing, release/discard, rollover, and reclamation. All positions
// are int64 byte offsets into the Mapping, never pointers.
type RingBuffer struct {
	mu sync.Mutex

	mapping   Mapping
	sizeCache int64 // usable bytes, excludes the one trailing sentinel slot

	first, next         int64
	sizeFree, sizeUsed  int64
	sizeTrail           int64
	index               *seqnoIndex
	skipPurge           func(SeqNo) bool
	freezePurgeAtSeqno  SeqNo
	lockActive          bool
	lockedFrom          SeqNo
	debug               bool
	log                 logrus.FieldLogger
}

// RingBufferOptions configures a new or recovered RingBuffer.
type RingBufferOptions struct {
	SkipPurge          func(SeqNo) bool
	FreezePurgeAtSeqno SeqNo
	Logger             logrus.FieldLogger
}

// NewRingBuffer initializes a fresh ring over mapping: first=next=0, all
// space free, a sentinel header written at offset 0.
func NewRingBuffer(mapping Mapping, opts RingBufferOptions) (*RingBuffer, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if mapping.Size() <= headerSize {
		return nil, &ValidationError{Field: "mapping size", Msg: "too small to hold even a sentinel header"}
	}
	r := &RingBuffer{
		mapping:            mapping,
		sizeCache:          mapping.Size() - headerSize,
		index:              newSeqnoIndex(),
		skipPurge:          opts.SkipPurge,
		freezePurgeAtSeqno: opts.FreezePurgeAtSeqno,
		log:                opts.Logger,
	}
	r.sizeFree = r.sizeCache
	r.writeHeader(0, BufferHeader{})
	return r, nil
}

func (r *RingBuffer) end() int64 { return r.sizeCache }

func (r *RingBuffer) headerAt(off int64) BufferHeader {
	buf := make([]byte, headerSize)
	if err := r.mapping.ReadAt(buf, off); err != nil {
		r.log.WithError(err).WithField("offset", off).Error("gcache: failed to read header")
		return BufferHeader{}
	}
	return unmarshalHeader(buf)
}

func (r *RingBuffer) writeHeader(off int64, h BufferHeader) {
	buf := make([]byte, headerSize)
	h.marshal(buf)
	if err := r.mapping.WriteAt(buf, off); err != nil {
		r.log.WithError(err).WithField("offset", off).Error("gcache: failed to write header")
	}
}

// normalizeTrail enforces the invariant that size_trail is zero whenever
// next has caught back up to or past first.
func (r *RingBuffer) normalizeTrail() {
	if r.next >= r.first {
		r.sizeTrail = 0
	}
}

// Malloc allocates a buffer of at least size payload bytes, rounded up
// to word alignment.
func (r *RingBuffer) Malloc(size int) (*Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if size <= 0 {
		return nil, &ValidationError{Field: "size", Msg: "must be positive"}
	}
	total := int64(headerSize + alignUp(size, wordSize))
	if total > r.sizeCache/2 {
		return nil, ErrRequestTooLarge
	}

	off, err := r.getNewBuffer(total)
	if err != nil {
		return nil, err
	}

	r.writeHeader(off, BufferHeader{
		Size:   uint32(total),
		SeqnoG: SeqNoNone,
		Store:  storeInRing,
	})
	r.writeHeader(r.next, BufferHeader{}) // rollover sentinel at new next

	return &Buffer{ring: r, offset: off}, nil
}

// getNewBuffer finds and reserves placement for a buffer of total bytes
// (header included), returning its header offset.
func (r *RingBuffer) getNewBuffer(total int64) (int64, error) {
	origNext, origTrail := r.next, r.sizeTrail
	wrapped := false

	if r.next >= r.first {
		if r.end()-r.next < total {
			r.sizeTrail = r.end() - r.next
			r.sizeFree -= r.sizeTrail
			r.next = 0
			wrapped = true
		} else {
			return r.commitPlacement(r.next, total)
		}
	}

	for r.first-r.next < total {
		ok, err := r.tryDiscardAtFirst()
		if err != nil || !ok {
			if wrapped {
				r.sizeFree += r.sizeTrail - origTrail
				r.next = origNext
				r.sizeTrail = origTrail
			}
			if err != nil {
				return 0, err
			}
			return 0, ErrOutOfSpace
		}
	}

	return r.commitPlacement(r.next, total)
}

func (r *RingBuffer) commitPlacement(off, total int64) (int64, error) {
	r.next = off + total
	r.sizeUsed += total
	r.sizeFree -= total
	r.normalizeTrail()
	return off, r.checkInvariants()
}

// tryDiscardAtFirst attempts to reclaim the buffer currently at `first`,
// advancing first past it and crediting its span to size_free. size_used
// was already decremented when the buffer was logically freed (Free or
// SeqnoRelease); this only moves the span from "freed but unreclaimed"
// into size_free. It returns ok=false (no error) when the buffer cannot
// be reclaimed yet (not released, or vetoed by policy), which the
// caller treats as out-of-space.
func (r *RingBuffer) tryDiscardAtFirst() (bool, error) {
	if r.sizeCache-r.sizeFree-r.sizeTrail == 0 {
		return false, nil // nothing physically occupied left to reclaim
	}
	h := r.headerAt(r.first)

	if h.isSentinel() {
		r.first = 0
		r.normalizeTrail()
		return true, nil
	}

	if !h.released() {
		return false, nil
	}
	if h.SeqnoG > 0 {
		if r.lockActive && h.SeqnoG >= r.lockedFrom {
			return false, nil
		}
		if r.freezePurgeAtSeqno != 0 && h.SeqnoG > r.freezePurgeAtSeqno {
			return false, nil
		}
		if r.skipPurge != nil && r.skipPurge(h.SeqnoG) {
			return false, nil
		}
	}

	if h.SeqnoG > 0 {
		r.index.erase(h.SeqnoG)
	}
	r.sizeFree += int64(h.Size)
	r.first += int64(h.Size)
	r.normalizeTrail()
	return true, r.checkInvariants()
}

// Realloc grows or relocates buf to hold at least newSize payload bytes.
func (r *RingBuffer) Realloc(buf *Buffer, newSize int) (*Buffer, error) {
	r.mu.Lock()

	h := r.headerAt(buf.offset)
	oldTotal := int64(h.Size)
	newTotal := int64(headerSize + alignUp(newSize, wordSize))

	if newTotal <= oldTotal {
		h.Size = uint32(newTotal)
		r.writeHeader(buf.offset, h)
		r.sizeUsed -= oldTotal - newTotal
		r.sizeFree += oldTotal - newTotal
		if buf.offset+oldTotal == r.next {
			// shrinking the buffer currently abutting next pulls next
			// back too, so the freed tail isn't orphaned mid-ring.
			r.next = buf.offset + newTotal
		}
		r.writeHeader(buf.offset+newTotal, BufferHeader{})
		r.mu.Unlock()
		return buf, nil
	}

	// Adjacent growth: only possible if this buffer currently ends
	// exactly at `next`.
	if buf.offset+oldTotal == r.next {
		grow := newTotal - oldTotal
		if r.next >= r.first {
			if r.end()-r.next >= grow {
				r.next += grow
				r.sizeUsed += grow
				r.sizeFree -= grow
				h.Size = uint32(newTotal)
				r.writeHeader(buf.offset, h)
				r.writeHeader(r.next, BufferHeader{})
				r.mu.Unlock()
				return buf, nil
			}
		} else if r.first-r.next >= grow {
			r.next += grow
			r.sizeUsed += grow
			r.sizeFree -= grow
			h.Size = uint32(newTotal)
			r.writeHeader(buf.offset, h)
			r.writeHeader(r.next, BufferHeader{})
			r.mu.Unlock()
			return buf, nil
		}
	}
	r.mu.Unlock()

	// Copy strategy: allocate fresh, copy old payload, free the old one.
	newBuf, err := r.Malloc(newSize)
	if err != nil {
		return nil, err
	}
	oldPayload, rerr := buf.Bytes()
	if rerr != nil {
		return nil, rerr
	}
	if werr := newBuf.CopyFrom(oldPayload); werr != nil {
		return nil, werr
	}
	buf.MarkReleased()
	if ferr := r.Free(buf); ferr != nil {
		r.log.WithError(ferr).Warn("gcache: failed to free old buffer after realloc copy")
	}
	return newBuf, nil
}

// Free releases a buffer's accounting; the buffer's RELEASED flag must
// already be set by the caller.
func (r *RingBuffer) Free(buf *Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.headerAt(buf.offset)
	if !h.released() {
		return ErrNotReleased
	}
	// size_used drops the moment the buffer is logically freed; the
	// physical span it occupies isn't credited to size_free until
	// tryDiscardAtFirst walks the cursor over it. Between the two, that
	// span is neither used nor free — just unreclaimed.
	r.sizeUsed -= int64(h.Size)
	if h.SeqnoG == SeqNoNone {
		h.SeqnoG = SeqNoIll
		r.writeHeader(buf.offset, h)
	}
	return r.checkInvariants()
}

// SeqnoAssign records that buf's payload is the write-set ordered at s,
// inserting it into the seqno index.
func (r *RingBuffer) SeqnoAssign(buf *Buffer, s SeqNo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.headerAt(buf.offset)
	h.SeqnoG = s
	r.writeHeader(buf.offset, h)
	r.index.insert(s, buf.offset)
	return nil
}

// DiscardSeqnos removes every present, released, ring-owned entry from
// the front of the index up to and including upTo, stopping (and
// returning false) at the first entry that is not yet released or whose
// discard is held by SeqnoLock, FreezePurgeAtSeqno or SkipPurge.
func (r *RingBuffer) DiscardSeqnos(upTo SeqNo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discardSeqnosLocked(upTo)
}

func (r *RingBuffer) discardSeqnosLocked(upTo SeqNo) bool {
	for {
		s, ok := r.index.front()
		if !ok || s > upTo {
			return true
		}
		if (r.lockActive && s >= r.lockedFrom) ||
			(r.freezePurgeAtSeqno != 0 && s > r.freezePurgeAtSeqno) ||
			(r.skipPurge != nil && r.skipPurge(s)) {
			return false
		}
		off, _ := r.index.get(s)
		h := r.headerAt(off)
		if !h.released() {
			return false
		}
		if h.Store == storeInRing {
			h.SeqnoG = SeqNoIll
			r.writeHeader(off, h)
		}
		r.index.erase(s)
	}
}

// SeqnoRelease marks every indexed entry up to upTo as released, then
// discards them.
func (r *RingBuffer) SeqnoRelease(upTo SeqNo) error {
	r.mu.Lock()
	var toRelease []int64
	r.index.iterate(func(s SeqNo, off int64) bool {
		if s > upTo {
			return false
		}
		toRelease = append(toRelease, off)
		return true
	})
	for _, off := range toRelease {
		h := r.headerAt(off)
		if !h.released() {
			h.setReleased()
			r.writeHeader(off, h)
			r.sizeUsed -= int64(h.Size)
		}
	}
	err := r.checkInvariants()
	r.mu.Unlock()

	r.DiscardSeqnos(upTo)
	return err
}

// SeqnoLock pins the low-water mark at firstNeeded: no buffer with
// seqno ≥ firstNeeded will be discarded until SeqnoUnlock, so a donor
// can safely stream that range.
func (r *RingBuffer) SeqnoLock(firstNeeded SeqNo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lockActive = true
	r.lockedFrom = firstNeeded
}

// SeqnoUnlock releases a lock established by SeqnoLock.
func (r *RingBuffer) SeqnoUnlock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lockActive = false
}

// SeqnoMin returns the smallest present seqno, or SeqNoNone if empty.
func (r *RingBuffer) SeqnoMin() SeqNo {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.index.front()
	if !ok {
		return SeqNoNone
	}
	return s
}

// SeqnoMax returns the largest present seqno, or SeqNoNone if empty.
func (r *RingBuffer) SeqnoMax() SeqNo {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.index.back()
	if !ok {
		return SeqNoNone
	}
	return s
}

// SeqnoReset invalidates every indexed seqno (returning their buffers to
// the unordered state), clears the index, and trims first forward past
// any now-empty run, zeroing the unused region from next to first if
// requested. It returns a *ValidationError while a SeqnoLock is held.
// Callers use this after a history UUID change invalidates every cached
// seqno.
func (r *RingBuffer) SeqnoReset(zeroOut bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lockActive {
		return &ValidationError{Field: "seqno lock", Msg: "cannot reset seqnos while a seqno lock is held"}
	}

	r.index.iterate(func(s SeqNo, off int64) bool {
		h := r.headerAt(off)
		h.SeqnoG = SeqNoNone
		r.writeHeader(off, h)
		return true
	})
	r.index.clear()

	for r.first != r.next {
		h := r.headerAt(r.first)
		if h.isSentinel() {
			r.first = 0
			r.normalizeTrail()
			continue
		}
		if h.SeqnoG == SeqNoIll || (h.SeqnoG == SeqNoNone && h.released()) {
			// size_used was already decremented when this buffer was
			// logically freed (Free or SeqnoRelease); only its physical
			// span still needs crediting to size_free.
			r.sizeFree += int64(h.Size)
			r.first += int64(h.Size)
			r.normalizeTrail()
			continue
		}
		break
	}

	if zeroOut {
		if err := r.zeroRegion(r.next, r.first); err != nil {
			return err
		}
	}

	off := r.first
	for off != r.next {
		h := r.headerAt(off)
		if h.isSentinel() {
			off = 0
			continue
		}
		if h.released() && h.SeqnoG == SeqNoNone {
			h.SeqnoG = SeqNoIll
			r.writeHeader(off, h)
		}
		off += int64(h.Size)
	}

	return nil
}

func (r *RingBuffer) zeroRegion(from, to int64) error {
	zero := make([]byte, 4096)
	write := func(off, n int64) error {
		for n > 0 {
			chunk := int64(len(zero))
			if chunk > n {
				chunk = n
			}
			if err := r.mapping.WriteAt(zero[:chunk], off); err != nil {
				return err
			}
			off += chunk
			n -= chunk
		}
		return nil
	}
	if from <= to {
		return write(from, to-from)
	}
	if err := write(from, r.end()-from); err != nil {
		return err
	}
	return write(0, to)
}

// SetDebug enables or disables extra internal consistency assertions.
func (r *RingBuffer) SetDebug(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debug = on
}

// checkInvariants re-validates the ring's core bookkeeping when debug
// mode is on. A buffer that has been logically freed but not yet
// physically reclaimed by tryDiscardAtFirst legitimately counts toward
// neither sizeUsed nor sizeFree, so the three buckets sum to at most
// sizeCache, never more; none of them is ever negative or exceeds
// sizeCache on its own. The header sitting at first must still be
// structurally valid. This is a no-op unless SetDebug(true) was
// called, since it re-reads a header on every call site.
func (r *RingBuffer) checkInvariants() error {
	if !r.debug {
		return nil
	}
	if r.sizeUsed < 0 || r.sizeFree < 0 || r.sizeTrail < 0 ||
		r.sizeUsed > r.sizeCache || r.sizeFree > r.sizeCache || r.sizeTrail > r.sizeCache ||
		r.sizeUsed+r.sizeFree+r.sizeTrail > r.sizeCache {
		return &CorruptionError{
			Offset: r.first,
			Reason: fmt.Sprintf("size accounting out of bounds: used=%d free=%d trail=%d cache=%d",
				r.sizeUsed, r.sizeFree, r.sizeTrail, r.sizeCache),
		}
	}
	if h := r.headerAt(r.first); !h.valid(r.end() - r.first) {
		return &CorruptionError{Offset: r.first, Reason: "header at first failed validation"}
	}
	return nil
}

// Stats reports the ring's current cursor and size-accounting state,
// used by DumpMap and by tests asserting cursor/size invariants.
type Stats struct {
	First, Next                  int64
	SizeCache, SizeFree, SizeUsed, SizeTrail int64
	IndexLen                      int
	SeqnoMin, SeqnoMax             SeqNo
}

func (r *RingBuffer) StatsSnapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		First: r.first, Next: r.next,
		SizeCache: r.sizeCache, SizeFree: r.sizeFree, SizeUsed: r.sizeUsed, SizeTrail: r.sizeTrail,
		IndexLen: r.index.len(),
	}
	if v, ok := r.index.front(); ok {
		s.SeqnoMin = v
	}
	if v, ok := r.index.back(); ok {
		s.SeqnoMax = v
	}
	return s
}
