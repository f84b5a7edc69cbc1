package gcache

import (
	"crypto/sha256"

	"github.com/sirupsen/logrus"
)

// RecoverRingBuffer reconstructs first, next, and the seqno index from
// on-disk bytes after an unclean shutdown. On any inconsistency it falls
// back to a full reset rather than returning an error; the returned bool
// reports whether recovery succeeded (false means the ring returned is a
// fresh, empty reset).
//
// When offsetHint names a position partway through the mapping, the
// ring had physically wrapped at last checkpoint: the live data spans
// two segments, an older one running from offsetHint to the end of the
// mapping and a newer one wrapped back around to offset 0. scan walks
// both, older first, so neither is missed. Collision detection via
// metadata+payload-hash comparison, erase_up_to tracking, and the
// post-scan gapless-suffix trim all run the same way regardless of how
// many segments were scanned.
func RecoverRingBuffer(mapping Mapping, offsetHint int64, opts RingBufferOptions) (*RingBuffer, bool) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
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

	eraseUpTo, ok := r.scan(offsetHint)
	if !ok {
		opts.Logger.Warn("gcache: recovery scan found inconsistent state, falling back to full reset")
		fresh, err := NewRingBuffer(mapping, opts)
		if err != nil {
			return nil, false
		}
		return fresh, false
	}

	if err := r.postScanTrim(eraseUpTo); err != nil {
		opts.Logger.WithError(err).Warn("gcache: post-scan trim failed, falling back to full reset")
		fresh, ferr := NewRingBuffer(mapping, opts)
		if ferr != nil {
			return nil, false
		}
		return fresh, false
	}

	opts.Logger.WithFields(logrus.Fields{
		"seqno_min": r.SeqnoMin(),
		"seqno_max": r.SeqnoMax(),
		"used":      r.sizeUsed,
		"free":      r.sizeFree,
	}).Info("gcache: recovered ring")

	return r, true
}

// scanOneHeader reads the header at off and validates it along with the
// header that would immediately follow it, both bounded by limit: the
// walk only advances while both the current header and the next header
// validate within the segment being scanned.
func (r *RingBuffer) scanOneHeader(off, limit int64) (BufferHeader, int64, bool) {
	buf := make([]byte, headerSize)
	if err := r.mapping.ReadAt(buf, off); err != nil {
		return BufferHeader{}, 0, false
	}
	h := unmarshalHeader(buf)
	if !h.valid(limit - off) {
		return BufferHeader{}, 0, false
	}
	if h.isSentinel() {
		return h, off, true
	}

	nextOff := off + int64(h.Size)
	if nextOff < limit {
		nbuf := make([]byte, headerSize)
		if err := r.mapping.ReadAt(nbuf, nextOff); err != nil {
			return BufferHeader{}, 0, false
		}
		nh := unmarshalHeader(nbuf)
		if !nh.valid(limit - nextOff) {
			return BufferHeader{}, 0, false
		}
	}
	return h, nextOff, true
}

// scanSegment walks headers forward from start, bounded by limit,
// feeding each into collision resolution against the shared index. It
// returns the offset where the walk stopped — a clean sentinel or the
// segment boundary — and ok=false if it stopped early on an invalid
// header.
func (r *RingBuffer) scanSegment(start, limit int64, eraseUpTo *SeqNo) (int64, bool) {
	off := start
	for off < limit {
		h, nextOff, ok := r.scanOneHeader(off, limit)
		if !ok {
			return 0, false
		}
		if h.isSentinel() {
			break
		}

		h.Flags |= flagReleased
		h.Store = storeInRing
		r.writeHeader(off, h)

		if h.SeqnoG > 0 {
			if existingOff, collide := r.index.get(h.SeqnoG); collide {
				same, err := r.payloadsEqual(off, existingOff, h)
				if err != nil {
					return 0, false
				}
				if !same {
					r.index.erase(h.SeqnoG)
					if h.SeqnoG > *eraseUpTo {
						*eraseUpTo = h.SeqnoG
					}
				}
			} else {
				r.index.insert(h.SeqnoG, off)
			}
		}

		off = nextOff
	}
	return off, true
}

// scan reconstructs the seqno index and the first/next cursors from
// on-disk headers, returning the erase_up_to seqno produced by
// collision resolution.
//
// offsetHint <= 0 means the ring had never wrapped as of the last
// checkpoint: a single segment from 0 to the tail covers all live
// data. Otherwise the ring had wrapped, and live data occupies two
// segments: an older one starting at offsetHint and running to the
// physical end of the mapping, and a newer one wrapped back around to
// offset 0 and running up to (but not into) the older segment. The
// older segment is scanned first so its seqnos land in the index
// before the newer segment's collision checks run against them.
func (r *RingBuffer) scan(offsetHint int64) (SeqNo, bool) {
	eraseUpTo := SeqNoIll

	if offsetHint <= 0 || offsetHint+headerSize >= r.end() {
		off, ok := r.scanSegment(0, r.end(), &eraseUpTo)
		if !ok {
			r.log.Warn("gcache: scan stopped at an invalid header before reaching the tail")
			return 0, false
		}
		r.next = off
		r.first = 0
		r.normalizeTrail()
		return eraseUpTo, true
	}

	olderEnd, ok := r.scanSegment(offsetHint, r.end(), &eraseUpTo)
	if !ok {
		r.log.Warn("gcache: scan stopped at an invalid header in the older wrapped segment")
		return 0, false
	}
	r.first = offsetHint
	r.sizeTrail = r.end() - olderEnd

	newerLimit := offsetHint - headerSize
	if newerLimit <= 0 {
		r.next = olderEnd
		r.normalizeTrail()
		return eraseUpTo, true
	}

	newerEnd, ok := r.scanSegment(0, newerLimit, &eraseUpTo)
	if !ok {
		r.log.Warn("gcache: scan stopped at an invalid header in the newer wrapped segment")
		return 0, false
	}
	r.next = newerEnd
	r.normalizeTrail()
	return eraseUpTo, true
}

// payloadFingerprint is a 128-bit, best-effort collision hash: on hash
// equality, the payloads are assumed equal rather than compared byte for
// byte.
func payloadFingerprint(payload []byte) [16]byte {
	sum := sha256.Sum256(payload)
	var fp [16]byte
	copy(fp[:], sum[:16])
	return fp
}

func (r *RingBuffer) payloadsEqual(offA, offB int64, h BufferHeader) (bool, error) {
	sizeA := int64(h.Size) - headerSize
	hb := r.headerAt(offB)
	sizeB := int64(hb.Size) - headerSize
	if sizeA != sizeB {
		return false, nil
	}
	pa := make([]byte, sizeA)
	if err := r.mapping.ReadAt(pa, offA+headerSize); err != nil {
		return false, err
	}
	pb := make([]byte, sizeB)
	if err := r.mapping.ReadAt(pb, offB+headerSize); err != nil {
		return false, err
	}
	return payloadFingerprint(pa) == payloadFingerprint(pb), nil
}

// postScanTrim finds the longest gapless suffix of the index above
// erase_up_to, drops everything below it, advances first past leading
// empty buffers, and sets next to just past the last ordered buffer.
func (r *RingBuffer) postScanTrim(eraseUpTo SeqNo) error {
	back, ok := r.index.back()
	if ok {
		cur := back
		for {
			prev := cur - 1
			if prev <= eraseUpTo {
				break
			}
			if _, present := r.index.get(prev); !present {
				break
			}
			cur = prev
		}
		// Erase every present entry strictly below cur.
		var toErase []SeqNo
		r.index.iterate(func(s SeqNo, off int64) bool {
			if s < cur {
				toErase = append(toErase, s)
			}
			return true
		})
		for _, s := range toErase {
			off, _ := r.index.get(s)
			h := r.headerAt(off)
			h.SeqnoG = SeqNoIll
			r.writeHeader(off, h)
			r.index.erase(s)
		}
	}

	// Advance first over any leading empty (ILL) or non-ordered-released
	// buffers. When the ring is wrapped (first > next), this walk runs
	// off the end of the older segment into the newer one at offset 0
	// before it can reach next.
	inOlder := r.first > r.next
	for inOlder || r.first < r.next {
		h := r.headerAt(r.first)
		if h.isSentinel() {
			if inOlder {
				r.first = 0
				inOlder = false
				continue
			}
			break
		}
		if h.SeqnoG > 0 {
			break
		}
		r.first += int64(h.Size)
	}
	r.normalizeTrail()

	// Locate the last buffer with seqno_g > 0 and trim next to just past
	// it, walking the same wrap-aware path starting from the advanced
	// first.
	lastEnd := r.first
	off := r.first
	inOlder = off > r.next
	for inOlder || off < r.next {
		h := r.headerAt(off)
		if h.isSentinel() {
			if inOlder {
				off = 0
				inOlder = false
				continue
			}
			break
		}
		if h.SeqnoG > 0 {
			lastEnd = off + int64(h.Size)
		}
		off += int64(h.Size)
	}
	r.next = lastEnd
	r.writeHeader(r.next, BufferHeader{})
	r.normalizeTrail()

	// scanSegment marked every live buffer in [first, next) RELEASED
	// unconditionally, so per this ring's own convention (see Free) none
	// of that span counts as used: it's all freed-but-unreclaimed until
	// tryDiscardAtFirst walks over it. sizeFree is derived from the span
	// directly rather than from sizeUsed, or this recovered data would
	// look free before it's actually been reclaimed.
	span := r.next - r.first
	if span < 0 {
		span += r.end()
	}
	r.sizeUsed = 0
	r.sizeFree = r.sizeCache - r.sizeTrail - span

	return nil
}
