package gcache

import "testing"

func newTestRing(t *testing.T, sizeBytes int64) *RingBuffer {
	t.Helper()
	r, err := NewRingBuffer(newMemMapping(sizeBytes+headerSize), RingBufferOptions{})
	if err != nil {
		t.Fatalf("NewRingBuffer: %v", err)
	}
	return r
}

// TestRingAllocOrderReleaseDiscard exercises the allocate-assign-
// assign order, release, and discard from the seqno index.
func TestRingAllocOrderReleaseDiscard(t *testing.T) {
	r := newTestRing(t, 272) // sizeCache=272, half=136, total per 16B payload=44

	buf1, err := r.Malloc(16)
	if err != nil {
		t.Fatalf("Malloc buf1: %v", err)
	}
	if err := r.SeqnoAssign(buf1, 1); err != nil {
		t.Fatalf("SeqnoAssign buf1: %v", err)
	}

	buf2, err := r.Malloc(16)
	if err != nil {
		t.Fatalf("Malloc buf2: %v", err)
	}
	if err := r.SeqnoAssign(buf2, 2); err != nil {
		t.Fatalf("SeqnoAssign buf2: %v", err)
	}

	st := r.StatsSnapshot()
	if st.SizeUsed != 88 || st.IndexLen != 2 || st.SeqnoMin != 1 || st.SeqnoMax != 2 {
		t.Fatalf("unexpected stats after two allocations: %+v", st)
	}

	buf1.MarkReleased()
	if !buf1.Released() {
		t.Fatal("buf1 should report released after MarkReleased")
	}
	if err := r.Free(buf1); err != nil {
		t.Fatalf("Free buf1: %v", err)
	}

	// Free decrements sizeUsed immediately; the freed span isn't credited
	// to sizeFree until the cursor walk reclaims it.
	st = r.StatsSnapshot()
	if st.SizeUsed != 44 {
		t.Fatalf("Free should decrement sizeUsed by buf1's size, got %d", st.SizeUsed)
	}
	if st.SizeFree != 272-88 {
		t.Fatalf("Free must not yet credit sizeFree before the cursor reclaims the span, got %d", st.SizeFree)
	}

	if ok := r.DiscardSeqnos(1); !ok {
		t.Fatal("DiscardSeqnos(1) should succeed, buf1 is released")
	}

	st = r.StatsSnapshot()
	if st.IndexLen != 1 || st.SeqnoMin != 2 {
		t.Fatalf("expected only seqno 2 left in index, got %+v", st)
	}
	if got := r.headerAt(buf1.offset).SeqnoG; got != SeqNoIll {
		t.Fatalf("buf1 seqno should be marked ILL after discard, got %d", got)
	}

	// buf2 is still unreleased: trying to free it must fail.
	if err := r.Free(buf2); err != ErrNotReleased {
		t.Fatalf("Free on unreleased buf2 should fail with ErrNotReleased, got %v", err)
	}
}

// TestRingFreeRestoresSizeUsed locks in the round-trip property: malloc
// followed by free on the same buffer returns sizeUsed to its value
// before the malloc, with the decrement happening in Free itself rather
// than deferred to a later cursor walk.
func TestRingFreeRestoresSizeUsed(t *testing.T) {
	r := newTestRing(t, 272)

	before := r.StatsSnapshot().SizeUsed

	buf, err := r.Malloc(16)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	afterMalloc := r.StatsSnapshot().SizeUsed
	if afterMalloc != before+44 {
		t.Fatalf("SizeUsed after malloc = %d, want %d", afterMalloc, before+44)
	}

	buf.MarkReleased()
	if err := r.Free(buf); err != nil {
		t.Fatalf("Free: %v", err)
	}
	afterFree := r.StatsSnapshot().SizeUsed
	if afterFree != before {
		t.Fatalf("SizeUsed after free = %d, want %d (prior value restored)", afterFree, before)
	}
}

// TestRingRollover exercises the wraparound case: once the tail runs out
// of room, placement wraps to offset 0 and reclaims space from a
// released buffer sitting at `first`.
func TestRingRollover(t *testing.T) {
	r := newTestRing(t, 72) // half=36, each 8-byte payload costs a full 36-byte slot

	buf1, err := r.Malloc(8)
	if err != nil {
		t.Fatalf("Malloc buf1: %v", err)
	}
	if err := r.SeqnoAssign(buf1, 1); err != nil {
		t.Fatalf("SeqnoAssign buf1: %v", err)
	}
	buf1.MarkReleased()
	if err := r.Free(buf1); err != nil {
		t.Fatalf("Free buf1: %v", err)
	}
	if ok := r.DiscardSeqnos(1); !ok {
		t.Fatal("DiscardSeqnos(1) should succeed")
	}

	buf2, err := r.Malloc(8)
	if err != nil {
		t.Fatalf("Malloc buf2: %v", err)
	}
	if err := r.SeqnoAssign(buf2, 2); err != nil {
		t.Fatalf("SeqnoAssign buf2: %v", err)
	}

	st := r.StatsSnapshot()
	if st.Next != 72 || st.First != 0 {
		t.Fatalf("expected the ring to be packed to its end before rollover, got %+v", st)
	}

	// The ring has no room left at the tail; placing buf3 must wrap to
	// offset 0 and reclaim buf1's released slot along the way.
	buf3, err := r.Malloc(8)
	if err != nil {
		t.Fatalf("Malloc buf3 should succeed via rollover, got error: %v", err)
	}
	if buf3.offset != 0 {
		t.Fatalf("buf3 should have wrapped to offset 0, got offset %d", buf3.offset)
	}

	st = r.StatsSnapshot()
	if st.First != 36 || st.Next != 36 {
		t.Fatalf("unexpected cursors after rollover: %+v", st)
	}
	if st.SizeUsed != 72 {
		t.Fatalf("ring should be fully packed after rollover, sizeUsed=%d", st.SizeUsed)
	}
}

// TestRingMallocRejectsOversizedRequest enforces the factor-of-two
// admissibility rule: a request larger than half the cache is rejected
// outright rather than spinning trying to discard enough space for it.
func TestRingMallocRejectsOversizedRequest(t *testing.T) {
	r := newTestRing(t, 200)
	if _, err := r.Malloc(1000); err != ErrRequestTooLarge {
		t.Fatalf("expected ErrRequestTooLarge, got %v", err)
	}
}

// TestRingOutOfSpaceWhenNothingReleased confirms that Malloc fails with
// ErrOutOfSpace (not some inconsistent cursor state) when the ring is
// full and nothing at the front is eligible for discard.
func TestRingOutOfSpaceWhenNothingReleased(t *testing.T) {
	r := newTestRing(t, 72)

	buf1, err := r.Malloc(8)
	if err != nil {
		t.Fatalf("Malloc buf1: %v", err)
	}
	if err := r.SeqnoAssign(buf1, 1); err != nil {
		t.Fatalf("SeqnoAssign buf1: %v", err)
	}
	if _, err := r.Malloc(8); err != nil {
		t.Fatalf("Malloc buf2: %v", err)
	}

	before := r.StatsSnapshot()
	if _, err := r.Malloc(8); err != ErrOutOfSpace {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
	after := r.StatsSnapshot()
	if before != after {
		t.Fatalf("a failed Malloc must not mutate cursor state: before=%+v after=%+v", before, after)
	}
}

// TestRingWrapWithLeftoverTailDecrementsSizeFree exercises a wrap where
// the tail has leftover room rather than exactly zero: before the wrap,
// that room was the only usable free space and counted in sizeFree; once
// it becomes sizeTrail, it must stop being double-counted there too.
func TestRingWrapWithLeftoverTailDecrementsSizeFree(t *testing.T) {
	r := newTestRing(t, 400) // half=200

	bufA, err := r.Malloc(120) // total 148
	if err != nil {
		t.Fatalf("Malloc bufA: %v", err)
	}
	if _, err := r.Malloc(104); err != nil { // bufB, total 132, stays live
		t.Fatalf("Malloc bufB: %v", err)
	}

	bufA.MarkReleased()
	if err := r.Free(bufA); err != nil {
		t.Fatalf("Free bufA: %v", err)
	}

	// next=280, tail=400-280=120. bufC's total (124) is bigger than that
	// leftover tail, so placement must wrap; reclaiming bufA's 148-byte
	// span (the only released buffer) is enough room to land it at 0.
	r.SetDebug(true)
	bufC, err := r.Malloc(96)
	if err != nil {
		t.Fatalf("Malloc bufC should succeed via wrap, got error: %v", err)
	}
	if bufC.offset != 0 {
		t.Fatalf("bufC should have wrapped to offset 0, got offset %d", bufC.offset)
	}

	st := r.StatsSnapshot()
	if st.First != 148 || st.Next != 124 {
		t.Fatalf("unexpected cursors after wrap: %+v", st)
	}
	// bufB (132) and bufC (124) are the only live bytes; the rest splits
	// between the 120-byte trail and whatever's left over as free.
	if st.SizeUsed != 256 {
		t.Fatalf("SizeUsed = %d, want 256 (bufB+bufC)", st.SizeUsed)
	}
	if st.SizeTrail != 120 {
		t.Fatalf("SizeTrail = %d, want 120", st.SizeTrail)
	}
	if st.SizeFree != 24 {
		t.Fatalf("SizeFree = %d, want 24 (400 - 256 used - 120 trail)", st.SizeFree)
	}
	if st.SizeUsed+st.SizeFree+st.SizeTrail > r.sizeCache {
		t.Fatalf("accounting overruns sizeCache: %+v", st)
	}
}

// TestRingDebugModeCatchesSizeDrift confirms that checkInvariants
// notices when the size-accounting buckets overrun sizeCache, and that
// the same call is a silent no-op while debug mode is off.
func TestRingDebugModeCatchesSizeDrift(t *testing.T) {
	r := newTestRing(t, 72)
	if _, err := r.Malloc(8); err != nil {
		t.Fatalf("Malloc: %v", err)
	}

	r.sizeFree = r.sizeCache + 1 // impossible on its own: exceeds total capacity

	if err := r.checkInvariants(); err != nil {
		t.Fatalf("checkInvariants should be a no-op with debug mode off, got %v", err)
	}

	r.SetDebug(true)
	if err := r.checkInvariants(); !IsCorruptionError(err) {
		t.Fatalf("expected a *CorruptionError once debug mode is on, got %v", err)
	}
}
