package gcache

// Buffer is a handle to a live allocation inside a RingBuffer: an
// offset and the ring that owns it, never a raw pointer or slice alias,
// per Design Notes' "manual pointer arithmetic → typed offsets". Its
// payload is reached only through ReadAt/WriteAt/CopyFrom, which proxy
// to the owning ring's Mapping, so a Buffer stays valid across Sync or
// eviction cycles that might otherwise invalidate a cached slice.
type Buffer struct {
	ring   *RingBuffer
	offset int64 // offset of this buffer's header within the ring's mapping
}

// payloadOffset is the byte offset of this buffer's payload, immediately
// following its header.
func (b *Buffer) payloadOffset() int64 {
	return b.offset + headerSize
}

// Size returns the buffer's usable payload size in bytes.
func (b *Buffer) Size() int64 {
	h := b.ring.headerAt(b.offset)
	return int64(h.Size) - headerSize
}

// Seqno returns the buffer's current sequence number.
func (b *Buffer) Seqno() SeqNo {
	return b.ring.headerAt(b.offset).SeqnoG
}

// Released reports whether the buffer's RELEASED flag is set.
func (b *Buffer) Released() bool {
	return b.ring.headerAt(b.offset).released()
}

// MarkReleased sets the RELEASED flag, the caller-side precondition for
// Free.
func (b *Buffer) MarkReleased() {
	b.ring.mu.Lock()
	defer b.ring.mu.Unlock()
	h := b.ring.headerAt(b.offset)
	h.setReleased()
	b.ring.writeHeader(b.offset, h)
}

// ReadAt reads len(p) bytes from this buffer's payload at relative
// offset off.
func (b *Buffer) ReadAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > b.Size() {
		return &ValidationError{Field: "offset", Msg: "out of buffer bounds"}
	}
	return b.ring.mapping.ReadAt(p, b.payloadOffset()+off)
}

// WriteAt writes p into this buffer's payload at relative offset off.
func (b *Buffer) WriteAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > b.Size() {
		return &ValidationError{Field: "offset", Msg: "out of buffer bounds"}
	}
	return b.ring.mapping.WriteAt(p, b.payloadOffset()+off)
}

// CopyFrom writes p at relative offset 0; p must fit within the
// buffer's payload capacity.
func (b *Buffer) CopyFrom(p []byte) error {
	return b.WriteAt(p, 0)
}

// Bytes reads and returns the buffer's entire payload.
func (b *Buffer) Bytes() ([]byte, error) {
	out := make([]byte, b.Size())
	if err := b.ReadAt(out, 0); err != nil {
		return nil, err
	}
	return out, nil
}
