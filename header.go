package gcache

import "encoding/binary"

// headerSize is the fixed on-disk size of a BufferHeader: uint32 size +
// int64 seqno_g + uint32 flags + uint8 store + 3 bytes pad + uint64 ctx.
const headerSize = 4 + 8 + 4 + 1 + 3 + 8 // 28 bytes

// maxBufferSize bounds a single buffer's total size (header+payload) to
// keep the size field and cursor arithmetic comfortably within int64.
const maxBufferSize = 1 << 31

// BufferHeader is the fixed-size record prefixing each buffer's payload
// in the ring. It is never dereferenced in place: callers marshal it
// through a Mapping at a known offset.
type BufferHeader struct {
	Size   uint32   // total bytes including this header
	SeqnoG SeqNo    // SeqNoNone if unordered, SeqNoIll if empty, else order
	Flags  uint32   // bit 0: RELEASED
	Store  storeTag // owning store tag
	Ctx    uint64   // opaque handle identifying the owning store instance
}

func (h BufferHeader) released() bool {
	return h.Flags&flagReleased != 0
}

func (h *BufferHeader) setReleased() {
	h.Flags |= flagReleased
}

// isSentinel reports whether this header is the zero-size rollover
// sentinel terminating the used region.
func (h BufferHeader) isSentinel() bool {
	return h.Size == 0
}

// marshal writes the header's wire representation into buf, which must
// be at least headerSize bytes.
func (h BufferHeader) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Size)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.SeqnoG))
	binary.LittleEndian.PutUint32(buf[12:16], h.Flags)
	buf[16] = byte(h.Store)
	buf[17], buf[18], buf[19] = 0, 0, 0
	binary.LittleEndian.PutUint64(buf[20:28], h.Ctx)
}

// unmarshalHeader parses a BufferHeader from its wire representation.
func unmarshalHeader(buf []byte) BufferHeader {
	return BufferHeader{
		Size:   binary.LittleEndian.Uint32(buf[0:4]),
		SeqnoG: SeqNo(int64(binary.LittleEndian.Uint64(buf[4:12]))),
		Flags:  binary.LittleEndian.Uint32(buf[12:16]),
		Store:  storeTag(buf[16]),
		Ctx:    binary.LittleEndian.Uint64(buf[20:28]),
	}
}

// valid reports whether a scanned header is structurally plausible: a
// word-aligned payload portion, within bounds, and a recognized store
// tag. It does not validate seqno or flags, which depend on scan
// context.
func (h BufferHeader) valid(remaining int64) bool {
	if h.Size == 0 {
		return true // sentinel
	}
	if int64(h.Size) < headerSize+1 {
		return false
	}
	if (int64(h.Size)-headerSize)%wordSize != 0 {
		return false
	}
	if int64(h.Size) > remaining {
		return false
	}
	if int64(h.Size) >= maxBufferSize {
		return false
	}
	return h.Store.valid()
}
