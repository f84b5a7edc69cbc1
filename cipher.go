package gcache

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// FileKeyLength is the size in bytes of a ring's per-file content
// encryption key.
const FileKeyLength = 32 // AES-256

// StreamCipher is an AES-CTR stream with a settable byte offset, so
// pages anywhere in the virtual range can be
// encrypted/decrypted independently without replaying the whole stream
// from offset zero.
type StreamCipher interface {
	// SetStreamOffset repositions the keystream to start at byte offset
	// off within the logical stream.
	SetStreamOffset(off int64) error
	// XORKeyStream encrypts or decrypts src into dst in place at the
	// cipher's current stream position, advancing it by len(src).
	XORKeyStream(dst, src []byte)
}

// aesCTRCipher is AES in CTR mode with a fixed zero IV, encrypting at
// arbitrary byte offsets through cryptAt; streamCursor wraps it as a
// StreamCipher. The keystream depends only on the key and the byte
// offset, so rewriting the same offset under the same file key reuses
// keystream; the file key changes only when a fresh one is generated.
type aesCTRCipher struct {
	block cipher.Block
	key   []byte
}

// newAESCTRCipher builds an aesCTRCipher from a FileKeyLength-byte key.
func newAESCTRCipher(key []byte) (*aesCTRCipher, error) {
	if len(key) != FileKeyLength {
		return nil, fmt.Errorf("gcache: file key must be %d bytes, got %d", FileKeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("gcache: building AES cipher: %w", err)
	}
	return &aesCTRCipher{block: block, key: key}, nil
}

// streamAt returns a ready-to-use cipher.Stream positioned at the
// requested byte offset. CTR mode with a zero IV and counter block size
// equal to aes.BlockSize means byte offset off corresponds to counter
// block off/BlockSize, with the first off%BlockSize bytes of that
// block's keystream discarded.
func (c *aesCTRCipher) streamAt(off int64) (cipher.Stream, error) {
	if off < 0 {
		return nil, fmt.Errorf("gcache: negative stream offset")
	}
	bs := int64(aes.BlockSize)
	blockIndex := off / bs
	within := off % bs

	iv := make([]byte, aes.BlockSize)
	// Encode the block counter into the trailing bytes of the IV, big
	// endian, matching the convention of counting whole AES blocks.
	for i := len(iv) - 1; i >= 0 && blockIndex > 0; i-- {
		iv[i] = byte(blockIndex & 0xff)
		blockIndex >>= 8
	}

	stream := cipher.NewCTR(c.block, iv)
	if within > 0 {
		discard := make([]byte, within)
		stream.XORKeyStream(discard, discard)
	}
	return stream, nil
}

// cryptAt encrypts/decrypts src into dst (same operation either way, CTR
// is symmetric) starting at logical byte offset off.
func (c *aesCTRCipher) cryptAt(dst, src []byte, off int64) error {
	stream, err := c.streamAt(off)
	if err != nil {
		return err
	}
	stream.XORKeyStream(dst, src)
	return nil
}

// SetStreamOffset and XORKeyStream satisfy StreamCipher for callers that
// want a stateful stream object rather than repeated cryptAt calls.
// streamCursor implements that stateful adapter.
type streamCursor struct {
	c      *aesCTRCipher
	offset int64
	s      cipher.Stream
}

func newStreamCursor(c *aesCTRCipher) *streamCursor {
	return &streamCursor{c: c}
}

func (sc *streamCursor) SetStreamOffset(off int64) error {
	s, err := sc.c.streamAt(off)
	if err != nil {
		return err
	}
	sc.s = s
	sc.offset = off
	return nil
}

func (sc *streamCursor) XORKeyStream(dst, src []byte) {
	sc.s.XORKeyStream(dst, src)
	sc.offset += int64(len(src))
}
