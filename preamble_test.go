package gcache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestPreambleWriteAndParseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")

	p := NewPreamble(path, true, nil)
	p.Synced = true
	p.SeqnoMin = 10
	p.SeqnoMax = 99
	p.Offset = 4096
	p.EncMkID = 7
	p.EncMkUUID = uuid.New()
	p.EncFileKey = []byte("wrapped-file-key-bytes")

	if err := p.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(raw) != PreambleLen {
		t.Fatalf("preamble file size = %d, want %d", len(raw), PreambleLen)
	}

	got, err := parsePreamble(path, raw, nil)
	if err != nil {
		t.Fatalf("parsePreamble: %v", err)
	}

	if got.GID != p.GID || got.Synced != true || got.SeqnoMin != 10 || got.SeqnoMax != 99 || got.Offset != 4096 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.EncMkID != 7 || got.EncMkUUID != p.EncMkUUID {
		t.Fatalf("encryption fields mismatch: %+v", got)
	}
	if !bytes.Equal(got.EncFileKey, p.EncFileKey) {
		t.Fatalf("EncFileKey mismatch: got %q want %q", got.EncFileKey, p.EncFileKey)
	}
}

// TestPreambleCRCTamper covers a tampered preamble: it must be detected
// via CRC mismatch and cause OpenPreamble to force a reset
// of the encryption state rather than trusting a corrupted file key.
func TestPreambleCRCTamper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")

	p := NewPreamble(path, true, nil)
	p.EncMkID = 70
	p.EncMkUUID = uuid.New()
	p.EncFileKey = []byte("wrapped-file-key-bytes")
	if err := p.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	tampered := bytes.Replace(raw, []byte("enc_mk_id: 70\n"), []byte("enc_mk_id: 71\n"), 1)
	if bytes.Equal(tampered, raw) {
		t.Fatal("tamper replacement did not match any bytes in the preamble")
	}
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, synced, err := OpenPreamble(path, true, nil)
	if err != nil {
		t.Fatalf("OpenPreamble: %v", err)
	}
	if synced {
		t.Fatal("OpenPreamble should report unsynced after a CRC mismatch")
	}
	if got.EncFileKey != nil {
		t.Fatal("OpenPreamble should discard the file key after a CRC mismatch")
	}
	if got.EncMkID != 0 {
		t.Fatal("OpenPreamble should reset the master key id after a CRC mismatch")
	}
}

// TestPreambleEncryptionModeMismatch covers the companion forced-reset
// path: a preamble written for one encryption mode being reopened under
// the other mode.
func TestPreambleEncryptionModeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")

	p := NewPreamble(path, true, nil)
	p.EncMkID = 1
	p.EncMkUUID = uuid.New()
	p.EncFileKey = []byte("wrapped-file-key-bytes")
	if err := p.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, synced, err := OpenPreamble(path, false, nil)
	if err != nil {
		t.Fatalf("OpenPreamble: %v", err)
	}
	if synced {
		t.Fatal("OpenPreamble should report unsynced after an encryption mode mismatch")
	}
	if got.EncEncrypted {
		t.Fatal("OpenPreamble should adopt the requested encryption mode")
	}
}
