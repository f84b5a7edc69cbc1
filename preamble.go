package gcache

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	atomicfile "github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
)

// PreambleLen is the fixed, NUL-padded size of the text preamble at the
// start of a ring file.
const PreambleLen = 8192

const preambleVersion = 1

// Preamble is the line-oriented, CRC-protected header recording a
// ring's committed seqno range, offset hint, and encryption state.
type Preamble struct {
	mu sync.Mutex

	Version int
	GID     uuid.UUID
	Synced  bool
	// SeqnoMin/SeqnoMax/Offset are meaningful only when Synced.
	SeqnoMin SeqNo
	SeqnoMax SeqNo
	Offset   int64

	EncVersion   int
	EncEncrypted bool
	EncMkID      uint64
	EncMkConstID uuid.UUID
	EncMkUUID    uuid.UUID
	EncFileKey   []byte // wrapped (encrypted with the master key)
	EncCRC       uint32

	path string
	log  logrus.FieldLogger
}

// NewPreamble initializes a fresh preamble for a new ring file.
func NewPreamble(path string, encrypted bool, log logrus.FieldLogger) *Preamble {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Preamble{
		Version:      preambleVersion,
		GID:          uuid.New(),
		EncVersion:   preambleVersion,
		EncEncrypted: encrypted,
		path:         path,
		log:          log,
	}
}

// composePreamble renders the preamble's text representation, padded to
// PreambleLen. It is pure (no I/O), per Design Notes' recursive-mutex
// fix: the writer below calls this while holding the lock, then performs
// I/O outside of any lock re-entry.
func (p *Preamble) composePreamble() []byte {
	p.EncCRC = crc32c(p.encryptionFieldBytes())

	var b strings.Builder
	writeLine := func(k, v string) { fmt.Fprintf(&b, "%s: %s\n", k, v) }

	writeLine("Version", strconv.Itoa(p.Version))
	writeLine("GID", p.GID.String())
	if p.Synced {
		writeLine("seqno_min", strconv.FormatInt(int64(p.SeqnoMin), 10))
		writeLine("seqno_max", strconv.FormatInt(int64(p.SeqnoMax), 10))
		writeLine("offset", strconv.FormatInt(p.Offset, 10))
	}
	writeLine("synced", strconv.FormatBool(p.Synced))
	writeLine("enc_version", strconv.Itoa(p.EncVersion))
	writeLine("enc_encrypted", strconv.FormatBool(p.EncEncrypted))
	writeLine("enc_mk_id", strconv.FormatUint(p.EncMkID, 10))
	writeLine("enc_mk_const_id", p.EncMkConstID.String())
	writeLine("enc_mk_uuid", p.EncMkUUID.String())
	writeLine("enc_fk_id", base64.StdEncoding.EncodeToString(p.EncFileKey))
	writeLine("enc_crc", strconv.FormatUint(uint64(p.EncCRC), 10))

	out := make([]byte, PreambleLen)
	copy(out, b.String())
	return out
}

// encryptionFieldBytes is the binary concatenation the CRC is computed
// over: mk_id, mk_const_id, mk_uuid, wrapped file key, in that order.
func (p *Preamble) encryptionFieldBytes() []byte {
	var buf bytes.Buffer
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], p.EncMkID)
	buf.Write(idBuf[:])
	buf.Write(p.EncMkConstID[:])
	buf.Write(p.EncMkUUID[:])
	buf.Write(p.EncFileKey)
	return buf.Bytes()
}

// writePreambleLocked performs the atomic file write. Callers must hold
// p.mu.
func (p *Preamble) writePreambleLocked() error {
	data := p.composePreamble()
	if err := atomicfile.WriteFile(p.path, bytes.NewReader(data)); err != nil {
		return &IOError{Op: "write preamble", Err: err}
	}
	return nil
}

// Write composes and atomically persists the preamble.
func (p *Preamble) Write() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writePreambleLocked()
}

// parsePreamble parses the first PreambleLen bytes of raw into a
// Preamble. Unknown keys are ignored; an out-of-range version warns and
// falls back to version 0 rather than failing outright.
func parsePreamble(path string, raw []byte, log logrus.FieldLogger) (*Preamble, error) {
	p := &Preamble{path: path, log: log}
	fields := map[string]string{}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == 0 {
			break // reached the NUL padding
		}
		kv := strings.SplitN(line, ": ", 2)
		if len(kv) != 2 {
			continue
		}
		fields[kv[0]] = kv[1]
	}

	getInt := func(k string) (int64, bool) {
		v, ok := fields[k]
		if !ok {
			return 0, false
		}
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	getUint := func(k string) (uint64, bool) {
		v, ok := fields[k]
		if !ok {
			return 0, false
		}
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil
	}
	getBool := func(k string) bool {
		v := fields[k]
		b, _ := strconv.ParseBool(v)
		return b
	}
	getUUID := func(k string) uuid.UUID {
		v, ok := fields[k]
		if !ok {
			return uuid.Nil
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return uuid.Nil
		}
		return id
	}

	if v, ok := getInt("Version"); ok {
		p.Version = int(v)
	}
	if p.Version > preambleVersion {
		log.Warnf("gcache: preamble version %d newer than supported %d, treating as 0", p.Version, preambleVersion)
		p.Version = 0
	}
	p.GID = getUUID("GID")
	p.Synced = getBool("synced")
	if p.Synced {
		if v, ok := getInt("seqno_min"); ok {
			p.SeqnoMin = SeqNo(v)
		}
		if v, ok := getInt("seqno_max"); ok {
			p.SeqnoMax = SeqNo(v)
		}
		if v, ok := getInt("offset"); ok {
			p.Offset = v
		}
	}
	if v, ok := getInt("enc_version"); ok {
		p.EncVersion = int(v)
	}
	p.EncEncrypted = getBool("enc_encrypted")
	if v, ok := getUint("enc_mk_id"); ok {
		p.EncMkID = v
	}
	p.EncMkConstID = getUUID("enc_mk_const_id")
	p.EncMkUUID = getUUID("enc_mk_uuid")
	if v, ok := fields["enc_fk_id"]; ok {
		fk, err := base64.StdEncoding.DecodeString(v)
		if err == nil {
			p.EncFileKey = fk
		}
	}
	if v, ok := getUint("enc_crc"); ok {
		p.EncCRC = uint32(v)
	}

	return p, nil
}

// OpenPreamble reads and parses the preamble region of the ring file at
// path. If the region does not yet exist (new file), a fresh preamble
// is returned instead.
func OpenPreamble(path string, encrypted bool, log logrus.FieldLogger) (*Preamble, bool, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewPreamble(path, encrypted, log), false, nil
		}
		return nil, false, &IOError{Op: "read preamble", Err: err}
	}
	if len(raw) < PreambleLen {
		return NewPreamble(path, encrypted, log), false, nil
	}

	p, err := parsePreamble(path, raw[:PreambleLen], log)
	if err != nil {
		return nil, false, err
	}
	p.path = path
	p.log = log

	crcOK := p.EncCRC == crc32c(p.encryptionFieldBytes())
	if !crcOK {
		log.Warn("gcache: preamble CRC mismatch, discarding file key and forcing reset")
		p.EncFileKey = nil
		p.EncMkID = 0
		p.EncMkUUID = uuid.Nil
		p.Synced = false
		return p, false, nil
	}

	if p.EncEncrypted != encrypted {
		log.Warn("gcache: preamble encryption mode disagrees with requested mode, forcing reset")
		p.EncFileKey = nil
		p.EncMkID = 0
		p.EncMkUUID = uuid.Nil
		p.EncEncrypted = encrypted
		p.Synced = false
		return p, false, nil
	}

	return p, p.Synced, nil
}

// masterKeyName derives the provider key name for master key id id.
func masterKeyName(gid uuid.UUID, id uint64) string {
	return fmt.Sprintf("gcache-%s-mk-%d", gid.String(), id)
}

// resolveFileKey returns the unwrapped file key for p, generating and
// wrapping a new one (and forcing a caller-visible reset) whenever the
// stored state is missing, compromised, or inconsistent.
func resolveFileKey(p *Preamble, provider KeyProvider, log logrus.FieldLogger) (fileKey []byte, forceReset bool, err error) {
	if p.EncMkID == 0 || p.EncMkUUID == uuid.Nil {
		return generateFreshMasterKeyAndFileKey(p, provider, log)
	}

	name := masterKeyName(p.GID, p.EncMkID)
	mk, err := provider.GetKey(name)
	if err != nil {
		return nil, false, &KeyError{Name: name, Err: err}
	}
	if len(mk) == 0 {
		log.WithField("mk_id", p.EncMkID).Warn("gcache: master key missing from provider, regenerating")
		return generateFreshMasterKeyAndFileKey(p, provider, log)
	}

	nextName := masterKeyName(p.GID, p.EncMkID+1)
	if next, _ := provider.GetKey(nextName); len(next) > 0 {
		log.Warn("gcache: next master key already exists, rotation was interrupted; regenerating")
		return generateFreshMasterKeyAndFileKey(p, provider, log)
	}

	if len(p.EncFileKey) == 0 {
		log.Warn("gcache: wrapped file key empty, generating a new one")
		return generateFreshFileKey(p, mk, log)
	}

	fk, err := unwrapFileKey(mk, p.EncFileKey)
	if err != nil {
		return nil, false, &KeyError{Name: name, Err: err}
	}
	return fk, false, nil
}

func generateFreshMasterKeyAndFileKey(p *Preamble, provider KeyProvider, log logrus.FieldLogger) ([]byte, bool, error) {
	p.EncMkUUID = uuid.New()
	p.EncMkID = 1
	name := masterKeyName(p.GID, p.EncMkID)
	if err := provider.CreateKey(name); err != nil {
		return nil, false, fmt.Errorf("%w: creating master key %q: %v", ErrUnrecoverable, name, err)
	}
	mk, err := provider.GetKey(name)
	if err != nil || len(mk) == 0 {
		return nil, false, fmt.Errorf("%w: master key provider could not produce key %q", ErrUnrecoverable, name)
	}
	return generateFreshFileKey(p, mk, log)
}

func generateFreshFileKey(p *Preamble, mk []byte, log logrus.FieldLogger) ([]byte, bool, error) {
	fk := make([]byte, FileKeyLength)
	if _, err := rand.Read(fk); err != nil {
		return nil, false, fmt.Errorf("gcache: generating file key: %w", err)
	}
	wrapped, err := wrapFileKey(mk, fk)
	if err != nil {
		return nil, false, err
	}
	p.EncFileKey = wrapped
	return fk, true, nil
}

// wrapFileKey encrypts the file key with the master key using AES-CTR
// with a zero stream offset.
func wrapFileKey(masterKey, fileKey []byte) ([]byte, error) {
	c, err := newAESCTRCipher(padOrTrimKey(masterKey))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(fileKey))
	if err := c.cryptAt(out, fileKey, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func unwrapFileKey(masterKey, wrapped []byte) ([]byte, error) {
	return wrapFileKey(masterKey, wrapped) // CTR is its own inverse
}

// padOrTrimKey normalizes provider-supplied master keys (which may come
// from a KDF of arbitrary configured length) to FileKeyLength bytes.
func padOrTrimKey(k []byte) []byte {
	if len(k) == FileKeyLength {
		return k
	}
	out := make([]byte, FileKeyLength)
	copy(out, k)
	return out
}
