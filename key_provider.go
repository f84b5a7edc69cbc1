package gcache

import (
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"crypto/sha256"
)

// KeyProvider is an external collaborator that retrieves and creates
// opaque master keys by name, and notifies this
// module when an operator requests rotation. Remote keyring
// implementations are left to the embedder; this module ships only
// local implementations useful for tests and single-node deployments.
type KeyProvider interface {
	// GetKey returns the bytes for the named key, or a nil slice if it
	// does not exist.
	GetKey(name string) ([]byte, error)
	// CreateKey creates the named key if the provider needs an explicit
	// creation step. Implementations where GetKey is fully deterministic
	// may treat this as a no-op.
	CreateKey(name string) error
	// RegisterKeyRotationRequestObserver registers cb to be invoked when
	// an operator requests rotation of the named key. Providers that
	// never originate rotation requests may leave this a no-op.
	RegisterKeyRotationRequestObserver(cb func(name string))
}

// Argon2idParams configures Argon2id key derivation.
type Argon2idParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
}

func (p Argon2idParams) withDefaults() Argon2idParams {
	if p.Memory == 0 {
		p.Memory = 64 * 1024
	}
	if p.Iterations == 0 {
		p.Iterations = 3
	}
	if p.Parallelism == 0 {
		p.Parallelism = 2
	}
	if p.KeyLength == 0 {
		p.KeyLength = FileKeyLength
	}
	return p
}

// PBKDF2Params configures PBKDF2-HMAC-SHA256 key derivation, kept as a
// fallback for environments where Argon2id's memory cost is unwelcome.
type PBKDF2Params struct {
	Iterations int
	KeyLength  int
}

func (p PBKDF2Params) withDefaults() PBKDF2Params {
	if p.Iterations == 0 {
		p.Iterations = 100_000
	}
	if p.KeyLength == 0 {
		p.KeyLength = FileKeyLength
	}
	return p
}

// PasswordKeyProvider derives master keys deterministically from a
// shared secret and the requested key name, using Argon2id (or PBKDF2,
// if configured). Because derivation is deterministic, CreateKey is a
// no-op: GetKey always "finds" the key for any name.
type PasswordKeyProvider struct {
	password []byte
	argon2   *Argon2idParams
	pbkdf2   *PBKDF2Params

	mu        sync.Mutex
	observers []func(name string)
}

// NewPasswordKeyProvider builds a provider using Argon2id derivation.
func NewPasswordKeyProvider(password []byte, params Argon2idParams) *PasswordKeyProvider {
	p := params.withDefaults()
	return &PasswordKeyProvider{password: password, argon2: &p}
}

// NewPBKDF2KeyProvider builds a provider using PBKDF2-HMAC-SHA256
// derivation instead of Argon2id.
func NewPBKDF2KeyProvider(password []byte, params PBKDF2Params) *PasswordKeyProvider {
	p := params.withDefaults()
	return &PasswordKeyProvider{password: password, pbkdf2: &p}
}

func (p *PasswordKeyProvider) GetKey(name string) ([]byte, error) {
	salt := sha256.Sum256([]byte("gcache-key-salt:" + name))
	if p.argon2 != nil {
		return argon2.IDKey(p.password, salt[:], p.argon2.Iterations, p.argon2.Memory, p.argon2.Parallelism, p.argon2.KeyLength), nil
	}
	return pbkdf2.Key(p.password, salt[:], p.pbkdf2.Iterations, p.pbkdf2.KeyLength, sha256.New), nil
}

func (p *PasswordKeyProvider) CreateKey(name string) error {
	return nil
}

func (p *PasswordKeyProvider) RegisterKeyRotationRequestObserver(cb func(name string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, cb)
}

// RequestRotation lets an operator trigger rotation programmatically;
// it fans out to every registered observer.
func (p *PasswordKeyProvider) RequestRotation(name string) {
	p.mu.Lock()
	obs := append([]func(string){}, p.observers...)
	p.mu.Unlock()
	for _, cb := range obs {
		cb(name)
	}
}

// StaticKeyProvider stores explicit, randomly generated keys by name.
// CreateKey generates and stores a new random key of FileKeyLength
// bytes; GetKey returns nil if the name is unknown. Useful for tests and
// for embedders that manage keys themselves.
type StaticKeyProvider struct {
	mu        sync.Mutex
	keys      map[string][]byte
	observers []func(name string)
}

// NewStaticKeyProvider builds an empty in-memory key provider.
func NewStaticKeyProvider() *StaticKeyProvider {
	return &StaticKeyProvider{keys: make(map[string][]byte)}
}

func (p *StaticKeyProvider) GetKey(name string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[name], nil
}

func (p *StaticKeyProvider) CreateKey(name string) error {
	key := make([]byte, FileKeyLength)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("gcache: generating key %q: %w", name, err)
	}
	p.mu.Lock()
	p.keys[name] = key
	p.mu.Unlock()
	return nil
}

// SetKey installs an explicit key value for name, overwriting any
// existing value.
func (p *StaticKeyProvider) SetKey(name string, key []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[name] = append([]byte{}, key...)
}

func (p *StaticKeyProvider) RegisterKeyRotationRequestObserver(cb func(name string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, cb)
}

// RequestRotation triggers every registered observer for name.
func (p *StaticKeyProvider) RequestRotation(name string) {
	p.mu.Lock()
	obs := append([]func(string){}, p.observers...)
	p.mu.Unlock()
	for _, cb := range obs {
		cb(name)
	}
}
