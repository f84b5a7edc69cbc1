package gcache

import (
	"github.com/sirupsen/logrus"
)

const (
	defaultCachePageSize  = 32 * 1024
	defaultCacheTotalSize = 16 * 1024 * 1024
)

// EncryptionConfig configures the transparent page-level encryption
// layer. Leaving it zero-valued disables encryption.
type EncryptionConfig struct {
	// Enabled turns on the encrypted mapping. When false, the ring
	// addresses its backing file through a plain *rawMapping.
	Enabled bool
	// CachePageSize is the page size of the decrypted-page cache, a
	// multiple of the OS page size. Defaults to 32 KiB.
	CachePageSize int
	// CacheTotalSize bounds the total plaintext residency (pool
	// capacity = CacheTotalSize / CachePageSize). Defaults to 16 MiB.
	CacheTotalSize int64
	// ReadAheadPages is how many subsequent pages to prefetch on a read
	// fault. Zero disables read-ahead.
	ReadAheadPages int
}

func (e EncryptionConfig) withDefaults() EncryptionConfig {
	if e.CachePageSize == 0 {
		e.CachePageSize = defaultCachePageSize
	}
	if e.CacheTotalSize == 0 {
		e.CacheTotalSize = defaultCacheTotalSize
	}
	return e
}

// Config configures a GCache instance.
type Config struct {
	// Name is the path of the backing ring file.
	Name string
	// SizeBytes is the size of the ring's payload region.
	SizeBytes int64
	// RecoverOnOpen attempts recovery from an existing file instead of
	// resetting it.
	RecoverOnOpen bool
	// FreezePurgeAtSeqno, if non-zero, holds discard for any ordered
	// buffer with a seqno above this value.
	FreezePurgeAtSeqno SeqNo
	// SkipPurge is an externally supplied veto over discarding a
	// specific ordered seqno. It is called with the ring's internal
	// lock held and observes only fully consistent state.
	SkipPurge func(SeqNo) bool

	Encryption  EncryptionConfig
	KeyProvider KeyProvider

	// Logger receives structured log output. Defaults to
	// logrus.StandardLogger(); never a package-global logger otherwise.
	Logger logrus.FieldLogger
	// PagePoolManager supplies the physical page pool backing the
	// encrypted mapping. nil selects the package-level default.
	PagePoolManager *PagePoolManager
}

// Validate enforces the bounds and required fields Open depends on.
func (c *Config) Validate() error {
	if c.Name == "" {
		return &ValidationError{Field: "Name", Msg: "must not be empty"}
	}
	if c.SizeBytes <= int64(headerSize) {
		return &ValidationError{Field: "SizeBytes", Msg: "must be larger than one header"}
	}
	if c.Encryption.Enabled {
		e := c.Encryption.withDefaults()
		if e.CachePageSize <= 0 {
			return &ValidationError{Field: "Encryption.CachePageSize", Msg: "must be positive"}
		}
		if e.CacheTotalSize < int64(e.CachePageSize)*int64(minPoolPages) {
			return &ValidationError{Field: "Encryption.CacheTotalSize", Msg: "must hold at least the minimum pool page count"}
		}
		if c.KeyProvider == nil {
			return &ValidationError{Field: "KeyProvider", Msg: "required when encryption is enabled"}
		}
	}
	return nil
}

func (c *Config) withDefaults() *Config {
	cc := *c
	if cc.Logger == nil {
		cc.Logger = logrus.StandardLogger()
	}
	cc.Encryption = cc.Encryption.withDefaults()
	if cc.PagePoolManager == nil {
		cc.PagePoolManager = defaultPagePoolManager()
	}
	return &cc
}
