// Package gcache implements the durable write-set cache of a synchronous
// multi-master replication engine: a fixed-size, content-addressed,
// memory-mapped ring buffer keyed by a monotonically increasing global
// sequence number.
//
// # Overview
//
// A GCache retains recently certified transactions ("write-sets") so that
// two consumers can use them without touching the authoritative write-set
// store: the local commit pipeline, which allocates, writes, and later
// releases buffers as replication progresses, and the donor side of
// Incremental State Transfer, which streams a contiguous range of
// historical write-sets to a joining peer.
//
// The cache survives process restart. On clean shutdown it checkpoints a
// preamble recording the committed seqno range and an offset hint; on an
// unclean shutdown it rescans the backing file and reconstructs the
// seqno-to-offset index from the buffer headers found on disk.
//
// # Encryption at rest
//
// When enabled, the ring addresses its backing file through an EncMap
// instead of a raw mapping. EncMap decrypts pages into a pool of physical
// pages on first touch and re-encrypts dirty pages before their physical
// page is reclaimed. There is no signal handler involved: callers reach
// EncMap exclusively through ReadAt/WriteAt, which fault pages in as
// needed.
//
// # Basic usage
//
//	cache, err := gcache.Open(&gcache.Config{
//	    Name:          "/var/lib/galera/gcache.cache",
//	    SizeBytes:     128 * 1024 * 1024,
//	    RecoverOnOpen: true,
//	    Encryption: gcache.EncryptionConfig{Enabled: true},
//	    KeyProvider: gcache.NewPasswordKeyProvider([]byte("secret"), gcache.Argon2idParams{}),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cache.Close()
//
//	buf, err := cache.Malloc(len(writeSet))
//	buf.CopyFrom(writeSet)
//	cache.SeqnoAssign(buf, seqno)
//	cache.SeqnoRelease(seqno)
//
// # Non-goals
//
// GCache assumes a single exclusive writer guarded by the caller; it does
// not implement multi-writer concurrency, arbitrary random-access mutation
// of already-allocated buffers, or cross-process sharing of the mapping.
package gcache
