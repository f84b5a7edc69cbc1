package gcache

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// rotator implements observer-initiated rotation of the master key that
// wraps a ring's file key, with an atomic preamble rewrite on success.
// It takes a plain, never-reentered sync.Mutex; Rotate locks Preamble.mu
// itself and calls writePreambleLocked rather than the locking Write.
type rotator struct {
	mu       sync.Mutex
	preamble *Preamble
	provider KeyProvider
	log      logrus.FieldLogger

	// fileKey is the ring's current unwrapped file key; rotation
	// re-wraps it under the new master key without changing its value.
	fileKey []byte
}

func newRotator(p *Preamble, provider KeyProvider, fileKey []byte, log logrus.FieldLogger) *rotator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &rotator{preamble: p, provider: provider, fileKey: fileKey, log: log}
	provider.RegisterKeyRotationRequestObserver(func(name string) {
		if err := r.Rotate(); err != nil {
			log.WithError(err).Warn("gcache: master key rotation failed")
		}
	})
	return r
}

// Rotate generates a new master key (id = current+1), re-wraps the
// current file key under it, and atomically persists the updated
// preamble. A failure to generate the next key is returned (and logged
// when the rotation was requested through the provider's observer) and
// leaves state unchanged: rotation failure is a no-op for that call.
func (r *rotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	currentName := masterKeyName(r.preamble.GID, r.preamble.EncMkID)
	currentMK, err := r.provider.GetKey(currentName)
	if err != nil || len(currentMK) == 0 {
		return &KeyError{Name: currentName, Err: err}
	}

	// Decrypt-then-reencrypt would be a no-op here since we hold
	// fileKey directly. unwrapFileKey still runs over the stored wrapped
	// key, but AES-CTR unwrapping does not authenticate, so a wrong
	// current master key is not detected here; only a missing one is.
	if _, err := unwrapFileKey(currentMK, r.preamble.EncFileKey); err != nil {
		return &KeyError{Name: currentName, Err: err}
	}

	nextID := r.preamble.EncMkID + 1
	nextName := masterKeyName(r.preamble.GID, nextID)
	if err := r.provider.CreateKey(nextName); err != nil {
		return &KeyError{Name: nextName, Err: err}
	}
	nextMK, err := r.provider.GetKey(nextName)
	if err != nil || len(nextMK) == 0 {
		return &KeyError{Name: nextName, Err: err}
	}

	wrapped, err := wrapFileKey(nextMK, r.fileKey)
	if err != nil {
		return err
	}

	r.preamble.mu.Lock()
	r.preamble.EncMkID = nextID
	r.preamble.EncFileKey = wrapped
	err = r.preamble.writePreambleLocked()
	r.preamble.mu.Unlock()
	if err != nil {
		return err
	}

	r.log.WithField("mk_id", nextID).Info("gcache: rotated master key")
	return nil
}
