package state

import (
	"github.com/gofrs/flock"

	"github.com/arthur-debert/consync/pkg/errors"
)

// AcquireLock takes the single-writer advisory lock guarding the whole
// sync pipeline. It does not block: an overlapping run is an explicit
// error, not a queued one.
func (s *Store) AcquireLock() (func(), error) {
	lock := flock.New(s.LockPath())

	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFileAccess, "cannot acquire sync lock")
	}
	if !locked {
		return nil, errors.New(errors.ErrLockHeld, "another sync is already running")
	}

	return func() {
		_ = lock.Unlock()
	}, nil
}
