package tofs

import "github.com/pkg/errors"

// Sentinel errors, matching the taxonomy of kinds (not names) in the error
// handling design: volume lifecycle, directory, allocator, resource limits,
// the adapter, and integrity.
var (
	ErrNotMounted     = errors.New("tofs: volume not mounted")
	ErrAlreadyMounted = errors.New("tofs: volume already mounted")
	ErrBadFormat      = errors.New("tofs: bad or missing superblock")

	ErrNotFound     = errors.New("tofs: file not found")
	ErrExists       = errors.New("tofs: file already exists")
	ErrNameTooLong  = errors.New("tofs: name too long")
	ErrInvalidFlags = errors.New("tofs: invalid open flags")

	ErrBusy = errors.New("tofs: busy")

	ErrNoSpace   = errors.New("tofs: no space left on volume")
	ErrExhausted = errors.New("tofs: static resource limit exhausted")

	ErrIoError    = errors.New("tofs: block device I/O error")
	ErrCorruption = errors.New("tofs: corruption detected during scan")

	ErrTxnAborted = errors.New("tofs: transaction aborted")
)

// wrapIo wraps a raw adapter error as ErrIoError: callers can still match it
// with errors.Is(err, ErrIoError), and the adapter's own message text is
// folded into the wrapped error's message.
func wrapIo(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(ErrIoError, err.Error())
}
