// Package apperr defines the engine's error taxonomy.
package apperr

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrTransientIO marks disk failures worth retrying (busy, locked).
	ErrTransientIO = errors.New("transient i/o failure")
	// ErrPermanentIO marks disk failures that retrying cannot fix
	// (permission denied, disk full). The caller surfaces these and
	// keeps the pending entry queued for manual retry.
	ErrPermanentIO = errors.New("permanent i/o failure")

	// ErrDecode marks malformed front matter. The file is treated as
	// opaque unmanaged content, never a crash.
	ErrDecode = errors.New("front matter decode failure")

	// ErrConflictUnresolved means an explicit user decision is required.
	ErrConflictUnresolved = errors.New("conflict requires explicit resolution")

	// ErrChannelSaturated means the sync bridge overflow buffer is
	// exhausted. This is fatal for the bridge.
	ErrChannelSaturated = errors.New("sync channel saturated")
)

// ClassifyIO wraps an I/O error with ErrTransientIO or ErrPermanentIO
// so the write queue can decide whether to retry. Unknown failures are
// considered transient and get at least one retry.
func ClassifyIO(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, os.ErrPermission) {
		return errors.Join(ErrPermanentIO, err)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EACCES, syscall.EPERM, syscall.ENOSPC, syscall.EROFS, syscall.EDQUOT:
			return errors.Join(ErrPermanentIO, err)
		case syscall.EAGAIN, syscall.EBUSY, syscall.EINTR, syscall.ETXTBSY:
			return errors.Join(ErrTransientIO, err)
		}
	}
	return errors.Join(ErrTransientIO, err)
}
