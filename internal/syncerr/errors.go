// Package syncerr defines the error taxonomy shared by the workspace
// synchronization engine. Callers match with errors.Is and recover rich
// metadata with errors.As.
package syncerr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPathViolation marks an attempt to escape the workspace root
	ErrPathViolation = errors.New("path outside workspace root")
	// ErrLockHeld marks an incompatible lock on the target path
	ErrLockHeld = errors.New("lock held")
	// ErrConflict marks divergence between caller's known state and current state
	ErrConflict = errors.New("conflict detected")
	// ErrNotFound marks an absent path, connection or session
	ErrNotFound = errors.New("not found")
	// ErrTimeout marks an expired wait (lock, connect, probe)
	ErrTimeout = errors.New("timeout")
	// ErrTransport marks a connection-level failure after retries were exhausted
	ErrTransport = errors.New("transport failure")
	// ErrCapacityExceeded marks a full cache or connection pool
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrBackpressure signals that a bounded send queue overflowed and the
	// oldest queued message was dropped
	ErrBackpressure = errors.New("send queue overflow")
)

// LockHeldError carries enough metadata for the caller to decide
// between retry, backoff and escalation.
type LockHeldError struct {
	Path       string
	Holder     string
	Mode       string
	AcquiredAt time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock held on %s by %s (%s, since %s)",
		e.Path, e.Holder, e.Mode, e.AcquiredAt.Format(time.RFC3339))
}

func (e *LockHeldError) Unwrap() error { return ErrLockHeld }

// ConflictError reports the divergence between the caller's last-known
// metadata and the current on-disk state.
type ConflictError struct {
	Path            string
	CurrentChecksum string
	KnownChecksum   string
	CurrentModTime  time.Time
	KnownModTime    time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: checksum %s != %s", e.Path, e.CurrentChecksum, e.KnownChecksum)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
