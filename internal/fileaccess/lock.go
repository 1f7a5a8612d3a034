package fileaccess

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/syncspace/internal/syncerr"
)

// AcquireLock grants a lock on path or fails with LockHeld. Acquisition is
// all-or-nothing: there is no queueing and no partial grant.
func (s *Store) AcquireLock(ctx context.Context, path string, mode LockMode, holder string) (*Lock, error) {
	p, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}
	if mode != LockExclusive && mode != LockShared {
		return nil, fmt.Errorf("unknown lock mode %q", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocksLocked(p)

	entry := s.locks[p]
	if entry != nil && len(entry.locks) > 0 {
		// Shared locks coexist with each other, never with exclusive
		if mode == LockExclusive || entry.mode == LockExclusive {
			existing := entry.any()
			return nil, &syncerr.LockHeldError{
				Path:       p,
				Holder:     existing.Holder,
				Mode:       string(existing.Mode),
				AcquiredAt: existing.AcquiredAt,
			}
		}
	}

	lock := &Lock{
		Path:       p,
		ID:         uuid.New().String(),
		Mode:       mode,
		Holder:     holder,
		AcquiredAt: time.Now(),
	}

	if entry == nil {
		entry = &lockEntry{mode: mode, locks: make(map[string]*Lock)}
		s.locks[p] = entry
	}
	entry.mode = mode
	entry.locks[lock.ID] = lock

	s.log.Debug("lock acquired on %s by %s (%s, id %s)", p, holder, mode, lock.ID)
	return lock, nil
}

// WaitLock retries acquisition until the context expires, covering the case
// where a conflicting lock is about to be released or expire.
func (s *Store) WaitLock(ctx context.Context, path string, mode LockMode, holder string) (*Lock, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		lock, err := s.AcquireLock(ctx, path, mode, holder)
		if err == nil {
			return lock, nil
		}
		var held *syncerr.LockHeldError
		if !errors.As(err, &held) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock on %s: %w", path, syncerr.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// ReleaseLock releases a previously granted lock. Releasing an unknown
// lockID fails with NotFound and never corrupts the table.
func (s *Store) ReleaseLock(path, lockID string) error {
	p, err := s.resolvePath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.locks[p]
	if entry == nil {
		return fmt.Errorf("release lock on %s: %w", p, syncerr.ErrNotFound)
	}
	if _, ok := entry.locks[lockID]; !ok {
		return fmt.Errorf("release lock %s on %s: %w", lockID, p, syncerr.ErrNotFound)
	}

	delete(entry.locks, lockID)
	if len(entry.locks) == 0 {
		delete(s.locks, p)
	}
	s.log.Debug("lock %s released on %s", lockID, p)
	return nil
}

// checkWritePermission enforces the update/delete rule: the path must be
// unlocked, or the caller must present a lock it holds.
func (s *Store) checkWritePermission(path, holder, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocksLocked(path)

	entry := s.locks[path]
	if entry == nil || len(entry.locks) == 0 {
		return nil
	}

	if lock, ok := entry.locks[lockID]; ok && lock.Holder == holder {
		return nil
	}

	existing := entry.any()
	return &syncerr.LockHeldError{
		Path:       path,
		Holder:     existing.Holder,
		Mode:       string(existing.Mode),
		AcquiredAt: existing.AcquiredAt,
	}
}

// expireLocksLocked reclaims locks held past the owner-crash timeout.
// Caller must hold s.mu.
func (s *Store) expireLocksLocked(path string) {
	entry := s.locks[path]
	if entry == nil {
		return
	}
	cutoff := time.Now().Add(-s.lockExpiry)
	for id, lock := range entry.locks {
		if lock.AcquiredAt.Before(cutoff) {
			delete(entry.locks, id)
			s.log.Warn("expired stale lock %s on %s held by %s", id, path, lock.Holder)
		}
	}
	if len(entry.locks) == 0 {
		delete(s.locks, path)
	}
}

// lockState summarizes the locks on a path. Caller must NOT hold s.mu.
func (s *Store) lockState(path string) LockState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry := s.locks[path]
	if entry == nil || len(entry.locks) == 0 {
		return LockState{}
	}

	state := LockState{Locked: true, Mode: entry.mode}
	for _, lock := range entry.locks {
		state.Holders = append(state.Holders, lock.Holder)
	}
	return state
}

// any returns an arbitrary lock from the entry for error reporting
func (e *lockEntry) any() *Lock {
	for _, l := range e.locks {
		return l
	}
	return &Lock{}
}
