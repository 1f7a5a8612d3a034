// Package fileaccess is the authoritative gateway for workspace file
// mutations: sandboxed paths, per-path locking, checksum-based conflict
// detection and change notification.
package fileaccess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/syncspace/internal/consts"
	"github.com/codefionn/syncspace/internal/fs"
	"github.com/codefionn/syncspace/internal/logger"
	"github.com/codefionn/syncspace/internal/syncerr"
)

// lockEntry holds all live locks for one path. Exclusive and shared
// acquisitions never coexist.
type lockEntry struct {
	mode  LockMode
	locks map[string]*Lock // lockID -> lock
}

// Store is the File Access Layer for one workspace root
type Store struct {
	root string
	fsys fs.FileSystem
	log  *logger.Logger

	mu    sync.RWMutex
	locks map[string]*lockEntry    // path -> locks
	meta  map[string]*FileMetadata // path -> last committed metadata

	// Per-path write serialization, independent of the table lock
	pathMu sync.Map // path -> *sync.Mutex

	lockExpiry time.Duration

	changes chan Change
	closed  bool
}

// NewStore creates a File Access Layer rooted at root. All paths handed to
// the store are interpreted relative to it and may never escape it.
func NewStore(root string, fsys fs.FileSystem) *Store {
	return &Store{
		root:       root,
		fsys:       fsys,
		log:        logger.Global().WithPrefix("fileaccess"),
		locks:      make(map[string]*lockEntry),
		meta:       make(map[string]*FileMetadata),
		lockExpiry: consts.DefaultLockExpiry,
		changes:    make(chan Change, consts.DefaultEventBufferSize),
	}
}

// SetLockExpiry overrides the owner-crash timeout for locks
func (s *Store) SetLockExpiry(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockExpiry = d
}

// Changes returns the stream of committed mutations
func (s *Store) Changes() <-chan Change {
	return s.changes
}

// Close stops change emission
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.changes)
	}
}

// resolvePath normalizes a caller path and rejects escapes from the
// workspace root.
func (s *Store) resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", syncerr.ErrPathViolation)
	}
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) {
		rel, err := filepath.Rel(s.root, cleaned)
		if err != nil {
			return "", fmt.Errorf("%w: %s", syncerr.ErrPathViolation, path)
		}
		cleaned = rel
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", syncerr.ErrPathViolation, path)
	}
	return cleaned, nil
}

func (s *Store) pathLock(path string) *sync.Mutex {
	m, _ := s.pathMu.LoadOrStore(path, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Create creates a new file. Fails if the file already exists.
func (s *Store) Create(ctx context.Context, path string, content []byte) (*FileMetadata, error) {
	p, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}

	pl := s.pathLock(p)
	pl.Lock()
	defer pl.Unlock()

	exists, err := s.fsys.Exists(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("check existence of %s: %w", p, err)
	}
	if exists {
		return nil, fmt.Errorf("create %s: %w", p, os.ErrExist)
	}

	if err := s.fsys.WriteFile(ctx, p, content); err != nil {
		return nil, fmt.Errorf("create %s: %w", p, err)
	}

	md := s.commitMetadata(ctx, p, content)
	s.emit(Change{Path: p, Action: ActionCreate, Timestamp: time.Now()})
	s.log.Debug("created %s (%d bytes)", p, len(content))
	return md, nil
}

// Read returns the file's content along with its current metadata snapshot
func (s *Store) Read(ctx context.Context, path string) ([]byte, *FileMetadata, error) {
	p, err := s.resolvePath(path)
	if err != nil {
		return nil, nil, err
	}

	data, err := s.fsys.ReadFile(ctx, p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("read %s: %w", p, syncerr.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("read %s: %w", p, err)
	}

	md, err := s.Metadata(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	return data, md, nil
}

// Update overwrites an existing file. The caller must either hold the lock
// on the path (lockID) or the path must be unlocked.
func (s *Store) Update(ctx context.Context, path string, content []byte, holder, lockID string) (*FileMetadata, error) {
	p, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}

	if err := s.checkWritePermission(p, holder, lockID); err != nil {
		return nil, err
	}

	pl := s.pathLock(p)
	pl.Lock()
	defer pl.Unlock()

	exists, err := s.fsys.Exists(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("check existence of %s: %w", p, err)
	}
	if !exists {
		return nil, fmt.Errorf("update %s: %w", p, syncerr.ErrNotFound)
	}

	if err := s.fsys.WriteFile(ctx, p, content); err != nil {
		return nil, fmt.Errorf("update %s: %w", p, err)
	}

	// Checksum is recomputed before Update returns so concurrent readers
	// immediately observe a consistent snapshot.
	md := s.commitMetadata(ctx, p, content)
	s.emit(Change{Path: p, Action: ActionModify, Timestamp: time.Now()})
	return md, nil
}

// Delete removes a file and drops its metadata and locks
func (s *Store) Delete(ctx context.Context, path string, holder, lockID string) error {
	p, err := s.resolvePath(path)
	if err != nil {
		return err
	}

	if err := s.checkWritePermission(p, holder, lockID); err != nil {
		return err
	}

	pl := s.pathLock(p)
	pl.Lock()
	defer pl.Unlock()

	if err := s.fsys.Delete(ctx, p); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", p, syncerr.ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", p, err)
	}

	s.mu.Lock()
	delete(s.meta, p)
	delete(s.locks, p)
	s.mu.Unlock()

	s.emit(Change{Path: p, Action: ActionDelete, Timestamp: time.Now()})
	s.log.Debug("deleted %s", p)
	return nil
}

// Metadata returns the current metadata snapshot for a path, refreshing
// from the backing store when the file was changed externally.
func (s *Store) Metadata(ctx context.Context, path string) (*FileMetadata, error) {
	p, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}

	info, err := s.fsys.Stat(ctx, p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %w", p, syncerr.ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}

	s.mu.RLock()
	cached := s.meta[p]
	s.mu.RUnlock()

	// Reuse the committed checksum when size and mtime still match;
	// otherwise the file changed behind our back and must be re-hashed.
	if cached == nil || cached.Size != info.Size || !cached.ModifiedAt.Equal(info.ModTime) {
		data, err := s.fsys.ReadFile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("refresh checksum of %s: %w", p, err)
		}
		cached = s.commitMetadata(ctx, p, data)
	}

	snapshot := *cached
	snapshot.LockState = s.lockState(p)
	return &snapshot, nil
}

// commitMetadata recomputes and stores metadata after a committed write
func (s *Store) commitMetadata(ctx context.Context, path string, content []byte) *FileMetadata {
	modTime := time.Now()
	if info, err := s.fsys.Stat(ctx, path); err == nil {
		modTime = info.ModTime
	}

	md := &FileMetadata{
		Path:       path,
		Size:       int64(len(content)),
		ModifiedAt: modTime,
		Checksum:   Checksum(content),
	}

	s.mu.Lock()
	s.meta[path] = md
	s.mu.Unlock()
	return md
}

func (s *Store) emit(c Change) {
	// Holding the read lock keeps Close from closing the channel mid-send
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.changes <- c:
	default:
		s.log.Warn("change buffer full, dropping %s %s", c.Action, c.Path)
	}
}
