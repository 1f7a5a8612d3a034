package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileInfo represents file metadata
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// FileSystem is an abstraction over filesystem operations. The engine never
// touches the OS directly so tests can run against MockFS.
type FileSystem interface {
	// ReadFile reads the entire file
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// ReadRange reads length bytes starting at offset
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)
	// WriteFile writes data to a file, creating parent directories as needed
	WriteFile(ctx context.Context, path string, data []byte) error
	// Stat returns file information
	Stat(ctx context.Context, path string) (*FileInfo, error)
	// Exists checks if a file exists
	Exists(ctx context.Context, path string) (bool, error)
	// Delete removes a file
	Delete(ctx context.Context, path string) error
	// MkdirAll creates a directory and all parent directories
	MkdirAll(ctx context.Context, path string, perm os.FileMode) error
}

// OSFS is the filesystem implementation backed by the operating system,
// rooted at a base directory.
type OSFS struct {
	baseDir string
}

// NewOSFS creates a filesystem rooted at baseDir
func NewOSFS(baseDir string) *OSFS {
	return &OSFS{baseDir: baseDir}
}

func (ofs *OSFS) absPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ofs.baseDir, path)
}

func (ofs *OSFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(ofs.absPath(path))
}

func (ofs *OSFS) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(ofs.absPath(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read range %d+%d of %s: %w", offset, length, path, err)
	}
	return buf[:n], nil
}

func (ofs *OSFS) WriteFile(ctx context.Context, path string, data []byte) error {
	absPath := ofs.absPath(path)

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return err
	}

	// Write to a temp file, then rename, so readers never see a torn write
	tmp := absPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, absPath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (ofs *OSFS) Stat(ctx context.Context, path string) (*FileInfo, error) {
	info, err := os.Stat(ofs.absPath(path))
	if err != nil {
		return nil, err
	}

	return &FileInfo{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

func (ofs *OSFS) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(ofs.absPath(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (ofs *OSFS) Delete(ctx context.Context, path string) error {
	return os.Remove(ofs.absPath(path))
}

func (ofs *OSFS) MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	return os.MkdirAll(ofs.absPath(path), perm)
}

// MockFS is an in-memory filesystem for testing
type MockFS struct {
	files map[string][]byte
	times map[string]time.Time
	mu    sync.RWMutex
}

func NewMockFS() *MockFS {
	return &MockFS{
		files: make(map[string][]byte),
		times: make(map[string]time.Time),
	}
}

func (mfs *MockFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	mfs.mu.RLock()
	defer mfs.mu.RUnlock()

	data, ok := mfs.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (mfs *MockFS) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	mfs.mu.RLock()
	defer mfs.mu.RUnlock()

	data, ok := mfs.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}

func (mfs *MockFS) WriteFile(ctx context.Context, path string, data []byte) error {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	mfs.files[path] = stored
	mfs.times[path] = time.Now()
	return nil
}

func (mfs *MockFS) Stat(ctx context.Context, path string) (*FileInfo, error) {
	mfs.mu.RLock()
	defer mfs.mu.RUnlock()

	data, ok := mfs.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}

	return &FileInfo{
		Path:    path,
		Size:    int64(len(data)),
		ModTime: mfs.times[path],
		IsDir:   false,
	}, nil
}

func (mfs *MockFS) Exists(ctx context.Context, path string) (bool, error) {
	mfs.mu.RLock()
	defer mfs.mu.RUnlock()

	_, ok := mfs.files[path]
	return ok, nil
}

func (mfs *MockFS) Delete(ctx context.Context, path string) error {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()

	if _, ok := mfs.files[path]; !ok {
		return os.ErrNotExist
	}
	delete(mfs.files, path)
	delete(mfs.times, path)
	return nil
}

func (mfs *MockFS) MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	return nil
}

// Touch backdates or updates a file's modification time (test helper)
func (mfs *MockFS) Touch(path string, t time.Time) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()
	mfs.times[path] = t
}
