// Package loader serves file content lazily: line ranges come from an
// LRU-capped chunk cache backed by byte-range reads, so large files are
// never held in memory whole.
package loader

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/codefionn/syncspace/internal/consts"
	"github.com/codefionn/syncspace/internal/fs"
	"github.com/codefionn/syncspace/internal/logger"
	"github.com/codefionn/syncspace/internal/syncerr"
)

// Options tunes chunk geometry and cache capacity
type Options struct {
	ChunkSize       int // lines per chunk
	MaxCachedChunks int
	PreloadChunks   int // chunks fetched ahead of a requested range
}

// DefaultOptions returns the loader defaults
func DefaultOptions() Options {
	return Options{
		ChunkSize:       consts.DefaultChunkSize,
		MaxCachedChunks: consts.DefaultMaxCachedChunks,
		PreloadChunks:   consts.DefaultPreloadChunks,
	}
}

// FileInfo is the per-file summary produced by InitializeFile
type FileInfo struct {
	Path       string
	TotalLines int
	TotalSize  int64
}

// CacheStats is a snapshot of the chunk cache
type CacheStats struct {
	CachedChunks   int
	TotalCacheSize int64
	Hits           uint64
	Misses         uint64
	Evictions      uint64
}

// fileState holds the line-offset index for one initialized file.
// offsets[i] is the byte offset where line i starts; offsets[totalLines]
// is the file size, so line i spans offsets[i]..offsets[i+1].
type fileState struct {
	info    FileInfo
	offsets []int64
}

type chunkKey struct {
	path  string
	index int
}

type cachedChunk struct {
	key   chunkKey
	lines []string
	size  int64
}

// Loader manages lazy content access for one workspace
type Loader struct {
	fsys fs.FileSystem
	opts Options
	log  *logger.Logger

	mu        sync.Mutex
	files     map[string]*fileState
	cache     map[chunkKey]*list.Element
	lru       *list.List // front = most recently used
	cacheSize int64
	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a Loader over the given filesystem
func New(fsys fs.FileSystem, opts Options) *Loader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = consts.DefaultChunkSize
	}
	if opts.MaxCachedChunks <= 0 {
		opts.MaxCachedChunks = consts.DefaultMaxCachedChunks
	}
	if opts.PreloadChunks < 0 {
		opts.PreloadChunks = 0
	}
	return &Loader{
		fsys:  fsys,
		opts:  opts,
		log:   logger.Global().WithPrefix("loader"),
		files: make(map[string]*fileState),
		cache: make(map[chunkKey]*list.Element),
		lru:   list.New(),
	}
}

// InitializeFile scans path once and builds its line-offset index. The file
// content itself is not retained. Re-initializing refreshes the index and
// drops the file's cached chunks.
func (l *Loader) InitializeFile(ctx context.Context, path string) (*FileInfo, error) {
	info, err := l.fsys.Stat(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, syncerr.ErrNotFound)
	}
	size := info.Size

	offsets := []int64{0}
	buf := int64(consts.BufferSize64KB)
	var pos int64
	for pos < size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := buf
		if pos+n > size {
			n = size - pos
		}
		block, err := l.fsys.ReadRange(ctx, path, pos, n)
		if err != nil {
			return nil, fmt.Errorf("index %s at offset %d: %w", path, pos, err)
		}
		for i, b := range block {
			if b == '\n' {
				offsets = append(offsets, pos+int64(i)+1)
			}
		}
		pos += int64(len(block))
		if int64(len(block)) < n {
			// file shrank mid-scan; index what we saw
			size = pos
			break
		}
	}

	totalLines := len(offsets) - 1
	if size > 0 && offsets[len(offsets)-1] < size {
		// final line without trailing newline
		totalLines++
		offsets = append(offsets, size)
	} else if size > 0 {
		// trailing newline: last offset already equals size
		offsets[len(offsets)-1] = size
	}

	st := &fileState{
		info:    FileInfo{Path: path, TotalLines: totalLines, TotalSize: size},
		offsets: offsets,
	}

	l.mu.Lock()
	l.files[path] = st
	l.dropChunksLocked(path)
	l.mu.Unlock()

	l.log.Debug("indexed %s: %d lines, %d bytes", path, totalLines, size)
	out := st.info
	return &out, nil
}

// Info returns the index summary for an initialized file
func (l *Loader) Info(path string) (*FileInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.files[path]
	if !ok {
		return nil, fmt.Errorf("file %s not initialized: %w", path, syncerr.ErrNotFound)
	}
	out := st.info
	return &out, nil
}

// LineRange returns lines start..end inclusive. end is clamped to the last
// line of the file; requesting a start past the end of the file is an error,
// as is a window wider than MaxLinesPerRead. Callers never receive fewer
// lines than the (clamped) range names, so paging through a file with
// successive calls reassembles its exact content.
func (l *Loader) LineRange(ctx context.Context, path string, start, end int) ([]string, error) {
	l.mu.Lock()
	st, ok := l.files[path]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("file %s not initialized: %w", path, syncerr.ErrNotFound)
	}

	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid line range [%d, %d]", start, end)
	}
	if st.info.TotalLines == 0 {
		return nil, nil
	}
	if start >= st.info.TotalLines {
		return nil, fmt.Errorf("line %d past end of %s (%d lines): %w",
			start, path, st.info.TotalLines, syncerr.ErrNotFound)
	}
	if end >= st.info.TotalLines {
		end = st.info.TotalLines - 1
	}
	if end-start+1 > consts.MaxLinesPerRead {
		return nil, fmt.Errorf("range [%d, %d] spans more than %d lines: %w",
			start, end, consts.MaxLinesPerRead, syncerr.ErrCapacityExceeded)
	}

	firstChunk := start / l.opts.ChunkSize
	lastChunk := end / l.opts.ChunkSize

	out := make([]string, 0, end-start+1)
	for ci := firstChunk; ci <= lastChunk; ci++ {
		lines, err := l.chunk(ctx, st, ci)
		if err != nil {
			return nil, err
		}
		chunkStart := ci * l.opts.ChunkSize
		for li, line := range lines {
			abs := chunkStart + li
			if abs >= start && abs <= end {
				out = append(out, line)
			}
		}
	}

	// fetch-ahead beyond the requested range
	lastFileChunk := (st.info.TotalLines - 1) / l.opts.ChunkSize
	for p := 1; p <= l.opts.PreloadChunks; p++ {
		ci := lastChunk + p
		if ci > lastFileChunk {
			break
		}
		if _, err := l.chunk(ctx, st, ci); err != nil {
			l.log.Debug("preload chunk %d of %s failed: %v", ci, path, err)
			break
		}
	}

	return out, nil
}

// Invalidate drops the index and cached chunks for path, typically after a
// change event. A later LineRange requires re-initialization.
func (l *Loader) Invalidate(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.files, path)
	l.dropChunksLocked(path)
}

// Stats returns a snapshot of the chunk cache
func (l *Loader) Stats() CacheStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return CacheStats{
		CachedChunks:   len(l.cache),
		TotalCacheSize: l.cacheSize,
		Hits:           l.hits,
		Misses:         l.misses,
		Evictions:      l.evictions,
	}
}

// chunk returns chunk ci of st, loading and caching it on miss
func (l *Loader) chunk(ctx context.Context, st *fileState, ci int) ([]string, error) {
	key := chunkKey{path: st.info.Path, index: ci}

	l.mu.Lock()
	if elem, ok := l.cache[key]; ok {
		l.lru.MoveToFront(elem)
		l.hits++
		lines := elem.Value.(*cachedChunk).lines
		l.mu.Unlock()
		return lines, nil
	}
	l.misses++
	l.mu.Unlock()

	lines, size, err := l.loadChunk(ctx, st, ci)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.cache[key]; ok {
		// lost the race to a concurrent load
		l.lru.MoveToFront(elem)
		return elem.Value.(*cachedChunk).lines, nil
	}
	elem := l.lru.PushFront(&cachedChunk{key: key, lines: lines, size: size})
	l.cache[key] = elem
	l.cacheSize += size
	for len(l.cache) > l.opts.MaxCachedChunks {
		l.evictLocked()
	}
	return lines, nil
}

// loadChunk reads the byte range backing chunk ci and splits it into lines
func (l *Loader) loadChunk(ctx context.Context, st *fileState, ci int) ([]string, int64, error) {
	firstLine := ci * l.opts.ChunkSize
	lastLine := firstLine + l.opts.ChunkSize - 1
	if lastLine >= st.info.TotalLines {
		lastLine = st.info.TotalLines - 1
	}
	if firstLine > lastLine {
		return nil, 0, nil
	}

	from := st.offsets[firstLine]
	to := st.offsets[lastLine+1]
	data, err := l.fsys.ReadRange(ctx, st.info.Path, from, to-from)
	if err != nil {
		return nil, 0, fmt.Errorf("read chunk %d of %s: %w", ci, st.info.Path, err)
	}

	text := strings.TrimSuffix(string(data), "\n")
	var lines []string
	if text == "" && lastLine == firstLine {
		lines = []string{""}
	} else {
		lines = strings.Split(text, "\n")
	}
	return lines, int64(len(data)), nil
}

func (l *Loader) evictLocked() {
	back := l.lru.Back()
	if back == nil {
		return
	}
	c := back.Value.(*cachedChunk)
	l.lru.Remove(back)
	delete(l.cache, c.key)
	l.cacheSize -= c.size
	l.evictions++
}

func (l *Loader) dropChunksLocked(path string) {
	for elem := l.lru.Front(); elem != nil; {
		next := elem.Next()
		c := elem.Value.(*cachedChunk)
		if c.key.path == path {
			l.lru.Remove(elem)
			delete(l.cache, c.key)
			l.cacheSize -= c.size
		}
		elem = next
	}
}
