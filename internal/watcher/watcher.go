// Package watcher observes workspace file changes, both filesystem events
// via fsnotify and programmatic change records from the file access layer,
// and groups them into ordered batches.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/syncspace/internal/consts"
	"github.com/codefionn/syncspace/internal/fileaccess"
	"github.com/codefionn/syncspace/internal/logger"
)

// Options tunes batching behavior
type Options struct {
	BatchDelay    time.Duration // batch closes this long after its first event
	MaxBatchSize  int           // batch closes early at this many events
	ThrottleDelay time.Duration // minimum gap between delay-triggered closes
	EventBuffer   int
}

// DefaultOptions returns the watcher defaults
func DefaultOptions() Options {
	return Options{
		BatchDelay:   consts.DefaultBatchDelay,
		MaxBatchSize: consts.DefaultMaxBatchSize,
		EventBuffer:  consts.DefaultEventBufferSize,
	}
}

// Batch is an ordered group of change events
type Batch struct {
	Workspace string
	Events    []fileaccess.Change
	ClosedAt  time.Time
}

// Stats summarizes a watcher's activity
type Stats struct {
	TotalEvents      uint64
	BatchesProcessed uint64
	AverageBatchSize float64
	DroppedEvents    uint64
}

// Watcher batches change events for a single workspace root
type Watcher struct {
	workspace string
	root      string
	opts      Options
	log       *logger.Logger

	fsw    *fsnotify.Watcher
	source <-chan fileaccess.Change
	ingest chan fileaccess.Change

	batches chan Batch
	done    chan struct{}
	wg      sync.WaitGroup

	mu            sync.Mutex
	running       bool
	totalEvents   uint64
	flushedEvents uint64
	batchCount    uint64
	dropped       uint64
}

// New creates a watcher for the given workspace root. source carries change
// records produced by internal writes; it may be nil when only filesystem
// events are of interest.
func New(workspace, root string, source <-chan fileaccess.Change, opts Options) (*Watcher, error) {
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = consts.DefaultBatchDelay
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = consts.DefaultMaxBatchSize
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = consts.DefaultEventBufferSize
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		workspace: workspace,
		root:      root,
		opts:      opts,
		log:       logger.Global().WithPrefix("watcher"),
		fsw:       fsw,
		source:    source,
		ingest:    make(chan fileaccess.Change, opts.EventBuffer),
		batches:   make(chan Batch, 16),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. The root directory and its existing subdirectories
// are registered; directories created later are registered as they appear.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher for %s already running", w.workspace)
	}

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}

	w.running = true
	w.wg.Add(2)
	go w.readFS()
	go w.batchLoop()
	w.log.Debug("watching %s (%s)", w.root, w.workspace)
	return nil
}

// Stop shuts the watcher down; pending events are flushed as a final batch
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	close(w.batches)
	return err
}

// Batches is the stream of closed batches
func (w *Watcher) Batches() <-chan Batch {
	return w.batches
}

// Stats returns a snapshot of this watcher's counters
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Stats{
		TotalEvents:      w.totalEvents,
		BatchesProcessed: w.batchCount,
		DroppedEvents:    w.dropped,
	}
	if w.batchCount > 0 {
		s.AverageBatchSize = float64(w.flushedEvents) / float64(w.batchCount)
	}
	return s
}

// readFS translates fsnotify events into change records
func (w *Watcher) readFS() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Chmod != 0 && event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ignorable(event.Name) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.fsw.Add(event.Name); err != nil {
						w.log.Warn("failed to watch new directory %s: %v", event.Name, err)
					}
					continue
				}
			}
			w.enqueue(fileaccess.Change{
				Path:      w.relPath(event.Name),
				Action:    actionFor(event.Op),
				Timestamp: time.Now(),
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error: %v", err)
		}
	}
}

func (w *Watcher) enqueue(c fileaccess.Change) {
	select {
	case w.ingest <- c:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		w.log.Warn("event buffer full, dropping %s %s", c.Action, c.Path)
	}
}

// batchLoop accumulates events and closes batches on size or delay
func (w *Watcher) batchLoop() {
	defer w.wg.Done()

	var pending []fileaccess.Change
	var lastFlush time.Time
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	flush := func() {
		if len(pending) == 0 {
			timerArmed = false
			return
		}
		batch := Batch{
			Workspace: w.workspace,
			Events:    pending,
			ClosedAt:  time.Now(),
		}
		pending = nil
		timerArmed = false
		lastFlush = batch.ClosedAt

		w.mu.Lock()
		w.flushedEvents += uint64(len(batch.Events))
		w.batchCount++
		w.mu.Unlock()

		select {
		case w.batches <- batch:
		case <-w.done:
			// shutting down: deliver the final flush if there is room
			select {
			case w.batches <- batch:
			default:
				w.mu.Lock()
				w.dropped += uint64(len(batch.Events))
				w.mu.Unlock()
			}
		}
	}

	add := func(c fileaccess.Change) {
		w.mu.Lock()
		w.totalEvents++
		w.mu.Unlock()

		// collapse immediate repeats of the same path and action; coalescing
		// shrinks the batch, not the event counter
		if n := len(pending); n > 0 && pending[n-1].Path == c.Path && pending[n-1].Action == c.Action {
			pending[n-1] = c
			return
		}
		pending = append(pending, c)

		if len(pending) >= w.opts.MaxBatchSize {
			if timerArmed && !timer.Stop() {
				<-timer.C
			}
			flush()
			return
		}
		if !timerArmed {
			timer.Reset(w.opts.BatchDelay)
			timerArmed = true
		}
	}

	for {
		select {
		case <-w.done:
			flush()
			return
		case c := <-w.ingest:
			add(c)
		case c, ok := <-w.source:
			if !ok {
				w.source = nil
				continue
			}
			add(c)
		case <-timer.C:
			timerArmed = false
			if gap := w.opts.ThrottleDelay; gap > 0 {
				if since := time.Since(lastFlush); since < gap {
					timer.Reset(gap - since)
					timerArmed = true
					continue
				}
			}
			flush()
		}
	}
}

func (w *Watcher) relPath(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func actionFor(op fsnotify.Op) fileaccess.Action {
	switch {
	case op&fsnotify.Create != 0:
		return fileaccess.ActionCreate
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return fileaccess.ActionDelete
	default:
		return fileaccess.ActionModify
	}
}

// ignorable reports paths the watcher never emits events for
func ignorable(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && base != "."
}
