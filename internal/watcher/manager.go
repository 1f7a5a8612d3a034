package watcher

import (
	"fmt"
	"sync"

	"github.com/codefionn/syncspace/internal/fileaccess"
	"github.com/codefionn/syncspace/internal/logger"
	"github.com/codefionn/syncspace/internal/syncerr"
)

// Manager multiplexes one watcher per workspace root. Adding or removing a
// workspace never disturbs the others.
type Manager struct {
	opts Options
	log  *logger.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager; all watchers it creates share opts
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts,
		log:      logger.Global().WithPrefix("watchmgr"),
		watchers: make(map[string]*Watcher),
	}
}

// Add creates and starts a watcher for the workspace. Adding the same
// workspace twice is an error.
func (m *Manager) Add(workspace, root string, source <-chan fileaccess.Change) (*Watcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.watchers[workspace]; exists {
		return nil, fmt.Errorf("workspace %s already watched", workspace)
	}

	w, err := New(workspace, root, source, m.opts)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, err
	}
	m.watchers[workspace] = w
	m.log.Info("added watcher for workspace %s at %s", workspace, root)
	return w, nil
}

// Get returns the watcher for a workspace
func (m *Manager) Get(workspace string) (*Watcher, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watchers[workspace]
	return w, ok
}

// Remove stops and removes the workspace's watcher
func (m *Manager) Remove(workspace string) error {
	m.mu.Lock()
	w, ok := m.watchers[workspace]
	if ok {
		delete(m.watchers, workspace)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("workspace %s not watched: %w", workspace, syncerr.ErrNotFound)
	}
	return w.Stop()
}

// Stats returns per-workspace counters
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Stats, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Stats()
	}
	return out
}

// AggregateStats sums counters across all workspaces
func (m *Manager) AggregateStats() Stats {
	var agg Stats
	var flushed uint64
	for _, s := range m.Stats() {
		agg.TotalEvents += s.TotalEvents
		agg.BatchesProcessed += s.BatchesProcessed
		agg.DroppedEvents += s.DroppedEvents
		flushed += uint64(s.AverageBatchSize*float64(s.BatchesProcessed) + 0.5)
	}
	if agg.BatchesProcessed > 0 {
		agg.AverageBatchSize = float64(flushed) / float64(agg.BatchesProcessed)
	}
	return agg
}

// Close stops every watcher
func (m *Manager) Close() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		if err := w.Stop(); err != nil {
			m.log.Warn("stopping watcher: %v", err)
		}
	}
}
