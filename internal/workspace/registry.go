package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/codefionn/syncspace/internal/config"
	"github.com/codefionn/syncspace/internal/logger"
	"github.com/codefionn/syncspace/internal/syncerr"
)

// Info is the externally visible workspace summary
type Info struct {
	ID   string `json:"id"`
	Root string `json:"root"`
}

// Registry maps workspace IDs to engines. One engine per root; engines
// never share state.
type Registry struct {
	cfg      *config.Config
	notifier Notifier
	log      *logger.Logger

	mu       sync.Mutex
	engines  map[string]*Engine
	pathToID map[string]string
}

// NewRegistry creates an empty registry; every engine it opens reports
// through notifier
func NewRegistry(cfg *config.Config, notifier Notifier) *Registry {
	return &Registry{
		cfg:      cfg,
		notifier: notifier,
		log:      logger.Global().WithPrefix("registry"),
		engines:  make(map[string]*Engine),
		pathToID: make(map[string]string),
	}
}

// WorkspaceID derives the stable identifier for a workspace root
func WorkspaceID(root string) string {
	h := sha256.New()
	h.Write([]byte(root))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Open returns the engine for root, creating and starting one on first use
func (r *Registry) Open(root string) (*Engine, error) {
	absPath, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	if info, err := os.Stat(absPath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory: %w", absPath, syncerr.ErrNotFound)
	}
	id := WorkspaceID(absPath)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[id]; ok {
		return e, nil
	}

	e, err := NewEngine(id, absPath, r.cfg, r.notifier)
	if err != nil {
		return nil, err
	}
	if err := e.Start(); err != nil {
		e.Shutdown()
		return nil, err
	}
	r.engines[id] = e
	r.pathToID[absPath] = id
	r.log.Info("opened workspace %s at %s", id, absPath)
	return e, nil
}

// Get returns the engine with the given ID
func (r *Registry) Get(id string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[id]
	return e, ok
}

// List returns a summary of open workspaces
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, Info{ID: e.ID, Root: e.Root})
	}
	return out
}

// Close shuts one workspace down and removes it
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	e, ok := r.engines[id]
	if ok {
		delete(r.engines, id)
		delete(r.pathToID, e.Root)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("workspace %s: %w", id, syncerr.ErrNotFound)
	}
	return e.Shutdown()
}

// Shutdown closes every workspace
func (r *Registry) Shutdown() {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.engines = make(map[string]*Engine)
	r.pathToID = make(map[string]string)
	r.mu.Unlock()

	for _, e := range engines {
		if err := e.Shutdown(); err != nil {
			r.log.Warn("shutting down workspace %s: %v", e.ID, err)
		}
	}
}
