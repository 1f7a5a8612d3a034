// Package workspace wires the per-workspace components together: file
// access, lazy loading, change watching and collaboration, with outbound
// notifications flowing through a pluggable notifier.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/codefionn/syncspace/internal/collab"
	"github.com/codefionn/syncspace/internal/config"
	"github.com/codefionn/syncspace/internal/fileaccess"
	"github.com/codefionn/syncspace/internal/fs"
	"github.com/codefionn/syncspace/internal/loader"
	"github.com/codefionn/syncspace/internal/logger"
	"github.com/codefionn/syncspace/internal/protocol"
	"github.com/codefionn/syncspace/internal/watcher"
)

// Notifier receives outbound envelopes (change batches, collaboration ops).
// The HTTP hub and the connection pool both satisfy this.
type Notifier interface {
	Notify(env *protocol.Envelope)
}

// NotifierFunc adapts a function to the Notifier interface
type NotifierFunc func(env *protocol.Envelope)

func (f NotifierFunc) Notify(env *protocol.Envelope) { f(env) }

// Engine owns every component of a single workspace. Workspaces are
// structurally isolated: nothing in an Engine is shared with another.
type Engine struct {
	ID   string
	Root string

	Store   *fileaccess.Store
	Loader  *loader.Loader
	Watcher *watcher.Watcher
	Collab  *collab.Manager

	log      *logger.Logger
	notifier Notifier

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewEngine builds the component set for the workspace rooted at root. The
// engine is inert until Start.
func NewEngine(id, root string, cfg *config.Config, notifier Notifier) (*Engine, error) {
	fsys := fs.NewOSFS(root)

	store := fileaccess.NewStore(root, fsys)
	if cfg.LockExpirySec > 0 {
		store.SetLockExpiry(cfg.LockExpiry())
	}

	ld := loader.New(fsys, loader.Options{
		ChunkSize:       cfg.Loader.ChunkSize,
		MaxCachedChunks: cfg.Loader.MaxCachedChunks,
		PreloadChunks:   cfg.Loader.PreloadChunks,
	})

	w, err := watcher.New(id, root, store.Changes(), watcher.Options{
		BatchDelay:    cfg.BatchDelay(),
		MaxBatchSize:  cfg.Watcher.MaxBatchSize,
		ThrottleDelay: cfg.ThrottleDelay(),
	})
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", id, err)
	}

	// one journal file per workspace keeps collaboration state isolated
	journalPath := filepath.Join(root, ".syncspace", "journal.db")
	if cfg.Collab.JournalPath != "" {
		base := strings.TrimSuffix(filepath.Base(cfg.Collab.JournalPath), ".db")
		journalPath = filepath.Join(filepath.Dir(cfg.Collab.JournalPath),
			fmt.Sprintf("%s-%s.db", base, id))
	}
	journal, err := collab.OpenJournal(journalPath)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", id, err)
	}
	cm := collab.NewManager(journal, cfg.CollabGracePeriod())

	e := &Engine{
		ID:       id,
		Root:     root,
		Store:    store,
		Loader:   ld,
		Watcher:  w,
		Collab:   cm,
		log:      logger.Global().WithPrefix("workspace"),
		notifier: notifier,
	}

	// locally produced collaboration ops go out as document envelopes
	cm.OnOps(func(documentID string, ops []collab.Op) {
		e.send(protocol.MessageTypeCollabOp, "", documentID, ops)
	})
	return e, nil
}

// Start begins change watching and notification forwarding
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("workspace %s already started", e.ID)
	}
	if err := e.Watcher.Start(); err != nil {
		return err
	}
	e.started = true

	e.wg.Add(1)
	go e.forwardBatches()
	e.log.Info("workspace %s started at %s", e.ID, e.Root)
	return nil
}

// Shutdown stops every component. Safe to call once.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	started := e.started
	e.started = false
	e.mu.Unlock()

	var err error
	if started {
		err = e.Watcher.Stop()
		e.wg.Wait()
	}
	e.Store.Close()
	if derr := e.Collab.Destroy(); derr != nil && err == nil {
		err = derr
	}
	e.log.Info("workspace %s shut down", e.ID)
	return err
}

// forwardBatches turns watch batches into change_batch envelopes and keeps
// the loader's view of changed files fresh
func (e *Engine) forwardBatches() {
	defer e.wg.Done()
	for batch := range e.Watcher.Batches() {
		events := make([]protocol.ChangeEvent, 0, len(batch.Events))
		for _, ev := range batch.Events {
			e.Loader.Invalidate(ev.Path)
			events = append(events, protocol.ChangeEvent{
				Path:   ev.Path,
				Action: string(ev.Action),
			})
		}
		e.send(protocol.MessageTypeChangeBatch, "", "", protocol.ChangeBatch{
			Workspace: e.ID,
			Events:    events,
			ClosedAt:  batch.ClosedAt,
		})
	}
}

func (e *Engine) send(msgType, path, documentID string, payload interface{}) {
	if e.notifier == nil {
		return
	}
	var env *protocol.Envelope
	var err error
	if documentID != "" {
		env, err = protocol.NewDocumentMessage(msgType, documentID, payload)
	} else {
		env, err = protocol.NewMessage(msgType, path, payload)
	}
	if err != nil {
		e.log.Error("encode %s envelope: %v", msgType, err)
		return
	}
	e.notifier.Notify(env)
}
