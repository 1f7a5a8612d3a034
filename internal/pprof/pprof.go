// Package pprof exposes runtime profiling for the sync engine, either over
// a debug HTTP listener or as profile files written on shutdown.
package pprof

import (
	"context"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"
)

// Config selects which profiling outputs are active
type Config struct {
	HTTPAddr    string // debug HTTP listener, e.g. "localhost:6060"
	CPUProfile  string // path to write a CPU profile on shutdown
	HeapProfile string // path to write a heap profile on shutdown
}

// Handler manages the active profiling outputs
type Handler struct {
	config   Config
	server   *http.Server
	listener net.Listener
	cpuFile  *os.File

	mu       sync.Mutex
	stopping bool
}

// NewHandler creates a profiling handler with the given configuration
func NewHandler(config Config) *Handler {
	return &Handler{config: config}
}

// Enabled reports whether any profiling output is configured
func (h *Handler) Enabled() bool {
	return h.config.HTTPAddr != "" || h.config.CPUProfile != "" || h.config.HeapProfile != ""
}

// Start begins profiling based on the configuration
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.config.CPUProfile != "" {
		if err := os.MkdirAll(filepath.Dir(h.config.CPUProfile), 0755); err != nil {
			return fmt.Errorf("create CPU profile directory: %w", err)
		}
		f, err := os.Create(h.config.CPUProfile)
		if err != nil {
			return fmt.Errorf("create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("start CPU profiling: %w", err)
		}
		h.cpuFile = f
	}

	if h.config.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", netpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)
		mux.Handle("/debug/pprof/goroutine", netpprof.Handler("goroutine"))
		mux.Handle("/debug/pprof/heap", netpprof.Handler("heap"))

		ln, err := net.Listen("tcp", h.config.HTTPAddr)
		if err != nil {
			return fmt.Errorf("bind pprof HTTP server: %w", err)
		}
		h.listener = ln
		h.server = &http.Server{Addr: h.config.HTTPAddr, Handler: mux}

		go func() {
			if err := h.server.Serve(h.listener); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	return nil
}

// Stop stops profiling and writes any configured profile files
func (h *Handler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopping {
		return nil
	}
	h.stopping = true

	var errs []error

	if h.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := h.cpuFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close CPU profile: %w", err))
		}
		h.cpuFile = nil
	}

	if h.config.HeapProfile != "" {
		if err := os.MkdirAll(filepath.Dir(h.config.HeapProfile), 0755); err != nil {
			errs = append(errs, fmt.Errorf("create heap profile directory: %w", err))
		} else if f, err := os.Create(h.config.HeapProfile); err != nil {
			errs = append(errs, fmt.Errorf("create heap profile file: %w", err))
		} else {
			if err := pprof.WriteHeapProfile(f); err != nil {
				errs = append(errs, fmt.Errorf("write heap profile: %w", err))
			}
			f.Close()
		}
	}

	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown pprof server: %w", err))
		}
		h.server = nil
		h.listener = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("multiple errors occurred: %v", errs)
	}
	return nil
}
