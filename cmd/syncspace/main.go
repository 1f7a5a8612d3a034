package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/codefionn/syncspace/internal/collab"
	"github.com/codefionn/syncspace/internal/config"
	"github.com/codefionn/syncspace/internal/connpool"
	"github.com/codefionn/syncspace/internal/httpapi"
	"github.com/codefionn/syncspace/internal/logger"
	"github.com/codefionn/syncspace/internal/pidfile"
	"github.com/codefionn/syncspace/internal/pprof"
	"github.com/codefionn/syncspace/internal/protocol"
	"github.com/codefionn/syncspace/internal/workspace"
)

type stringSlice []string

func (s *stringSlice) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	if value == "" {
		return fmt.Errorf("value cannot be empty")
	}
	*s = append(*s, value)
	return nil
}

type options struct {
	configPath string
	listenAddr string
	workspaces stringSlice
	peers      stringSlice
	userID     string
	userName   string
	logLevel   string
	pprofAddr  string
	cpuProfile string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("syncspace", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "path to the config file")
	fs.StringVar(&opts.listenAddr, "listen", "", "address to serve the HTTP API on (overrides config)")
	fs.Var(&opts.workspaces, "workspace", "workspace root to open at startup (repeatable)")
	fs.Var(&opts.peers, "peer", "websocket endpoint of a peer engine to forward changes to (repeatable)")
	fs.StringVar(&opts.userID, "user", "", "collaboration user id")
	fs.StringVar(&opts.userName, "name", "", "collaboration display name")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error, none (overrides config)")
	fs.StringVar(&opts.pprofAddr, "pprof", "", "serve runtime profiles on this address, e.g. localhost:6060")
	fs.StringVar(&opts.cpuProfile, "cpuprofile", "", "write a CPU profile to this file on shutdown")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func run() (err error) {
	opts, parseErr := parseArgs(os.Args[1:])
	if parseErr != nil {
		if errors.Is(parseErr, flag.ErrHelp) {
			return nil
		}
		return parseErr
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Environment and flags override the config file for logging.
	if envLevel := strings.TrimSpace(os.Getenv("SYNCSPACE_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("SYNCSPACE_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.listenAddr != "" {
		cfg.ListenAddr = opts.listenAddr
	}

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); initErr != nil {
		return fmt.Errorf("initialize logger: %w", initErr)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()
	logger.Info("syncspace starting")

	pid := pidfile.New(filepath.Join(filepath.Dir(cfg.LogPath), "syncspace.pid"))
	if err := pid.Acquire(); err != nil {
		return fmt.Errorf("another engine instance is running: %w", err)
	}
	defer func() {
		if releaseErr := pid.Release(); releaseErr != nil {
			logger.Warn("releasing pidfile: %v", releaseErr)
		}
	}()

	profiler := pprof.NewHandler(pprof.Config{
		HTTPAddr:   opts.pprofAddr,
		CPUProfile: opts.cpuProfile,
	})
	if profiler.Enabled() {
		if err := profiler.Start(); err != nil {
			return fmt.Errorf("start profiling: %w", err)
		}
		defer func() {
			if stopErr := profiler.Stop(); stopErr != nil {
				logger.Warn("stopping profiling: %v", stopErr)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := connpool.NewPool(connpool.Options{
		MaxConnections:       cfg.Pool.MaxConnections,
		ConnectTimeout:       cfg.ConnectTimeout(),
		HealthInterval:       cfg.HealthInterval(),
		SendQueueSize:        cfg.Pool.SendQueueSize,
		MaxReconnectAttempts: cfg.Pool.MaxReconnectAttempts,
	})
	defer pool.Close()

	hub := httpapi.NewHub()
	notifier := buildNotifier(ctx, hub, pool, opts.peers)
	registry := workspace.NewRegistry(cfg, notifier)
	defer registry.Shutdown()

	roots := opts.workspaces
	if len(roots) == 0 && cfg.WorkspaceRoot != "" {
		roots = stringSlice{cfg.WorkspaceRoot}
	}
	for _, root := range roots {
		e, openErr := registry.Open(root)
		if openErr != nil {
			return fmt.Errorf("open workspace %s: %w", root, openErr)
		}
		if opts.userID != "" {
			e.Collab.SetCurrentUser(collab.User{ID: opts.userID, Name: opts.userName})
		}
		logger.Info("workspace %s ready at %s", e.ID, e.Root)
	}

	srv := httpapi.NewServer(cfg.ListenAddr, hub, registry)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start http api: %w", err)
	}
	logger.Info("serving on %s", cfg.ListenAddr)

	<-ctx.Done()
	logger.Info("shutting down")
	if stopErr := srv.Stop(); stopErr != nil {
		logger.Warn("stopping http api: %v", stopErr)
	}
	return nil
}

// buildNotifier fans engine notifications out to the local hub and, when
// peers are configured, to each peer over a pooled connection
func buildNotifier(ctx context.Context, hub *httpapi.Hub, pool *connpool.Pool, peers []string) workspace.Notifier {
	if len(peers) == 0 {
		return hub
	}
	return workspace.NotifierFunc(func(env *protocol.Envelope) {
		hub.Notify(env)

		data, err := json.Marshal(env)
		if err != nil {
			logger.Error("marshal envelope for peers: %v", err)
			return
		}
		for _, endpoint := range peers {
			conn, err := pool.Get(ctx, endpoint)
			if err != nil {
				logger.Warn("peer %s unavailable: %v", endpoint, err)
				continue
			}
			if err := pool.Send(ctx, conn.ID(), data); err != nil {
				logger.Warn("forward to %s: %v", endpoint, err)
			}
		}
	})
}
