package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/katra-memory/katra/internal/api"
	"github.com/katra-memory/katra/internal/async"
	"github.com/katra-memory/katra/internal/config"
	"github.com/katra-memory/katra/internal/ingest"
	"github.com/katra-memory/katra/internal/metrics"
	"github.com/katra-memory/katra/internal/retrieval"
	"github.com/katra-memory/katra/internal/storage"
	"github.com/katra-memory/katra/internal/synthesis"
	"github.com/katra-memory/katra/internal/working"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the katra server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpMode, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), mcpMode)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running katra server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "katra.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// engine is the assembled memory stack behind the HTTP and MCP surfaces.
type engine struct {
	store   *storage.Store
	vectors *retrieval.VectorIndex
	working *working.Memory
	synth   *synthesis.Orchestrator
	pool    *async.Pool
	linker  *ingest.Worker
	deps    api.Deps
}

// presetFor resolves the configured synthesis preset and applies the
// configured threshold and result cap on top of it.
func presetFor(cfg config.Config) (synthesis.Options, error) {
	opts, err := synthesis.Preset(cfg.Synthesis.Preset)
	if err != nil {
		return synthesis.Options{}, err
	}
	opts.SimilarityThreshold = cfg.Synthesis.SimilarityThreshold
	if cfg.Synthesis.MaxResults > 0 {
		opts.MaxResults = cfg.Synthesis.MaxResults
	}
	return opts, nil
}

// openEngine opens storage under cfg.Storage.DataDir and wires every
// backend, the worker pool and the linker together. dataDir ":memory:"
// keeps everything in memory.
func openEngine(cfg config.Config) (*engine, error) {
	preset, err := presetFor(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	store.SetRecallBounds(cfg.Recall.MaxTopicRecall, cfg.MaxContextAge())

	e := &engine{store: store}

	embedder := retrieval.NewHashEmbedder(retrieval.DefaultDimension)
	if cfg.Storage.DataDir == ":memory:" {
		e.vectors = retrieval.NewVectorIndex(embedder)
	} else {
		e.vectors, err = retrieval.OpenVectorIndex(filepath.Join(cfg.Storage.DataDir, "vectors"), embedder)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("opening vector index: %w", err)
		}
	}

	backends := synthesis.Backends{
		Vector:  e.vectors,
		Graph:   store,
		Keyword: store,
		Records: store,
	}
	if cfg.Working.Enabled {
		e.working, err = working.New(cfg.Working.Capacity)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("creating working memory: %w", err)
		}
		backends.Working = e.working
	}

	e.synth = synthesis.NewOrchestrator(backends)
	e.synth.SetObserver(metrics.ObserveBackend)

	e.pool, err = async.New(async.Config{
		MinWorkers:    cfg.Pool.MinWorkers,
		MaxWorkers:    cfg.Pool.MaxWorkers,
		QueueCapacity: cfg.Pool.QueueCapacity,
		IdleTimeout:   cfg.IdleTimeout(),
	}, async.Deps{Memories: store, Synthesizer: e.synth})
	if err != nil {
		e.closeBackends()
		return nil, fmt.Errorf("starting worker pool: %w", err)
	}

	e.linker = ingest.NewWorker(store, e.vectors, ingest.Config{
		SimilarityThreshold: cfg.Graph.SimilarityThreshold,
		MaxSimilarEdges:     cfg.Graph.MaxSimilarEdges,
	}, 0)

	e.deps = api.Deps{
		Store:    store,
		Pool:     e.pool,
		Promises: api.NewRegistry(api.DefaultMaxPromises),
		Recaller: e.synth,
		Index:    e.vectors,
		Preset:   preset,
		Token:    cfg.Server.APIToken,
	}
	if e.working != nil {
		e.deps.Working = e.working
	}
	return e, nil
}

// Close releases outstanding promises, stops the pool and closes storage.
// Storage stays open when pool workers are still running.
func (e *engine) Close() error {
	e.deps.Promises.ReleaseAll()
	if err := e.pool.Close(); err != nil {
		slog.Warn("worker pool did not stop cleanly, leaving storage open", "error", err)
		return err
	}
	return e.closeBackends()
}

func (e *engine) closeBackends() error {
	if e.working != nil {
		e.working.Close()
	}
	return e.store.Close()
}

func runServer(ctx context.Context, mcpMode bool) error {
	fmt.Fprintf(os.Stderr, "katra version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	// Check if a server is already running via the health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.HTTPPort)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("katra is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("katra is already running on port %d", cfg.Server.HTTPPort)
		return fmt.Errorf("server already running on port %d", cfg.Server.HTTPPort)
	}

	e, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing engine: %v\n", err)
		}
	}()
	prometheus.MustRegister(metrics.NewPoolCollector(e.pool))

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.HTTPPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(e.deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.linker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "katra listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if mcpMode {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(e.deps, version))
		g.Go(func() error {
			err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	// Graceful shutdown with timeout once a signal arrives or a component fails.
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("katra is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop katra (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to katra (PID %d)", pid)
	return nil
}
