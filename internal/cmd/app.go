package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jasontalley/pact-sub013/internal/classify"
	"github.com/jasontalley/pact-sub013/internal/config"
	"github.com/jasontalley/pact-sub013/internal/drift"
	"github.com/jasontalley/pact-sub013/internal/inference"
	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/ledger"
	"github.com/jasontalley/pact-sub013/internal/manifest"
	"github.com/jasontalley/pact-sub013/internal/metrics"
	"github.com/jasontalley/pact-sub013/internal/quality"
	"github.com/jasontalley/pact-sub013/internal/reconcile"
	"github.com/jasontalley/pact-sub013/internal/storage"
)

// newInferenceService opens the configured backend. Tests replace it.
var newInferenceService = func(cfg config.InferenceConfig) (inference.Service, io.Closer, error) {
	return inference.NewRegistry().Open(cfg)
}

// app wires the services one command invocation needs. Commands open it,
// use it and close it before returning.
type app struct {
	cfg     *config.Config
	paths   *config.Paths
	logger  *slog.Logger
	store   *storage.SQLiteStore
	metrics *metrics.Metrics
	ledger  *ledger.Service
	drift   *drift.Engine

	inf     *lazyInference
	engine  *reconcile.Engine
	closers []io.Closer
}

func loadConfig() (*config.Config, *config.Paths, error) {
	paths := config.DefaultPaths()

	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if dbPath != "" {
		cfg.Storage.DatabasePath = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, paths, nil
}

// newLogger builds the process logger. Logs go to log.file when set and to
// stderr otherwise, so stdout stays clean for command output.
func newLogger(c config.LogConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelWarn
	}

	w, closer := stderr, io.Closer(nil)
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // G304: path comes from config
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w, closer = f, f
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, paths, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	logger, logCloser, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, paths: paths, logger: logger}
	if logCloser != nil {
		a.closers = append(a.closers, logCloser)
	}

	store, err := storage.Open(cfg.DatabasePath(paths), storage.Options{BusyTimeoutMs: cfg.Storage.BusyTimeoutMs})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	a.metrics = metrics.New(true)
	a.ledger = ledger.NewService(store, ledger.ConfigFromSettings(cfg.Ledger, logger))
	a.drift = drift.NewEngine(store, drift.ConfigFromSettings(cfg.Drift, logger))
	a.inf = &lazyInference{open: a.openInference}
	return a, nil
}

func (a *app) openInference() (*inference.Adapter, error) {
	svc, closer, err := newInferenceService(a.cfg.Inference)
	if err != nil {
		return nil, fmt.Errorf("open inference backend %q: %w", a.cfg.Inference.Backend, err)
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	a.logger.Debug("inference backend ready", "backend", svc.Name())
	return inference.NewAdapter(svc, inference.AdapterConfig(a.cfg.Inference, a.logger, a.metrics)), nil
}

// reconciler returns the run engine, creating it on first use.
func (a *app) reconciler() (*reconcile.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	manifests := manifest.NewCache(a.store, manifest.NewFileBuilder(), a.logger)
	manifests.OnBuild = a.metrics.ManifestBuilt

	var runLogDir string
	if a.cfg.Reconcile.EventMirror {
		runLogDir = a.paths.RunLogDir()
	}
	eng, err := reconcile.NewEngine(
		a.store,
		manifests,
		a.inf,
		quality.NewGate(quality.ThresholdsFromConfig(a.cfg.Quality), a.logger),
		a.drift,
		reconcile.Config{
			MaxConcurrentRuns: a.cfg.Reconcile.MaxConcurrentRuns,
			RunLogDir:         runLogDir,
			AgentName:         a.cfg.Inference.Backend,
			Logger:            a.logger,
			Observer:          a.metrics,
		},
	)
	if err != nil {
		return nil, err
	}
	a.engine = eng
	return eng, nil
}

// Close stops the engine first so interrupted executions can still record
// their state, then releases everything else in reverse order.
func (a *app) Close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// lazyInference opens the backend on first use, so commands that only read
// run state never start an inference process or dial a server.
type lazyInference struct {
	once    sync.Once
	open    func() (*inference.Adapter, error)
	adapter *inference.Adapter
	err     error
}

func (l *lazyInference) get() (*inference.Adapter, error) {
	l.once.Do(func() { l.adapter, l.err = l.open() })
	return l.adapter, l.err
}

func (l *lazyInference) InferAtoms(ctx context.Context, m *manifest.RepoManifest, cls *classify.Result) (*inference.AtomBatch, error) {
	a, err := l.get()
	if err != nil {
		return nil, err
	}
	return a.InferAtoms(ctx, m, cls)
}

func (l *lazyInference) SynthesizeMolecules(ctx context.Context, atoms []intent.InferredAtom) (*inference.MoleculeBatch, error) {
	a, err := l.get()
	if err != nil {
		return nil, err
	}
	return a.SynthesizeMolecules(ctx, atoms)
}
