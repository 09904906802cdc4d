package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"narrator/internal/breaker"
	"narrator/internal/config"
	"narrator/internal/library"
	"narrator/internal/logging"
	"narrator/internal/pipeline"
	"narrator/internal/preflight"
	"narrator/internal/queue"
	"narrator/internal/registry"
	"narrator/internal/services/download"
	"narrator/internal/services/synthesis"
	"narrator/internal/workflow"
)

// Daemon owns every long-lived component and enforces single-instance
// execution through a file lock.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	queue    *queue.Store
	library  *library.Store
	pstore   *pipeline.Store
	machine  *pipeline.Machine
	registry *registry.Registry
	prober   *registry.Prober
	breakers *breaker.Registry
	workflow *workflow.Manager
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc

	preflightMu      sync.Mutex
	preflightResults []preflight.Result
}

// Status reports daemon runtime information for the admin API and CLI.
type Status struct {
	Running      bool               `json:"running"`
	Workflow     bool               `json:"workflow_running"`
	LastError    string             `json:"last_error,omitempty"`
	Health       registry.Health    `json:"health"`
	Preflight    []preflight.Result `json:"preflight,omitempty"`
	QueueDBPath  string             `json:"queue_db_path"`
	LockFilePath string             `json:"lock_file_path"`
}

// New opens the stores and wires every component. Close releases them.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	queueStore, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	libraryStore, err := library.Open(cfg)
	if err != nil {
		queueStore.Close()
		return nil, fmt.Errorf("open library store: %w", err)
	}
	pipelineStore, err := pipeline.Open(cfg)
	if err != nil {
		queueStore.Close()
		libraryStore.Close()
		return nil, fmt.Errorf("open pipeline store: %w", err)
	}

	reg := registry.New(cfg, logger)
	breakerLogger := logging.NewComponentLogger(logger, "breaker")
	breakers := breaker.NewRegistry(breakerSettings(cfg), breaker.WithTransitionFunc(func(t breaker.Transition) {
		breakerLogger.Warn("breaker state changed",
			logging.String(logging.FieldCapability, t.Capability),
			logging.String("from", string(t.From)),
			logging.String("to", string(t.To)),
			logging.String("reason", t.Reason),
		)
	}))

	machine := pipeline.NewMachine(pipelineStore, reg, logger)
	manager := workflow.NewManager(workflow.Deps{
		Config:    cfg,
		Logger:    logger,
		Queue:     queueStore,
		Library:   libraryStore,
		Pipeline:  machine,
		Registry:  reg,
		Downloads: download.NewClient("download", reg, breakers, logger),
		Synthesis: synthesis.NewClient("synthesis", reg, breakers, logger),
	})

	lockPath := filepath.Join(cfg.Paths.DataDir, "narratord.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		queue:    queueStore,
		library:  libraryStore,
		pstore:   pipelineStore,
		machine:  machine,
		registry: reg,
		prober:   registry.NewProber(reg, logger),
		breakers: breakers,
		workflow: manager,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

func breakerSettings(cfg *config.Config) breaker.Settings {
	return breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		WindowSize:       cfg.Breaker.WindowSize,
		FailureRate:      cfg.Breaker.FailureRate,
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeout) * time.Second,
		CallTimeout:      time.Duration(cfg.Breaker.CallTimeout) * time.Second,
		Retries:          cfg.Breaker.Retries,
	}
}

// Start acquires the instance lock and launches the prober, workflow, and
// admin API. Preflight failures are logged; only directory failures abort.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another narrator daemon instance is already running")
	}

	results := preflight.RunAll(ctx, d.cfg)
	d.preflightMu.Lock()
	d.preflightResults = results
	d.preflightMu.Unlock()
	for _, result := range results {
		if result.Passed {
			continue
		}
		d.logger.Warn("preflight check failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.prober.Start(runCtx); err != nil {
		d.releaseStart(cancel)
		return fmt.Errorf("start prober: %w", err)
	}
	if err := d.workflow.Start(runCtx); err != nil {
		d.prober.Stop()
		d.releaseStart(cancel)
		return fmt.Errorf("start workflow: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		d.workflow.Stop()
		d.prober.Stop()
		d.releaseStart(cancel)
		return err
	}

	d.running.Store(true)
	d.logger.Info("narrator daemon started", logging.String("lock", d.lockPath))
	return nil
}

func (d *Daemon) releaseStart(cancel context.CancelFunc) {
	cancel()
	d.cancel = nil
	_ = d.lock.Unlock()
}

// Stop stops background processing and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()
	d.workflow.Stop()
	d.prober.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("narrator daemon stopped")
}

// Close stops the daemon and closes the stores.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	for _, closer := range []interface{ Close() error }{d.queue, d.library, d.pstore} {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// APIAddr returns the bound admin API address, empty until started.
func (d *Daemon) APIAddr() string {
	return d.api.addr()
}

// Status summarizes the daemon for the admin API.
func (d *Daemon) Status() Status {
	var lastError string
	if err := d.workflow.LastError(); err != nil {
		lastError = err.Error()
	}
	d.preflightMu.Lock()
	results := make([]preflight.Result, len(d.preflightResults))
	copy(results, d.preflightResults)
	d.preflightMu.Unlock()
	return Status{
		Running:      d.running.Load(),
		Workflow:     d.workflow.Running(),
		LastError:    lastError,
		Health:       d.registry.SystemHealth(),
		Preflight:    results,
		QueueDBPath:  filepath.Join(d.cfg.Paths.DataDir, "queue.db"),
		LockFilePath: d.lockPath,
	}
}
