package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"narrator/internal/config"
	"narrator/internal/library"
	"narrator/internal/logging"
	"narrator/internal/pipeline"
	"narrator/internal/queue"
	"narrator/internal/registry"
	"narrator/internal/services/download"
	"narrator/internal/services/synthesis"
)

// Deps bundles the stores and clients the manager orchestrates.
type Deps struct {
	Config    *config.Config
	Logger    *slog.Logger
	Queue     *queue.Store
	Library   *library.Store
	Pipeline  *pipeline.Machine
	Registry  *registry.Registry
	Downloads *download.Client
	Synthesis *synthesis.Client
}

// Manager runs the worker pools and the pipeline driver.
type Manager struct {
	cfg       *config.Config
	logger    *slog.Logger
	queue     *queue.Store
	library   *library.Store
	machine   *pipeline.Machine
	registry  *registry.Registry
	downloads *download.Client
	synthesis *synthesis.Client

	pollInterval  time.Duration
	errorRetry    time.Duration
	retention     time.Duration
	staleDeadline time.Duration

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// NewManager constructs a workflow manager.
func NewManager(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg := deps.Config
	pollInterval := time.Duration(cfg.Queue.PollInterval) * time.Second
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	errorRetry := time.Duration(cfg.Queue.ErrorRetryInterval) * time.Second
	if errorRetry <= 0 {
		errorRetry = pollInterval
	}
	return &Manager{
		cfg:           cfg,
		logger:        logging.NewComponentLogger(logger, "workflow"),
		queue:         deps.Queue,
		library:       deps.Library,
		machine:       deps.Pipeline,
		registry:      deps.Registry,
		downloads:     deps.Downloads,
		synthesis:     deps.Synthesis,
		pollInterval:  pollInterval,
		errorRetry:    errorRetry,
		retention:     time.Duration(cfg.Queue.RetentionDays) * 24 * time.Hour,
		staleDeadline: 2 * time.Duration(cfg.Breaker.CallTimeout) * time.Second,
	}
}

// Start launches the worker pools, the pipeline driver, and the maintenance
// loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	workers := m.cfg.Queue.DownloadWorkers + m.cfg.Queue.SynthesisWorkers
	m.wg.Add(workers + 2)
	m.mu.Unlock()

	for i := 0; i < m.cfg.Queue.DownloadWorkers; i++ {
		go m.runDownloadWorker(runCtx, fmt.Sprintf("download-%d", i+1))
	}
	for i := 0; i < m.cfg.Queue.SynthesisWorkers; i++ {
		go m.runSynthesisWorker(runCtx, fmt.Sprintf("synthesis-%d", i+1))
	}
	go m.runDriver(runCtx)
	go m.runMaintenance(runCtx)

	m.logger.Info("workflow started",
		logging.Int("download_workers", m.cfg.Queue.DownloadWorkers),
		logging.Int("synthesis_workers", m.cfg.Queue.SynthesisWorkers),
	)
	return nil
}

// Stop terminates background processing and waits for all loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("workflow stopped")
}

// Running reports whether the manager's loops are active.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// LastError returns the most recent background error, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) waitOrShutdown(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
