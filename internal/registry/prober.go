package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"narrator/internal/logging"
)

// Prober drives periodic health refreshes. Each capability gets its own
// goroutine and ticker so one slow endpoint never delays the others.
type Prober struct {
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProber constructs a prober over the given registry.
func NewProber(registry *Registry, logger *slog.Logger) *Prober {
	return &Prober{
		registry: registry,
		logger:   logging.NewComponentLogger(logger, "prober"),
	}
}

// Start launches one probe loop per capability. Each loop probes immediately,
// then on the capability's configured interval.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	for _, record := range p.registry.Snapshot() {
		p.wg.Add(1)
		go p.probeLoop(runCtx, record.Name, record.ProbeInterval)
	}
	return nil
}

// Stop terminates all probe loops and waits for them to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Prober) probeLoop(ctx context.Context, name string, interval time.Duration) {
	defer p.wg.Done()
	if interval <= 0 {
		interval = time.Minute
	}

	p.refresh(ctx, name)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx, name)
		}
	}
}

func (p *Prober) refresh(ctx context.Context, name string) {
	before, _ := p.registry.Get(name)
	after, err := p.registry.RefreshHealth(ctx, name)
	if err != nil {
		p.logger.Error("health refresh failed",
			logging.String(logging.FieldCapability, name),
			logging.Error(err),
		)
		return
	}
	if before.Status != after.Status {
		p.logger.Info("capability status changed",
			logging.String(logging.FieldCapability, name),
			logging.String("from", string(before.Status)),
			logging.String("to", string(after.Status)),
			logging.String("detail", after.LastError),
		)
	}
}
