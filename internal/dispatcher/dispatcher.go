// Package dispatcher runs the queue engine together with the lease expiry
// sweeper and is the submission boundary for new harvest requests.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/queue"
)

// Config controls the lease sweeper. A zero LeaseTimeout disables it.
type Config struct {
	LeaseTimeout  time.Duration
	SweepInterval time.Duration
}

// Dispatcher owns one queue engine and its store.
type Dispatcher struct {
	engine *queue.Engine
	store  queue.Store
	clock  queue.Clock
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(engine *queue.Engine, store queue.Store, clock queue.Clock, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if engine == nil || store == nil || clock == nil {
		return nil, errors.New("engine, store and clock are required")
	}
	if cfg.LeaseTimeout < 0 {
		return nil, errors.New("lease timeout must be >= 0")
	}
	if cfg.LeaseTimeout > 0 {
		// A lease the engine never renews would be swept while its task runs.
		renew := engine.LeaseRenewInterval()
		if renew <= 0 || renew >= cfg.LeaseTimeout {
			return nil, fmt.Errorf("lease renew interval %s must be positive and shorter than lease timeout %s",
				renew, cfg.LeaseTimeout)
		}
		if cfg.SweepInterval <= 0 {
			cfg.SweepInterval = cfg.LeaseTimeout / 2
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{engine: engine, store: store, clock: clock, cfg: cfg, logger: logger}, nil
}

// Run connects the store, reports leftover work and runs the engine and the
// sweeper until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	existing, err := d.engine.Connect(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("task store connected", zap.Int("tasks", existing))

	orphans, err := d.store.TasksByLease(ctx)
	if err != nil {
		return fmt.Errorf("inspect leases: %w", err)
	}
	for token, tasks := range orphans {
		d.logger.Warn("lease held from a previous run",
			zap.String("lease", token),
			zap.Int("tasks", len(tasks)),
		)
	}

	var wg sync.WaitGroup
	if d.cfg.LeaseTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sweep(ctx)
		}()
	}
	err = d.engine.Run(ctx)
	wg.Wait()
	return err
}

func (d *Dispatcher) sweep(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("lease sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce unlocks tasks whose lease is older than LeaseTimeout.
func (d *Dispatcher) SweepOnce(ctx context.Context) (int, error) {
	if d.cfg.LeaseTimeout <= 0 {
		return 0, nil
	}
	n, err := d.store.ExpireLeases(ctx, d.clock.Now().Add(-d.cfg.LeaseTimeout))
	if err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	if n > 0 {
		d.logger.Warn("expired stale leases", zap.Int("tasks", n))
	}
	return n, nil
}

// SubmitURL queues a harvest of url. A blank url is accepted as a no-op and
// reports accepted=false.
func (d *Dispatcher) SubmitURL(ctx context.Context, url string, priority int) (string, bool, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		d.logger.Info("nothing to do, empty url")
		return "", false, nil
	}
	id, err := d.engine.Submit(ctx, queue.FetchPayload(url), priority)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Leases returns the in-flight tasks grouped by lease token.
func (d *Dispatcher) Leases(ctx context.Context) (map[string][]queue.Task, error) {
	leases, err := d.store.TasksByLease(ctx)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	return leases, nil
}

// Pending returns how many tasks the store holds.
func (d *Dispatcher) Pending(ctx context.Context) (int, error) {
	n, err := d.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}
