package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/progress"
)

// Handler executes one leased task and returns its result.
type Handler interface {
	Handle(ctx context.Context, task Task) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task Task) (any, error) {
	return f(ctx, task)
}

// IDGenerator produces task identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Config is the immutable engine configuration.
type Config struct {
	// BatchSize caps how many tasks one lease takes (default 1).
	BatchSize int
	// Order selects FIFO or LIFO within a priority band.
	Order Order
	// MaxRetries is how many failed attempts are retried before a task fails.
	MaxRetries int
	// RetryDelay is the wait before a failed task is re-offered.
	RetryDelay time.Duration
	// BatchDelay is the wait after a poll finds nothing.
	BatchDelay time.Duration
	// AfterProcessDelay is the wait after a batch completes.
	AfterProcessDelay time.Duration
	// StoreBackoff is the wait after a poll cycle fails on the store.
	StoreBackoff time.Duration
	// LeaseRenewInterval refreshes the active lease while a batch runs; zero disables.
	LeaseRenewInterval time.Duration
	// Retry overrides the fixed policy derived from MaxRetries and RetryDelay.
	Retry RetryPolicy
}

const (
	defaultStoreBackoff = 2 * time.Second
	minIdlePoll         = 50 * time.Millisecond
	settleTimeout       = 10 * time.Second
)

// Engine polls a Store and executes leased tasks one at a time. PollOnce and
// Run must not be called concurrently on the same Engine.
type Engine struct {
	store   Store
	handler Handler
	ids     IDGenerator
	clock   Clock
	emitter progress.Emitter
	retry   RetryPolicy
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer

	idle atomic.Bool
	// pending is a lease whose settlement failed on the store; it is retried
	// before the next lease is taken.
	pending *pendingSettle
}

type pendingSettle struct {
	token string
	// reload means the leased tasks were never loaded and all of them must
	// be unlocked.
	reload bool
	unlock []Task
}

// NewEngine validates the configuration and builds an Engine. A nil emitter
// discards events and a nil logger logs nothing.
func NewEngine(
	store Store,
	handler Handler,
	ids IDGenerator,
	clock Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) (*Engine, error) {
	if store == nil {
		return nil, errors.New("task store is required")
	}
	if handler == nil {
		return nil, errors.New("task handler is required")
	}
	if ids == nil || clock == nil {
		return nil, errors.New("id generator and clock are required")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("max retries must be >= 0")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.StoreBackoff <= 0 {
		cfg.StoreBackoff = defaultStoreBackoff
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := cfg.Retry
	if retry == nil {
		retry = FixedRetryPolicy{MaxRetries: cfg.MaxRetries, Delay: cfg.RetryDelay}
	}
	return &Engine{
		store:   store,
		handler: handler,
		ids:     ids,
		clock:   clock,
		emitter: emitter,
		retry:   retry,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("github.com/JakeFAU/review-harvester/internal/queue"),
	}, nil
}

// LeaseRenewInterval reports how often a running lease is refreshed.
func (e *Engine) LeaseRenewInterval() time.Duration {
	return e.cfg.LeaseRenewInterval
}

// Connect prepares the store and returns the number of tasks it already holds.
func (e *Engine) Connect(ctx context.Context) (int, error) {
	n, err := e.store.Connect(ctx)
	if err != nil {
		return 0, fmt.Errorf("connect task store: %w", err)
	}
	return n, nil
}

// Submit persists a new task and emits task_queued. A priority of zero means
// DefaultPriority.
func (e *Engine) Submit(ctx context.Context, payload Payload, priority int) (string, error) {
	data, err := payload.Encode()
	if err != nil {
		return "", err
	}
	id, err := e.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	if priority == 0 {
		priority = DefaultPriority
	}
	task := Task{
		ID:        id,
		Payload:   data,
		Priority:  priority,
		CreatedAt: e.clock.Now(),
	}
	if err := e.store.Insert(ctx, task); err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	e.emit(progress.Event{Stage: progress.StageTaskQueued, TaskID: id})
	return id, nil
}

// Run polls until ctx is cancelled. Store failures are logged and retried
// after StoreBackoff; they never stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("queue engine started",
		zap.Int("batch_size", e.cfg.BatchSize),
		zap.Stringer("order", e.cfg.Order),
		zap.Int("max_retries", e.cfg.MaxRetries),
	)
	defer e.logger.Info("queue engine stopped")
	for {
		processed, err := e.PollOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		delay := max(e.cfg.BatchDelay, minIdlePoll)
		switch {
		case err != nil:
			e.logger.Error("poll cycle failed", zap.Error(err))
			delay = e.cfg.StoreBackoff
		case processed:
			delay = e.cfg.AfterProcessDelay
		}
		if sleep(ctx, delay) != nil {
			return nil
		}
	}
}

// PollOnce leases one batch and processes it to completion. It reports
// whether any task was leased. A lease left unsettled by an earlier store
// failure is settled first; while that keeps failing no new lease is taken.
func (e *Engine) PollOnce(ctx context.Context) (bool, error) {
	if err := e.settlePending(ctx); err != nil {
		return false, err
	}
	token, err := e.store.LeaseBatch(ctx, e.cfg.BatchSize, e.cfg.Order)
	if err != nil {
		return false, fmt.Errorf("lease batch: %w", err)
	}
	if token == "" {
		if !e.idle.Swap(true) {
			e.emit(progress.Event{Stage: progress.StageEmpty})
		}
		return false, nil
	}
	e.idle.Store(false)

	tasks, err := e.store.LeasedTasks(ctx, token)
	if err != nil {
		e.pending = &pendingSettle{token: token, reload: true}
		return true, fmt.Errorf("load lease %s: %w", token, err)
	}
	SortTasks(tasks, e.cfg.Order)
	for _, task := range tasks {
		e.emit(progress.Event{Stage: progress.StageTaskAccepted, TaskID: task.ID, Lease: token})
	}

	stopRenew := e.renewWhileRunning(ctx, token)
	unlock := e.runBatch(ctx, token, tasks)
	stopRenew()

	return true, e.settle(ctx, token, unlock)
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetried
	outcomeAbandoned
)

// runBatch returns the tasks that still hold the lease and must be unlocked,
// with the attempt count each should keep.
func (e *Engine) runBatch(ctx context.Context, token string, tasks []Task) []Task {
	var unlock []Task
	for i, task := range tasks {
		if ctx.Err() != nil {
			unlock = append(unlock, tasks[i:]...)
			break
		}
		out, attempts := e.runTask(ctx, token, task)
		if out == outcomeAbandoned {
			task.Attempts = attempts
			unlock = append(unlock, task)
		}
	}
	return unlock
}

func (e *Engine) runTask(ctx context.Context, token string, task Task) (outcome, int) {
	attempt := task.Attempts + 1
	ctx, span := e.tracer.Start(ctx, "queue.task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.Int("task.priority", task.Priority),
		attribute.Int("task.attempt", attempt),
	))
	defer span.End()

	logger := e.logger.With(zap.String("task_id", task.ID), zap.Int("attempt", attempt))
	e.emit(progress.Event{Stage: progress.StageTaskStarted, TaskID: task.ID, Lease: token, Attempt: attempt})

	start := e.clock.Now()
	result, err := e.handler.Handle(ctx, task)
	elapsed := e.clock.Now().Sub(start)
	if err == nil {
		e.emit(progress.Event{
			Stage:   progress.StageTaskFinish,
			TaskID:  task.ID,
			Lease:   token,
			Attempt: attempt,
			Result:  result,
			Dur:     elapsed,
		})
		return outcomeDone, attempt
	}
	span.RecordError(err)

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		logger.Info("task interrupted by shutdown", zap.Error(err))
		return outcomeAbandoned, task.Attempts
	}

	if !e.retry.ShouldRetry(err, attempt) {
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("task failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		e.emit(progress.Event{
			Stage:   progress.StageTaskFailed,
			TaskID:  task.ID,
			Lease:   token,
			Attempt: attempt,
			Dur:     elapsed,
			Note:    err.Error(),
		})
		return outcomeDone, attempt
	}

	delay := e.retry.Backoff(attempt)
	logger.Info("task will be retried", zap.Error(err), zap.Duration("delay", delay))
	e.emit(progress.Event{
		Stage:   progress.StageTaskRetry,
		TaskID:  task.ID,
		Lease:   token,
		Attempt: attempt,
		Dur:     elapsed,
		Note:    err.Error(),
	})
	if sleep(ctx, delay) != nil {
		return outcomeAbandoned, attempt
	}
	if err := e.store.Retry(ctx, token, task.ID, attempt); err != nil {
		logger.Error("re-offer failed task", zap.Error(err))
		return outcomeAbandoned, attempt
	}
	return outcomeRetried, attempt
}

// settle unlocks the given tasks and releases the lease exactly once. Store
// calls use a detached context so shutdown does not strand the lease. When a
// store call fails the remaining work is kept as pending and retried by the
// next poll.
func (e *Engine) settle(ctx context.Context, token string, unlock []Task) error {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var failed []Task
	var errs []error
	for _, task := range unlock {
		err := e.store.Retry(storeCtx, token, task.ID, task.Attempts)
		if err == nil || errors.Is(err, ErrTaskNotFound) {
			continue
		}
		e.logger.Error("unlock unfinished task", zap.String("task_id", task.ID), zap.Error(err))
		failed = append(failed, task)
		errs = append(errs, err)
	}
	if len(failed) > 0 {
		e.pending = &pendingSettle{token: token, unlock: failed}
		return fmt.Errorf("unlock tasks of lease %s: %w", token, errors.Join(errs...))
	}
	if err := e.store.ReleaseLease(storeCtx, token); err != nil {
		e.pending = &pendingSettle{token: token}
		return fmt.Errorf("release lease %s: %w", token, err)
	}
	if ctx.Err() != nil {
		return nil
	}
	remaining, err := e.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	if remaining == 0 {
		e.emit(progress.Event{Stage: progress.StageDrain})
	}
	return nil
}

func (e *Engine) settlePending(ctx context.Context) error {
	p := e.pending
	if p == nil {
		return nil
	}
	e.pending = nil
	unlock := p.unlock
	if p.reload {
		tasks, err := e.store.LeasedTasks(ctx, p.token)
		if err != nil {
			e.pending = p
			return fmt.Errorf("load lease %s: %w", p.token, err)
		}
		unlock = tasks
	}
	e.logger.Info("settling lease left by a store failure", zap.String("lease", p.token), zap.Int("tasks", len(unlock)))
	return e.settle(ctx, p.token, unlock)
}

func (e *Engine) renewWhileRunning(ctx context.Context, token string) func() {
	if e.cfg.LeaseRenewInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.LeaseRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.store.RenewLease(ctx, token); err != nil {
					e.logger.Warn("lease renewal failed", zap.String("lease", token), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (e *Engine) emit(evt progress.Event) {
	evt.TS = e.clock.Now()
	e.emitter.Emit(evt)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
