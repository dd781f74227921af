package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/review-harvester/internal/clock/system"
	"github.com/JakeFAU/review-harvester/internal/progress"
	"github.com/JakeFAU/review-harvester/internal/queue"
	"github.com/JakeFAU/review-harvester/internal/queue/queuetest"
	"github.com/JakeFAU/review-harvester/internal/storage/memory"
)

type harness struct {
	store    *memory.TaskStore
	clock    *queuetest.Clock
	recorder *progress.Recorder
	dispatch *Dispatcher
}

func newHarness(t *testing.T, handler queue.Handler, cfg Config) *harness {
	t.Helper()
	clock := queuetest.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewTaskStore(queuetest.NewIDs("lease"), clock)
	rec := &progress.Recorder{}
	engineCfg := queue.Config{BatchDelay: 5 * time.Millisecond, LeaseRenewInterval: cfg.LeaseTimeout / 3}
	engine, err := queue.NewEngine(store, handler, queuetest.NewIDs("task"), clock, rec, engineCfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	d, err := New(engine, store, clock, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &harness{store: store, clock: clock, recorder: rec, dispatch: d}
}

func TestSubmitURLBlankIsNoOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.HandlerFunc(func(context.Context, queue.Task) (any, error) { return nil, nil }), Config{})

	for _, url := range []string{"", "   ", "\n\t"} {
		id, accepted, err := h.dispatch.SubmitURL(context.Background(), url, 0)
		require.NoError(t, err)
		require.False(t, accepted)
		require.Empty(t, id)
	}
	n, err := h.dispatch.Pending(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, h.recorder.Events())
}

func TestSubmitURLAcceptsAnyNonEmptyValue(t *testing.T) {
	t.Parallel()
	var seen []string
	var mu sync.Mutex
	h := newHarness(t, queue.HandlerFunc(func(_ context.Context, task queue.Task) (any, error) {
		p, err := queue.DecodePayload(task.Payload)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		seen = append(seen, p.URL)
		mu.Unlock()
		return nil, nil
	}), Config{})
	ctx := context.Background()

	for _, url := range []string{"not a url", "example.com/maps/place/x"} {
		id, accepted, err := h.dispatch.SubmitURL(ctx, url, 1)
		require.NoError(t, err)
		require.True(t, accepted)
		require.NotEmpty(t, id)
	}
	n, err := h.dispatch.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for range 2 {
		_, err := h.dispatch.engine.PollOnce(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"not a url", "example.com/maps/place/x"}, seen)
}

func TestRunProcessesSubmittedTasks(t *testing.T) {
	t.Parallel()
	var handled atomic.Int32
	h := newHarness(t, queue.HandlerFunc(func(_ context.Context, task queue.Task) (any, error) {
		handled.Add(1)
		p, err := queue.DecodePayload(task.Payload)
		return p.URL, err
	}), Config{})

	id, accepted, err := h.dispatch.SubmitURL(context.Background(), " https://maps.example.com/place/1 ", 2)
	require.NoError(t, err)
	require.True(t, accepted)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.dispatch.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.recorder.Count(progress.StageDrain) > 0
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.EqualValues(t, 1, handled.Load())
	stages := h.recorder.Stages(id)
	require.Equal(t, []progress.Stage{
		progress.StageTaskQueued,
		progress.StageTaskAccepted,
		progress.StageTaskStarted,
		progress.StageTaskFinish,
	}, stages)
	for _, evt := range h.recorder.Events() {
		if evt.Stage == progress.StageTaskFinish {
			require.Equal(t, "https://maps.example.com/place/1", evt.Result)
		}
	}
}

func TestSweepOnceExpiresStaleLeases(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.HandlerFunc(func(context.Context, queue.Task) (any, error) { return nil, nil }),
		Config{LeaseTimeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, h.store.Insert(ctx, queuetest.Task("a", 1)))
	token, err := h.store.LeaseBatch(ctx, 1, queue.OrderFIFO)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	n, err := h.dispatch.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	leases, err := h.dispatch.Leases(ctx)
	require.NoError(t, err)
	require.Len(t, leases[token], 1)

	h.clock.Advance(2 * time.Minute)
	n, err = h.dispatch.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, err := h.store.LookupUnleased(ctx, "a")
	require.NoError(t, err)
	require.False(t, task.Leased())
}

func TestSweepDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.HandlerFunc(func(context.Context, queue.Task) (any, error) { return nil, nil }), Config{})

	n, err := h.dispatch.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, Config{}, nil)
	require.Error(t, err)

	clock := queuetest.NewClock(time.Now())
	store := memory.NewTaskStore(queuetest.NewIDs("lease"), clock)
	handler := queue.HandlerFunc(func(context.Context, queue.Task) (any, error) { return nil, nil })
	for _, renew := range []time.Duration{0, time.Minute, 2 * time.Minute} {
		engine, err := queue.NewEngine(store, handler, queuetest.NewIDs("task"), clock, nil,
			queue.Config{LeaseRenewInterval: renew}, nil)
		require.NoError(t, err)
		_, err = New(engine, store, clock, Config{LeaseTimeout: time.Minute}, nil)
		require.Error(t, err, "renew interval %s", renew)
	}
}

func TestLongTaskOutlivesLeaseTimeoutAndRunsOnce(t *testing.T) {
	t.Parallel()
	clock := system.New()
	store := memory.NewTaskStore(queuetest.NewIDs("lease"), clock)
	rec := &progress.Recorder{}
	var runs atomic.Int32
	handler := queue.HandlerFunc(func(ctx context.Context, _ queue.Task) (any, error) {
		runs.Add(1)
		select {
		case <-time.After(300 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	engine, err := queue.NewEngine(store, handler, queuetest.NewIDs("task"), clock, rec,
		queue.Config{BatchDelay: 5 * time.Millisecond, LeaseRenewInterval: 20 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)
	d, err := New(engine, store, clock,
		Config{LeaseTimeout: 100 * time.Millisecond, SweepInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, accepted, err := d.SubmitURL(context.Background(), "https://maps.example.com/place/slow", 0)
	require.NoError(t, err)
	require.True(t, accepted)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return rec.Count(progress.StageDrain) > 0
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.EqualValues(t, 1, runs.Load())
	require.Equal(t, 1, rec.Count(progress.StageTaskFinish))
	n, err := d.Pending(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
