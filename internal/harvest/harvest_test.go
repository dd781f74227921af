package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// listSource reveals perGrow new items on each of the first grows calls.
type listSource struct {
	mu       sync.Mutex
	perGrow  int
	grows    int
	calls    int
	visible  int
	failAt   map[int]bool
	settle   func(ctx context.Context) error
	lastGrow time.Time
}

func (s *listSource) Grow(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.grows {
		s.visible += s.perGrow
		s.lastGrow = time.Now()
	}
	return nil
}

func (s *listSource) Settle(ctx context.Context) error {
	if s.settle != nil {
		return s.settle(ctx)
	}
	return nil
}

func (s *listSource) VisibleItems(context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]int, s.visible)
	for i := range items {
		items[i] = i
	}
	return items, nil
}

func (s *listSource) Extract(_ context.Context, item int) (string, error) {
	if s.failAt[item] {
		return "", fmt.Errorf("item %d has no text", item)
	}
	return fmt.Sprintf("review-%d", item), nil
}

func fastConfig() Config {
	return Config{IdleWindow: 80 * time.Millisecond, PollInterval: 5 * time.Millisecond, OpTimeout: time.Second}
}

func TestRunCollectsEveryRevealedItem(t *testing.T) {
	t.Parallel()

	src := &listSource{perGrow: 3, grows: 5}
	res, err := Run[int, string](context.Background(), src, fastConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, res.Records, 15)
	for i, rec := range res.Records {
		require.Equal(t, fmt.Sprintf("review-%d", i), rec)
	}
	require.False(t, res.Exhausted)
	require.Greater(t, res.Rounds, 5)

	since := time.Since(src.lastGrow)
	require.GreaterOrEqual(t, since, 80*time.Millisecond)
	require.Less(t, since, time.Second)
}

func TestRunTerminatesWhenNothingGrows(t *testing.T) {
	t.Parallel()

	start := time.Now()
	res, err := Run[int, string](context.Background(), &listSource{}, fastConfig(), nil)
	require.NoError(t, err)
	require.Empty(t, res.Records)
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Less(t, time.Since(start), time.Second)
}

// lateSource grows once immediately and once more after a pause shorter than
// the idle window.
type lateSource struct {
	listSource
	start time.Time
	delay time.Duration
	late  bool
}

func (s *lateSource) Grow(ctx context.Context) error {
	s.mu.Lock()
	if !s.late && time.Since(s.start) >= s.delay {
		s.late = true
		s.visible += 2
	}
	s.mu.Unlock()
	return s.listSource.Grow(ctx)
}

func TestRunGrowthResetsIdleTimer(t *testing.T) {
	t.Parallel()

	src := &lateSource{listSource: listSource{perGrow: 4, grows: 1}, start: time.Now(), delay: 60 * time.Millisecond}
	cfg := fastConfig()
	cfg.IdleWindow = 100 * time.Millisecond
	res, err := Run[int, string](context.Background(), src, cfg, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 6)
}

func TestRunAbortsOnExtractionError(t *testing.T) {
	t.Parallel()

	src := &listSource{perGrow: 3, grows: 3, failAt: map[int]bool{4: true}}
	res, err := Run[int, string](context.Background(), src, fastConfig(), nil)
	require.Error(t, err)
	require.Empty(t, res.Records)

	var extractErr *ExtractionError
	require.ErrorAs(t, err, &extractErr)
	require.Equal(t, 4, extractErr.Index)
	require.Contains(t, err.Error(), "item 4 has no text")
}

func TestRunSkipsFailedItemsWhenConfigured(t *testing.T) {
	t.Parallel()

	src := &listSource{perGrow: 3, grows: 3, failAt: map[int]bool{4: true}}
	cfg := fastConfig()
	cfg.SkipFailedItems = true
	res, err := Run[int, string](context.Background(), src, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, res.Records, 8)
	require.Equal(t, 1, res.Skipped)
	require.NotContains(t, res.Records, "review-4")
}

func TestRunTimesOutStuckOperation(t *testing.T) {
	t.Parallel()

	src := &listSource{settle: func(context.Context) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	}}
	cfg := fastConfig()
	cfg.OpTimeout = 20 * time.Millisecond
	_, err := Run[int, string](context.Background(), src, cfg, nil)
	require.ErrorIs(t, err, ErrHarvestTimeout)
}

func TestRunMapsSourceDeadlineToTimeout(t *testing.T) {
	t.Parallel()

	src := &listSource{settle: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	cfg := fastConfig()
	cfg.OpTimeout = 20 * time.Millisecond
	_, err := Run[int, string](context.Background(), src, cfg, nil)
	require.ErrorIs(t, err, ErrHarvestTimeout)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.IdleWindow = time.Hour
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := Run[int, string](ctx, &listSource{}, cfg, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunPropagatesSourceErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("tab crashed")
	src := &listSource{settle: func(context.Context) error { return boom }}
	_, err := Run[int, string](context.Background(), src, fastConfig(), nil)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrHarvestTimeout)
}

type exhaustingSource struct {
	listSource
}

func (s *exhaustingSource) Exhausted(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls > s.grows, nil
}

func TestRunEndsEarlyWhenSourceIsExhausted(t *testing.T) {
	t.Parallel()

	src := &exhaustingSource{listSource{perGrow: 2, grows: 2}}
	cfg := fastConfig()
	cfg.IdleWindow = time.Hour
	res, err := Run[int, string](context.Background(), src, cfg, nil)
	require.NoError(t, err)
	require.True(t, res.Exhausted)
	require.Len(t, res.Records, 4)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	require.Equal(t, 10*time.Second, cfg.IdleWindow)
	require.Equal(t, 120*time.Second, cfg.OpTimeout)
	require.Equal(t, 250*time.Millisecond, cfg.PollInterval)
}
