// Package queuetest provides a conformance suite every queue.Store backend
// runs, plus deterministic clock and id helpers.
package queuetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/queue"
)

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T, ids queue.IDGenerator, clock queue.Clock) queue.Store

// Clock is a manually advanced queue.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// IDs hands out sequential identifiers.
type IDs struct {
	prefix string
	n      atomic.Int64
}

// NewIDs returns a generator producing prefix-000001, prefix-000002, ...
func NewIDs(prefix string) *IDs {
	return &IDs{prefix: prefix}
}

// NewID implements queue.IDGenerator.
func (g *IDs) NewID() (string, error) {
	return fmt.Sprintf("%s-%06d", g.prefix, g.n.Add(1)), nil
}

// Task builds an unleased fetch task for tests.
func Task(id string, priority int) queue.Task {
	payload, err := queue.FetchPayload("https://example.com/" + id).Encode()
	if err != nil {
		panic(err)
	}
	return queue.Task{ID: id, Payload: payload, Priority: priority, CreatedAt: time.Unix(1_700_000_000, 0).UTC()}
}

// Run exercises the queue.Store contract against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	newStore := func(t *testing.T) (queue.Store, *Clock) {
		t.Helper()
		clock := NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		store := factory(t, NewIDs("lease"), clock)
		t.Cleanup(func() { _ = store.Close() })
		return store, clock
	}
	ctx := context.Background()

	t.Run("connect reports existing tasks", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		n, err := store.Connect(ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		insertAll(t, store, Task("a", 1), Task("b", 1))
		n, err = store.Connect(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})

	t.Run("insert rejects duplicates", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		insertAll(t, store, Task("a", 1))
		err := store.Insert(ctx, Task("a", 1))
		require.ErrorIs(t, err, queue.ErrStoreWrite)
	})

	t.Run("lease orders by priority then insertion", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		insertAll(t, store, Task("a", 1), Task("b", 5), Task("c", 1), Task("d", 5), Task("e", 3))

		require.Equal(t, []string{"b", "d"}, leaseIDs(t, store, 2, queue.OrderFIFO))
		require.Equal(t, []string{"e", "a"}, leaseIDs(t, store, 2, queue.OrderFIFO))
		require.Equal(t, []string{"c"}, leaseIDs(t, store, 2, queue.OrderFIFO))
		require.Empty(t, leaseIDs(t, store, 2, queue.OrderFIFO))
	})

	t.Run("lease lifo takes newest within priority", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		insertAll(t, store, Task("a", 1), Task("b", 5), Task("c", 1), Task("d", 5), Task("e", 3))

		require.Equal(t, []string{"d", "b"}, leaseIDs(t, store, 2, queue.OrderLIFO))
		require.Equal(t, []string{"e", "c"}, leaseIDs(t, store, 2, queue.OrderLIFO))
		require.Equal(t, []string{"a"}, leaseIDs(t, store, 2, queue.OrderLIFO))
	})

	t.Run("empty store yields no token", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		token, err := store.LeaseBatch(ctx, 3, queue.OrderFIFO)
		require.NoError(t, err)
		require.Empty(t, token)
	})

	t.Run("concurrent leases never overlap", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		const total = 24
		for i := 0; i < total; i++ {
			insertAll(t, store, Task(fmt.Sprintf("t%02d", i), i%3))
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					token, err := store.LeaseBatch(ctx, 3, queue.OrderFIFO)
					if err != nil {
						t.Errorf("lease: %v", err)
						return
					}
					if token == "" {
						return
					}
					tasks, err := store.LeasedTasks(ctx, token)
					if err != nil {
						t.Errorf("leased tasks: %v", err)
						return
					}
					mu.Lock()
					for _, task := range tasks {
						seen[task.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, seen, total)
		for id, n := range seen {
			require.Equalf(t, 1, n, "task %s leased %d times", id, n)
		}
	})

	t.Run("release removes only the lease", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		insertAll(t, store, Task("a", 1), Task("b", 1), Task("c", 1))

		first := lease(t, store, 2, queue.OrderFIFO)
		second := lease(t, store, 1, queue.OrderFIFO)
		require.NotEqual(t, first, second)

		require.NoError(t, store.ReleaseLease(ctx, first))
		n, err := store.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		byLease, err := store.TasksByLease(ctx)
		require.NoError(t, err)
		require.Len(t, byLease, 1)
		require.Len(t, byLease[second], 1)
		require.Equal(t, "c", byLease[second][0].ID)
	})

	t.Run("retry re-offers task with attempts", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		insertAll(t, store, Task("a", 1))

		token := lease(t, store, 1, queue.OrderFIFO)
		_, err := store.LookupUnleased(ctx, "a")
		require.ErrorIs(t, err, queue.ErrTaskNotFound)

		require.NoError(t, store.Retry(ctx, token, "a", 2))
		task, err := store.LookupUnleased(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, 2, task.Attempts)
		require.False(t, task.Leased())

		// The old lease no longer owns the task.
		require.NoError(t, store.ReleaseLease(ctx, token))
		n, err := store.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		again := lease(t, store, 1, queue.OrderFIFO)
		tasks, err := store.LeasedTasks(ctx, again)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		require.Equal(t, 2, tasks[0].Attempts)
	})

	t.Run("retry requires the holding token", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		insertAll(t, store, Task("a", 1))
		lease(t, store, 1, queue.OrderFIFO)

		err := store.Retry(ctx, "someone-else", "a", 1)
		require.ErrorIs(t, err, queue.ErrTaskNotFound)
		err = store.Retry(ctx, "someone-else", "missing", 1)
		require.ErrorIs(t, err, queue.ErrTaskNotFound)
	})

	t.Run("lookup and payload mapping", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		want := Task("a", 7)
		insertAll(t, store, want, Task("b", 1))

		got, err := store.LookupUnleased(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, want.Payload, got.Payload)
		require.Equal(t, 7, got.Priority)

		_, err = store.LookupUnleased(ctx, "nope")
		require.ErrorIs(t, err, queue.ErrTaskNotFound)

		token := lease(t, store, 2, queue.OrderFIFO)
		payloads, err := queue.TasksForLease(ctx, store, token)
		require.NoError(t, err)
		require.Len(t, payloads, 2)
		require.Equal(t, want.Payload, payloads["a"])
	})

	t.Run("expire leases recovers orphans", func(t *testing.T) {
		t.Parallel()
		store, clock := newStore(t)
		insertAll(t, store, Task("a", 1), Task("b", 1))
		lease(t, store, 1, queue.OrderFIFO)

		expired, err := store.ExpireLeases(ctx, clock.Now().Add(-time.Second))
		require.NoError(t, err)
		require.Zero(t, expired)

		clock.Advance(time.Minute)
		expired, err = store.ExpireLeases(ctx, clock.Now().Add(-30*time.Second))
		require.NoError(t, err)
		require.Equal(t, 1, expired)

		_, err = store.LookupUnleased(ctx, "a")
		require.NoError(t, err)
		byLease, err := store.TasksByLease(ctx)
		require.NoError(t, err)
		require.Empty(t, byLease)
	})

	t.Run("renewed lease survives expiry", func(t *testing.T) {
		t.Parallel()
		store, clock := newStore(t)
		insertAll(t, store, Task("a", 1))
		token := lease(t, store, 1, queue.OrderFIFO)

		clock.Advance(time.Minute)
		require.NoError(t, store.RenewLease(ctx, token))
		expired, err := store.ExpireLeases(ctx, clock.Now().Add(-30*time.Second))
		require.NoError(t, err)
		require.Zero(t, expired)

		tasks, err := store.LeasedTasks(ctx, token)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		require.True(t, tasks[0].LeasedAt.Equal(clock.Now()))
	})
}

func insertAll(t *testing.T, store queue.Store, tasks ...queue.Task) {
	t.Helper()
	for _, task := range tasks {
		require.NoError(t, store.Insert(context.Background(), task))
	}
}

func lease(t *testing.T, store queue.Store, n int, order queue.Order) string {
	t.Helper()
	token, err := store.LeaseBatch(context.Background(), n, order)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	return token
}

func leaseIDs(t *testing.T, store queue.Store, n int, order queue.Order) []string {
	t.Helper()
	token, err := store.LeaseBatch(context.Background(), n, order)
	require.NoError(t, err)
	if token == "" {
		return nil
	}
	tasks, err := store.LeasedTasks(context.Background(), token)
	require.NoError(t, err)
	queue.SortTasks(tasks, order)
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}

// SortedIDs returns the ids of tasks in lexical order.
func SortedIDs(tasks []queue.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	sort.Strings(ids)
	return ids
}
