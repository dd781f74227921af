package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStoreWrite wraps failures persisting a mutation.
	ErrStoreWrite = errors.New("task store write failed")
	// ErrStoreRead wraps failures reading from the store.
	ErrStoreRead = errors.New("task store read failed")
	// ErrTaskNotFound is returned when a task is absent or not in the expected lease state.
	ErrTaskNotFound = errors.New("task not found")
)

// Store is the persistence contract for tasks and leases. Implementations must
// guarantee that concurrent LeaseBatch calls, including calls from other
// processes sharing the backend, never return overlapping task sets.
type Store interface {
	// Connect prepares the store and returns the number of tasks already present.
	Connect(ctx context.Context) (int, error)
	// Insert appends an unleased task.
	Insert(ctx context.Context, task Task) error
	// LeaseBatch atomically leases up to n unleased tasks and returns the lease
	// token, or "" when nothing was available.
	LeaseBatch(ctx context.Context, n int, order Order) (string, error)
	// LeasedTasks returns every task currently holding the token.
	LeasedTasks(ctx context.Context, token string) ([]Task, error)
	// TasksByLease groups in-flight tasks by lease token.
	TasksByLease(ctx context.Context) (map[string][]Task, error)
	// LookupUnleased returns the task when it exists and is not leased.
	LookupUnleased(ctx context.Context, id string) (Task, error)
	// Retry clears the lease on one task held by token and records attempts,
	// making it eligible for a future LeaseBatch.
	Retry(ctx context.Context, token, id string, attempts int) error
	// RenewLease refreshes LeasedAt for every task holding the token.
	RenewLease(ctx context.Context, token string) error
	// ExpireLeases unlocks tasks whose lease was taken before cutoff.
	ExpireLeases(ctx context.Context, cutoff time.Time) (int, error)
	// ReleaseLease removes every task still holding the token.
	ReleaseLease(ctx context.Context, token string) error
	// Count returns the number of stored tasks, leased or not.
	Count(ctx context.Context) (int, error)
	// Close releases backend resources.
	Close() error
}

// TasksForLease maps task id to payload for every task holding the token.
func TasksForLease(ctx context.Context, store Store, token string) (map[string][]byte, error) {
	tasks, err := store.LeasedTasks(ctx, token)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(tasks))
	for _, task := range tasks {
		out[task.ID] = task.Payload
	}
	return out, nil
}

// WriteError wraps a backend failure as ErrStoreWrite.
func WriteError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreWrite, op, err)
}

// ReadError wraps a backend failure as ErrStoreRead.
func ReadError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreRead, op, err)
}
