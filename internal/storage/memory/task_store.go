package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/review-harvester/internal/queue"
)

// TaskStore is an in-process queue.Store for development and tests. Nothing
// survives a restart.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]queue.Task
	seq   int64
	ids   queue.IDGenerator
	clock queue.Clock
}

// NewTaskStore builds an empty TaskStore. ids mints lease tokens.
func NewTaskStore(ids queue.IDGenerator, clock queue.Clock) *TaskStore {
	return &TaskStore{
		tasks: make(map[string]queue.Task),
		ids:   ids,
		clock: clock,
	}
}

// Connect reports the number of tasks held.
func (s *TaskStore) Connect(ctx context.Context) (int, error) {
	return s.Count(ctx)
}

// Insert stores an unleased copy of task.
func (s *TaskStore) Insert(_ context.Context, task queue.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return queue.WriteError("insert", fmt.Errorf("task %s already exists", task.ID))
	}
	s.seq++
	task.Seq = s.seq
	task.LockToken = ""
	task.LeasedAt = time.Time{}
	task.Payload = append([]byte(nil), task.Payload...)
	s.tasks[task.ID] = task
	return nil
}

// LeaseBatch leases up to n unleased tasks under a fresh token.
func (s *TaskStore) LeaseBatch(_ context.Context, n int, order queue.Order) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ready := make([]queue.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if !task.Leased() {
			ready = append(ready, task)
		}
	}
	if len(ready) == 0 || n <= 0 {
		return "", nil
	}
	queue.SortTasks(ready, order)
	if len(ready) > n {
		ready = ready[:n]
	}
	token, err := s.ids.NewID()
	if err != nil {
		return "", queue.WriteError("lease token", err)
	}
	now := s.clock.Now()
	for _, task := range ready {
		task.LockToken = token
		task.LeasedAt = now
		s.tasks[task.ID] = task
	}
	return token, nil
}

// LeasedTasks returns the tasks holding token.
func (s *TaskStore) LeasedTasks(_ context.Context, token string) ([]queue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queue.Task
	for _, task := range s.tasks {
		if token != "" && task.LockToken == token {
			out = append(out, task)
		}
	}
	return out, nil
}

// TasksByLease groups leased tasks by token.
func (s *TaskStore) TasksByLease(_ context.Context) (map[string][]queue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]queue.Task)
	for _, task := range s.tasks {
		if task.Leased() {
			out[task.LockToken] = append(out[task.LockToken], task)
		}
	}
	return out, nil
}

// LookupUnleased returns the task when present and unleased.
func (s *TaskStore) LookupUnleased(_ context.Context, id string) (queue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.Leased() {
		return queue.Task{}, queue.ErrTaskNotFound
	}
	return task, nil
}

// Retry unlocks one task held by token and records attempts.
func (s *TaskStore) Retry(_ context.Context, token, id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || token == "" || task.LockToken != token {
		return fmt.Errorf("retry %s: %w", id, queue.ErrTaskNotFound)
	}
	task.LockToken = ""
	task.LeasedAt = time.Time{}
	task.Attempts = attempts
	s.tasks[id] = task
	return nil
}

// RenewLease refreshes LeasedAt for the token's tasks.
func (s *TaskStore) RenewLease(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for id, task := range s.tasks {
		if token != "" && task.LockToken == token {
			task.LeasedAt = now
			s.tasks[id] = task
		}
	}
	return nil
}

// ExpireLeases unlocks tasks leased before cutoff.
func (s *TaskStore) ExpireLeases(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for id, task := range s.tasks {
		if task.Leased() && task.LeasedAt.Before(cutoff) {
			task.LockToken = ""
			task.LeasedAt = time.Time{}
			s.tasks[id] = task
			expired++
		}
	}
	return expired, nil
}

// ReleaseLease deletes every task holding token.
func (s *TaskStore) ReleaseLease(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, task := range s.tasks {
		if token != "" && task.LockToken == token {
			delete(s.tasks, id)
		}
	}
	return nil
}

// Count returns the number of tasks held.
func (s *TaskStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks), nil
}

// Close implements queue.Store; it performs no action.
func (s *TaskStore) Close() error {
	return nil
}
