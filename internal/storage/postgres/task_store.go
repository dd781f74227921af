// Package postgres provides the Postgres-backed task store. Leases are taken
// with FOR UPDATE SKIP LOCKED so several harvester processes can share one
// table without handing out the same task twice.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/queue"
)

const taskColumns = "id, payload, priority, lock_token, attempts, seq, created_at, leased_at"

// Config controls the connection pool used for the task table.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate applies the embedded schema before the store is used.
	Migrate bool
}

type pgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// TaskStore persists tasks in the harvest_tasks table.
type TaskStore struct {
	pool  pgxIface
	ids   queue.IDGenerator
	clock queue.Clock
}

// Open connects a pool using cfg and, when requested, migrates the schema.
func Open(ctx context.Context, cfg Config, ids queue.IDGenerator, clock queue.Clock, logger *zap.Logger) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.Migrate {
		if err := Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &TaskStore{pool: pool, ids: ids, clock: clock}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxIface, ids queue.IDGenerator, clock queue.Clock) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TaskStore{pool: pool, ids: ids, clock: clock}, nil
}

// Connect reports the number of stored tasks.
func (s *TaskStore) Connect(ctx context.Context) (int, error) {
	return s.Count(ctx)
}

// Insert appends an unleased task; seq is assigned by the database.
func (s *TaskStore) Insert(ctx context.Context, task queue.Task) error {
	const query = `
INSERT INTO harvest_tasks (id, payload, priority, attempts, created_at)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query, task.ID, task.Payload, task.Priority, task.Attempts, task.CreatedAt); err != nil {
		return queue.WriteError("insert", err)
	}
	return nil
}

// LeaseBatch leases up to n unleased tasks in a single statement.
func (s *TaskStore) LeaseBatch(ctx context.Context, n int, order queue.Order) (string, error) {
	if n <= 0 {
		return "", nil
	}
	token, err := s.ids.NewID()
	if err != nil {
		return "", queue.WriteError("lease token", err)
	}
	seqDir := "ASC"
	if order == queue.OrderLIFO {
		seqDir = "DESC"
	}
	query := fmt.Sprintf(`
UPDATE harvest_tasks SET lock_token = $1, leased_at = $2
WHERE id IN (
	SELECT id FROM harvest_tasks
	WHERE lock_token = ''
	ORDER BY priority DESC, seq %s
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)`, seqDir)
	tag, err := s.pool.Exec(ctx, query, token, s.clock.Now(), n)
	if err != nil {
		return "", queue.WriteError("lease batch", err)
	}
	if tag.RowsAffected() == 0 {
		return "", nil
	}
	return token, nil
}

// LeasedTasks returns the tasks holding token.
func (s *TaskStore) LeasedTasks(ctx context.Context, token string) ([]queue.Task, error) {
	if token == "" {
		return nil, nil
	}
	tasks, err := s.queryTasks(ctx, "SELECT "+taskColumns+" FROM harvest_tasks WHERE lock_token = $1", token)
	if err != nil {
		return nil, queue.ReadError("leased tasks", err)
	}
	return tasks, nil
}

// TasksByLease groups leased tasks by token.
func (s *TaskStore) TasksByLease(ctx context.Context) (map[string][]queue.Task, error) {
	tasks, err := s.queryTasks(ctx, "SELECT "+taskColumns+" FROM harvest_tasks WHERE lock_token <> '' ORDER BY lock_token")
	if err != nil {
		return nil, queue.ReadError("tasks by lease", err)
	}
	out := make(map[string][]queue.Task)
	for _, task := range tasks {
		out[task.LockToken] = append(out[task.LockToken], task)
	}
	return out, nil
}

// LookupUnleased returns the task when present and unleased.
func (s *TaskStore) LookupUnleased(ctx context.Context, id string) (queue.Task, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+taskColumns+" FROM harvest_tasks WHERE id = $1 AND lock_token = ''", id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.Task{}, queue.ErrTaskNotFound
	}
	if err != nil {
		return queue.Task{}, queue.ReadError("lookup", err)
	}
	return task, nil
}

// Retry unlocks one task held by token and records attempts.
func (s *TaskStore) Retry(ctx context.Context, token, id string, attempts int) error {
	if token == "" {
		return fmt.Errorf("retry %s: %w", id, queue.ErrTaskNotFound)
	}
	const query = `
UPDATE harvest_tasks SET lock_token = '', leased_at = to_timestamp(0), attempts = $3
WHERE id = $1 AND lock_token = $2`
	tag, err := s.pool.Exec(ctx, query, id, token, attempts)
	if err != nil {
		return queue.WriteError("retry", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retry %s: %w", id, queue.ErrTaskNotFound)
	}
	return nil
}

// RenewLease refreshes leased_at for the token's tasks.
func (s *TaskStore) RenewLease(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.pool.Exec(ctx, "UPDATE harvest_tasks SET leased_at = $2 WHERE lock_token = $1", token, s.clock.Now()); err != nil {
		return queue.WriteError("renew lease", err)
	}
	return nil
}

// ExpireLeases unlocks tasks leased before cutoff.
func (s *TaskStore) ExpireLeases(ctx context.Context, cutoff time.Time) (int, error) {
	const query = `
UPDATE harvest_tasks SET lock_token = '', leased_at = to_timestamp(0)
WHERE lock_token <> '' AND leased_at < $1`
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, queue.WriteError("expire leases", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReleaseLease deletes every task holding token.
func (s *TaskStore) ReleaseLease(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM harvest_tasks WHERE lock_token = $1", token); err != nil {
		return queue.WriteError("release lease", err)
	}
	return nil
}

// Count returns the number of stored tasks.
func (s *TaskStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM harvest_tasks").Scan(&n); err != nil {
		return 0, queue.ReadError("count", err)
	}
	return n, nil
}

// Close releases the pool.
func (s *TaskStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]queue.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []queue.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (queue.Task, error) {
	var t queue.Task
	err := row.Scan(&t.ID, &t.Payload, &t.Priority, &t.LockToken, &t.Attempts, &t.Seq, &t.CreatedAt, &t.LeasedAt)
	if err != nil {
		return queue.Task{}, err
	}
	if t.LockToken == "" {
		t.LeasedAt = time.Time{}
	}
	return t, nil
}
