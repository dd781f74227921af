// Package sqlite implements queue.Store on a single-file SQLite database using
// the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/review-harvester/internal/queue"
)

// Config describes how to open the database file.
type Config struct {
	// Path is the database file, or ":memory:" for a private in-memory database.
	Path string
	// BusyTimeout bounds how long a writer waits for the file lock.
	BusyTimeout time.Duration
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS harvest_tasks (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT    NOT NULL UNIQUE,
		payload    BLOB    NOT NULL,
		priority   INTEGER NOT NULL DEFAULT 1,
		lock_token TEXT    NOT NULL DEFAULT '',
		attempts   INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		leased_at  INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS harvest_tasks_ready ON harvest_tasks (lock_token, priority DESC, seq)`,
}

const (
	taskColumns = `seq, id, payload, priority, lock_token, attempts, created_at, leased_at`
	leaseQuery  = `UPDATE harvest_tasks SET lock_token = ?, leased_at = ?
		WHERE seq IN (
			SELECT seq FROM harvest_tasks WHERE lock_token = ''
			ORDER BY priority DESC, seq %s LIMIT ?
		)`
)

// TaskStore persists tasks in SQLite. Leasing is a single UPDATE statement,
// which SQLite executes atomically under its write lock.
type TaskStore struct {
	db    *sql.DB
	ids   queue.IDGenerator
	clock queue.Clock
}

// Open opens (creating if needed) the database described by cfg.
func Open(ctx context.Context, cfg Config, ids queue.IDGenerator, clock queue.Clock) (*TaskStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	dsn := cfg.Path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
			cfg.Path, cfg.BusyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	store, err := New(ctx, db, ids, clock)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open database and applies the schema.
func New(ctx context.Context, db *sql.DB, ids queue.IDGenerator, clock queue.Clock) (*TaskStore, error) {
	if db == nil {
		return nil, errors.New("sqlite db is required")
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return &TaskStore{db: db, ids: ids, clock: clock}, nil
}

// Connect pings the database and reports the stored task count.
func (s *TaskStore) Connect(ctx context.Context) (int, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return 0, queue.ReadError("ping", err)
	}
	return s.Count(ctx)
}

// Insert appends an unleased task.
func (s *TaskStore) Insert(ctx context.Context, task queue.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO harvest_tasks (id, payload, priority, attempts, created_at) VALUES (?, ?, ?, ?, ?)`,
		task.ID, task.Payload, task.Priority, task.Attempts, task.CreatedAt.UnixNano(),
	)
	if err != nil {
		return queue.WriteError("insert", err)
	}
	return nil
}

// LeaseBatch leases up to n tasks under a fresh token.
func (s *TaskStore) LeaseBatch(ctx context.Context, n int, order queue.Order) (string, error) {
	if n <= 0 {
		return "", nil
	}
	token, err := s.ids.NewID()
	if err != nil {
		return "", queue.WriteError("lease token", err)
	}
	dir := "ASC"
	if order == queue.OrderLIFO {
		dir = "DESC"
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(leaseQuery, dir), token, s.clock.Now().UnixNano(), n)
	if err != nil {
		return "", queue.WriteError("lease batch", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", queue.WriteError("lease batch", err)
	}
	if affected == 0 {
		return "", nil
	}
	return token, nil
}

// LeasedTasks returns the tasks holding token.
func (s *TaskStore) LeasedTasks(ctx context.Context, token string) ([]queue.Task, error) {
	if token == "" {
		return nil, nil
	}
	return s.query(ctx, "leased tasks",
		`SELECT `+taskColumns+` FROM harvest_tasks WHERE lock_token = ? ORDER BY seq`, token)
}

// TasksByLease groups leased tasks by token.
func (s *TaskStore) TasksByLease(ctx context.Context) (map[string][]queue.Task, error) {
	tasks, err := s.query(ctx, "tasks by lease",
		`SELECT `+taskColumns+` FROM harvest_tasks WHERE lock_token <> '' ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]queue.Task)
	for _, task := range tasks {
		out[task.LockToken] = append(out[task.LockToken], task)
	}
	return out, nil
}

// LookupUnleased returns the task when present and unleased.
func (s *TaskStore) LookupUnleased(ctx context.Context, id string) (queue.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM harvest_tasks WHERE id = ? AND lock_token = ''`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Task{}, queue.ErrTaskNotFound
	}
	if err != nil {
		return queue.Task{}, queue.ReadError("lookup", err)
	}
	return task, nil
}

// Retry unlocks one task held by token and records attempts.
func (s *TaskStore) Retry(ctx context.Context, token, id string, attempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE harvest_tasks SET lock_token = '', leased_at = 0, attempts = ? WHERE id = ? AND lock_token = ?`,
		attempts, id, token)
	if err != nil {
		return queue.WriteError("retry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retry %s: %w", id, queue.ErrTaskNotFound)
	}
	return nil
}

// RenewLease refreshes leased_at for the token's tasks.
func (s *TaskStore) RenewLease(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE harvest_tasks SET leased_at = ? WHERE lock_token = ? AND lock_token <> ''`,
		s.clock.Now().UnixNano(), token)
	if err != nil {
		return queue.WriteError("renew lease", err)
	}
	return nil
}

// ExpireLeases unlocks tasks leased before cutoff.
func (s *TaskStore) ExpireLeases(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE harvest_tasks SET lock_token = '', leased_at = 0 WHERE lock_token <> '' AND leased_at < ?`,
		cutoff.UnixNano())
	if err != nil {
		return 0, queue.WriteError("expire leases", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, queue.WriteError("expire leases", err)
	}
	return int(n), nil
}

// ReleaseLease deletes every task holding token.
func (s *TaskStore) ReleaseLease(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM harvest_tasks WHERE lock_token = ?`, token); err != nil {
		return queue.WriteError("release lease", err)
	}
	return nil
}

// Count returns the number of stored tasks.
func (s *TaskStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM harvest_tasks`).Scan(&n); err != nil {
		return 0, queue.ReadError("count", err)
	}
	return n, nil
}

// Close closes the database.
func (s *TaskStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *TaskStore) query(ctx context.Context, op, q string, args ...any) ([]queue.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, queue.ReadError(op, err)
	}
	defer rows.Close()
	var out []queue.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, queue.ReadError(op, err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, queue.ReadError(op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (queue.Task, error) {
	var (
		task      queue.Task
		createdAt int64
		leasedAt  int64
	)
	if err := row.Scan(&task.Seq, &task.ID, &task.Payload, &task.Priority,
		&task.LockToken, &task.Attempts, &createdAt, &leasedAt); err != nil {
		return queue.Task{}, err
	}
	task.CreatedAt = time.Unix(0, createdAt).UTC()
	if leasedAt != 0 {
		task.LeasedAt = time.Unix(0, leasedAt).UTC()
	}
	return task, nil
}
