// Package badger implements queue.Store on an embedded BadgerDB key-value store.
//
// Key layout:
//
//	task/<id>                          JSON task record
//	ready/<priority desc><seq asc><id> present while the task is unleased
//	lease/<token>/<id>                 present while the task is leased
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/review-harvester/internal/queue"
)

const (
	taskPrefix  = "task/"
	readyPrefix = "ready/"
	leasePrefix = "lease/"
	seqKey      = "meta/seq"

	maxConflictRetries = 8
)

// Config describes where the database lives.
type Config struct {
	// Path is the data directory; ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM (tests).
	InMemory bool
}

type record struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	Priority  int       `json:"priority"`
	LockToken string    `json:"lock_token"`
	Attempts  int       `json:"attempts"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	LeasedAt  time.Time `json:"leased_at"`
}

// TaskStore persists tasks in Badger. Leases run in read-write transactions;
// a conflicting concurrent lease aborts with badger.ErrConflict and is retried.
type TaskStore struct {
	db    *badger.DB
	owned bool
	seq   *badger.Sequence
	ids   queue.IDGenerator
	clock queue.Clock
	mu    sync.Mutex
}

// Open opens the database described by cfg; the store owns and closes it.
func Open(cfg Config, ids queue.IDGenerator, clock queue.Clock) (*TaskStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("badger path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	store, err := New(db, ids, clock)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// New wraps an open database.
func New(db *badger.DB, ids queue.IDGenerator, clock queue.Clock) (*TaskStore, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	seq, err := db.GetSequence([]byte(seqKey), 128)
	if err != nil {
		return nil, fmt.Errorf("badger sequence: %w", err)
	}
	return &TaskStore{db: db, seq: seq, ids: ids, clock: clock}, nil
}

// Connect reports the stored task count.
func (s *TaskStore) Connect(ctx context.Context) (int, error) {
	return s.Count(ctx)
}

// Insert appends an unleased task.
func (s *TaskStore) Insert(_ context.Context, task queue.Task) error {
	next, err := s.seq.Next()
	if err != nil {
		return queue.WriteError("insert sequence", err)
	}
	rec := toRecord(task)
	rec.Seq = int64(next) + 1
	rec.LockToken = ""
	rec.LeasedAt = time.Time{}
	err = s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(taskKey(rec.ID)); err == nil {
			return fmt.Errorf("task %s already exists", rec.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		return txn.Set(readyKey(rec), nil)
	})
	if err != nil {
		return queue.WriteError("insert", err)
	}
	return nil
}

// LeaseBatch leases up to n tasks under a fresh token.
func (s *TaskStore) LeaseBatch(_ context.Context, n int, order queue.Order) (string, error) {
	if n <= 0 {
		return "", nil
	}
	token, err := s.ids.NewID()
	if err != nil {
		return "", queue.WriteError("lease token", err)
	}
	now := s.clock.Now()
	leased := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.update(func(txn *badger.Txn) error {
		leased = 0
		keys := pickReady(txn, n, order)
		for _, key := range keys {
			rec, err := getRecord(txn, idFromReadyKey(key))
			if err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			rec.LockToken = token
			rec.LeasedAt = now
			if err := putRecord(txn, rec); err != nil {
				return err
			}
			if err := txn.Set(leaseKey(token, rec.ID), nil); err != nil {
				return err
			}
			leased++
		}
		return nil
	})
	if err != nil {
		return "", queue.WriteError("lease batch", err)
	}
	if leased == 0 {
		return "", nil
	}
	return token, nil
}

// LeasedTasks returns the tasks holding token.
func (s *TaskStore) LeasedTasks(_ context.Context, token string) ([]queue.Task, error) {
	if token == "" {
		return nil, nil
	}
	var out []queue.Task
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range scanKeys(txn, leaseKeyPrefix(token)) {
			_, id := splitLeaseKey(key)
			rec, err := getRecord(txn, id)
			if err != nil {
				return err
			}
			out = append(out, rec.task())
		}
		return nil
	})
	if err != nil {
		return nil, queue.ReadError("leased tasks", err)
	}
	return out, nil
}

// TasksByLease groups leased tasks by token.
func (s *TaskStore) TasksByLease(_ context.Context) (map[string][]queue.Task, error) {
	out := make(map[string][]queue.Task)
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range scanKeys(txn, []byte(leasePrefix)) {
			token, id := splitLeaseKey(key)
			rec, err := getRecord(txn, id)
			if err != nil {
				return err
			}
			out[token] = append(out[token], rec.task())
		}
		return nil
	})
	if err != nil {
		return nil, queue.ReadError("tasks by lease", err)
	}
	return out, nil
}

// LookupUnleased returns the task when present and unleased.
func (s *TaskStore) LookupUnleased(_ context.Context, id string) (queue.Task, error) {
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return queue.Task{}, queue.ErrTaskNotFound
	}
	if err != nil {
		return queue.Task{}, queue.ReadError("lookup", err)
	}
	if rec.LockToken != "" {
		return queue.Task{}, queue.ErrTaskNotFound
	}
	return rec.task(), nil
}

// Retry unlocks one task held by token and records attempts.
func (s *TaskStore) Retry(_ context.Context, token, id string, attempts int) error {
	err := s.update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return queue.ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if token == "" || rec.LockToken != token {
			return queue.ErrTaskNotFound
		}
		rec.Attempts = attempts
		return unlock(txn, rec)
	})
	if errors.Is(err, queue.ErrTaskNotFound) {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	if err != nil {
		return queue.WriteError("retry", err)
	}
	return nil
}

// RenewLease refreshes LeasedAt for the token's tasks.
func (s *TaskStore) RenewLease(_ context.Context, token string) error {
	if token == "" {
		return nil
	}
	now := s.clock.Now()
	err := s.update(func(txn *badger.Txn) error {
		for _, key := range scanKeys(txn, leaseKeyPrefix(token)) {
			_, id := splitLeaseKey(key)
			rec, err := getRecord(txn, id)
			if err != nil {
				return err
			}
			rec.LeasedAt = now
			if err := putRecord(txn, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return queue.WriteError("renew lease", err)
	}
	return nil
}

// ExpireLeases unlocks tasks leased before cutoff.
func (s *TaskStore) ExpireLeases(_ context.Context, cutoff time.Time) (int, error) {
	expired := 0
	err := s.update(func(txn *badger.Txn) error {
		expired = 0
		for _, key := range scanKeys(txn, []byte(leasePrefix)) {
			_, id := splitLeaseKey(key)
			rec, err := getRecord(txn, id)
			if err != nil {
				return err
			}
			if !rec.LeasedAt.Before(cutoff) {
				continue
			}
			if err := unlock(txn, rec); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, queue.WriteError("expire leases", err)
	}
	return expired, nil
}

// ReleaseLease deletes every task holding token.
func (s *TaskStore) ReleaseLease(_ context.Context, token string) error {
	if token == "" {
		return nil
	}
	err := s.update(func(txn *badger.Txn) error {
		for _, key := range scanKeys(txn, leaseKeyPrefix(token)) {
			_, id := splitLeaseKey(key)
			if err := txn.Delete(taskKey(id)); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return queue.WriteError("release lease", err)
	}
	return nil
}

// Count returns the number of stored tasks.
func (s *TaskStore) Count(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		n = len(scanKeys(txn, []byte(taskPrefix)))
		return nil
	})
	if err != nil {
		return 0, queue.ReadError("count", err)
	}
	return n, nil
}

// Close releases the sequence and, when the store opened it, the database.
func (s *TaskStore) Close() error {
	var errs []error
	if err := s.seq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release sequence: %w", err))
	}
	if s.owned {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close badger: %w", err))
		}
	}
	return errors.Join(errs...)
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *TaskStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// pickReady returns up to n ready keys. Keys sort by priority descending and
// then sequence ascending, so LIFO reverses each priority band.
func pickReady(txn *badger.Txn, n int, order queue.Order) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	prefix := []byte(readyPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var picked, band [][]byte
	var bandPriority []byte
	flush := func() {
		for i := len(band) - 1; i >= 0 && len(picked) < n; i-- {
			picked = append(picked, band[i])
		}
		band = band[:0]
	}
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		if order == queue.OrderFIFO {
			picked = append(picked, key)
			if len(picked) >= n {
				break
			}
			continue
		}
		priority := key[len(readyPrefix) : len(readyPrefix)+8]
		if bandPriority != nil && !bytes.Equal(priority, bandPriority) {
			flush()
			if len(picked) >= n {
				return picked
			}
		}
		bandPriority = priority
		band = append(band, key)
	}
	if order == queue.OrderLIFO {
		flush()
	}
	return picked
}

func scanKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func unlock(txn *badger.Txn, rec record) error {
	if err := txn.Delete(leaseKey(rec.LockToken, rec.ID)); err != nil {
		return err
	}
	rec.LockToken = ""
	rec.LeasedAt = time.Time{}
	if err := putRecord(txn, rec); err != nil {
		return err
	}
	return txn.Set(readyKey(rec), nil)
}

func getRecord(txn *badger.Txn, id string) (record, error) {
	item, err := txn.Get(taskKey(id))
	if err != nil {
		return record{}, err
	}
	var rec record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func putRecord(txn *badger.Txn, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return txn.Set(taskKey(rec.ID), data)
}

func taskKey(id string) []byte {
	return []byte(taskPrefix + id)
}

// readyKey encodes priority inverted so higher priorities sort first.
func readyKey(rec record) []byte {
	key := make([]byte, 0, len(readyPrefix)+16+len(rec.ID))
	key = append(key, readyPrefix...)
	key = binary.BigEndian.AppendUint64(key, ^(uint64(int64(rec.Priority)) ^ (1 << 63)))
	key = binary.BigEndian.AppendUint64(key, uint64(rec.Seq))
	return append(key, rec.ID...)
}

func idFromReadyKey(key []byte) string {
	return string(key[len(readyPrefix)+16:])
}

func leaseKeyPrefix(token string) []byte {
	return []byte(leasePrefix + token + "/")
}

func leaseKey(token, id string) []byte {
	return []byte(leasePrefix + token + "/" + id)
}

func splitLeaseKey(key []byte) (string, string) {
	token, id, _ := strings.Cut(string(key[len(leasePrefix):]), "/")
	return token, id
}

func toRecord(t queue.Task) record {
	return record{
		ID:        t.ID,
		Payload:   t.Payload,
		Priority:  t.Priority,
		LockToken: t.LockToken,
		Attempts:  t.Attempts,
		Seq:       t.Seq,
		CreatedAt: t.CreatedAt,
		LeasedAt:  t.LeasedAt,
	}
}

func (r record) task() queue.Task {
	return queue.Task{
		ID:        r.ID,
		Payload:   r.Payload,
		Priority:  r.Priority,
		LockToken: r.LockToken,
		Attempts:  r.Attempts,
		Seq:       r.Seq,
		CreatedAt: r.CreatedAt,
		LeasedAt:  r.LeasedAt,
	}
}
