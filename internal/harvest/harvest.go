// Package harvest drives a growable remote list until it stops growing.
//
// A harvest repeatedly asks the source for more items, waits for it to
// settle, and extracts every item that appeared since the last round. The
// list has no reliable end marker, so completion is inferred: once a round
// observes no growth an idle timer starts, any later growth clears it, and
// the harvest ends when it fires.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrHarvestTimeout is returned when a single source operation exceeds OpTimeout.
var ErrHarvestTimeout = errors.New("harvest operation timed out")

// ExtractionError reports the item whose extraction aborted the harvest.
type ExtractionError struct {
	Index int
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract item %d: %v", e.Index, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Source is the remote list being harvested. H is an opaque item handle and R
// the extracted record.
type Source[H, R any] interface {
	// Grow asks the remote list to reveal more items.
	Grow(ctx context.Context) error
	// Settle waits until pending remote activity subsides.
	Settle(ctx context.Context) error
	// VisibleItems lists every item currently revealed, in display order.
	VisibleItems(ctx context.Context) ([]H, error)
	// Extract turns one handle into a record.
	Extract(ctx context.Context, item H) (R, error)
}

// Exhauster is implemented by sources that can positively detect the end of
// the list. It is consulted after rounds without growth.
type Exhauster interface {
	Exhausted(ctx context.Context) (bool, error)
}

// Config tunes the loop.
type Config struct {
	// IdleWindow is how long the list must stay unchanged before the harvest ends.
	IdleWindow time.Duration
	// OpTimeout bounds every individual source call.
	OpTimeout time.Duration
	// PollInterval is the pause after a round without growth.
	PollInterval time.Duration
	// SkipFailedItems logs and skips items whose extraction fails instead of
	// aborting the harvest.
	SkipFailedItems bool
}

// Defaults.
const (
	DefaultIdleWindow   = 10 * time.Second
	DefaultOpTimeout    = 120 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.IdleWindow <= 0 {
		c.IdleWindow = DefaultIdleWindow
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Result is the outcome of one harvest.
type Result[R any] struct {
	Records []R
	// Rounds counts grow/settle/observe iterations.
	Rounds int
	// Skipped counts items dropped under SkipFailedItems.
	Skipped int
	// Exhausted is true when the source reported the end of the list rather
	// than the idle window expiring.
	Exhausted bool
}

// Run harvests src until the idle window elapses without growth. On error the
// partial records gathered so far are discarded.
func Run[H, R any](ctx context.Context, src Source[H, R], cfg Config, logger *zap.Logger) (Result[R], error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		res       Result[R]
		watermark int
		idle      *time.Timer
		idleC     <-chan time.Time
	)
	stopIdle := func() {
		if idle != nil {
			idle.Stop()
			idle, idleC = nil, nil
		}
	}
	defer stopIdle()
	exhauster, _ := src.(Exhauster)

	for {
		res.Rounds++
		if err := call(ctx, cfg.OpTimeout, "grow", src.Grow); err != nil {
			return Result[R]{}, err
		}
		if err := call(ctx, cfg.OpTimeout, "settle", src.Settle); err != nil {
			return Result[R]{}, err
		}
		items, err := value(ctx, cfg.OpTimeout, "visible items", src.VisibleItems)
		if err != nil {
			return Result[R]{}, err
		}

		if len(items) > watermark {
			for i := watermark; i < len(items); i++ {
				item := items[i]
				rec, err := value(ctx, cfg.OpTimeout, "extract", func(ctx context.Context) (R, error) {
					return src.Extract(ctx, item)
				})
				switch {
				case err == nil:
					res.Records = append(res.Records, rec)
				case errors.Is(err, ErrHarvestTimeout) || ctx.Err() != nil:
					return Result[R]{}, err
				case cfg.SkipFailedItems:
					res.Skipped++
					logger.Warn("skipping item", zap.Int("index", i), zap.Error(err))
				default:
					return Result[R]{}, &ExtractionError{Index: i, Err: err}
				}
			}
			logger.Debug("harvest grew",
				zap.Int("round", res.Rounds),
				zap.Int("from", watermark),
				zap.Int("to", len(items)),
			)
			watermark = len(items)
			stopIdle()
			if err := ctx.Err(); err != nil {
				return Result[R]{}, err
			}
			continue
		}

		if exhauster != nil {
			done, err := value(ctx, cfg.OpTimeout, "exhausted", exhauster.Exhausted)
			if err != nil {
				return Result[R]{}, err
			}
			if done {
				res.Exhausted = true
				logger.Debug("harvest exhausted", zap.Int("rounds", res.Rounds), zap.Int("records", len(res.Records)))
				return res, nil
			}
		}
		if idle == nil {
			idle = time.NewTimer(cfg.IdleWindow)
			idleC = idle.C
		}
		pause := time.NewTimer(cfg.PollInterval)
		select {
		case <-ctx.Done():
			pause.Stop()
			return Result[R]{}, ctx.Err()
		case <-idleC:
			pause.Stop()
			idle, idleC = nil, nil
			logger.Debug("harvest idle", zap.Int("rounds", res.Rounds), zap.Int("records", len(res.Records)))
			return res, nil
		case <-pause.C:
		}
	}
}

func call(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	_, err := value(ctx, timeout, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// value runs fn under timeout. fn runs on its own goroutine so a source that
// ignores its context still cannot stall the harvest past the deadline.
func value[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(opCtx)
		done <- outcome{v: v, err: err}
	}()

	var zero T
	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s: %w", op, ErrHarvestTimeout)
		}
		return out.v, out.err
	case <-opCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%s after %s: %w", op, timeout, ErrHarvestTimeout)
	}
}
