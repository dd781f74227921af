// Package worker executes harvest tasks leased by the queue engine.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/queue"
	"github.com/JakeFAU/review-harvester/internal/scrape"
	"github.com/JakeFAU/review-harvester/internal/session"
)

// Browser hands out exclusive use of the shared browser session.
type Browser interface {
	Acquire() (*session.Handle, error)
}

// Scraper harvests one place page in the tab behind ctx.
type Scraper interface {
	Scrape(ctx context.Context, url string) (scrape.Place, error)
}

// BlobStore persists harvested documents.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Publisher announces finished harvests.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher returns the content digest used in blob paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// RateLimiter paces page loads per host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
}

// Result is what a finished task reports on its task_finish event.
type Result struct {
	TaskID    string       `json:"task_id"`
	URL       string       `json:"url"`
	Title     string       `json:"title"`
	Reviews   int          `json:"reviews"`
	BlobURI   string       `json:"blob_uri"`
	Hash      string       `json:"hash"`
	MessageID string       `json:"message_id,omitempty"`
	Place     scrape.Place `json:"-"`
}

// Worker implements queue.Handler.
type Worker struct {
	browser   Browser
	scraper   Scraper
	blobStore BlobStore
	publisher Publisher
	hasher    Hasher
	limiter   RateLimiter
	clock     Clock
	cfg       Config
	logger    *zap.Logger
}

// Deps groups the Worker collaborators. Publisher and Limiter are optional.
type Deps struct {
	Browser   Browser
	Scraper   Scraper
	BlobStore BlobStore
	Publisher Publisher
	Hasher    Hasher
	Limiter   RateLimiter
	Clock     Clock
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if deps.Browser == nil || deps.Scraper == nil {
		return nil, errors.New("browser and scraper are required")
	}
	if deps.BlobStore == nil || deps.Hasher == nil || deps.Clock == nil {
		return nil, errors.New("blob store, hasher and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	return &Worker{
		browser:   deps.Browser,
		scraper:   deps.Scraper,
		blobStore: deps.BlobStore,
		publisher: deps.Publisher,
		hasher:    deps.Hasher,
		limiter:   deps.Limiter,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// ErrInvalidURL is returned for tasks whose URL cannot be navigated to.
var ErrInvalidURL = errors.New("not an http(s) url")

var urlValidator = validator.New()

// Handle runs one task. Malformed payloads, unusable URLs and a closed browser
// fail the task permanently; everything else is left to the retry policy.
func (w *Worker) Handle(ctx context.Context, task queue.Task) (any, error) {
	payload, err := queue.DecodePayload(task.Payload)
	if err != nil {
		return nil, queue.Permanent(err)
	}
	logger := w.logger.With(zap.String("task_id", task.ID), zap.String("url", payload.URL))
	if err := urlValidator.Var(payload.URL, "http_url"); err != nil {
		logger.Error("url rejected")
		return nil, queue.Permanent(fmt.Errorf("%w: %q", ErrInvalidURL, payload.URL))
	}

	handle, err := w.browser.Acquire()
	if err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			logger.Error("browser already closed")
			return nil, queue.Permanent(err)
		}
		return nil, fmt.Errorf("acquire browser: %w", err)
	}
	defer handle.Release()

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, payload.URL); err != nil {
			return nil, err
		}
	}

	logger.Info("starting to scrape")
	tab, closeTab := handle.NewTab(ctx)
	place, err := w.scraper.Scrape(tab, payload.URL)
	closeTab()
	if err != nil {
		logger.Error("scrape failed", zap.Error(err))
		return nil, fmt.Errorf("scrape %s: %w", payload.URL, err)
	}

	res, err := w.persistAndPublish(ctx, task.ID, payload.URL, place)
	if err != nil {
		return nil, err
	}
	logger.Info("place harvested",
		zap.String("title", res.Title),
		zap.Int("reviews", res.Reviews),
		zap.String("blob_uri", res.BlobURI),
	)
	return res, nil
}

func (w *Worker) buildBlobPath(taskID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", taskID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, taskID, hash)
}

func (w *Worker) persistAndPublish(ctx context.Context, taskID, url string, place scrape.Place) (Result, error) {
	body, err := json.Marshal(place)
	if err != nil {
		return Result{}, queue.Permanent(fmt.Errorf("marshal place: %w", err))
	}
	hash, err := w.hasher.Hash(body)
	if err != nil {
		return Result{}, fmt.Errorf("hash body: %w", err)
	}
	uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(taskID, hash), w.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("put object: %w", err)
	}
	res := Result{
		TaskID:  taskID,
		URL:     url,
		Title:   place.Title,
		Reviews: len(place.Reviews),
		BlobURI: uri,
		Hash:    hash,
		Place:   place,
	}
	if w.cfg.Topic == "" || w.publisher == nil {
		return res, nil
	}
	msg := map[string]any{
		"task_id":   taskID,
		"url":       url,
		"title":     place.Title,
		"reviews":   res.Reviews,
		"blob_uri":  uri,
		"hash":      hash,
		"timestamp": w.clock.Now().Format(time.RFC3339),
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, msg)
	if err != nil {
		return Result{}, fmt.Errorf("publish payload: %w", err)
	}
	res.MessageID = id
	return res, nil
}
