package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// ErrNavigationTimeout is returned when the page does not load in time.
var ErrNavigationTimeout = errors.New("navigation timed out")

const (
	mainSelector     = "[role=main]"
	reviewsTab       = `[aria-label^="Reviews"]`
	sortButton       = `button[aria-label='Sort reviews'][data-value='Sort']`
	sortNewest       = `[id='action-menu'] [data-index='1']`
	loaderSelector   = "[role=main] > :last-child > :last-child"
	reviewSelector   = "[role=main] div[data-review-id][jslog][aria-label]:not([role=presentation])"
	seeMoreSelector  = "[aria-label='See more']"
	loaderEmptyCheck = `(() => { const el = document.querySelector(%q); return !el || el.innerHTML.trim() === ""; })()`
)

// Config tunes page interaction.
type Config struct {
	// NavigationTimeout bounds the initial page load.
	NavigationTimeout time.Duration
	// NetworkIdle is how long the tab must have no requests in flight to count as settled.
	NetworkIdle time.Duration
	// SettleTimeout caps every wait for network idle.
	SettleTimeout time.Duration
	// Lang is sent as Accept-Language.
	Lang    string
	Harvest harvest.Config
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 120 * time.Second
	}
	if c.NetworkIdle <= 0 {
		c.NetworkIdle = 500 * time.Millisecond
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 30 * time.Second
	}
	return c
}

// Scraper harvests place pages in browser tabs.
type Scraper struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Scraper.
func New(cfg Config, logger *zap.Logger) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{cfg: cfg.withDefaults(), logger: logger}
}

// Scrape loads url in the tab behind ctx and returns the place with all of
// its reviews.
func (s *Scraper) Scrape(ctx context.Context, url string) (Place, error) {
	logger := s.logger.With(zap.String("url", url))
	idle := watchNetwork(ctx)

	logger.Info("opening page and waiting for network idle")
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()
	err := chromedp.Run(navCtx,
		s.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return idle.Wait(ctx, s.cfg.NetworkIdle, s.cfg.SettleTimeout)
		}),
		chromedp.WaitReady(mainSelector, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() == nil && errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return Place{}, fmt.Errorf("%s: %w", url, ErrNavigationTimeout)
		}
		return Place{}, fmt.Errorf("navigate %s: %w", url, err)
	}

	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return Place{}, fmt.Errorf("read page: %w", err)
	}
	logger.Info("reading place details")
	place, err := ParsePlace(html)
	if err != nil {
		return Place{}, err
	}
	place.URL = url

	logger.Info("loading reviews", zap.Int("expected", place.ReviewCount))
	if err := s.openReviews(ctx, idle); err != nil {
		return Place{}, err
	}
	src := &reviewSource{idle: idle, quiet: s.cfg.NetworkIdle, limit: s.cfg.SettleTimeout}
	res, err := harvest.Run[*cdp.Node, Review](ctx, src, s.cfg.Harvest, logger.Named("harvest"))
	if err != nil {
		return Place{}, fmt.Errorf("harvest reviews: %w", err)
	}
	place.Reviews = res.Records
	if place.Reviews == nil {
		place.Reviews = []Review{}
	}
	logger.Info("scraping finished",
		zap.Int("reviews", len(res.Records)),
		zap.Int("rounds", res.Rounds),
		zap.Bool("exhausted", res.Exhausted),
	)
	return place, nil
}

// openReviews switches to the reviews tab and sorts it newest first.
func (s *Scraper) openReviews(ctx context.Context, idle *networkIdle) error {
	err := chromedp.Run(ctx,
		chromedp.Click(reviewsTab, chromedp.ByQuery),
		chromedp.Click(sortButton, chromedp.ByQuery),
		chromedp.WaitVisible(sortNewest, chromedp.ByQuery),
		chromedp.Click(sortNewest, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return idle.Wait(ctx, s.cfg.NetworkIdle, s.cfg.SettleTimeout)
		}),
	)
	if err != nil {
		return fmt.Errorf("open reviews: %w", err)
	}
	return nil
}

func (s *Scraper) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.Lang != "" {
			headers := network.Headers{"Accept-Language": s.cfg.Lang}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// reviewSource exposes the reviews list to the harvester. Scrolling the
// loader at the bottom of the list makes the page fetch the next reviews.
type reviewSource struct {
	idle  *networkIdle
	quiet time.Duration
	limit time.Duration
}

func (r *reviewSource) Grow(ctx context.Context) error {
	var loader []*cdp.Node
	if err := chromedp.Run(ctx, chromedp.Nodes(loaderSelector, &loader, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return fmt.Errorf("find loader: %w", err)
	}
	if len(loader) == 0 {
		return nil
	}
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return dom.ScrollIntoViewIfNeeded().WithNodeID(loader[0].NodeID).Do(ctx)
	}))
}

func (r *reviewSource) Settle(ctx context.Context) error {
	return r.idle.Wait(ctx, r.quiet, r.limit)
}

func (r *reviewSource) VisibleItems(ctx context.Context) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	if err := chromedp.Run(ctx, chromedp.Nodes(reviewSelector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	return nodes, nil
}

func (r *reviewSource) Extract(ctx context.Context, node *cdp.Node) (Review, error) {
	var more []*cdp.Node
	err := chromedp.Run(ctx, chromedp.Nodes(seeMoreSelector, &more, chromedp.ByQuery, chromedp.FromNode(node), chromedp.AtLeast(0)))
	if err != nil {
		return Review{}, fmt.Errorf("find see more: %w", err)
	}
	if len(more) > 0 {
		if err := chromedp.Run(ctx, chromedp.MouseClickNode(more[0])); err != nil {
			return Review{}, fmt.Errorf("expand review: %w", err)
		}
		if err := r.idle.Wait(ctx, r.quiet, r.limit); err != nil {
			return Review{}, err
		}
	}
	var html string
	err = chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
		return err
	}))
	if err != nil {
		return Review{}, fmt.Errorf("read review: %w", err)
	}
	return ParseReview(html)
}

// Exhausted reports true once the loader at the end of the list is empty.
func (r *reviewSource) Exhausted(ctx context.Context) (bool, error) {
	var done bool
	script := fmt.Sprintf(loaderEmptyCheck, strings.TrimSpace(loaderSelector))
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &done)); err != nil {
		return false, fmt.Errorf("check loader: %w", err)
	}
	return done, nil
}
