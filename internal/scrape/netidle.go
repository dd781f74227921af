package scrape

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// networkIdle counts in-flight requests on a tab from CDP network events.
type networkIdle struct {
	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
	last     time.Time
	now      func() time.Time
}

func newNetworkIdle() *networkIdle {
	return &networkIdle{inflight: map[network.RequestID]struct{}{}, last: time.Now(), now: time.Now}
}

// watchNetwork starts tracking the tab behind ctx.
func watchNetwork(ctx context.Context) *networkIdle {
	n := newNetworkIdle()
	chromedp.ListenTarget(ctx, n.onEvent)
	return n
}

func (n *networkIdle) onEvent(ev any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		n.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(n.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(n.inflight, e.RequestID)
	default:
		return
	}
	n.last = n.now()
}

// idleFor reports whether nothing has been in flight for at least quiet.
func (n *networkIdle) idleFor(quiet time.Duration) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.inflight) == 0 && n.now().Sub(n.last) >= quiet
}

// Wait blocks until the network has been quiet for quiet, or until limit
// elapses. Reaching the limit is not an error: a page that keeps polling in
// the background is observed as it stands.
func (n *networkIdle) Wait(ctx context.Context, quiet, limit time.Duration) error {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(max(quiet/5, 10*time.Millisecond))
	defer tick.Stop()
	for {
		if n.idleFor(quiet) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-tick.C:
		}
	}
}
