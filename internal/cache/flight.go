package cache

import (
	"context"
	"sync"

	"github.com/TedBerlin/MIRAGE-v2/internal/metrics"
	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

// Flight tracks one in-progress workflow for a fingerprint. Waiters share
// the owner's outcome — including a failure; they never retry on its behalf.
type Flight struct {
	done chan struct{}

	mu        sync.Mutex
	waiters   int
	completed bool
	cancel    context.CancelFunc
	result    *models.FinalResponse
	err       error
}

// AcquireInflight registers a fingerprint. The first caller becomes the
// owner (owner == true) and must eventually call Complete; later callers
// join as waiters and receive the owner's outcome from Wait.
func (c *ResponseCache) AcquireInflight(fingerprint string) (*Flight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fl, ok := c.inflight[fingerprint]; ok {
		fl.mu.Lock()
		fl.waiters++
		fl.mu.Unlock()
		metrics.InflightCoalesced.Inc()
		return fl, false
	}

	fl := &Flight{done: make(chan struct{}), waiters: 1}
	c.inflight[fingerprint] = fl
	return fl, true
}

// Complete records the outcome, releases the fingerprint and wakes all
// waiters.
func (c *ResponseCache) Complete(fingerprint string, fl *Flight, resp *models.FinalResponse, err error) {
	c.mu.Lock()
	delete(c.inflight, fingerprint)
	c.mu.Unlock()

	fl.mu.Lock()
	fl.completed = true
	fl.result = resp
	fl.err = err
	fl.mu.Unlock()
	close(fl.done)
}

// AttachCancel registers the workflow's cancel function so the computation
// can be aborted when the last waiter abandons it.
func (fl *Flight) AttachCancel(cancel context.CancelFunc) {
	fl.mu.Lock()
	fl.cancel = cancel
	fl.mu.Unlock()
}

// Wait blocks until the flight completes or ctx is done. Each waiter gets
// its own copy of the response. A caller abandoning its wait only detaches
// itself; the computation is cancelled only when no waiter remains.
func (fl *Flight) Wait(ctx context.Context) (*models.FinalResponse, error) {
	select {
	case <-fl.done:
		fl.mu.Lock()
		defer fl.mu.Unlock()
		return fl.result.Clone(), fl.err
	case <-ctx.Done():
		fl.abandon()
		return nil, models.E(models.KindTimeout, ctx.Err())
	}
}

func (fl *Flight) abandon() {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.waiters--
	if fl.waiters <= 0 && !fl.completed && fl.cancel != nil {
		fl.cancel()
	}
}
