package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/TedBerlin/MIRAGE-v2/internal/circuitbreaker"
	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

func approved(answer string) *models.FinalResponse {
	return &models.FinalResponse{
		Success:   true,
		Answer:    answer,
		Consensus: models.ConsensusApproved,
	}
}

func TestLookupMissThenHit(t *testing.T) {
	c := New(time.Hour, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	if _, ok := c.Lookup(ctx, "fp"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Put(ctx, "fp", approved("answer"), 0)
	got, ok := c.Lookup(ctx, "fp")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Answer != "answer" || !got.FromCache {
		t.Fatalf("unexpected entry %+v", got)
	}
}

func TestLookupNeverReturnsExpired(t *testing.T) {
	c := New(time.Hour, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	c.Put(ctx, "fp", approved("a"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Lookup(ctx, "fp"); ok {
		t.Fatal("expired entry returned")
	}
}

func TestPutRejectsNonCacheableConsensus(t *testing.T) {
	c := New(time.Hour, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	for _, consensus := range []models.Consensus{
		models.ConsensusPendingValidation,
		models.ConsensusFallback,
		models.ConsensusFailed,
	} {
		c.Put(ctx, "fp", &models.FinalResponse{Consensus: consensus}, 0)
		if _, ok := c.Lookup(ctx, "fp"); ok {
			t.Fatalf("%s response was cached", consensus)
		}
	}
}

func TestLookupReturnsCopies(t *testing.T) {
	c := New(time.Hour, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	orig := approved("a")
	orig.Sources = []models.Source{{DocID: "d1"}}
	c.Put(ctx, "fp", orig, 0)

	first, _ := c.Lookup(ctx, "fp")
	first.Answer = "mutated"
	first.Sources[0].DocID = "mutated"

	second, _ := c.Lookup(ctx, "fp")
	if second.Answer != "a" || second.Sources[0].DocID != "d1" {
		t.Fatal("cache entries share state with callers")
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	c := New(time.Hour, nil, zaptest.NewLogger(t))
	defer c.Close()
	ctx := context.Background()

	c.Put(ctx, "old", approved("a"), 5*time.Millisecond)
	c.Put(ctx, "fresh", approved("b"), time.Hour)
	time.Sleep(10 * time.Millisecond)
	c.sweep()

	c.mu.Lock()
	_, oldThere := c.entries["old"]
	_, freshThere := c.entries["fresh"]
	c.mu.Unlock()
	if oldThere || !freshThere {
		t.Fatalf("sweep wrong: old=%v fresh=%v", oldThere, freshThere)
	}
}

func TestRedisTierRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	wrapper := circuitbreaker.NewRedisWrapper(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		zaptest.NewLogger(t),
	)

	ctx := context.Background()
	writer := New(time.Hour, wrapper, zaptest.NewLogger(t))
	writer.Put(ctx, "fp", approved("shared"), time.Hour)

	// A second cache instance (another replica) sees the entry via redis.
	reader := New(time.Hour, wrapper, zaptest.NewLogger(t))
	got, ok := reader.Lookup(ctx, "fp")
	if !ok {
		t.Fatal("expected redis-tier hit")
	}
	if got.Answer != "shared" || !got.FromCache {
		t.Fatalf("unexpected redis entry %+v", got)
	}
}

func TestRedisTierRespectsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	wrapper := circuitbreaker.NewRedisWrapper(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		zaptest.NewLogger(t),
	)

	ctx := context.Background()
	writer := New(time.Hour, wrapper, zaptest.NewLogger(t))
	writer.Put(ctx, "fp", approved("soon gone"), time.Minute)

	mr.FastForward(2 * time.Minute)

	reader := New(time.Hour, wrapper, zaptest.NewLogger(t))
	if _, ok := reader.Lookup(ctx, "fp"); ok {
		t.Fatal("expired redis entry returned")
	}
}

func TestSingleFlightOwnerAndWaiters(t *testing.T) {
	c := New(time.Hour, nil, zaptest.NewLogger(t))

	fl, owner := c.AcquireInflight("fp")
	if !owner {
		t.Fatal("first acquire must own the flight")
	}

	fl2, owner2 := c.AcquireInflight("fp")
	if owner2 {
		t.Fatal("second acquire must join as waiter")
	}
	if fl2 != fl {
		t.Fatal("waiter got a different flight")
	}

	var wg sync.WaitGroup
	results := make([]*models.FinalResponse, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = fl.Wait(context.Background())
		}(i)
	}

	c.Complete("fp", fl, approved("shared result"), nil)
	wg.Wait()

	if results[0].Answer != "shared result" || results[1].Answer != "shared result" {
		t.Fatalf("waiters diverged: %+v vs %+v", results[0], results[1])
	}
	if results[0] == results[1] {
		t.Fatal("waiters share one mutable envelope")
	}

	// Fingerprint is released after completion.
	_, ownerAgain := c.AcquireInflight("fp")
	if !ownerAgain {
		t.Fatal("fingerprint not released after completion")
	}
}

func TestSingleFlightSharesFailure(t *testing.T) {
	c := New(time.Hour, nil, zaptest.NewLogger(t))

	fl, _ := c.AcquireInflight("fp")
	_, _ = c.AcquireInflight("fp")

	boom := errors.New("workflow failed")
	go c.Complete("fp", fl, nil, boom)

	_, err := fl.Wait(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("waiter did not receive owner's failure: %v", err)
	}
}

func TestAbandonedFlightCancelsWhenLastWaiterLeaves(t *testing.T) {
	c := New(time.Hour, nil, zaptest.NewLogger(t))

	fl, _ := c.AcquireInflight("fp")
	cancelled := make(chan struct{})
	fl.AttachCancel(func() { close(cancelled) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fl.Wait(ctx); err == nil {
		t.Fatal("expected wait error on cancelled context")
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("workflow not cancelled after last waiter left")
	}
}

func TestAbandonedFlightKeepsRunningWithRemainingWaiters(t *testing.T) {
	c := New(time.Hour, nil, zaptest.NewLogger(t))

	fl, _ := c.AcquireInflight("fp")
	_, _ = c.AcquireInflight("fp") // second waiter stays

	cancelled := false
	fl.AttachCancel(func() { cancelled = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = fl.Wait(ctx) // first waiter abandons

	if cancelled {
		t.Fatal("computation cancelled while a waiter remained")
	}
}
