package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vvaswani/sugar/internal/store"
	"github.com/vvaswani/sugar/pkg/logx"
)

func newTestQueue(t *testing.T, cfg Config) (*Service, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(cfg, st, nil, logx.Nop()), st
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPublishAndHandle(t *testing.T) {
	q, _ := newTestQueue(t, Config{Workers: 2, PollInterval: 20 * time.Millisecond})

	var handled atomic.Int32
	q.Handle("t.ok", func(ctx context.Context, msg store.Message) error {
		if string(msg.Payload) != `{"n":1}` {
			t.Errorf("payload = %s", msg.Payload)
		}
		handled.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop(context.Background())

	if err := q.Publish(ctx, "t.ok", map[string]int{"n": 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return handled.Load() == 1 })

	// Acked: nothing left pending.
	waitFor(t, 3*time.Second, func() bool {
		pending, _, err := q.Depth(ctx)
		return err == nil && pending == 0
	})
}

func TestRetryThenSucceed(t *testing.T) {
	q, _ := newTestQueue(t, Config{
		Workers:      1,
		PollInterval: 20 * time.Millisecond,
		RetryBase:    10 * time.Millisecond,
		MaxAttempts:  5,
	})

	var calls atomic.Int32
	q.Handle("t.flaky", func(ctx context.Context, msg store.Message) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop(context.Background())

	if err := q.Publish(ctx, "t.flaky", struct{}{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return calls.Load() >= 3 })
	waitFor(t, 3*time.Second, func() bool {
		pending, dead, err := q.Depth(ctx)
		return err == nil && pending == 0 && dead == 0
	})
}

func TestExhaustedRetriesParkAsDead(t *testing.T) {
	q, _ := newTestQueue(t, Config{
		Workers:      1,
		PollInterval: 20 * time.Millisecond,
		RetryBase:    5 * time.Millisecond,
		MaxAttempts:  2,
	})

	q.Handle("t.broken", func(ctx context.Context, msg store.Message) error {
		return errors.New("always fails")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop(context.Background())

	if err := q.Publish(ctx, "t.broken", struct{}{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		pending, dead, err := q.Depth(ctx)
		return err == nil && pending == 0 && dead == 1
	})
}

func TestNoRetryDropsImmediately(t *testing.T) {
	q, _ := newTestQueue(t, Config{Workers: 1, PollInterval: 20 * time.Millisecond, MaxAttempts: 5})

	var calls atomic.Int32
	q.Handle("t.gone", func(ctx context.Context, msg store.Message) error {
		calls.Add(1)
		return NoRetry(errors.New("subject deleted"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop(context.Background())

	if err := q.Publish(ctx, "t.gone", struct{}{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		pending, dead, err := q.Depth(ctx)
		return err == nil && pending == 0 && dead == 0
	})
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", calls.Load())
	}
}

func TestPanicIsRetriedNotFatal(t *testing.T) {
	q, _ := newTestQueue(t, Config{
		Workers:      1,
		PollInterval: 20 * time.Millisecond,
		RetryBase:    5 * time.Millisecond,
		MaxAttempts:  3,
	})

	var calls atomic.Int32
	q.Handle("t.panic", func(ctx context.Context, msg store.Message) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop(context.Background())

	if err := q.Publish(ctx, "t.panic", struct{}{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return calls.Load() >= 2 })
	waitFor(t, 3*time.Second, func() bool {
		pending, dead, err := q.Depth(ctx)
		return err == nil && pending == 0 && dead == 0
	})
}

func TestStartStopCycles(t *testing.T) {
	q, _ := newTestQueue(t, Config{Workers: 4, PollInterval: 5 * time.Millisecond})
	q.Handle("t.cycle", func(ctx context.Context, msg store.Message) error { return nil })

	ctx := context.Background()
	// Rapid restart churn: every Stop must return with all workers parked,
	// even for worker goroutines that get scheduled after Stop ran.
	for i := 0; i < 20; i++ {
		q.Start(ctx)
		done := make(chan struct{})
		go func() {
			q.Stop(context.Background())
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Stop did not return; worker stuck on stale stop channel")
		}
	}

	// The queue still works after restart churn.
	var handled atomic.Int32
	q.Handle("t.cycle", func(ctx context.Context, msg store.Message) error {
		handled.Add(1)
		return nil
	})
	q.Start(ctx)
	defer q.Stop(context.Background())
	if err := q.Publish(ctx, "t.cycle", map[string]int{"n": 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return handled.Load() == 1 })
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second, RetryJitter: 0.2}.withDefaults()
	rng := rand.New(rand.NewSource(1))

	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(cfg, attempt, rng)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive delay %v", attempt, d)
		}
		if d > time.Duration(float64(cfg.RetryMaxDelay)*1.2)+time.Millisecond {
			t.Fatalf("attempt %d: delay %v exceeds jittered cap", attempt, d)
		}
	}
}
