package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type testJob struct {
	id int
}

func (testJob) Kind() string { return "test" }

func nopHandler(_ context.Context, _ testJob) error {
	return nil
}

var errTransient = errors.New("transient")

func TestPoolBasicEnqueueProcess(t *testing.T) {
	var processed int64
	handler := func(_ context.Context, _ testJob) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}

	p, err := New(Config{Name: "t", Workers: 4, QueueDepth: 100, MaxRetries: 3, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())

	for i := 0; i < 50; i++ {
		if !p.Enqueue(testJob{id: i}) {
			t.Fatalf("enqueue %d dropped with room in the queue", i)
		}
	}
	p.Stop()

	if got := atomic.LoadInt64(&processed); got != 50 {
		t.Errorf("expected 50 processed, got %d", got)
	}
}

func TestPoolDropOnFullBuffer(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	handler := func(_ context.Context, _ testJob) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	p, err := New(Config{Workers: 1, QueueDepth: 2, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())

	p.Enqueue(testJob{id: 1})
	<-started // worker now holds job 1
	if !p.Enqueue(testJob{id: 2}) || !p.Enqueue(testJob{id: 3}) {
		t.Fatal("queue of depth 2 should accept two jobs")
	}
	if p.Enqueue(testJob{id: 4}) {
		t.Error("enqueue on a full queue should drop")
	}
	if p.Depth() != 2 {
		t.Errorf("Depth = %d, want 2", p.Depth())
	}

	close(release)
	p.Stop()
}

func TestPoolEnqueueAfterStop(t *testing.T) {
	p, err := New(Config{Workers: 1, QueueDepth: 2}, nopHandler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	p.Stop()
	if p.Enqueue(testJob{}) {
		t.Error("enqueue after Stop should report a drop")
	}
	p.Stop() // second Stop is a no-op
}

func TestPoolStopDrains(t *testing.T) {
	var processed int64
	handler := func(_ context.Context, _ testJob) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}
	p, err := New(Config{Workers: 2, QueueDepth: 100}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())

	for i := 0; i < 10; i++ {
		p.Enqueue(testJob{id: i})
	}
	p.Stop()

	if got := atomic.LoadInt64(&processed); got != 10 {
		t.Errorf("Stop() should drain all jobs, processed=%d", got)
	}
}

func TestPoolRetryThenSucceed(t *testing.T) {
	var attempts int64
	handler := func(_ context.Context, _ testJob) error {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return errTransient
		}
		return nil
	}

	p, err := New(Config{Workers: 1, QueueDepth: 10, MaxRetries: 5, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	p.Enqueue(testJob{})
	p.Stop()

	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestPoolMaxRetries(t *testing.T) {
	cases := []struct {
		maxRetries int
		want       int64
	}{
		{0, 1},
		{2, 3},
	}
	for _, c := range cases {
		var attempts int64
		handler := func(_ context.Context, _ testJob) error {
			atomic.AddInt64(&attempts, 1)
			return errTransient
		}
		p, err := New(Config{Workers: 1, QueueDepth: 10, MaxRetries: c.maxRetries, RetryBase: time.Millisecond}, handler, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}
		p.Start(context.Background())
		p.Enqueue(testJob{})
		p.Stop()

		if got := atomic.LoadInt64(&attempts); got != c.want {
			t.Errorf("MaxRetries=%d: expected %d attempts, got %d", c.maxRetries, c.want, got)
		}
	}
}

func TestPoolInvalidConfig(t *testing.T) {
	if _, err := New(Config{Workers: 0}, nopHandler, zerolog.Nop()); err == nil {
		t.Error("expected error for 0 workers")
	}
	if _, err := New(Config{Workers: 65}, nopHandler, zerolog.Nop()); err == nil {
		t.Error("expected error for 65 workers")
	}
	if _, err := New[testJob](Config{Workers: 1}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestPoolContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int64
	handler := func(_ context.Context, _ testJob) error {
		atomic.AddInt64(&calls, 1)
		cancel()
		return errTransient
	}

	p, err := New(Config{Workers: 1, QueueDepth: 10, MaxRetries: 5, RetryBase: 200 * time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(ctx)
	p.Enqueue(testJob{})

	time.Sleep(50 * time.Millisecond)
	p.Stop()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("context cancel during backoff: expected 1 handler call, got %d", got)
	}
}

func TestBackoffCapped(t *testing.T) {
	p, _ := New(Config{Workers: 1, RetryBase: time.Second}, nopHandler, zerolog.Nop())
	if d := p.backoff(0); d != time.Second {
		t.Errorf("backoff(0) = %s", d)
	}
	if d := p.backoff(3); d != 8*time.Second {
		t.Errorf("backoff(3) = %s", d)
	}
	if d := p.backoff(20); d != time.Minute {
		t.Errorf("backoff(20) = %s, want cap 1m", d)
	}
}
