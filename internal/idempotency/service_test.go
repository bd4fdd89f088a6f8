package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCachedWithinTTL(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	var calls int
	fn := func(context.Context) (string, error) {
		calls++
		return fmt.Sprintf("result-%d", calls), nil
	}

	first, err := s.Execute(ctx, "send", "", []string{"u1", "hello"}, fn)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Execute(ctx, "send", "", []string{"u1", "hello"}, fn)
	if err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Errorf("fn ran %d times, want 1", calls)
	}
	if first != second || first != "result-1" {
		t.Errorf("results diverged: %q vs %q", first, second)
	}
}

func TestDistinctKeysDoNotCollide(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	var calls int
	fn := func(context.Context) (string, error) {
		calls++
		return "ok", nil
	}

	s.Execute(ctx, "send", "", []string{"u1", "hello"}, fn)
	s.Execute(ctx, "send", "", []string{"u2", "hello"}, fn)
	s.Execute(ctx, "post", "", []string{"u1", "hello"}, fn)

	if calls != 3 {
		t.Errorf("fn ran %d times, want 3", calls)
	}
}

func TestExplicitKeyWins(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	var calls int
	fn := func(context.Context) (string, error) {
		calls++
		return "ok", nil
	}

	s.Execute(ctx, "send", "order-42", []string{"completely"}, fn)
	s.Execute(ctx, "send", "order-42", []string{"different", "parts"}, fn)

	if calls != 1 {
		t.Errorf("explicit key should dedupe regardless of parts, fn ran %d times", calls)
	}
}

func TestExpiryReexecutes(t *testing.T) {
	s := New(Config{Enabled: true, TTL: time.Minute, MaxEntries: 10})
	now := time.Now()
	s.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()

	var calls int
	fn := func(context.Context) (string, error) {
		calls++
		return "ok", nil
	}

	s.Execute(ctx, "send", "k", nil, fn)
	now = now.Add(2 * time.Minute)
	s.Execute(ctx, "send", "k", nil, fn)

	if calls != 2 {
		t.Errorf("fn ran %d times, want 2 after expiry", calls)
	}
}

func TestDisabledNeverCaches(t *testing.T) {
	s := New(Config{Enabled: false})
	ctx := context.Background()

	var calls int
	fn := func(context.Context) (string, error) {
		calls++
		return "ok", nil
	}

	s.Execute(ctx, "send", "k", nil, fn)
	s.Execute(ctx, "send", "k", nil, fn)

	if calls != 2 {
		t.Errorf("disabled service ran fn %d times, want 2", calls)
	}
	if s.Len() != 0 {
		t.Error("disabled service cached an entry")
	}
}

func TestErrorsNotCached(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}

	if _, err := s.Execute(ctx, "send", "k", nil, fn); err == nil {
		t.Fatal("expected first call to fail")
	}
	result, err := s.Execute(ctx, "send", "k", nil, fn)
	if err != nil || result != "ok" {
		t.Errorf("retry after error: result=%q err=%v", result, err)
	}
}

func TestConcurrentCallsCollapse(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	const n = 20
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			r, err := s.Execute(ctx, "send", "k", nil, fn)
			if err != nil {
				t.Error(err)
			}
			results[idx] = r
		}(i)
	}

	// Let followers pile up behind the leader, then release it.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fn ran %d times, want exactly 1", got)
	}
	for i, r := range results {
		if r != "shared" {
			t.Errorf("results[%d] = %q", i, r)
		}
	}
}

func TestEviction(t *testing.T) {
	s := New(Config{Enabled: true, TTL: time.Hour, MaxEntries: 2})
	ctx := context.Background()
	fn := func(context.Context) (string, error) { return "ok", nil }

	s.Execute(ctx, "t", "a", nil, fn)
	s.Execute(ctx, "t", "b", nil, fn)
	s.Execute(ctx, "t", "a", nil, fn) // touch a
	s.Execute(ctx, "t", "c", nil, fn) // evicts b

	if s.Len() != 2 {
		t.Errorf("len = %d, want 2", s.Len())
	}
}
