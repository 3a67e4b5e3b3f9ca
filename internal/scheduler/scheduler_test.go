package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerTicksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int64
	s := New(Options{Name: "test", Interval: 10 * time.Millisecond}, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, now time.Time) error {
			if ticks.Add(1) >= 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run 应以 context.Canceled 结束: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未在预期时间内退出")
	}

	if ticks.Load() < 3 {
		t.Fatalf("应至少执行 3 次 tick, 实际 %d", ticks.Load())
	}
}

func TestSchedulerSkipsBacklogWhenLate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int64
	s := New(Options{Name: "slow", Interval: 10 * time.Millisecond}, zerolog.Nop())

	go func() {
		_ = s.Run(ctx, func(ctx context.Context, now time.Time) error {
			ticks.Add(1)
			// 单次执行横跨多个间隔。
			time.Sleep(35 * time.Millisecond)
			return nil
		})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	// 200ms / 10ms = 20 个名义间隔；慢 tick 应跳过积压而不是补跑。
	if n := ticks.Load(); n > 8 {
		t.Fatalf("积压的 tick 不应补跑, 实际执行 %d 次", n)
	}
}

func TestSchedulerTickErrorDoesNotStopLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int64
	s := New(Options{Name: "erring", Interval: 10 * time.Millisecond}, zerolog.Nop())

	go func() {
		_ = s.Run(ctx, func(ctx context.Context, now time.Time) error {
			ticks.Add(1)
			return errors.New("boom")
		})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	if ticks.Load() < 2 {
		t.Fatalf("tick 报错后循环应继续, 实际执行 %d 次", ticks.Load())
	}
}

func TestGroupStopWaitsForLoops(t *testing.T) {
	g := NewGroup(zerolog.Nop())

	var ticks atomic.Int64
	g.Add(Options{Name: "a", Interval: 10 * time.Millisecond}, func(ctx context.Context, now time.Time) error {
		ticks.Add(1)
		return nil
	})
	g.Add(Options{Name: "b", Interval: 10 * time.Millisecond}, func(ctx context.Context, now time.Time) error {
		ticks.Add(1)
		return nil
	})

	g.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	g.Stop()

	after := ticks.Load()
	if after < 2 {
		t.Fatalf("两个 loop 都应执行过, 实际 %d", after)
	}

	// Stop 之后不再有新 tick。
	time.Sleep(30 * time.Millisecond)
	if ticks.Load() != after {
		t.Fatalf("Stop 后不应继续执行: %d → %d", after, ticks.Load())
	}
}
