package broker

import (
	"context"
	"testing"
	"time"
)

func TestAcquireImmediateUnderLimit(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(5, 8, 15)

	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := rl.Acquire(context.Background(), CategoryOrders); err != nil {
			t.Fatalf("Acquire() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Acquire() took %v, expected immediate (call %d)", elapsed, i)
		}
	}
}

func TestAcquireBlocksWhenWindowFull(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(2, 8, 15)
	ctx := context.Background()

	// Fill the window.
	_ = rl.Acquire(ctx, CategoryOrders)
	_ = rl.Acquire(ctx, CategoryOrders)

	// Third call must wait until the oldest timestamp ages out (~1s).
	start := time.Now()
	if err := rl.Acquire(ctx, CategoryOrders); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 800*time.Millisecond {
		t.Errorf("expected ~1s block, got %v", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestAcquireNeverExceedsWindowRate(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(10, 8, 15)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 12; i++ {
		if err := rl.Acquire(ctx, CategoryOrders); err != nil {
			t.Fatal(err)
		}
		if rate := rl.CurrentRate(CategoryOrders); rate > 10 {
			t.Fatalf("current rate %d exceeds limit 10 after call %d", rate, i)
		}
	}
	// 12 calls through a 10/s window cannot finish inside one second.
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("12 acquires finished in %v, want ≥ 1s", elapsed)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, 8, 15)

	_ = rl.Acquire(context.Background(), CategoryOrders)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := rl.Acquire(ctx, CategoryOrders); err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestCategoriesIndependent(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, 8, 15)
	ctx := context.Background()

	// Exhaust orders; live_data must remain immediate.
	_ = rl.Acquire(ctx, CategoryOrders)

	start := time.Now()
	if err := rl.Acquire(ctx, CategoryLiveData); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("live_data acquire stalled by orders bucket: %v", elapsed)
	}
}

func TestUnknownCategory(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(10, 8, 15)
	if err := rl.Acquire(context.Background(), "bulk_orders"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestStatsTrackDelays(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(2, 8, 15)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := rl.Acquire(ctx, CategoryOrders); err != nil {
			t.Fatal(err)
		}
	}

	stats := rl.Stats()[CategoryOrders]
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.Delayed != 1 {
		t.Errorf("Delayed = %d, want 1", stats.Delayed)
	}

	rl.ResetStats()
	if got := rl.Stats()[CategoryOrders].Total; got != 0 {
		t.Errorf("Total after reset = %d, want 0", got)
	}
}

func TestNearLimit(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(10, 8, 15)
	ctx := context.Background()

	if rl.NearLimit(CategoryOrders) {
		t.Error("NearLimit true on empty bucket")
	}
	for i := 0; i < 8; i++ {
		_ = rl.Acquire(ctx, CategoryOrders)
	}
	if !rl.NearLimit(CategoryOrders) {
		t.Error("NearLimit false at 8/10 usage")
	}
}
