package reliability

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketImmediateAcquire(t *testing.T) {
	b := NewTokenBucket(5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := b.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
			t.Errorf("acquire %d blocked for %v", i, elapsed)
		}
	}
}

func TestTokenBucketSuspendsWhenDrained(t *testing.T) {
	rate := 20
	b := NewTokenBucket(rate)
	ctx := context.Background()

	for i := 0; i < rate; i++ {
		if err := b.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	// The (C+1)-th acquire must suspend at least 1/R seconds.
	start := time.Now()
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("acquire after drain: %v", err)
	}
	minWait := time.Second / time.Duration(rate)
	if elapsed := time.Since(start); elapsed < minWait/2 {
		t.Errorf("expected to wait >= %v, waited %v", minWait, elapsed)
	}
}

func TestTokenBucketBounds(t *testing.T) {
	b := NewTokenBucket(3)
	ctx := context.Background()

	// Tokens never exceed the cap even after idling.
	time.Sleep(50 * time.Millisecond)
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if tokens := b.Tokens(); tokens < 0 || tokens > 3 {
		t.Errorf("tokens out of bounds: %f", tokens)
	}
}

func TestTokenBucketDrainedAfterForcedWait(t *testing.T) {
	b := NewTokenBucket(50)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := b.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("acquire after drain: %v", err)
	}
	// After a forced wait the bucket is treated as drained.
	if tokens := b.Tokens(); tokens != 0 {
		t.Errorf("expected drained bucket, got %f tokens", tokens)
	}
}

func TestTokenBucketAcquireCancellation(t *testing.T) {
	b := NewTokenBucket(1)
	ctx := context.Background()

	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Acquire(cctx); err == nil {
		t.Fatalf("expected context error on cancelled acquire")
	}
}
