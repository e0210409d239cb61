package ratelimit

import (
	"context"
	"testing"
	"time"
)

// TestAllowBurst tests that a fresh bucket admits up to its burst capacity.
func TestAllowBurst(t *testing.T) {
	tb := NewTokenBucket(3, 3)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("Allow() call %d = false, want true (burst)", i+1)
		}
	}
	if tb.Allow() {
		t.Errorf("Allow() after burst = true, want false")
	}
}

// TestRefill tests that tokens return at the configured rate.
func TestRefill(t *testing.T) {
	tb := NewTokenBucket(100, 1) // 10ms당 1토큰

	if !tb.Allow() {
		t.Fatalf("first Allow() = false, want true")
	}
	if tb.Allow() {
		t.Fatalf("second immediate Allow() = true, want false")
	}

	time.Sleep(15 * time.Millisecond)
	if !tb.Allow() {
		t.Errorf("Allow() after refill window = false, want true")
	}
}

// TestWaitBlocksUntilToken tests the blocking path.
func TestWaitBlocksUntilToken(t *testing.T) {
	tb := NewTokenBucket(100, 1)
	tb.Allow() // 버킷 비우기

	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 5*time.Millisecond {
		t.Errorf("Wait() returned after %v, want >= 5ms (had to wait for refill)", elapsed)
	}
}

// TestWaitRespectsContext tests cancellation while blocked.
func TestWaitRespectsContext(t *testing.T) {
	tb := NewTokenBucket(0.001, 1) // 사실상 리필 없음
	tb.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
}

// TestCapacityClamp tests that idle time cannot overfill the bucket.
func TestCapacityClamp(t *testing.T) {
	tb := NewTokenBucket(100, 2)
	time.Sleep(30 * time.Millisecond)

	allowed := 0
	for i := 0; i < 10; i++ {
		if tb.Allow() {
			allowed++
		} else {
			break
		}
	}
	if allowed != 2 {
		t.Errorf("allowed = %d, want 2 (capacity clamp)", allowed)
	}
}
