package llm

import (
	"context"
	"testing"
	"time"
)

func TestWindowLimiter_RPMWithinBudget(t *testing.T) {
	t.Parallel()

	l := NewWindowLimiter(3, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx, 10); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if l.requests != 3 {
		t.Fatalf("expected 3 requests recorded, got %d", l.requests)
	}
}

func TestWindowLimiter_BlocksUntilWindowRolls(t *testing.T) {
	t.Parallel()

	l := NewWindowLimiter(1, 0)
	l.window = 50 * time.Millisecond

	ctx := context.Background()
	if err := l.Wait(ctx, 1); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	start := time.Now()
	if err := l.Wait(ctx, 1); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected second Wait to block until window rollover, blocked only %v", elapsed)
	}
}

func TestWindowLimiter_ContextCancel(t *testing.T) {
	t.Parallel()

	l := NewWindowLimiter(1, 0)
	ctx := context.Background()
	if err := l.Wait(ctx, 1); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(cctx, 1); err == nil {
		t.Fatal("expected context error while budget exhausted")
	}
}

func TestWindowLimiter_OversizedRequestPasses(t *testing.T) {
	t.Parallel()

	// 单条超过 TPM 的请求在空窗口时直接放行，避免永久死等
	l := NewWindowLimiter(0, 100)
	if err := l.Wait(context.Background(), 1000); err != nil {
		t.Fatalf("oversized request should pass on empty window: %v", err)
	}
}

func TestTokenCounter(t *testing.T) {
	t.Parallel()

	c := newTokenCounter()
	if got := c.Count(""); got != 0 {
		t.Fatalf("empty text should count 0, got %d", got)
	}
	if got := c.Count("如何安装这个软件？"); got <= 0 {
		t.Fatalf("expected positive token count, got %d", got)
	}
}
