package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy 重试策略：有界次数的指数退避 + 随机抖动。
type RetryPolicy struct {
	MaxRetries   int           // 最大重试次数（0 表示不重试）
	InitialDelay time.Duration // 初始延迟
	MaxDelay     time.Duration // 延迟上限
	Multiplier   float64       // 指数倍增因子
	Jitter       bool          // 随机抖动（防止雪崩）
}

// DefaultRetryPolicy 适用于大部分远端 LLM 调用场景。
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// retryCompletion 执行 fn，瞬时错误按策略重试。
// 非瞬时错误（鉴权、参数）直接返回，不消耗重试次数。
func retryCompletion(ctx context.Context, policy *RetryPolicy, logger *zap.Logger, fn func() (string, error)) (string, error) {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := policy.delay(attempt)
			logger.Debug("retrying llm call",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("retry canceled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		text, err := fn()
		if err == nil {
			return text, nil
		}
		lastErr = err

		if !isTransient(err) {
			return "", err
		}
	}

	return "", fmt.Errorf("llm call failed after %d retries: %w", policy.MaxRetries, lastErr)
}

// delay 计算第 attempt 次重试前的等待时间。
func (p *RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := d * 0.25 // ±25%
		d = d + (rand.Float64()*2-1)*jitter
	}
	if d < float64(p.InitialDelay) {
		d = float64(p.InitialDelay)
	}
	return time.Duration(d)
}

// isTransient 判定错误是否值得重试：
// 标记为可重试的 *Error（429/5xx）、超时、网络连接错误。
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Retryable
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
