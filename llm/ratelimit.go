package llm

import (
	"context"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// WindowLimiter 按"每分钟请求数 + 每分钟 token 数"限流。
// 滚动窗口是一个显式小结构（窗口起点 + 两个计数），每次调用时重算，
// 不依赖任何全局状态；每个后端客户端各持有一个实例。
//
// 预算耗尽时 Wait 挂起到窗口翻转，而不是返回错误。
type WindowLimiter struct {
	mu sync.Mutex

	rpm int // <=0 表示不限
	tpm int // <=0 表示不限

	windowStart time.Time
	requests    int
	tokens      int

	// window 固定一分钟；测试时可缩短。
	window time.Duration
	now    func() time.Time
}

// NewWindowLimiter 创建限流器。rpm/tpm 任一为 0 表示该维度不限。
func NewWindowLimiter(rpm, tpm int) *WindowLimiter {
	return &WindowLimiter{
		rpm:    rpm,
		tpm:    tpm,
		window: time.Minute,
		now:    time.Now,
	}
}

// Wait 占用一次请求额度和 tokens 个 token 额度。
// 当前窗口预算不足时阻塞到窗口翻转；ctx 取消时提前返回。
func (l *WindowLimiter) Wait(ctx context.Context, tokens int) error {
	for {
		l.mu.Lock()
		now := l.now()
		if now.Sub(l.windowStart) >= l.window {
			l.windowStart = now
			l.requests = 0
			l.tokens = 0
		}

		rpmOK := l.rpm <= 0 || l.requests < l.rpm
		tpmOK := l.tpm <= 0 || l.tokens+tokens <= l.tpm
		// 单条超大请求永远放行，否则会死等。
		if l.tpm > 0 && tokens > l.tpm && l.tokens == 0 {
			tpmOK = true
		}

		if rpmOK && tpmOK {
			l.requests++
			l.tokens += tokens
			l.mu.Unlock()
			return nil
		}

		wait := l.windowStart.Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tokenCounter 统计 prompt 的 token 数，供 TPM 限流使用。
// tiktoken 初始化失败时退化为按 4 字符一个 token 估算。
type tokenCounter struct {
	enc *tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &tokenCounter{}
	}
	return &tokenCounter{enc: enc}
}

func (c *tokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return len(text)/4 + 1
	}
	return len(c.enc.Encode(text, nil, nil))
}
