package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/types"
)

// Client 是流水线消费的 LLM 调用契约：prompt + 历史进，补全文本出。
// 限流与重试由实现负责，调用方只需要处理最终错误。
type Client interface {
	Complete(ctx context.Context, prompt string, history []types.Message) (string, error)
}

// Config OpenAI 兼容后端配置。
type Config struct {
	BaseURL     string        `yaml:"base_url" json:"base_url"`
	APIKey      string        `yaml:"api_key" json:"api_key"`
	Model       string        `yaml:"model" json:"model"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens"`
	Temperature float32       `yaml:"temperature" json:"temperature"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`

	// 每分钟限额，<=0 表示不限。
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	TokensPerMinute   int `yaml:"tokens_per_minute" json:"tokens_per_minute"`

	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// DefaultConfig 返回默认后端配置。
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.openai.com",
		Model:             "gpt-4o-mini",
		MaxTokens:         1024,
		Temperature:       0.1,
		Timeout:           60 * time.Second,
		RequestsPerMinute: 200,
		TokensPerMinute:   80000,
		MaxRetries:        3,
	}
}

// HTTPClient 调用 OpenAI 兼容的 /v1/chat/completions 接口。
// 限流器归客户端实例所有，不是进程级全局状态。
type HTTPClient struct {
	cfg     Config
	client  *http.Client
	limiter *WindowLimiter
	counter *tokenCounter
	retry   *RetryPolicy
	logger  *zap.Logger
}

// NewHTTPClient 创建 OpenAI 兼容客户端。
func NewHTTPClient(cfg Config, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	retry := DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}

	return &HTTPClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: NewWindowLimiter(cfg.RequestsPerMinute, cfg.TokensPerMinute),
		counter: newTokenCounter(),
		retry:   retry,
		logger:  logger.With(zap.String("component", "llm")),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete 实现 Client。先过本地限流窗口，再带重试地请求上游。
func (c *HTTPClient) Complete(ctx context.Context, prompt string, history []types.Message) (string, error) {
	messages := make([]chatMessage, 0, len(history)+1)
	budget := c.counter.Count(prompt)
	for _, m := range history {
		messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Content})
		budget += c.counter.Count(m.Content)
	}
	messages = append(messages, chatMessage{Role: string(types.RoleUser), Content: prompt})

	if err := c.limiter.Wait(ctx, budget); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	return retryCompletion(ctx, c.retry, c.logger, func() (string, error) {
		return c.doComplete(ctx, messages)
	})
}

func (c *HTTPClient) doComplete(ctx context.Context, messages []chatMessage) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/chat/completions",
		bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &Error{
			Code:       ErrUpstreamError,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   c.cfg.Model,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", mapHTTPError(resp.StatusCode, string(body), c.cfg.Model)
	}

	var cResp chatResponse
	if err := json.Unmarshal(body, &cResp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(cResp.Choices) == 0 {
		return "", fmt.Errorf("empty choices in chat response")
	}
	return cResp.Choices[0].Message.Content, nil
}
