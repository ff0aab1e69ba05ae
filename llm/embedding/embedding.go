// Package embedding 提供 embed(text|image) -> 向量 的能力接口。
// 后端种类在构造时根据模型名一次性解析为显式枚举，
// 不在调用路径上做字符串匹配分发。
package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/InternLM/HuixiangDou-sub000/types"
)

// Kind 后端种类。
type Kind string

const (
	// KindText 纯文本向量模型（bce/bge/openai 文本系）。
	KindText Kind = "text"
	// KindVisual 支持图文的多模态向量模型（bge-vl/clip 系）。
	KindVisual Kind = "visual"
)

// ResolveKind 根据模型名解析后端种类，只在构造时调用一次。
func ResolveKind(model string) Kind {
	name := strings.ToLower(model)
	if strings.Contains(name, "vl") || strings.Contains(name, "visual") || strings.Contains(name, "clip") {
		return KindVisual
	}
	return KindText
}

// Embedder 把查询或文档映射到定维向量。
// 对相同输入必须确定，维度在实例生命周期内固定。
type Embedder interface {
	Embed(ctx context.Context, q types.Query) ([]float32, error)
	Dimensions() int
	Name() string
}

// Config HTTP 后端配置。
type Config struct {
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	APIKey     string        `yaml:"api_key" json:"api_key"`
	Model      string        `yaml:"model" json:"model"`
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig 返回默认向量后端配置。
func DefaultConfig() Config {
	return Config{
		Model:      "bce-embedding-base_v1",
		Dimensions: 768,
		Timeout:    30 * time.Second,
	}
}

// HTTPProvider 调用 OpenAI 兼容的 /v1/embeddings 接口。
type HTTPProvider struct {
	cfg    Config
	kind   Kind
	client *http.Client
}

// NewHTTPProvider 创建 HTTP 向量后端。
func NewHTTPProvider(cfg Config) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		cfg:    cfg,
		kind:   ResolveKind(cfg.Model),
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string    { return p.cfg.Model }
func (p *HTTPProvider) Dimensions() int { return p.cfg.Dimensions }
func (p *HTTPProvider) Kind() Kind      { return p.kind }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed 实现 Embedder。文本直接发送；图像读文件转 base64，
// 仅 KindVisual 后端支持。
func (p *HTTPProvider) Embed(ctx context.Context, q types.Query) ([]float32, error) {
	input := q.Text
	if q.Image != "" {
		if p.kind != KindVisual {
			return nil, fmt.Errorf("embedder %s does not accept image input", p.cfg.Model)
		}
		data, err := os.ReadFile(q.Image)
		if err != nil {
			return nil, fmt.Errorf("read image %s: %w", q.Image, err)
		}
		input = base64.StdEncoding.EncodeToString(data)
	}
	if input == "" {
		return nil, fmt.Errorf("empty embedding input")
	}

	payload, _ := json.Marshal(embeddingRequest{
		Model: p.cfg.Model,
		Input: []string{input},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/embeddings",
		bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding error: status=%d body=%s", resp.StatusCode, string(body))
	}

	var eResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&eResp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(eResp.Data) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}

	vec := make([]float32, len(eResp.Data[0].Embedding))
	for i, v := range eResp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	if p.cfg.Dimensions > 0 && len(vec) != p.cfg.Dimensions {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d want %d", len(vec), p.cfg.Dimensions)
	}
	return vec, nil
}
