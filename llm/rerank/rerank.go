// Package rerank 提供 rerank(query, docs) -> 有序下标 的能力接口，
// 对接 TEI/Cohere 风格的 HTTP 重排服务。
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Reranker 按与 query 的相关性对候选文本重排，
// 返回按相关性降序的原始下标，可按 TopN 截断。
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]int, error)
	Name() string
}

// Config HTTP 重排后端配置。
type Config struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"api_key"`
	Model   string        `yaml:"model" json:"model"`
	TopN    int           `yaml:"top_n" json:"top_n"` // <=0 表示不截断
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig 返回默认重排后端配置。
func DefaultConfig() Config {
	return Config{
		Model:   "bce-reranker-base_v1",
		TopN:    7,
		Timeout: 30 * time.Second,
	}
}

// HTTPProvider 调用 /v1/rerank 接口（TEI / Cohere 兼容）。
type HTTPProvider struct {
	cfg    Config
	client *http.Client
}

// NewHTTPProvider 创建 HTTP 重排后端。
func NewHTTPProvider(cfg Config) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return p.cfg.Model }

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank 实现 Reranker。
func (p *HTTPProvider) Rerank(ctx context.Context, query string, docs []string) ([]int, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	payload, _ := json.Marshal(rerankRequest{
		Model:     p.cfg.Model,
		Query:     query,
		Documents: docs,
		TopN:      p.cfg.TopN,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/rerank",
		bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank error: status=%d body=%s", resp.StatusCode, string(body))
	}

	var rResp rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rResp); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	// 上游通常已按相关性降序，这里再排一次保证契约。
	sort.SliceStable(rResp.Results, func(i, j int) bool {
		return rResp.Results[i].RelevanceScore > rResp.Results[j].RelevanceScore
	})

	indices := make([]int, 0, len(rResp.Results))
	for _, r := range rResp.Results {
		if r.Index < 0 || r.Index >= len(docs) {
			continue
		}
		indices = append(indices, r.Index)
	}
	if p.cfg.TopN > 0 && len(indices) > p.cfg.TopN {
		indices = indices[:p.cfg.TopN]
	}
	return indices, nil
}
