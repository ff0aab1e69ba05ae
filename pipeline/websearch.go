package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/InternLM/HuixiangDou-sub000/config"
	"github.com/InternLM/HuixiangDou-sub000/internal/cache"
	"github.com/InternLM/HuixiangDou-sub000/internal/metrics"
	"github.com/InternLM/HuixiangDou-sub000/llm"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

// ===== 搜索接口 =====

// Searcher 网络搜索：输入关键字，返回抓好正文的文章列表。
type Searcher interface {
	Search(ctx context.Context, keywords string) ([]cache.Article, error)
}

// SerperSearcher 基于 serper.dev 风格 API 的搜索实现：先调搜索
// 接口拿 organic 结果，再逐条抓取网页正文。抓正文失败回落到摘要。
type SerperSearcher struct {
	cfg    config.WebSearchConfig
	client *http.Client
	logger *zap.Logger
}

// NewSerperSearcher 创建搜索客户端。
func NewSerperSearcher(cfg config.WebSearchConfig, logger *zap.Logger) *SerperSearcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SerperSearcher{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "web_search")),
	}
}

type serperRequest struct {
	Query string `json:"q"`
	Num   int    `json:"num,omitempty"`
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Search 调搜索 API 并抓取正文。各篇文章并发抓取，返回顺序与
// 搜索结果顺序一致。
func (s *SerperSearcher) Search(ctx context.Context, keywords string) ([]cache.Article, error) {
	max := s.cfg.MaxArticles
	if max <= 0 {
		max = 4
	}

	payload, err := json.Marshal(serperRequest{Query: keywords, Num: max})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search API returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	if len(parsed.Organic) > max {
		parsed.Organic = parsed.Organic[:max]
	}

	articles := make([]cache.Article, len(parsed.Organic))
	g, gctx := errgroup.WithContext(ctx)
	for i, hit := range parsed.Organic {
		i, hit := i, hit
		g.Go(func() error {
			content := s.fetchBody(gctx, hit.Link)
			if content == "" {
				content = hit.Snippet
			}
			articles[i] = cache.Article{
				URL:     hit.Link,
				Title:   hit.Title,
				Content: content,
				Fetched: time.Now(),
			}
			return nil
		})
	}
	_ = g.Wait()

	// 正文和摘要都空的条目没有利用价值，原地压缩掉
	kept := articles[:0]
	for _, a := range articles {
		if a.Content != "" {
			kept = append(kept, a)
		}
	}
	return kept, nil
}

// fetchBody 抓网页并抽取段落文本。任何失败都只记日志返回空串，
// 由调用方回落到搜索摘要。
func (s *SerperSearcher) fetchBody(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("article fetch failed", zap.String("url", url), zap.Error(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		s.logger.Debug("article parse failed", zap.String("url", url), zap.Error(err))
		return ""
	}
	doc.Find("script, style, nav, header, footer").Remove()

	var sb strings.Builder
	doc.Find("p").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	})
	return strings.TrimSpace(sb.String())
}

// ===== 网络搜索阶段 =====

// webSearchStage 网络搜索兜底：知识库没答好时，提关键字搜网络、
// 逐篇判相关与安全，用合格文章重新生成回答。
type webSearchStage struct {
	client   llm.Client
	searcher Searcher
	articles *cache.ArticleCache
	web      config.WebSearchConfig
	store    config.StoreConfig
	cfg      config.PipelineConfig
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func (s *webSearchStage) Name() string { return "web_search" }

func (s *webSearchStage) Run(ctx context.Context, sess *types.Session) Transition {
	if sess.Code == types.Success {
		return proceed()
	}
	if !s.web.Enable || s.searcher == nil {
		return proceed()
	}

	keywords, err := s.client.Complete(ctx, fmt.Sprintf(promptKeywords, sess.Query.Text), nil)
	if err != nil {
		s.logger.Warn("keyword extraction failed", zap.Error(err))
		return proceedWith(types.WebSearchFail)
	}
	keywords = strings.TrimSpace(strings.Trim(strings.TrimSpace(keywords), `"“”`))
	if keywords == "" {
		return halt(types.NoTopic)
	}
	sess.SetDebug("web_keywords", keywords)

	articles, err := s.lookup(ctx, keywords)
	if err != nil {
		s.logger.Warn("web search failed", zap.String("keywords", keywords), zap.Error(err))
		return proceedWith(types.WebSearchFail)
	}
	if len(articles) == 0 {
		return proceedWith(types.NoSearchResult)
	}

	usable := s.filterArticles(ctx, sess.Query.Text, articles)
	if len(usable) == 0 {
		return proceedWith(types.NoSearchResult)
	}

	packed, refs := packArticles(usable, s.store.ContextMaxLength)
	answer, err := s.client.Complete(ctx, fmt.Sprintf(promptGenerate, packed, sess.Query.Text), sess.History)
	if err != nil {
		s.logger.Warn("web answer generation failed", zap.Error(err))
		return proceedWith(types.WebSearchFail)
	}

	sess.Response = answer
	sess.References = refs
	return proceedWith(types.Success)
}

// lookup 先查文章缓存，未命中再真正发起搜索并回填缓存。
func (s *webSearchStage) lookup(ctx context.Context, keywords string) ([]cache.Article, error) {
	if s.articles != nil {
		cached, err := s.articles.Get(ctx, keywords)
		if err == nil {
			if s.metrics != nil {
				s.metrics.RecordCacheHit("articles")
			}
			return cached, nil
		}
		if !cache.IsCacheMiss(err) {
			s.logger.Warn("article cache lookup failed", zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.RecordCacheMiss("articles")
		}
	}

	articles, err := s.searcher.Search(ctx, keywords)
	if err != nil {
		return nil, err
	}
	if s.articles != nil && len(articles) > 0 {
		if err := s.articles.Set(ctx, keywords, articles); err != nil {
			s.logger.Warn("article cache store failed", zap.Error(err))
		}
	}
	return articles, nil
}

// filterArticles 并发给每篇文章打关联分和安全分，保留相关且
// 安全的，顺序跟随搜索结果顺序。
func (s *webSearchStage) filterArticles(ctx context.Context, query string, articles []cache.Article) []cache.Article {
	keep := make([]bool, len(articles))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, article := range articles {
		i, article := i, article
		g.Go(func() error {
			sample := truncateUTF8(article.Content, relevanceSampleLength)
			relevance := llm.Score(gctx, s.client,
				fmt.Sprintf(promptRelevance, query, sample), nil, defaultRelevanceScore)
			if relevance < s.cfg.RelevanceThreshold {
				return nil
			}
			security := llm.Score(gctx, s.client,
				fmt.Sprintf(promptSecurity, sample), nil, defaultSecurityScore)
			if s.cfg.SecurityThreshold > 0 && security >= s.cfg.SecurityThreshold {
				s.logger.Info("article rejected by security check", zap.String("url", article.URL))
				return nil
			}
			mu.Lock()
			keep[i] = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var usable []cache.Article
	for i, ok := range keep {
		if ok {
			usable = append(usable, articles[i])
		}
	}
	return usable
}

// packArticles 按搜索结果顺序装填文章正文直到预算用尽，返回
// 拼好的材料和引用 URL 列表。
func packArticles(articles []cache.Article, budget int) (string, []string) {
	if budget <= 0 {
		budget = 16000
	}

	var sb strings.Builder
	var refs []string
	for _, a := range articles {
		if sb.Len() >= budget {
			break
		}
		content := truncateUTF8(a.Content, budget-sb.Len())
		sb.WriteString(content)
		sb.WriteString("\n\n")
		refs = append(refs, a.URL)
	}
	return strings.TrimSpace(sb.String()), refs
}

// truncateUTF8 把 s 截断到不超过 n 字节，截断点退到字符边界，
// 避免切出半个多字节字符。
func truncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
