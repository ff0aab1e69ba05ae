// Package huixiangdou provides a top-level convenience entry point for
// embedding the assistant into another Go program with minimal boilerplate.
//
// Usage:
//
//	import "github.com/InternLM/HuixiangDou-sub000"
//
//	assistant, err := huixiangdou.New(cfg, huixiangdou.WithLogger(logger))
//	sess := assistant.Ask(ctx, "wechat-group-1", "mmdeploy 怎么安装？")
//
// This is a thin wrapper around the pipeline and retriever cache; services
// that need the HTTP gateway should run cmd/huixiangdou instead.
package huixiangdou

import (
	"context"

	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/config"
	"github.com/InternLM/HuixiangDou-sub000/llm"
	"github.com/InternLM/HuixiangDou-sub000/llm/embedding"
	"github.com/InternLM/HuixiangDou-sub000/llm/rerank"
	"github.com/InternLM/HuixiangDou-sub000/pipeline"
	"github.com/InternLM/HuixiangDou-sub000/rag"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

// Assistant 是嵌入式的问答助手：一条判定流水线加一个检索器缓存。
type Assistant struct {
	pipe       *pipeline.Pipeline
	retrievers *rag.Cache
}

// Option configures the assistant created by [New].
type Option func(*options)

type options struct {
	logger   *zap.Logger
	client   llm.Client
	searcher pipeline.Searcher
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClient 注入自定义对话模型客户端，默认按配置创建 HTTP 客户端。
func WithClient(client llm.Client) Option {
	return func(o *options) { o.client = client }
}

// WithSearcher 注入自定义网络搜索实现。
func WithSearcher(searcher pipeline.Searcher) Option {
	return func(o *options) { o.searcher = searcher }
}

// New creates an [Assistant] from the given configuration.
func New(cfg *config.Config, opts ...Option) (*Assistant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.client == nil {
		o.client = llm.NewHTTPClient(cfg.LLM, o.logger)
	}
	if o.searcher == nil && cfg.WebSearch.Enable {
		o.searcher = pipeline.NewSerperSearcher(cfg.WebSearch, o.logger)
	}

	var extractor rag.EntityExtractor
	if cfg.Store.EnableKG {
		extractor = rag.NewLLMExtractor(o.client, o.logger)
	}
	retrievers := rag.NewCache(cfg.Store.WorkDir, rag.CacheOptions{
		Embedder:  embedding.NewHTTPProvider(cfg.Embedding),
		Reranker:  rerank.NewHTTPProvider(cfg.Rerank),
		Extractor: extractor,
		EnableKG:  cfg.Store.EnableKG,
		Size:      cfg.Store.CacheSize,
		Logger:    o.logger,
	})

	pipe := pipeline.New(pipeline.Options{
		Config:     cfg,
		Client:     o.client,
		Retrievers: retrievers,
		Searcher:   o.searcher,
		Logger:     o.logger,
	})

	return &Assistant{pipe: pipe, retrievers: retrievers}, nil
}

// Ask 处理一次群聊提问，groupID 同时选择对应的知识库。
func (a *Assistant) Ask(ctx context.Context, groupID, query string, history ...types.Message) *types.Session {
	return a.pipe.Process(ctx, groupID, types.Query{Text: query}, history)
}
