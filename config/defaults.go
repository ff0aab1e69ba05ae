package config

import (
	"time"

	"github.com/InternLM/HuixiangDou-sub000/llm"
	"github.com/InternLM/HuixiangDou-sub000/llm/embedding"
	"github.com/InternLM/HuixiangDou-sub000/llm/rerank"
	"github.com/InternLM/HuixiangDou-sub000/rag"
)

// DefaultConfig 返回可直接起服务的默认配置（模型密钥除外）。
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8888,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       10,
		},
		LLM:       llm.DefaultConfig(),
		Embedding: embedding.DefaultConfig(),
		Rerank:    rerank.DefaultConfig(),
		Store: StoreConfig{
			WorkDir:          "workdir",
			CacheSize:        rag.DefaultCacheSize,
			RejectThrottle:   0.35,
			EnableKG:         true,
			ContextMaxLength: 16000,
		},
		Build: rag.DefaultBuilderConfig(),
		Pipeline: PipelineConfig{
			MinQueryLength:      4,
			IsQuestionThreshold: 6,
			RelevanceThreshold:  5,
			NonAnswerThreshold:  8,
			SecurityThreshold:   3,
			EnableCoreference:   false,
			HistoryWindow:       8,
		},
		WebSearch: WebSearchConfig{
			Enable:      false,
			Endpoint:    "https://google.serper.dev/search",
			MaxArticles: 4,
			Timeout:     15 * time.Second,
		},
		Redis: RedisConfig{
			TTL: 6 * time.Hour,
		},
		History: HistoryConfig{
			Path: "huixiangdou.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "huixiangdou",
			SampleRate:  1.0,
		},
	}
}
