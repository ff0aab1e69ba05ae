package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/config"
	"github.com/InternLM/HuixiangDou-sub000/internal/cache"
	"github.com/InternLM/HuixiangDou-sub000/rag"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

// scriptedChat 按提示词内容分发回复的假模型：每类提示词用各自
// 固定的回复，同时记录收到的全部提示词供断言。
type scriptedChat struct {
	mu      sync.Mutex
	prompts []string

	isQuestion string
	coref      string
	relevance  string
	nonAnswer  string
	security   string
	keywords   string
	answer     string
	genErr     error
}

func newScriptedChat() *scriptedChat {
	return &scriptedChat{
		isQuestion: "10",
		relevance:  "10",
		nonAnswer:  "0",
		security:   "0",
		keywords:   "mmdeploy 安装",
		answer:     "运行 pip install mmdeploy 即可。",
	}
}

func (c *scriptedChat) Complete(_ context.Context, prompt string, _ []types.Message) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()

	switch {
	case strings.Contains(prompt, "疑问句"):
		return c.isQuestion, nil
	case strings.Contains(prompt, "指代消解"):
		return c.coref, nil
	case strings.Contains(prompt, "关联度"):
		return c.relevance, nil
	case strings.Contains(prompt, "表达自己不知道"):
		return c.nonAnswer, nil
	case strings.Contains(prompt, "违禁内容"):
		return c.security, nil
	case strings.Contains(prompt, "谷歌搜索"):
		return c.keywords, nil
	case strings.Contains(prompt, "参考材料"):
		if c.genErr != nil {
			return "", c.genErr
		}
		return c.answer, nil
	}
	return "", nil
}

// sawPrompt 报告是否收到过包含 marker 的提示词。
func (c *scriptedChat) sawPrompt(marker string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.prompts {
		if strings.Contains(p, marker) {
			return true
		}
	}
	return false
}

// stubEmbedder 查表返回向量；没登记的文本落到保留维 e3 上。
// 全部文档向量只占前三维，保证未登记查询与任何文档正交，
// 不会误过拒答阈值。
type stubEmbedder struct {
	vectors map[string][]float32
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: make(map[string][]float32)}
}

func (e *stubEmbedder) set(text string, v []float32) {
	e.vectors[text] = normalize4(v)
}

func (e *stubEmbedder) Embed(_ context.Context, q types.Query) ([]float32, error) {
	if v, ok := e.vectors[q.Text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func (e *stubEmbedder) Dimensions() int { return 4 }
func (e *stubEmbedder) Name() string    { return "stub" }

func normalize4(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

const (
	installDoc = "安装步骤：pip install mmdeploy"
	deployDoc  = "部署指南 deployment"
	faqDoc     = "常见问题 faq"
)

// buildTestPipelineKB 在 baseDir/<kbID> 下建一个三篇文档的知识库，
// 返回建库用的嵌入器。安装文档向量为 e0，登记的查询向量靠近它。
func buildTestPipelineKB(t *testing.T, baseDir, kbID string) *stubEmbedder {
	t.Helper()

	emb := newStubEmbedder()
	emb.set(installDoc, []float32{1, 0, 0, 0})
	emb.set(deployDoc, []float32{0, 1, 0, 0})
	emb.set(faqDoc, []float32{0, 0, 1, 0})
	emb.set("如何安装 mmdeploy", []float32{0.97, 0.1, 0, 0})

	docsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "install.md"), []byte(installDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "deploy.md"), []byte(deployDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "faq.md"), []byte(faqDoc), 0o644))

	cfg := rag.DefaultBuilderConfig()
	cfg.EnableKG = false
	b := rag.NewBuilder(cfg, emb, nil, zap.NewNop())
	require.NoError(t, b.Build(context.Background(), docsDir, filepath.Join(baseDir, kbID)))
	return emb
}

// newTestPipeline 组装一条默认配置的测试流水线。mutate 非空时在
// 组装前修改配置。
func newTestPipeline(t *testing.T, chat *scriptedChat, searcher Searcher, web config.WebSearchConfig, mutate func(*config.Config)) (*Pipeline, *config.Config) {
	t.Helper()

	baseDir := t.TempDir()
	emb := buildTestPipelineKB(t, baseDir, "g1")

	cfg := config.DefaultConfig()
	cfg.Store.WorkDir = baseDir
	cfg.Store.RejectThrottle = 0.3
	cfg.Store.ContextMaxLength = 4096
	cfg.Pipeline.MinQueryLength = 4
	cfg.Pipeline.IsQuestionThreshold = 6
	cfg.Pipeline.RelevanceThreshold = 6
	cfg.Pipeline.NonAnswerThreshold = 8
	cfg.Pipeline.SecurityThreshold = 3
	cfg.Pipeline.EnableCoreference = false
	cfg.WebSearch = web
	if mutate != nil {
		mutate(cfg)
	}

	retrievers := rag.NewCache(baseDir, rag.CacheOptions{
		Embedder: emb,
		Logger:   zap.NewNop(),
	})

	p := New(Options{
		Config:     cfg,
		Client:     chat,
		Retrievers: retrievers,
		Searcher:   searcher,
		Logger:     zap.NewNop(),
	})
	return p, cfg
}

// fakeSearcher 返回固定文章列表或固定错误。
type fakeSearcher struct {
	articles []cache.Article
	err      error
	queries  []string
}

func (s *fakeSearcher) Search(_ context.Context, keywords string) ([]cache.Article, error) {
	s.queries = append(s.queries, keywords)
	if s.err != nil {
		return nil, s.err
	}
	return s.articles, nil
}
