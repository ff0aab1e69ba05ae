package rag

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/llm/embedding"
	"github.com/InternLM/HuixiangDou-sub000/llm/rerank"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

// MaxQueryLength 检索查询文本的最大长度（rune）。超长截断。
const MaxQueryLength = 512

// graphDeltaWeight 图谱证据对拒答阈值的最大下调幅度。
// 经验常数：delta = 0.2 * min(100, 命中文档数) / 100。
const graphDeltaWeight = 0.2

// RetrieverOptions 构造检索器的依赖与开关。
// Embedder 必填；Reranker、Extractor 可空（对应能力降级）。
type RetrieverOptions struct {
	Embedder       embedding.Embedder
	Reranker       rerank.Reranker
	Extractor      EntityExtractor
	RejectThrottle float32
	EnableKG       bool
	Logger         *zap.Logger
}

// Retriever 把稠密检索、图谱加成和拒答阈值捏合成接受/拒绝判定
// 与上下文装配。索引内容服务期间只读；索引指针（Release 会清）
// 和 rejectThrottle（标定会写）可变，都挂在同一把读写锁下。
type Retriever struct {
	embedder  embedding.Embedder
	reranker  rerank.Reranker
	extractor EntityExtractor
	enableKG  bool

	mu             sync.RWMutex
	dense          *DenseIndex
	sparse         *BM25Okapi
	graph          *Graph
	rejectThrottle float32

	logger *zap.Logger
}

// indexes 取当前索引指针的快照。在途查询在快照上完成，
// 与并发的 Release 互不干扰。
func (r *Retriever) indexes() (*DenseIndex, *BM25Okapi, *Graph) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dense, r.sparse, r.graph
}

// LoadRetriever 从知识库目录加载全部索引并组装检索器。
// 稠密索引加载失败是错误；词法索引和图谱加载失败只降级：
// 记日志后按不可用处理，稠密检索照常服务。
func LoadRetriever(workDir string, opts RetrieverOptions) (*Retriever, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "retriever"))

	dense, err := LoadDenseIndex(
		filepath.Join(workDir, denseIndexFile),
		filepath.Join(workDir, denseChunksFile),
		logger,
	)
	if err != nil {
		return nil, err
	}
	if dense == nil {
		logger.Warn("dense index unavailable", zap.String("dir", workDir))
	}

	sparse, err := LoadBM25(filepath.Join(workDir, sparseIndexFile), logger)
	if err != nil {
		logger.Warn("sparse index load failed, degraded", zap.Error(err))
		sparse = nil
	}

	graph, err := LoadGraph(workDir, logger)
	if err != nil {
		logger.Warn("knowledge graph load failed, degraded", zap.Error(err))
		graph = nil
	}

	return &Retriever{
		dense:          dense,
		sparse:         sparse,
		graph:          graph,
		embedder:       opts.Embedder,
		reranker:       opts.Reranker,
		extractor:      opts.Extractor,
		enableKG:       opts.EnableKG,
		rejectThrottle: opts.RejectThrottle,
		logger:         logger,
	}, nil
}

// RejectThrottle 当前拒答阈值。
func (r *Retriever) RejectThrottle() float32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rejectThrottle
}

// SetRejectThrottle 更新拒答阈值（标定完成后调用）。
func (r *Retriever) SetRejectThrottle(v float32) {
	r.mu.Lock()
	r.rejectThrottle = v
	r.mu.Unlock()
}

// Release 释放索引内存。缓存淘汰时调用，之后新查询按索引
// 不可用处理；已在途的查询在各自的快照上正常完成。
func (r *Retriever) Release() {
	r.mu.Lock()
	r.dense = nil
	r.sparse = nil
	r.graph = nil
	r.mu.Unlock()
}

// graphDelta 图谱证据带来的阈值下调量。图谱关闭或不可用时恒为 0。
func (r *Retriever) graphDelta(ctx context.Context, text string, enableKG bool, graph *Graph) float32 {
	if !enableKG || graph == nil || r.extractor == nil {
		return 0
	}
	matches := graph.Retrieve(ctx, text, r.extractor)
	hits := len(matches)
	if hits > 100 {
		hits = 100
	}
	return graphDeltaWeight * float32(hits) / 100
}

// IsRelative 判定查询是否在知识库范围内。
// effective_threshold = reject_throttle - graph_delta：
// 图谱证据只会放宽准入，不会收紧。返回判定与最佳相似度。
//
// enableThreshold 为 false 时不设下限（阈值 -1），只给标定用。
func (r *Retriever) IsRelative(ctx context.Context, text string, enableKG, enableThreshold bool) (bool, float32, error) {
	dense, _, graph := r.indexes()
	if dense == nil || strings.TrimSpace(text) == "" {
		return false, 0, nil
	}
	vec, err := r.embedder.Embed(ctx, types.Query{Text: text})
	if err != nil {
		return false, 0, err
	}

	threshold := float32(-1)
	if enableThreshold {
		threshold = r.RejectThrottle() - r.graphDelta(ctx, text, enableKG, graph)
	}
	results := dense.Search(vec, 1, threshold)
	if len(results) == 0 {
		return false, 0, nil
	}
	return true, results[0].Score, nil
}

// Text2VecRetrieve 返回通过有效阈值的全部 chunk，相似度降序。
func (r *Retriever) Text2VecRetrieve(ctx context.Context, text string) ([]types.Chunk, error) {
	dense, _, graph := r.indexes()
	if dense == nil || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, types.Query{Text: text})
	if err != nil {
		return nil, err
	}
	threshold := r.RejectThrottle() - r.graphDelta(ctx, text, r.enableKG, graph)
	results := dense.Search(vec, 0, threshold)

	chunks := make([]types.Chunk, 0, len(results))
	for _, res := range results {
		chunks = append(chunks, res.Chunk)
	}
	return chunks, nil
}

// RerankFuse 重排 chunk 并装配定长上下文。
// 返回 (chunk 文本拼接, 装配后的 context, 去重后的来源引用)。
func (r *Retriever) RerankFuse(ctx context.Context, text string, chunks []types.Chunk, contextMaxLength int) (string, string, []string) {
	if len(chunks) == 0 {
		return "", "", nil
	}

	ordered := r.rerankChunks(ctx, text, chunks)

	parts := make([]string, 0, len(ordered))
	for _, ck := range ordered {
		parts = append(parts, ck.Content)
	}
	chunksStr := strings.Join(parts, "\n\n")

	context, references := packContext(ordered, contextMaxLength, r.logger)
	return chunksStr, context, references
}

// rerankChunks 按重排器给出的相关度降序重排。
// 重排器缺失或调用失败时保持原顺序（稠密相似度降序），记日志。
func (r *Retriever) rerankChunks(ctx context.Context, text string, chunks []types.Chunk) []types.Chunk {
	if r.reranker == nil || len(chunks) < 2 {
		return chunks
	}
	docs := make([]string, len(chunks))
	for i, ck := range chunks {
		docs[i] = ck.Content
	}
	indices, err := r.reranker.Rerank(ctx, text, docs)
	if err != nil {
		r.logger.Warn("rerank failed, keeping dense order", zap.Error(err))
		return chunks
	}

	ordered := make([]types.Chunk, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(chunks) {
			continue
		}
		ordered = append(ordered, chunks[i])
	}
	if len(ordered) == 0 {
		return chunks
	}
	return ordered
}

// packContext 贪心装配上下文：按重排顺序拼接来源全文，
// 每个来源最多贡献一次。第一个放不下的来源改为截取剩余预算
// 大小的窗口——窗口以命中 chunk 在原文中的位置为中心，原文里
// 找不到 chunk 文本时退回从 0 开始——追加后停止。
// 最终 context 硬截断到预算内；全部切口都落在 rune 边界上，
// 中文来源不会被截出半个字符。引用返回去重后的文件名。
func packContext(ordered []types.Chunk, budget int, logger *zap.Logger) (string, []string) {
	if budget <= 0 {
		return "", nil
	}

	var sb strings.Builder
	var references []string
	seen := make(map[string]bool)

	for _, ck := range ordered {
		source := ck.Source()
		if source == "" || seen[source] {
			continue
		}
		seen[source] = true

		full := sourceText(ck, logger)
		remain := budget - sb.Len()
		if len(full) > remain {
			sb.WriteString(windowAround(full, ck.Content, remain))
			references = append(references, ck.SourceBase())
			break
		}
		sb.WriteString(full)
		references = append(references, ck.SourceBase())
	}

	context := sb.String()
	if len(context) > budget {
		context = context[:runeStart(context, budget)]
	}
	return context, dedupStrings(references)
}

// windowAround 从 full 里截取长不超过 budget 的窗口，以 chunk
// 文本的出现位置为中心。找不到时窗口从 0 开始。窗口两端回退到
// rune 边界。
func windowAround(full, chunk string, budget int) string {
	if budget >= len(full) {
		return full
	}
	start := 0
	if idx := strings.Index(full, chunk); idx >= 0 {
		start = idx - (budget-len(chunk))/2
		if start < 0 {
			start = 0
		}
	}
	if start+budget > len(full) {
		start = len(full) - budget
	}
	start = runeStart(full, start)
	end := runeStart(full, start+budget)
	return full[start:end]
}

// runeStart 把字节下标 i 回退到 rune 起始边界。
func runeStart(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// sourceText 取来源全文：文件来源读取其备份路径，
// URL 来源直接用 chunk 文本；读取失败也退回 chunk 文本。
func sourceText(ck types.Chunk, logger *zap.Logger) string {
	if ck.FromURL() {
		return ck.Content
	}
	path := ck.ReadPath()
	if path == "" {
		return ck.Content
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("source file unreadable, using chunk text",
			zap.String("path", path),
			zap.Error(err),
		)
		return ck.Content
	}
	return string(data)
}

func dedupStrings(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, s := range items {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Query 组合检索：Text2VecRetrieve + RerankFuse。
// 稠密索引不可用或查询文本为空时立即返回空结果。
// 超长查询截断到 MaxQueryLength 并告警。
func (r *Retriever) Query(ctx context.Context, text string, contextMaxLength int) (string, string, []string, error) {
	if runes := []rune(text); len(runes) > MaxQueryLength {
		r.logger.Warn("query truncated",
			zap.Int("length", len(runes)),
			zap.Int("max", MaxQueryLength),
		)
		text = string(runes[:MaxQueryLength])
	}
	if dense, _, _ := r.indexes(); dense == nil || strings.TrimSpace(text) == "" {
		return "", "", nil, nil
	}

	chunks, err := r.Text2VecRetrieve(ctx, text)
	if err != nil {
		return "", "", nil, err
	}
	if len(chunks) == 0 {
		return "", "", nil, nil
	}
	chunksStr, context, references := r.RerankFuse(ctx, text, chunks, contextMaxLength)
	return chunksStr, context, references, nil
}

// KeywordSearch 词法检索，供来源文档兜底阶段使用。
// 词法索引不可用时返回空。
func (r *Retriever) KeywordSearch(query string, n int) []types.Chunk {
	_, sparse, _ := r.indexes()
	if sparse == nil {
		return nil
	}
	hits := sparse.TopN(query, n)
	chunks := make([]types.Chunk, 0, len(hits))
	for _, h := range hits {
		chunks = append(chunks, h.Chunk)
	}
	return chunks
}
