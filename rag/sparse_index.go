package rag

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/types"
)

const (
	sparseIndexFile     = "sparse.json"
	sparseSchemaVersion = 1

	// 最高分低于该值视为"词法检索无命中"。
	sparseScoreEpsilon = 1e-6
)

// BM25Okapi 词法索引。Okapi BM25 变体：
// idf = ln(N - df + 0.5) - ln(df + 0.5)，负 idf 钳到 epsilon * |平均idf|，
// 避免高频词拿到负权重或零权重。
//
// 所有统计量（corpus_size、avgdl、doc_freqs、idf、doc_len、documents）
// 整体持久化为一个原子 blob。
type BM25Okapi struct {
	K1      float64 `json:"k1"`
	B       float64 `json:"b"`
	Epsilon float64 `json:"epsilon"`

	CorpusSize int                `json:"corpus_size"`
	AvgDL      float64            `json:"avgdl"`
	DocFreqs   []map[string]int   `json:"doc_freqs"` // 每个文档的词频
	IDF        map[string]float64 `json:"idf"`
	DocLen     []int              `json:"doc_len"`
	Documents  [][]string         `json:"documents"` // 分词后的文档
	Chunks     []types.Chunk      `json:"chunks"`

	logger *zap.Logger
}

// BuildBM25 对 chunk 文本建 BM25 索引。空列表返回 nil（不可用）。
func BuildBM25(chunks []types.Chunk, logger *zap.Logger) *BM25Okapi {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(chunks) == 0 {
		logger.Warn("no chunks, sparse index not built")
		return nil
	}

	b := &BM25Okapi{
		K1:      1.5,
		B:       0.75,
		Epsilon: 0.25,
		IDF:     make(map[string]float64),
		logger:  logger.With(zap.String("component", "sparse_index")),
	}

	nd := make(map[string]int) // 词 -> 含该词的文档数
	totalLen := 0
	for _, ck := range chunks {
		tokens := Tokenize(ck.Content)
		freq := make(map[string]int, len(tokens))
		for _, t := range tokens {
			freq[t]++
		}
		for t := range freq {
			nd[t]++
		}
		b.DocFreqs = append(b.DocFreqs, freq)
		b.DocLen = append(b.DocLen, len(tokens))
		b.Documents = append(b.Documents, tokens)
		b.Chunks = append(b.Chunks, ck)
		totalLen += len(tokens)
	}
	b.CorpusSize = len(chunks)
	b.AvgDL = float64(totalLen) / float64(b.CorpusSize)

	// idf 主公式算一遍，负值单独收集后统一钳底
	var idfSum float64
	var negative []string
	for t, df := range nd {
		idf := math.Log(float64(b.CorpusSize)-float64(df)+0.5) - math.Log(float64(df)+0.5)
		b.IDF[t] = idf
		idfSum += idf
		if idf < 0 {
			negative = append(negative, t)
		}
	}
	// 词表以高频词为主时平均 idf 本身为负，取绝对值保证钳底为正
	averageIDF := idfSum / float64(len(b.IDF))
	eps := b.Epsilon * math.Abs(averageIDF)
	for _, t := range negative {
		b.IDF[t] = eps
	}

	b.logger.Info("sparse index built",
		zap.Int("documents", b.CorpusSize),
		zap.Float64("avgdl", b.AvgDL),
		zap.Int("vocabulary", len(b.IDF)),
	)
	return b
}

// Scores 对全部文档计算 query 的 BM25 得分。
func (b *BM25Okapi) Scores(queryTokens []string) []float64 {
	if b == nil {
		return nil
	}
	scores := make([]float64, b.CorpusSize)
	for _, t := range queryTokens {
		idf, ok := b.IDF[t]
		if !ok {
			continue
		}
		for d := 0; d < b.CorpusSize; d++ {
			tf := float64(b.DocFreqs[d][t])
			if tf == 0 {
				continue
			}
			denom := tf + b.K1*(1-b.B+b.B*float64(b.DocLen[d])/b.AvgDL)
			scores[d] += idf * (tf * (b.K1 + 1)) / denom
		}
	}
	return scores
}

// TopN 返回得分最高的 n 个 chunk，零分文档不算命中。
// 最高分约等于 0（低于 epsilon）时视为无词法命中，返回空。
func (b *BM25Okapi) TopN(query string, n int) []ScoredChunk {
	if b == nil || n <= 0 {
		return nil
	}
	scores := b.Scores(Tokenize(query))

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return scores[order[i]] > scores[order[j]] })

	if len(order) == 0 || scores[order[0]] < sparseScoreEpsilon {
		return nil
	}
	if n > len(order) {
		n = len(order)
	}
	results := make([]ScoredChunk, 0, n)
	for _, d := range order[:n] {
		// 降序排列，首个零分之后全是零分
		if scores[d] < sparseScoreEpsilon {
			break
		}
		results = append(results, ScoredChunk{Chunk: b.Chunks[d], Score: float32(scores[d])})
	}
	return results
}

type sparseBlob struct {
	SchemaVersion int `json:"schema_version"`
	*BM25Okapi
}

// Save 把全部统计量写成一个原子 blob。
func (b *BM25Okapi) Save(path string) error {
	if b == nil {
		return fmt.Errorf("sparse index not built")
	}
	data, err := json.Marshal(sparseBlob{SchemaVersion: sparseSchemaVersion, BM25Okapi: b})
	if err != nil {
		return fmt.Errorf("marshal sparse index: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("write sparse index: %w", err)
	}
	return nil
}

// LoadBM25 重载索引。文件缺失返回 (nil, nil)：词法模式不可用。
func LoadBM25(path string, logger *zap.Logger) (*BM25Okapi, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sparse index: %w", err)
	}
	var blob sparseBlob
	blob.BM25Okapi = &BM25Okapi{}
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("unmarshal sparse index: %w", err)
	}
	if blob.SchemaVersion != sparseSchemaVersion {
		return nil, fmt.Errorf("unsupported sparse index schema version %d", blob.SchemaVersion)
	}
	b := blob.BM25Okapi
	b.logger = logger.With(zap.String("component", "sparse_index"))
	return b, nil
}
