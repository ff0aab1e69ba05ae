package rag

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/llm/embedding"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

// Metric 相似度度量。
type Metric string

const (
	// MetricIP 内积。向量在入索引前做 L2 归一化，等价余弦相似度。
	MetricIP Metric = "ip"
	// MetricL2 欧氏距离，得分换算为 1/(1+dist) 以保持降序语义。
	MetricL2 Metric = "l2"
)

const (
	denseIndexFile  = "dense.bin"
	denseChunksFile = "dense_chunks.json"

	denseMagic         = "HXDI"
	denseSchemaVersion = 1
)

// ScoredChunk 搜索命中结果。
type ScoredChunk struct {
	Chunk types.Chunk
	Score float32
}

// DenseIndex 精确（暴力）最近邻索引。
// 服务期间只读，可被多个请求无锁并发搜索。
// nil 接收者表示索引不可用，Search 返回空结果而不报错。
type DenseIndex struct {
	metric  Metric
	dim     int
	vectors [][]float32
	chunks  []types.Chunk
	logger  *zap.Logger
}

// BuildDenseIndex 对每个 chunk 求向量并建索引。
// 空 chunk 列表不构建，返回 (nil, nil)：对调用方表现为"不可用"。
func BuildDenseIndex(ctx context.Context, chunks []types.Chunk, embedder embedding.Embedder, metric Metric, logger *zap.Logger) (*DenseIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(chunks) == 0 {
		logger.Warn("no chunks, dense index not built")
		return nil, nil
	}
	if metric == "" {
		metric = MetricIP
	}

	idx := &DenseIndex{
		metric: metric,
		logger: logger.With(zap.String("component", "dense_index")),
	}

	for i, ck := range chunks {
		q := types.Query{Text: ck.Content}
		if ck.Modality == types.ModalityImage {
			q = types.Query{Image: ck.Content}
		}
		vec, err := embedder.Embed(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("embed chunk %d: %w", i, err)
		}
		if idx.dim == 0 {
			idx.dim = len(vec)
		} else if len(vec) != idx.dim {
			return nil, fmt.Errorf("chunk %d: vector dim %d != index dim %d", i, len(vec), idx.dim)
		}
		if metric == MetricIP {
			normalize(vec)
		}
		idx.vectors = append(idx.vectors, vec)
		idx.chunks = append(idx.chunks, ck)
	}

	idx.logger.Info("dense index built",
		zap.Int("chunks", len(idx.chunks)),
		zap.Int("dim", idx.dim),
		zap.String("metric", string(metric)),
	)
	return idx, nil
}

// Size 返回索引里的向量数。
func (idx *DenseIndex) Size() int {
	if idx == nil {
		return 0
	}
	return len(idx.vectors)
}

// Search 返回与 query 最相似的 k 个 chunk，按相似度降序。
// threshold 过滤低于该相似度的结果；threshold 为负时不过滤
// （阈值标定时用来拿到无下限的原始得分）。
func (idx *DenseIndex) Search(query []float32, k int, threshold float32) []ScoredChunk {
	if idx == nil || len(idx.vectors) == 0 || len(query) == 0 {
		return nil
	}
	q := query
	if idx.metric == MetricIP {
		q = append([]float32(nil), query...)
		normalize(q)
	}

	results := make([]ScoredChunk, 0, len(idx.vectors))
	for i, vec := range idx.vectors {
		score := idx.similarity(q, vec)
		if threshold >= 0 && score < threshold {
			continue
		}
		results = append(results, ScoredChunk{Chunk: idx.chunks[i], Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

func (idx *DenseIndex) similarity(a, b []float32) float32 {
	switch idx.metric {
	case MetricL2:
		var sum float64
		for i := range a {
			d := float64(a[i] - b[i])
			sum += d * d
		}
		return float32(1.0 / (1.0 + math.Sqrt(sum)))
	default:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return float32(dot)
	}
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

// denseSideTable 是 索引位置 -> chunk 的侧表文件结构。
type denseSideTable struct {
	SchemaVersion int           `json:"schema_version"`
	Metric        Metric        `json:"metric"`
	Chunks        []types.Chunk `json:"chunks"`
}

// Save 落盘：二进制向量 blob + JSON 侧表，两个文件。
// 侧表里 chunk 数与向量数一致是持久化不变量。
func (idx *DenseIndex) Save(indexPath, sidePath string) error {
	if idx == nil {
		return fmt.Errorf("dense index not built")
	}

	f, err := os.Create(indexPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", indexPath, err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(denseMagic)); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	header := []uint32{denseSchemaVersion, uint32(idx.dim), uint32(len(idx.vectors))}
	for _, h := range header {
		if err := binary.Write(f, binary.LittleEndian, h); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, vec := range idx.vectors {
		if err := binary.Write(f, binary.LittleEndian, vec); err != nil {
			return fmt.Errorf("write vectors: %w", err)
		}
	}

	side, err := json.Marshal(denseSideTable{
		SchemaVersion: denseSchemaVersion,
		Metric:        idx.metric,
		Chunks:        idx.chunks,
	})
	if err != nil {
		return fmt.Errorf("marshal side table: %w", err)
	}
	if err := atomicWrite(sidePath, side); err != nil {
		return fmt.Errorf("write side table: %w", err)
	}
	return nil
}

// LoadDenseIndex 从落盘文件精确重建索引，搜索结果与保存前一致。
// 任一文件缺失返回 (nil, nil)：索引不可用但不是错误。
func LoadDenseIndex(indexPath, sidePath string, logger *zap.Logger) (*DenseIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(indexPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", indexPath, err)
	}
	defer f.Close()

	magic := make([]byte, len(denseMagic))
	if _, err := f.Read(magic); err != nil || string(magic) != denseMagic {
		return nil, fmt.Errorf("bad dense index magic in %s", indexPath)
	}
	var version, dim, count uint32
	for _, p := range []*uint32{&version, &dim, &count} {
		if err := binary.Read(f, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
	}
	if version != denseSchemaVersion {
		return nil, fmt.Errorf("unsupported dense index schema version %d", version)
	}

	vectors := make([][]float32, count)
	for i := range vectors {
		vec := make([]float32, dim)
		if err := binary.Read(f, binary.LittleEndian, vec); err != nil {
			return nil, fmt.Errorf("read vector %d: %w", i, err)
		}
		vectors[i] = vec
	}

	sideData, err := os.ReadFile(sidePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read side table: %w", err)
	}
	var side denseSideTable
	if err := json.Unmarshal(sideData, &side); err != nil {
		return nil, fmt.Errorf("unmarshal side table: %w", err)
	}
	if side.SchemaVersion != denseSchemaVersion {
		return nil, fmt.Errorf("unsupported side table schema version %d", side.SchemaVersion)
	}
	if len(side.Chunks) != int(count) {
		return nil, fmt.Errorf("side table has %d chunks, index has %d vectors", len(side.Chunks), count)
	}

	return &DenseIndex{
		metric:  side.Metric,
		dim:     int(dim),
		vectors: vectors,
		chunks:  side.Chunks,
		logger:  logger.With(zap.String("component", "dense_index")),
	}, nil
}

// atomicWrite 先写临时文件再重命名，避免读到半个文件。
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
