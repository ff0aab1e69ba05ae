package rag

import (
	"context"
	"crypto/sha256"
	"math"

	"github.com/InternLM/HuixiangDou-sub000/types"
)

// fakeEmbedder 按文本查表返回向量，表里没有的文本给
// 由哈希派生的确定性单位向量。
type fakeEmbedder struct {
	dim     int
	vectors map[string][]float32
}

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{dim: dim, vectors: make(map[string][]float32)}
}

func (f *fakeEmbedder) set(text string, vec []float32) { f.vectors[text] = vec }

func (f *fakeEmbedder) Embed(_ context.Context, q types.Query) ([]float32, error) {
	key := q.Text
	if key == "" {
		key = q.Image
	}
	if vec, ok := f.vectors[key]; ok {
		return append([]float32(nil), vec...), nil
	}
	h := sha256.Sum256([]byte(key))
	vec := make([]float32, f.dim)
	var norm float64
	for i := range vec {
		vec[i] = float32(h[i%len(h)]) / 255
		norm += float64(vec[i]) * float64(vec[i])
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dim }
func (f *fakeEmbedder) Name() string    { return "fake-embedder" }

// fakeReranker 返回固定顺序，或固定错误。
type fakeReranker struct {
	order []int
	err   error
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, docs []string) ([]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.order != nil {
		return f.order, nil
	}
	order := make([]int, len(docs))
	for i := range order {
		order[i] = len(docs) - 1 - i
	}
	return order, nil
}

func (f *fakeReranker) Name() string { return "fake-reranker" }

// fakeExtractor 按文本查表返回实体。
type fakeExtractor struct {
	entities map[string][]Entity
	err      error
}

func (f *fakeExtractor) Extract(_ context.Context, text string) ([]Entity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entities[text], nil
}

// fakeChat 返回固定回复的对话客户端。
type fakeChat struct {
	reply string
	err   error
}

func (f *fakeChat) Complete(_ context.Context, _ string, _ []types.Message) (string, error) {
	return f.reply, f.err
}

func unitVec(dim, hot int) []float32 {
	vec := make([]float32, dim)
	vec[hot] = 1
	return vec
}

func textChunk(content, source string) types.Chunk {
	return types.Chunk{
		Content:  content,
		Modality: types.ModalityText,
		Metadata: map[string]string{"source": source, "read": source},
	}
}

func urlChunk(content, url string) types.Chunk {
	return types.Chunk{
		Content:  content,
		Modality: types.ModalityText,
		Metadata: map[string]string{"source": url},
	}
}
