package rag

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func graphFixture(t *testing.T) (string, *fakeExtractor) {
	t.Helper()
	dir := t.TempDir()
	extractor := &fakeExtractor{entities: map[string][]Entity{
		"tensorrt 部署指南":  {{Name: "TensorRT", Type: "tool"}},
		"mmdeploy 总览":    {{Name: "MMDeploy", Type: "project"}},
		"mmdeploy 安装步骤":  {{Name: "MMDeploy", Type: "project"}},
		"如何用 mmdeploy":   {{Name: "MMDeploy", Type: "project"}},
		"tensorrt 怎么配置":  {{Name: "TensorRT", Type: "tool"}},
	}}

	b := NewGraphBuilder(dir, 64, extractor, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, b.AddDocument(ctx, "deploy.md", "tensorrt 部署指南"))
	require.NoError(t, b.AddDocument(ctx, "overview.md", "mmdeploy 总览"))
	require.NoError(t, b.AddDocument(ctx, "install.md", "mmdeploy 安装步骤"))
	return dir, extractor
}

func TestGraphAvailability(t *testing.T) {
	dir, _ := graphFixture(t)
	assert.False(t, GraphAvailable(dir))

	b := NewGraphBuilder(dir, 64, &fakeExtractor{}, zap.NewNop())
	require.NoError(t, b.Materialize())
	assert.True(t, GraphAvailable(dir))
}

func TestLoadGraphMissing(t *testing.T) {
	g, err := LoadGraph(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestMaterializeIdempotent(t *testing.T) {
	dir, _ := graphFixture(t)
	b := NewGraphBuilder(dir, 64, &fakeExtractor{}, zap.NewNop())

	require.NoError(t, b.Materialize())
	first, err := os.ReadFile(filepath.Join(dir, graphFile))
	require.NoError(t, err)

	require.NoError(t, b.Materialize())
	second, err := os.ReadFile(filepath.Join(dir, graphFile))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestGraphRetrieve(t *testing.T) {
	dir, extractor := graphFixture(t)
	b := NewGraphBuilder(dir, 64, extractor, zap.NewNop())
	require.NoError(t, b.Materialize())

	g, err := LoadGraph(dir, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, g)

	matches := g.Retrieve(context.Background(), "如何用 mmdeploy", extractor)
	require.Len(t, matches, 2)
	// 命中数相同时按来源名排序，两篇各命中一个分块
	assert.Equal(t, "install.md", matches[0].SourceFile)
	assert.Equal(t, "overview.md", matches[1].SourceFile)

	// 查询抽不出已知实体：空结果不是错误
	assert.Empty(t, g.Retrieve(context.Background(), "今天天气如何", extractor))

	// nil 图谱可安全查询
	var nilGraph *Graph
	assert.Empty(t, nilGraph.Retrieve(context.Background(), "mmdeploy", extractor))
}

func TestGraphRetrieveAscendingBySpecificity(t *testing.T) {
	dir := t.TempDir()
	extractor := &fakeExtractor{entities: map[string][]Entity{
		"a 段落一": {{Name: "kw", Type: "t"}},
		"a 段落二": {{Name: "kw", Type: "t"}},
		"b 段落":  {{Name: "kw", Type: "t"}},
		"查 kw":  {{Name: "kw", Type: "t"}},
	}}
	b := NewGraphBuilder(dir, 8, extractor, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, b.AddDocument(ctx, "generic.md", "a 段落一"))
	require.NoError(t, b.AddDocument(ctx, "generic.md", "a 段落二"))
	require.NoError(t, b.AddDocument(ctx, "specific.md", "b 段落"))
	require.NoError(t, b.Materialize())

	g, err := LoadGraph(dir, zap.NewNop())
	require.NoError(t, err)

	matches := g.Retrieve(ctx, "查 kw", extractor)
	require.Len(t, matches, 2)
	// 命中最少的文档排最前
	assert.Equal(t, "specific.md", matches[0].SourceFile)
	assert.Len(t, matches[0].Chunks, 1)
	assert.Equal(t, "generic.md", matches[1].SourceFile)
	assert.Len(t, matches[1].Chunks, 2)
}
