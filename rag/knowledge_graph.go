package rag

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const (
	graphNodesFile     = "graph_nodes.jsonl"
	graphRelationsFile = "graph_relations.jsonl"
	graphFile          = "graph.json"
	graphSchemaVersion = 1
)

// NodeKind 图谱节点种类。
type NodeKind string

const (
	NodeMarkdown NodeKind = "markdown" // 来源文档
	NodeChunk    NodeKind = "chunk"    // 文本分块
	NodeKeyword  NodeKind = "keyword"  // 抽取出的命名实体
	NodeImage    NodeKind = "image"    // 图像分块
)

// GraphNode 图谱节点。Data 对 chunk 节点是分块文本，
// 对 keyword 节点是实体原文。
type GraphNode struct {
	Kind NodeKind `json:"kind"`
	ID   string   `json:"id"`
	Data string   `json:"data,omitempty"`
}

// GraphRelation 有向关系。Label 或者是实体类型标签，
// 或者是 "page N" 这样的位置标签（chunk -> 文档）。
type GraphRelation struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label"`
}

// Entity 抽取出的命名实体。
type Entity struct {
	Name string `json:"entity"`
	Type string `json:"type"`
}

// EntityExtractor 命名实体抽取函数。实现必须容忍模型输出
// 不可解析的情况：返回空结果而不是错误。
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]Entity, error)
}

// ============================================================================
// 离线构建
// ============================================================================

// GraphBuilder 离线构建图谱：逐文档分块、逐块抽实体，
// 把节点和关系追加到日志文件；Materialize 再把日志物化成
// 单个可查询的图文件。物化是幂等的，可随时从日志重放。
type GraphBuilder struct {
	dir       string
	chunkSize int
	extractor EntityExtractor
	logger    *zap.Logger
}

// NewGraphBuilder 创建图谱构建器。chunkSize <= 0 时取 768。
func NewGraphBuilder(dir string, chunkSize int, extractor EntityExtractor, logger *zap.Logger) *GraphBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chunkSize <= 0 {
		chunkSize = 768
	}
	return &GraphBuilder{
		dir:       dir,
		chunkSize: chunkSize,
		extractor: extractor,
		logger:    logger.With(zap.String("component", "knowledge_graph")),
	}
}

// AddDocument 处理一篇来源文档：分块、抽实体、写日志。
// 单个分块抽取失败只记日志跳过，不中断整篇文档。
func (b *GraphBuilder) AddDocument(ctx context.Context, source, text string) error {
	nodes := []GraphNode{{Kind: NodeMarkdown, ID: source}}
	var relations []GraphRelation

	chunks := splitText(text, b.chunkSize)
	for i, chunkText := range chunks {
		chunkID := shortHash(source + chunkText)
		nodes = append(nodes, GraphNode{Kind: NodeChunk, ID: chunkID, Data: chunkText})
		// 位置标签，查询时由 chunk 走回文档
		relations = append(relations, GraphRelation{
			From:  chunkID,
			To:    source,
			Label: fmt.Sprintf("page %d", i+1),
		})

		entities, err := b.extractor.Extract(ctx, chunkText)
		if err != nil {
			b.logger.Warn("entity extraction failed, chunk skipped",
				zap.String("source", source),
				zap.Int("chunk", i),
				zap.Error(err),
			)
			continue
		}
		for _, ent := range entities {
			name := normalizeEntity(ent.Name)
			if name == "" {
				continue
			}
			nodes = append(nodes, GraphNode{Kind: NodeKeyword, ID: name, Data: ent.Name})
			relations = append(relations, GraphRelation{From: name, To: chunkID, Label: ent.Type})
		}
	}

	if err := appendJSONL(filepath.Join(b.dir, graphNodesFile), nodes); err != nil {
		return fmt.Errorf("append node log: %w", err)
	}
	if err := appendJSONL(filepath.Join(b.dir, graphRelationsFile), relations); err != nil {
		return fmt.Errorf("append relation log: %w", err)
	}

	b.logger.Info("document added to graph logs",
		zap.String("source", source),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// materializedGraph 是 graph.json 的文件结构。
type materializedGraph struct {
	SchemaVersion int             `json:"schema_version"`
	Nodes         []GraphNode     `json:"nodes"`
	Relations     []GraphRelation `json:"relations"`
}

// Materialize 从追加日志重建单个可查询图文件。
// 节点按 ID 去重，端点缺失的悬空关系被丢弃；重复运行结果一致。
func (b *GraphBuilder) Materialize() error {
	var rawNodes []GraphNode
	if err := readJSONL(filepath.Join(b.dir, graphNodesFile), func(line []byte) error {
		var n GraphNode
		if err := json.Unmarshal(line, &n); err != nil {
			return err
		}
		rawNodes = append(rawNodes, n)
		return nil
	}); err != nil {
		return fmt.Errorf("read node log: %w", err)
	}

	var rawRelations []GraphRelation
	if err := readJSONL(filepath.Join(b.dir, graphRelationsFile), func(line []byte) error {
		var r GraphRelation
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		rawRelations = append(rawRelations, r)
		return nil
	}); err != nil {
		return fmt.Errorf("read relation log: %w", err)
	}

	seen := make(map[string]bool, len(rawNodes))
	nodes := make([]GraphNode, 0, len(rawNodes))
	for _, n := range rawNodes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		nodes = append(nodes, n)
	}

	// 不变量：每条关系的两端都必须是已知节点
	relations := make([]GraphRelation, 0, len(rawRelations))
	dropped := 0
	for _, r := range rawRelations {
		if !seen[r.From] || !seen[r.To] {
			dropped++
			continue
		}
		relations = append(relations, r)
	}
	if dropped > 0 {
		b.logger.Warn("dangling relations dropped", zap.Int("count", dropped))
	}

	data, err := json.Marshal(materializedGraph{
		SchemaVersion: graphSchemaVersion,
		Nodes:         nodes,
		Relations:     relations,
	})
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	if err := atomicWrite(filepath.Join(b.dir, graphFile), data); err != nil {
		return fmt.Errorf("write graph: %w", err)
	}

	b.logger.Info("graph materialized",
		zap.Int("nodes", len(nodes)),
		zap.Int("relations", len(relations)),
	)
	return nil
}

// ============================================================================
// 查询期
// ============================================================================

// Graph 物化后的只读图谱：节点 + 邻接表。服务期间不再变更。
type Graph struct {
	nodes  map[string]GraphNode
	out    map[string][]GraphRelation
	logger *zap.Logger
}

// GraphAvailable 图谱是否可用：物化文件存在即可用。
func GraphAvailable(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, graphFile))
	return err == nil
}

// LoadGraph 加载物化图谱。文件缺失返回 (nil, nil)：图谱模式不可用。
func LoadGraph(dir string, logger *zap.Logger) (*Graph, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := os.ReadFile(filepath.Join(dir, graphFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	var m materializedGraph
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	if m.SchemaVersion != graphSchemaVersion {
		return nil, fmt.Errorf("unsupported graph schema version %d", m.SchemaVersion)
	}

	g := &Graph{
		nodes:  make(map[string]GraphNode, len(m.Nodes)),
		out:    make(map[string][]GraphRelation),
		logger: logger.With(zap.String("component", "knowledge_graph")),
	}
	for _, n := range m.Nodes {
		g.nodes[n.ID] = n
	}
	for _, r := range m.Relations {
		g.out[r.From] = append(g.out[r.From], r)
	}
	return g, nil
}

// DocMatch 一篇来源文档及其命中的分块文本。
type DocMatch struct {
	SourceFile string
	Chunks     []string
}

// Retrieve 从查询文本抽实体，沿 实体 -> 分块 -> 文档 遍历，
// 按文档聚合命中分块。结果按命中数升序：命中最少、指向最specific
// 的文档排最前，由调用方优先检查。
//
// 抽取不出实体返回空结果；单个实体遍历失败记日志跳过。
func (g *Graph) Retrieve(ctx context.Context, query string, extractor EntityExtractor) []DocMatch {
	if g == nil || extractor == nil {
		return nil
	}
	entities, err := extractor.Extract(ctx, query)
	if err != nil {
		g.logger.Warn("query entity extraction failed", zap.Error(err))
		return nil
	}

	matched := make(map[string][]string)
	for _, ent := range entities {
		name := normalizeEntity(ent.Name)
		if _, ok := g.nodes[name]; !ok {
			continue
		}
		for _, rel := range g.out[name] {
			chunkNode, ok := g.nodes[rel.To]
			if !ok || chunkNode.Kind != NodeChunk {
				g.logger.Debug("entity neighbor is not a chunk, skipped",
					zap.String("entity", name),
					zap.String("to", rel.To),
				)
				continue
			}
			for _, up := range g.out[chunkNode.ID] {
				if !strings.HasPrefix(up.Label, "page ") {
					continue
				}
				matched[up.To] = append(matched[up.To], chunkNode.Data)
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}

	results := make([]DocMatch, 0, len(matched))
	for src, chunks := range matched {
		results = append(results, DocMatch{SourceFile: src, Chunks: chunks})
	}
	sort.Slice(results, func(i, j int) bool {
		if len(results[i].Chunks) != len(results[j].Chunks) {
			return len(results[i].Chunks) < len(results[j].Chunks)
		}
		return results[i].SourceFile < results[j].SourceFile
	})
	return results
}

// ============================================================================
// 帮助函数
// ============================================================================

// splitText 按固定预算（rune 计）切块，尽量在换行处断开。
func splitText(text string, size int) []string {
	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= size {
			chunks = append(chunks, string(runes))
			break
		}
		cut := size
		for i := size - 1; i > size/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

func normalizeEntity(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:8])
}

func appendJSONL[T any](path string, items []T) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
