package rag

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/llm/embedding"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

// BuilderConfig 离线建库参数。
type BuilderConfig struct {
	ChunkSize int    `json:"chunk_size" yaml:"chunk_size"`
	Metric    Metric `json:"metric" yaml:"metric"`
	EnableKG  bool   `json:"enable_kg" yaml:"enable_kg"`
}

// DefaultBuilderConfig 返回默认建库参数。
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		ChunkSize: 768,
		Metric:    MetricIP,
		EnableKG:  true,
	}
}

// Builder 离线建库：扫描文档目录、分块，产出稠密索引、
// 词法索引和（可选的）知识图谱三套落盘工件。
type Builder struct {
	cfg       BuilderConfig
	embedder  embedding.Embedder
	extractor EntityExtractor
	logger    *zap.Logger
}

// NewBuilder 创建建库器。extractor 为 nil 时跳过图谱。
func NewBuilder(cfg BuilderConfig, embedder embedding.Embedder, extractor EntityExtractor, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 768
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricIP
	}
	return &Builder{
		cfg:       cfg,
		embedder:  embedder,
		extractor: extractor,
		logger:    logger.With(zap.String("component", "builder")),
	}
}

// Build 把 docsDir 下的文档建成 workDir 下的知识库。
// 单个文档读取失败记日志跳过，不中断整次构建。
func (b *Builder) Build(ctx context.Context, docsDir, workDir string) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	var graphBuilder *GraphBuilder
	if b.cfg.EnableKG && b.extractor != nil {
		graphBuilder = NewGraphBuilder(workDir, b.cfg.ChunkSize, b.extractor, b.logger)
	}

	var chunks []types.Chunk
	err := filepath.WalkDir(docsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isTextDocument(path) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Warn("document unreadable, skipped", zap.String("path", path), zap.Error(err))
			return nil
		}
		text := string(data)

		for _, piece := range splitText(text, b.cfg.ChunkSize) {
			chunks = append(chunks, types.Chunk{
				Content:  piece,
				Modality: types.ModalityText,
				Metadata: map[string]string{"source": path, "read": path},
			})
		}
		if graphBuilder != nil {
			if err := graphBuilder.AddDocument(ctx, path, text); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan documents: %w", err)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("no documents found under %s", docsDir)
	}

	dense, err := BuildDenseIndex(ctx, chunks, b.embedder, b.cfg.Metric, b.logger)
	if err != nil {
		return fmt.Errorf("build dense index: %w", err)
	}
	if err := dense.Save(
		filepath.Join(workDir, denseIndexFile),
		filepath.Join(workDir, denseChunksFile),
	); err != nil {
		return err
	}

	if sparse := BuildBM25(chunks, b.logger); sparse != nil {
		if err := sparse.Save(filepath.Join(workDir, sparseIndexFile)); err != nil {
			return err
		}
	}

	if graphBuilder != nil {
		if err := graphBuilder.Materialize(); err != nil {
			return fmt.Errorf("materialize graph: %w", err)
		}
	}

	b.logger.Info("knowledge base built",
		zap.String("docs", docsDir),
		zap.String("work_dir", workDir),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

func isTextDocument(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".txt", ".rst":
		return true
	default:
		return false
	}
}
