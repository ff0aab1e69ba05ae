package rag

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/llm/embedding"
	"github.com/InternLM/HuixiangDou-sub000/llm/rerank"
)

// DefaultCacheSize 缓存的检索器实例数上限。
const DefaultCacheSize = 4

type cacheEntry struct {
	once       sync.Once
	retriever  *Retriever
	err        error
	lastAccess time.Time
}

// CacheOptions 检索器缓存的共享依赖。
// 向量模型和重排模型加载昂贵且与具体知识库无关，
// 全部缓存条目共用同一份句柄。
type CacheOptions struct {
	Embedder  embedding.Embedder
	Reranker  rerank.Reranker
	Extractor EntityExtractor
	EnableKG  bool
	Size      int
	Logger    *zap.Logger
}

// Cache 知识库 id -> 检索器 的 LRU 缓存。
// 索引加载是主要延迟来源，缓存只为省这一步；
// 未命中时透明地现场构建，调用方不感知。
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	size      int
	baseDir   string
	embedder  embedding.Embedder
	reranker  rerank.Reranker
	extractor EntityExtractor
	enableKG  bool
	logger    *zap.Logger
	now       func() time.Time
}

// NewCache 创建检索器缓存。baseDir 下每个知识库一个子目录。
func NewCache(baseDir string, opts CacheOptions) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := opts.Size
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{
		entries:   make(map[string]*cacheEntry),
		size:      size,
		baseDir:   baseDir,
		embedder:  opts.Embedder,
		reranker:  opts.Reranker,
		extractor: opts.Extractor,
		enableKG:  opts.EnableKG,
		logger:    logger.With(zap.String("component", "retriever_cache")),
		now:       time.Now,
	}
}

// Get 返回知识库对应的检索器，未命中时从磁盘加载。
// 超出容量先淘汰最久未访问的条目并释放其索引内存。
//
// 索引加载是主要延迟来源，放在锁外进行：命中方只在锁内更新
// 一次访问时间，不会被别的知识库的加载拖住；同一知识库的并发
// 未命中只加载一次，后来者等待同一份结果。
func (c *Cache) Get(kbID string, rejectThrottle float32) (*Retriever, error) {
	c.mu.Lock()
	entry, ok := c.entries[kbID]
	if !ok {
		if len(c.entries) >= c.size {
			c.evictOldest()
		}
		entry = &cacheEntry{}
		c.entries[kbID] = entry
	}
	entry.lastAccess = c.now()
	c.mu.Unlock()

	entry.once.Do(func() {
		r, err := LoadRetriever(filepath.Join(c.baseDir, kbID), RetrieverOptions{
			Embedder:       c.embedder,
			Reranker:       c.reranker,
			Extractor:      c.extractor,
			RejectThrottle: rejectThrottle,
			EnableKG:       c.enableKG,
			Logger:         c.logger,
		})
		// 结果在锁内发布：淘汰路径也在锁内读这两个字段
		c.mu.Lock()
		entry.retriever, entry.err = r, err
		c.mu.Unlock()
		if err == nil {
			c.logger.Info("retriever loaded", zap.String("kb_id", kbID))
		}
	})
	if entry.err != nil {
		// 失败条目不留在缓存里，下次访问重试加载
		c.mu.Lock()
		if c.entries[kbID] == entry {
			delete(c.entries, kbID)
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("load retriever for %q: %w", kbID, entry.err)
	}
	return entry.retriever, nil
}

// Pop 强制淘汰一个知识库的检索器（比如重建索引之后）。
func (c *Cache) Pop(kbID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[kbID]; ok {
		if entry.retriever != nil {
			entry.retriever.Release()
		}
		delete(c.entries, kbID)
		c.logger.Info("retriever evicted", zap.String("kb_id", kbID))
	}
}

// Len 当前缓存条目数。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest 淘汰最久未访问的条目。调用方持锁。
func (c *Cache) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, entry := range c.entries {
		if oldestID == "" || entry.lastAccess.Before(oldest) {
			oldestID = id
			oldest = entry.lastAccess
		}
	}
	if oldestID != "" {
		// 还在加载中的条目没有检索器可释放，摘掉即可
		if r := c.entries[oldestID].retriever; r != nil {
			r.Release()
		}
		delete(c.entries, oldestID)
		c.logger.Info("oldest retriever evicted", zap.String("kb_id", oldestID))
	}
}
