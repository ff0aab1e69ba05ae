package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = fmt.Errorf("cache miss")

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return err == ErrCacheMiss
}

// Article 一篇抓取下来的网络文章。
type Article struct {
	URL     string    `json:"url"`
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Fetched time.Time `json:"fetched"`
}

// Config 文章缓存配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`
	// 密码
	Password string `yaml:"password" json:"password"`
	// 数据库编号
	DB int `yaml:"db" json:"db"`
	// 文章保存时长
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultConfig 返回默认文章缓存配置
func DefaultConfig() Config {
	return Config{
		Addr: "localhost:6379",
		TTL:  6 * time.Hour,
	}
}

// ArticleCache 网络文章缓存管理器
type ArticleCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewArticleCache 创建文章缓存，启动时 ping 一次确认可达。
func NewArticleCache(cfg Config, logger *zap.Logger) (*ArticleCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}

	logger = logger.With(zap.String("component", "article_cache"))
	logger.Info("article cache initialized", zap.String("addr", cfg.Addr), zap.Duration("ttl", ttl))

	return &ArticleCache{
		redis:  client,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// articleKey 以搜索词哈希为键，与检索词大小写和长度无关。
func articleKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("huixiangdou:articles:%x", sum[:12])
}

// Get 取某搜索词的缓存文章。未命中返回 ErrCacheMiss。
func (c *ArticleCache) Get(ctx context.Context, query string) ([]Article, error) {
	val, err := c.redis.Get(ctx, articleKey(query)).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		c.logger.Error("article cache get failed", zap.Error(err))
		return nil, fmt.Errorf("article cache get failed: %w", err)
	}

	var articles []Article
	if err := json.Unmarshal([]byte(val), &articles); err != nil {
		// 脏数据当未命中处理，下次写入覆盖
		c.logger.Warn("article cache entry corrupted", zap.Error(err))
		return nil, ErrCacheMiss
	}
	return articles, nil
}

// Set 缓存某搜索词抓到的文章。
func (c *ArticleCache) Set(ctx context.Context, query string, articles []Article) error {
	data, err := json.Marshal(articles)
	if err != nil {
		return fmt.Errorf("failed to marshal articles: %w", err)
	}
	if err := c.redis.Set(ctx, articleKey(query), string(data), c.ttl).Err(); err != nil {
		c.logger.Error("article cache set failed", zap.Error(err))
		return fmt.Errorf("article cache set failed: %w", err)
	}
	return nil
}

// Ping 检查 Redis 连接
func (c *ArticleCache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close 关闭缓存连接
func (c *ArticleCache) Close() error {
	return c.redis.Close()
}
