package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/config"
	"github.com/InternLM/HuixiangDou-sub000/internal/cache"
	"github.com/InternLM/HuixiangDou-sub000/internal/history"
	"github.com/InternLM/HuixiangDou-sub000/internal/metrics"
	"github.com/InternLM/HuixiangDou-sub000/internal/server"
	"github.com/InternLM/HuixiangDou-sub000/internal/telemetry"
	"github.com/InternLM/HuixiangDou-sub000/llm"
	"github.com/InternLM/HuixiangDou-sub000/llm/embedding"
	"github.com/InternLM/HuixiangDou-sub000/llm/rerank"
	"github.com/InternLM/HuixiangDou-sub000/pipeline"
	"github.com/InternLM/HuixiangDou-sub000/rag"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

// =============================================================================
// Server 结构
// =============================================================================

// Server 是茴香豆问答服务的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 核心组件
	collector  *metrics.Collector
	retrievers *rag.Cache
	articles   *cache.ArticleCache
	history    *history.Store

	// 文件监听：配置热更新 + 知识库重建后踢缓存
	watcher       *config.FileWatcher
	watcherCancel context.CancelFunc

	// 流水线，配置热更新时整体换掉
	mu   sync.RWMutex
	pipe *pipeline.Pipeline

	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
	}
}

// =============================================================================
// 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 指标收集器
	s.collector = metrics.NewCollector("huixiangdou", prometheus.DefaultRegisterer, s.logger)

	// 2. 核心组件与流水线
	if err := s.initPipeline(s.cfg); err != nil {
		return fmt.Errorf("failed to init pipeline: %w", err)
	}

	// 3. 文件监听
	if err := s.initWatcher(); err != nil {
		return fmt.Errorf("failed to init file watcher: %w", err)
	}

	// 4. HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)
	return nil
}

// =============================================================================
// 初始化方法
// =============================================================================

// initPipeline 组装检索与判定流水线。retrievers、articles、history
// 只在首次调用时创建，热更新换流水线时复用。
func (s *Server) initPipeline(cfg *config.Config) error {
	client := llm.NewHTTPClient(cfg.LLM, s.logger)

	if s.retrievers == nil {
		embedder := embedding.NewHTTPProvider(cfg.Embedding)
		reranker := rerank.NewHTTPProvider(cfg.Rerank)

		var extractor rag.EntityExtractor
		if cfg.Store.EnableKG {
			extractor = rag.NewLLMExtractor(client, s.logger)
		}

		s.retrievers = rag.NewCache(cfg.Store.WorkDir, rag.CacheOptions{
			Embedder:  embedder,
			Reranker:  reranker,
			Extractor: extractor,
			EnableKG:  cfg.Store.EnableKG,
			Size:      cfg.Store.CacheSize,
			Logger:    s.logger,
		})
	}

	if s.articles == nil && cfg.Redis.Addr != "" {
		articles, err := cache.NewArticleCache(cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, s.logger)
		if err != nil {
			s.logger.Warn("article cache unavailable, web search results will not be cached", zap.Error(err))
		} else {
			s.articles = articles
		}
	}

	if s.history == nil && cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path, s.logger)
		if err != nil {
			s.logger.Warn("history store unavailable, coreference resolution degraded", zap.Error(err))
		} else {
			s.history = store
		}
	}

	var searcher pipeline.Searcher
	if cfg.WebSearch.Enable {
		searcher = pipeline.NewSerperSearcher(cfg.WebSearch, s.logger)
	}

	pipe := pipeline.New(pipeline.Options{
		Config:     cfg,
		Client:     client,
		Retrievers: s.retrievers,
		Searcher:   searcher,
		Articles:   s.articles,
		Metrics:    s.collector,
		Logger:     s.logger,
	})

	s.mu.Lock()
	s.cfg = cfg
	s.pipe = pipe
	s.mu.Unlock()
	return nil
}

// initWatcher 监听配置文件和知识库目录。
// 配置文件变更：重新加载并整体换流水线。
// 知识库子目录变更：把对应检索器踢出缓存，下次请求重新加载。
func (s *Server) initWatcher() error {
	var paths []string
	if s.configPath != "" {
		paths = append(paths, s.configPath)
	}
	kbDirs, _ := filepath.Glob(filepath.Join(s.cfg.Store.WorkDir, "*"))
	paths = append(paths, kbDirs...)

	if len(paths) == 0 {
		return nil
	}

	watcher, err := config.NewFileWatcher(paths, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}

	watcher.OnChange(func(event config.FileEvent) {
		if s.configPath != "" && event.Path == s.configPath {
			s.reloadConfig()
			return
		}
		kbID := filepath.Base(event.Path)
		s.retrievers.Pop(kbID)
		s.logger.Info("knowledge base changed, retriever evicted",
			zap.String("kb", kbID),
			zap.String("op", event.Op.String()),
		)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.watcherCancel = cancel
	if err := watcher.Start(ctx); err != nil {
		cancel()
		return err
	}
	s.watcher = watcher
	return nil
}

// reloadConfig 重新加载配置文件并换上新流水线。
// 加载或校验失败时保留旧配置继续服务。
func (s *Server) reloadConfig() {
	cfg, err := config.NewLoader().WithConfigPath(s.configPath).Load()
	if err != nil {
		s.logger.Error("config reload failed, keeping previous config", zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		s.logger.Error("reloaded config invalid, keeping previous config", zap.Error(err))
		return
	}
	if err := s.initPipeline(cfg); err != nil {
		s.logger.Error("pipeline rebuild failed, keeping previous pipeline", zap.Error(err))
		return
	}
	s.logger.Info("configuration reloaded",
		zap.Float32("reject_throttle", cfg.Store.RejectThrottle),
	)
}

// pipeline 返回当前流水线（热更新时可能被整体替换）。
func (s *Server) pipeline() *pipeline.Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipe
}

// =============================================================================
// HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/v1/chat", s.handleChat)

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	rps := s.cfg.Server.RateLimit
	if rps <= 0 {
		rps = 10
	}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		RateLimiter(rateLimiterCtx, rps, int(rps)*2, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// HTTP Handlers
// =============================================================================

// chatRequest 一次群聊提问。history 缺省时从历史库取最近消息。
type chatRequest struct {
	GroupID string          `json:"group_id"`
	Sender  string          `json:"sender,omitempty"`
	Query   string          `json:"query"`
	History []types.Message `json:"history,omitempty"`
}

// chatResponse 问答结果。code 为出口码，SUCCESS 之外 response 可能为空。
type chatResponse struct {
	SessionID   string   `json:"session_id"`
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Response    string   `json:"response"`
	References  []string `json:"references,omitempty"`
	ElapsedMS   int64    `json:"elapsed_ms"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	hist := req.History
	if hist == nil && s.history != nil && req.GroupID != "" {
		var err error
		hist, err = s.history.Recent(ctx, req.GroupID, s.cfg.Pipeline.HistoryWindow)
		if err != nil {
			s.logger.Warn("failed to load history", zap.String("group_id", req.GroupID), zap.Error(err))
		}
	}

	sess := s.pipeline().Process(ctx, req.GroupID, types.Query{Text: req.Query}, hist)

	s.appendHistory(ctx, req, sess)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chatResponse{
		SessionID:   sess.ID,
		Code:        string(sess.Code),
		Description: sess.Code.Describe(),
		Response:    sess.Response,
		References:  sess.References,
		ElapsedMS:   sess.Elapsed().Milliseconds(),
	})
}

// appendHistory 把本轮提问与成功的回答写进群聊历史。
func (s *Server) appendHistory(ctx context.Context, req chatRequest, sess *types.Session) {
	if s.history == nil || req.GroupID == "" {
		return
	}
	if err := s.history.Append(ctx, req.GroupID, types.Message{
		Role:    types.RoleUser,
		Sender:  req.Sender,
		Content: req.Query,
	}); err != nil {
		s.logger.Warn("failed to append user message", zap.Error(err))
	}
	if sess.Code == types.Success && sess.Response != "" {
		if err := s.history.Append(ctx, req.GroupID, types.Message{
			Role:    types.RoleAssistant,
			Content: sess.Response,
		}); err != nil {
			s.logger.Warn("failed to append assistant message", zap.Error(err))
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":%q}`, Version)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// 就绪 = 至少有一个知识库目录可用
	matches, _ := filepath.Glob(filepath.Join(s.cfg.Store.WorkDir, "*"))
	w.Header().Set("Content-Type", "application/json")
	if len(matches) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"no knowledge base"}`)
		return
	}
	fmt.Fprint(w, `{"status":"ready"}`)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// =============================================================================
// 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.watcherCancel != nil {
		s.watcherCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.articles != nil {
		if err := s.articles.Close(); err != nil {
			s.logger.Error("article cache close error", zap.Error(err))
		}
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Error("history store close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.otel.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
