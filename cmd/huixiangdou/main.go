// =============================================================================
// 茴香豆主入口
// =============================================================================
// 群聊知识助手的完整服务入口，包含 HTTP 网关、健康检查、Prometheus 指标
//
// 使用方法:
//
//	huixiangdou serve --config config.yaml          # 启动问答服务
//	huixiangdou build --docs repodir --kb default   # 离线建知识库
//	huixiangdou calibrate --good good.txt --bad bad.txt  # 标定拒答阈值
//	huixiangdou version                             # 显示版本信息
//	huixiangdou health                              # 健康检查
// =============================================================================

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/InternLM/HuixiangDou-sub000/config"
	"github.com/InternLM/HuixiangDou-sub000/internal/telemetry"
	"github.com/InternLM/HuixiangDou-sub000/llm"
	"github.com/InternLM/HuixiangDou-sub000/llm/embedding"
	"github.com/InternLM/HuixiangDou-sub000/rag"
)

// =============================================================================
// 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "build":
		runBuild(os.Args[2:])
	case "calibrate":
		runCalibrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting HuixiangDou",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	server := NewServer(cfg, *configPath, logger, otelProviders)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()
	logger.Info("HuixiangDou stopped")
}

// =============================================================================
// build 命令（离线建知识库）
// =============================================================================

func runBuild(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	docsDir := fs.String("docs", "repodir", "Directory of source documents")
	kbID := fs.String("kb", "default", "Knowledge base name")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	embedder := embedding.NewHTTPProvider(cfg.Embedding)

	var extractor rag.EntityExtractor
	if cfg.Build.EnableKG {
		client := llm.NewHTTPClient(cfg.LLM, logger)
		extractor = rag.NewLLMExtractor(client, logger)
	}

	builder := rag.NewBuilder(cfg.Build, embedder, extractor, logger)
	workDir := filepath.Join(cfg.Store.WorkDir, *kbID)

	start := time.Now()
	if err := builder.Build(context.Background(), *docsDir, workDir); err != nil {
		logger.Fatal("build failed", zap.Error(err))
	}
	logger.Info("knowledge base built",
		zap.String("kb", *kbID),
		zap.String("work_dir", workDir),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// =============================================================================
// calibrate 命令（拒答阈值标定）
// =============================================================================

func runCalibrate(args []string) {
	fs := flag.NewFlagSet("calibrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	kbID := fs.String("kb", "default", "Knowledge base name")
	goodPath := fs.String("good", "", "File of in-domain questions, one per line")
	badPath := fs.String("bad", "", "File of out-of-domain questions, one per line")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	good, err := readLines(*goodPath)
	if err != nil {
		logger.Fatal("failed to read good questions", zap.Error(err))
	}
	bad, err := readLines(*badPath)
	if err != nil {
		logger.Fatal("failed to read bad questions", zap.Error(err))
	}

	embedder := embedding.NewHTTPProvider(cfg.Embedding)
	retriever, err := rag.LoadRetriever(filepath.Join(cfg.Store.WorkDir, *kbID), rag.RetrieverOptions{
		Embedder:       embedder,
		RejectThrottle: cfg.Store.RejectThrottle,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("failed to load retriever", zap.Error(err))
	}
	defer retriever.Release()

	throttle, err := rag.Calibrate(context.Background(), retriever, good, bad, logger)
	if err != nil {
		logger.Fatal("calibration failed", zap.Error(err))
	}

	if *configPath != "" {
		if err := config.UpdateRejectThrottle(*configPath, throttle); err != nil {
			logger.Fatal("failed to persist reject throttle", zap.Error(err))
		}
	}
	logger.Info("reject throttle calibrated",
		zap.Float32("reject_throttle", throttle),
		zap.Int("good", len(good)),
		zap.Int("bad", len(bad)),
	)
}

// readLines 按行读取问题文件，跳过空行。
func readLines(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("file path not set")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// =============================================================================
// 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8888", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("HuixiangDou %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`HuixiangDou - 群聊知识助手

Usage:
  huixiangdou <command> [options]

Commands:
  serve      Start the question answering service
  build      Build a knowledge base from documents
  calibrate  Calibrate the reject throttle against labelled questions
  version    Show version information
  health     Check server health
  help       Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Options for 'build':
  --config <path>   Path to configuration file (YAML)
  --docs <dir>      Directory of markdown/text documents
  --kb <name>       Knowledge base name (default "default")

Options for 'calibrate':
  --config <path>   Path to configuration file (YAML)
  --kb <name>       Knowledge base name (default "default")
  --good <file>     In-domain questions, one per line
  --bad <file>      Out-of-domain questions, one per line

Examples:
  huixiangdou build --config config.yaml --docs repodir
  huixiangdou calibrate --config config.yaml --good good.txt --bad bad.txt
  huixiangdou serve --config config.yaml
  huixiangdou health --addr http://localhost:8888`)
}

// =============================================================================
// 配置与日志初始化
// =============================================================================

func loadConfig(path string) *config.Config {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
