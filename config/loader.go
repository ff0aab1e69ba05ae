package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/InternLM/HuixiangDou-sub000/llm"
	"github.com/InternLM/HuixiangDou-sub000/llm/embedding"
	"github.com/InternLM/HuixiangDou-sub000/llm/rerank"
	"github.com/InternLM/HuixiangDou-sub000/rag"
)

// =============================================================================
// 核心配置结构
// =============================================================================

// Config 是茴香豆助手的完整配置结构
type Config struct {
	// Server 网关服务配置
	Server ServerConfig `yaml:"server"`

	// LLM 对话模型配置
	LLM llm.Config `yaml:"llm"`

	// Embedding 向量模型配置
	Embedding embedding.Config `yaml:"embedding"`

	// Rerank 重排模型配置
	Rerank rerank.Config `yaml:"rerank"`

	// Store 知识库与检索配置
	Store StoreConfig `yaml:"store"`

	// Build 离线建库配置
	Build rag.BuilderConfig `yaml:"build"`

	// Pipeline 判定流水线配置
	Pipeline PipelineConfig `yaml:"pipeline"`

	// WebSearch 网络搜索兜底配置
	WebSearch WebSearchConfig `yaml:"web_search"`

	// Redis 网络文章缓存配置
	Redis RedisConfig `yaml:"redis"`

	// History 群聊历史存储配置
	History HistoryConfig `yaml:"history"`

	// Log 日志配置
	Log LogConfig `yaml:"log"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 网关服务配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// 每秒请求数上限
	RateLimit float64 `yaml:"rate_limit"`
}

// StoreConfig 知识库与检索配置
type StoreConfig struct {
	// 知识库根目录，每个知识库一个子目录
	WorkDir string `yaml:"work_dir"`
	// 检索器缓存容量
	CacheSize int `yaml:"cache_size"`
	// 拒答阈值（由阈值标定回写）
	RejectThrottle float32 `yaml:"reject_throttle"`
	// 是否启用知识图谱加成
	EnableKG bool `yaml:"enable_kg"`
	// 上下文装配长度上限
	ContextMaxLength int `yaml:"context_max_length"`
}

// PipelineConfig 判定流水线配置
type PipelineConfig struct {
	// 低于该长度的输入直接拒绝
	MinQueryLength int `yaml:"min_query_length"`
	// "是否为疑问句" 得分阈值
	IsQuestionThreshold int `yaml:"is_question_threshold"`
	// 检索结果相关性得分阈值
	RelevanceThreshold int `yaml:"relevance_threshold"`
	// 答非所问得分阈值
	NonAnswerThreshold int `yaml:"non_answer_threshold"`
	// 违禁内容得分阈值
	SecurityThreshold int `yaml:"security_threshold"`
	// 是否启用指代消解
	EnableCoreference bool `yaml:"enable_coreference"`
	// 指代消解回看的历史条数
	HistoryWindow int `yaml:"history_window"`
}

// WebSearchConfig 网络搜索兜底配置
type WebSearchConfig struct {
	// 是否启用
	Enable bool `yaml:"enable"`
	// 搜索 API 端点
	Endpoint string `yaml:"endpoint"`
	// 搜索 API Key
	APIKey string `yaml:"api_key"`
	// 取回的文章数上限
	MaxArticles int `yaml:"max_articles"`
	// 单次请求超时
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig 网络文章缓存配置
type RedisConfig struct {
	// 地址，留空则不用缓存
	Addr string `yaml:"addr"`
	// 密码
	Password string `yaml:"password"`
	// 数据库编号
	DB int `yaml:"db"`
	// 文章缓存保存时长
	TTL time.Duration `yaml:"ttl"`
}

// HistoryConfig 群聊历史存储配置
type HistoryConfig struct {
	// SQLite 文件路径
	Path string `yaml:"path"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level"`
	// 输出格式: json, console
	Format string `yaml:"format"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// 服务名称
	ServiceName string `yaml:"service_name"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate"`
}

// =============================================================================
// 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "HUIXIANGDOU",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段。
// 环境变量键由 yaml 标签大写派生，比如 store.reject_throttle
// 对应 HUIXIANGDOU_STORE_REJECT_THROTTLE。
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		yamlTag := strings.SplitN(fieldType.Tag.Get("yaml"), ",", 2)[0]
		if yamlTag == "" || yamlTag == "-" {
			continue
		}

		envKey := prefix + "_" + strings.ToUpper(yamlTag)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Store.WorkDir == "" {
		errs = append(errs, "store.work_dir must be set")
	}
	if c.Store.CacheSize <= 0 {
		errs = append(errs, "store.cache_size must be positive")
	}
	if c.Store.ContextMaxLength <= 0 {
		errs = append(errs, "store.context_max_length must be positive")
	}
	if c.Pipeline.IsQuestionThreshold < 0 || c.Pipeline.IsQuestionThreshold > 10 {
		errs = append(errs, "pipeline.is_question_threshold must be within 0-10")
	}
	if c.WebSearch.Enable && c.WebSearch.APIKey == "" {
		errs = append(errs, "web_search.api_key must be set when web search is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
