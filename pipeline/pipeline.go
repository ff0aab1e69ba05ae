package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/config"
	"github.com/InternLM/HuixiangDou-sub000/internal/cache"
	"github.com/InternLM/HuixiangDou-sub000/internal/metrics"
	"github.com/InternLM/HuixiangDou-sub000/llm"
	"github.com/InternLM/HuixiangDou-sub000/rag"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

// Transition 一个阶段的迁移决定。
// Code 非空时写入 Session；Halt 为真时流水线立即停机。
type Transition struct {
	Halt bool
	Code types.ErrorCode
}

func proceed() Transition { return Transition{} }

func proceedWith(c types.ErrorCode) Transition { return Transition{Code: c} }

func halt(c types.ErrorCode) Transition { return Transition{Halt: true, Code: c} }

// Stage 流水线阶段。Run 消费并修改 Session，返回迁移决定。
type Stage interface {
	Name() string
	Run(ctx context.Context, sess *types.Session) Transition
}

// Options 组装流水线的依赖。Client 与 Retrievers 必填，
// 其余为空时对应能力降级（没有网络搜索、没有缓存、没有指标）。
type Options struct {
	Config     *config.Config
	Client     llm.Client
	Retrievers *rag.Cache
	Searcher   Searcher
	Articles   *cache.ArticleCache
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

// Pipeline 固定有序的阶段列表。并发安全：一次 Process 一个
// Session，阶段之间只通过 Session 传递状态。
type Pipeline struct {
	stages  []Stage
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger
}

// New 按固定顺序组装全部阶段。
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "pipeline"))

	stages := []Stage{
		&preprocessStage{
			client: opts.Client,
			cfg:    opts.Config.Pipeline,
			logger: logger,
		},
		&kbRetrievalStage{
			client:     opts.Client,
			retrievers: opts.Retrievers,
			store:      opts.Config.Store,
			cfg:        opts.Config.Pipeline,
			metrics:    opts.Metrics,
			logger:     logger,
		},
		&webSearchStage{
			client:   opts.Client,
			searcher: opts.Searcher,
			articles: opts.Articles,
			web:      opts.Config.WebSearch,
			store:    opts.Config.Store,
			cfg:      opts.Config.Pipeline,
			metrics:  opts.Metrics,
			logger:   logger,
		},
		&sourceSearchStage{
			client:     opts.Client,
			retrievers: opts.Retrievers,
			store:      opts.Config.Store,
			logger:     logger,
		},
		&safetyStage{
			client: opts.Client,
			cfg:    opts.Config.Pipeline,
			logger: logger,
		},
	}

	return &Pipeline{
		stages:  stages,
		metrics: opts.Metrics,
		tracer:  otel.Tracer("huixiangdou/pipeline"),
		logger:  logger,
	}
}

// Process 处理一次提问：建会话、顺序跑各阶段、停机即止，
// 最后记指标并刷出调试轨迹。总是返回带出口码的 Session。
func (p *Pipeline) Process(ctx context.Context, groupID string, query types.Query, history []types.Message) *types.Session {
	sess := types.NewSession(groupID, query, history)

	ctx, span := p.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(attribute.String("session_id", sess.ID)),
	)
	defer span.End()

	for _, stage := range p.stages {
		sess.Stage = stage.Name()
		start := time.Now()

		stageCtx, stageSpan := p.tracer.Start(ctx, "pipeline."+stage.Name())
		t := stage.Run(stageCtx, sess)
		stageSpan.SetAttributes(attribute.String("code", string(t.Code)))
		stageSpan.End()

		if p.metrics != nil {
			p.metrics.RecordStage(stage.Name(), time.Since(start))
		}
		if t.Code != "" {
			sess.Code = t.Code
		}
		if t.Halt {
			break
		}
	}

	span.SetAttributes(attribute.String("final_code", string(sess.Code)))
	if p.metrics != nil {
		p.metrics.RecordSession(string(sess.Code))
	}
	sess.Finalize(p.logger)
	return sess
}
