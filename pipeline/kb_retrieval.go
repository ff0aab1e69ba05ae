package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/config"
	"github.com/InternLM/HuixiangDou-sub000/internal/metrics"
	"github.com/InternLM/HuixiangDou-sub000/llm"
	"github.com/InternLM/HuixiangDou-sub000/rag"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

// 相关性打分送审材料的截断长度，避免把整包上下文塞进打分提示词。
const relevanceSampleLength = 2000

// kbRetrievalStage 知识库检索：拿检索器查上下文，空则 UNRELATED
// 停机；有上下文先让模型判关联度，相关就基于上下文生成回答进入
// SUCCESS，不相关带着 BAD_ANSWER 落到后面的兜底阶段。
type kbRetrievalStage struct {
	client     llm.Client
	retrievers *rag.Cache
	store      config.StoreConfig
	cfg        config.PipelineConfig
	metrics    *metrics.Collector
	logger     *zap.Logger
}

func (s *kbRetrievalStage) Name() string { return "kb_retrieval" }

func (s *kbRetrievalStage) Run(ctx context.Context, sess *types.Session) Transition {
	retriever, err := s.retrievers.Get(kbID(sess), s.store.RejectThrottle)
	if err != nil {
		s.logger.Error("retriever unavailable", zap.String("group_id", sess.GroupID), zap.Error(err))
		return halt(types.Unrelated)
	}

	start := time.Now()
	chunksStr, packed, references, err := retriever.Query(ctx, sess.Query.Text, s.store.ContextMaxLength)
	if s.metrics != nil {
		s.metrics.RecordRetrieval("dense", time.Since(start))
		s.metrics.RecordRetrievalDecision(packed != "")
	}
	if err != nil {
		s.logger.Error("knowledge base query failed", zap.Error(err))
		return halt(types.Unrelated)
	}
	if packed == "" {
		return halt(types.Unrelated)
	}

	sess.References = references
	sess.SetDebug("kb_references", references)

	sample := truncateUTF8(chunksStr, relevanceSampleLength)
	score := llm.Score(ctx, s.client,
		fmt.Sprintf(promptRelevance, sess.Query.Text, sample),
		nil, defaultRelevanceScore)
	sess.SetDebug("kb_relevance_score", score)
	if score < s.cfg.RelevanceThreshold {
		// 检到了东西但模型认为答非所问，交给网络搜索兜底
		return proceedWith(types.BadAnswer)
	}

	answer, err := s.client.Complete(ctx, fmt.Sprintf(promptGenerate, packed, sess.Query.Text), sess.History)
	if err != nil {
		s.logger.Warn("answer generation failed, falling back", zap.Error(err))
		return proceedWith(types.BadAnswer)
	}

	sess.Response = answer
	return proceedWith(types.Success)
}

// kbID 每个群绑定一个知识库子目录，散聊用默认库。
func kbID(sess *types.Session) string {
	if sess.GroupID != "" {
		return sess.GroupID
	}
	return "default"
}
