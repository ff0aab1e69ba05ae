package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/config"
	"github.com/InternLM/HuixiangDou-sub000/llm"
	"github.com/InternLM/HuixiangDou-sub000/rag"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

// 源码文档兜底取的关键词命中条数。
const sourceSearchTopN = 5

// sourceSearchStage 源码文档兜底：前面的阶段答不好时，退回
// BM25 关键词检索，直接用命中片段再生成一次。这是最后一个还
// 可能产出回答的阶段。
type sourceSearchStage struct {
	client     llm.Client
	retrievers *rag.Cache
	store      config.StoreConfig
	logger     *zap.Logger
}

func (s *sourceSearchStage) Name() string { return "source_search" }

// 兜底入口条件：知识库答得不好、网络搜索没结果或搜索接口失败。
func (s *sourceSearchStage) entry(code types.ErrorCode) bool {
	switch code {
	case types.BadAnswer, types.NoSearchResult, types.WebSearchFail:
		return true
	}
	return false
}

func (s *sourceSearchStage) Run(ctx context.Context, sess *types.Session) Transition {
	if !s.entry(sess.Code) {
		return proceed()
	}

	retriever, err := s.retrievers.Get(kbID(sess), s.store.RejectThrottle)
	if err != nil {
		s.logger.Error("retriever unavailable", zap.String("group_id", sess.GroupID), zap.Error(err))
		return proceedWith(types.SGSearchFail)
	}

	hits := retriever.KeywordSearch(sess.Query.Text, sourceSearchTopN)
	if len(hits) == 0 {
		return proceedWith(types.SGSearchFail)
	}

	budget := s.store.ContextMaxLength
	if budget <= 0 {
		budget = 16000
	}
	var sb strings.Builder
	var refs []string
	for _, chunk := range hits {
		if sb.Len() >= budget {
			break
		}
		sb.WriteString(truncateUTF8(chunk.Content, budget-sb.Len()))
		sb.WriteString("\n\n")
		if src := chunk.Source(); src != "" {
			refs = append(refs, filepath.Base(src))
		}
	}
	sess.SetDebug("source_search_hits", len(hits))

	answer, err := s.client.Complete(ctx, fmt.Sprintf(promptGenerate, strings.TrimSpace(sb.String()), sess.Query.Text), sess.History)
	if err != nil {
		s.logger.Warn("source search generation failed", zap.Error(err))
		return proceedWith(types.LLMNotResponseSG)
	}
	if strings.TrimSpace(answer) == "" {
		return proceedWith(types.LLMNotResponseSG)
	}

	sess.Response = answer
	sess.References = dedupRefs(refs)
	return proceedWith(types.Success)
}

// dedupRefs 去重并保持首次出现的顺序。
func dedupRefs(refs []string) []string {
	seen := make(map[string]struct{}, len(refs))
	out := refs[:0]
	for _, r := range refs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
