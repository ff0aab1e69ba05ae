package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/config"
	"github.com/InternLM/HuixiangDou-sub000/llm"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

// safetyStage 出口检查：只看成功生成的回答。先判回答是不是在
// 表达"不知道"，是则降级为 BAD_ANSWER；再过违禁内容检查，命中
// 则丢弃回答并标记 SECURITY。
type safetyStage struct {
	client llm.Client
	cfg    config.PipelineConfig
	logger *zap.Logger
}

func (s *safetyStage) Name() string { return "safety" }

func (s *safetyStage) Run(ctx context.Context, sess *types.Session) Transition {
	if sess.Code != types.Success || sess.Response == "" {
		return proceed()
	}

	answer := truncateUTF8(sess.Response, relevanceSampleLength)

	nonAnswer := llm.Score(ctx, s.client,
		fmt.Sprintf(promptNonAnswer, sess.Query.Text, answer), nil, defaultNonAnswerScore)
	sess.SetDebug("non_answer_score", nonAnswer)
	if s.cfg.NonAnswerThreshold > 0 && nonAnswer >= s.cfg.NonAnswerThreshold {
		return proceedWith(types.BadAnswer)
	}

	security := llm.Score(ctx, s.client,
		fmt.Sprintf(promptSecurity, answer), nil, defaultSecurityScore)
	sess.SetDebug("security_score", security)
	if s.cfg.SecurityThreshold > 0 && security >= s.cfg.SecurityThreshold {
		s.logger.Warn("answer rejected by security check",
			zap.String("session_id", sess.ID),
			zap.Int("score", security),
		)
		sess.Response = ""
		return proceedWith(types.Security)
	}

	return proceed()
}
