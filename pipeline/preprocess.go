package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/config"
	"github.com/InternLM/HuixiangDou-sub000/llm"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

// preprocessStage 入口过滤：太短的直接拒、不是疑问句的直接拒，
// 然后（可选）结合群聊历史做指代消解改写问题。
type preprocessStage struct {
	client llm.Client
	cfg    config.PipelineConfig
	logger *zap.Logger
}

func (s *preprocessStage) Name() string { return "preprocess" }

func (s *preprocessStage) Run(ctx context.Context, sess *types.Session) Transition {
	text := strings.TrimSpace(sess.Query.Text)
	sess.Query.Text = text

	minLen := s.cfg.MinQueryLength
	if minLen <= 0 {
		minLen = 4
	}
	if len([]rune(text)) < minLen {
		return halt(types.QuestionTooShort)
	}

	score := llm.Score(ctx, s.client, fmt.Sprintf(promptIsQuestion, text), nil, defaultIsQuestionScore)
	sess.SetDebug("is_question_score", score)
	if score < s.cfg.IsQuestionThreshold {
		return halt(types.NotAQuestion)
	}

	if s.cfg.EnableCoreference && len(sess.History) > 0 {
		s.resolveCoreference(ctx, sess)
	}
	return proceed()
}

// resolveCoreference 把历史窗口和原问题交给模型，得到消解后的
// 重述，再与原问题合并成改写后的查询文本。模型调用失败只记
// 日志，保留原问题。
func (s *preprocessStage) resolveCoreference(ctx context.Context, sess *types.Session) {
	window := sess.History
	if s.cfg.HistoryWindow > 0 && len(window) > s.cfg.HistoryWindow {
		window = window[len(window)-s.cfg.HistoryWindow:]
	}

	var sb strings.Builder
	for _, msg := range window {
		sb.WriteString(msg.Sender)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}

	resolved, err := s.client.Complete(ctx, fmt.Sprintf(promptCoreference, sb.String(), sess.Query.Text), nil)
	if err != nil {
		s.logger.Warn("coreference resolution failed, keeping original query", zap.Error(err))
		return
	}
	resolved = strings.TrimSpace(strings.Trim(strings.TrimSpace(resolved), `"“”`))
	if resolved == "" || resolved == sess.Query.Text {
		return
	}

	sess.SetDebug("coreference_resolved", resolved)
	// 合并原问题与消解重述，检索两边的词都能命中
	sess.Query.Text = sess.Query.Text + " " + resolved
}
