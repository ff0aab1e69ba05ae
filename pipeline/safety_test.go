package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/config"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

func newSafetyStage(chat *scriptedChat) *safetyStage {
	return &safetyStage{
		client: chat,
		cfg: config.PipelineConfig{
			NonAnswerThreshold: 8,
			SecurityThreshold:  3,
		},
		logger: zap.NewNop(),
	}
}

func successSession(response string) *types.Session {
	sess := types.NewSession("g1", types.Query{Text: "如何安装 mmdeploy"}, nil)
	sess.Code = types.Success
	sess.Response = response
	return sess
}

func TestSafetySkipsNonSuccess(t *testing.T) {
	chat := newScriptedChat()
	stage := newSafetyStage(chat)

	sess := types.NewSession("g1", types.Query{Text: "如何安装 mmdeploy"}, nil)
	sess.Code = types.Unrelated

	assert.Equal(t, Transition{}, stage.Run(context.Background(), sess))
	assert.Empty(t, chat.prompts)
}

func TestSafetyPassesGoodAnswer(t *testing.T) {
	chat := newScriptedChat()
	stage := newSafetyStage(chat)

	sess := successSession("运行 pip install mmdeploy 即可。")
	tr := stage.Run(context.Background(), sess)

	assert.Equal(t, Transition{}, tr)
	assert.NotEmpty(t, sess.Response)
	assert.Equal(t, 0, sess.Debug["non_answer_score"])
	assert.Equal(t, 0, sess.Debug["security_score"])
}

func TestSafetyDowngradesNonAnswer(t *testing.T) {
	chat := newScriptedChat()
	chat.nonAnswer = "9"
	stage := newSafetyStage(chat)

	sess := successSession("这个我也不太清楚，建议去官方论坛问问。")
	tr := stage.Run(context.Background(), sess)

	assert.Equal(t, Transition{Code: types.BadAnswer}, tr)
}

func TestSafetyDiscardsUnsafeAnswer(t *testing.T) {
	chat := newScriptedChat()
	chat.security = "10"
	stage := newSafetyStage(chat)

	sess := successSession("不该说出口的回答")
	tr := stage.Run(context.Background(), sess)

	assert.Equal(t, Transition{Code: types.Security}, tr)
	assert.Empty(t, sess.Response)
}
