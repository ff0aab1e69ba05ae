package llm

import (
	"context"
	"regexp"
	"strconv"

	"github.com/InternLM/HuixiangDou-sub000/types"
)

// 流水线各处打分都走同一约定：让模型输出 0~10 的分数，
// 从回复里取第一串数字；取不到就用默认分，从不向上抛错。

var digitRun = regexp.MustCompile(`[0-9]+`)

// ParseScore 从模型回复中解析第一串数字。解析失败返回 def。
func ParseScore(text string, def int) int {
	m := digitRun.FindString(text)
	if m == "" {
		return def
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return def
	}
	return n
}

// Score 请求模型打分并解析。调用失败或解析失败都回落到 def。
func Score(ctx context.Context, client Client, prompt string, history []types.Message, def int) int {
	text, err := client.Complete(ctx, prompt, history)
	if err != nil {
		return def
	}
	return ParseScore(text, def)
}
