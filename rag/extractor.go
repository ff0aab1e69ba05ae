package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/llm"
)

// 实体抽取提示词。要求模型只输出 JSON 数组，便于容错解析。
const extractPrompt = `你是命名实体识别助手。从下面的文本中抽取命名实体（技术名词、产品名、函数名、概念等），判断每个实体的类型。
只输出 JSON 数组，不要输出其他内容，格式：[{"entity": "实体", "type": "类型"}]
文本：
%s`

// LLMExtractor 用对话模型做命名实体抽取。
// 模型输出不保证合法 JSON：解析尽量宽容，整体不可解析
// 或没有有效条目时返回空结果而不是错误。
type LLMExtractor struct {
	client llm.Client
	logger *zap.Logger
}

func NewLLMExtractor(client llm.Client, logger *zap.Logger) *LLMExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMExtractor{
		client: client,
		logger: logger.With(zap.String("component", "entity_extractor")),
	}
}

// Extract 实现 EntityExtractor。只有请求本身失败才返回错误。
func (e *LLMExtractor) Extract(ctx context.Context, text string) ([]Entity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	reply, err := e.client.Complete(ctx, fmt.Sprintf(extractPrompt, text), nil)
	if err != nil {
		return nil, fmt.Errorf("entity extraction request: %w", err)
	}
	return parseEntities(reply, e.logger), nil
}

// parseEntities 从模型回复里挖出 JSON 数组并逐条解析，
// 坏条目跳过不报错。
func parseEntities(reply string, logger *zap.Logger) []Entity {
	start := strings.IndexByte(reply, '[')
	end := strings.LastIndexByte(reply, ']')
	if start < 0 || end <= start {
		logger.Debug("no json array in extraction reply")
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		logger.Debug("extraction reply not parsable", zap.Error(err))
		return nil
	}

	var entities []Entity
	for _, item := range raw {
		var ent Entity
		if err := json.Unmarshal(item, &ent); err != nil || strings.TrimSpace(ent.Name) == "" {
			continue
		}
		entities = append(entities, ent)
	}
	return entities
}
