package types

// ErrorCode is the closed set of pipeline outcome codes. Every request
// finishes with exactly one of these; callers render the code as metadata
// next to the best-effort response text, never as a blocking error.
type ErrorCode string

const (
	// Success 成功生成回答
	Success ErrorCode = "SUCCESS"

	// Input validation
	QuestionTooShort ErrorCode = "QUESTION_TOO_SHORT" // 输入太短，不处理
	NotAQuestion     ErrorCode = "NOT_A_QUESTION"     // 不是疑问句
	NoTopic          ErrorCode = "NO_TOPIC"           // 提取不出搜索主题

	// Retrieval miss
	Unrelated      ErrorCode = "UNRELATED"        // 与知识库无关
	NoSearchResult ErrorCode = "NO_SEARCH_RESULT" // 网络搜索无可用结果
	SGSearchFail   ErrorCode = "SG_SEARCH_FAIL"   // 源码/文档搜索无结果

	// External dependency failure
	WebSearchFail    ErrorCode = "WEB_SEARCH_FAIL"     // 网络搜索接口失败
	LLMNotResponseSG ErrorCode = "LLM_NOT_RESPONSE_SG" // 源码搜索阶段 LLM 无响应

	// Quality / safety rejection
	BadAnswer ErrorCode = "BAD_ANSWER" // 回答质量不合格（表达不知道）
	Security  ErrorCode = "SECURITY"   // 回答涉及违禁内容，已丢弃
)

// descriptions 用于日志和调试输出，不面向终端用户。
var descriptions = map[ErrorCode]string{
	Success:          "success",
	QuestionTooShort: "query too short",
	NotAQuestion:     "query is not a question",
	NoTopic:          "no search topic extracted",
	Unrelated:        "query unrelated to knowledge base",
	NoSearchResult:   "no usable web search result",
	SGSearchFail:     "source search returned nothing",
	WebSearchFail:    "web search request failed",
	LLMNotResponseSG: "llm did not respond during source search",
	BadAnswer:        "generated answer rejected as non-answer",
	Security:         "generated answer rejected by security check",
}

// Describe returns a short human-readable description of the code.
func (c ErrorCode) Describe() string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return string(c)
}
