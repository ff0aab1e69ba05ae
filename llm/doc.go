// Package llm 封装对远端大模型的调用契约：
// 统一的 Complete 接口、OpenAI 兼容的 HTTP 后端、
// 每分钟滚动窗口的 RPM/TPM 限流、指数退避重试，
// 以及流水线各处通用的"0~10 打分、解析失败用默认值"约定。
//
// 提示词内容由上层（pipeline 包）负责，本包只关心调用语义：
// 限流时挂起而不是报错；瞬时错误有界重试；鉴权/参数错误不重试。
package llm
