package llm

import "net/http"

// 统一的 LLM 错误码，用于对齐 HTTP 状态、可重试性与降级策略。
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "LLM_INVALID_REQUEST" // 参数/格式错误
	ErrUnauthorized   ErrorCode = "LLM_UNAUTHORIZED"    // 未授权或密钥失效
	ErrForbidden      ErrorCode = "LLM_FORBIDDEN"       // 权限或内容策略拒绝
	ErrRateLimited    ErrorCode = "LLM_RATE_LIMITED"    // 上游或本地限流
	ErrUpstreamError  ErrorCode = "LLM_UPSTREAM_ERROR"  // 上游 5xx/网络错误
	ErrTimeout        ErrorCode = "LLM_TIMEOUT"         // 请求超时
)

// Error 携带错误码、HTTP 状态和可重试标记的提供方错误。
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// mapHTTPError 把 HTTP 状态映射为 *Error。
// 5xx 和 429 可重试，4xx（除 429 外）不可重试。
func mapHTTPError(status int, msg, provider string) *Error {
	code := ErrUpstreamError
	retryable := status >= 500

	switch status {
	case http.StatusUnauthorized:
		code = ErrUnauthorized
	case http.StatusForbidden:
		code = ErrForbidden
	case http.StatusTooManyRequests:
		code = ErrRateLimited
		retryable = true
	case http.StatusBadRequest:
		code = ErrInvalidRequest
	}

	return &Error{
		Code:       code,
		Message:    msg,
		HTTPStatus: status,
		Retryable:  retryable,
		Provider:   provider,
	}
}
