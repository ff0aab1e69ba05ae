package types

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Role 消息角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message 群聊消息，既是流水线输入的历史，也是协指消解的窗口素材。
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Session 是单次请求的可变状态，按顺序穿过流水线各阶段。
// 一次请求创建一个，阶段之间不共享，结束时必须调用 Finalize 刷出调试轨迹。
type Session struct {
	ID      string    `json:"id"`
	GroupID string    `json:"group_id,omitempty"`
	Query   Query     `json:"query"`
	History []Message `json:"history,omitempty"`

	// Stage 当前所处的阶段名，随流水线推进被覆盖。
	Stage string `json:"stage"`

	// Code 当前出口码。初始为空，流水线结束时一定非空。
	Code ErrorCode `json:"code"`

	Response   string   `json:"response"`
	References []string `json:"references,omitempty"`

	// Debug 各阶段追加的调试键值，Finalize 时整体输出一次。
	Debug map[string]any `json:"debug,omitempty"`

	startedAt time.Time
	finalized bool
}

// NewSession creates the per-request scratchpad.
func NewSession(groupID string, query Query, history []Message) *Session {
	return &Session{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Query:     query,
		History:   history,
		Debug:     make(map[string]any),
		startedAt: time.Now(),
	}
}

// SetDebug 记录一条调试信息。key 冲突时直接覆盖。
func (s *Session) SetDebug(key string, value any) {
	if s.Debug == nil {
		s.Debug = make(map[string]any)
	}
	s.Debug[key] = value
}

// Elapsed 返回会话至今耗时。
func (s *Session) Elapsed() time.Duration { return time.Since(s.startedAt) }

// Finalize 显式结束会话并刷出调试轨迹。重复调用只生效一次。
// 取代"靠对象析构顺便写日志"的做法：结束点必须显式。
func (s *Session) Finalize(logger *zap.Logger) {
	if s.finalized {
		return
	}
	s.finalized = true
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("session finalized",
		zap.String("session_id", s.ID),
		zap.String("group_id", s.GroupID),
		zap.String("code", string(s.Code)),
		zap.String("stage", s.Stage),
		zap.Int("references", len(s.References)),
		zap.Duration("elapsed", s.Elapsed()),
		zap.Any("debug", s.Debug),
	)
}
