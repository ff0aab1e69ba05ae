// Package history 持久化群聊消息，给指代消解提供最近上下文窗口。
// This package is internal and should not be imported by external projects.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/InternLM/HuixiangDou-sub000/types"
)

// Record 一条落库的群聊消息。
type Record struct {
	ID        uint   `gorm:"primaryKey"`
	GroupID   string `gorm:"index:idx_group_time,priority:1"`
	Sender    string
	Role      string
	Content   string
	CreatedAt time.Time `gorm:"index:idx_group_time,priority:2"`
}

// TableName 指定表名
func (Record) TableName() string { return "messages" }

// Store 群聊历史存储，SQLite 单文件。
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open 打开（必要时创建）历史库并执行迁移。
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "history")),
	}, nil
}

// Append 记录一条消息。
func (s *Store) Append(ctx context.Context, groupID string, msg types.Message) error {
	rec := Record{
		GroupID:   groupID,
		Sender:    msg.Sender,
		Role:      string(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Recent 取某群最近 n 条消息，按时间升序返回（旧的在前）。
func (s *Store) Recent(ctx context.Context, groupID string, n int) ([]types.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	var records []Record
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at DESC, id DESC").
		Limit(n).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}

	messages := make([]types.Message, len(records))
	for i, rec := range records {
		// 倒序查询结果翻回时间升序
		messages[len(records)-1-i] = types.Message{
			Role:      types.Role(rec.Role),
			Content:   rec.Content,
			Sender:    rec.Sender,
			CreatedAt: rec.CreatedAt,
		}
	}
	return messages, nil
}

// Prune 删除某群 keep 条之外的旧消息，返回删除数。
func (s *Store) Prune(ctx context.Context, groupID string, keep int) (int64, error) {
	if keep <= 0 {
		keep = 1
	}
	sub := s.db.WithContext(ctx).
		Model(&Record{}).
		Select("id").
		Where("group_id = ?", groupID).
		Order("created_at DESC, id DESC").
		Limit(keep)

	res := s.db.WithContext(ctx).
		Where("group_id = ? AND id NOT IN (?)", groupID, sub).
		Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune messages: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Debug("history pruned",
			zap.String("group_id", groupID),
			zap.Int64("removed", res.RowsAffected),
		)
	}
	return res.RowsAffected, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
