// Package idempotency 实现幂等消费：处理标记与业务变更同事务写入，
// 重复 eventId 直接跳过，保证同一事件的经济效果只发生一次。
package idempotency

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/ordersettlement/pkg/db"
	"github.com/wyfcoding/ordersettlement/pkg/logger"
)

// ProcessedEvent 已处理事件标记。只用于去重，不承载业务数据
type ProcessedEvent struct {
	// 事件 ID，全局唯一
	EventID     string    `gorm:"column:event_id;type:varchar(36);primaryKey" json:"event_id"`
	EventType   string    `gorm:"column:event_type;type:varchar(100);index;not null" json:"event_type"`
	AggregateID string    `gorm:"column:aggregate_id;type:varchar(64);index" json:"aggregate_id"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null" json:"processed_at"`
}

// TableName 表名
func (ProcessedEvent) TableName() string {
	return "processed_events"
}

// Guard 幂等执行器
type Guard struct {
	db *gorm.DB
}

// NewGuard 创建幂等执行器
func NewGuard(gdb *gorm.DB) *Guard {
	return &Guard{db: gdb}
}

// Execute 幂等地执行 fn：标记插入与 fn 的状态变更在同一事务提交。
// 事件已处理过时跳过 fn，返回 handled=false（这是正常的重复投递，不是错误）。
// fn 半途失败时事务整体回滚，不会出现"已处理未标记"或"已标记未处理"。
func (g *Guard) Execute(ctx context.Context, eventID, eventType, aggregateID string, fn func(txCtx context.Context) error) (handled bool, err error) {
	err = db.WithTx(ctx, g.db, func(txCtx context.Context) error {
		tx := db.FromContext(txCtx, g.db)

		marker := &ProcessedEvent{
			EventID:     eventID,
			EventType:   eventType,
			AggregateID: aggregateID,
			ProcessedAt: time.Now(),
		}
		if err := tx.WithContext(txCtx).Create(marker).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				logger.Info(txCtx, "Event already processed, skipping",
					"event_id", eventID, "event_type", eventType)
				return errAlreadyProcessed
			}
			return err
		}

		return fn(txCtx)
	})

	if errors.Is(err, errAlreadyProcessed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Seen 查询事件是否已处理（只读，不加标记）
func (g *Guard) Seen(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	return count > 0, err
}

var errAlreadyProcessed = errors.New("event already processed")
