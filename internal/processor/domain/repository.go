package domain

import (
	"context"
	"time"
)

// QueueRepository 撮合队列仓储接口
type QueueRepository interface {
	// Save 保存队列记录
	Save(ctx context.Context, entry *QueueEntry) error
	// FindByOrderID 按订单 ID 查询
	FindByOrderID(ctx context.Context, orderID string) (*QueueEntry, error)
	// FindMatchable 查询对手方向的可撮合记录，按撮合优先级排序：
	// tier_priority 升序，价格对吃单方最优（对 BUY 簿降序、SELL 簿升序），queued_at 升序
	FindMatchable(ctx context.Context, assetSymbol string, side OrderSide, limit int) ([]*QueueEntry, error)
	// CountActive 活跃记录数；assetSymbol 为空时统计全部
	CountActive(ctx context.Context, assetSymbol string) (int64, error)
}

// TradeRepository 成交仓储接口
type TradeRepository interface {
	// Save 保存成交
	Save(ctx context.Context, trade *Trade) error
	// ListByAsset 按资产查询成交历史，按执行时间倒序
	ListByAsset(ctx context.Context, assetSymbol string, limit int) ([]*Trade, error)
}

// SagaRepository Saga 仓储接口
type SagaRepository interface {
	// Create 创建实例；correlation_id 冲突时返回 gorm.ErrDuplicatedKey
	Create(ctx context.Context, saga *SagaInstance) error
	// Update 带乐观版本检查的更新；版本不匹配返回 ErrVersionConflict
	Update(ctx context.Context, saga *SagaInstance) error
	// FindByCorrelationID 按关联 ID（orderId）查询
	FindByCorrelationID(ctx context.Context, correlationID string) (*SagaInstance, error)
	// FindRetryable 查询可重试的非终态实例
	FindRetryable(ctx context.Context, limit int) ([]*SagaInstance, error)
	// FindTimedOut 查询超过启动时限仍未结束的实例
	FindTimedOut(ctx context.Context, startedBefore time.Time, limit int) ([]*SagaInstance, error)
	// CountByStatus 按状态统计
	CountByStatus(ctx context.Context) (map[SagaStatus]int64, error)
}
