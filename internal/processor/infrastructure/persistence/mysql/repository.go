// Package mysql 订单处理服务的 GORM 仓储实现
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/ordersettlement/internal/processor/domain"
	"github.com/wyfcoding/ordersettlement/pkg/db"
)

// QueueRepository 撮合队列仓储
type QueueRepository struct {
	db *gorm.DB
}

// NewQueueRepository 创建撮合队列仓储
func NewQueueRepository(gdb *gorm.DB) *QueueRepository {
	return &QueueRepository{db: gdb}
}

// Save 保存队列记录
func (r *QueueRepository) Save(ctx context.Context, entry *domain.QueueEntry) error {
	if err := db.FromContext(ctx, r.db).WithContext(ctx).Save(entry).Error; err != nil {
		return fmt.Errorf("failed to save queue entry: %w", err)
	}
	return nil
}

// FindByOrderID 按订单 ID 查询
func (r *QueueRepository) FindByOrderID(ctx context.Context, orderID string) (*domain.QueueEntry, error) {
	var entry domain.QueueEntry
	err := db.FromContext(ctx, r.db).WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to find queue entry: %w", err)
	}
	return &entry, nil
}

// FindMatchable 查询可撮合记录，排序严格为：
// tier_priority 升序 > 价格（BUY 簿降序 / SELL 簿升序）> queued_at 升序
func (r *QueueRepository) FindMatchable(ctx context.Context, assetSymbol string, side domain.OrderSide, limit int) ([]*domain.QueueEntry, error) {
	priceOrder := "price ASC"
	if side == domain.SideBuy {
		priceOrder = "price DESC"
	}

	var entries []*domain.QueueEntry
	err := db.ForUpdate(db.FromContext(ctx, r.db).WithContext(ctx)).
		Where("asset_symbol = ? AND side = ? AND status IN ?",
			assetSymbol, side,
			[]domain.EntryStatus{domain.EntryActive, domain.EntryPartiallyMatched}).
		Order("tier_priority ASC").
		Order(priceOrder).
		Order("queued_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find matchable entries: %w", err)
	}
	return entries, nil
}

// CountActive 活跃记录数
func (r *QueueRepository) CountActive(ctx context.Context, assetSymbol string) (int64, error) {
	query := db.FromContext(ctx, r.db).WithContext(ctx).
		Model(&domain.QueueEntry{}).
		Where("status IN ?", []domain.EntryStatus{domain.EntryActive, domain.EntryPartiallyMatched})
	if assetSymbol != "" {
		query = query.Where("asset_symbol = ?", assetSymbol)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count active entries: %w", err)
	}
	return count, nil
}

// TradeRepository 成交仓储
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository 创建成交仓储
func NewTradeRepository(gdb *gorm.DB) *TradeRepository {
	return &TradeRepository{db: gdb}
}

// Save 保存成交
func (r *TradeRepository) Save(ctx context.Context, trade *domain.Trade) error {
	if err := db.FromContext(ctx, r.db).WithContext(ctx).Create(trade).Error; err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// ListByAsset 按资产查询成交历史
func (r *TradeRepository) ListByAsset(ctx context.Context, assetSymbol string, limit int) ([]*domain.Trade, error) {
	var trades []*domain.Trade
	err := db.FromContext(ctx, r.db).WithContext(ctx).
		Where("asset_symbol = ?", assetSymbol).
		Order("executed_at DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// SagaRepository Saga 仓储
type SagaRepository struct {
	db *gorm.DB
}

// NewSagaRepository 创建 Saga 仓储
func NewSagaRepository(gdb *gorm.DB) *SagaRepository {
	return &SagaRepository{db: gdb}
}

// Create 创建实例
func (r *SagaRepository) Create(ctx context.Context, saga *domain.SagaInstance) error {
	return db.FromContext(ctx, r.db).WithContext(ctx).Create(saga).Error
}

// Update 带乐观版本检查的更新。
// 以读取时的 version 作为条件，更新同时递增 version；
// 没有命中行说明版本已被并发修改，返回 ErrVersionConflict
func (r *SagaRepository) Update(ctx context.Context, saga *domain.SagaInstance) error {
	readVersion := saga.Version
	saga.Version++

	result := db.FromContext(ctx, r.db).WithContext(ctx).
		Model(&domain.SagaInstance{}).
		Where("id = ? AND version = ?", saga.ID, readVersion).
		Updates(map[string]interface{}{
			"status":          saga.Status,
			"current_step":    saga.CurrentStep,
			"completed_steps": saga.CompletedSteps,
			"failed_step":     saga.FailedStep,
			"error_message":   saga.ErrorMessage,
			"retry_count":     saga.RetryCount,
			"version":         saga.Version,
			"completed_at":    saga.CompletedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update saga: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		saga.Version = readVersion
		return domain.ErrVersionConflict
	}
	return nil
}

// FindByCorrelationID 按关联 ID 查询
func (r *SagaRepository) FindByCorrelationID(ctx context.Context, correlationID string) (*domain.SagaInstance, error) {
	var saga domain.SagaInstance
	err := db.FromContext(ctx, r.db).WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		First(&saga).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSagaNotFound
		}
		return nil, fmt.Errorf("failed to find saga: %w", err)
	}
	return &saga, nil
}

// FindRetryable 查询可重试的非终态实例
func (r *SagaRepository) FindRetryable(ctx context.Context, limit int) ([]*domain.SagaInstance, error) {
	var sagas []*domain.SagaInstance
	err := db.FromContext(ctx, r.db).WithContext(ctx).
		Where("status IN ? AND retry_count < max_retries",
			[]domain.SagaStatus{domain.SagaStarted, domain.SagaInProgress, domain.SagaCompensating}).
		Order("started_at ASC").
		Limit(limit).
		Find(&sagas).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find retryable sagas: %w", err)
	}
	return sagas, nil
}

// FindTimedOut 查询超时未结束的实例
func (r *SagaRepository) FindTimedOut(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.SagaInstance, error) {
	var sagas []*domain.SagaInstance
	err := db.FromContext(ctx, r.db).WithContext(ctx).
		Where("status IN ? AND started_at < ?",
			[]domain.SagaStatus{domain.SagaStarted, domain.SagaInProgress}, startedBefore).
		Order("started_at ASC").
		Limit(limit).
		Find(&sagas).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find timed out sagas: %w", err)
	}
	return sagas, nil
}

// CountByStatus 按状态统计实例数
func (r *SagaRepository) CountByStatus(ctx context.Context) (map[domain.SagaStatus]int64, error) {
	type row struct {
		Status domain.SagaStatus
		Count  int64
	}
	var rows []row
	err := db.FromContext(ctx, r.db).WithContext(ctx).
		Model(&domain.SagaInstance{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count sagas: %w", err)
	}

	counts := make(map[domain.SagaStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
