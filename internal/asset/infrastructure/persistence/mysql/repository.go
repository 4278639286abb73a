// Package mysql 资产账本的 GORM 仓储实现。
// 所有写路径通过 db.FromContext 复用调用方事务。
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/ordersettlement/internal/asset/domain"
	"github.com/wyfcoding/ordersettlement/pkg/db"
)

// BalanceRepository 余额仓储
type BalanceRepository struct {
	db *gorm.DB
}

// NewBalanceRepository 创建余额仓储
func NewBalanceRepository(gdb *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: gdb}
}

// Save 保存余额
func (r *BalanceRepository) Save(ctx context.Context, balance *domain.Balance) error {
	if err := db.FromContext(ctx, r.db).WithContext(ctx).Save(balance).Error; err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

// FindByCustomerAndAsset 查询余额，事务内加排他锁串行化同一 (customer, asset) 的并发变更
func (r *BalanceRepository) FindByCustomerAndAsset(ctx context.Context, customerID, assetSymbol string) (*domain.Balance, error) {
	var balance domain.Balance
	err := db.ForUpdate(db.FromContext(ctx, r.db).WithContext(ctx)).
		Where("customer_id = ? AND asset_symbol = ?", customerID, assetSymbol).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBalanceNotFound
		}
		return nil, fmt.Errorf("failed to find balance: %w", err)
	}
	return &balance, nil
}

// ListByCustomer 查询客户全部余额
func (r *BalanceRepository) ListByCustomer(ctx context.Context, customerID string) ([]*domain.Balance, error) {
	var balances []*domain.Balance
	err := db.FromContext(ctx, r.db).WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("asset_symbol ASC").
		Find(&balances).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	return balances, nil
}

// ReservationRepository 预留仓储
type ReservationRepository struct {
	db *gorm.DB
}

// NewReservationRepository 创建预留仓储
func NewReservationRepository(gdb *gorm.DB) *ReservationRepository {
	return &ReservationRepository{db: gdb}
}

// Save 保存预留
func (r *ReservationRepository) Save(ctx context.Context, reservation *domain.Reservation) error {
	if err := db.FromContext(ctx, r.db).WithContext(ctx).Save(reservation).Error; err != nil {
		return fmt.Errorf("failed to save reservation: %w", err)
	}
	return nil
}

// FindByOrderAndAsset 按 (orderId, assetSymbol) 查询预留
func (r *ReservationRepository) FindByOrderAndAsset(ctx context.Context, orderID, assetSymbol string) (*domain.Reservation, error) {
	var reservation domain.Reservation
	err := db.FromContext(ctx, r.db).WithContext(ctx).
		Where("order_id = ? AND asset_symbol = ?", orderID, assetSymbol).
		First(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	return &reservation, nil
}

// FindActiveByOrder 查询订单的全部 ACTIVE 预留
func (r *ReservationRepository) FindActiveByOrder(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	var reservations []*domain.Reservation
	err := db.FromContext(ctx, r.db).WithContext(ctx).
		Where("order_id = ? AND status = ?", orderID, domain.ReservationActive).
		Find(&reservations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find active reservations: %w", err)
	}
	return reservations, nil
}

// FindExpired 查询过期未释放的 ACTIVE 预留，供过期清扫使用
func (r *ReservationRepository) FindExpired(ctx context.Context, before time.Time, limit int) ([]*domain.Reservation, error) {
	var reservations []*domain.Reservation
	err := db.FromContext(ctx, r.db).WithContext(ctx).
		Where("status = ? AND expires_at < ?", domain.ReservationActive, before).
		Order("expires_at ASC").
		Limit(limit).
		Find(&reservations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find expired reservations: %w", err)
	}
	return reservations, nil
}
