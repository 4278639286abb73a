package domain

import (
	"context"
	"time"
)

// BalanceRepository 余额仓储接口
type BalanceRepository interface {
	// Save 保存余额（新建或更新）
	Save(ctx context.Context, balance *Balance) error
	// FindByCustomerAndAsset 查询指定客户的指定资产余额，加排他锁
	FindByCustomerAndAsset(ctx context.Context, customerID, assetSymbol string) (*Balance, error)
	// ListByCustomer 查询客户全部资产余额
	ListByCustomer(ctx context.Context, customerID string) ([]*Balance, error)
}

// ReservationRepository 预留仓储接口
type ReservationRepository interface {
	// Save 保存预留
	Save(ctx context.Context, reservation *Reservation) error
	// FindByOrderAndAsset 按 (orderId, assetSymbol) 查询预留
	FindByOrderAndAsset(ctx context.Context, orderID, assetSymbol string) (*Reservation, error)
	// FindActiveByOrder 查询订单的全部 ACTIVE 预留
	FindActiveByOrder(ctx context.Context, orderID string) ([]*Reservation, error)
	// FindExpired 查询已过期的 ACTIVE 预留
	FindExpired(ctx context.Context, before time.Time, limit int) ([]*Reservation, error)
}
