// Package domain 资产账本领域模型：客户资产余额与预留持仓。
// 余额不变式：usable ≥ 0 且 blocked ≥ 0 在任意可观察时刻成立；
// total = usable + blocked 在预留/释放间守恒，只有出入金与结算会改变它。
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// 领域错误
var (
	// ErrInsufficientBalance 可用余额不足，同步拒绝，不产生任何变更
	ErrInsufficientBalance = errors.New("insufficient usable balance")
	// ErrInsufficientBlocked 冻结余额不足
	ErrInsufficientBlocked = errors.New("insufficient blocked balance")
	// ErrBalanceNotFound 余额记录不存在
	ErrBalanceNotFound = errors.New("balance not found")
	// ErrReservationNotFound 预留记录不存在
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrInvalidState 非法状态迁移
	ErrInvalidState = errors.New("invalid state transition")
	// ErrInvalidAmount 金额必须为正
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Balance 客户资产余额。每 (customer_id, asset_symbol) 唯一，余额归零后保留不删除
type Balance struct {
	gorm.Model
	CustomerID  string          `gorm:"column:customer_id;type:varchar(64);not null;uniqueIndex:uk_customer_asset" json:"customer_id"`
	AssetSymbol string          `gorm:"column:asset_symbol;type:varchar(32);not null;uniqueIndex:uk_customer_asset" json:"asset_symbol"`
	UsableSize  decimal.Decimal `gorm:"column:usable_size;type:decimal(32,18);not null;default:0" json:"usable_size"`
	BlockedSize decimal.Decimal `gorm:"column:blocked_size;type:decimal(32,18);not null;default:0" json:"blocked_size"`
}

// TableName 表名
func (Balance) TableName() string {
	return "customer_assets"
}

// NewBalance 创建零余额记录
func NewBalance(customerID, assetSymbol string) *Balance {
	return &Balance{
		CustomerID:  customerID,
		AssetSymbol: assetSymbol,
		UsableSize:  decimal.Zero,
		BlockedSize: decimal.Zero,
	}
}

// TotalSize 总余额
func (b *Balance) TotalSize() decimal.Decimal {
	return b.UsableSize.Add(b.BlockedSize)
}

// Block 将可用余额转入冻结。可用不足时返回 ErrInsufficientBalance，不做任何变更
func (b *Balance) Block(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if b.UsableSize.LessThan(amount) {
		return fmt.Errorf("%w: usable=%s, requested=%s",
			ErrInsufficientBalance, b.UsableSize, amount)
	}
	b.UsableSize = b.UsableSize.Sub(amount)
	b.BlockedSize = b.BlockedSize.Add(amount)
	return nil
}

// Unblock 将冻结余额转回可用
func (b *Balance) Unblock(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if b.BlockedSize.LessThan(amount) {
		return fmt.Errorf("%w: blocked=%s, requested=%s",
			ErrInsufficientBlocked, b.BlockedSize, amount)
	}
	b.BlockedSize = b.BlockedSize.Sub(amount)
	b.UsableSize = b.UsableSize.Add(amount)
	return nil
}

// DebitBlocked 从冻结余额扣减（结算扣腿）
func (b *Balance) DebitBlocked(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if b.BlockedSize.LessThan(amount) {
		return fmt.Errorf("%w: blocked=%s, requested=%s",
			ErrInsufficientBlocked, b.BlockedSize, amount)
	}
	b.BlockedSize = b.BlockedSize.Sub(amount)
	return nil
}

// Credit 向可用余额入账（出入金与结算收腿）
func (b *Balance) Credit(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	b.UsableSize = b.UsableSize.Add(amount)
	return nil
}

// DebitUsable 从可用余额扣减（出金）
func (b *Balance) DebitUsable(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if b.UsableSize.LessThan(amount) {
		return fmt.Errorf("%w: usable=%s, requested=%s",
			ErrInsufficientBalance, b.UsableSize, amount)
	}
	b.UsableSize = b.UsableSize.Sub(amount)
	return nil
}

// ReservationStatus 预留状态
type ReservationStatus string

// 预留状态枚举
const (
	ReservationActive   ReservationStatus = "ACTIVE"
	ReservationConsumed ReservationStatus = "CONSUMED"
	ReservationReleased ReservationStatus = "RELEASED"
	ReservationExpired  ReservationStatus = "EXPIRED"
)

// Reservation 资产预留。每 (order_id, asset_symbol) 至多一条 ACTIVE。
// ReservedAmount 是剩余预留额度，随部分成交逐笔扣减，归零时整体转 CONSUMED
type Reservation struct {
	gorm.Model
	CustomerID     string            `gorm:"column:customer_id;type:varchar(64);not null;index" json:"customer_id"`
	OrderID        string            `gorm:"column:order_id;type:varchar(64);not null;uniqueIndex:uk_order_asset" json:"order_id"`
	AssetSymbol    string            `gorm:"column:asset_symbol;type:varchar(32);not null;uniqueIndex:uk_order_asset" json:"asset_symbol"`
	ReservedAmount decimal.Decimal   `gorm:"column:reserved_amount;type:decimal(32,18);not null" json:"reserved_amount"`
	Status         ReservationStatus `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	ExpiresAt      time.Time         `gorm:"column:expires_at;not null;index" json:"expires_at"`
	ReleaseReason  string            `gorm:"column:release_reason;type:varchar(255)" json:"release_reason"`
}

// TableName 表名
func (Reservation) TableName() string {
	return "asset_reservations"
}

// NewReservation 创建 ACTIVE 预留
func NewReservation(customerID, orderID, assetSymbol string, amount decimal.Decimal, ttl time.Duration) *Reservation {
	return &Reservation{
		CustomerID:     customerID,
		OrderID:        orderID,
		AssetSymbol:    assetSymbol,
		ReservedAmount: amount,
		Status:         ReservationActive,
		ExpiresAt:      time.Now().Add(ttl),
	}
}

// IsActive 是否处于活跃状态
func (r *Reservation) IsActive() bool {
	return r.Status == ReservationActive
}

// ApplyFill 结算扣减消费一部分预留额度，支持同一订单跨多笔成交。
// 剩余额度归零时转 CONSUMED
func (r *Reservation) ApplyFill(amount decimal.Decimal) error {
	if r.Status != ReservationActive {
		return fmt.Errorf("%w: cannot fill reservation in status %s", ErrInvalidState, r.Status)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if r.ReservedAmount.LessThan(amount) {
		return fmt.Errorf("%w: fill %s exceeds reserved %s",
			ErrInvalidAmount, amount, r.ReservedAmount)
	}
	r.ReservedAmount = r.ReservedAmount.Sub(amount)
	if r.ReservedAmount.IsZero() {
		r.Status = ReservationConsumed
	}
	return nil
}

// CloseResidue 订单完全成交后关闭预留。
// 成交价优于预留价时会留下差额，调用方须先将差额退回可用余额
func (r *Reservation) CloseResidue(reason string) error {
	if r.Status != ReservationActive {
		return fmt.Errorf("%w: cannot close reservation in status %s", ErrInvalidState, r.Status)
	}
	r.ReservedAmount = decimal.Zero
	r.Status = ReservationConsumed
	r.ReleaseReason = reason
	return nil
}

// Release 释放预留。只允许 ACTIVE → RELEASED
func (r *Reservation) Release(reason string) error {
	if r.Status != ReservationActive {
		return fmt.Errorf("%w: cannot release reservation in status %s", ErrInvalidState, r.Status)
	}
	r.Status = ReservationReleased
	r.ReleaseReason = reason
	return nil
}

// Expire 过期释放。只允许 ACTIVE → EXPIRED
func (r *Reservation) Expire() error {
	if r.Status != ReservationActive {
		return fmt.Errorf("%w: cannot expire reservation in status %s", ErrInvalidState, r.Status)
	}
	r.Status = ReservationExpired
	r.ReleaseReason = "expired"
	return nil
}
