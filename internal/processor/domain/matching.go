// Package domain 订单处理领域模型：撮合队列、成交记录与 Saga 实例
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
	// ErrEntryNotFound 队列记录不存在
	ErrEntryNotFound = errors.New("queue entry not found")
	// ErrSagaNotFound Saga 实例不存在
	ErrSagaNotFound = errors.New("saga instance not found")
	// ErrInvalidTransition 非法状态迁移
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrVersionConflict 乐观锁版本冲突，重读后重试或放弃
	ErrVersionConflict = errors.New("optimistic version conflict")
)

// OrderSide 订单方向
type OrderSide string

// 方向枚举
const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite 对手方向
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// EntryStatus 队列记录状态
type EntryStatus string

// 队列记录状态枚举
const (
	EntryActive           EntryStatus = "ACTIVE"
	EntryPartiallyMatched EntryStatus = "PARTIALLY_MATCHED"
	EntryFullyMatched     EntryStatus = "FULLY_MATCHED"
	EntryCanceled         EntryStatus = "CANCELED"
	EntryExpired          EntryStatus = "EXPIRED"
)

// QueueEntry 撮合队列记录（订单簿行）。
// 撮合优先级严格按 tier_priority 升序、价格对吃单方最优、queued_at 升序
type QueueEntry struct {
	gorm.Model
	OrderID       string          `gorm:"column:order_id;type:varchar(64);not null;uniqueIndex" json:"order_id"`
	CustomerID    string          `gorm:"column:customer_id;type:varchar(64);not null;index" json:"customer_id"`
	AssetSymbol   string          `gorm:"column:asset_symbol;type:varchar(32);not null;index:idx_book,priority:1" json:"asset_symbol"`
	Side          OrderSide       `gorm:"column:side;type:varchar(8);not null;index:idx_book,priority:2" json:"side"`
	Price         decimal.Decimal `gorm:"column:price;type:decimal(32,18);not null" json:"price"`
	OriginalSize  decimal.Decimal `gorm:"column:original_size;type:decimal(32,18);not null" json:"original_size"`
	RemainingSize decimal.Decimal `gorm:"column:remaining_size;type:decimal(32,18);not null" json:"remaining_size"`
	TierPriority  int             `gorm:"column:tier_priority;not null;default:3" json:"tier_priority"`
	Status        EntryStatus     `gorm:"column:status;type:varchar(24);not null;index:idx_book,priority:3" json:"status"`
	QueuedAt      time.Time       `gorm:"column:queued_at;not null;index" json:"queued_at"`
	MatchedAt     *time.Time      `gorm:"column:matched_at" json:"matched_at"`
}

// TableName 表名
func (QueueEntry) TableName() string {
	return "matching_queue"
}

// NewQueueEntry 创建 ACTIVE 队列记录
func NewQueueEntry(orderID, customerID, assetSymbol string, side OrderSide, price, size decimal.Decimal, tierPriority int) *QueueEntry {
	return &QueueEntry{
		OrderID:       orderID,
		CustomerID:    customerID,
		AssetSymbol:   assetSymbol,
		Side:          side,
		Price:         price,
		OriginalSize:  size,
		RemainingSize: size,
		TierPriority:  tierPriority,
		Status:        EntryActive,
		QueuedAt:      time.Now(),
	}
}

// IsMatchable 是否仍参与撮合
func (e *QueueEntry) IsMatchable() bool {
	return e.Status == EntryActive || e.Status == EntryPartiallyMatched
}

// IsTerminal 是否终态
func (e *QueueEntry) IsTerminal() bool {
	return e.Status == EntryFullyMatched || e.Status == EntryCanceled || e.Status == EntryExpired
}

// Crosses 价格是否交叉：买价 ≥ 卖价
func (e *QueueEntry) Crosses(other *QueueEntry) bool {
	if e.Side == other.Side {
		return false
	}
	buy, sell := e, other
	if e.Side == SideSell {
		buy, sell = other, e
	}
	return buy.Price.GreaterThanOrEqual(sell.Price)
}

// ApplyFill 应用一次成交：扣减剩余数量，打满转 FULLY_MATCHED。
// qty 不得超过剩余数量，剩余数量永不为负
func (e *QueueEntry) ApplyFill(qty decimal.Decimal) error {
	if !e.IsMatchable() {
		return fmt.Errorf("%w: cannot fill entry in status %s", ErrInvalidTransition, e.Status)
	}
	if qty.LessThanOrEqual(decimal.Zero) || qty.GreaterThan(e.RemainingSize) {
		return fmt.Errorf("%w: fill qty %s out of range, remaining %s",
			ErrInvalidTransition, qty, e.RemainingSize)
	}
	e.RemainingSize = e.RemainingSize.Sub(qty)
	now := time.Now()
	e.MatchedAt = &now
	if e.RemainingSize.IsZero() {
		e.Status = EntryFullyMatched
	} else {
		e.Status = EntryPartiallyMatched
	}
	return nil
}

// Cancel 取消队列记录。已终态时不变更，返回 false（正常重复，不是错误）
func (e *QueueEntry) Cancel() bool {
	if !e.IsMatchable() {
		return false
	}
	e.Status = EntryCanceled
	return true
}

// Trade 成交记录
type Trade struct {
	gorm.Model
	BuyOrderID  string          `gorm:"column:buy_order_id;type:varchar(64);not null;index" json:"buy_order_id"`
	SellOrderID string          `gorm:"column:sell_order_id;type:varchar(64);not null;index" json:"sell_order_id"`
	BuyerID     string          `gorm:"column:buyer_id;type:varchar(64);not null" json:"buyer_id"`
	SellerID    string          `gorm:"column:seller_id;type:varchar(64);not null" json:"seller_id"`
	AssetSymbol string          `gorm:"column:asset_symbol;type:varchar(32);not null;index" json:"asset_symbol"`
	Quantity    decimal.Decimal `gorm:"column:quantity;type:decimal(32,18);not null" json:"quantity"`
	Price       decimal.Decimal `gorm:"column:price;type:decimal(32,18);not null" json:"price"`
	TotalValue  decimal.Decimal `gorm:"column:total_value;type:decimal(32,18);not null" json:"total_value"`
	ExecutedAt  time.Time       `gorm:"column:executed_at;not null;index" json:"executed_at"`
}

// TableName 表名
func (Trade) TableName() string {
	return "trades"
}

// NewTrade 创建成交记录，成交价取挂单（maker）价格
func NewTrade(buy, sell *QueueEntry, qty, price decimal.Decimal) *Trade {
	return &Trade{
		BuyOrderID:  buy.OrderID,
		SellOrderID: sell.OrderID,
		BuyerID:     buy.CustomerID,
		SellerID:    sell.CustomerID,
		AssetSymbol: buy.AssetSymbol,
		Quantity:    qty,
		Price:       price,
		TotalValue:  qty.Mul(price),
		ExecutedAt:  time.Now(),
	}
}
