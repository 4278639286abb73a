// Package events 定义结算流水线的事件契约。
// 所有事件以 JSON 编码，携带全局唯一 eventId 供消费端幂等去重；
// 分区键使用聚合 ID（orderId），保证同一聚合的事件按序投递。
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// 事件总线主题
const (
	TopicOrderEvents        = "order-events"
	TopicOrderStatusUpdates = "order-status-updates"
)

// 事件类型
const (
	TypeOrderCreated           = "OrderCreatedEvent"
	TypeOrderCancelled         = "OrderCancelledEvent"
	TypeOrderMatched           = "OrderMatchedEvent"
	TypeOrderStatusUpdate      = "OrderStatusUpdateEvent"
	TypeSagaCompleted          = "SagaCompletedEvent"
	TypeSagaFailed             = "SagaFailedEvent"
	TypeAssetReserved          = "AssetReservedEvent"
	TypeAssetReservationFailed = "AssetReservationFailedEvent"
	TypeAssetReleased          = "AssetReleasedEvent"
	TypeAssetDebited           = "AssetDebitedEvent"
	TypeAssetCredited          = "AssetCreditedEvent"
)

// 订单状态更新取值
const (
	StatusAssetReserved  = "ASSET_RESERVED"
	StatusOrderConfirmed = "ORDER_CONFIRMED"
	StatusMatched        = "MATCHED"
	StatusRejected       = "REJECTED"
	StatusCancelled      = "CANCELLED"
)

// 订单方向
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Envelope 事件信封，只含路由所需字段。
// 消费端先解析信封决定分发，再按 eventType 解析完整事件
type Envelope struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
}

// ErrMalformed 畸形事件错误。畸形事件记录日志后丢弃，不重试、不阻塞分区
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("malformed event: %s", e.Reason)
}

// ParseEnvelope 解析事件信封，校验必填字段
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ErrMalformed{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if env.EventID == "" {
		return nil, &ErrMalformed{Reason: "missing eventId"}
	}
	if env.EventType == "" {
		return nil, &ErrMalformed{Reason: "missing eventType"}
	}
	return &env, nil
}

// Decode 将事件体解析到目标结构
func Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &ErrMalformed{Reason: fmt.Sprintf("invalid payload: %v", err)}
	}
	return nil
}

// OrderCreatedEvent 订单创建事件，由订单服务发出
type OrderCreatedEvent struct {
	EventID      string          `json:"eventId"`
	EventType    string          `json:"eventType"`
	OrderID      string          `json:"orderId"`
	CustomerID   string          `json:"customerId"`
	AssetSymbol  string          `json:"assetSymbol"`
	OrderSide    string          `json:"orderSide"`
	Size         decimal.Decimal `json:"size"`
	Price        decimal.Decimal `json:"price"`
	TotalValue   decimal.Decimal `json:"totalValue"`
	TierPriority int             `json:"tierPriority"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Validate 校验必填字段
func (e *OrderCreatedEvent) Validate() error {
	if e.OrderID == "" {
		return &ErrMalformed{Reason: "missing orderId"}
	}
	if e.CustomerID == "" {
		return &ErrMalformed{Reason: "missing customerId"}
	}
	if e.AssetSymbol == "" {
		return &ErrMalformed{Reason: "missing assetSymbol"}
	}
	if e.OrderSide != SideBuy && e.OrderSide != SideSell {
		return &ErrMalformed{Reason: fmt.Sprintf("unknown orderSide %q", e.OrderSide)}
	}
	return nil
}

// OrderCancelledEvent 订单取消事件
type OrderCancelledEvent struct {
	EventID     string    `json:"eventId"`
	EventType   string    `json:"eventType"`
	OrderID     string    `json:"orderId"`
	CustomerID  string    `json:"customerId"`
	AssetSymbol string    `json:"assetSymbol"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// OrderMatchedEvent 撮合成交事件，对买卖双方各发一条（以各自 orderId 为分区键）
type OrderMatchedEvent struct {
	EventID          string          `json:"eventId"`
	EventType        string          `json:"eventType"`
	OrderID          string          `json:"orderId"`
	CustomerID       string          `json:"customerId"`
	CounterOrderID   string          `json:"counterOrderId"`
	AssetSymbol      string          `json:"assetSymbol"`
	OrderSide        string          `json:"orderSide"`
	MatchedSize      decimal.Decimal `json:"matchedSize"`
	MatchedPrice     decimal.Decimal `json:"matchedPrice"`
	MatchedValue     decimal.Decimal `json:"matchedValue"`
	FullyMatched     bool            `json:"fullyMatched"`
	Timestamp        time.Time       `json:"timestamp"`
}

// OrderStatusUpdateEvent 订单状态更新事件，回流给订单服务
type OrderStatusUpdateEvent struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	OrderID   string    `json:"orderId"`
	NewStatus string    `json:"newStatus"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SagaCompletedEvent Saga 完成事件
type SagaCompletedEvent struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	OrderID   string    `json:"orderId"`
	Timestamp time.Time `json:"timestamp"`
}

// SagaFailedEvent Saga 失败事件
type SagaFailedEvent struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	OrderID   string    `json:"orderId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// AssetReservedEvent 资产预留成功事件
type AssetReservedEvent struct {
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	OrderID        string          `json:"orderId"`
	CustomerID     string          `json:"customerId"`
	AssetSymbol    string          `json:"assetSymbol"`
	ReservedAmount decimal.Decimal `json:"reservedAmount"`
	Timestamp      time.Time       `json:"timestamp"`
}

// AssetReservationFailedEvent 资产预留失败事件
type AssetReservationFailedEvent struct {
	EventID     string    `json:"eventId"`
	EventType   string    `json:"eventType"`
	OrderID     string    `json:"orderId"`
	CustomerID  string    `json:"customerId"`
	AssetSymbol string    `json:"assetSymbol"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// AssetReleasedEvent 资产释放事件
type AssetReleasedEvent struct {
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	OrderID        string          `json:"orderId"`
	CustomerID     string          `json:"customerId"`
	AssetSymbol    string          `json:"assetSymbol"`
	ReleasedAmount decimal.Decimal `json:"releasedAmount"`
	Reason         string          `json:"reason"`
	Timestamp      time.Time       `json:"timestamp"`
}

// AssetDebitedEvent 资产扣减事件（结算扣腿）
type AssetDebitedEvent struct {
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	OrderID     string          `json:"orderId"`
	CustomerID  string          `json:"customerId"`
	AssetSymbol string          `json:"assetSymbol"`
	Amount      decimal.Decimal `json:"amount"`
	Timestamp   time.Time       `json:"timestamp"`
}

// AssetCreditedEvent 资产入账事件（结算收腿）
type AssetCreditedEvent struct {
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	OrderID     string          `json:"orderId"`
	CustomerID  string          `json:"customerId"`
	AssetSymbol string          `json:"assetSymbol"`
	Amount      decimal.Decimal `json:"amount"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewID 生成事件 ID
func NewID() string {
	return uuid.NewString()
}
