// Package consumer 资产服务的事件消费入口。
// 按 eventId 幂等消费 order-events：标记插入与账本变更同事务提交，
// 重复事件跳过，畸形事件记录日志后丢弃，都不阻塞分区。
package consumer

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/ordersettlement/internal/asset/application"
	"github.com/wyfcoding/ordersettlement/internal/asset/domain"
	"github.com/wyfcoding/ordersettlement/internal/events"
	"github.com/wyfcoding/ordersettlement/pkg/idempotency"
	"github.com/wyfcoding/ordersettlement/pkg/logger"
	"github.com/wyfcoding/ordersettlement/pkg/metrics"
	"github.com/wyfcoding/ordersettlement/pkg/mq"
	"github.com/wyfcoding/ordersettlement/pkg/outbox"
)

// OrderEventConsumer order-events 消费者
type OrderEventConsumer struct {
	db      *gorm.DB
	guard   *idempotency.Guard
	service *application.Service
	metrics *metrics.Metrics
}

// NewOrderEventConsumer 创建消费者。m 允许为 nil
func NewOrderEventConsumer(gdb *gorm.DB, guard *idempotency.Guard, service *application.Service, m *metrics.Metrics) *OrderEventConsumer {
	return &OrderEventConsumer{db: gdb, guard: guard, service: service, metrics: m}
}

// Handle 处理一条 order-events 消息
func (c *OrderEventConsumer) Handle(ctx context.Context, msg *mq.Message) error {
	start := time.Now()

	env, err := events.ParseEnvelope(msg.Value)
	if err != nil {
		logger.Error(ctx, "Dropping malformed event",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		if c.metrics != nil {
			c.metrics.EventsMalformedTotal.Inc()
		}
		return nil
	}

	var handleErr error
	switch env.EventType {
	case events.TypeOrderCreated:
		handleErr = c.handleOrderCreated(ctx, env, msg.Value)
	case events.TypeOrderCancelled:
		handleErr = c.handleOrderCancelled(ctx, env, msg.Value)
	case events.TypeOrderMatched:
		handleErr = c.handleOrderMatched(ctx, env, msg.Value)
	default:
		// 本主题上的其他事件（Asset* 等）与账本无关，直接放过
		return nil
	}

	if c.metrics != nil {
		c.metrics.EventsConsumedTotal.Inc()
		c.metrics.EventHandleDuration.Observe(time.Since(start).Seconds())
	}
	return handleErr
}

func (c *OrderEventConsumer) dropMalformed(ctx context.Context, eventID string, err error) {
	logger.Error(ctx, "Dropping malformed event", "event_id", eventID, "error", err)
	if c.metrics != nil {
		c.metrics.EventsMalformedTotal.Inc()
	}
}

// handleOrderCreated 订单创建：按方向预留资产。
// BUY 预留 TRY（订单总值），SELL 预留标的资产（数量）。
// 余额不足不是处理失败：发件 AssetReservationFailed，事件照常标记已处理。
func (c *OrderEventConsumer) handleOrderCreated(ctx context.Context, env *events.Envelope, payload []byte) error {
	var event events.OrderCreatedEvent
	if err := events.Decode(payload, &event); err != nil {
		c.dropMalformed(ctx, env.EventID, err)
		return nil
	}
	if err := event.Validate(); err != nil {
		logger.Error(ctx, "Dropping invalid OrderCreatedEvent",
			"event_id", env.EventID, "error", err)
		if c.metrics != nil {
			c.metrics.EventsMalformedTotal.Inc()
		}
		return nil
	}

	handled, err := c.guard.Execute(ctx, env.EventID, env.EventType, event.OrderID, func(txCtx context.Context) error {
		assetSymbol, amount := event.AssetSymbol, event.Size
		if event.OrderSide == events.SideBuy {
			assetSymbol, amount = "TRY", event.TotalValue
		}

		_, err := c.service.Reserve(txCtx, event.CustomerID, assetSymbol, amount, event.OrderID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrInsufficientBalance) {
			return err
		}

		// 预留被拒，通知订单处理方走补偿路径
		logger.Warn(txCtx, "Asset reservation rejected",
			"order_id", event.OrderID, "customer_id", event.CustomerID,
			"asset_symbol", assetSymbol, "amount", amount, "error", err)
		record, recErr := outbox.New("Order", event.OrderID, events.TypeAssetReservationFailed, events.TopicOrderEvents, event.OrderID, &events.AssetReservationFailedEvent{
			EventID:     events.NewID(),
			EventType:   events.TypeAssetReservationFailed,
			OrderID:     event.OrderID,
			CustomerID:  event.CustomerID,
			AssetSymbol: assetSymbol,
			Reason:      err.Error(),
			Timestamp:   time.Now(),
		})
		if recErr != nil {
			return recErr
		}
		return outbox.Append(txCtx, c.db, record)
	})
	if err != nil {
		return err
	}
	if !handled && c.metrics != nil {
		c.metrics.EventsDuplicateTotal.Inc()
	}
	return nil
}

// handleOrderCancelled 订单取消：释放该订单的全部 ACTIVE 预留
func (c *OrderEventConsumer) handleOrderCancelled(ctx context.Context, env *events.Envelope, payload []byte) error {
	var event events.OrderCancelledEvent
	if err := events.Decode(payload, &event); err != nil {
		c.dropMalformed(ctx, env.EventID, err)
		return nil
	}
	if event.OrderID == "" {
		logger.Error(ctx, "Dropping OrderCancelledEvent without orderId", "event_id", env.EventID)
		if c.metrics != nil {
			c.metrics.EventsMalformedTotal.Inc()
		}
		return nil
	}

	reason := event.Reason
	if reason == "" {
		reason = "order cancelled"
	}

	handled, err := c.guard.Execute(ctx, env.EventID, env.EventType, event.OrderID, func(txCtx context.Context) error {
		return c.service.ReleaseByOrder(txCtx, event.OrderID, reason)
	})
	if err != nil {
		return err
	}
	if !handled && c.metrics != nil {
		c.metrics.EventsDuplicateTotal.Inc()
	}
	return nil
}

// handleOrderMatched 撮合成交：两腿结算。
// BUY 成交扣 TRY 冻结、收标的资产；SELL 成交扣标的冻结、收 TRY。
// 完全成交时剩余预留差额退回可用余额。
func (c *OrderEventConsumer) handleOrderMatched(ctx context.Context, env *events.Envelope, payload []byte) error {
	var event events.OrderMatchedEvent
	if err := events.Decode(payload, &event); err != nil {
		c.dropMalformed(ctx, env.EventID, err)
		return nil
	}
	if event.OrderID == "" || event.CustomerID == "" {
		logger.Error(ctx, "Dropping incomplete OrderMatchedEvent", "event_id", env.EventID)
		if c.metrics != nil {
			c.metrics.EventsMalformedTotal.Inc()
		}
		return nil
	}

	handled, err := c.guard.Execute(ctx, env.EventID, env.EventType, event.OrderID, func(txCtx context.Context) error {
		if event.OrderSide == events.SideBuy {
			return c.service.Settle(txCtx, event.CustomerID, event.OrderID,
				"TRY", event.MatchedValue, event.AssetSymbol, event.MatchedSize, event.FullyMatched)
		}
		return c.service.Settle(txCtx, event.CustomerID, event.OrderID,
			event.AssetSymbol, event.MatchedSize, "TRY", event.MatchedValue, event.FullyMatched)
	})
	if err != nil {
		return err
	}
	if !handled && c.metrics != nil {
		c.metrics.EventsDuplicateTotal.Inc()
	}
	return nil
}
