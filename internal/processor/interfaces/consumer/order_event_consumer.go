// Package consumer 订单处理服务的事件消费入口。
// 驱动 Saga 推进与撮合入队，按 eventId 幂等消费，
// 畸形事件记录日志后丢弃，不阻塞分区。
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/wyfcoding/ordersettlement/internal/events"
	"github.com/wyfcoding/ordersettlement/internal/processor/application"
	"github.com/wyfcoding/ordersettlement/internal/processor/domain"
	"github.com/wyfcoding/ordersettlement/pkg/idempotency"
	"github.com/wyfcoding/ordersettlement/pkg/logger"
	"github.com/wyfcoding/ordersettlement/pkg/metrics"
	"github.com/wyfcoding/ordersettlement/pkg/mq"
)

// OrderEventConsumer order-events 消费者
type OrderEventConsumer struct {
	guard        *idempotency.Guard
	orchestrator *application.SagaOrchestrator
	matching     *application.MatchingService
	metrics      *metrics.Metrics
}

// NewOrderEventConsumer 创建消费者。m 允许为 nil
func NewOrderEventConsumer(guard *idempotency.Guard, orchestrator *application.SagaOrchestrator, matching *application.MatchingService, m *metrics.Metrics) *OrderEventConsumer {
	return &OrderEventConsumer{guard: guard, orchestrator: orchestrator, matching: matching, metrics: m}
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
	case events.TypeAssetReserved:
		handleErr = c.handleAssetReserved(ctx, env, msg.Value)
	case events.TypeAssetReservationFailed:
		handleErr = c.handleReservationFailed(ctx, env, msg.Value)
	case events.TypeOrderCancelled:
		handleErr = c.handleOrderCancelled(ctx, env, msg.Value)
	default:
		// OrderMatched/AssetReleased 等由资产服务消费，这里放过
		return nil
	}

	if c.metrics != nil {
		c.metrics.EventsConsumedTotal.Inc()
		c.metrics.EventHandleDuration.Observe(time.Since(start).Seconds())
	}
	return handleErr
}

func (c *OrderEventConsumer) dropInvalid(ctx context.Context, env *events.Envelope, err error) {
	logger.Error(ctx, "Dropping invalid event",
		"event_id", env.EventID, "event_type", env.EventType, "error", err)
	if c.metrics != nil {
		c.metrics.EventsMalformedTotal.Inc()
	}
}

// handleOrderCreated 启动 Saga 并完成 VALIDATE 步骤。
// 原始事件 JSON 存入 Saga payload，供后续入队使用
func (c *OrderEventConsumer) handleOrderCreated(ctx context.Context, env *events.Envelope, payload []byte) error {
	var event events.OrderCreatedEvent
	if err := events.Decode(payload, &event); err != nil {
		c.dropInvalid(ctx, env, err)
		return nil
	}
	if err := event.Validate(); err != nil {
		c.dropInvalid(ctx, env, err)
		return nil
	}

	handled, err := c.guard.Execute(ctx, env.EventID, env.EventType, event.OrderID, func(txCtx context.Context) error {
		if _, err := c.orchestrator.Start(txCtx, event.OrderID, string(payload)); err != nil {
			return err
		}
		return c.orchestrator.Advance(txCtx, event.OrderID, domain.StepValidate)
	})
	if err != nil {
		return err
	}
	if !handled && c.metrics != nil {
		c.metrics.EventsDuplicateTotal.Inc()
	}
	return nil
}

// handleAssetReserved 预留成功：完成 RESERVE_ASSETS，发布 ASSET_RESERVED 状态，
// 将订单入簿撮合，再完成 QUEUE_ORDER（最后一步，Saga 转 COMPLETED 并
// 发布 ORDER_CONFIRMED）
func (c *OrderEventConsumer) handleAssetReserved(ctx context.Context, env *events.Envelope, payload []byte) error {
	var event events.AssetReservedEvent
	if err := events.Decode(payload, &event); err != nil {
		c.dropInvalid(ctx, env, err)
		return nil
	}
	if event.OrderID == "" {
		c.dropInvalid(ctx, env, &events.ErrMalformed{Reason: "missing orderId"})
		return nil
	}

	handled, err := c.guard.Execute(ctx, env.EventID, env.EventType, event.OrderID, func(txCtx context.Context) error {
		saga, err := c.orchestrator.Find(txCtx, event.OrderID)
		if err != nil {
			return err
		}
		if saga.IsTerminal() {
			logger.Info(txCtx, "Saga already terminal, ignoring reservation",
				"order_id", event.OrderID, "status", saga.Status)
			return nil
		}

		var order events.OrderCreatedEvent
		if err := events.Decode([]byte(saga.Payload), &order); err != nil {
			return err
		}

		if err := c.orchestrator.Advance(txCtx, event.OrderID, domain.StepReserveAssets); err != nil {
			return err
		}
		if err := c.orchestrator.PublishStatus(txCtx, event.OrderID, events.StatusAssetReserved, ""); err != nil {
			return err
		}

		if _, err := c.matching.Enqueue(txCtx, order.OrderID, order.CustomerID, order.AssetSymbol,
			domain.OrderSide(order.OrderSide), order.Price, order.Size, order.TierPriority); err != nil {
			return err
		}
		return c.orchestrator.Advance(txCtx, event.OrderID, domain.StepQueueOrder)
	})
	if err != nil {
		return err
	}
	if !handled && c.metrics != nil {
		c.metrics.EventsDuplicateTotal.Inc()
	}
	return nil
}

// handleReservationFailed 预留失败：Saga 走补偿路径，状态回报 REJECTED
func (c *OrderEventConsumer) handleReservationFailed(ctx context.Context, env *events.Envelope, payload []byte) error {
	var event events.AssetReservationFailedEvent
	if err := events.Decode(payload, &event); err != nil {
		c.dropInvalid(ctx, env, err)
		return nil
	}
	if event.OrderID == "" {
		c.dropInvalid(ctx, env, &events.ErrMalformed{Reason: "missing orderId"})
		return nil
	}

	handled, err := c.guard.Execute(ctx, env.EventID, env.EventType, event.OrderID, func(txCtx context.Context) error {
		return c.orchestrator.Fail(txCtx, event.OrderID, domain.StepReserveAssets,
			event.Reason, events.StatusRejected)
	})
	if err != nil {
		return err
	}
	if !handled && c.metrics != nil {
		c.metrics.EventsDuplicateTotal.Inc()
	}
	return nil
}

// handleOrderCancelled 订单取消：移出订单簿，未结束的 Saga 走补偿，
// 状态回报 CANCELLED
func (c *OrderEventConsumer) handleOrderCancelled(ctx context.Context, env *events.Envelope, payload []byte) error {
	var event events.OrderCancelledEvent
	if err := events.Decode(payload, &event); err != nil {
		c.dropInvalid(ctx, env, err)
		return nil
	}
	if event.OrderID == "" {
		c.dropInvalid(ctx, env, &events.ErrMalformed{Reason: "missing orderId"})
		return nil
	}

	reason := event.Reason
	if reason == "" {
		reason = "order cancelled"
	}

	handled, err := c.guard.Execute(ctx, env.EventID, env.EventType, event.OrderID, func(txCtx context.Context) error {
		cancelled, err := c.matching.Cancel(txCtx, event.OrderID, reason)
		if err != nil {
			return err
		}

		saga, err := c.orchestrator.Find(txCtx, event.OrderID)
		if errors.Is(err, domain.ErrSagaNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !saga.IsTerminal() {
			return c.orchestrator.Fail(txCtx, event.OrderID, saga.CurrentStep,
				reason, events.StatusCancelled)
		}
		if cancelled {
			// Saga 早已完成，只需回报取消结果
			return c.orchestrator.PublishStatus(txCtx, event.OrderID, events.StatusCancelled, reason)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !handled && c.metrics != nil {
		c.metrics.EventsDuplicateTotal.Inc()
	}
	return nil
}
