package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/ordersettlement/internal/events"
	"github.com/wyfcoding/ordersettlement/internal/processor/domain"
	"github.com/wyfcoding/ordersettlement/pkg/db"
	"github.com/wyfcoding/ordersettlement/pkg/logger"
	"github.com/wyfcoding/ordersettlement/pkg/metrics"
	"github.com/wyfcoding/ordersettlement/pkg/outbox"
)

// SagaOrchestrator 订单处理 Saga 编排器。
// 步骤 VALIDATE → RESERVE_ASSETS → QUEUE_ORDER，全部完成转 COMPLETED；
// 任一步骤失败进入 COMPENSATING，按已完成步骤的逆序补偿后转 FAILED，
// 补偿出错转 COMPENSATION_FAILED 终态等待人工介入。
// 所有状态迁移带乐观版本检查，竞争失败方重读后无操作。
type SagaOrchestrator struct {
	db         *gorm.DB
	sagas      domain.SagaRepository
	matching   *MatchingService
	metrics    *metrics.Metrics
	maxRetries int
}

// NewSagaOrchestrator 创建编排器。m 允许为 nil
func NewSagaOrchestrator(gdb *gorm.DB, sagas domain.SagaRepository, matching *MatchingService, m *metrics.Metrics, maxRetries int) *SagaOrchestrator {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &SagaOrchestrator{db: gdb, sagas: sagas, matching: matching, metrics: m, maxRetries: maxRetries}
}

// Start 启动 Saga。同一 orderId 重复启动幂等返回已有实例
func (o *SagaOrchestrator) Start(ctx context.Context, orderID, payload string) (*domain.SagaInstance, error) {
	saga := domain.NewSagaInstance(orderID, domain.SagaTypeOrderProcessing, payload, o.maxRetries)
	err := o.sagas.Create(ctx, saga)
	if err == nil {
		logger.Info(ctx, "Saga started", "order_id", orderID)
		return saga, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("failed to start saga: %w", err)
	}

	existing, findErr := o.sagas.FindByCorrelationID(ctx, orderID)
	if findErr != nil {
		return nil, findErr
	}
	logger.Info(ctx, "Saga already started, returning as-is",
		"order_id", orderID, "status", existing.Status)
	return existing, nil
}

// Advance 完成一个步骤并推进 Saga。
// 终态或已完成该步骤时无操作；完成最后一步时转 COMPLETED，
// 并在同一事务发件 SagaCompletedEvent 与 ORDER_CONFIRMED 状态更新。
func (o *SagaOrchestrator) Advance(ctx context.Context, orderID, step string) error {
	return o.withVersionRetry(ctx, orderID, func(txCtx context.Context, saga *domain.SagaInstance) error {
		if !saga.Advance(step) {
			logger.Info(txCtx, "Saga advance is a no-op",
				"order_id", orderID, "step", step, "status", saga.Status)
			return nil
		}
		if err := o.sagas.Update(txCtx, saga); err != nil {
			return err
		}

		logger.Info(txCtx, "Saga step completed",
			"order_id", orderID, "step", step, "status", saga.Status)

		if saga.Status != domain.SagaCompleted {
			return nil
		}
		if o.metrics != nil {
			o.metrics.SagasCompletedTotal.Inc()
		}

		now := time.Now()
		completed, err := outbox.New("Saga", orderID, events.TypeSagaCompleted, events.TopicOrderStatusUpdates, orderID, &events.SagaCompletedEvent{
			EventID:   events.NewID(),
			EventType: events.TypeSagaCompleted,
			OrderID:   orderID,
			Timestamp: now,
		})
		if err != nil {
			return err
		}
		if err := outbox.Append(txCtx, o.db, completed); err != nil {
			return err
		}
		return o.appendStatusUpdate(txCtx, orderID, events.StatusOrderConfirmed, "")
	})
}

// Fail 使 Saga 失败：记录失败步骤，进入 COMPENSATING，
// 按已完成步骤逆序补偿（QUEUE_ORDER ⇒ 取消队列记录，
// RESERVE_ASSETS ⇒ 发件释放请求，VALIDATE ⇒ 无），
// 补偿成功转 FAILED 并恰好一次发件 SagaFailedEvent 与状态更新；
// 补偿出错转 COMPENSATION_FAILED。终态上无操作
func (o *SagaOrchestrator) Fail(ctx context.Context, orderID, failedStep, reason, newStatus string) error {
	return o.withVersionRetry(ctx, orderID, func(txCtx context.Context, saga *domain.SagaInstance) error {
		// 已在补偿中的实例直接续跑补偿（清扫器重派滞留实例时走这里）
		if saga.Status != domain.SagaCompensating {
			if !saga.MarkCompensating(failedStep, reason) {
				logger.Info(txCtx, "Saga fail is a no-op",
					"order_id", orderID, "status", saga.Status)
				return nil
			}
			if err := o.sagas.Update(txCtx, saga); err != nil {
				return err
			}
		}

		logger.Warn(txCtx, "Saga compensating",
			"order_id", orderID, "failed_step", failedStep, "reason", reason,
			"completed_steps", saga.CompletedSteps)

		if err := o.compensate(txCtx, saga); err != nil {
			saga.MarkCompensationFailed(err.Error())
			if updateErr := o.sagas.Update(txCtx, saga); updateErr != nil {
				return updateErr
			}
			if o.metrics != nil {
				o.metrics.SagasFailedTotal.Inc()
			}
			logger.Error(txCtx, "Saga compensation failed, manual intervention required",
				"order_id", orderID, "error", err)
			return nil
		}

		saga.MarkFailed()
		if err := o.sagas.Update(txCtx, saga); err != nil {
			return err
		}
		if o.metrics != nil {
			o.metrics.SagasFailedTotal.Inc()
		}

		failed, err := outbox.New("Saga", orderID, events.TypeSagaFailed, events.TopicOrderStatusUpdates, orderID, &events.SagaFailedEvent{
			EventID:   events.NewID(),
			EventType: events.TypeSagaFailed,
			OrderID:   orderID,
			Reason:    reason,
			Timestamp: time.Now(),
		})
		if err != nil {
			return err
		}
		if err := outbox.Append(txCtx, o.db, failed); err != nil {
			return err
		}
		return o.appendStatusUpdate(txCtx, orderID, newStatus, reason)
	})
}

// compensate 按已完成步骤的逆序执行补偿
func (o *SagaOrchestrator) compensate(ctx context.Context, saga *domain.SagaInstance) error {
	steps := saga.CompletedStepList()
	for i := len(steps) - 1; i >= 0; i-- {
		switch steps[i] {
		case domain.StepQueueOrder:
			if _, err := o.matching.Cancel(ctx, saga.CorrelationID, "saga compensation"); err != nil {
				return fmt.Errorf("failed to cancel queue entry: %w", err)
			}
		case domain.StepReserveAssets:
			// 预留归资产服务所有，通过事件请求释放
			record, err := outbox.New("Order", saga.CorrelationID, events.TypeOrderCancelled, events.TopicOrderEvents, saga.CorrelationID, &events.OrderCancelledEvent{
				EventID:   events.NewID(),
				EventType: events.TypeOrderCancelled,
				OrderID:   saga.CorrelationID,
				Reason:    "saga compensation",
				Timestamp: time.Now(),
			})
			if err != nil {
				return err
			}
			if err := outbox.Append(ctx, o.db, record); err != nil {
				return fmt.Errorf("failed to request reservation release: %w", err)
			}
		case domain.StepValidate:
			// 校验无副作用，无需补偿
		}
		logger.Info(ctx, "Saga step compensated",
			"order_id", saga.CorrelationID, "step", steps[i])
	}
	return nil
}

// PublishStatus 发件一条订单状态更新
func (o *SagaOrchestrator) PublishStatus(ctx context.Context, orderID, newStatus, reason string) error {
	return o.appendStatusUpdate(ctx, orderID, newStatus, reason)
}

func (o *SagaOrchestrator) appendStatusUpdate(ctx context.Context, orderID, newStatus, reason string) error {
	record, err := outbox.New("Order", orderID, events.TypeOrderStatusUpdate, events.TopicOrderStatusUpdates, orderID, &events.OrderStatusUpdateEvent{
		EventID:   events.NewID(),
		EventType: events.TypeOrderStatusUpdate,
		OrderID:   orderID,
		NewStatus: newStatus,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return outbox.Append(ctx, o.db, record)
}

// Find 按 orderId 查询 Saga
func (o *SagaOrchestrator) Find(ctx context.Context, orderID string) (*domain.SagaInstance, error) {
	return o.sagas.FindByCorrelationID(ctx, orderID)
}

// StatusCounts 按状态统计 Saga 数
func (o *SagaOrchestrator) StatusCounts(ctx context.Context) (map[domain.SagaStatus]int64, error) {
	return o.sagas.CountByStatus(ctx)
}

// withVersionRetry 读取-迁移-写回，版本冲突时重读重试。
// 有限次重试后仍冲突则放弃：竞争方已推进状态，迟到一方的迁移本就该是无操作
func (o *SagaOrchestrator) withVersionRetry(ctx context.Context, orderID string, fn func(txCtx context.Context, saga *domain.SagaInstance) error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = db.WithTx(ctx, o.db, func(txCtx context.Context) error {
			saga, err := o.sagas.FindByCorrelationID(txCtx, orderID)
			if err != nil {
				return err
			}
			return fn(txCtx, saga)
		})
		if !errors.Is(lastErr, domain.ErrVersionConflict) {
			return lastErr
		}
		logger.Warn(ctx, "Saga version conflict, re-reading",
			"order_id", orderID, "attempt", attempt+1)
	}
	return lastErr
}
