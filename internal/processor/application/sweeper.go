package application

import (
	"context"
	"time"

	"github.com/wyfcoding/ordersettlement/internal/events"
	"github.com/wyfcoding/ordersettlement/internal/processor/domain"
	"github.com/wyfcoding/ordersettlement/pkg/cache"
	"github.com/wyfcoding/ordersettlement/pkg/logger"
)

const sagaSweepBatchSize = 100

// RecoverySweeper Saga 恢复清扫器。
// 周期性做两件事：重派仍可重试的非终态实例（瞬时故障恢复），
// 强制失败超过启动时限仍未结束的实例。跨实例通过租约保证至多一个活跃运行
type RecoverySweeper struct {
	orchestrator *SagaOrchestrator
	lease        cache.LeaseHolder
	interval     time.Duration
	timeout      time.Duration
}

// NewRecoverySweeper 创建清扫器。lease 允许为 nil
func NewRecoverySweeper(orchestrator *SagaOrchestrator, lease cache.LeaseHolder, interval, timeout time.Duration) *RecoverySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &RecoverySweeper{orchestrator: orchestrator, lease: lease, interval: interval, timeout: timeout}
}

// Run 启动清扫循环，直到 ctx 取消
func (s *RecoverySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info(ctx, "Saga recovery sweeper started",
		"interval", s.interval, "timeout", s.timeout)

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Saga recovery sweeper stopped")
			return
		case <-ticker.C:
			if s.lease != nil {
				ok, err := s.lease.TryAcquire(ctx)
				if err != nil {
					logger.Error(ctx, "Saga sweep lease acquire failed", "error", err)
					continue
				}
				if !ok {
					continue
				}
			}
			if err := s.SweepOnce(ctx); err != nil {
				logger.Error(ctx, "Saga sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce 执行一轮清扫
func (s *RecoverySweeper) SweepOnce(ctx context.Context) error {
	if err := s.sweepTimedOut(ctx); err != nil {
		return err
	}
	return s.sweepRetryable(ctx)
}

// sweepTimedOut 强制失败超时实例
func (s *RecoverySweeper) sweepTimedOut(ctx context.Context) error {
	cutoff := time.Now().Add(-s.timeout)
	timedOut, err := s.orchestrator.sagas.FindTimedOut(ctx, cutoff, sagaSweepBatchSize)
	if err != nil {
		return err
	}

	for _, saga := range timedOut {
		logger.Warn(ctx, "Forcing timed out saga to fail",
			"order_id", saga.CorrelationID, "status", saga.Status,
			"current_step", saga.CurrentStep, "started_at", saga.StartedAt)
		if err := s.orchestrator.Fail(ctx, saga.CorrelationID, saga.CurrentStep,
			"saga timed out", events.StatusRejected); err != nil {
			logger.Error(ctx, "Failed to fail timed out saga",
				"order_id", saga.CorrelationID, "error", err)
		}
	}
	return nil
}

// sweepRetryable 重派可重试实例。
// COMPENSATING 实例继续补偿收尾；等待外部事件的实例只累加重试计数，
// 计数耗尽后留给超时清扫强制失败
func (s *RecoverySweeper) sweepRetryable(ctx context.Context) error {
	retryable, err := s.orchestrator.sagas.FindRetryable(ctx, sagaSweepBatchSize)
	if err != nil {
		return err
	}

	for _, saga := range retryable {
		// 新实例还在正常推进中，不算滞留
		if time.Since(saga.StartedAt) < s.interval {
			continue
		}
		if err := s.redispatch(ctx, saga); err != nil {
			logger.Error(ctx, "Failed to redispatch saga",
				"order_id", saga.CorrelationID, "error", err)
		}
	}
	return nil
}

func (s *RecoverySweeper) redispatch(ctx context.Context, saga *domain.SagaInstance) error {
	saga.IncrementRetry()
	if err := s.orchestrator.sagas.Update(ctx, saga); err != nil {
		// 版本冲突说明别处正在推进，无需重派
		return nil
	}

	logger.Info(ctx, "Redispatching stalled saga",
		"order_id", saga.CorrelationID, "status", saga.Status,
		"current_step", saga.CurrentStep, "retry_count", saga.RetryCount)

	if saga.Status == domain.SagaCompensating {
		return s.orchestrator.Fail(ctx, saga.CorrelationID, saga.FailedStep,
			saga.ErrorMessage, events.StatusRejected)
	}
	if saga.CurrentStep == domain.StepValidate {
		return s.orchestrator.Advance(ctx, saga.CorrelationID, domain.StepValidate)
	}
	// RESERVE_ASSETS / QUEUE_ORDER 在等待外部事件，只计数等待
	return nil
}
