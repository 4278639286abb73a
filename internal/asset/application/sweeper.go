package application

import (
	"context"
	"fmt"
	"time"

	"github.com/wyfcoding/ordersettlement/internal/asset/domain"
	"github.com/wyfcoding/ordersettlement/pkg/cache"
	"github.com/wyfcoding/ordersettlement/pkg/logger"
	"github.com/wyfcoding/ordersettlement/pkg/metrics"
)

const sweepBatchSize = 100

// ExpirySweeper 预留过期清扫器。
// 定期释放超过 expires_at 的 ACTIVE 预留，原因记为 "expired"。
// 跨实例通过租约保证同一时刻至多一个实例在清扫。
type ExpirySweeper struct {
	service  *Service
	lease    cache.LeaseHolder
	interval time.Duration
	metrics  *metrics.Metrics
}

// NewExpirySweeper 创建过期清扫器。lease 和 m 允许为 nil
func NewExpirySweeper(service *Service, lease cache.LeaseHolder, interval time.Duration, m *metrics.Metrics) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirySweeper{service: service, lease: lease, interval: interval, metrics: m}
}

// Run 启动清扫循环，直到 ctx 取消
func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info(ctx, "Reservation expiry sweeper started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Reservation expiry sweeper stopped")
			return
		case <-ticker.C:
			if s.lease != nil {
				ok, err := s.lease.TryAcquire(ctx)
				if err != nil {
					logger.Error(ctx, "Expiry sweep lease acquire failed", "error", err)
					continue
				}
				if !ok {
					continue
				}
			}
			if err := s.SweepOnce(ctx); err != nil {
				logger.Error(ctx, "Reservation expiry sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce 执行一轮清扫。
// 单条释放失败记录日志并计数后继续，不阻塞批内其他预留的过期
func (s *ExpirySweeper) SweepOnce(ctx context.Context) error {
	expired, err := s.service.reservations.FindExpired(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	logger.Info(ctx, "Sweeping expired reservations", "count", len(expired))

	var failed int
	for _, reservation := range expired {
		if err := s.expire(ctx, reservation); err != nil {
			logger.Error(ctx, "Failed to expire reservation",
				"order_id", reservation.OrderID, "asset_symbol", reservation.AssetSymbol, "error", err)
			if s.metrics != nil {
				s.metrics.SweepFailuresTotal.Inc()
			}
			failed++
			continue
		}
		if s.metrics != nil {
			s.metrics.ReservationsExpiredTotal.Inc()
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to expire %d of %d reservations", failed, len(expired))
	}
	return nil
}

func (s *ExpirySweeper) expire(ctx context.Context, reservation *domain.Reservation) error {
	return s.service.expireReservation(ctx, reservation)
}
