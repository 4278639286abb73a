// Package application 订单处理应用服务：撮合、Saga 编排与后台清扫
package application

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/ordersettlement/internal/events"
	"github.com/wyfcoding/ordersettlement/internal/processor/domain"
	"github.com/wyfcoding/ordersettlement/pkg/db"
	"github.com/wyfcoding/ordersettlement/pkg/lock"
	"github.com/wyfcoding/ordersettlement/pkg/logger"
	"github.com/wyfcoding/ordersettlement/pkg/metrics"
	"github.com/wyfcoding/ordersettlement/pkg/outbox"
)

const matchBatchSize = 50

// MatchingService 撮合服务。
// 同一资产的订单簿变更通过按资产的互斥锁单写者串行化，
// 优先级排序与部分成交记账不允许并发交错。
type MatchingService struct {
	db      *gorm.DB
	queue   domain.QueueRepository
	trades  domain.TradeRepository
	locks   *lock.KeyedMutex
	metrics *metrics.Metrics
}

// NewMatchingService 创建撮合服务。m 允许为 nil
func NewMatchingService(gdb *gorm.DB, queue domain.QueueRepository, trades domain.TradeRepository, locks *lock.KeyedMutex, m *metrics.Metrics) *MatchingService {
	return &MatchingService{db: gdb, queue: queue, trades: trades, locks: locks, metrics: m}
}

// Enqueue 创建队列记录并立即尝试与对手方向交叉撮合。
// 对手簿按优先级遍历：tier_priority 升序 > 价格对吃单方最优 > queued_at 升序；
// 最优对手价不交叉即停止（低优先级记录即使价格交叉也不会被跳位成交）。
// 每次交叉成交 qty = min(双方剩余)，价格取挂单（maker）价。
// 未完全成交的进单按优先级入簿；完全成交的直接 FULLY_MATCHED，不入簿。
// 同一 orderId 重复入队幂等返回已有记录。
func (s *MatchingService) Enqueue(ctx context.Context, orderID, customerID, assetSymbol string, side domain.OrderSide, price, size decimal.Decimal, tierPriority int) (*domain.QueueEntry, error) {
	s.locks.Lock(assetSymbol)
	defer s.locks.Unlock(assetSymbol)

	var incoming *domain.QueueEntry
	err := db.WithTx(ctx, s.db, func(txCtx context.Context) error {
		existing, err := s.queue.FindByOrderID(txCtx, orderID)
		if err == nil {
			logger.Info(txCtx, "Order already queued, returning as-is",
				"order_id", orderID, "status", existing.Status)
			incoming = existing
			return nil
		}
		if !errors.Is(err, domain.ErrEntryNotFound) {
			return err
		}

		incoming = domain.NewQueueEntry(orderID, customerID, assetSymbol, side, price, size, tierPriority)
		if err := s.cross(txCtx, incoming); err != nil {
			return err
		}
		return s.queue.Save(txCtx, incoming)
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.OrdersQueuedTotal.Inc()
		s.reportActive(ctx)
	}
	logger.Info(ctx, "Order enqueued",
		"order_id", orderID, "asset_symbol", assetSymbol, "side", side,
		"price", price, "size", size, "tier_priority", tierPriority,
		"status", incoming.Status, "remaining", incoming.RemainingSize)
	return incoming, nil
}

// cross 以 incoming 为吃单方遍历对手簿成交
func (s *MatchingService) cross(ctx context.Context, incoming *domain.QueueEntry) error {
	for incoming.IsMatchable() {
		resting, err := s.queue.FindMatchable(ctx, incoming.AssetSymbol, incoming.Side.Opposite(), matchBatchSize)
		if err != nil {
			return err
		}
		if len(resting) == 0 {
			return nil
		}

		progressed := false
		for _, maker := range resting {
			if !incoming.IsMatchable() {
				return nil
			}
			// 最优对手价不交叉即停：不越过高优先级记录去撮合低优先级
			if !incoming.Crosses(maker) {
				return nil
			}
			if err := s.fill(ctx, incoming, maker); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

// fill 执行一次交叉成交并落成交记录与双方事件
func (s *MatchingService) fill(ctx context.Context, incoming, maker *domain.QueueEntry) error {
	qty := decimal.Min(incoming.RemainingSize, maker.RemainingSize)
	price := maker.Price

	if err := maker.ApplyFill(qty); err != nil {
		return err
	}
	if err := incoming.ApplyFill(qty); err != nil {
		return err
	}
	if err := s.queue.Save(ctx, maker); err != nil {
		return err
	}

	buy, sell := incoming, maker
	if incoming.Side == domain.SideSell {
		buy, sell = maker, incoming
	}
	trade := domain.NewTrade(buy, sell, qty, price)
	if err := s.trades.Save(ctx, trade); err != nil {
		return err
	}

	// 买卖双方各发一条成交事件，以各自 orderId 为分区键保证每订单有序
	for _, leg := range []*domain.QueueEntry{incoming, maker} {
		counter := maker
		if leg == maker {
			counter = incoming
		}
		record, err := outbox.New("Order", leg.OrderID, events.TypeOrderMatched, events.TopicOrderEvents, leg.OrderID, &events.OrderMatchedEvent{
			EventID:        events.NewID(),
			EventType:      events.TypeOrderMatched,
			OrderID:        leg.OrderID,
			CustomerID:     leg.CustomerID,
			CounterOrderID: counter.OrderID,
			AssetSymbol:    leg.AssetSymbol,
			OrderSide:      string(leg.Side),
			MatchedSize:    qty,
			MatchedPrice:   price,
			MatchedValue:   qty.Mul(price),
			FullyMatched:   leg.Status == domain.EntryFullyMatched,
			Timestamp:      trade.ExecutedAt,
		})
		if err != nil {
			return err
		}
		if err := outbox.Append(ctx, s.db, record); err != nil {
			return err
		}

		if leg.Status != domain.EntryFullyMatched {
			continue
		}
		status, err := outbox.New("Order", leg.OrderID, events.TypeOrderStatusUpdate, events.TopicOrderStatusUpdates, leg.OrderID, &events.OrderStatusUpdateEvent{
			EventID:   events.NewID(),
			EventType: events.TypeOrderStatusUpdate,
			OrderID:   leg.OrderID,
			NewStatus: events.StatusMatched,
			Timestamp: trade.ExecutedAt,
		})
		if err != nil {
			return err
		}
		if err := outbox.Append(ctx, s.db, status); err != nil {
			return err
		}
	}

	if s.metrics != nil {
		s.metrics.TradesTotal.Inc()
	}
	logger.Info(ctx, "Trade executed",
		"buy_order_id", buy.OrderID, "sell_order_id", sell.OrderID,
		"asset_symbol", trade.AssetSymbol, "quantity", qty, "price", price)
	return nil
}

// Cancel 取消队列记录。已终态时无操作返回 false（正常重复，不是错误）
func (s *MatchingService) Cancel(ctx context.Context, orderID, reason string) (bool, error) {
	entry, err := s.queue.FindByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrEntryNotFound) {
			return false, nil
		}
		return false, err
	}

	s.locks.Lock(entry.AssetSymbol)
	defer s.locks.Unlock(entry.AssetSymbol)

	cancelled := false
	err = db.WithTx(ctx, s.db, func(txCtx context.Context) error {
		// 锁内重读，记录可能刚被撮合打满
		current, err := s.queue.FindByOrderID(txCtx, orderID)
		if err != nil {
			return err
		}
		if !current.Cancel() {
			logger.Info(txCtx, "Queue entry already terminal, skipping cancel",
				"order_id", orderID, "status", current.Status)
			return nil
		}
		cancelled = true
		return s.queue.Save(txCtx, current)
	})
	if err != nil {
		return false, err
	}

	if cancelled {
		logger.Info(ctx, "Queue entry cancelled", "order_id", orderID, "reason", reason)
		if s.metrics != nil {
			s.reportActive(ctx)
		}
	}
	return cancelled, nil
}

// ActiveCount 活跃记录数；assetSymbol 为空时统计全部
func (s *MatchingService) ActiveCount(ctx context.Context, assetSymbol string) (int64, error) {
	return s.queue.CountActive(ctx, assetSymbol)
}

// TradeHistory 按资产查询成交历史
func (s *MatchingService) TradeHistory(ctx context.Context, assetSymbol string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.trades.ListByAsset(ctx, assetSymbol, limit)
}

func (s *MatchingService) reportActive(ctx context.Context) {
	if count, err := s.queue.CountActive(ctx, ""); err == nil {
		s.metrics.OrdersActive.Set(float64(count))
	}
}
