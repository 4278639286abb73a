// Package application 资产账本应用服务：预留、释放、两腿结算与出入金。
// 每个操作的余额变更、预留状态迁移与发件箱记录在同一本地事务提交。
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/ordersettlement/internal/asset/domain"
	"github.com/wyfcoding/ordersettlement/internal/events"
	"github.com/wyfcoding/ordersettlement/pkg/db"
	"github.com/wyfcoding/ordersettlement/pkg/lock"
	"github.com/wyfcoding/ordersettlement/pkg/logger"
	"github.com/wyfcoding/ordersettlement/pkg/metrics"
	"github.com/wyfcoding/ordersettlement/pkg/outbox"
)

// Service 资产账本应用服务
type Service struct {
	db           *gorm.DB
	balances     domain.BalanceRepository
	reservations domain.ReservationRepository
	locks        *lock.KeyedMutex
	metrics      *metrics.Metrics
	ttl          time.Duration
}

// NewService 创建资产账本服务。m 允许为 nil
func NewService(
	gdb *gorm.DB,
	balances domain.BalanceRepository,
	reservations domain.ReservationRepository,
	locks *lock.KeyedMutex,
	m *metrics.Metrics,
	reservationTTL time.Duration,
) *Service {
	if reservationTTL <= 0 {
		reservationTTL = 30 * time.Minute
	}
	return &Service{
		db:           gdb,
		balances:     balances,
		reservations: reservations,
		locks:        locks,
		metrics:      m,
		ttl:          reservationTTL,
	}
}

// pairKey 按资产在前、客户在后构造锁键。
// 多键加锁按字典序排序，等价于"先按资产再按客户"的固定全局顺序。
func pairKey(assetSymbol, customerID string) string {
	return assetSymbol + ":" + customerID
}

// Reserve 预留资产：usable → blocked，并创建 ACTIVE 预留记录。
// 同一 (orderId, assetSymbol) 已有预留时原样返回，不重复变更余额。
// 可用余额不足时返回 ErrInsufficientBalance，不产生任何变更。
func (s *Service) Reserve(ctx context.Context, customerID, assetSymbol string, amount decimal.Decimal, orderID string) (*domain.Reservation, error) {
	key := pairKey(assetSymbol, customerID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	var result *domain.Reservation
	err := db.WithTx(ctx, s.db, func(txCtx context.Context) error {
		existing, err := s.reservations.FindByOrderAndAsset(txCtx, orderID, assetSymbol)
		if err == nil {
			// 重复预留请求，幂等返回已有结果
			logger.Info(txCtx, "Reservation already exists, returning as-is",
				"order_id", orderID, "asset_symbol", assetSymbol, "status", existing.Status)
			result = existing
			return nil
		}
		if !errors.Is(err, domain.ErrReservationNotFound) {
			return err
		}

		balance, err := s.balances.FindByCustomerAndAsset(txCtx, customerID, assetSymbol)
		if err != nil {
			if errors.Is(err, domain.ErrBalanceNotFound) {
				return fmt.Errorf("%w: no %s balance for customer %s",
					domain.ErrInsufficientBalance, assetSymbol, customerID)
			}
			return err
		}
		if err := balance.Block(amount); err != nil {
			return err
		}
		if err := s.balances.Save(txCtx, balance); err != nil {
			return err
		}

		reservation := domain.NewReservation(customerID, orderID, assetSymbol, amount, s.ttl)
		if err := s.reservations.Save(txCtx, reservation); err != nil {
			return err
		}

		record, err := outbox.New("Order", orderID, events.TypeAssetReserved, events.TopicOrderEvents, orderID, &events.AssetReservedEvent{
			EventID:        events.NewID(),
			EventType:      events.TypeAssetReserved,
			OrderID:        orderID,
			CustomerID:     customerID,
			AssetSymbol:    assetSymbol,
			ReservedAmount: amount,
			Timestamp:      time.Now(),
		})
		if err != nil {
			return err
		}
		if err := outbox.Append(txCtx, s.db, record); err != nil {
			return err
		}

		result = reservation
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) && s.metrics != nil {
			s.metrics.ReservationsRejectedTotal.Inc()
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ReservationsTotal.Inc()
	}
	logger.Info(ctx, "Asset reserved",
		"customer_id", customerID, "asset_symbol", assetSymbol,
		"amount", amount, "order_id", orderID)
	return result, nil
}

// ReleaseByOrder 释放订单的全部 ACTIVE 预留：blocked → usable。
// 预留已是终态时跳过（取消与补偿路径都可能重复触发释放）。
func (s *Service) ReleaseByOrder(ctx context.Context, orderID, reason string) error {
	reservations, err := s.reservations.FindActiveByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if len(reservations) == 0 {
		logger.Info(ctx, "No active reservations to release", "order_id", orderID)
		return nil
	}

	for _, reservation := range reservations {
		if err := s.release(ctx, reservation, reason); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) release(ctx context.Context, reservation *domain.Reservation, reason string) error {
	return s.releaseAs(ctx, reservation, reason, false)
}

// expireReservation 过期释放，状态记为 EXPIRED 而非 RELEASED
func (s *Service) expireReservation(ctx context.Context, reservation *domain.Reservation) error {
	return s.releaseAs(ctx, reservation, "expired", true)
}

func (s *Service) releaseAs(ctx context.Context, reservation *domain.Reservation, reason string, expired bool) error {
	key := pairKey(reservation.AssetSymbol, reservation.CustomerID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	return db.WithTx(ctx, s.db, func(txCtx context.Context) error {
		// 锁内重读，预留可能已被并发结算消费
		current, err := s.reservations.FindByOrderAndAsset(txCtx, reservation.OrderID, reservation.AssetSymbol)
		if err != nil {
			return err
		}
		if !current.IsActive() {
			logger.Info(txCtx, "Reservation no longer active, skipping release",
				"order_id", current.OrderID, "status", current.Status)
			return nil
		}

		balance, err := s.balances.FindByCustomerAndAsset(txCtx, current.CustomerID, current.AssetSymbol)
		if err != nil {
			return err
		}
		if err := balance.Unblock(current.ReservedAmount); err != nil {
			return err
		}
		if expired {
			err = current.Expire()
		} else {
			err = current.Release(reason)
		}
		if err != nil {
			return err
		}
		if err := s.balances.Save(txCtx, balance); err != nil {
			return err
		}
		if err := s.reservations.Save(txCtx, current); err != nil {
			return err
		}

		record, err := outbox.New("Order", current.OrderID, events.TypeAssetReleased, events.TopicOrderEvents, current.OrderID, &events.AssetReleasedEvent{
			EventID:        events.NewID(),
			EventType:      events.TypeAssetReleased,
			OrderID:        current.OrderID,
			CustomerID:     current.CustomerID,
			AssetSymbol:    current.AssetSymbol,
			ReleasedAmount: current.ReservedAmount,
			Reason:         reason,
			Timestamp:      time.Now(),
		})
		if err != nil {
			return err
		}
		if err := outbox.Append(txCtx, s.db, record); err != nil {
			return err
		}

		logger.Info(txCtx, "Reservation released",
			"order_id", current.OrderID, "asset_symbol", current.AssetSymbol,
			"amount", current.ReservedAmount, "reason", reason)
		return nil
	})
}

// Settle 两腿原子结算：扣腿从冻结余额扣减并按成交额消费预留，收腿入账到可用余额。
// 同一订单跨多笔部分成交时预留额度逐笔扣减，归零转 CONSUMED；
// 订单完全成交后剩余差额（成交价优于预留价）退回可用余额并关闭预留。
// 两个 (customer, asset) 锁按字典序（先资产后客户）统一获取，避免交叉持锁死锁。
// 扣腿冻结不足时整笔失败，收腿不会入账。
func (s *Service) Settle(ctx context.Context, customerID, orderID, debitAsset string, debitAmount decimal.Decimal, creditAsset string, creditAmount decimal.Decimal, fullyMatched bool) error {
	release := s.locks.LockAll(pairKey(debitAsset, customerID), pairKey(creditAsset, customerID))
	defer release()

	err := db.WithTx(ctx, s.db, func(txCtx context.Context) error {
		debitBalance, err := s.balances.FindByCustomerAndAsset(txCtx, customerID, debitAsset)
		if err != nil {
			return err
		}
		if err := debitBalance.DebitBlocked(debitAmount); err != nil {
			return err
		}

		reservation, err := s.reservations.FindByOrderAndAsset(txCtx, orderID, debitAsset)
		if err != nil && !errors.Is(err, domain.ErrReservationNotFound) {
			return err
		}
		if err == nil && reservation.IsActive() {
			fill := debitAmount
			if reservation.ReservedAmount.LessThan(fill) {
				fill = reservation.ReservedAmount
			}
			if err := reservation.ApplyFill(fill); err != nil {
				return err
			}
			if fullyMatched && reservation.IsActive() {
				residue := reservation.ReservedAmount
				if err := debitBalance.Unblock(residue); err != nil {
					return err
				}
				if err := reservation.CloseResidue("price improvement"); err != nil {
					return err
				}
				released, err := outbox.New("Order", orderID, events.TypeAssetReleased, events.TopicOrderEvents, orderID, &events.AssetReleasedEvent{
					EventID:        events.NewID(),
					EventType:      events.TypeAssetReleased,
					OrderID:        orderID,
					CustomerID:     customerID,
					AssetSymbol:    debitAsset,
					ReleasedAmount: residue,
					Reason:         "price improvement",
					Timestamp:      time.Now(),
				})
				if err != nil {
					return err
				}
				if err := outbox.Append(txCtx, s.db, released); err != nil {
					return err
				}
			}
			if err := s.reservations.Save(txCtx, reservation); err != nil {
				return err
			}
		}
		if err := s.balances.Save(txCtx, debitBalance); err != nil {
			return err
		}

		creditBalance, err := s.balances.FindByCustomerAndAsset(txCtx, customerID, creditAsset)
		if errors.Is(err, domain.ErrBalanceNotFound) {
			creditBalance = domain.NewBalance(customerID, creditAsset)
		} else if err != nil {
			return err
		}
		if err := creditBalance.Credit(creditAmount); err != nil {
			return err
		}
		if err := s.balances.Save(txCtx, creditBalance); err != nil {
			return err
		}

		now := time.Now()
		debited, err := outbox.New("Order", orderID, events.TypeAssetDebited, events.TopicOrderEvents, orderID, &events.AssetDebitedEvent{
			EventID:     events.NewID(),
			EventType:   events.TypeAssetDebited,
			OrderID:     orderID,
			CustomerID:  customerID,
			AssetSymbol: debitAsset,
			Amount:      debitAmount,
			Timestamp:   now,
		})
		if err != nil {
			return err
		}
		if err := outbox.Append(txCtx, s.db, debited); err != nil {
			return err
		}
		credited, err := outbox.New("Order", orderID, events.TypeAssetCredited, events.TopicOrderEvents, orderID, &events.AssetCreditedEvent{
			EventID:     events.NewID(),
			EventType:   events.TypeAssetCredited,
			OrderID:     orderID,
			CustomerID:  customerID,
			AssetSymbol: creditAsset,
			Amount:      creditAmount,
			Timestamp:   now,
		})
		if err != nil {
			return err
		}
		return outbox.Append(txCtx, s.db, credited)
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "Settlement applied",
		"customer_id", customerID, "order_id", orderID,
		"debit_asset", debitAsset, "debit_amount", debitAmount,
		"credit_asset", creditAsset, "credit_amount", creditAmount)
	return nil
}

// Deposit 入金。余额记录不存在时自动创建零余额行
func (s *Service) Deposit(ctx context.Context, customerID, assetSymbol string, amount decimal.Decimal) (*domain.Balance, error) {
	key := pairKey(assetSymbol, customerID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	var result *domain.Balance
	err := db.WithTx(ctx, s.db, func(txCtx context.Context) error {
		balance, err := s.balances.FindByCustomerAndAsset(txCtx, customerID, assetSymbol)
		if errors.Is(err, domain.ErrBalanceNotFound) {
			balance = domain.NewBalance(customerID, assetSymbol)
		} else if err != nil {
			return err
		}
		if err := balance.Credit(amount); err != nil {
			return err
		}
		if err := s.balances.Save(txCtx, balance); err != nil {
			return err
		}
		result = balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "Deposit applied",
		"customer_id", customerID, "asset_symbol", assetSymbol, "amount", amount)
	return result, nil
}

// Withdraw 出金，只动可用余额。可用不足时返回 ErrInsufficientBalance
func (s *Service) Withdraw(ctx context.Context, customerID, assetSymbol string, amount decimal.Decimal) (*domain.Balance, error) {
	key := pairKey(assetSymbol, customerID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	var result *domain.Balance
	err := db.WithTx(ctx, s.db, func(txCtx context.Context) error {
		balance, err := s.balances.FindByCustomerAndAsset(txCtx, customerID, assetSymbol)
		if err != nil {
			if errors.Is(err, domain.ErrBalanceNotFound) {
				return fmt.Errorf("%w: no %s balance for customer %s",
					domain.ErrInsufficientBalance, assetSymbol, customerID)
			}
			return err
		}
		if err := balance.DebitUsable(amount); err != nil {
			return err
		}
		if err := s.balances.Save(txCtx, balance); err != nil {
			return err
		}
		result = balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "Withdrawal applied",
		"customer_id", customerID, "asset_symbol", assetSymbol, "amount", amount)
	return result, nil
}

// ListAssets 查询客户全部资产余额
func (s *Service) ListAssets(ctx context.Context, customerID string) ([]*domain.Balance, error) {
	return s.balances.ListByCustomer(ctx, customerID)
}
