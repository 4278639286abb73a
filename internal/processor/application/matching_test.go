package application

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/ordersettlement/internal/events"
	"github.com/wyfcoding/ordersettlement/internal/processor/domain"
	"github.com/wyfcoding/ordersettlement/internal/processor/infrastructure/persistence/mysql"
	"github.com/wyfcoding/ordersettlement/pkg/lock"
	"github.com/wyfcoding/ordersettlement/pkg/outbox"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestMatching(t *testing.T) (*MatchingService, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&domain.QueueEntry{}, &domain.Trade{}, &domain.SagaInstance{}, &outbox.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service := NewMatchingService(gdb,
		mysql.NewQueueRepository(gdb),
		mysql.NewTradeRepository(gdb),
		lock.NewKeyedMutex(), nil)
	return service, gdb
}

func mustEnqueue(t *testing.T, s *MatchingService, orderID, customerID string, side domain.OrderSide, price, size string, tier int) *domain.QueueEntry {
	t.Helper()
	entry, err := s.Enqueue(context.Background(), orderID, customerID, "AAPL", side, dec(price), dec(size), tier)
	if err != nil {
		t.Fatalf("enqueue %s failed: %v", orderID, err)
	}
	return entry
}

func loadEntry(t *testing.T, gdb *gorm.DB, orderID string) *domain.QueueEntry {
	t.Helper()
	var entry domain.QueueEntry
	if err := gdb.Where("order_id = ?", orderID).First(&entry).Error; err != nil {
		t.Fatalf("failed to load entry %s: %v", orderID, err)
	}
	return &entry
}

func TestEnqueueWithoutCrossRestsInBook(t *testing.T) {
	service, gdb := newTestMatching(t)

	mustEnqueue(t, service, "buy-1", "c1", domain.SideBuy, "90", "10", 3)
	mustEnqueue(t, service, "sell-1", "c2", domain.SideSell, "100", "10", 3)

	if status := loadEntry(t, gdb, "buy-1").Status; status != domain.EntryActive {
		t.Errorf("buy-1 status = %s, want ACTIVE", status)
	}
	if status := loadEntry(t, gdb, "sell-1").Status; status != domain.EntryActive {
		t.Errorf("sell-1 status = %s, want ACTIVE", status)
	}

	var trades int64
	if err := gdb.Model(&domain.Trade{}).Count(&trades).Error; err != nil {
		t.Fatalf("count trades failed: %v", err)
	}
	if trades != 0 {
		t.Errorf("trades = %d without price cross, want 0", trades)
	}
}

func TestCrossTradesAtMakerPrice(t *testing.T) {
	service, gdb := newTestMatching(t)

	mustEnqueue(t, service, "sell-1", "c2", domain.SideSell, "100", "10", 3)
	incoming := mustEnqueue(t, service, "buy-1", "c1", domain.SideBuy, "105", "4", 3)

	if incoming.Status != domain.EntryFullyMatched {
		t.Errorf("incoming status = %s, want FULLY_MATCHED", incoming.Status)
	}

	maker := loadEntry(t, gdb, "sell-1")
	if maker.Status != domain.EntryPartiallyMatched || !maker.RemainingSize.Equal(dec("6")) {
		t.Errorf("maker status=%s remaining=%s, want PARTIALLY_MATCHED/6",
			maker.Status, maker.RemainingSize)
	}

	var trade domain.Trade
	if err := gdb.First(&trade).Error; err != nil {
		t.Fatalf("failed to load trade: %v", err)
	}
	// 成交价取挂单方价格，数量 = min(双方剩余)
	if !trade.Price.Equal(dec("100")) {
		t.Errorf("trade price = %s, want maker price 100", trade.Price)
	}
	if !trade.Quantity.Equal(dec("4")) {
		t.Errorf("trade quantity = %s, want 4", trade.Quantity)
	}
	if trade.BuyOrderID != "buy-1" || trade.SellOrderID != "sell-1" {
		t.Errorf("trade orders = %s/%s", trade.BuyOrderID, trade.SellOrderID)
	}

	// 买卖双方各一条成交事件
	var matched int64
	if err := gdb.Model(&outbox.Record{}).
		Where("event_type = ?", events.TypeOrderMatched).
		Count(&matched).Error; err != nil {
		t.Fatalf("count outbox failed: %v", err)
	}
	if matched != 2 {
		t.Errorf("OrderMatched outbox records = %d, want 2", matched)
	}
}

func TestTierPriorityBeatsPrice(t *testing.T) {
	service, gdb := newTestMatching(t)

	// STANDARD 档先到且价格更优，VIP 档后到价格更差：VIP 先成交
	mustEnqueue(t, service, "std-1", "c1", domain.SideBuy, "105", "5", 3)
	mustEnqueue(t, service, "vip-1", "c2", domain.SideBuy, "100", "5", 1)

	incoming := mustEnqueue(t, service, "sell-1", "c3", domain.SideSell, "95", "5", 3)
	if incoming.Status != domain.EntryFullyMatched {
		t.Fatalf("incoming status = %s, want FULLY_MATCHED", incoming.Status)
	}

	vip := loadEntry(t, gdb, "vip-1")
	if vip.Status != domain.EntryFullyMatched {
		t.Errorf("vip status = %s, want FULLY_MATCHED (tier beats price)", vip.Status)
	}
	std := loadEntry(t, gdb, "std-1")
	if std.Status != domain.EntryActive || !std.RemainingSize.Equal(dec("5")) {
		t.Errorf("std status=%s remaining=%s, want untouched ACTIVE/5", std.Status, std.RemainingSize)
	}

	var trade domain.Trade
	if err := gdb.First(&trade).Error; err != nil {
		t.Fatalf("failed to load trade: %v", err)
	}
	if trade.BuyOrderID != "vip-1" {
		t.Errorf("trade buy order = %s, want vip-1", trade.BuyOrderID)
	}
	if !trade.Price.Equal(dec("100")) {
		t.Errorf("trade price = %s, want vip maker price 100", trade.Price)
	}
}

func TestBestEntryNotCrossingStopsMatching(t *testing.T) {
	service, gdb := newTestMatching(t)

	// 最优（tier 1）卖单不交叉时整体停止，不越位撮合后面交叉的低档卖单
	mustEnqueue(t, service, "vip-sell", "c1", domain.SideSell, "110", "5", 1)
	mustEnqueue(t, service, "std-sell", "c2", domain.SideSell, "90", "5", 3)

	incoming := mustEnqueue(t, service, "buy-1", "c3", domain.SideBuy, "100", "5", 3)
	if incoming.Status != domain.EntryActive {
		t.Errorf("incoming status = %s, want ACTIVE (no trade)", incoming.Status)
	}

	var trades int64
	if err := gdb.Model(&domain.Trade{}).Count(&trades).Error; err != nil {
		t.Fatalf("count trades failed: %v", err)
	}
	if trades != 0 {
		t.Errorf("trades = %d, want 0", trades)
	}
}

func TestIncomingSweepsMultipleMakers(t *testing.T) {
	service, gdb := newTestMatching(t)

	mustEnqueue(t, service, "sell-1", "c1", domain.SideSell, "100", "3", 3)
	mustEnqueue(t, service, "sell-2", "c2", domain.SideSell, "101", "3", 3)

	incoming := mustEnqueue(t, service, "buy-1", "c3", domain.SideBuy, "105", "5", 3)
	if incoming.Status != domain.EntryFullyMatched {
		t.Fatalf("incoming status = %s, want FULLY_MATCHED", incoming.Status)
	}

	if status := loadEntry(t, gdb, "sell-1").Status; status != domain.EntryFullyMatched {
		t.Errorf("sell-1 status = %s, want FULLY_MATCHED", status)
	}
	second := loadEntry(t, gdb, "sell-2")
	if second.Status != domain.EntryPartiallyMatched || !second.RemainingSize.Equal(dec("1")) {
		t.Errorf("sell-2 status=%s remaining=%s, want PARTIALLY_MATCHED/1",
			second.Status, second.RemainingSize)
	}

	var trades []domain.Trade
	if err := gdb.Order("id ASC").Find(&trades).Error; err != nil {
		t.Fatalf("load trades failed: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	// 每笔成交按各自挂单价
	if !trades[0].Price.Equal(dec("100")) || !trades[1].Price.Equal(dec("101")) {
		t.Errorf("trade prices = %s/%s, want 100/101", trades[0].Price, trades[1].Price)
	}
}

func TestEnqueueIsIdempotentPerOrder(t *testing.T) {
	service, gdb := newTestMatching(t)

	mustEnqueue(t, service, "buy-1", "c1", domain.SideBuy, "100", "10", 3)
	again := mustEnqueue(t, service, "buy-1", "c1", domain.SideBuy, "100", "10", 3)

	if again.OrderID != "buy-1" {
		t.Errorf("repeated enqueue order = %s", again.OrderID)
	}
	var count int64
	if err := gdb.Model(&domain.QueueEntry{}).Where("order_id = ?", "buy-1").Count(&count).Error; err != nil {
		t.Fatalf("count entries failed: %v", err)
	}
	if count != 1 {
		t.Errorf("entries = %d, want 1", count)
	}
}

func TestCancelRemovesEntryFromMatching(t *testing.T) {
	service, gdb := newTestMatching(t)
	ctx := context.Background()

	mustEnqueue(t, service, "sell-1", "c1", domain.SideSell, "100", "5", 3)
	cancelled, err := service.Cancel(ctx, "sell-1", "customer request")
	if err != nil || !cancelled {
		t.Fatalf("cancel: changed=%v err=%v, want true/nil", cancelled, err)
	}

	// 已取消的挂单不再参与撮合
	incoming := mustEnqueue(t, service, "buy-1", "c2", domain.SideBuy, "105", "5", 3)
	if incoming.Status != domain.EntryActive {
		t.Errorf("incoming matched against cancelled entry: status=%s", incoming.Status)
	}

	// 重复取消与取消不存在的订单都是无操作
	cancelled, err = service.Cancel(ctx, "sell-1", "again")
	if err != nil || cancelled {
		t.Errorf("repeat cancel: changed=%v err=%v, want false/nil", cancelled, err)
	}
	cancelled, err = service.Cancel(ctx, "ghost", "missing")
	if err != nil || cancelled {
		t.Errorf("cancel missing: changed=%v err=%v, want false/nil", cancelled, err)
	}

	if status := loadEntry(t, gdb, "sell-1").Status; status != domain.EntryCanceled {
		t.Errorf("status = %s, want CANCELED", status)
	}
}

func TestActiveCountPerAsset(t *testing.T) {
	service, _ := newTestMatching(t)
	ctx := context.Background()

	mustEnqueue(t, service, "buy-1", "c1", domain.SideBuy, "90", "10", 3)
	mustEnqueue(t, service, "buy-2", "c2", domain.SideBuy, "91", "10", 3)

	count, err := service.ActiveCount(ctx, "AAPL")
	if err != nil {
		t.Fatalf("active count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("active count = %d, want 2", count)
	}

	count, err = service.ActiveCount(ctx, "GOOG")
	if err != nil {
		t.Fatalf("active count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("active count for other asset = %d, want 0", count)
	}
}
