package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/ordersettlement/internal/events"
	"github.com/wyfcoding/ordersettlement/internal/processor/application"
	"github.com/wyfcoding/ordersettlement/internal/processor/domain"
	"github.com/wyfcoding/ordersettlement/internal/processor/infrastructure/persistence/mysql"
	"github.com/wyfcoding/ordersettlement/pkg/idempotency"
	"github.com/wyfcoding/ordersettlement/pkg/lock"
	"github.com/wyfcoding/ordersettlement/pkg/mq"
	"github.com/wyfcoding/ordersettlement/pkg/outbox"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestConsumer(t *testing.T) (*OrderEventConsumer, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&domain.QueueEntry{}, &domain.Trade{}, &domain.SagaInstance{},
		&outbox.Record{}, &idempotency.ProcessedEvent{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	matching := application.NewMatchingService(gdb,
		mysql.NewQueueRepository(gdb),
		mysql.NewTradeRepository(gdb),
		lock.NewKeyedMutex(), nil)
	orchestrator := application.NewSagaOrchestrator(gdb, mysql.NewSagaRepository(gdb), matching, nil, 3)
	c := NewOrderEventConsumer(idempotency.NewGuard(gdb), orchestrator, matching, nil)
	return c, gdb
}

func message(t *testing.T, event interface{}) *mq.Message {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return &mq.Message{Topic: events.TopicOrderEvents, Value: payload}
}

func orderCreated(eventID, orderID string) *events.OrderCreatedEvent {
	return &events.OrderCreatedEvent{
		EventID:      eventID,
		EventType:    events.TypeOrderCreated,
		OrderID:      orderID,
		CustomerID:   "c1",
		AssetSymbol:  "AAPL",
		OrderSide:    events.SideBuy,
		Size:         dec("5"),
		Price:        dec("100"),
		TotalValue:   dec("500"),
		TierPriority: 3,
		Timestamp:    time.Now(),
	}
}

func loadSaga(t *testing.T, gdb *gorm.DB, orderID string) *domain.SagaInstance {
	t.Helper()
	var saga domain.SagaInstance
	if err := gdb.Where("correlation_id = ?", orderID).First(&saga).Error; err != nil {
		t.Fatalf("load saga failed: %v", err)
	}
	return &saga
}

func TestOrderCreatedStartsSagaAndValidates(t *testing.T) {
	c, gdb := newTestConsumer(t)
	ctx := context.Background()

	if err := c.Handle(ctx, message(t, orderCreated("evt-1", "order-1"))); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	saga := loadSaga(t, gdb, "order-1")
	if saga.Status != domain.SagaInProgress {
		t.Errorf("saga status = %s, want IN_PROGRESS", saga.Status)
	}
	if saga.CurrentStep != domain.StepReserveAssets {
		t.Errorf("current step = %s, want RESERVE_ASSETS", saga.CurrentStep)
	}
}

func TestAssetReservedQueuesOrderAndCompletesSaga(t *testing.T) {
	c, gdb := newTestConsumer(t)
	ctx := context.Background()

	if err := c.Handle(ctx, message(t, orderCreated("evt-1", "order-1"))); err != nil {
		t.Fatalf("handle created failed: %v", err)
	}
	if err := c.Handle(ctx, message(t, &events.AssetReservedEvent{
		EventID:        "evt-2",
		EventType:      events.TypeAssetReserved,
		OrderID:        "order-1",
		CustomerID:     "c1",
		AssetSymbol:    "TRY",
		ReservedAmount: dec("500"),
		Timestamp:      time.Now(),
	})); err != nil {
		t.Fatalf("handle reserved failed: %v", err)
	}

	saga := loadSaga(t, gdb, "order-1")
	if saga.Status != domain.SagaCompleted {
		t.Errorf("saga status = %s, want COMPLETED", saga.Status)
	}

	var entry domain.QueueEntry
	if err := gdb.Where("order_id = ?", "order-1").First(&entry).Error; err != nil {
		t.Fatalf("load entry failed: %v", err)
	}
	if entry.Status != domain.EntryActive || !entry.RemainingSize.Equal(dec("5")) {
		t.Errorf("entry status=%s remaining=%s, want ACTIVE/5", entry.Status, entry.RemainingSize)
	}
	if entry.TierPriority != 3 || !entry.Price.Equal(dec("100")) {
		t.Errorf("entry tier=%d price=%s, want 3/100", entry.TierPriority, entry.Price)
	}

	// 状态更新：ASSET_RESERVED 与 ORDER_CONFIRMED 各一条
	var statuses []outbox.Record
	if err := gdb.Where("event_type = ?", events.TypeOrderStatusUpdate).
		Order("id ASC").Find(&statuses).Error; err != nil {
		t.Fatalf("load status records failed: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("status records = %d, want 2", len(statuses))
	}
	var first, second events.OrderStatusUpdateEvent
	if err := events.Decode([]byte(statuses[0].Payload), &first); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if err := events.Decode([]byte(statuses[1].Payload), &second); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if first.NewStatus != events.StatusAssetReserved || second.NewStatus != events.StatusOrderConfirmed {
		t.Errorf("statuses = %s/%s, want ASSET_RESERVED/ORDER_CONFIRMED",
			first.NewStatus, second.NewStatus)
	}
}

func TestReservationFailedRejectsSaga(t *testing.T) {
	c, gdb := newTestConsumer(t)
	ctx := context.Background()

	if err := c.Handle(ctx, message(t, orderCreated("evt-1", "order-1"))); err != nil {
		t.Fatalf("handle created failed: %v", err)
	}
	if err := c.Handle(ctx, message(t, &events.AssetReservationFailedEvent{
		EventID:     "evt-2",
		EventType:   events.TypeAssetReservationFailed,
		OrderID:     "order-1",
		CustomerID:  "c1",
		AssetSymbol: "TRY",
		Reason:      "insufficient balance",
		Timestamp:   time.Now(),
	})); err != nil {
		t.Fatalf("handle failure failed: %v", err)
	}

	saga := loadSaga(t, gdb, "order-1")
	if saga.Status != domain.SagaFailed {
		t.Errorf("saga status = %s, want FAILED", saga.Status)
	}

	var entries int64
	if err := gdb.Model(&domain.QueueEntry{}).Count(&entries).Error; err != nil {
		t.Fatalf("count entries failed: %v", err)
	}
	if entries != 0 {
		t.Errorf("queue entries = %d, want 0", entries)
	}
}

func TestReplayedOrderCreatedStartsSagaOnce(t *testing.T) {
	c, gdb := newTestConsumer(t)
	ctx := context.Background()

	msg := message(t, orderCreated("evt-1", "order-1"))
	for i := 0; i < 3; i++ {
		if err := c.Handle(ctx, msg); err != nil {
			t.Fatalf("handle attempt %d failed: %v", i+1, err)
		}
	}

	var sagas int64
	if err := gdb.Model(&domain.SagaInstance{}).Count(&sagas).Error; err != nil {
		t.Fatalf("count sagas failed: %v", err)
	}
	if sagas != 1 {
		t.Errorf("saga instances = %d, want 1", sagas)
	}
}

func TestOrderCancelledCompensatesInProgressSaga(t *testing.T) {
	c, gdb := newTestConsumer(t)
	ctx := context.Background()

	if err := c.Handle(ctx, message(t, orderCreated("evt-1", "order-1"))); err != nil {
		t.Fatalf("handle created failed: %v", err)
	}
	if err := c.Handle(ctx, message(t, &events.OrderCancelledEvent{
		EventID:   "evt-2",
		EventType: events.TypeOrderCancelled,
		OrderID:   "order-1",
		Reason:    "customer request",
		Timestamp: time.Now(),
	})); err != nil {
		t.Fatalf("handle cancel failed: %v", err)
	}

	saga := loadSaga(t, gdb, "order-1")
	if saga.Status != domain.SagaFailed {
		t.Errorf("saga status = %s, want FAILED", saga.Status)
	}

	var record outbox.Record
	if err := gdb.Where("event_type = ?", events.TypeOrderStatusUpdate).
		Order("id DESC").First(&record).Error; err != nil {
		t.Fatalf("load status record failed: %v", err)
	}
	var status events.OrderStatusUpdateEvent
	if err := events.Decode([]byte(record.Payload), &status); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if status.NewStatus != events.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", status.NewStatus)
	}
}
