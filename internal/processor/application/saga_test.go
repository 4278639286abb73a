package application

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/wyfcoding/ordersettlement/internal/events"
	"github.com/wyfcoding/ordersettlement/internal/processor/domain"
	"github.com/wyfcoding/ordersettlement/internal/processor/infrastructure/persistence/mysql"
	"github.com/wyfcoding/ordersettlement/pkg/lock"
	"github.com/wyfcoding/ordersettlement/pkg/outbox"
)

func newTestOrchestrator(t *testing.T) (*SagaOrchestrator, *MatchingService, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&domain.QueueEntry{}, &domain.Trade{}, &domain.SagaInstance{}, &outbox.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	matching := NewMatchingService(gdb,
		mysql.NewQueueRepository(gdb),
		mysql.NewTradeRepository(gdb),
		lock.NewKeyedMutex(), nil)
	orchestrator := NewSagaOrchestrator(gdb, mysql.NewSagaRepository(gdb), matching, nil, 3)
	return orchestrator, matching, gdb
}

func countOutbox(t *testing.T, gdb *gorm.DB, eventType string) int64 {
	t.Helper()
	var count int64
	if err := gdb.Model(&outbox.Record{}).Where("event_type = ?", eventType).Count(&count).Error; err != nil {
		t.Fatalf("count outbox failed: %v", err)
	}
	return count
}

func TestStartIsIdempotent(t *testing.T) {
	orchestrator, _, gdb := newTestOrchestrator(t)
	ctx := context.Background()

	first, err := orchestrator.Start(ctx, "order-1", "{}")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	second, err := orchestrator.Start(ctx, "order-1", "{}")
	if err != nil {
		t.Fatalf("repeated start failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("repeated start created a new instance: %d vs %d", first.ID, second.ID)
	}

	var count int64
	if err := gdb.Model(&domain.SagaInstance{}).Count(&count).Error; err != nil {
		t.Fatalf("count sagas failed: %v", err)
	}
	if count != 1 {
		t.Errorf("saga instances = %d, want 1", count)
	}
}

func TestAdvanceToCompletionPublishesOnce(t *testing.T) {
	orchestrator, _, gdb := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := orchestrator.Start(ctx, "order-1", "{}"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	for _, step := range []string{domain.StepValidate, domain.StepReserveAssets, domain.StepQueueOrder} {
		if err := orchestrator.Advance(ctx, "order-1", step); err != nil {
			t.Fatalf("advance %s failed: %v", step, err)
		}
	}

	saga, err := orchestrator.Find(ctx, "order-1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if saga.Status != domain.SagaCompleted {
		t.Errorf("status = %s, want COMPLETED", saga.Status)
	}

	if got := countOutbox(t, gdb, events.TypeSagaCompleted); got != 1 {
		t.Errorf("SagaCompleted records = %d, want 1", got)
	}

	// 重放最后一步：终态吸收，不再发件
	if err := orchestrator.Advance(ctx, "order-1", domain.StepQueueOrder); err != nil {
		t.Fatalf("replayed advance failed: %v", err)
	}
	if got := countOutbox(t, gdb, events.TypeSagaCompleted); got != 1 {
		t.Errorf("SagaCompleted records after replay = %d, want still 1", got)
	}
}

func TestReservationFailureCompensatesAndRejects(t *testing.T) {
	orchestrator, _, gdb := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := orchestrator.Start(ctx, "order-z", "{}"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := orchestrator.Advance(ctx, "order-z", domain.StepValidate); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	if err := orchestrator.Fail(ctx, "order-z", domain.StepReserveAssets,
		"insufficient balance", events.StatusRejected); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	saga, err := orchestrator.Find(ctx, "order-z")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if saga.Status != domain.SagaFailed {
		t.Errorf("status = %s, want FAILED", saga.Status)
	}
	if saga.FailedStep != domain.StepReserveAssets {
		t.Errorf("failed step = %s, want RESERVE_ASSETS", saga.FailedStep)
	}

	// 从未入簿
	var entries int64
	if err := gdb.Model(&domain.QueueEntry{}).Count(&entries).Error; err != nil {
		t.Fatalf("count entries failed: %v", err)
	}
	if entries != 0 {
		t.Errorf("queue entries = %d, want 0", entries)
	}

	// SagaFailed 与 REJECTED 状态更新恰好各一条
	if got := countOutbox(t, gdb, events.TypeSagaFailed); got != 1 {
		t.Errorf("SagaFailed records = %d, want 1", got)
	}
	var status events.OrderStatusUpdateEvent
	var record outbox.Record
	if err := gdb.Where("event_type = ?", events.TypeOrderStatusUpdate).First(&record).Error; err != nil {
		t.Fatalf("load status record failed: %v", err)
	}
	if err := events.Decode([]byte(record.Payload), &status); err != nil {
		t.Fatalf("decode status failed: %v", err)
	}
	if status.NewStatus != events.StatusRejected {
		t.Errorf("status update = %s, want REJECTED", status.NewStatus)
	}

	// 重复失败事件：终态吸收，不再发件
	if err := orchestrator.Fail(ctx, "order-z", domain.StepReserveAssets,
		"insufficient balance", events.StatusRejected); err != nil {
		t.Fatalf("repeated fail failed: %v", err)
	}
	if got := countOutbox(t, gdb, events.TypeSagaFailed); got != 1 {
		t.Errorf("SagaFailed records after replay = %d, want still 1", got)
	}
}

func TestFailCompensatesCompletedStepsInReverse(t *testing.T) {
	orchestrator, matching, gdb := newTestOrchestrator(t)
	ctx := context.Background()

	// 订单已走完 VALIDATE 和 RESERVE_ASSETS 并已入簿
	if _, err := orchestrator.Start(ctx, "order-1", "{}"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := orchestrator.Advance(ctx, "order-1", domain.StepValidate); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if err := orchestrator.Advance(ctx, "order-1", domain.StepReserveAssets); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if _, err := matching.Enqueue(ctx, "order-1", "c1", "AAPL", domain.SideBuy, dec("100"), dec("5"), 3); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := orchestrator.Fail(ctx, "order-1", domain.StepQueueOrder,
		"queue step failed", events.StatusRejected); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	saga, err := orchestrator.Find(ctx, "order-1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if saga.Status != domain.SagaFailed {
		t.Errorf("status = %s, want FAILED", saga.Status)
	}

	// RESERVE_ASSETS 的补偿：发件释放请求
	if got := countOutbox(t, gdb, events.TypeOrderCancelled); got != 1 {
		t.Errorf("OrderCancelled (release request) records = %d, want 1", got)
	}
}

func TestFailOnCancelledOrderCancelsQueueEntry(t *testing.T) {
	orchestrator, matching, gdb := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := orchestrator.Start(ctx, "order-1", "{}"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := orchestrator.Advance(ctx, "order-1", domain.StepValidate); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if err := orchestrator.Advance(ctx, "order-1", domain.StepReserveAssets); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if _, err := matching.Enqueue(ctx, "order-1", "c1", "AAPL", domain.SideBuy, dec("100"), dec("5"), 3); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// 人工把 QUEUE_ORDER 计入已完成但保持非终态，模拟推进中途被取消
	if err := gdb.Model(&domain.SagaInstance{}).
		Where("correlation_id = ?", "order-1").
		Updates(map[string]interface{}{
			"completed_steps": "VALIDATE,RESERVE_ASSETS,QUEUE_ORDER",
			"status":          domain.SagaInProgress,
		}).Error; err != nil {
		t.Fatalf("failed to rig saga: %v", err)
	}

	if err := orchestrator.Fail(ctx, "order-1", domain.StepQueueOrder,
		"order cancelled", events.StatusCancelled); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	// QUEUE_ORDER 的补偿：队列记录被取消
	var entry domain.QueueEntry
	if err := gdb.Where("order_id = ?", "order-1").First(&entry).Error; err != nil {
		t.Fatalf("load entry failed: %v", err)
	}
	if entry.Status != domain.EntryCanceled {
		t.Errorf("entry status = %s, want CANCELED", entry.Status)
	}
}
