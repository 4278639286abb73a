package idempotency

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&ProcessedEvent{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return gdb
}

func TestExecuteRunsHandlerOnce(t *testing.T) {
	gdb := newTestDB(t)
	guard := NewGuard(gdb)
	ctx := context.Background()

	calls := 0
	fn := func(txCtx context.Context) error {
		calls++
		return nil
	}

	handled, err := guard.Execute(ctx, "evt-1", "OrderCreatedEvent", "order-1", fn)
	if err != nil {
		t.Fatalf("first execute failed: %v", err)
	}
	if !handled {
		t.Error("first execute: handled = false, want true")
	}

	// 同一 eventId 重复投递：跳过 handler，不报错
	handled, err = guard.Execute(ctx, "evt-1", "OrderCreatedEvent", "order-1", fn)
	if err != nil {
		t.Fatalf("duplicate execute failed: %v", err)
	}
	if handled {
		t.Error("duplicate execute: handled = true, want false")
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestExecuteRollsBackMarkerOnHandlerError(t *testing.T) {
	gdb := newTestDB(t)
	guard := NewGuard(gdb)
	ctx := context.Background()

	boom := errors.New("handler failed")
	_, err := guard.Execute(ctx, "evt-2", "OrderCreatedEvent", "order-2", func(txCtx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("execute error = %v, want %v", err, boom)
	}

	// handler 失败时标记必须一并回滚，事件可以重试
	seen, err := guard.Seen(ctx, "evt-2")
	if err != nil {
		t.Fatalf("seen failed: %v", err)
	}
	if seen {
		t.Error("marker exists after rollback, want absent")
	}

	handled, err := guard.Execute(ctx, "evt-2", "OrderCreatedEvent", "order-2", func(txCtx context.Context) error {
		return nil
	})
	if err != nil || !handled {
		t.Errorf("retry after rollback: handled=%v err=%v, want true/nil", handled, err)
	}
}

func TestExecuteDistinctEventsBothHandled(t *testing.T) {
	gdb := newTestDB(t)
	guard := NewGuard(gdb)
	ctx := context.Background()

	calls := 0
	for _, id := range []string{"evt-a", "evt-b"} {
		handled, err := guard.Execute(ctx, id, "OrderCancelledEvent", "order-3", func(txCtx context.Context) error {
			calls++
			return nil
		})
		if err != nil || !handled {
			t.Fatalf("execute %s: handled=%v err=%v", id, handled, err)
		}
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}
