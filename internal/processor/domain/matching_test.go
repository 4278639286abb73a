package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestQueueEntryApplyFill(t *testing.T) {
	e := NewQueueEntry("order-1", "c1", "AAPL", SideBuy, dec("100"), dec("10"), 3)

	if err := e.ApplyFill(dec("4")); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if e.Status != EntryPartiallyMatched || !e.RemainingSize.Equal(dec("6")) {
		t.Errorf("after partial fill: status=%s remaining=%s, want PARTIALLY_MATCHED/6",
			e.Status, e.RemainingSize)
	}

	if err := e.ApplyFill(dec("6")); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if e.Status != EntryFullyMatched || !e.RemainingSize.IsZero() {
		t.Errorf("after full fill: status=%s remaining=%s, want FULLY_MATCHED/0",
			e.Status, e.RemainingSize)
	}
}

func TestQueueEntryFillNeverGoesNegative(t *testing.T) {
	e := NewQueueEntry("order-1", "c1", "AAPL", SideBuy, dec("100"), dec("10"), 3)

	if err := e.ApplyFill(dec("11")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("overfill error = %v, want ErrInvalidTransition", err)
	}
	if !e.RemainingSize.Equal(dec("10")) {
		t.Errorf("remaining mutated on rejected fill: %s", e.RemainingSize)
	}

	if err := e.ApplyFill(decimal.Zero); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("zero fill error = %v, want ErrInvalidTransition", err)
	}
}

func TestQueueEntryCancelOnlyWhileMatchable(t *testing.T) {
	e := NewQueueEntry("order-1", "c1", "AAPL", SideBuy, dec("100"), dec("10"), 3)
	if !e.Cancel() {
		t.Fatal("cancel on ACTIVE returned false")
	}
	if e.Status != EntryCanceled {
		t.Errorf("status = %s, want CANCELED", e.Status)
	}

	// 终态上的取消是无操作
	if e.Cancel() {
		t.Error("cancel on terminal entry returned true")
	}

	filled := NewQueueEntry("order-2", "c1", "AAPL", SideSell, dec("100"), dec("5"), 3)
	if err := filled.ApplyFill(dec("5")); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if filled.Cancel() {
		t.Error("cancel on FULLY_MATCHED entry returned true")
	}
}

func TestQueueEntryCrosses(t *testing.T) {
	buy := NewQueueEntry("b", "c1", "AAPL", SideBuy, dec("100"), dec("5"), 3)
	sellLow := NewQueueEntry("s1", "c2", "AAPL", SideSell, dec("95"), dec("5"), 3)
	sellHigh := NewQueueEntry("s2", "c2", "AAPL", SideSell, dec("105"), dec("5"), 3)

	if !buy.Crosses(sellLow) {
		t.Error("buy@100 does not cross sell@95")
	}
	if buy.Crosses(sellHigh) {
		t.Error("buy@100 crosses sell@105")
	}
	if buy.Crosses(buy) {
		t.Error("entry crosses same side")
	}
}
