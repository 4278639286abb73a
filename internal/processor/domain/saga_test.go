package domain

import (
	"testing"
)

func TestSagaAdvancesThroughAllSteps(t *testing.T) {
	saga := NewSagaInstance("order-1", SagaTypeOrderProcessing, "{}", 3)
	if saga.Status != SagaStarted {
		t.Fatalf("initial status = %s, want STARTED", saga.Status)
	}
	if saga.NextStep() != StepValidate {
		t.Fatalf("next step = %s, want VALIDATE", saga.NextStep())
	}

	if !saga.Advance(StepValidate) {
		t.Fatal("advance VALIDATE returned false")
	}
	if saga.Status != SagaInProgress || saga.CurrentStep != StepReserveAssets {
		t.Errorf("after VALIDATE: status=%s step=%s, want IN_PROGRESS/RESERVE_ASSETS",
			saga.Status, saga.CurrentStep)
	}

	saga.Advance(StepReserveAssets)
	if !saga.Advance(StepQueueOrder) {
		t.Fatal("advance QUEUE_ORDER returned false")
	}
	if saga.Status != SagaCompleted {
		t.Errorf("status = %s after final step, want COMPLETED", saga.Status)
	}
	if saga.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if saga.CompletedSteps != "VALIDATE,RESERVE_ASSETS,QUEUE_ORDER" {
		t.Errorf("completed steps = %s", saga.CompletedSteps)
	}
}

func TestSagaDuplicateAdvanceIsNoOp(t *testing.T) {
	saga := NewSagaInstance("order-1", SagaTypeOrderProcessing, "{}", 3)
	saga.Advance(StepValidate)

	if saga.Advance(StepValidate) {
		t.Error("duplicate advance returned true, want no-op")
	}
	if len(saga.CompletedStepList()) != 1 {
		t.Errorf("completed steps = %v, want 1 entry", saga.CompletedStepList())
	}
}

func TestSagaTerminalAbsorbsAllTransitions(t *testing.T) {
	saga := NewSagaInstance("order-1", SagaTypeOrderProcessing, "{}", 3)
	saga.Advance(StepValidate)
	saga.MarkCompensating(StepReserveAssets, "insufficient balance")
	saga.MarkFailed()

	if saga.Status != SagaFailed {
		t.Fatalf("status = %s, want FAILED", saga.Status)
	}

	// 终态吸收一切后续迁移
	if saga.Advance(StepReserveAssets) {
		t.Error("advance on terminal saga returned true")
	}
	if saga.MarkCompensating(StepQueueOrder, "late event") {
		t.Error("compensating on terminal saga returned true")
	}
	if saga.MarkFailed() {
		t.Error("fail on terminal saga returned true")
	}
	if saga.MarkCompensationFailed("x") {
		t.Error("compensation-failed on terminal saga returned true")
	}
	if saga.Status != SagaFailed {
		t.Errorf("status changed on terminal saga: %s", saga.Status)
	}
}

func TestSagaCompensationFailedIsTerminal(t *testing.T) {
	saga := NewSagaInstance("order-1", SagaTypeOrderProcessing, "{}", 3)
	saga.Advance(StepValidate)
	saga.MarkCompensating(StepReserveAssets, "boom")
	saga.MarkCompensationFailed("release failed")

	if saga.Status != SagaCompensationFailed {
		t.Fatalf("status = %s, want COMPENSATION_FAILED", saga.Status)
	}
	if !saga.IsTerminal() {
		t.Error("COMPENSATION_FAILED not terminal")
	}
}

func TestSagaRetryAccounting(t *testing.T) {
	saga := NewSagaInstance("order-1", SagaTypeOrderProcessing, "{}", 2)
	if !saga.CanRetry() {
		t.Fatal("fresh saga cannot retry")
	}
	saga.IncrementRetry()
	saga.IncrementRetry()
	if saga.CanRetry() {
		t.Error("saga can retry past max_retries")
	}
}
