package mq

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHandleWithRetryRedeliversUntilSuccess(t *testing.T) {
	attempts := 0
	handler := func(ctx context.Context, msg *Message) error {
		attempts++
		if attempts < 3 {
			return errors.New("db unreachable")
		}
		return nil
	}

	msg := &Message{Topic: "order-events", Key: "order-1", Offset: 7}
	if err := handleWithRetry(context.Background(), handler, msg, time.Millisecond, 4*time.Millisecond); err != nil {
		t.Fatalf("handleWithRetry failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestHandleWithRetrySucceedsImmediatelyWithoutBackoff(t *testing.T) {
	attempts := 0
	handler := func(ctx context.Context, msg *Message) error {
		attempts++
		return nil
	}

	start := time.Now()
	if err := handleWithRetry(context.Background(), handler, &Message{}, time.Second, time.Second); err != nil {
		t.Fatalf("handleWithRetry failed: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("first success waited %s, want no backoff", elapsed)
	}
}

func TestHandleWithRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	handler := func(ctx context.Context, msg *Message) error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("db unreachable")
	}

	err := handleWithRetry(ctx, handler, &Message{}, time.Millisecond, time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}
