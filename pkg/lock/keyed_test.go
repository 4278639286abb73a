package lock

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()

	const workers = 50
	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			km.Lock("AAPL:c1")
			counter++
			km.Unlock("AAPL:c1")
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Errorf("counter = %d, want %d", counter, workers)
	}
}

func TestKeyedMutexDifferentKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()

	km.Lock("AAPL:c1")
	done := make(chan struct{})
	go func() {
		km.Lock("TRY:c1")
		km.Unlock("TRY:c1")
		close(done)
	}()
	<-done
	km.Unlock("AAPL:c1")
}

func TestLockAllFixedOrderAvoidsDeadlock(t *testing.T) {
	km := NewKeyedMutex()

	// 两个 goroutine 以相反的参数顺序锁同一对 key，
	// LockAll 内部按字典序统一加锁，不会交叉持锁
	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			release := km.LockAll("TRY:c1", "AAPL:c1")
			release()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			release := km.LockAll("AAPL:c1", "TRY:c1")
			release()
		}
	}()
	wg.Wait()
}

func TestLockAllDeduplicatesKeys(t *testing.T) {
	km := NewKeyedMutex()

	release := km.LockAll("TRY:c1", "TRY:c1")
	release()

	// 释放后可以立刻重新获取，说明同一 key 没有被锁两次
	km.Lock("TRY:c1")
	km.Unlock("TRY:c1")
}

func TestUnlockRemovesIdleEntry(t *testing.T) {
	km := NewKeyedMutex()

	km.Lock("TRY:c1")
	km.Unlock("TRY:c1")

	km.mu.Lock()
	size := len(km.locks)
	km.mu.Unlock()
	if size != 0 {
		t.Errorf("locks map size = %d, want 0", size)
	}
}
