// Package lock 提供按 key 的互斥原语，替代数据库之外的全局锁。
// 账本按 (customer, asset) 串行化，订单簿按 asset 单写者，都依赖它。
package lock

import (
	"sort"
	"sync"
)

// KeyedMutex 按字符串 key 的互斥锁集合。
// 同一 key 的操作串行执行，不同 key 互不阻塞。
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex 创建 KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

// Lock 获取 key 对应的锁
func (km *KeyedMutex) Lock(key string) {
	km.mu.Lock()
	e, ok := km.locks[key]
	if !ok {
		e = &entry{}
		km.locks[key] = e
	}
	e.refs++
	km.mu.Unlock()

	e.mu.Lock()
}

// Unlock 释放 key 对应的锁；无等待者时回收条目
func (km *KeyedMutex) Unlock(key string) {
	km.mu.Lock()
	e, ok := km.locks[key]
	if ok {
		e.refs--
		if e.refs == 0 {
			delete(km.locks, key)
		}
	}
	km.mu.Unlock()

	if ok {
		e.mu.Unlock()
	}
}

// LockAll 按固定全局顺序（字典序）锁住多个 key，避免交叉持锁死锁。
// 两腿结算对 debit/credit 两个资产对调用。返回按加锁顺序释放的函数。
func (km *KeyedMutex) LockAll(keys ...string) func() {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	// 去重，同一 key 只锁一次
	uniq := sorted[:0]
	for i, k := range sorted {
		if i == 0 || k != sorted[i-1] {
			uniq = append(uniq, k)
		}
	}

	for _, k := range uniq {
		km.Lock(k)
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			km.Unlock(uniq[i])
		}
	}
}
