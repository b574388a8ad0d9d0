// internal/storage/locks.go
package storage

import (
	"sync"
	"time"
)

// KeyedLocks 按键分配的互斥锁，用于串行化同一故事或同一用户的读改写。
// 长时间未使用且无人持有的锁会被定期回收。
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockInfo
	ttl   time.Duration
}

type lockInfo struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

// NewKeyedLocks 创建锁表
func NewKeyedLocks(ttl time.Duration) *KeyedLocks {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &KeyedLocks{locks: make(map[string]*lockInfo), ttl: ttl}
}

// With 持有 key 对应的锁执行 fn
func (k *KeyedLocks) With(key string, fn func() error) error {
	k.mu.Lock()
	info, ok := k.locks[key]
	if !ok {
		info = &lockInfo{}
		k.locks[key] = info
	}
	info.refs++
	k.mu.Unlock()

	info.mu.Lock()
	defer func() {
		info.mu.Unlock()

		k.mu.Lock()
		info.refs--
		info.lastUsed = time.Now()
		k.mu.Unlock()
	}()

	return fn()
}

// Cleanup 回收过期且未被引用的锁，返回回收数量
func (k *KeyedLocks) Cleanup() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, info := range k.locks {
		if info.refs == 0 && now.Sub(info.lastUsed) > k.ttl {
			delete(k.locks, key)
			removed++
		}
	}
	return removed
}

// Len 当前锁数量
func (k *KeyedLocks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
