package web3

import (
	"context"
	"sync"
)

// Journal 记录幂等键到账本引用的映射，保证同一笔转账只广播一次。
type Journal interface {
	// Reserve 在键不存在时写入 ref 并返回 (ref, true)；已存在时返回既有 ref 与 false。
	Reserve(ctx context.Context, key, ref string) (string, bool, error)
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// MemoryJournal 是进程内实现，重启后丢失。
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewMemoryJournal 创建 MemoryJournal。
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]string)}
}

// Reserve 实现 Journal。
func (j *MemoryJournal) Reserve(_ context.Context, key, ref string) (string, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if existing, ok := j.entries[key]; ok {
		return existing, false, nil
	}
	j.entries[key] = ref
	return ref, true, nil
}

// Lookup 实现 Journal。
func (j *MemoryJournal) Lookup(_ context.Context, key string) (string, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ref, ok := j.entries[key]
	return ref, ok, nil
}
