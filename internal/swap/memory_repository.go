package swap

import (
	"context"
	"sort"
	"sync"

	xerrors "OpenSwap-Chain/internal/errors"
)

// MemoryRepository 以内存方式保存会话，进程重启后数据丢失。
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryRepository 创建 MemoryRepository。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*Session)}
}

// Load 实现 Repository 接口。
func (m *MemoryRepository) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Save 覆盖写入会话。
func (m *MemoryRepository) Save(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session.Clone()
	return nil
}

// Delete 删除会话，不存在时不报错。
func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// List 返回符合过滤条件的会话。
func (m *MemoryRepository) List(_ context.Context, opts ListOptions) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.ApplyDefaults()
	results := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if opts.Matches(s) {
			results = append(results, s.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		if opts.Order == SortByUpdatedAsc {
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})
	if opts.Offset >= len(results) {
		return []*Session{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 汇总当前会话状态。
func (m *MemoryRepository) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st Stats
	for _, s := range m.sessions {
		st.Add(s.State, s.UpdatedAt)
	}
	return st, nil
}

// Close 实现 Repository 接口。
func (m *MemoryRepository) Close() error {
	return nil
}
