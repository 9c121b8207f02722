package swap

import "context"

// Repository 抽象了会话的持久化，SessionStore 负责加锁与不变量检查。
// Load 在会话不存在时返回 ErrSessionNotFound。
type Repository interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*Session, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
