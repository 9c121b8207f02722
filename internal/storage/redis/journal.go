package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"OpenSwap-Chain/internal/web3"
)

// Journal 将幂等键映射持久化到 Redis，键不过期。
type Journal struct {
	client *goredis.Client
	prefix string
}

var _ web3.Journal = (*Journal)(nil)

// NewJournal 创建基于 Redis 的转账日志。
func NewJournal(client *goredis.Client, prefix string) *Journal {
	return &Journal{client: client, prefix: normalizePrefix(prefix) + ":journal:"}
}

// Reserve 使用 SETNX 保证同一个键只写入一次。
func (j *Journal) Reserve(ctx context.Context, key, ref string) (string, bool, error) {
	ok, err := j.client.SetNX(ctx, j.prefix+key, ref, 0).Result()
	if err != nil {
		return "", false, fmt.Errorf("写入转账日志失败: %w", err)
	}
	if ok {
		return ref, true, nil
	}
	existing, found, err := j.Lookup(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, fmt.Errorf("转账日志 %s 状态不一致", key)
	}
	return existing, false, nil
}

// Lookup 实现 web3.Journal。
func (j *Journal) Lookup(ctx context.Context, key string) (string, bool, error) {
	ref, err := j.client.Get(ctx, j.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("查询转账日志失败: %w", err)
	}
	return ref, true, nil
}
