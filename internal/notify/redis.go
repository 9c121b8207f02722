package notify

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"OpenSwap-Chain/internal/swap"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
}

// RedisNotifier 通过 PUBLISH 将事件推送给订阅者。
type RedisNotifier struct {
	client    redisPublisher
	channel   string
	ownClient *goredis.Client
}

// RedisConfig 为 Redis 通知参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// NewRedisNotifier 创建 RedisNotifier 并检测连接。
func NewRedisNotifier(ctx context.Context, cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	n := newRedisNotifier(client, cfg.Channel)
	n.ownClient = client
	return n, nil
}

func newRedisNotifier(client redisPublisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = "openswap:events"
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Channel 返回 Redis 渠道。
func (n *RedisNotifier) Channel() Channel { return ChannelRedis }

// Notify 发布事件 JSON。
func (n *RedisNotifier) Notify(ctx context.Context, sessionID string, event swap.Event) error {
	payload, err := encodeEvent(sessionID, event)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭自建的连接。
func (n *RedisNotifier) Close() error {
	if n.ownClient != nil {
		return n.ownClient.Close()
	}
	return nil
}
