package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"OpenSwap-Chain/internal/config"
	"OpenSwap-Chain/internal/intake"
	"OpenSwap-Chain/internal/intake/openai"
	"OpenSwap-Chain/internal/notify"
	"OpenSwap-Chain/internal/observability/metrics"
	"OpenSwap-Chain/internal/storage/mysql"
	redisstore "OpenSwap-Chain/internal/storage/redis"
	"OpenSwap-Chain/internal/swap"
	"OpenSwap-Chain/internal/web3"
	"OpenSwap-Chain/pkg/logger"
)

func openRepository(ctx context.Context, cfg config.SessionStoreConfig) (swap.Repository, error) {
	switch cfg.Driver {
	case "memory":
		logger.L().Warn("会话存储为内存模式，重启后会话丢失")
		return swap.NewMemoryRepository(), nil
	case "mysql":
		return mysql.NewSessionRepository(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
		})
	case "redis":
		return redisstore.NewSessionRepository(ctx, redisConfig(cfg.Redis))
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Driver)
	}
}

// openJournal 选择转账幂等日志。redis 模式下优先复用会话仓库的连接。
func openJournal(ctx context.Context, cfg *config.Config, repo swap.Repository) (web3.Journal, func(), error) {
	switch cfg.Web3.Journal {
	case "memory":
		if cfg.Storage.SessionStore.Driver != "memory" {
			logger.L().Warn("转账日志为内存模式，重启后可能重复广播已提交的转账")
		}
		return web3.NewMemoryJournal(), func() {}, nil
	case "redis":
		prefix := cfg.Storage.SessionStore.Redis.Prefix
		if shared, ok := repo.(*redisstore.SessionRepository); ok {
			return redisstore.NewJournal(shared.Client(), prefix), func() {}, nil
		}
		client, err := redisstore.Dial(ctx, redisConfig(cfg.Storage.SessionStore.Redis))
		if err != nil {
			return nil, nil, err
		}
		return redisstore.NewJournal(client, prefix), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的转账日志驱动: %s", cfg.Web3.Journal)
	}
}

func redisConfig(cfg config.RedisConfig) redisstore.Config {
	return redisstore.Config{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		Prefix:   cfg.Prefix,
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (swap.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return swap.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return swap.NewRedisQueue(ctx, swap.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return swap.NewRabbitMQQueue(swap.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func newOrderParser(cfg config.IntakeConfig) (swap.OrderParser, error) {
	switch cfg.Provider {
	case "pattern":
		return intake.NewPatternParser(), nil
	case "openai":
		apiKey := cfg.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewParser(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的订单解析 provider: %s", cfg.Provider)
	}
}

// newNotificationSink 组合启用的通知渠道，指标计数器总是挂载。
func newNotificationSink(ctx context.Context, cfg config.NotifyConfig, events *metrics.EventCounter) (*notify.Fanout, error) {
	notifiers := []notify.Notifier{events}
	closeAll := func() { _ = notify.NewFanout(notifiers...).Close() }

	if cfg.Log {
		notifiers = append(notifiers, notify.NewLogNotifier(logger.Named("events")))
	}
	if cfg.RabbitMQ.Enabled {
		n, err := notify.NewRabbitMQNotifier(notify.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.Redis.Enabled {
		n, err := notify.NewRedisNotifier(ctx, notify.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.Webhook.Enabled {
		n, err := notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
			Timeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return notify.NewFanout(notifiers...), nil
}
