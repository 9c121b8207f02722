// Package notify delivers user-facing swap events to external channels.
// Every notifier implements the same small interface and Fanout combines
// them into a single swap.NotificationSink.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"OpenSwap-Chain/internal/swap"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelRabbitMQ Channel = "rabbitmq"
	ChannelRedis    Channel = "redis"
	ChannelWebhook  Channel = "webhook"
	ChannelMetrics  Channel = "metrics"
)

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, sessionID string, event swap.Event) error
}

// Fanout 将事件广播给多个通知器，实现 swap.NotificationSink。
type Fanout struct {
	notifiers map[Channel]Notifier
	closers   []func() error
}

var _ swap.NotificationSink = (*Fanout)(nil)

// NewFanout 创建一个新的 Fanout，同一渠道只保留最后一个通知器。
func NewFanout(notifiers ...Notifier) *Fanout {
	set := make(map[Channel]Notifier, len(notifiers))
	var closers []func() error
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
		if c, ok := n.(interface{ Close() error }); ok {
			closers = append(closers, c.Close)
		}
	}
	return &Fanout{notifiers: set, closers: closers}
}

// Len 返回已注册的渠道数量。
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.notifiers)
}

// Notify 将事件广播至所有注册渠道，单个渠道失败不影响其他渠道。
func (f *Fanout) Notify(ctx context.Context, sessionID string, event swap.Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, notifier := range f.notifiers {
		if err := notifier.Notify(ctx, sessionID, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Close 释放通知器持有的连接。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, c := range f.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func encodeEvent(sessionID string, event swap.Event) ([]byte, error) {
	if event.SessionID == "" {
		event.SessionID = sessionID
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return payload, nil
}
