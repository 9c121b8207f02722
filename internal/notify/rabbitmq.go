package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"OpenSwap-Chain/internal/swap"
)

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQConfig 描述事件 exchange。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// RabbitMQNotifier 将事件发布到 topic exchange，路由键默认为 swap.<kind>。
type RabbitMQNotifier struct {
	conn       *amqp.Connection
	ch         amqpPublisher
	exchange   string
	routingKey string
	mu         sync.Mutex
}

// NewRabbitMQNotifier 连接 RabbitMQ 并声明 exchange。
func NewRabbitMQNotifier(cfg RabbitMQConfig) (*RabbitMQNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "openswap.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	return &RabbitMQNotifier{conn: conn, ch: ch, exchange: exchange, routingKey: cfg.RoutingKey}, nil
}

// Channel 返回 RabbitMQ 渠道。
func (n *RabbitMQNotifier) Channel() Channel { return ChannelRabbitMQ }

// Notify 发布一条持久化消息。
func (n *RabbitMQNotifier) Notify(ctx context.Context, sessionID string, event swap.Event) error {
	payload, err := encodeEvent(sessionID, event)
	if err != nil {
		return err
	}
	key := n.routingKey
	if key == "" {
		key = "swap." + string(event.Kind)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch.PublishWithContext(ctx, n.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Kind),
		Body:         payload,
	})
}

// Close 关闭 channel 与连接。
func (n *RabbitMQNotifier) Close() error {
	var errs []error
	if ch, ok := n.ch.(*amqp.Channel); ok && ch != nil {
		errs = append(errs, ch.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	return errors.Join(errs...)
}
