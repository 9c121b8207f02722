package notify

import (
	"context"
	"log/slog"

	"OpenSwap-Chain/internal/swap"
	"OpenSwap-Chain/pkg/logger"
)

// LogNotifier 将事件写入运行日志，作为没有外部渠道时的默认输出。
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier 创建 LogNotifier，log 为空时使用 notify 组件日志。
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = logger.Named("notify")
	}
	return &LogNotifier{log: log}
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 输出一条结构化日志。
func (n *LogNotifier) Notify(_ context.Context, sessionID string, event swap.Event) error {
	attrs := []any{
		slog.String("session_id", sessionID),
		slog.String("event", string(event.Kind)),
		slog.String("state", string(event.State)),
	}
	if event.OwnerID != "" {
		attrs = append(attrs, slog.String("owner_id", event.OwnerID))
	}
	n.log.Info(event.Message, attrs...)
	return nil
}
