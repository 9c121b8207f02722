package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"OpenSwap-Chain/internal/notify"
	"OpenSwap-Chain/internal/swap"
	"OpenSwap-Chain/pkg/logger"
)

// StatsFunc 返回当前的会话统计，通常为 (*swap.Service).Stats。
type StatsFunc func(ctx context.Context) (swap.Stats, error)

// EventCounter 按事件类型累计会话事件，作为一个通知渠道挂到 notify.Fanout 上。
type EventCounter struct {
	mu     sync.Mutex
	counts map[swap.EventKind]uint64
}

var _ notify.Notifier = (*EventCounter)(nil)

// NewEventCounter 创建计数器。
func NewEventCounter() *EventCounter {
	return &EventCounter{counts: make(map[swap.EventKind]uint64)}
}

// Channel 实现 notify.Notifier。
func (c *EventCounter) Channel() notify.Channel { return notify.ChannelMetrics }

// Notify 实现 notify.Notifier，永不返回错误。
func (c *EventCounter) Notify(_ context.Context, _ string, event swap.Event) error {
	c.mu.Lock()
	c.counts[event.Kind]++
	c.mu.Unlock()
	return nil
}

// Count 返回某类事件的累计次数。
func (c *EventCounter) Count(kind swap.EventKind) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind]
}

func (c *EventCounter) writeTo(b *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kinds := make([]string, 0, len(c.counts))
	for k := range c.counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	writeHeader(b, "openswap_swap_events_total", "counter", "Swap session events emitted, by kind.")
	for _, k := range kinds {
		fmt.Fprintf(b, "openswap_swap_events_total{kind=\"%s\"} %d\n", escape(k), c.counts[swap.EventKind(k)])
	}
}

func writeSessionGauges(b *strings.Builder, stats swap.Stats) {
	writeHeader(b, "openswap_sessions", "gauge", "Sessions currently held in the store, by state.")
	for _, g := range []struct {
		state swap.State
		value int
	}{
		{swap.StateOpen, stats.Open},
		{swap.StateAwaitingDeposit, stats.AwaitingDeposit},
		{swap.StateAwaitingApproval, stats.AwaitingApproval},
		{swap.StateApproved, stats.Approved},
		{swap.StateExecuting, stats.Executing},
		{swap.StatePartiallyFailed, stats.PartiallyFailed},
		{swap.StateFailed, stats.Failed},
	} {
		fmt.Fprintf(b, "openswap_sessions{state=\"%s\"} %d\n", g.state, g.value)
	}
	if stats.OldestUpdatedAt > 0 {
		writeHeader(b, "openswap_oldest_session_age_seconds", "gauge", "Seconds since the least recently updated session changed.")
		age := int64(time.Since(time.Unix(stats.OldestUpdatedAt, 0)).Seconds())
		if age < 0 {
			age = 0
		}
		fmt.Fprintf(b, "openswap_oldest_session_age_seconds %d\n", age)
	}
}

// Handler 输出全部指标。events 与 stats 可以为 nil。
// 读取会话统计失败时仍返回 HTTP 指标，并记录一条警告。
func Handler(events *EventCounter, stats StatsFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.Grow(4096)
		httpMetrics.writeTo(&b)
		if events != nil {
			events.writeTo(&b)
		}
		if stats != nil {
			snapshot, err := stats(r.Context())
			if err != nil {
				logger.L().Warn("读取会话统计失败", slog.Any("error", err))
			} else {
				writeSessionGauges(&b, snapshot)
			}
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(b.String()))
	})
}
