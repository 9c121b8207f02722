package swap

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"OpenSwap-Chain/pkg/logger"
)

// EventKind 对应会话生命周期中的具名转换。
type EventKind string

const (
	EventOrderAccepted         EventKind = "order_accepted"
	EventOrderWithdrawn        EventKind = "order_withdrawn"
	EventVerificationRequested EventKind = "verification_requested"
	EventDepositsMissing       EventKind = "deposits_missing"
	EventDepositsConfirmed     EventKind = "deposits_confirmed"
	EventApprovalRecorded      EventKind = "approval_recorded"
	EventApproved              EventKind = "approved"
	EventExecutionStarted      EventKind = "execution_started"
	EventLegSubmitted          EventKind = "leg_submitted"
	EventLegConfirmed          EventKind = "leg_confirmed"
	EventLegFailed             EventKind = "leg_failed"
	EventCompleted             EventKind = "completed"
	EventPartiallyFailed       EventKind = "partially_failed"
	EventFailed                EventKind = "failed"
	EventCancelled             EventKind = "cancelled"
)

// Event 是推送给 NotificationSink 的状态事件。
type Event struct {
	ID         string            `json:"id"`
	Kind       EventKind         `json:"kind"`
	SessionID  string            `json:"session_id"`
	State      State             `json:"state"`
	OwnerID    string            `json:"owner_id,omitempty"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// emitter 记录审计日志并转发给 sink。
type emitter struct {
	sink NotificationSink
}

func (e emitter) emit(ctx context.Context, s *Session, event Event) {
	if s == nil {
		return
	}
	event.ID = uuid.NewString()
	event.SessionID = s.ID
	if event.State == "" {
		event.State = s.State
	}
	event.OccurredAt = time.Now().UTC()

	attrs := []any{
		slog.String("event", string(event.Kind)),
		slog.String("state", string(event.State)),
		slog.Int64("version", s.Version),
	}
	if event.OwnerID != "" {
		attrs = append(attrs, slog.String("owner_id", event.OwnerID))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Session(s.ID).Info(event.Message, attrs...)

	if e.sink == nil {
		return
	}
	if err := e.sink.Notify(ctx, s.ID, event); err != nil {
		logger.L().Warn("状态事件投递失败",
			slog.Any("error", err),
			slog.String("session_id", s.ID),
			slog.String("event", string(event.Kind)),
		)
	}
}
