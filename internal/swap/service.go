package swap

import (
	"context"
	"log/slog"
	"strings"

	xerrors "OpenSwap-Chain/internal/errors"
	"OpenSwap-Chain/pkg/logger"
)

// Service 是对外的入口，组合会话存储、确认协调器与执行引擎。
type Service struct {
	store       *SessionStore
	coordinator *ApprovalCoordinator
	engine      *ExecutionEngine
	parser      OrderParser
	producer    Producer
	autoExecute bool
	events      emitter
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithOrderParser 配置自由文本订单解析器。
func WithOrderParser(parser OrderParser) ServiceOption {
	return func(s *Service) {
		s.parser = parser
	}
}

// WithAutoExecute 在会话进入 approved 时把会话 ID 投递到执行队列。
func WithAutoExecute(producer Producer) ServiceOption {
	return func(s *Service) {
		s.producer = producer
		s.autoExecute = producer != nil
	}
}

// WithProducer 只配置执行队列，用于启动恢复；不会自动投递 approved 会话。
func WithProducer(producer Producer) ServiceOption {
	return func(s *Service) {
		s.producer = producer
	}
}

// WithNotificationSink 配置订单类事件的投递目标。
func WithNotificationSink(sink NotificationSink) ServiceOption {
	return func(s *Service) {
		s.events = emitter{sink: sink}
	}
}

// NewService 构造兑换服务。
func NewService(store *SessionStore, coordinator *ApprovalCoordinator, engine *ExecutionEngine, opts ...ServiceOption) *Service {
	s := &Service{store: store, coordinator: coordinator, engine: engine}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CustodyAddress 返回各方应存入资产的托管地址。
func (s *Service) CustodyAddress() string {
	if s.store == nil {
		return ""
	}
	return s.store.CustodyAddress()
}

// SubmitOrder 接收结构化订单。
func (s *Service) SubmitOrder(ctx context.Context, sessionID string, order Order) (*Session, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	session, err := s.store.UpsertOrder(ctx, sessionID, order)
	if err != nil {
		return nil, err
	}
	accepted := session.Orders[strings.TrimSpace(order.OwnerID)]
	s.events.emit(ctx, session, Event{
		Kind:    EventOrderAccepted,
		OwnerID: accepted.OwnerID,
		Message: accepted.OwnerID + " sends " + accepted.SendAmount.String() + " " + accepted.SendAsset +
			" for " + accepted.ReceiveAmount.String() + " " + accepted.ReceiveAsset,
	})
	return session, nil
}

// SubmitText 通过 OrderParser 解析自由文本后提交订单。
func (s *Service) SubmitText(ctx context.Context, sessionID, ownerID, text string) (*Session, error) {
	if s.parser == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置订单解析器")
	}
	if strings.TrimSpace(text) == "" {
		return nil, invalidOrder("text", "order text is empty")
	}
	order, err := s.parser.Parse(ctx, ownerID, text)
	if err != nil {
		return nil, err
	}
	order.OwnerID = ownerID
	return s.SubmitOrder(ctx, sessionID, order)
}

// WithdrawOrder 撤回一方的订单。
func (s *Service) WithdrawOrder(ctx context.Context, sessionID, ownerID string) (*Session, error) {
	session, err := s.store.WithdrawOrder(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	s.events.emit(ctx, session, Event{Kind: EventOrderWithdrawn, OwnerID: ownerID, Message: ownerID + " withdrew the order"})
	return session, nil
}

// Get 返回会话快照。
func (s *Service) Get(ctx context.Context, sessionID string) (*Session, error) {
	return s.store.Get(ctx, sessionID)
}

// Deposits 查询当前存款情况，不修改会话状态。
func (s *Service) Deposits(ctx context.Context, sessionID string) (DepositStatus, error) {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return DepositStatus{}, err
	}
	return s.coordinator.Deposits(ctx, session)
}

// RequestVerification 请求核验存款。
func (s *Service) RequestVerification(ctx context.Context, sessionID string) (*VerificationOutcome, error) {
	outcome, err := s.coordinator.RequestVerification(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.schedule(ctx, outcome.Session)
	return outcome, nil
}

// Approve 记录一方的确认。
func (s *Service) Approve(ctx context.Context, sessionID, ownerID string) (*VerificationOutcome, error) {
	outcome, err := s.coordinator.RecordApproval(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	s.schedule(ctx, outcome.Session)
	return outcome, nil
}

// Execute 同步执行会话。
func (s *Service) Execute(ctx context.Context, sessionID string) (*ExecutionResult, error) {
	return s.engine.Execute(ctx, sessionID)
}

// Cancel 取消尚未执行的会话。
func (s *Service) Cancel(ctx context.Context, sessionID string) (*Session, error) {
	return s.coordinator.Cancel(ctx, sessionID)
}

// List 返回符合过滤条件的会话列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Session, error) {
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回会话统计。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// Recover 在启动时重新投递仍处于 executing 的会话；开启自动执行时也包括 approved。
func (s *Service) Recover(ctx context.Context) (int, error) {
	if s.producer == nil {
		return 0, nil
	}
	states := []State{StateExecuting}
	if s.autoExecute {
		states = append(states, StateApproved)
	}
	requeued := 0
	for offset := 0; ; {
		page, err := s.store.List(ctx, BuildListOptions(WithStates(states...), WithLimit(200), WithOffset(offset), WithSortOrder(SortByUpdatedAsc)))
		if err != nil {
			return requeued, err
		}
		for _, session := range page {
			if err := s.producer.Publish(ctx, session.ID); err != nil {
				return requeued, xerrors.Wrap(xerrors.CodeQueueFailure, err, "重新投递会话失败",
					xerrors.WithMetadata("session", session.ID))
			}
			requeued++
			logger.Session(session.ID).Warn("启动时重新投递会话", slog.String("state", string(session.State)))
		}
		if len(page) < 200 {
			return requeued, nil
		}
		offset += len(page)
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func (s *Service) schedule(ctx context.Context, session *Session) {
	if !s.autoExecute || session == nil || session.State != StateApproved {
		return
	}
	if err := s.producer.Publish(ctx, session.ID); err != nil {
		logger.L().Error("执行任务入队失败，需手动触发执行",
			slog.Any("error", err),
			slog.String("session_id", session.ID),
		)
		return
	}
	logger.Session(session.ID).Info("会话已进入执行队列")
}
