package swap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenSwap-Chain/internal/errors"
	"OpenSwap-Chain/pkg/logger"
)

// ExecutionEngine 按确定顺序逐笔执行出金，遇到失败立即停止。
type ExecutionEngine struct {
	store          *SessionStore
	ledger         LedgerGateway
	assets         AssetResolver
	events         emitter
	confirmTimeout time.Duration
	now            func() time.Time

	mu       sync.Mutex
	inflight map[string]*executionRun
}

type executionRun struct {
	done   chan struct{}
	result *ExecutionResult
	err    error
}

// NewExecutionEngine 构造执行引擎。confirmTimeout 限制单笔转账等待确认的时长。
func NewExecutionEngine(store *SessionStore, ledger LedgerGateway, assets AssetResolver, sink NotificationSink, confirmTimeout time.Duration) *ExecutionEngine {
	if confirmTimeout <= 0 {
		confirmTimeout = 3 * time.Minute
	}
	return &ExecutionEngine{
		store:          store,
		ledger:         ledger,
		assets:         assets,
		events:         emitter{sink: sink},
		confirmTimeout: confirmTimeout,
		now:            time.Now,
		inflight:       make(map[string]*executionRun),
	}
}

// Execute 执行已批准的会话。对同一会话的重复调用不会重复提交：
// 执行中的调用等待正在进行的那一次，已结束的会话直接返回记录的结果，
// 重启后仍处于 executing 的会话从中断处继续。
func (e *ExecutionEngine) Execute(ctx context.Context, id string) (*ExecutionResult, error) {
	e.mu.Lock()
	if run, ok := e.inflight[id]; ok {
		e.mu.Unlock()
		select {
		case <-run.done:
			return run.result, run.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	run := &executionRun{done: make(chan struct{})}
	e.inflight[id] = run
	e.mu.Unlock()

	run.result, run.err = e.execute(ctx, id)

	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
	close(run.done)
	return run.result, run.err
}

func (e *ExecutionEngine) execute(ctx context.Context, id string) (*ExecutionResult, error) {
	if e.ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本网关未配置")
	}
	started, resumed := false, false
	session, err := e.store.Update(ctx, id, func(s *Session) error {
		switch s.State {
		case StateApproved:
			s.State = StateExecuting
			if s.ExecutionAttemptID == "" {
				s.ExecutionAttemptID = uuid.NewString()
			}
			s.Plan = buildPlan(s, e.now().Unix())
			started = true
			return nil
		case StateExecuting:
			resumed = true
			return errUnchanged
		case StateFailed, StatePartiallyFailed:
			return errUnchanged
		default:
			return xerrors.New(CodePreconditionFailed, "",
				xerrors.WithMetadata("session", s.ID),
				xerrors.WithMetadata("state", string(s.State)))
		}
	})
	if err != nil {
		if xerrors.HasCode(err, CodeSessionStale) {
			if tomb, ok := e.store.Tombstone(id); ok && tomb.State == StateCompleted {
				return resultOf(tomb), nil
			}
		}
		return nil, err
	}
	if session.State.Terminal() {
		return resultOf(session), nil
	}

	attempt := session.ExecutionAttemptID
	if started {
		e.events.emit(ctx, session, Event{
			Kind:     EventExecutionStarted,
			Message:  fmt.Sprintf("executing %d transfers", len(session.Plan)),
			Metadata: map[string]string{"attempt_id": attempt},
		})
	}
	if resumed {
		logger.Session(id).Warn("恢复中断的执行",
			slog.String("attempt_id", attempt),
			slog.Int64("version", session.Version),
		)
	}

	var failure error
	for idx := range session.Plan {
		status := session.Plan[idx].Status
		if status == LegConfirmed {
			continue
		}
		if status == LegFailed {
			// 上次运行已标记失败但未收尾。
			failure = xerrors.New(CodeLedgerSubmission, session.Plan[idx].Error,
				xerrors.WithMetadata("session", id),
				xerrors.WithMetadata("leg", fmt.Sprint(idx)))
			break
		}
		next, legErr := e.runLeg(ctx, session, idx, resumed)
		if legErr != nil && !isLedgerFailure(legErr) {
			// 中断：会话保持 executing，下次调用时恢复。
			return e.snapshot(ctx, id), legErr
		}
		session = next
		if legErr != nil {
			failure = legErr
			break
		}
	}
	return e.finalize(ctx, id, attempt, failure)
}

func (e *ExecutionEngine) runLeg(ctx context.Context, snapshot *Session, idx int, resumed bool) (*Session, error) {
	id := snapshot.ID
	attempt := snapshot.ExecutionAttemptID
	leg := snapshot.Plan[idx]
	ref := leg.LedgerRef

	if leg.Status == LegPending {
		if _, err := e.store.Update(ctx, id, func(s *Session) error {
			if err := sameAttempt(s, attempt); err != nil {
				return err
			}
			if s.Plan[idx].Status != LegPending {
				return xerrors.New(CodePreconditionFailed, "leg is no longer pending",
					xerrors.WithMetadata("leg", fmt.Sprint(idx)))
			}
			return errUnchanged
		}); err != nil {
			return nil, err
		}

		found := false
		if resumed {
			var err error
			ref, found, err = e.ledger.Lookup(ctx, leg.IdempotencyKey)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "查询转账记录失败",
					xerrors.WithMetadata("leg", fmt.Sprint(idx)))
			}
		}
		if !found {
			a, ok := e.assets.Lookup(leg.Asset)
			if !ok {
				return e.failLeg(ctx, attempt, id, idx, CodeLedgerSubmission, fmt.Errorf("unknown asset %s", leg.Asset))
			}
			submitted, err := e.ledger.Submit(ctx, TransferRequest{
				IdempotencyKey: leg.IdempotencyKey,
				From:           leg.FromCustody,
				To:             leg.ToAddress,
				Asset:          a,
				Amount:         leg.Amount,
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return e.failLeg(ctx, attempt, id, idx, CodeLedgerSubmission, err)
			}
			ref = submitted
		}

		updated, err := e.store.Update(ctx, id, func(s *Session) error {
			if err := sameAttempt(s, attempt); err != nil {
				return err
			}
			s.Plan[idx].Status = LegSubmitted
			s.Plan[idx].LedgerRef = ref
			s.Plan[idx].UpdatedAt = e.now().Unix()
			return nil
		})
		if err != nil {
			return nil, err
		}
		e.events.emit(ctx, updated, Event{
			Kind:     EventLegSubmitted,
			OwnerID:  leg.OwnerID,
			Message:  fmt.Sprintf("sent %s %s to %s", leg.Amount.String(), leg.Asset, leg.OwnerID),
			Metadata: map[string]string{"leg": fmt.Sprint(idx), "ledger_ref": ref},
		})
	}

	confirmCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	confirmation, err := e.ledger.Confirm(confirmCtx, ref)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return e.failLeg(ctx, attempt, id, idx, CodeLedgerConfirmTimeout, err)
	}
	if !confirmation.Success {
		return e.failLeg(ctx, attempt, id, idx, CodeLedgerSubmission, fmt.Errorf("transfer %s reverted: %s", ref, confirmation.Detail))
	}

	updated, err := e.store.Update(ctx, id, func(s *Session) error {
		if err := sameAttempt(s, attempt); err != nil {
			return err
		}
		s.Plan[idx].Status = LegConfirmed
		s.Plan[idx].UpdatedAt = e.now().Unix()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.events.emit(ctx, updated, Event{
		Kind:    EventLegConfirmed,
		OwnerID: leg.OwnerID,
		Message: fmt.Sprintf("transfer of %s %s to %s confirmed", leg.Amount.String(), leg.Asset, leg.OwnerID),
		Metadata: map[string]string{
			"leg":          fmt.Sprint(idx),
			"ledger_ref":   ref,
			"block_number": fmt.Sprint(confirmation.BlockNumber),
		},
	})
	return updated, nil
}

// failLeg 将单笔出金标记为失败，返回账本错误供调用方收尾。
func (e *ExecutionEngine) failLeg(ctx context.Context, attempt, id string, idx int, code xerrors.Code, cause error) (*Session, error) {
	ledgerErr := xerrors.Wrap(code, cause, "",
		xerrors.WithMetadata("session", id),
		xerrors.WithMetadata("leg", fmt.Sprint(idx)))
	updated, err := e.store.Update(ctx, id, func(s *Session) error {
		if err := sameAttempt(s, attempt); err != nil {
			return err
		}
		s.Plan[idx].Status = LegFailed
		s.Plan[idx].Error = cause.Error()
		s.Plan[idx].UpdatedAt = e.now().Unix()
		return nil
	})
	if err != nil {
		return nil, err
	}
	leg := updated.Plan[idx]
	e.events.emit(ctx, updated, Event{
		Kind:     EventLegFailed,
		OwnerID:  leg.OwnerID,
		Message:  fmt.Sprintf("transfer of %s %s to %s failed: %v", leg.Amount.String(), leg.Asset, leg.OwnerID, cause),
		Metadata: map[string]string{"leg": fmt.Sprint(idx), "error_code": string(code)},
	})
	return updated, ledgerErr
}

func (e *ExecutionEngine) finalize(ctx context.Context, id, attempt string, failure error) (*ExecutionResult, error) {
	session, err := e.store.Update(ctx, id, func(s *Session) error {
		if err := sameAttempt(s, attempt); err != nil {
			return err
		}
		confirmed := 0
		for _, leg := range s.Plan {
			if leg.Status == LegConfirmed {
				confirmed++
			}
		}
		switch {
		case confirmed == len(s.Plan):
			s.State = StateCompleted
		case confirmed > 0:
			s.State = StatePartiallyFailed
		default:
			s.State = StateFailed
		}
		if failure != nil {
			s.LastError = failure.Error()
			s.ErrorCode = string(xerrors.CodeOf(failure))
		}
		return nil
	})
	if err != nil {
		return e.snapshot(ctx, id), err
	}

	event := Event{Kind: EventCompleted, Message: "swap completed"}
	switch session.State {
	case StatePartiallyFailed:
		event = Event{Kind: EventPartiallyFailed, Message: "swap partially executed, operator action required"}
	case StateFailed:
		event = Event{Kind: EventFailed, Message: "swap failed before any transfer confirmed"}
	}
	if failure != nil {
		event.Metadata = map[string]string{"error_code": session.ErrorCode}
	}
	e.events.emit(ctx, session, event)
	return resultOf(session), failure
}

func (e *ExecutionEngine) snapshot(ctx context.Context, id string) *ExecutionResult {
	session, err := e.store.Get(ctx, id)
	if err != nil {
		return nil
	}
	return resultOf(session)
}

// buildPlan 为每个参与方生成一笔出金，按 ownerID 排序。
func buildPlan(s *Session, now int64) []Leg {
	owners := s.Owners()
	plan := make([]Leg, 0, len(owners))
	for i, owner := range owners {
		order := s.Orders[owner]
		plan = append(plan, Leg{
			Index:          i,
			OwnerID:        owner,
			FromCustody:    s.CustodyAddress,
			ToAddress:      order.DepositAddress,
			Asset:          order.ReceiveAsset,
			Amount:         order.ReceiveAmount,
			Status:         LegPending,
			IdempotencyKey: fmt.Sprintf("%s/%s/%s", s.ID, s.ExecutionAttemptID, owner),
			UpdatedAt:      now,
		})
	}
	return plan
}

func sameAttempt(s *Session, attempt string) error {
	if s.State != StateExecuting || s.ExecutionAttemptID != attempt {
		return xerrors.New(CodePreconditionFailed, "execution attempt superseded",
			xerrors.WithMetadata("session", s.ID),
			xerrors.WithMetadata("state", string(s.State)))
	}
	return nil
}

func isLedgerFailure(err error) bool {
	return xerrors.HasCode(err, CodeLedgerSubmission) || xerrors.HasCode(err, CodeLedgerConfirmTimeout)
}
