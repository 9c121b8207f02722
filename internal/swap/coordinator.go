package swap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	xerrors "OpenSwap-Chain/internal/errors"
)

// VerificationOutcome 是一次核验请求后的会话与存款情况。
type VerificationOutcome struct {
	Session  *Session       `json:"session"`
	Deposits *DepositStatus `json:"deposits,omitempty"`
}

// ApprovalCoordinator 驱动 open → awaiting_deposit → awaiting_approval → approved
// 这一段状态机，并负责取消。
type ApprovalCoordinator struct {
	store           *SessionStore
	verifier        *DepositVerifier
	events          emitter
	allowUnbalanced bool

	// custodyMu 串行化托管地址上的核验：读取占用、查询余额、提交结果在同一临界区内完成。
	custodyMu sync.Mutex
}

// NewApprovalCoordinator 构造协调器。allowUnbalanced 关闭跨订单一致性检查。
func NewApprovalCoordinator(store *SessionStore, verifier *DepositVerifier, sink NotificationSink, allowUnbalanced bool) *ApprovalCoordinator {
	return &ApprovalCoordinator{
		store:           store,
		verifier:        verifier,
		events:          emitter{sink: sink},
		allowUnbalanced: allowUnbalanced,
	}
}

// RequestVerification 第一次调用时将会话从 open 推进到 awaiting_deposit，随后查询存款。
// 重复调用是幂等的重试；awaiting_approval 状态下会重新核验，存款被撤走时回退。
func (c *ApprovalCoordinator) RequestVerification(ctx context.Context, id string) (*VerificationOutcome, error) {
	opened := false
	session, err := c.store.Update(ctx, id, func(s *Session) error {
		switch s.State {
		case StateOpen:
			if len(s.Orders) < 2 {
				return xerrors.New(CodeInsufficientParties, "",
					xerrors.WithMetadata("parties", fmt.Sprint(len(s.Orders))))
			}
			if !c.allowUnbalanced {
				if err := checkBalanced(s); err != nil {
					return err
				}
			}
			s.State = StateAwaitingDeposit
			s.VerificationSeq++
			opened = true
			return nil
		case StateAwaitingDeposit, StateAwaitingApproval:
			s.VerificationSeq++
			return nil
		case StatePartiallyFailed, StateFailed:
			return staleSession(s.ID, s.State)
		default:
			return errUnchanged
		}
	})
	if err != nil {
		return nil, err
	}
	if opened {
		c.events.emit(ctx, session, Event{
			Kind:    EventVerificationRequested,
			Message: fmt.Sprintf("send your assets to %s", session.CustodyAddress),
		})
	}
	if session.State != StateAwaitingDeposit && session.State != StateAwaitingApproval {
		return &VerificationOutcome{Session: session}, nil
	}
	return c.verifyAndApply(ctx, session)
}

// RecordApproval 记录一方的确认。确认是单调的；最后一份确认到达时重新核验存款，
// 通过则进入 approved，否则回到 awaiting_deposit。
func (c *ApprovalCoordinator) RecordApproval(ctx context.Context, id, owner string) (*VerificationOutcome, error) {
	owner = strings.TrimSpace(owner)
	lastApproval := false
	session, err := c.store.Update(ctx, id, func(s *Session) error {
		if s.State.Terminal() {
			return staleSession(s.ID, s.State)
		}
		if s.State == StateOpen {
			return xerrors.New(CodeApprovalNotOpen, "", xerrors.WithMetadata("session", s.ID))
		}
		approved, ok := s.Approvals[owner]
		if !ok {
			return xerrors.New(CodeUnknownParty, "", xerrors.WithMetadata("owner", owner))
		}
		if approved {
			return xerrors.New(CodeAlreadyApproved, "",
				xerrors.WithMetadata("owner", owner),
				xerrors.WithMetadata("state", string(s.State)))
		}
		s.Approvals[owner] = true
		lastApproval = s.State == StateAwaitingApproval && s.AllApproved()
		if lastApproval {
			s.VerificationSeq++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	pending := session.PendingApprovals()
	msg := fmt.Sprintf("%s approved", owner)
	if len(pending) > 0 {
		msg = fmt.Sprintf("%s approved, waiting for %s", owner, strings.Join(pending, ", "))
	}
	c.events.emit(ctx, session, Event{Kind: EventApprovalRecorded, OwnerID: owner, Message: msg})

	if !lastApproval {
		return &VerificationOutcome{Session: session, Deposits: session.Deposits}, nil
	}
	return c.verifyAndApply(ctx, session)
}

// Cancel 终止尚未执行的会话。
func (c *ApprovalCoordinator) Cancel(ctx context.Context, id string) (*Session, error) {
	session, err := c.store.Update(ctx, id, func(s *Session) error {
		switch {
		case s.State == StateExecuting:
			return xerrors.New(CodeCannotCancelExecuting, "", xerrors.WithMetadata("session", s.ID))
		case s.State.Terminal():
			return staleSession(s.ID, s.State)
		}
		s.State = StateCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.events.emit(ctx, session, Event{Kind: EventCancelled, Message: "swap cancelled"})
	return session, nil
}

// Deposits 按当前占用情况核验会话存款，不修改会话。
func (c *ApprovalCoordinator) Deposits(ctx context.Context, session *Session) (DepositStatus, error) {
	reserved, err := c.store.Reserved(ctx, session.CustodyAddress, session.ID)
	if err != nil {
		return DepositStatus{}, err
	}
	return c.verifier.Verify(ctx, session, reserved)
}

// verifyAndApply 在不持有会话锁的情况下查询预言机，再在锁内提交结果。
// snapshot.VerificationSeq 是本次核验的序号，期间若有更新的核验开始，结果作废。
func (c *ApprovalCoordinator) verifyAndApply(ctx context.Context, snapshot *Session) (*VerificationOutcome, error) {
	c.custodyMu.Lock()
	defer c.custodyMu.Unlock()

	status, err := c.Deposits(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	var transition EventKind
	superseded := false
	session, err := c.store.Update(ctx, snapshot.ID, func(s *Session) error {
		if s.VerificationSeq != snapshot.VerificationSeq {
			superseded = true
			return errUnchanged
		}
		// 订单在离开 open 之后即冻结，因此只需确认仍处于核验窗口。
		if s.State != StateAwaitingDeposit && s.State != StateAwaitingApproval {
			return errUnchanged
		}
		before := s.State
		recorded := status
		s.Deposits = &recorded
		if !status.AllPresent {
			s.State = StateAwaitingDeposit
			transition = EventDepositsMissing
			return nil
		}
		s.State = StateAwaitingApproval
		if s.AllApproved() {
			s.State = StateApproved
			transition = EventApproved
		} else if before == StateAwaitingDeposit {
			transition = EventDepositsConfirmed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if superseded {
		return &VerificationOutcome{Session: session, Deposits: session.Deposits}, nil
	}

	switch transition {
	case EventDepositsMissing:
		c.events.emit(ctx, session, Event{
			Kind:     transition,
			Message:  fmt.Sprintf("missing deposit from %s", strings.Join(status.Missing, ", ")),
			Metadata: map[string]string{"missing": joinOwners(status.Missing)},
		})
	case EventDepositsConfirmed:
		c.events.emit(ctx, session, Event{
			Kind:    transition,
			Message: "all deposits received, waiting for approval from every party",
		})
	case EventApproved:
		c.events.emit(ctx, session, Event{
			Kind:    transition,
			Message: "all parties approved and deposits confirmed",
		})
	}
	return &VerificationOutcome{Session: session, Deposits: &status}, nil
}

// checkBalanced 要求每种资产的应付总额不超过应收总额，托管资金才能覆盖出金。
func checkBalanced(s *Session) error {
	sent := make(map[string]decimal.Decimal)
	wanted := make(map[string]decimal.Decimal)
	for _, order := range s.Orders {
		sent[order.SendAsset] = sent[order.SendAsset].Add(order.SendAmount)
		wanted[order.ReceiveAsset] = wanted[order.ReceiveAsset].Add(order.ReceiveAmount)
	}
	var short []string
	for symbol, amount := range wanted {
		if amount.GreaterThan(sent[symbol]) {
			short = append(short, symbol)
		}
	}
	if len(short) == 0 {
		return nil
	}
	sort.Strings(short)
	return xerrors.New(CodeOrdersUnbalanced, "",
		xerrors.WithMetadata("assets", strings.Join(short, ",")))
}
