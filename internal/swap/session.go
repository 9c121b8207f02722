package swap

import (
	"sort"

	"github.com/shopspring/decimal"
)

// State 表示会话在撮合生命周期中的状态。
type State string

const (
	StateOpen             State = "open"
	StateAwaitingDeposit  State = "awaiting_deposit"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateExecuting        State = "executing"
	StateCompleted        State = "completed"
	StatePartiallyFailed  State = "partially_failed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StatePartiallyFailed, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// removable 的会话在提交后从存储中删除，只保留墓碑。
func (s State) removable() bool {
	return s == StateCompleted || s == StateCancelled
}

// IsValidState 检查给定状态是否为支持的枚举值。
func IsValidState(s State) bool {
	switch s {
	case StateOpen, StateAwaitingDeposit, StateAwaitingApproval, StateApproved, StateExecuting,
		StateCompleted, StatePartiallyFailed, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// LegStatus 表示单笔出金的进度。
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegSubmitted LegStatus = "submitted"
	LegConfirmed LegStatus = "confirmed"
	LegFailed    LegStatus = "failed"
)

// Order 是一方的兑换意向：存入 SendAsset，换回 ReceiveAsset。
type Order struct {
	OwnerID        string          `json:"owner_id"`
	DepositAddress string          `json:"deposit_address"`
	SendAsset      string          `json:"send_asset"`
	SendAmount     decimal.Decimal `json:"send_amount"`
	ReceiveAsset   string          `json:"receive_asset"`
	ReceiveAmount  decimal.Decimal `json:"receive_amount"`
	SubmittedAt    int64           `json:"submitted_at"`
}

// Leg 是执行计划中从托管地址到某一方的一笔转账。
type Leg struct {
	Index          int             `json:"index"`
	OwnerID        string          `json:"owner_id"`
	FromCustody    string          `json:"from_custody"`
	ToAddress      string          `json:"to_address"`
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	Status         LegStatus       `json:"status"`
	LedgerRef      string          `json:"ledger_ref,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Error          string          `json:"error,omitempty"`
	UpdatedAt      int64           `json:"updated_at"`
}

// DepositStatus 是一次存款核验的结果。
type DepositStatus struct {
	AllPresent bool                       `json:"all_present"`
	Missing    []string                   `json:"missing,omitempty"`
	Required   map[string]decimal.Decimal `json:"required,omitempty"`
	Balances   map[string]decimal.Decimal `json:"balances,omitempty"`
	Reserved   map[string]decimal.Decimal `json:"reserved,omitempty"`
	CheckedAt  int64                      `json:"checked_at"`
}

// Session 是一次多方兑换的聚合根。
type Session struct {
	ID                 string           `json:"id"`
	CustodyAddress     string           `json:"custody_address"`
	Orders             map[string]Order `json:"orders"`
	Approvals          map[string]bool  `json:"approvals"`
	State              State            `json:"state"`
	Plan               []Leg            `json:"plan,omitempty"`
	ExecutionAttemptID string           `json:"execution_attempt_id,omitempty"`
	Deposits           *DepositStatus   `json:"deposits,omitempty"`
	VerificationSeq    int64            `json:"verification_seq"`
	LastError          string           `json:"last_error,omitempty"`
	ErrorCode          string           `json:"error_code,omitempty"`
	Version            int64            `json:"version"`
	CreatedAt          int64            `json:"created_at"`
	UpdatedAt          int64            `json:"updated_at"`
}

// Owners 返回按 ID 排序的参与方列表。
func (s *Session) Owners() []string {
	owners := make([]string, 0, len(s.Orders))
	for owner := range s.Orders {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

// AllApproved 判断所有参与方是否都已确认。
func (s *Session) AllApproved() bool {
	if len(s.Approvals) == 0 {
		return false
	}
	for _, ok := range s.Approvals {
		if !ok {
			return false
		}
	}
	return true
}

// PendingApprovals 返回尚未确认的参与方。
func (s *Session) PendingApprovals() []string {
	var pending []string
	for _, owner := range s.Owners() {
		if !s.Approvals[owner] {
			pending = append(pending, owner)
		}
	}
	return pending
}

// Clone 返回深拷贝，调用方可以自由修改。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Orders = make(map[string]Order, len(s.Orders))
	for k, v := range s.Orders {
		clone.Orders[k] = v
	}
	clone.Approvals = make(map[string]bool, len(s.Approvals))
	for k, v := range s.Approvals {
		clone.Approvals[k] = v
	}
	if s.Plan != nil {
		clone.Plan = append([]Leg(nil), s.Plan...)
	}
	if s.Deposits != nil {
		d := *s.Deposits
		d.Missing = append([]string(nil), s.Deposits.Missing...)
		d.Required = cloneAmounts(s.Deposits.Required)
		d.Balances = cloneAmounts(s.Deposits.Balances)
		d.Reserved = cloneAmounts(s.Deposits.Reserved)
		clone.Deposits = &d
	}
	return &clone
}

func cloneAmounts(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	if in == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ExecutionResult 是一次执行尝试的快照，失败时与错误一起返回。
type ExecutionResult struct {
	SessionID string `json:"session_id"`
	AttemptID string `json:"attempt_id"`
	State     State  `json:"state"`
	Legs      []Leg  `json:"legs"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

func resultOf(s *Session) *ExecutionResult {
	if s == nil {
		return nil
	}
	return &ExecutionResult{
		SessionID: s.ID,
		AttemptID: s.ExecutionAttemptID,
		State:     s.State,
		Legs:      append([]Leg(nil), s.Plan...),
		ErrorCode: s.ErrorCode,
		Error:     s.LastError,
	}
}
