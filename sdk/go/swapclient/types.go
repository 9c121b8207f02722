package swapclient

import "github.com/shopspring/decimal"

// Order is one party's intent: deposit SendAmount of SendAsset, receive
// ReceiveAmount of ReceiveAsset at DepositAddress.
type Order struct {
	OwnerID        string          `json:"owner_id"`
	DepositAddress string          `json:"deposit_address"`
	SendAsset      string          `json:"send_asset"`
	SendAmount     decimal.Decimal `json:"send_amount"`
	ReceiveAsset   string          `json:"receive_asset"`
	ReceiveAmount  decimal.Decimal `json:"receive_amount"`
	SubmittedAt    int64           `json:"submitted_at,omitempty"`
}

// Leg is a single payout from the custody address.
type Leg struct {
	Index          int             `json:"index"`
	OwnerID        string          `json:"owner_id"`
	FromCustody    string          `json:"from_custody"`
	ToAddress      string          `json:"to_address"`
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	LedgerRef      string          `json:"ledger_ref,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Error          string          `json:"error,omitempty"`
	UpdatedAt      int64           `json:"updated_at"`
}

// DepositStatus reports which deposits the custodian has observed.
type DepositStatus struct {
	AllPresent bool                       `json:"all_present"`
	Missing    []string                   `json:"missing,omitempty"`
	Required   map[string]decimal.Decimal `json:"required,omitempty"`
	Balances   map[string]decimal.Decimal `json:"balances,omitempty"`
	Reserved   map[string]decimal.Decimal `json:"reserved,omitempty"`
	CheckedAt  int64                      `json:"checked_at"`
}

// Session is a snapshot of a swap session.
type Session struct {
	ID                 string           `json:"id"`
	CustodyAddress     string           `json:"custody_address"`
	Orders             map[string]Order `json:"orders"`
	Approvals          map[string]bool  `json:"approvals"`
	State              string           `json:"state"`
	Plan               []Leg            `json:"plan,omitempty"`
	ExecutionAttemptID string           `json:"execution_attempt_id,omitempty"`
	Deposits           *DepositStatus   `json:"deposits,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
	ErrorCode          string           `json:"error_code,omitempty"`
	VerificationSeq    int64            `json:"verification_seq"`
	Version            int64            `json:"version"`
	CreatedAt          int64            `json:"created_at"`
	UpdatedAt          int64            `json:"updated_at"`
}

// VerificationOutcome is returned by Verify and Approve.
type VerificationOutcome struct {
	Session  *Session       `json:"session"`
	Deposits *DepositStatus `json:"deposits,omitempty"`
}

// ExecutionResult summarises an execution attempt.
type ExecutionResult struct {
	SessionID string `json:"session_id"`
	AttemptID string `json:"attempt_id"`
	State     string `json:"state"`
	Legs      []Leg  `json:"legs"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Stats aggregates live sessions by state.
type Stats struct {
	Total            int   `json:"total"`
	Open             int   `json:"open"`
	AwaitingDeposit  int   `json:"awaiting_deposit"`
	AwaitingApproval int   `json:"awaiting_approval"`
	Approved         int   `json:"approved"`
	Executing        int   `json:"executing"`
	PartiallyFailed  int   `json:"partially_failed"`
	Failed           int   `json:"failed"`
	OldestUpdatedAt  int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt  int64 `json:"newest_updated_at,omitempty"`
}

// ListFilter narrows ListSessions.
type ListFilter struct {
	States    []string
	Limit     int
	Offset    int
	Ascending bool
}
