package swap

import (
	"strings"

	xerrors "OpenSwap-Chain/internal/errors"
)

// 会话错误码在 internal/errors 中统一登记，这里给出包内使用的别名。
const (
	CodeInvalidOrder          = xerrors.CodeInvalidOrder
	CodeUnknownParty          = xerrors.CodeUnknownParty
	CodeOrdersUnbalanced      = xerrors.CodeOrdersUnbalanced
	CodeInsufficientParties   = xerrors.CodeInsufficientParties
	CodeApprovalNotOpen       = xerrors.CodeApprovalNotOpen
	CodeAlreadyApproved       = xerrors.CodeAlreadyApproved
	CodeSessionNotFound       = xerrors.CodeSessionNotFound
	CodeSessionStale          = xerrors.CodeSessionStale
	CodeSessionLocked         = xerrors.CodeSessionLocked
	CodeOracleUnavailable     = xerrors.CodeOracleUnavailable
	CodePreconditionFailed    = xerrors.CodePreconditionFailed
	CodeLedgerSubmission      = xerrors.CodeLedgerSubmission
	CodeLedgerConfirmTimeout  = xerrors.CodeLedgerConfirmTimeout
	CodeCannotCancelExecuting = xerrors.CodeCannotCancelExecuting
	CodeInvariantViolated     = xerrors.CodeInvariantViolated
)

var (
	// ErrSessionNotFound 表示会话不存在。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrSessionStale 表示会话已结束并被移除。
	ErrSessionStale = xerrors.New(CodeSessionStale, "session is no longer active")
)

func invalidOrder(field, reason string) error {
	return xerrors.New(CodeInvalidOrder, reason, xerrors.WithMetadata("field", field))
}

func staleSession(id string, state State) error {
	return xerrors.New(CodeSessionStale, "", xerrors.WithMetadata("session", id), xerrors.WithMetadata("state", string(state)))
}

func notFound(id string) error {
	return xerrors.New(CodeSessionNotFound, "", xerrors.WithMetadata("session", id))
}

func joinOwners(owners []string) string {
	return strings.Join(owners, ",")
}
