package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	xerrors "OpenSwap-Chain/internal/errors"
	"OpenSwap-Chain/pkg/logger"
)

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:       http.StatusBadRequest,
	xerrors.CodeNotFound:              http.StatusNotFound,
	xerrors.CodeConflict:              http.StatusConflict,
	xerrors.CodeUnauthorized:          http.StatusUnauthorized,
	xerrors.CodeInitializationFailure: http.StatusServiceUnavailable,
	xerrors.CodeStorageFailure:        http.StatusServiceUnavailable,
	xerrors.CodeQueueFailure:          http.StatusServiceUnavailable,
	xerrors.CodeUpstreamFailure:       http.StatusBadGateway,
	xerrors.CodeTimeout:               http.StatusGatewayTimeout,

	xerrors.CodeInvalidOrder:          http.StatusBadRequest,
	xerrors.CodeUnknownParty:          http.StatusNotFound,
	xerrors.CodeOrdersUnbalanced:      http.StatusUnprocessableEntity,
	xerrors.CodeInsufficientParties:   http.StatusUnprocessableEntity,
	xerrors.CodeApprovalNotOpen:       http.StatusConflict,
	xerrors.CodeAlreadyApproved:       http.StatusConflict,
	xerrors.CodeSessionNotFound:       http.StatusNotFound,
	xerrors.CodeSessionStale:          http.StatusGone,
	xerrors.CodeSessionLocked:         http.StatusConflict,
	xerrors.CodeOracleUnavailable:     http.StatusServiceUnavailable,
	xerrors.CodePreconditionFailed:    http.StatusConflict,
	xerrors.CodeLedgerSubmission:      http.StatusBadGateway,
	xerrors.CodeLedgerConfirmTimeout:  http.StatusGatewayTimeout,
	xerrors.CodeCannotCancelExecuting: http.StatusConflict,
	xerrors.CodeInvariantViolated:     http.StatusInternalServerError,
}

// statusOf 将错误码映射为 HTTP 状态码，未登记的错误按 500 处理。
func statusOf(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	if status, ok := statusByCode[xerrors.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	body := errorBody{Code: string(xerrors.CodeUnknown), Message: "internal error"}
	if coded, ok := xerrors.From(err); ok {
		body.Code = string(coded.Code())
		body.Message = coded.Message()
		body.Metadata = coded.Metadata()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求失败",
			slog.Any("error", err),
			slog.String("code", body.Code),
			slog.Bool("alert", xerrors.ShouldAlert(err)),
		)
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}
