package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	xerrors "OpenSwap-Chain/internal/errors"
)

func TestEveryRegisteredCodeHasStatus(t *testing.T) {
	for _, code := range xerrors.Codes() {
		if code == xerrors.CodeUnknown {
			continue
		}
		if _, ok := statusByCode[code]; !ok {
			t.Fatalf("code %s has no HTTP status", code)
		}
	}
}

func TestStatusOfWrappedErrors(t *testing.T) {
	err := fmt.Errorf("approve: %w", xerrors.New(xerrors.CodeSessionStale, ""))
	if got := statusOf(err); got != http.StatusGone {
		t.Fatalf("expected 410, got %d", got)
	}
	if got := statusOf(context.DeadlineExceeded); got != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", got)
	}
	if got := statusOf(fmt.Errorf("plain")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
}
