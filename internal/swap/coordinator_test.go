package swap

import (
	"context"
	"errors"
	"testing"

	xerrors "OpenSwap-Chain/internal/errors"
)

func TestRequestVerificationRequiresTwoParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.service.SubmitOrder(ctx, "s1", order("alice", aliceAddr, "1", "USDC", "1", "EURC")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.service.RequestVerification(ctx, "s1"); !xerrors.HasCode(err, CodeInsufficientParties) {
		t.Fatalf("expected INSUFFICIENT_PARTIES, got %v", err)
	}
	if f.oracle.calls != 0 {
		t.Fatalf("oracle must not be queried for a single-party session")
	}
}

func TestRequestVerificationRejectsUnbalancedOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.service.SubmitOrder(ctx, "s1", order("alice", aliceAddr, "1", "USDC", "2", "EURC")); err != nil {
		t.Fatalf("submit alice: %v", err)
	}
	if _, err := f.service.SubmitOrder(ctx, "s1", order("bob", bobAddr, "1", "EURC", "1", "USDC")); err != nil {
		t.Fatalf("submit bob: %v", err)
	}
	_, err := f.service.RequestVerification(ctx, "s1")
	if !xerrors.HasCode(err, CodeOrdersUnbalanced) {
		t.Fatalf("expected ORDERS_UNBALANCED, got %v", err)
	}
	e, _ := xerrors.From(err)
	if e.Metadata()["assets"] != "EURC" {
		t.Fatalf("expected blocking asset in metadata, got %v", e.Metadata())
	}

	lenient := NewApprovalCoordinator(f.store, NewDepositVerifier(f.oracle, f.assets), nil, true)
	outcome, err := lenient.RequestVerification(ctx, "s1")
	if err != nil {
		t.Fatalf("lenient verification: %v", err)
	}
	if outcome.Session.State != StateAwaitingDeposit {
		t.Fatalf("expected awaiting_deposit, got %s", outcome.Session.State)
	}
}

func TestApprovalBeforeVerificationIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPair(t, ctx, "s1")
	if _, err := f.service.Approve(ctx, "s1", "alice"); !xerrors.HasCode(err, CodeApprovalNotOpen) {
		t.Fatalf("expected APPROVAL_NOT_OPEN, got %v", err)
	}
}

func TestMissingDepositBlocksApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPair(t, ctx, "s1")
	f.oracle.set("USDC", "1")
	f.oracle.set("EURC", "0.999999")

	outcome, err := f.service.RequestVerification(ctx, "s1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome.Session.State != StateAwaitingDeposit {
		t.Fatalf("expected awaiting_deposit, got %s", outcome.Session.State)
	}
	if outcome.Deposits.AllPresent || len(outcome.Deposits.Missing) != 1 || outcome.Deposits.Missing[0] != "bob" {
		t.Fatalf("expected bob missing, got %+v", outcome.Deposits)
	}

	for _, owner := range []string{"alice", "bob"} {
		if _, err := f.service.Approve(ctx, "s1", owner); err != nil {
			t.Fatalf("approve %s: %v", owner, err)
		}
	}
	session, _ := f.store.Get(ctx, "s1")
	if session.State != StateAwaitingDeposit {
		t.Fatalf("unanimous approval without deposits must not approve, got %s", session.State)
	}
	if !f.sink.has(EventDepositsMissing) {
		t.Fatalf("missing deposit event not emitted")
	}

	f.oracle.set("EURC", "1")
	outcome, err = f.service.RequestVerification(ctx, "s1")
	if err != nil {
		t.Fatalf("re-verify: %v", err)
	}
	if outcome.Session.State != StateApproved {
		t.Fatalf("expected approved once deposits land, got %s", outcome.Session.State)
	}
}

func TestRevokedDepositDemotesOnLastApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPair(t, ctx, "s1")
	f.oracle.set("USDC", "1")
	f.oracle.set("EURC", "1")
	if _, err := f.service.RequestVerification(ctx, "s1"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := f.service.Approve(ctx, "s1", "alice"); err != nil {
		t.Fatalf("approve alice: %v", err)
	}

	f.oracle.set("EURC", "0")
	outcome, err := f.service.Approve(ctx, "s1", "bob")
	if err != nil {
		t.Fatalf("approve bob: %v", err)
	}
	if outcome.Session.State != StateAwaitingDeposit {
		t.Fatalf("expected demotion to awaiting_deposit, got %s", outcome.Session.State)
	}
	if !outcome.Session.Approvals["alice"] || !outcome.Session.Approvals["bob"] {
		t.Fatalf("approvals must survive demotion: %v", outcome.Session.Approvals)
	}
}

func TestOracleUnavailableIsSurfaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPair(t, ctx, "s1")
	f.oracle.err = errors.New("rpc timeout")

	_, err := f.service.RequestVerification(ctx, "s1")
	if !xerrors.HasCode(err, CodeOracleUnavailable) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable ORACLE_UNAVAILABLE, got %v", err)
	}
	session, _ := f.store.Get(ctx, "s1")
	if session.State != StateAwaitingDeposit || session.Deposits != nil {
		t.Fatalf("oracle failure must not be recorded as missing: %+v", session)
	}
}

// Scenario 2.
func TestApproveTwiceReportsAlreadyApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPair(t, ctx, "s1")
	f.oracle.set("USDC", "1")
	f.oracle.set("EURC", "1")
	if _, err := f.service.RequestVerification(ctx, "s1"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := f.service.Approve(ctx, "s1", "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	before, _ := f.store.Get(ctx, "s1")

	_, err := f.service.Approve(ctx, "s1", "alice")
	if !xerrors.HasCode(err, CodeAlreadyApproved) {
		t.Fatalf("expected ALREADY_APPROVED, got %v", err)
	}
	after, _ := f.store.Get(ctx, "s1")
	if after.Version != before.Version || after.State != StateAwaitingApproval {
		t.Fatalf("duplicate approval must not change state: before=%d after=%d", before.Version, after.Version)
	}
	if _, err := f.service.Approve(ctx, "s1", "mallory"); !xerrors.HasCode(err, CodeUnknownParty) {
		t.Fatalf("expected UNKNOWN_PARTY, got %v", err)
	}
}

// Scenario 5.
func TestCancelThenApproveIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPair(t, ctx, "s1")
	f.oracle.set("USDC", "1")
	f.oracle.set("EURC", "1")
	if _, err := f.service.RequestVerification(ctx, "s1"); err != nil {
		t.Fatalf("verify: %v", err)
	}

	session, err := f.service.Cancel(ctx, "s1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if session.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", session.State)
	}
	if _, err := f.service.Approve(ctx, "s1", "alice"); !xerrors.HasCode(err, CodeSessionStale) {
		t.Fatalf("expected SESSION_STALE, got %v", err)
	}
	if _, err := f.service.Cancel(ctx, "s1"); !xerrors.HasCode(err, CodeSessionStale) {
		t.Fatalf("expected SESSION_STALE on second cancel, got %v", err)
	}
	if !f.sink.has(EventCancelled) {
		t.Fatalf("cancel event not emitted")
	}
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("chat api down")
	ctx := context.Background()
	f.submitPair(t, ctx, "s1")

	session, err := f.store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(session.Orders) != 2 {
		t.Fatalf("orders must be kept when notify fails")
	}
}
