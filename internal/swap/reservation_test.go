package swap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"OpenSwap-Chain/internal/asset"
	xerrors "OpenSwap-Chain/internal/errors"
)

func TestDepositsOfOneSessionDoNotCoverAnother(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPair(t, ctx, "s1")
	f.submitPair(t, ctx, "s2")
	// 只有 s1 的双方入金。
	f.oracle.set("USDC", "1")
	f.oracle.set("EURC", "1")

	outcome, err := f.service.RequestVerification(ctx, "s1")
	if err != nil || outcome.Session.State != StateAwaitingApproval {
		t.Fatalf("s1 verify: %+v (%v)", outcome, err)
	}
	outcome, err = f.service.RequestVerification(ctx, "s2")
	if err != nil {
		t.Fatalf("s2 verify: %v", err)
	}
	if outcome.Session.State != StateAwaitingDeposit || outcome.Deposits.AllPresent {
		t.Fatalf("s2 must wait for its own deposits, got %s %+v", outcome.Session.State, outcome.Deposits)
	}
	if len(outcome.Deposits.Missing) != 2 || !outcome.Deposits.Reserved["USDC"].Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected both parties missing and s1 funds reserved, got %+v", outcome.Deposits)
	}

	for _, owner := range []string{"alice", "bob"} {
		if _, err := f.service.Approve(ctx, "s2", owner); err != nil {
			t.Fatalf("approve s2 %s: %v", owner, err)
		}
	}
	if s2, _ := f.store.Get(ctx, "s2"); s2.State != StateAwaitingDeposit {
		t.Fatalf("s2 reached %s without deposits", s2.State)
	}
	if _, err := f.service.Execute(ctx, "s2"); !xerrors.HasCode(err, CodePreconditionFailed) {
		t.Fatalf("expected PRECONDITION_FAILED for s2, got %v", err)
	}

	for _, owner := range []string{"alice", "bob"} {
		if _, err := f.service.Approve(ctx, "s1", owner); err != nil {
			t.Fatalf("approve s1 %s: %v", owner, err)
		}
	}
	result, err := f.service.Execute(ctx, "s1")
	if err != nil || result.State != StateCompleted {
		t.Fatalf("s1 execute: %+v (%v)", result, err)
	}
	if f.ledger.totalSubmissions() != 2 {
		t.Fatalf("custody paid %d legs against one session of deposits", f.ledger.totalSubmissions())
	}

	f.oracle.deposit("USDC", "1")
	f.oracle.deposit("EURC", "1")
	outcome, err = f.service.RequestVerification(ctx, "s2")
	if err != nil || outcome.Session.State != StateApproved {
		t.Fatalf("s2 should approve once its own deposits land: %+v (%v)", outcome, err)
	}
}

func TestConcurrentVerificationsShareCustodyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPair(t, ctx, "s1")
	f.submitPair(t, ctx, "s2")
	f.oracle.set("USDC", "1")
	f.oracle.set("EURC", "1")

	var wg sync.WaitGroup
	for _, id := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.service.RequestVerification(ctx, id); err != nil {
				t.Errorf("verify %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	ready := 0
	for _, id := range []string{"s1", "s2"} {
		s, err := f.store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if s.State == StateAwaitingApproval {
			ready++
		}
	}
	if ready != 1 {
		t.Fatalf("exactly one session may claim the deposits, got %d", ready)
	}
}

func TestHeldFundsReleasesConfirmedLegs(t *testing.T) {
	s := &Session{
		Orders: map[string]Order{
			"alice": order("alice", aliceAddr, "1", "USDC", "1", "EURC"),
			"bob":   order("bob", bobAddr, "1", "EURC", "1", "USDC"),
		},
		Plan: []Leg{
			{OwnerID: "alice", Asset: "EURC", Amount: decimal.NewFromInt(1), Status: LegConfirmed},
			{OwnerID: "bob", Asset: "USDC", Amount: decimal.NewFromInt(1), Status: LegSubmitted},
		},
	}
	held := heldFunds(s)
	if !held["EURC"].IsZero() || !held["USDC"].Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected held funds %v", held)
	}
}

// pausingOracle 读取 pauseAfter 资产的余额后暂停，直到 release 关闭。
type pausingOracle struct {
	*fakeOracle
	mu         sync.Mutex
	armed      bool
	pauseAfter string
	entered    chan struct{}
	release    chan struct{}
}

func (p *pausingOracle) QueryBalance(ctx context.Context, addr string, a asset.Asset) (decimal.Decimal, error) {
	value, err := p.fakeOracle.QueryBalance(ctx, addr, a)
	p.mu.Lock()
	armed := p.armed && a.Symbol == p.pauseAfter
	if armed {
		p.armed = false
	}
	p.mu.Unlock()
	if armed {
		close(p.entered)
		<-p.release
	}
	return value, err
}

func TestSlowFinalCheckIsSupersededByNewerVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPair(t, ctx, "s1")
	f.oracle.set("USDC", "1")
	f.oracle.set("EURC", "1")

	oracle := &pausingOracle{
		fakeOracle: f.oracle,
		pauseAfter: "USDC",
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	coordinator := NewApprovalCoordinator(f.store, NewDepositVerifier(oracle, f.assets), f.sink, false)
	if outcome, err := coordinator.RequestVerification(ctx, "s1"); err != nil || outcome.Session.State != StateAwaitingApproval {
		t.Fatalf("verify: %+v (%v)", outcome, err)
	}
	if _, err := coordinator.RecordApproval(ctx, "s1", "alice"); err != nil {
		t.Fatalf("approve alice: %v", err)
	}

	oracle.mu.Lock()
	oracle.armed = true
	oracle.mu.Unlock()
	bobDone := make(chan error, 1)
	go func() {
		_, err := coordinator.RecordApproval(ctx, "s1", "bob")
		bobDone <- err
	}()
	<-oracle.entered

	// bob 的核验已读到两种资产都足额，此时资金被转走，随后有新的核验开始。
	f.oracle.set("EURC", "0")
	f.oracle.set("USDC", "0")
	before, _ := f.store.Get(ctx, "s1")
	freshDone := make(chan error, 1)
	go func() {
		_, err := coordinator.RequestVerification(ctx, "s1")
		freshDone <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s, _ := f.store.Get(ctx, "s1")
		if s != nil && s.VerificationSeq > before.VerificationSeq {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("newer verification never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(oracle.release)

	if err := <-bobDone; err != nil {
		t.Fatalf("approve bob: %v", err)
	}
	if err := <-freshDone; err != nil {
		t.Fatalf("fresh verify: %v", err)
	}
	final, err := f.store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != StateAwaitingDeposit || final.Deposits == nil || final.Deposits.AllPresent {
		t.Fatalf("stale check must not approve: state=%s deposits=%+v", final.State, final.Deposits)
	}
	if !final.Approvals["alice"] || !final.Approvals["bob"] {
		t.Fatalf("approvals must be kept: %v", final.Approvals)
	}
	if f.sink.has(EventApproved) {
		t.Fatalf("approved event emitted for a superseded check")
	}
}
