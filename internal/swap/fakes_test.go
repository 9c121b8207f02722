package swap

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"OpenSwap-Chain/internal/asset"
)

const (
	custody   = "0x00000000000000000000000000000000000000Aa"
	aliceAddr = "0x1111111111111111111111111111111111111111"
	bobAddr   = "0x2222222222222222222222222222222222222222"
)

type fakeOracle struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	err      error
	calls    int
}

func (o *fakeOracle) QueryBalance(_ context.Context, _ string, a asset.Asset) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return decimal.Zero, o.err
	}
	return o.balances[a.Symbol], nil
}

func (o *fakeOracle) set(symbol, amount string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.balances[symbol] = decimal.RequireFromString(amount)
}

// deposit 模拟一笔新到账的存款，余额累加。
func (o *fakeOracle) deposit(symbol, amount string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.balances[symbol] = o.balances[symbol].Add(decimal.RequireFromString(amount))
}

type fakeLedger struct {
	mu          sync.Mutex
	submissions map[string]int
	transfers   []TransferRequest
	refs        map[string]string
	lookups     int
	failSubmit  map[string]error
	hangConfirm map[string]bool
	submitDelay time.Duration
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		submissions: make(map[string]int),
		refs:        make(map[string]string),
		failSubmit:  make(map[string]error),
		hangConfirm: make(map[string]bool),
	}
}

func ownerOfKey(key string) string {
	return key[strings.LastIndex(key, "/")+1:]
}

func (l *fakeLedger) Submit(ctx context.Context, req TransferRequest) (string, error) {
	if l.submitDelay > 0 {
		select {
		case <-time.After(l.submitDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	owner := ownerOfKey(req.IdempotencyKey)
	l.submissions[req.IdempotencyKey]++
	if err := l.failSubmit[owner]; err != nil {
		return "", err
	}
	if ref, ok := l.refs[req.IdempotencyKey]; ok {
		return ref, nil
	}
	ref := "ref-" + owner
	l.refs[req.IdempotencyKey] = ref
	l.transfers = append(l.transfers, req)
	return ref, nil
}

func (l *fakeLedger) Confirm(ctx context.Context, ref string) (Confirmation, error) {
	l.mu.Lock()
	hang := l.hangConfirm[ref]
	l.mu.Unlock()
	if hang {
		<-ctx.Done()
		return Confirmation{}, ctx.Err()
	}
	return Confirmation{Success: true, BlockNumber: 7}, nil
}

func (l *fakeLedger) Lookup(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookups++
	ref, ok := l.refs[key]
	return ref, ok, nil
}

func (l *fakeLedger) totalSubmissions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.submissions {
		total += n
	}
	return total
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Notify(_ context.Context, _ string, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingSink) has(kind EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

type fixture struct {
	assets      *asset.Registry
	store       *SessionStore
	oracle      *fakeOracle
	ledger      *fakeLedger
	sink        *recordingSink
	coordinator *ApprovalCoordinator
	engine      *ExecutionEngine
	service     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := asset.NewRegistry(asset.Defaults()...)
	if err != nil {
		t.Fatalf("asset registry: %v", err)
	}
	f := &fixture{
		assets: reg,
		oracle: &fakeOracle{balances: map[string]decimal.Decimal{}},
		ledger: newFakeLedger(),
		sink:   &recordingSink{},
	}
	f.store = NewSessionStore(NewMemoryRepository(), reg, custody)
	f.coordinator = NewApprovalCoordinator(f.store, NewDepositVerifier(f.oracle, reg), f.sink, false)
	f.engine = NewExecutionEngine(f.store, f.ledger, reg, f.sink, 100*time.Millisecond)
	f.service = NewService(f.store, f.coordinator, f.engine, WithNotificationSink(f.sink))
	return f
}

func order(owner, addr, sendAmount, sendAsset, receiveAmount, receiveAsset string) Order {
	return Order{
		OwnerID:        owner,
		DepositAddress: addr,
		SendAsset:      sendAsset,
		SendAmount:     decimal.RequireFromString(sendAmount),
		ReceiveAsset:   receiveAsset,
		ReceiveAmount:  decimal.RequireFromString(receiveAmount),
	}
}

// submitPair 提交 alice(1 USDC → 1 EURC) 与 bob(1 EURC → 1 USDC)。
func (f *fixture) submitPair(t *testing.T, ctx context.Context, id string) {
	t.Helper()
	if _, err := f.service.SubmitOrder(ctx, id, order("alice", aliceAddr, "1", "USDC", "1", "EURC")); err != nil {
		t.Fatalf("submit alice: %v", err)
	}
	if _, err := f.service.SubmitOrder(ctx, id, order("bob", bobAddr, "1", "EURC", "1", "USDC")); err != nil {
		t.Fatalf("submit bob: %v", err)
	}
}

// approvedSession 让会话走到 approved，并为它存入自己的一份资金。
func (f *fixture) approvedSession(t *testing.T, ctx context.Context, id string) {
	t.Helper()
	f.submitPair(t, ctx, id)
	f.oracle.deposit("USDC", "1")
	f.oracle.deposit("EURC", "1")
	outcome, err := f.service.RequestVerification(ctx, id)
	if err != nil {
		t.Fatalf("request verification: %v", err)
	}
	if outcome.Session.State != StateAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", outcome.Session.State)
	}
	if _, err := f.service.Approve(ctx, id, "alice"); err != nil {
		t.Fatalf("approve alice: %v", err)
	}
	outcome, err = f.service.Approve(ctx, id, "bob")
	if err != nil {
		t.Fatalf("approve bob: %v", err)
	}
	if outcome.Session.State != StateApproved {
		t.Fatalf("expected approved, got %s", outcome.Session.State)
	}
}

var errLedgerDown = errors.New("nonce too low")
