package swap

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	xerrors "OpenSwap-Chain/internal/errors"
)

func assertApprovalsMatchOrders(t *testing.T, s *Session) {
	t.Helper()
	if len(s.Approvals) != len(s.Orders) {
		t.Fatalf("approvals %v do not match orders %v", s.Approvals, s.Owners())
	}
	for owner := range s.Orders {
		if _, ok := s.Approvals[owner]; !ok {
			t.Fatalf("missing approval entry for %s", owner)
		}
	}
}

func TestUpsertOrderRejectsInvalidOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]Order{
		"bad address":   order("alice", "0x1234", "1", "USDC", "1", "EURC"),
		"zero amount":   order("alice", aliceAddr, "0", "USDC", "1", "EURC"),
		"negative":      order("alice", aliceAddr, "1", "USDC", "-1", "EURC"),
		"too precise":   order("alice", aliceAddr, "0.0000001", "USDC", "1", "EURC"),
		"unknown asset": order("alice", aliceAddr, "1", "DOGE", "1", "EURC"),
		"same asset":    order("alice", aliceAddr, "1", "USDC", "1", "usdc"),
		"missing owner": order(" ", aliceAddr, "1", "USDC", "1", "EURC"),
	}
	for name, o := range cases {
		if _, err := f.store.UpsertOrder(ctx, "s1", o); !xerrors.HasCode(err, CodeInvalidOrder) {
			t.Fatalf("%s: expected INVALID_ORDER, got %v", name, err)
		}
	}
	if _, err := f.store.Get(ctx, "s1"); !xerrors.HasCode(err, CodeSessionNotFound) {
		t.Fatalf("rejected orders must not create a session, got %v", err)
	}
}

func TestUpsertOrderNormalizesAndResetsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.store.UpsertOrder(ctx, "s1", order("alice", "0x1111111111111111111111111111111111111111", "1.5", "usdc", "1", "eurc"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got := session.Orders["alice"]
	if got.SendAsset != "USDC" || got.ReceiveAsset != "EURC" {
		t.Fatalf("assets not normalized: %+v", got)
	}
	if session.CustodyAddress != custody || session.State != StateOpen || session.Version != 1 {
		t.Fatalf("unexpected session: %+v", session)
	}

	session, err = f.store.UpsertOrder(ctx, "s1", order("alice", aliceAddr, "2", "USDC", "2", "EURC"))
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(session.Orders) != 1 || !session.Orders["alice"].SendAmount.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("order was not replaced: %+v", session.Orders)
	}
	if session.Approvals["alice"] {
		t.Fatalf("replacement must reset approval")
	}
	assertApprovalsMatchOrders(t, session)
}

func TestWithdrawOrderRemovesApprovalEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPair(t, ctx, "s1")

	session, err := f.service.WithdrawOrder(ctx, "s1", "bob")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	assertApprovalsMatchOrders(t, session)
	if _, ok := session.Orders["bob"]; ok {
		t.Fatalf("bob should be gone")
	}
	if _, err := f.service.WithdrawOrder(ctx, "s1", "bob"); !xerrors.HasCode(err, CodeUnknownParty) {
		t.Fatalf("expected UNKNOWN_PARTY, got %v", err)
	}
	if _, err := f.service.WithdrawOrder(ctx, "s1", "alice"); err != nil {
		t.Fatalf("withdraw last order: %v", err)
	}
	if _, err := f.store.Get(ctx, "s1"); !xerrors.HasCode(err, CodeSessionNotFound) {
		t.Fatalf("empty session should be deleted, got %v", err)
	}
}

func TestOrdersFrozenAfterVerification(t *testing.T) {
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

	_, err := f.service.SubmitOrder(ctx, "s1", order("alice", aliceAddr, "5", "USDC", "5", "EURC"))
	if !xerrors.HasCode(err, CodeSessionLocked) {
		t.Fatalf("expected SESSION_LOCKED, got %v", err)
	}
	session, err := f.store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !session.Approvals["alice"] {
		t.Fatalf("approval must stay monotonic")
	}
	if _, err := f.service.WithdrawOrder(ctx, "s1", "alice"); !xerrors.HasCode(err, CodeSessionLocked) {
		t.Fatalf("expected SESSION_LOCKED on withdraw, got %v", err)
	}
}

func TestConcurrentUpsertsAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const parties = 50
	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("owner-%02d", i)
			if _, err := f.store.UpsertOrder(ctx, "busy", order(owner, aliceAddr, "1", "USDC", "1", "EURC")); err != nil {
				t.Errorf("upsert %s: %v", owner, err)
			}
			if _, err := f.store.UpsertOrder(ctx, fmt.Sprintf("solo-%d", i), order(owner, bobAddr, "1", "EURC", "1", "USDC")); err != nil {
				t.Errorf("upsert solo %s: %v", owner, err)
			}
		}(i)
	}
	wg.Wait()

	session, err := f.store.Get(ctx, "busy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(session.Orders) != parties || session.Version != parties {
		t.Fatalf("expected %d orders and version, got %d orders version %d", parties, len(session.Orders), session.Version)
	}
	assertApprovalsMatchOrders(t, session)

	f.store.mu.Lock()
	leaked := len(f.store.locks)
	f.store.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("expected lock table to drain, %d entries left", leaked)
	}

	stats, err := f.service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != parties+1 || stats.Open != parties+1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTombstoneMakesSessionStaleUntilReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPair(t, ctx, "s1")

	if _, err := f.service.Cancel(ctx, "s1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.store.Get(ctx, "s1"); !xerrors.HasCode(err, CodeSessionStale) {
		t.Fatalf("expected SESSION_STALE, got %v", err)
	}
	tomb, ok := f.store.Tombstone("s1")
	if !ok || tomb.State != StateCancelled {
		t.Fatalf("unexpected tombstone: %+v ok=%v", tomb, ok)
	}

	session, err := f.service.SubmitOrder(ctx, "s1", order("carol", aliceAddr, "1", "USDC", "1", "EURC"))
	if err != nil {
		t.Fatalf("reuse id: %v", err)
	}
	if session.State != StateOpen || len(session.Orders) != 1 || session.Version != 1 {
		t.Fatalf("expected a fresh session, got %+v", session)
	}
	if _, ok := f.store.Tombstone("s1"); ok {
		t.Fatalf("tombstone should be cleared on reuse")
	}
}

func TestTombstoneLimitEvictsOldest(t *testing.T) {
	reg := newFixture(t).assets
	store := NewSessionStore(NewMemoryRepository(), reg, custody, WithTombstoneLimit(2))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("s%d", i)
		if _, err := store.UpsertOrder(ctx, id, order("alice", aliceAddr, "1", "USDC", "1", "EURC")); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := store.Remove(ctx, id); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}
	if _, ok := store.Tombstone("s0"); ok {
		t.Fatalf("oldest tombstone should be evicted")
	}
	if _, err := store.Get(ctx, "s0"); !xerrors.HasCode(err, CodeSessionNotFound) {
		t.Fatalf("expected SESSION_NOT_FOUND after eviction, got %v", err)
	}
	if _, err := store.Get(ctx, "s2"); !xerrors.HasCode(err, CodeSessionStale) {
		t.Fatalf("expected SESSION_STALE, got %v", err)
	}
}

func TestMemoryRepositoryListFilters(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	sessions := []*Session{
		{ID: "a", State: StateOpen, UpdatedAt: 100},
		{ID: "b", State: StateFailed, UpdatedAt: 200},
		{ID: "c", State: StatePartiallyFailed, UpdatedAt: 300},
	}
	for _, s := range sessions {
		if err := repo.Save(ctx, s); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	all, err := repo.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	failed, err := repo.List(ctx, BuildListOptions(WithStates(StateFailed, StatePartiallyFailed), WithSortOrder(SortByUpdatedAsc)))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 2 || failed[0].ID != "b" || failed[1].ID != "c" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	paged, err := repo.List(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "b" {
		t.Fatalf("unexpected page: %+v", paged)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Failed != 1 || stats.PartiallyFailed != 1 || stats.OldestUpdatedAt != 100 || stats.NewestUpdatedAt != 300 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
