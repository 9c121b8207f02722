package swap

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "OpenSwap-Chain/internal/errors"
)

// errUnchanged 由 Update 回调返回，表示无需持久化。
var errUnchanged = stdErrors.New("unchanged")

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// SessionStore 拥有全部活跃会话。同一会话上的修改通过独占锁串行化，
// 不同会话之间互不阻塞。
type SessionStore struct {
	repo    Repository
	assets  AssetResolver
	custody string

	mu    sync.Mutex
	locks map[string]*sessionLock

	tombMu     sync.RWMutex
	tombstones map[string]*Session
	tombOrder  []string
	tombLimit  int

	now func() time.Time
}

// StoreOption 定义可选配置。
type StoreOption func(*SessionStore)

// WithTombstoneLimit 限制内存中保留的已结束会话数量。
func WithTombstoneLimit(limit int) StoreOption {
	return func(s *SessionStore) {
		if limit > 0 {
			s.tombLimit = limit
		}
	}
}

// NewSessionStore 构造 SessionStore。custody 为新会话使用的托管地址。
func NewSessionStore(repo Repository, assets AssetResolver, custody string, opts ...StoreOption) *SessionStore {
	s := &SessionStore{
		repo:       repo,
		assets:     assets,
		custody:    custody,
		locks:      make(map[string]*sessionLock),
		tombstones: make(map[string]*Session),
		tombLimit:  4096,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CustodyAddress 返回托管地址。
func (s *SessionStore) CustodyAddress() string {
	return s.custody
}

func (s *SessionStore) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sessionLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// UpsertOrder 在会话不存在时创建会话，否则替换该参与方的订单并重置其确认。
func (s *SessionStore) UpsertOrder(ctx context.Context, id string, order Order) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	normalized, err := s.validateOrder(order)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(id)
	defer unlock()

	current, err := s.repo.Load(ctx, id)
	switch {
	case err == nil:
	case stdErrors.Is(err, ErrSessionNotFound):
		now := s.now().Unix()
		current = &Session{
			ID:             id,
			CustodyAddress: s.custody,
			Orders:         map[string]Order{},
			Approvals:      map[string]bool{},
			State:          StateOpen,
			CreatedAt:      now,
		}
		s.forgetTombstone(id)
	default:
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载会话失败")
	}

	if current.State != StateOpen {
		return nil, xerrors.New(CodeSessionLocked, "",
			xerrors.WithMetadata("session", id),
			xerrors.WithMetadata("state", string(current.State)))
	}
	normalized.SubmittedAt = s.now().Unix()
	current.Orders[normalized.OwnerID] = normalized
	current.Approvals[normalized.OwnerID] = false
	if err := s.commit(ctx, current); err != nil {
		return nil, err
	}
	return current.Clone(), nil
}

// WithdrawOrder 在会话仍处于 open 时撤回某一方的订单；最后一份订单撤回后会话被删除。
func (s *SessionStore) WithdrawOrder(ctx context.Context, id, owner string) (*Session, error) {
	return s.Update(ctx, id, func(session *Session) error {
		if session.State != StateOpen {
			return xerrors.New(CodeSessionLocked, "",
				xerrors.WithMetadata("session", id),
				xerrors.WithMetadata("state", string(session.State)))
		}
		if _, ok := session.Orders[owner]; !ok {
			return xerrors.New(CodeUnknownParty, "", xerrors.WithMetadata("owner", owner))
		}
		delete(session.Orders, owner)
		delete(session.Approvals, owner)
		return nil
	})
}

// Get 返回会话快照。
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	session, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, s.loadError(id, err)
	}
	return session, nil
}

// Tombstone 返回已移除会话的最终快照。
func (s *SessionStore) Tombstone(id string) (*Session, bool) {
	s.tombMu.RLock()
	defer s.tombMu.RUnlock()
	session, ok := s.tombstones[id]
	if !ok {
		return nil, false
	}
	return session.Clone(), true
}

// Remove 删除会话并保留墓碑。
func (s *SessionStore) Remove(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	session, err := s.repo.Load(ctx, id)
	if err != nil {
		return s.loadError(id, err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	s.remember(session)
	return nil
}

// Update 在会话独占锁内执行 fn。fn 修改的是副本，返回 nil 时检查不变量、
// 递增版本号并持久化；返回错误时会话保持不变。
func (s *SessionStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	unlock := s.lock(id)
	defer unlock()

	current, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, s.loadError(id, err)
	}
	if err := fn(current); err != nil {
		if stdErrors.Is(err, errUnchanged) {
			return current, nil
		}
		return nil, err
	}
	if err := s.commit(ctx, current); err != nil {
		return nil, err
	}
	return current.Clone(), nil
}

// List 返回符合过滤条件的会话。
func (s *SessionStore) List(ctx context.Context, opts ListOptions) ([]*Session, error) {
	sessions, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话列表失败")
	}
	return sessions, nil
}

// Stats 返回会话统计。
func (s *SessionStore) Stats(ctx context.Context) (Stats, error) {
	st, err := s.repo.Stats(ctx)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计会话失败")
	}
	return st, nil
}

// 这些状态的会话已确认存款且尚未结束，其资金仍在托管地址上。
var reservedStates = []State{StateAwaitingApproval, StateApproved, StateExecuting}

const (
	reservePage    = 200
	reserveOverlap = 50
)

// Reserved 汇总同一托管地址上除 exclude 以外的会话占用的资金：
// 已确认的存款减去已确认的出金。分页之间保留重叠，避免会话更新导致漏读。
func (s *SessionStore) Reserved(ctx context.Context, custody, exclude string) (map[string]decimal.Decimal, error) {
	seen := make(map[string]bool)
	reserved := make(map[string]decimal.Decimal)
	for offset := 0; ; offset += reservePage - reserveOverlap {
		page, err := s.List(ctx, ListOptions{
			Limit:  reservePage,
			Offset: offset,
			States: reservedStates,
			Order:  SortByUpdatedAsc,
		})
		if err != nil {
			return nil, err
		}
		for _, session := range page {
			if session.ID == exclude || seen[session.ID] || !strings.EqualFold(session.CustodyAddress, custody) {
				continue
			}
			seen[session.ID] = true
			for symbol, amount := range heldFunds(session) {
				reserved[symbol] = reserved[symbol].Add(amount)
			}
		}
		if len(page) < reservePage {
			return reserved, nil
		}
	}
}

func heldFunds(session *Session) map[string]decimal.Decimal {
	held := make(map[string]decimal.Decimal)
	for _, order := range session.Orders {
		held[order.SendAsset] = held[order.SendAsset].Add(order.SendAmount)
	}
	for _, leg := range session.Plan {
		if leg.Status == LegConfirmed {
			held[leg.Asset] = held[leg.Asset].Sub(leg.Amount)
		}
	}
	for symbol, amount := range held {
		if amount.IsNegative() {
			held[symbol] = decimal.Zero
		}
	}
	return held
}

// Close 释放底层存储。
func (s *SessionStore) Close() error {
	if s.repo == nil {
		return nil
	}
	return s.repo.Close()
}

// commit 必须在持有会话锁时调用。
func (s *SessionStore) commit(ctx context.Context, session *Session) error {
	if err := checkInvariants(session); err != nil {
		return err
	}
	session.Version++
	session.UpdatedAt = s.now().Unix()

	if session.State.removable() || len(session.Orders) == 0 {
		if err := s.repo.Delete(ctx, session.ID); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
		}
		if session.State.removable() {
			s.remember(session)
		}
		return nil
	}
	if err := s.repo.Save(ctx, session); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败",
			xerrors.WithMetadata("session", session.ID))
	}
	return nil
}

func (s *SessionStore) loadError(id string, err error) error {
	if stdErrors.Is(err, ErrSessionNotFound) {
		s.tombMu.RLock()
		tomb, ok := s.tombstones[id]
		s.tombMu.RUnlock()
		if ok {
			return staleSession(id, tomb.State)
		}
		return notFound(id)
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载会话失败", xerrors.WithMetadata("session", id))
}

func (s *SessionStore) remember(session *Session) {
	s.tombMu.Lock()
	defer s.tombMu.Unlock()
	if _, ok := s.tombstones[session.ID]; !ok {
		s.tombOrder = append(s.tombOrder, session.ID)
	}
	s.tombstones[session.ID] = session.Clone()
	for len(s.tombOrder) > s.tombLimit {
		oldest := s.tombOrder[0]
		s.tombOrder = s.tombOrder[1:]
		delete(s.tombstones, oldest)
	}
}

func (s *SessionStore) forgetTombstone(id string) {
	s.tombMu.Lock()
	defer s.tombMu.Unlock()
	if _, ok := s.tombstones[id]; !ok {
		return
	}
	delete(s.tombstones, id)
	for i, v := range s.tombOrder {
		if v == id {
			s.tombOrder = append(s.tombOrder[:i], s.tombOrder[i+1:]...)
			break
		}
	}
}

func (s *SessionStore) validateOrder(order Order) (Order, error) {
	order.OwnerID = strings.TrimSpace(order.OwnerID)
	if order.OwnerID == "" {
		return Order{}, invalidOrder("owner_id", "owner id is required")
	}
	if !common.IsHexAddress(order.DepositAddress) {
		return Order{}, invalidOrder("deposit_address", fmt.Sprintf("malformed address %q", order.DepositAddress))
	}
	order.DepositAddress = common.HexToAddress(order.DepositAddress).Hex()
	order.SendAsset = strings.ToUpper(strings.TrimSpace(order.SendAsset))
	order.ReceiveAsset = strings.ToUpper(strings.TrimSpace(order.ReceiveAsset))
	if order.SendAsset == order.ReceiveAsset {
		return Order{}, invalidOrder("receive_asset", "send and receive asset must differ")
	}
	if err := s.checkAmount("send", order.SendAsset, order.SendAmount); err != nil {
		return Order{}, err
	}
	if err := s.checkAmount("receive", order.ReceiveAsset, order.ReceiveAmount); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *SessionStore) checkAmount(side, symbol string, amount decimal.Decimal) error {
	a, ok := s.assets.Lookup(symbol)
	if !ok {
		return invalidOrder(side+"_asset", fmt.Sprintf("unknown asset %q", symbol))
	}
	if !amount.IsPositive() {
		return invalidOrder(side+"_amount", "amount must be positive")
	}
	if !a.Representable(amount) {
		return invalidOrder(side+"_amount", fmt.Sprintf("%s supports at most %d decimal places", a.Symbol, a.Decimals))
	}
	return nil
}

// checkInvariants 在每次提交前校验会话结构。
func checkInvariants(s *Session) error {
	violation := func(rule string) error {
		return xerrors.New(CodeInvariantViolated, "",
			xerrors.WithMetadata("session", s.ID),
			xerrors.WithMetadata("rule", rule),
			xerrors.WithMetadata("state", string(s.State)))
	}
	if len(s.Approvals) != len(s.Orders) {
		return violation("approvals_match_orders")
	}
	for owner := range s.Orders {
		if _, ok := s.Approvals[owner]; !ok {
			return violation("approvals_match_orders")
		}
	}
	if s.State != StateOpen && s.State != StateCancelled && len(s.Orders) < 2 {
		return violation("min_two_parties")
	}
	if s.State == StateApproved && !s.AllApproved() {
		return violation("unanimous_approval")
	}
	switch s.State {
	case StateExecuting, StateCompleted, StatePartiallyFailed, StateFailed:
		if len(s.Plan) != len(s.Orders) || s.ExecutionAttemptID == "" {
			return violation("plan_present")
		}
	default:
		if len(s.Plan) != 0 {
			return violation("plan_absent")
		}
	}
	return nil
}
