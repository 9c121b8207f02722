package swap

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	xerrors "OpenSwap-Chain/internal/errors"
)

// DepositVerifier 判断托管地址上的存款是否覆盖全部订单。它只做查询，
// 由调用方把结果应用到会话状态。
type DepositVerifier struct {
	oracle DepositOracle
	assets AssetResolver
	now    func() time.Time
}

// NewDepositVerifier 构造 DepositVerifier。
func NewDepositVerifier(oracle DepositOracle, assets AssetResolver) *DepositVerifier {
	return &DepositVerifier{oracle: oracle, assets: assets, now: time.Now}
}

// Verify 按资产汇总各方应存金额，与托管余额扣除 reserved 后的可用部分在资产最小单位上比较。
// reserved 是同一托管地址上其他会话仍占用的资金。某资产不足时，所有存入该资产的参与方都被列为缺失。
func (v *DepositVerifier) Verify(ctx context.Context, s *Session, reserved map[string]decimal.Decimal) (DepositStatus, error) {
	if v == nil || v.oracle == nil {
		return DepositStatus{}, xerrors.New(xerrors.CodeInitializationFailure, "存款预言机未配置")
	}
	required := make(map[string]decimal.Decimal)
	senders := make(map[string][]string)
	for _, owner := range s.Owners() {
		order := s.Orders[owner]
		required[order.SendAsset] = required[order.SendAsset].Add(order.SendAmount)
		senders[order.SendAsset] = append(senders[order.SendAsset], owner)
	}

	symbols := make([]string, 0, len(required))
	for symbol := range required {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	status := DepositStatus{
		AllPresent: true,
		Required:   required,
		Balances:   make(map[string]decimal.Decimal, len(symbols)),
		Reserved:   make(map[string]decimal.Decimal),
		CheckedAt:  v.now().Unix(),
	}
	for _, symbol := range symbols {
		a, ok := v.assets.Lookup(symbol)
		if !ok {
			return DepositStatus{}, xerrors.New(CodeInvalidOrder, "unknown asset", xerrors.WithMetadata("asset", symbol))
		}
		observed, err := v.oracle.QueryBalance(ctx, s.CustodyAddress, a)
		if err != nil {
			return DepositStatus{}, xerrors.Wrap(CodeOracleUnavailable, err, "",
				xerrors.WithMetadata("asset", symbol),
				xerrors.WithMetadata("session", s.ID))
		}
		status.Balances[symbol] = observed
		available := observed
		if held, ok := reserved[symbol]; ok && held.IsPositive() {
			status.Reserved[symbol] = held
			available = observed.Sub(held)
		}
		if a.ToBaseUnits(available).Cmp(a.ToBaseUnits(required[symbol])) < 0 {
			status.AllPresent = false
			status.Missing = append(status.Missing, senders[symbol]...)
		}
	}
	sort.Strings(status.Missing)
	return status, nil
}
