package swap

import (
	"context"

	"github.com/shopspring/decimal"

	"OpenSwap-Chain/internal/asset"
)

// AssetResolver 按符号解析资产定义，*asset.Registry 实现了该接口。
type AssetResolver interface {
	Lookup(symbol string) (asset.Asset, bool)
}

// DepositOracle 报告托管地址上某资产的余额。
type DepositOracle interface {
	QueryBalance(ctx context.Context, address string, a asset.Asset) (decimal.Decimal, error)
}

// TransferRequest 描述一笔从托管地址发出的转账。
type TransferRequest struct {
	IdempotencyKey string
	From           string
	To             string
	Asset          asset.Asset
	Amount         decimal.Decimal
}

// Confirmation 是账本对一笔已广播转账的最终结论。
type Confirmation struct {
	Success     bool
	BlockNumber uint64
	Detail      string
}

// LedgerGateway 提交并确认转账。实现必须以 IdempotencyKey 去重：
// 同一个 key 重复 Submit 返回同一个 ref，Lookup 用于重启后判断是否已广播。
type LedgerGateway interface {
	Submit(ctx context.Context, req TransferRequest) (string, error)
	Confirm(ctx context.Context, ref string) (Confirmation, error)
	Lookup(ctx context.Context, idempotencyKey string) (string, bool, error)
}

// NotificationSink 接收面向用户的状态事件。投递失败只记录日志。
type NotificationSink interface {
	Notify(ctx context.Context, sessionID string, event Event) error
}

// OrderParser 将自由文本解析为结构化订单。
type OrderParser interface {
	Parse(ctx context.Context, ownerID, text string) (Order, error)
}
