package intake

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "OpenSwap-Chain/internal/errors"
	"OpenSwap-Chain/internal/swap"
)

// Fields 是从自由文本中抽取出的订单字段，JSON 键与模型输出保持一致。
type Fields struct {
	Wallet          string          `json:"wallet"`
	SendingToken    string          `json:"sendingToken"`
	SendingAmount   decimal.Decimal `json:"sendingAmount"`
	RequestedToken  string          `json:"requestedToken"`
	RequestedAmount decimal.Decimal `json:"requestedAmount"`
}

// Order 校验字段并转换为 swap.Order。资产是否受支持由 SessionStore 判断。
func (f Fields) Order(ownerID string) (swap.Order, error) {
	wallet := strings.TrimSpace(f.Wallet)
	if !common.IsHexAddress(wallet) {
		return swap.Order{}, unparsable("wallet", "未识别到有效的钱包地址")
	}
	send := strings.ToUpper(strings.TrimSpace(f.SendingToken))
	receive := strings.ToUpper(strings.TrimSpace(f.RequestedToken))
	if send == "" || receive == "" {
		return swap.Order{}, unparsable("token", "未识别到发送或请求的资产")
	}
	if !f.SendingAmount.IsPositive() || !f.RequestedAmount.IsPositive() {
		return swap.Order{}, unparsable("amount", "金额必须为正数")
	}
	return swap.Order{
		OwnerID:        ownerID,
		DepositAddress: common.HexToAddress(wallet).Hex(),
		SendAsset:      send,
		SendAmount:     f.SendingAmount,
		ReceiveAsset:   receive,
		ReceiveAmount:  f.RequestedAmount,
	}, nil
}

func unparsable(field, reason string) error {
	return xerrors.New(swap.CodeInvalidOrder, reason,
		xerrors.WithMetadata("field", field),
		xerrors.WithMetadata("source", "text"))
}
