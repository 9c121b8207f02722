package web3

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrReceiptPending 表示交易尚未被打包。
var ErrReceiptPending = errors.New("交易尚未上链")

// ErrReadOnly 表示客户端未配置签名私钥，无法发起转账。
var ErrReadOnly = errors.New("客户端未配置托管私钥")

// Transfer 描述一笔由托管账户签名的转账。Token 为空时转原生币。
type Transfer struct {
	Token  *common.Address
	To     common.Address
	Amount *big.Int
}

// Receipt 是交易回执的精简视图。
type Receipt struct {
	TxHash      common.Hash
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}

// BeforeSend 在交易签名之后、广播之前被调用，返回错误时放弃广播。
type BeforeSend func(hash common.Hash) error

// Client defines the common interface that any chain implementation must
// provide so higher layers can interact with different networks uniformly.
type Client interface {
	Name() string
	// Address 返回签名账户地址；只读客户端返回 false。
	Address() (common.Address, bool)
	Balance(ctx context.Context, holder common.Address, token *common.Address) (*big.Int, error)
	Transfer(ctx context.Context, transfer Transfer, beforeSend BeforeSend) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (Receipt, error)
	Close()
}
