package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"OpenSwap-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const erc20ABI = `[
 {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
 {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var erc20 = mustParseABI(erc20ABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("解析 ERC-20 ABI 失败: %v", err))
	}
	return parsed
}

// Backend mirrors the subset of ethclient methods the custodian relies on.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	// PollInterval 为等待回执的轮询间隔，默认 2 秒。
	PollInterval time.Duration
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	backend   Backend
	chainID   *big.Int
	key       *ecdsa.PrivateKey
	from      common.Address
	poll      time.Duration

	// nonceMu 串行化签名与广播，避免并发转账拿到相同 nonce。
	nonceMu sync.Mutex
	mu      sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
// key 为空时客户端只能查询余额。
func NewClient(ctx context.Context, cfg Config, key *ecdsa.PrivateKey) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if cfg.ChainID > 0 && chainID.Cmp(big.NewInt(cfg.ChainID)) != 0 {
		rpcClient.Close()
		return nil, fmt.Errorf("链 %s 的 chain_id 不匹配: 配置 %d, 节点 %s", cfg.Name, cfg.ChainID, chainID)
	}

	client := NewBackendClient(cfg.Name, chainID, eth, key)
	client.rpcClient = rpcClient
	if cfg.PollInterval > 0 {
		client.poll = cfg.PollInterval
	}
	return client, nil
}

// NewBackendClient wraps an existing backend, e.g. the go-ethereum simulated backend.
func NewBackendClient(name string, chainID *big.Int, backend Backend, key *ecdsa.PrivateKey) *Client {
	c := &Client{
		name:    name,
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		key:     key,
		poll:    2 * time.Second,
	}
	if key != nil {
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c
}

// SetPollInterval 调整等待回执的轮询间隔。
func (c *Client) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.poll = d
	}
}

// Name 返回链名称。
func (c *Client) Name() string { return c.name }

// Address 返回托管账户地址。
func (c *Client) Address() (common.Address, bool) {
	return c.from, c.key != nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Balance 查询 holder 的原生币余额，token 非空时查询 ERC-20 余额。
func (c *Client) Balance(ctx context.Context, holder common.Address, token *common.Address) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	if token == nil {
		balance, err := c.backend.BalanceAt(ctx, holder, nil)
		if err != nil {
			return nil, fmt.Errorf("查询余额失败: %w", err)
		}
		return balance, nil
	}

	data, err := erc20.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	values, err := erc20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("解析代币余额失败: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("balanceOf 返回了 %d 个值", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回类型异常: %T", values[0])
	}
	return balance, nil
}

// Transfer 签名并广播一笔 EIP-1559 交易。beforeSend 在广播前拿到交易哈希，
// 调用方借此先落盘幂等记录。
func (c *Client) Transfer(ctx context.Context, transfer web3.Transfer, beforeSend web3.BeforeSend) (common.Hash, error) {
	if c == nil || c.backend == nil {
		return common.Hash{}, errors.New("未初始化的以太坊客户端")
	}
	if c.key == nil {
		return common.Hash{}, web3.ErrReadOnly
	}
	if transfer.Amount == nil || transfer.Amount.Sign() <= 0 {
		return common.Hash{}, errors.New("转账金额必须为正数")
	}

	to := transfer.To
	value := new(big.Int).Set(transfer.Amount)
	var data []byte
	if transfer.Token != nil {
		packed, err := erc20.Pack("transfer", transfer.To, transfer.Amount)
		if err != nil {
			return common.Hash{}, fmt.Errorf("编码 transfer 失败: %w", err)
		}
		data = packed
		to = *transfer.Token
		value = new(big.Int)
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	tipCap, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取小费建议失败: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{
		From:      c.from,
		To:        &to,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("估算 gas 失败: %w", err)
	}
	if len(data) > 0 {
		gas += gas / 5
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if beforeSend != nil {
		if err := beforeSend(signed.Hash()); err != nil {
			return common.Hash{}, err
		}
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return signed.Hash(), fmt.Errorf("发送交易失败: %w", err)
	}
	return signed.Hash(), nil
}

// Receipt 查询一次回执，未上链时返回 web3.ErrReceiptPending。
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (web3.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return web3.Receipt{}, web3.ErrReceiptPending
		}
		return web3.Receipt{}, fmt.Errorf("查询回执失败: %w", err)
	}
	if receipt == nil {
		return web3.Receipt{}, web3.ErrReceiptPending
	}
	result := web3.Receipt{
		TxHash:  hash,
		Success: receipt.Status == coretypes.ReceiptStatusSuccessful,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return result, nil
}

// WaitReceipt 轮询直到交易上链或 ctx 结束。
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (web3.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.Receipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, web3.ErrReceiptPending) {
			return web3.Receipt{}, err
		}
		select {
		case <-ctx.Done():
			return web3.Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ web3.Client = (*Client)(nil)
