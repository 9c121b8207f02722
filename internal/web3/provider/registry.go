package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"OpenSwap-Chain/internal/asset"
	"OpenSwap-Chain/internal/config"
	"OpenSwap-Chain/internal/swap"
	"OpenSwap-Chain/internal/web3"
	"OpenSwap-Chain/internal/web3/ethereum"
)

var errAlreadyReserved = errors.New("幂等键已有记录")

// Registry manages a set of chain clients keyed by human readable names.
// It implements swap.LedgerGateway and swap.DepositOracle by routing each
// asset to the client of the chain it lives on.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	journal      web3.Journal
}

var (
	_ swap.LedgerGateway = (*Registry)(nil)
	_ swap.DepositOracle = (*Registry)(nil)
)

// NewRegistry loads chain definitions and instantiates concrete clients.
// 所有链共用同一把托管私钥，key 为空时注册表只读。
func NewRegistry(ctx context.Context, cfg config.Web3Config, key *ecdsa.PrivateKey, journal web3.Journal) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:         name,
				RPCURL:       chain.RPCURL,
				ChainID:      chain.ChainID,
				PollInterval: time.Duration(chain.PollIntervalMillis) * time.Millisecond,
			}, key)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		name := cfg.DefaultChain
		if name == "" {
			name = "default"
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: cfg.RPCURL}, key)
		if err != nil {
			return nil, err
		}
		clients[name] = client
		cfg.DefaultChain = name
	}

	registry, err := NewRegistryWithClients(cfg.DefaultChain, clients, journal)
	if err != nil {
		closeAll()
		return nil, err
	}
	return registry, nil
}

// NewRegistryWithClients 使用已构造的客户端创建注册表，测试中用于注入模拟后端。
func NewRegistryWithClients(defaultChain string, clients map[string]web3.Client, journal web3.Journal) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	if journal == nil {
		journal = web3.NewMemoryJournal()
	}
	return &Registry{defaultChain: defaultChain, clients: clients, journal: journal}, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CustodyAddress 返回默认链上签名账户的地址。
func (r *Registry) CustodyAddress() (string, error) {
	client, err := r.DefaultClient()
	if err != nil {
		return "", err
	}
	addr, ok := client.Address()
	if !ok {
		return "", web3.ErrReadOnly
	}
	return addr.Hex(), nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// QueryBalance 实现 swap.DepositOracle。
func (r *Registry) QueryBalance(ctx context.Context, address string, a asset.Asset) (decimal.Decimal, error) {
	client, err := r.clientFor(a.Chain)
	if err != nil {
		return decimal.Zero, err
	}
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("无效的地址: %s", address)
	}
	var token *common.Address
	if !a.Native() {
		contract := a.ContractAddress()
		token = &contract
	}
	units, err := client.Balance(ctx, common.HexToAddress(address), token)
	if err != nil {
		return decimal.Zero, err
	}
	return a.FromBaseUnits(units), nil
}

// Submit 实现 swap.LedgerGateway。交易签名后先写入 journal 再广播，
// 同一幂等键重复调用返回首次记录的引用。
func (r *Registry) Submit(ctx context.Context, req swap.TransferRequest) (string, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return "", errors.New("幂等键不能为空")
	}
	if ref, ok, err := r.journal.Lookup(ctx, req.IdempotencyKey); err != nil {
		return "", fmt.Errorf("查询转账日志失败: %w", err)
	} else if ok {
		return ref, nil
	}

	chain := r.chainName(req.Asset.Chain)
	client, err := r.clientFor(chain)
	if err != nil {
		return "", err
	}
	from, ok := client.Address()
	if !ok {
		return "", web3.ErrReadOnly
	}
	if req.From != "" && !strings.EqualFold(req.From, from.Hex()) {
		return "", fmt.Errorf("转出地址 %s 不是托管账户 %s", req.From, from.Hex())
	}
	if !common.IsHexAddress(req.To) {
		return "", fmt.Errorf("无效的收款地址: %s", req.To)
	}

	transfer := web3.Transfer{
		To:     common.HexToAddress(req.To),
		Amount: req.Asset.ToBaseUnits(req.Amount),
	}
	if !req.Asset.Native() {
		contract := req.Asset.ContractAddress()
		transfer.Token = &contract
	}

	var existing string
	hash, err := client.Transfer(ctx, transfer, func(h common.Hash) error {
		got, fresh, err := r.journal.Reserve(ctx, req.IdempotencyKey, FormatRef(chain, h))
		if err != nil {
			return fmt.Errorf("写入转账日志失败: %w", err)
		}
		if !fresh {
			existing = got
			return errAlreadyReserved
		}
		return nil
	})
	if errors.Is(err, errAlreadyReserved) {
		return existing, nil
	}
	if err != nil {
		return "", err
	}
	return FormatRef(chain, hash), nil
}

// Confirm 实现 swap.LedgerGateway，阻塞直到回执出现或 ctx 结束。
func (r *Registry) Confirm(ctx context.Context, ref string) (swap.Confirmation, error) {
	chain, hash, err := ParseRef(ref)
	if err != nil {
		return swap.Confirmation{}, err
	}
	client, err := r.clientFor(chain)
	if err != nil {
		return swap.Confirmation{}, err
	}
	receipt, err := client.WaitReceipt(ctx, hash)
	if err != nil {
		return swap.Confirmation{}, err
	}
	if !receipt.Success {
		return swap.Confirmation{
			Success:     false,
			BlockNumber: receipt.BlockNumber,
			Detail:      fmt.Sprintf("交易 %s 执行失败 (reverted)", hash.Hex()),
		}, nil
	}
	return swap.Confirmation{Success: true, BlockNumber: receipt.BlockNumber}, nil
}

// Lookup 实现 swap.LedgerGateway。
func (r *Registry) Lookup(ctx context.Context, idempotencyKey string) (string, bool, error) {
	return r.journal.Lookup(ctx, idempotencyKey)
}

func (r *Registry) chainName(chain string) string {
	if strings.TrimSpace(chain) == "" {
		return r.defaultChain
	}
	return chain
}

func (r *Registry) clientFor(chain string) (web3.Client, error) {
	name := r.chainName(chain)
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("未配置链 %s", name)
	}
	return client, nil
}

// FormatRef 生成 "<chain>:<txhash>" 形式的账本引用。
func FormatRef(chain string, hash common.Hash) string {
	return chain + ":" + hash.Hex()
}

// ParseRef 解析 FormatRef 生成的引用。
func ParseRef(ref string) (string, common.Hash, error) {
	idx := strings.LastIndex(ref, ":")
	if idx <= 0 || idx == len(ref)-1 {
		return "", common.Hash{}, fmt.Errorf("无效的账本引用: %s", ref)
	}
	raw := ref[idx+1:]
	if len(strings.TrimPrefix(raw, "0x")) != 2*common.HashLength {
		return "", common.Hash{}, fmt.Errorf("无效的交易哈希: %s", raw)
	}
	return ref[:idx], common.HexToHash(raw), nil
}
