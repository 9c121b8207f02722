// Package asset describes the assets the custodian can hold: which chain each
// symbol lives on, its token contract (empty for the chain's native coin) and
// its native decimal precision.
package asset

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Asset 描述单个可托管资产。
type Asset struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Chain    string `yaml:"chain" json:"chain"`
	Contract string `yaml:"contract" json:"contract,omitempty"`
	Decimals int32  `yaml:"decimals" json:"decimals"`
}

// Native 表示资产是否为链的原生币。
func (a Asset) Native() bool {
	return strings.TrimSpace(a.Contract) == ""
}

// ContractAddress 返回 ERC-20 合约地址。
func (a Asset) ContractAddress() common.Address {
	return common.HexToAddress(a.Contract)
}

// Representable 判断金额是否能在资产精度内精确表示。
func (a Asset) Representable(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(a.Decimals))
}

// ToBaseUnits 将十进制金额换算为链上最小单位。超出精度的部分会被截断，
// 调用方应先通过 Representable 校验。
func (a Asset) ToBaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Truncate(a.Decimals).Shift(a.Decimals).BigInt()
}

// FromBaseUnits 将链上最小单位换算为十进制金额。
func (a Asset) FromBaseUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -a.Decimals)
}

// Registry 按符号索引资产，符号大小写不敏感。
type Registry struct {
	assets map[string]Asset
}

// File 对应 assets.yaml 的结构。
type File struct {
	Assets []Asset `yaml:"assets"`
}

// NewRegistry 校验并构造资产注册表。
func NewRegistry(assets ...Asset) (*Registry, error) {
	r := &Registry{assets: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
		a.Chain = strings.TrimSpace(a.Chain)
		if a.Symbol == "" {
			return nil, fmt.Errorf("资产符号不能为空")
		}
		if a.Decimals < 0 || a.Decimals > 36 {
			return nil, fmt.Errorf("资产 %s 的精度 %d 非法", a.Symbol, a.Decimals)
		}
		if !a.Native() && !common.IsHexAddress(a.Contract) {
			return nil, fmt.Errorf("资产 %s 的合约地址 %q 非法", a.Symbol, a.Contract)
		}
		if _, dup := r.assets[a.Symbol]; dup {
			return nil, fmt.Errorf("资产 %s 重复定义", a.Symbol)
		}
		r.assets[a.Symbol] = a
	}
	return r, nil
}

// Load 从 YAML 文件读取资产定义；路径为空时返回默认测试网资产。
func Load(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return NewRegistry(Defaults()...)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取资产配置失败: %w", err)
	}
	var file File
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析资产配置失败: %w", err)
	}
	return NewRegistry(file.Assets...)
}

// Defaults 返回 Sepolia 上的 ETH/USDC/EURC。
func Defaults() []Asset {
	return []Asset{
		{Symbol: "ETH", Chain: "sepolia", Decimals: 18},
		{Symbol: "USDC", Chain: "sepolia", Contract: "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238", Decimals: 6},
		{Symbol: "EURC", Chain: "sepolia", Contract: "0x08210f9170f89ab7658f0b5e3ff39b0e03c594d4", Decimals: 6},
	}
}

// Lookup 按符号查找资产。
func (r *Registry) Lookup(symbol string) (Asset, bool) {
	if r == nil {
		return Asset{}, false
	}
	a, ok := r.assets[strings.ToUpper(strings.TrimSpace(symbol))]
	return a, ok
}

// Symbols 返回排序后的资产符号列表。
func (r *Registry) Symbols() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.assets))
	for s := range r.assets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
