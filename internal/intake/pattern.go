package intake

import (
	"context"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"OpenSwap-Chain/internal/swap"
)

var (
	walletPattern = regexp.MustCompile(`0x[0-9a-fA-F]{40}`)
	// "sending 1 USDC for 1 EURC"、"send 0.5 ETH to receive 1500 USDC"
	swapPattern = regexp.MustCompile(`(?i)\bsend(?:ing)?\s+([0-9]+(?:\.[0-9]+)?)\s+([a-z][a-z0-9]*)\s+(?:for|to\s+receive|in\s+exchange\s+for|and\s+want)\s+([0-9]+(?:\.[0-9]+)?)\s+([a-z][a-z0-9]*)`)
)

// PatternParser 使用正则识别固定句式，不依赖外部服务。
type PatternParser struct{}

var _ swap.OrderParser = PatternParser{}

// NewPatternParser 创建 PatternParser。
func NewPatternParser() PatternParser {
	return PatternParser{}
}

// Parse 实现 swap.OrderParser。
func (PatternParser) Parse(_ context.Context, ownerID, text string) (swap.Order, error) {
	fields, err := Extract(text)
	if err != nil {
		return swap.Order{}, err
	}
	return fields.Order(ownerID)
}

// Extract 从文本中抽取订单字段。
func Extract(text string) (Fields, error) {
	text = strings.TrimSpace(text)
	wallet := walletPattern.FindString(text)
	if wallet == "" {
		return Fields{}, unparsable("wallet", "未识别到钱包地址")
	}
	m := swapPattern.FindStringSubmatch(text)
	if m == nil {
		return Fields{}, unparsable("text", "无法识别兑换句式，示例: 0x... I am sending 1 USDC for 1 EURC")
	}
	sendAmount, err := decimal.NewFromString(m[1])
	if err != nil {
		return Fields{}, unparsable("sendingAmount", "发送金额无效")
	}
	receiveAmount, err := decimal.NewFromString(m[3])
	if err != nil {
		return Fields{}, unparsable("requestedAmount", "请求金额无效")
	}
	return Fields{
		Wallet:          wallet,
		SendingToken:    m[2],
		SendingAmount:   sendAmount,
		RequestedToken:  m[4],
		RequestedAmount: receiveAmount,
	}, nil
}
