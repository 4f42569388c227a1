package domain

import "time"

type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// MasterTrade is the canonical record of a trade on a master account.
// (AccountID, PlatformTradeID) is unique.
type MasterTrade struct {
	ID              string
	AccountID       string
	PlatformTradeID string
	Symbol          string
	TradeType       TradeType
	LotSize         float64
	OpenPrice       float64
	ClosePrice      *float64
	StopLoss        *float64
	TakeProfit      *float64
	Status          TradeStatus
	OpenedAt        time.Time
	ClosedAt        *time.Time
}
