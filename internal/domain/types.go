// Package domain defines the core types shared across the vnadvisor
// platform: price bars, score rows, positions, and the trade ledger.
package domain

import (
	"strings"
	"time"
)

// LotSize is the minimum tradable share unit on the Vietnamese market.
// Shares always trade in multiples of 100.
const LotSize = 100

// Market identifies a trading venue.
type Market string

// Supported markets.
const (
	MarketVN Market = "vn"
)

// TradeAction is the direction of a fill in the trade ledger.
type TradeAction string

// Trade actions.
const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// Exit reasons recorded on SELL trades.
const (
	ReasonStopLoss    = "STOP_LOSS"
	ReasonTakeProfit  = "TAKE_PROFIT"
	ReasonEndOfPeriod = "END_OF_PERIOD"
)

// Recommendation labels produced by the scoring layer. The engine only
// cares whether a label indicates a buy; see ScoreRow.IsBuy.
const (
	RecStrongBuy = "MUA MẠNH"
	RecBuy       = "MUA THĂM DÒ"
	RecWatch     = "THEO DÕI"
	RecSell      = "BÁN / CƠ CẤU"
)

// Bar is one symbol's OHLCV data for a single trading day.
type Bar struct {
	Symbol string
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// ScoreRow is an immutable snapshot of one symbol's scoring result,
// produced externally by the analysis layer.
type ScoreRow struct {
	Symbol         string
	TotalScore     float64
	FundScore      float64
	TechScore      float64
	Price          float64
	Recommendation string
}

// IsBuy reports whether the recommendation indicates a buy. Both buy
// labels contain "MUA", so a substring check covers the full set.
func (r ScoreRow) IsBuy() bool {
	return strings.Contains(r.Recommendation, "MUA")
}

// Reweighted returns a copy with TotalScore recomputed from the fund and
// technical components under the given weights.
func (r ScoreRow) Reweighted(fundWeight, techWeight float64) ScoreRow {
	out := r
	out.TotalScore = r.FundScore*fundWeight + r.TechScore*techWeight
	return out
}

// Position is an open holding tracked by the backtest engine. At most one
// position per symbol may be open at a time.
type Position struct {
	Symbol     string
	Shares     int64
	EntryPrice float64
	EntryDate  time.Time
	Score      float64
}

// Trade is one fill in the append-only trade ledger. BUY trades carry
// Cost and a zero PnL; SELL trades carry Proceeds, realized PnL, and the
// percentage return on the closed lot.
type Trade struct {
	Date      time.Time
	Symbol    string
	Action    TradeAction
	Price     float64
	Shares    int64
	Cost      float64
	Proceeds  float64
	PnL       float64
	Reason    string
	ReturnPct float64
}
