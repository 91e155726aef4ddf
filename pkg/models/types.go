package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NewDecimal creates decimal from float64
func NewDecimal(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

// TradeSide represents buy or sell
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TradeEvent is a single trade from the venue feed. Consumed exactly once
// by the per-asset ingest loop.
type TradeEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    float64         `json:"volume"`
	Side      TradeSide       `json:"side"`
}

// Bar is one fixed-interval OHLCV aggregate built from trade events.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    float64         `json:"volume"`
	Trades    int             `json:"trades"`
}

// PriceQuote is one source's answer for one query cycle.
type PriceQuote struct {
	Source    string          `json:"source"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Age returns how stale the quote is relative to now.
func (q PriceQuote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// ConsensusPrice is the aggregated multi-source price. Recomputed per
// request, never carried between requests.
type ConsensusPrice struct {
	Price      decimal.Decimal `json:"price"`
	Confidence float64         `json:"confidence"`
	Source     string          `json:"source"`
	Timestamp  time.Time       `json:"timestamp"`
	Survivors  int             `json:"survivors"`
}

// AuctionPhase is the gap auction lifecycle stage. Strictly linear:
// COMMIT -> REVEAL -> SETTLED.
type AuctionPhase string

const (
	PhaseCommit  AuctionPhase = "COMMIT"
	PhaseReveal  AuctionPhase = "REVEAL"
	PhaseSettled AuctionPhase = "SETTLED"
)

// AuctionOutcome is the settlement result handed to LP accounting.
type AuctionOutcome struct {
	SessionID  string          `json:"session_id"`
	Asset      string          `json:"asset"`
	Winner     string          `json:"winner,omitempty"`
	WinningBid decimal.Decimal `json:"winning_bid"`
	LPShare    decimal.Decimal `json:"lp_share"`
	GapLoss    decimal.Decimal `json:"gap_loss"`
	Reveals    int             `json:"reveals"`
	SettledAt  time.Time       `json:"settled_at"`
}

// RiskSnapshot is the on-demand state handed to settlement logic and
// dashboards: regime, fee, breaker plus the readings behind them.
type RiskSnapshot struct {
	Timestamp           time.Time       `json:"timestamp"`
	Asset               string          `json:"asset"`
	Regime              string          `json:"regime"`
	Fee                 decimal.Decimal `json:"fee"`
	FeeRate             float64         `json:"fee_rate"`
	BreakerLevel        int             `json:"breaker_level"`
	BreakerFlags        []string        `json:"breaker_flags,omitempty"`
	Toxicity            float64         `json:"toxicity"`
	ToxicitySeverity    string          `json:"toxicity_severity"`
	Volatility          float64         `json:"volatility"`
	InventoryImbalance  float64         `json:"inventory_imbalance"`
	ConsensusPrice      decimal.Decimal `json:"consensus_price"`
	ConsensusConfidence float64         `json:"consensus_confidence"`
	ConsensusSource     string          `json:"consensus_source"`
}
