package metrics

import "time"

// ToxicitySample is one toxicity reading for an asset
type ToxicitySample struct {
	Timestamp       time.Time
	Asset           string
	Score           float64
	Severity        string
	FinishedBuckets int
	BucketVolume    float64
}

func (m *ToxicitySample) TableName() string {
	return "toxicity_samples"
}

func (m *ToxicitySample) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.Asset,
		m.Score,
		m.Severity,
		m.FinishedBuckets,
		m.BucketVolume,
	}
}

// ConsensusSample is one aggregated oracle reading for an asset
type ConsensusSample struct {
	Timestamp  time.Time
	Asset      string
	Price      float64
	Confidence float64
	Source     string
	Survivors  int
}

func (m *ConsensusSample) TableName() string {
	return "consensus_samples"
}

func (m *ConsensusSample) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.Asset,
		m.Price,
		m.Confidence,
		m.Source,
		m.Survivors,
	}
}

// FeeQuote is one synthesized fee decision with the readings behind it
type FeeQuote struct {
	Timestamp    time.Time
	Asset        string
	Regime       string
	FeeRate      float64
	Toxicity     float64
	Volatility   float64
	Imbalance    float64
	BreakerLevel int
}

func (m *FeeQuote) TableName() string {
	return "fee_quotes"
}

func (m *FeeQuote) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.Asset,
		m.Regime,
		m.FeeRate,
		m.Toxicity,
		m.Volatility,
		m.Imbalance,
		m.BreakerLevel,
	}
}
