package simulation

import (
	"math"
	"math/rand"
	"time"

	"github.com/stockshield/risk-engine/internal/session"
)

// Trade is one synthetic tape print. Volume is in shares; Informed
// marks flow that knows the upcoming drift and Edge is how much of the
// notional that knowledge is worth.
type Trade struct {
	Volume   float64
	IsBuy    bool
	Informed bool
	Edge     float64
}

// Step is one simulated minute: the regime, the reference price after
// this minute's move, the reopen gap applied at its start (zero on a
// normal minute) and the prints that hit the tape.
type Step struct {
	Time   time.Time
	Regime session.RegimeInfo
	Price  float64
	Gap    float64
	Trades []Trade
}

// burst is an informed-flow episode: one-sided prints plus a price
// drift in the same direction for its remaining minutes.
type burst struct {
	remaining int
	buy       bool
	drift     float64
}

// generator produces a deterministic minute-by-minute market: a
// regime-dependent random walk with informed bursts during open hours
// and price jumps when the venue reopens after a closed period.
type generator struct {
	rng           *rand.Rand
	classifier    *session.Classifier
	informedAlpha float64

	price      float64
	prevRegime session.Regime
	seeded     bool
	longClose  bool // the current closed stretch includes a weekend or holiday
	burst      burst
}

// Per-minute log-volatility of the reference walk by regime. Closed
// regimes do not tick; their accumulated move arrives as a reopen gap.
func regimeSigma(r session.Regime) float64 {
	switch r {
	case session.RegimeCoreSession:
		return 0.0006
	case session.RegimeSoftOpen:
		return 0.0018
	case session.RegimePreMarket, session.RegimeAfterHours:
		return 0.0010
	case session.RegimeOvernight:
		return 0.0004
	default:
		return 0
	}
}

// Expected prints per minute by regime. Fractional values are arrival
// probabilities for thin sessions.
func regimeRate(r session.Regime) float64 {
	switch r {
	case session.RegimeCoreSession:
		return 3.0
	case session.RegimeSoftOpen:
		return 5.0
	case session.RegimePreMarket, session.RegimeAfterHours:
		return 1.0
	case session.RegimeOvernight:
		return 0.4
	default:
		return 0
	}
}

func newGenerator(seed int64, classifier *session.Classifier, initialPrice, informedAlpha float64) *generator {
	return &generator{
		rng:           rand.New(rand.NewSource(seed)),
		classifier:    classifier,
		informedAlpha: informedAlpha,
		price:         initialPrice,
	}
}

// step advances the market by one minute ending at ts.
func (g *generator) step(ts time.Time) Step {
	info := g.classifier.At(ts)
	regime := info.Regime

	out := Step{Time: ts, Regime: info}

	// A reopen after a closed stretch or the 09:30 soft open releases
	// the move the venue could not track. The pre-market reopen on a
	// Monday carries the whole weekend, not just the last overnight
	// hours, so the closed stretch is tracked as a whole.
	if g.seeded && session.TransitionCrossesGap(g.prevRegime, regime) {
		out.Gap = g.drawGap(g.longClose)
		g.price *= 1 + out.Gap
		g.longClose = false
	}
	g.prevRegime = regime
	g.seeded = true

	if regime.Closed() {
		if regime == session.RegimeWeekend || regime == session.RegimeHoliday {
			g.longClose = true
		}
		out.Price = g.price
		return out
	}

	g.maybeStartBurst(regime)

	// Informed drift plus regime noise
	drift := 0.0
	if g.burst.remaining > 0 {
		drift = g.burst.drift
		if !g.burst.buy {
			drift = -drift
		}
		g.burst.remaining--
	}
	g.price *= math.Exp(drift + regimeSigma(regime)*g.rng.NormFloat64())
	out.Price = g.price

	out.Trades = g.prints(regime)
	return out
}

// drawGap samples the fractional jump released at a reopen. Weekends
// and holidays accumulate more risk than a single overnight stretch.
func (g *generator) drawGap(longClose bool) float64 {
	sigma := 0.004
	if longClose {
		sigma = 0.012
		// Occasionally a weekend carries real news
		if g.rng.Float64() < 0.35 {
			sigma = 0.025
		}
	}
	return sigma * g.rng.NormFloat64()
}

// maybeStartBurst occasionally begins an informed episode during
// liquid sessions.
func (g *generator) maybeStartBurst(regime session.Regime) {
	if g.burst.remaining > 0 {
		return
	}
	if regime != session.RegimeCoreSession && regime != session.RegimeSoftOpen {
		return
	}
	if g.rng.Float64() >= 0.008 {
		return
	}
	g.burst = burst{
		remaining: 15 + g.rng.Intn(31),
		buy:       g.rng.Float64() < 0.5,
		drift:     0.0003 + 0.0005*g.rng.Float64(),
	}
}

// prints generates this minute's tape. Retail flow is two-sided noise;
// during a burst the informed side adds heavy one-way volume.
func (g *generator) prints(regime session.Regime) []Trade {
	rate := regimeRate(regime)

	n := int(rate)
	if frac := rate - float64(n); frac > 0 && g.rng.Float64() < frac {
		n++
	}

	trades := make([]Trade, 0, n+4)
	for i := 0; i < n; i++ {
		trades = append(trades, Trade{
			Volume: 20 + g.rng.Float64()*100,
			IsBuy:  g.rng.Float64() < 0.5,
		})
	}

	if g.burst.remaining > 0 {
		extra := 2 + g.rng.Intn(3)
		for i := 0; i < extra; i++ {
			trades = append(trades, Trade{
				Volume:   200 + g.rng.Float64()*500,
				IsBuy:    g.burst.buy,
				Informed: true,
				Edge:     g.informedAlpha * (0.5 + g.rng.Float64()),
			})
		}
	}

	return trades
}
