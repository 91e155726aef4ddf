// Package session classifies wall-clock time into trading regimes for a
// venue tracking a traditional market. Classification is a pure function
// of a timestamp plus the holiday calendar; there are no internal timers.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Regime is a named trading-session classification.
type Regime int

const (
	RegimePreMarket Regime = iota
	RegimeSoftOpen
	RegimeCoreSession
	RegimeAfterHours
	RegimeOvernight
	RegimeWeekend
	RegimeHoliday
)

func (r Regime) String() string {
	switch r {
	case RegimePreMarket:
		return "PRE_MARKET"
	case RegimeSoftOpen:
		return "SOFT_OPEN"
	case RegimeCoreSession:
		return "CORE_SESSION"
	case RegimeAfterHours:
		return "AFTER_HOURS"
	case RegimeOvernight:
		return "OVERNIGHT"
	case RegimeWeekend:
		return "WEEKEND"
	case RegimeHoliday:
		return "HOLIDAY"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes regimes by name.
func (r Regime) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// Closed reports whether the reference market cannot trade at all in
// this regime. Transitions out of a closed regime are gap-prone.
func (r Regime) Closed() bool {
	return r == RegimeWeekend || r == RegimeHoliday
}

// TransitionCrossesGap reports whether moving from prev to next crosses
// a period in which the venue could not track the reference market:
// the overnight-into-open boundary, or any exit from weekend/holiday.
func TransitionCrossesGap(prev, next Regime) bool {
	if prev.Closed() && !next.Closed() {
		return true
	}
	return prev == RegimePreMarket && next == RegimeSoftOpen
}

// Params are the static fee parameters a regime carries. Fees are
// fractional rates of notional.
type Params struct {
	Multiplier float64 `json:"multiplier"`
	BaseFee    float64 `json:"base_fee"`
	MaxFee     float64 `json:"max_fee"`
	RiskLevel  string  `json:"risk_level"`
}

// RegimeInfo is the classification result with its fee parameters.
type RegimeInfo struct {
	Regime     Regime    `json:"regime"`
	Multiplier float64   `json:"multiplier"`
	BaseFee    float64   `json:"base_fee"`
	MaxFee     float64   `json:"max_fee"`
	RiskLevel  string    `json:"risk_level"`
	LocalTime  time.Time `json:"local_time"`
}

// Transition describes the next regime change after a given instant.
type Transition struct {
	Next Regime        `json:"next"`
	At   time.Time     `json:"at"`
	In   time.Duration `json:"in"`
}

// Intraday schedule in market-local minutes. Intervals are half-open:
// inclusive start, exclusive end, so no instant classifies twice.
const (
	preMarketStart = 4 * 60            // 04:00
	softOpenStart  = 9*60 + 30         // 09:30
	coreStart      = 9*60 + 35         // 09:35
	afterStart     = 16 * 60           // 16:00
	overnightStart = 20 * 60           // 20:00
	dayEnd         = 24 * 60
)

type window struct {
	regime Regime
	start  int // minute of day, inclusive
	end    int // exclusive
}

// Ordered interval table covering the full day; overnight wraps midnight
// so it appears as two rows.
var weekdayWindows = []window{
	{RegimeOvernight, 0, preMarketStart},
	{RegimePreMarket, preMarketStart, softOpenStart},
	{RegimeSoftOpen, softOpenStart, coreStart},
	{RegimeCoreSession, coreStart, afterStart},
	{RegimeAfterHours, afterStart, overnightStart},
	{RegimeOvernight, overnightStart, dayEnd},
}

// Candidate transition instants within a day, used by NextTransition's
// forward scan.
var boundaryMinutes = []int{0, preMarketStart, softOpenStart, coreStart, afterStart, overnightStart}

// DefaultParams returns the per-regime fee schedule. Core session always
// carries the minimum multiplier; risk rises with distance from it.
func DefaultParams() map[Regime]Params {
	return map[Regime]Params{
		RegimeCoreSession: {Multiplier: 1.0, BaseFee: 0.0030, MaxFee: 0.010, RiskLevel: "low"},
		RegimeSoftOpen:    {Multiplier: 2.0, BaseFee: 0.0050, MaxFee: 0.030, RiskLevel: "high"},
		RegimePreMarket:   {Multiplier: 1.5, BaseFee: 0.0040, MaxFee: 0.020, RiskLevel: "medium"},
		RegimeAfterHours:  {Multiplier: 1.5, BaseFee: 0.0040, MaxFee: 0.020, RiskLevel: "medium"},
		RegimeOvernight:   {Multiplier: 2.5, BaseFee: 0.0060, MaxFee: 0.040, RiskLevel: "high"},
		RegimeWeekend:     {Multiplier: 3.0, BaseFee: 0.0080, MaxFee: 0.050, RiskLevel: "extreme"},
		RegimeHoliday:     {Multiplier: 3.0, BaseFee: 0.0080, MaxFee: 0.050, RiskLevel: "extreme"},
	}
}

// Config for the classifier. Params may be left nil to use DefaultParams.
type Config struct {
	Timezone string `envconfig:"TIMEZONE" default:"America/New_York"`
	Params   map[Regime]Params
}

// Classifier owns the calendar: the static weekly schedule plus the
// mutable holiday set. Classification calls are safe from any number of
// concurrent readers; AddHoliday is the only mutation.
type Classifier struct {
	mu       sync.RWMutex
	loc      *time.Location
	params   map[Regime]Params
	holidays map[string]struct{} // market-local dates, "2006-01-02"
}

// NewClassifier builds a classifier for the configured market timezone.
func NewClassifier(cfg Config) (*Classifier, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("session: load timezone %q: %w", cfg.Timezone, err)
	}
	params := cfg.Params
	if params == nil {
		params = DefaultParams()
	}
	for r := RegimePreMarket; r <= RegimeHoliday; r++ {
		p, ok := params[r]
		if !ok {
			return nil, fmt.Errorf("session: missing params for regime %s", r)
		}
		if p.BaseFee < 0 || p.MaxFee < p.BaseFee || p.Multiplier <= 0 {
			return nil, fmt.Errorf("session: invalid params for regime %s: %+v", r, p)
		}
	}
	return &Classifier{
		loc:      loc,
		params:   params,
		holidays: make(map[string]struct{}),
	}, nil
}

// Current classifies the present instant.
func (c *Classifier) Current() RegimeInfo {
	return c.At(time.Now())
}

// At classifies an arbitrary instant. Classification is total: every
// timestamp maps to exactly one regime.
func (c *Classifier) At(ts time.Time) RegimeInfo {
	local := ts.In(c.loc)
	regime := c.regimeAt(local)
	p := c.params[regime]
	return RegimeInfo{
		Regime:     regime,
		Multiplier: p.Multiplier,
		BaseFee:    p.BaseFee,
		MaxFee:     p.MaxFee,
		RiskLevel:  p.RiskLevel,
		LocalTime:  local,
	}
}

func (c *Classifier) regimeAt(local time.Time) Regime {
	c.mu.RLock()
	_, holiday := c.holidays[local.Format("2006-01-02")]
	c.mu.RUnlock()
	if holiday {
		return RegimeHoliday
	}

	wd := local.Weekday()
	mins := local.Hour()*60 + local.Minute()

	switch {
	case wd == time.Saturday || wd == time.Sunday:
		return RegimeWeekend
	case wd == time.Friday && mins >= overnightStart:
		// Friday night rolls straight into the weekend
		return RegimeWeekend
	case wd == time.Monday && mins < preMarketStart:
		return RegimeWeekend
	}

	for _, w := range weekdayWindows {
		if mins >= w.start && mins < w.end {
			return w.regime
		}
	}
	return RegimeOvernight // unreachable: windows cover the full day
}

// NextTransition walks forward through the interval table (wrapping
// weekends and holidays) to the first instant classified differently
// from ts. The scan is bounded by the finite holiday set: past the last
// configured holiday every weekday morning opens.
func (c *Classifier) NextTransition(ts time.Time) Transition {
	cur := c.regimeAt(ts.In(c.loc))
	local := ts.In(c.loc)

	for day := 0; day < 400; day++ {
		d := local.AddDate(0, 0, day)
		for _, m := range boundaryMinutes {
			bt := time.Date(d.Year(), d.Month(), d.Day(), m/60, m%60, 0, 0, c.loc)
			if !bt.After(local) {
				continue
			}
			if r := c.regimeAt(bt); r != cur {
				return Transition{Next: r, At: bt, In: bt.Sub(ts)}
			}
		}
	}
	// Calendar declares over a year of uninterrupted closure; report no
	// upcoming change rather than guessing.
	return Transition{Next: cur, At: local, In: 0}
}

// dateKey reads the calendar date from ts's own components. Holiday
// inputs are dates, not instants: a DATE scanned from Postgres arrives
// as UTC midnight, and converting that instant into market time would
// shift it onto the previous day.
func dateKey(ts time.Time) string {
	return ts.Format("2006-01-02")
}

// IsHoliday reports whether the calendar date of ts is in the holiday set.
func (c *Classifier) IsHoliday(ts time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.holidays[dateKey(ts)]
	return ok
}

// AddHoliday inserts the calendar date of ts into the holiday set.
// Idempotent: re-adding a known date changes nothing and reports false.
func (c *Classifier) AddHoliday(ts time.Time) bool {
	key := dateKey(ts)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.holidays[key]; ok {
		return false
	}
	c.holidays[key] = struct{}{}
	return true
}

// Holidays returns the configured holiday dates, unordered.
func (c *Classifier) Holidays() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.holidays))
	for d := range c.holidays {
		out = append(out, d)
	}
	return out
}

// Location exposes the market timezone for callers formatting local times.
func (c *Classifier) Location() *time.Location {
	return c.loc
}
