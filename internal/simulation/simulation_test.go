package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stockshield/risk-engine/internal/session"
)

func testClassifier(t *testing.T) *session.Classifier {
	t.Helper()
	c, err := session.NewClassifier(session.Config{Timezone: "America/New_York"})
	if err != nil {
		t.Fatalf("failed to build classifier: %v", err)
	}
	return c
}

func assertAttribution(t *testing.T, label string, o Outcome) {
	t.Helper()
	want := o.FeesEarned + o.GapAuctionGains - o.ImpermanentLoss - o.AdverseSelectionLoss - o.GapLoss
	if math.Abs(o.NetPnL-want) > 1e-6 {
		t.Errorf("%s: net pnl %.6f does not decompose into its components, want %.6f", label, o.NetPnL, want)
	}
}

func TestRunWeekScenario(t *testing.T) {
	eng, err := NewEngine(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("simulation failed: %v", err)
	}

	if got, want := len(report.PriceData), 7*24*60; got != want {
		t.Errorf("price series has %d points, want %d", got, want)
	}
	if len(report.VPINData) == 0 {
		t.Fatal("no toxicity samples recorded")
	}
	if len(report.TradeData) == 0 {
		t.Fatal("no tape prints recorded")
	}

	assertAttribution(t, "without protection", report.WithoutProtection)
	assertAttribution(t, "with protection", report.WithProtection)

	if report.WithoutProtection.GapAuctionGains != 0 {
		t.Errorf("unprotected venue booked auction gains: %f", report.WithoutProtection.GapAuctionGains)
	}
	if report.WithProtection.GapAuctionGains < 0 {
		t.Errorf("negative auction gains: %f", report.WithProtection.GapAuctionGains)
	}

	// Both venues quote the same depth into the same reopens
	if report.WithProtection.GapLoss != report.WithoutProtection.GapLoss {
		t.Errorf("gap losses diverged: with %f, without %f",
			report.WithProtection.GapLoss, report.WithoutProtection.GapLoss)
	}
	if report.WithoutProtection.GapLoss <= 0 {
		t.Error("a week with five reopens booked no gap losses")
	}

	for i, p := range report.VPINData {
		if p.VPIN < 0 || p.VPIN > 1 {
			t.Fatalf("vpin sample %d out of range: %f", i, p.VPIN)
		}
	}

	var informed int
	for _, tr := range report.TradeData {
		if tr.IsInformed {
			informed++
		}
		if tr.Volume <= 0 {
			t.Fatalf("non-positive notional on tape: %f", tr.Volume)
		}
	}
	if informed == 0 {
		t.Error("a full week produced no informed flow")
	}

	// The adaptive venue prices risk the flat venue gives away
	if report.WithProtection.NetPnL <= report.WithoutProtection.NetPnL {
		t.Errorf("protection did not improve net pnl: with %.2f, without %.2f",
			report.WithProtection.NetPnL, report.WithoutProtection.NetPnL)
	}

	wantFee := report.WithProtection.FeesEarned - report.WithoutProtection.FeesEarned
	if math.Abs(report.Comparison.FeeImprovement-wantFee) > 1e-9 {
		t.Errorf("fee improvement %f, want %f", report.Comparison.FeeImprovement, wantFee)
	}
	wantAdv := report.WithoutProtection.AdverseSelectionLoss - report.WithProtection.AdverseSelectionLoss
	if math.Abs(report.Comparison.AdverseSelectionReduction-wantAdv) > 1e-9 {
		t.Errorf("adverse selection reduction %f, want %f", report.Comparison.AdverseSelectionReduction, wantAdv)
	}
	wantGap := (report.WithoutProtection.GapLoss - report.WithProtection.GapLoss) +
		report.WithProtection.GapAuctionGains
	if math.Abs(report.Comparison.GapProtectionValue-wantGap) > 1e-9 {
		t.Errorf("gap protection value %f, want %f", report.Comparison.GapProtectionValue, wantGap)
	}
}

func TestRunDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Days = 2

	run := func() []byte {
		eng, err := NewEngine(cfg)
		if err != nil {
			t.Fatalf("failed to build engine: %v", err)
		}
		report, err := eng.Run(context.Background())
		if err != nil {
			t.Fatalf("simulation failed: %v", err)
		}
		data, err := json.Marshal(report)
		if err != nil {
			t.Fatalf("failed to marshal report: %v", err)
		}
		return data
	}

	if !bytes.Equal(run(), run()) {
		t.Error("two runs with the same seed produced different reports")
	}
}

func TestRunCancellation(t *testing.T) {
	eng, err := NewEngine(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := eng.Run(ctx); err == nil {
		t.Error("expected an error from a cancelled run")
	}
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero days", func(c *Config) { c.Days = 0 }},
		{"negative price", func(c *Config) { c.InitialPrice = -1 }},
		{"zero balance", func(c *Config) { c.InitialLPBalance = 0 }},
		{"zero depth", func(c *Config) { c.GapDepthShares = 0 }},
		{"bad timezone", func(c *Config) { c.Session.Timezone = "Mars/Olympus" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if _, err := NewEngine(cfg); err == nil {
				t.Error("expected config rejection")
			}
		})
	}
}

func TestReopenAuctionSettlement(t *testing.T) {
	cfg := DefaultConfig()
	eng, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	loc := eng.classifier.Location()
	ts := time.Date(2025, 6, 9, 0, 0, 0, 0, loc)

	var without, with book
	const reopens = 8
	for i := 0; i < reopens; i++ {
		eng.handleGap(Step{Time: ts, Price: 190.0, Gap: 0.02}, ts, &without, &with)
		eng.settleDue(ts.Add(2*time.Minute), &with)
		ts = ts.Add(5 * time.Minute)
	}

	gapPerShare := 190.0 - 190.0/1.02
	wantLoss := reopens * gapPerShare * cfg.GapDepthShares
	if math.Abs(without.gapLoss-wantLoss) > 1e-6 {
		t.Errorf("gap loss %f, want %f", without.gapLoss, wantLoss)
	}
	if with.gapLoss != without.gapLoss {
		t.Errorf("gap losses diverged: with %f, without %f", with.gapLoss, without.gapLoss)
	}

	if with.auctionGains <= 0 {
		t.Fatalf("repeated reopen auctions recovered nothing, gains %f", with.auctionGains)
	}
	// LP share is capped by the share fraction of the largest bid
	maxGains := wantLoss * cfg.Auction.LPShareFraction
	if with.auctionGains >= maxGains {
		t.Errorf("auction gains %f exceed the recoverable share %f", with.auctionGains, maxGains)
	}
	if without.auctionGains != 0 {
		t.Errorf("unprotected book booked auction gains: %f", without.auctionGains)
	}
}

func TestGeneratorWeekendGap(t *testing.T) {
	classifier := testClassifier(t)
	gen := newGenerator(7, classifier, 100, 0.004)
	loc := classifier.Location()

	ts := time.Date(2025, 6, 7, 12, 0, 0, 0, loc)
	reopen := time.Date(2025, 6, 9, 0, 0, 0, 0, loc)

	for ; ts.Before(reopen); ts = ts.Add(time.Minute) {
		st := gen.step(ts)
		if st.Gap != 0 {
			t.Fatalf("gap released while closed at %s", ts)
		}
		if len(st.Trades) != 0 {
			t.Fatalf("prints while closed at %s", ts)
		}
		if st.Price != 100 {
			t.Fatalf("price moved while closed at %s: %f", ts, st.Price)
		}
	}

	st := gen.step(reopen)
	if st.Gap == 0 {
		t.Fatal("expected a reopen gap when the weekend ends")
	}
	if want := 100 * (1 + st.Gap); math.Abs(st.Price-want) > 1e-9 {
		t.Errorf("reopen price %f, want %f", st.Price, want)
	}
}

func TestGeneratorSoftOpenGap(t *testing.T) {
	classifier := testClassifier(t)
	gen := newGenerator(3, classifier, 100, 0.004)
	loc := classifier.Location()

	start := time.Date(2025, 6, 10, 9, 20, 0, 0, loc)
	open := time.Date(2025, 6, 10, 9, 30, 0, 0, loc)

	var sawOpen bool
	for ts := start; !ts.After(start.Add(20 * time.Minute)); ts = ts.Add(time.Minute) {
		st := gen.step(ts)
		if ts.Equal(open) {
			sawOpen = true
			if st.Gap == 0 {
				t.Error("expected a halt-release gap at the 09:30 open")
			}
		} else if st.Gap != 0 {
			t.Errorf("unexpected gap at %s", ts)
		}
	}
	if !sawOpen {
		t.Fatal("loop never reached the soft open")
	}
}

func TestGeneratorInformedEdgeBounds(t *testing.T) {
	classifier := testClassifier(t)
	const alpha = 0.004
	gen := newGenerator(11, classifier, 100, alpha)
	loc := classifier.Location()

	// Ten weekdays of core hours is far more than one burst needs
	var informed int
	for day := 0; day < 14; day++ {
		date := time.Date(2025, 6, 9, 0, 0, 0, 0, loc).AddDate(0, 0, day)
		for ts := date.Add(9*time.Hour + 31*time.Minute); ts.Before(date.Add(16 * time.Hour)); ts = ts.Add(time.Minute) {
			for _, tr := range gen.step(ts).Trades {
				if !tr.Informed {
					if tr.Edge != 0 {
						t.Fatalf("retail print carries edge %f", tr.Edge)
					}
					continue
				}
				informed++
				if tr.Edge < 0.5*alpha || tr.Edge > 1.5*alpha {
					t.Fatalf("informed edge %f outside [%f, %f]", tr.Edge, 0.5*alpha, 1.5*alpha)
				}
				if tr.Volume < 200 {
					t.Fatalf("informed print too small: %f shares", tr.Volume)
				}
			}
		}
	}
	if informed == 0 {
		t.Error("two weeks of core sessions produced no informed flow")
	}
}

func TestImpermanentLoss(t *testing.T) {
	if got := impermanentLoss(100, 100, 1_000_000); got != 0 {
		t.Errorf("flat price should carry no impermanent loss, got %f", got)
	}

	// r = 1.21: 1 - 2*1.1/2.21 of the balance
	want := (1 - 2.2/2.21) * 1_000_000
	if got := impermanentLoss(100, 121, 1_000_000); math.Abs(got-want) > 1e-6 {
		t.Errorf("impermanent loss %f, want %f", got, want)
	}

	if got := impermanentLoss(100, 90, 1_000_000); got <= 0 {
		t.Errorf("divergence loss should be positive either direction, got %f", got)
	}

	if got := impermanentLoss(0, 100, 1_000_000); got != 0 {
		t.Errorf("degenerate input should be ignored, got %f", got)
	}
}

func TestReportWriteJSON(t *testing.T) {
	report := &Report{
		Config: ReportConfig{SimulationDays: 1, InitialLPBalance: 1000},
		Asset:  "AAPL",
		PriceData: []PricePoint{
			{Timestamp: 1700000000000, Price: 187.5, Regime: "CORE_SESSION"},
		},
	}

	path := t.TempDir() + "/out/simulation_data.json"
	if err := report.WriteJSON(path); err != nil {
		t.Fatalf("failed to write report: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read report back: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("report is not valid json: %v", err)
	}
	for _, key := range []string{"config", "priceData", "vpinData", "tradeData", "withoutProtection", "withProtection", "comparison"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("report json missing %q", key)
		}
	}
}
