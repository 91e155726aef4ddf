package simulation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stockshield/risk-engine/pkg/models"
)

type stubArchive struct {
	events []models.TradeEvent
	err    error
}

func (a *stubArchive) GetTradeEvents(ctx context.Context, symbol string, from, to time.Time) ([]models.TradeEvent, error) {
	if a.err != nil {
		return nil, a.err
	}
	var out []models.TradeEvent
	for _, ev := range a.events {
		if ev.Symbol == symbol && !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func archivePrint(ts time.Time, price, volume float64, side models.TradeSide) models.TradeEvent {
	return models.TradeEvent{
		Timestamp: ts,
		Symbol:    "AAPL",
		Price:     models.NewDecimal(price),
		Volume:    volume,
		Side:      side,
	}
}

func TestRunArchiveWeekendGap(t *testing.T) {
	cfg := DefaultConfig()
	eng, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	loc := eng.classifier.Location()

	// A Friday afternoon at 187, silence over the weekend, then the
	// Sunday-night reopen prints at 192.
	var events []models.TradeEvent
	friday := time.Date(2025, 6, 6, 15, 0, 30, 0, loc)
	for i := 0; i < 10; i++ {
		side := models.SideBuy
		if i%2 == 1 {
			side = models.SideSell
		}
		events = append(events, archivePrint(friday.Add(time.Duration(i)*time.Minute), 187.0, 100, side))
	}
	monday := time.Date(2025, 6, 9, 0, 5, 30, 0, loc)
	for i := 0; i < 5; i++ {
		side := models.SideSell
		if i%2 == 1 {
			side = models.SideBuy
		}
		events = append(events, archivePrint(monday.Add(time.Duration(i)*time.Minute), 192.0, 500, side))
	}

	from := time.Date(2025, 6, 6, 15, 0, 0, 0, loc)
	to := time.Date(2025, 6, 9, 0, 10, 0, 0, loc)

	report, err := eng.RunArchive(context.Background(), &stubArchive{events: events}, from, to)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if got, want := len(report.PriceData), 3430; got != want {
		t.Errorf("price series has %d points, want %d", got, want)
	}
	if got, want := len(report.TradeData), 15; got != want {
		t.Errorf("tape recorded %d prints, want %d", got, want)
	}
	if got, want := len(report.VPINData), 550; got != want {
		t.Errorf("toxicity sampled %d open minutes, want %d", got, want)
	}
	if report.Config.SimulationDays != 2 {
		t.Errorf("report covers %d days, want 2", report.Config.SimulationDays)
	}

	// 10 prints of 100 shares at 187 plus 5 of 500 at 192, all filled
	// on the flat fee
	wantFees := (10*100*187.0 + 5*500*192.0) * cfg.StaticFeeRate
	if math.Abs(report.WithoutProtection.FeesEarned-wantFees) > 1e-6 {
		t.Errorf("flat venue fees %f, want %f", report.WithoutProtection.FeesEarned, wantFees)
	}
	if report.WithProtection.FeesEarned <= 0 {
		t.Error("adaptive venue earned no fees")
	}

	// An unlabeled tape cannot book adverse selection on either venue
	if report.WithoutProtection.AdverseSelectionLoss != 0 || report.WithProtection.AdverseSelectionLoss != 0 {
		t.Errorf("adverse selection on an unlabeled tape: without %f, with %f",
			report.WithoutProtection.AdverseSelectionLoss, report.WithProtection.AdverseSelectionLoss)
	}

	// The 187 -> 192 weekend jump picks off the resting depth of both
	// venues equally
	wantGapLoss := 5.0 * cfg.GapDepthShares
	if math.Abs(report.WithoutProtection.GapLoss-wantGapLoss) > 1e-6 {
		t.Errorf("gap loss %f, want %f", report.WithoutProtection.GapLoss, wantGapLoss)
	}
	if report.WithProtection.GapLoss != report.WithoutProtection.GapLoss {
		t.Errorf("gap losses diverged: with %f, without %f",
			report.WithProtection.GapLoss, report.WithoutProtection.GapLoss)
	}
	if report.WithoutProtection.GapAuctionGains != 0 {
		t.Errorf("unprotected venue booked auction gains: %f", report.WithoutProtection.GapAuctionGains)
	}
	if g := report.WithProtection.GapAuctionGains; g < 0 || g >= wantGapLoss {
		t.Errorf("auction gains %f outside [0, %f)", g, wantGapLoss)
	}

	assertAttribution(t, "without protection", report.WithoutProtection)
	assertAttribution(t, "with protection", report.WithProtection)

	var weekend int
	for _, p := range report.PriceData {
		if p.Regime == "WEEKEND" {
			weekend++
			if p.Price != 187.0 {
				t.Fatalf("price moved over the weekend: %f", p.Price)
			}
		}
	}
	if weekend != 2*24*60 {
		t.Errorf("weekend covers %d minutes, want %d", weekend, 2*24*60)
	}
	if last := report.PriceData[len(report.PriceData)-1]; last.Price != 192.0 {
		t.Errorf("series ends at %f, want the reopen price", last.Price)
	}

	wantIL := impermanentLoss(187.0, 192.0, cfg.InitialLPBalance)
	if math.Abs(report.WithProtection.ImpermanentLoss-wantIL) > 1e-6 {
		t.Errorf("impermanent loss %f, want %f", report.WithProtection.ImpermanentLoss, wantIL)
	}
}

func TestRunArchiveSmallJumpSkipsAuction(t *testing.T) {
	cfg := DefaultConfig()
	eng, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	loc := eng.classifier.Location()

	events := []models.TradeEvent{
		archivePrint(time.Date(2025, 6, 6, 15, 30, 30, 0, loc), 187.0, 100, models.SideBuy),
		archivePrint(time.Date(2025, 6, 9, 0, 0, 30, 0, loc), 187.2, 100, models.SideSell),
	}
	from := time.Date(2025, 6, 6, 15, 30, 0, 0, loc)
	to := time.Date(2025, 6, 9, 0, 5, 0, 0, loc)

	report, err := eng.RunArchive(context.Background(), &stubArchive{events: events}, from, to)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	// A 0.1% reopen jump stays under the auction trigger but the
	// pick-off still lands on both venues
	wantLoss := 0.2 * cfg.GapDepthShares
	if math.Abs(report.WithoutProtection.GapLoss-wantLoss) > 1e-6 {
		t.Errorf("gap loss %f, want %f", report.WithoutProtection.GapLoss, wantLoss)
	}
	if report.WithProtection.GapLoss != report.WithoutProtection.GapLoss {
		t.Errorf("gap losses diverged: with %f, without %f",
			report.WithProtection.GapLoss, report.WithoutProtection.GapLoss)
	}
	if report.WithProtection.GapAuctionGains != 0 {
		t.Errorf("sub-threshold jump opened an auction, gains %f", report.WithProtection.GapAuctionGains)
	}
}

func TestRunArchiveRejectsBadInput(t *testing.T) {
	eng, err := NewEngine(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	loc := eng.classifier.Location()
	from := time.Date(2025, 6, 6, 15, 0, 0, 0, loc)
	to := from.Add(time.Hour)

	if _, err := eng.RunArchive(context.Background(), nil, from, to); err == nil {
		t.Error("expected rejection of a nil archive")
	}
	if _, err := eng.RunArchive(context.Background(), &stubArchive{}, from, from); err == nil {
		t.Error("expected rejection of an empty window")
	}
	if _, err := eng.RunArchive(context.Background(), &stubArchive{}, from, to); err == nil {
		t.Error("expected an error when the window holds no prints")
	}

	srcErr := errors.New("clickhouse offline")
	if _, err := eng.RunArchive(context.Background(), &stubArchive{err: srcErr}, from, to); !errors.Is(err, srcErr) {
		t.Errorf("archive error not surfaced, got %v", err)
	}
}

func TestRunArchiveCancellation(t *testing.T) {
	eng, err := NewEngine(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	loc := eng.classifier.Location()

	from := time.Date(2025, 6, 6, 15, 0, 0, 0, loc)
	events := []models.TradeEvent{archivePrint(from.Add(30*time.Second), 187.0, 100, models.SideBuy)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := eng.RunArchive(ctx, &stubArchive{events: events}, from, from.Add(time.Hour)); err == nil {
		t.Error("expected an error from a cancelled replay")
	}
}
