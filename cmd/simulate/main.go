package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/stockshield/risk-engine/internal/adapters/clickhouse"
	"github.com/stockshield/risk-engine/internal/adapters/database"
	"github.com/stockshield/risk-engine/internal/simulation"
	"github.com/stockshield/risk-engine/pkg/logger"
)

func main() {
	// Parse flags
	var (
		asset    = flag.String("asset", "AAPL", "Asset symbol")
		days     = flag.Int("days", 7, "Simulated days")
		seed     = flag.Int64("seed", 42, "Scenario seed")
		balance  = flag.Float64("balance", 10_000_000, "Initial LP balance")
		price    = flag.Float64("price", 187.0, "Initial reference price")
		fromDate = flag.String("from", "", "Start date (YYYY-MM-DD), empty picks a Friday")
		output   = flag.String("output", "simulation_results/simulation_data.json", "Report path")

		replayFrom = flag.String("replay-from", "", "Replay archived prints from this time (RFC 3339) instead of generating a tape")
		replayTo   = flag.String("replay-to", "", "Replay window end (RFC 3339)")
		chDSN      = flag.String("clickhouse-dsn", "", "ClickHouse DSN holding the trade archive")
	)

	flag.Parse()

	// Initialize logger
	if err := logger.Init("info", ""); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// Build scenario
	cfg := simulation.DefaultConfig()
	cfg.Asset = *asset
	cfg.Days = *days
	cfg.Seed = *seed
	cfg.InitialLPBalance = *balance
	cfg.InitialPrice = *price

	if *fromDate != "" {
		startDate, err := time.Parse("2006-01-02", *fromDate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid start date: %v\n", err)
			os.Exit(1)
		}
		cfg.StartDate = startDate
	}

	engine, err := simulation.NewEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create simulation: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	var report *simulation.Report
	if *replayFrom != "" || *replayTo != "" {
		report, err = runReplay(ctx, engine, cfg.Asset, *replayFrom, *replayTo, *chDSN)
	} else {
		// Run simulation
		fmt.Printf("\n🔬 Simulating %d days of %s...\n", cfg.Days, cfg.Asset)
		fmt.Printf("Seed: %d\n", cfg.Seed)
		fmt.Printf("Initial LP Balance: $%.2f\n\n", cfg.InitialLPBalance)
		report, err = engine.Run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Simulation failed: %v\n", err)
		os.Exit(1)
	}

	// Print results
	report.Print()

	if err := report.WriteJSON(*output); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n📊 Report written to %s\n", *output)

	// Show recommendation
	improvement := report.WithProtection.NetPnL - report.WithoutProtection.NetPnL
	fmt.Println("\nRECOMMENDATION:")
	if improvement > 0 && report.WithProtection.NetPnL > 0 {
		fmt.Println("✅ GOOD - Protection makes this venue LP-profitable")
	} else if improvement <= 0 {
		fmt.Println("❌ POOR - Protection adds nothing, check gap and toxicity settings")
	} else {
		fmt.Println("⚠️  MEDIOCRE - Protection helps but fees still do not cover flow toxicity")
	}

	fmt.Println("\n💡 TIP: Rerun with different seeds before trusting a parameter change")
}

// runReplay prices an archived stretch of tape instead of a generated
// one. Both window bounds and a ClickHouse DSN are required.
func runReplay(ctx context.Context, engine *simulation.Engine, asset, fromArg, toArg, dsn string) (*simulation.Report, error) {
	if fromArg == "" || toArg == "" {
		return nil, fmt.Errorf("replay needs both -replay-from and -replay-to")
	}
	if dsn == "" {
		return nil, fmt.Errorf("replay needs -clickhouse-dsn")
	}

	from, err := time.Parse(time.RFC3339, fromArg)
	if err != nil {
		return nil, fmt.Errorf("invalid -replay-from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, toArg)
	if err != nil {
		return nil, fmt.Errorf("invalid -replay-to: %w", err)
	}

	chDB, err := database.NewClickHouse(dsn)
	if err != nil {
		return nil, err
	}
	defer chDB.Close()

	fmt.Printf("\n🔬 Replaying archived %s prints from %s to %s...\n", asset, from, to)

	return engine.RunArchive(ctx, clickhouse.NewRepository(chDB.DB()), from, to)
}
