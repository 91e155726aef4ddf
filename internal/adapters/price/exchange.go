package price

import (
	"context"
	"fmt"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/pkg/logger"
	"github.com/stockshield/risk-engine/pkg/models"
)

// ExchangeSource implements Source over a CCXT exchange ticker. For
// dual-listed assets this gives consensus a venue-independent read of
// the same instrument trading elsewhere.
type ExchangeSource struct {
	exchange *ccxt.Binance
	name     string
}

// NewExchangeSource creates a CCXT-backed price source. Public ticker
// data only, so no API credentials are needed.
func NewExchangeSource(name string) (*ExchangeSource, error) {
	exchange := ccxt.NewBinance(map[string]interface{}{
		"enableRateLimit": true,
	})

	if err := exchange.LoadMarkets(); err != nil {
		return nil, fmt.Errorf("failed to load %s markets: %w", name, err)
	}

	logger.Info("exchange price source initialized",
		zap.String("exchange", name),
		zap.Int("markets_count", len(exchange.Markets)),
	)

	return &ExchangeSource{
		exchange: exchange,
		name:     name,
	}, nil
}

func (e *ExchangeSource) GetName() string {
	return e.name
}

// GetQuote fetches the latest ticker for a symbol
func (e *ExchangeSource) GetQuote(ctx context.Context, symbol string) (models.PriceQuote, error) {
	var quote models.PriceQuote

	ticker, err := e.exchange.FetchTicker(symbol)
	if err != nil {
		return quote, fmt.Errorf("failed to fetch ticker: %w", err)
	}

	if ticker.Last == nil {
		return quote, fmt.Errorf("ticker for %s has no last price", symbol)
	}

	ts := time.Now()
	if ticker.Timestamp != nil {
		ts = time.UnixMilli(*ticker.Timestamp)
	}

	return models.PriceQuote{
		Source:    e.name,
		Price:     models.NewDecimal(*ticker.Last),
		Timestamp: ts,
	}, nil
}
