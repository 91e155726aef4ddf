package price

import (
	"context"

	"github.com/stockshield/risk-engine/pkg/models"
)

// Source is one independent price feed for the reference asset. A source
// either returns a quote or fails; deciding whether a returned quote is
// usable (stale, non-positive) is the consensus layer's job.
type Source interface {
	// GetQuote returns the source's current quote for a symbol
	GetQuote(ctx context.Context, symbol string) (models.PriceQuote, error)

	// GetName returns the source identifier used in labels and logs
	GetName() string
}
