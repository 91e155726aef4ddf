package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stockshield/risk-engine/pkg/models"
)

const polygonAPIURL = "https://api.polygon.io"

// PolygonSource implements Source using the Polygon last-trade API
type PolygonSource struct {
	client  *http.Client
	apiKey  string
	baseURL string
}

// NewPolygonSource creates new Polygon price source
func NewPolygonSource(apiKey, baseURL string) *PolygonSource {
	if baseURL == "" {
		baseURL = polygonAPIURL
	}
	return &PolygonSource{
		client:  &http.Client{Timeout: 10 * time.Second},
		apiKey:  apiKey,
		baseURL: baseURL,
	}
}

func (p *PolygonSource) GetName() string {
	return "polygon"
}

// polygonLastTrade is the /v2/last/trade response shape. Trade time
// arrives as unix nanoseconds.
type polygonLastTrade struct {
	Status  string `json:"status"`
	Results struct {
		Price float64 `json:"p"`
		Time  int64   `json:"t"`
	} `json:"results"`
}

// GetQuote fetches the last trade for a symbol
func (p *PolygonSource) GetQuote(ctx context.Context, symbol string) (models.PriceQuote, error) {
	var quote models.PriceQuote

	endpoint := fmt.Sprintf("%s/v2/last/trade/%s?apiKey=%s", p.baseURL, url.PathEscape(symbol), p.apiKey)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, http.NoBody)
	if err != nil {
		return quote, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return quote, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return quote, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var data polygonLastTrade
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return quote, fmt.Errorf("failed to decode response: %w", err)
	}

	if data.Status != "OK" || data.Results.Price == 0 {
		return quote, fmt.Errorf("no trade data for %s (status %s)", symbol, data.Status)
	}

	return models.PriceQuote{
		Source:    p.GetName(),
		Price:     models.NewDecimal(data.Results.Price),
		Timestamp: time.Unix(0, data.Results.Time),
	}, nil
}
