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

const finnhubAPIURL = "https://finnhub.io/api/v1"

// FinnhubSource implements Source using the Finnhub quote API
type FinnhubSource struct {
	client  *http.Client
	apiKey  string
	baseURL string
}

// NewFinnhubSource creates new Finnhub price source
func NewFinnhubSource(apiKey, baseURL string) *FinnhubSource {
	if baseURL == "" {
		baseURL = finnhubAPIURL
	}
	return &FinnhubSource{
		client:  &http.Client{Timeout: 10 * time.Second},
		apiKey:  apiKey,
		baseURL: baseURL,
	}
}

func (f *FinnhubSource) GetName() string {
	return "finnhub"
}

// finnhubQuote is the /quote response shape. The t field is the quote
// time in unix seconds, which drives the staleness filter downstream.
type finnhubQuote struct {
	Current  float64 `json:"c"`
	High     float64 `json:"h"`
	Low      float64 `json:"l"`
	Open     float64 `json:"o"`
	PrevWeek float64 `json:"pc"`
	Time     int64   `json:"t"`
}

// GetQuote fetches the latest quote for a symbol
func (f *FinnhubSource) GetQuote(ctx context.Context, symbol string) (models.PriceQuote, error) {
	var quote models.PriceQuote

	endpoint := fmt.Sprintf("%s/quote?symbol=%s&token=%s", f.baseURL, url.QueryEscape(symbol), f.apiKey)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, http.NoBody)
	if err != nil {
		return quote, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return quote, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return quote, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var data finnhubQuote
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return quote, fmt.Errorf("failed to decode response: %w", err)
	}

	// Finnhub returns zeros for unknown symbols instead of an error
	if data.Current == 0 && data.Time == 0 {
		return quote, fmt.Errorf("no quote data for %s", symbol)
	}

	return models.PriceQuote{
		Source:    f.GetName(),
		Price:     models.NewDecimal(data.Current),
		Timestamp: time.Unix(data.Time, 0),
	}, nil
}
