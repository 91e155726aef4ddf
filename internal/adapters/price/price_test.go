package price

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFinnhubSource_GetQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "AAPL" {
			http.Error(w, "unknown symbol", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"c":187.32,"h":188.10,"l":186.50,"o":187.00,"pc":186.90,"t":1755900000}`))
	}))
	defer srv.Close()

	src := NewFinnhubSource("test-key", srv.URL)

	quote, err := src.GetQuote(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}

	if quote.Source != "finnhub" {
		t.Errorf("source = %s", quote.Source)
	}
	if price, _ := quote.Price.Float64(); price != 187.32 {
		t.Errorf("price = %f, want 187.32", price)
	}
	if !quote.Timestamp.Equal(time.Unix(1755900000, 0)) {
		t.Errorf("timestamp = %s", quote.Timestamp)
	}
}

func TestFinnhubSource_UnknownSymbol(t *testing.T) {
	// Finnhub answers 200 with zeros for symbols it does not know.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"c":0,"h":0,"l":0,"o":0,"pc":0,"t":0}`))
	}))
	defer srv.Close()

	src := NewFinnhubSource("test-key", srv.URL)

	if _, err := src.GetQuote(context.Background(), "NOPE"); err == nil {
		t.Error("expected error for zeroed quote")
	}
}

func TestPolygonSource_GetQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"OK","results":{"p":187.29,"t":1755900000123456789}}`))
	}))
	defer srv.Close()

	src := NewPolygonSource("test-key", srv.URL)

	quote, err := src.GetQuote(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}

	if quote.Source != "polygon" {
		t.Errorf("source = %s", quote.Source)
	}
	if price, _ := quote.Price.Float64(); price != 187.29 {
		t.Errorf("price = %f, want 187.29", price)
	}
	if !quote.Timestamp.Equal(time.Unix(0, 1755900000123456789)) {
		t.Errorf("timestamp = %s", quote.Timestamp)
	}
}

func TestPolygonSource_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"NOT_AUTHORIZED","results":{"p":0,"t":0}}`))
	}))
	defer srv.Close()

	src := NewPolygonSource("bad-key", srv.URL)

	if _, err := src.GetQuote(context.Background(), "AAPL"); err == nil {
		t.Error("expected error for non-OK status")
	}
}

func TestSourceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := NewFinnhubSource("k", srv.URL).GetQuote(context.Background(), "AAPL"); err == nil {
		t.Error("finnhub: expected error on 429")
	}
	if _, err := NewPolygonSource("k", srv.URL).GetQuote(context.Background(), "AAPL"); err == nil {
		t.Error("polygon: expected error on 429")
	}
}
