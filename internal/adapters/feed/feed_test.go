package feed

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stockshield/risk-engine/internal/adapters/config"
	"github.com/stockshield/risk-engine/pkg/models"
)

func newTestFeed(buffer int) *TradeFeed {
	return NewTradeFeed(&config.FeedConfig{
		URL:            "wss://example.invalid",
		APIKey:         "test",
		PingInterval:   30 * time.Second,
		ReadTimeout:    90 * time.Second,
		ReconnectDelay: time.Second,
		BufferSize:     buffer,
	}, []string{"AAPL"})
}

func TestTickRule(t *testing.T) {
	tf := newTestFeed(16)

	cases := []struct {
		price float64
		want  models.TradeSide
	}{
		{187.00, models.SideBuy},  // first print defaults to buy
		{187.10, models.SideBuy},  // uptick
		{187.05, models.SideSell}, // downtick
		{187.05, models.SideSell}, // zero tick inherits
		{187.20, models.SideBuy},  // uptick again
	}

	for i, tc := range cases {
		if got := tf.classify("AAPL", tc.price); got != tc.want {
			t.Errorf("print %d at %.2f: side = %s, want %s", i, tc.price, got, tc.want)
		}
	}
}

func TestTickRulePerSymbol(t *testing.T) {
	tf := newTestFeed(16)

	tf.classify("AAPL", 187.00)
	tf.classify("AAPL", 186.50)

	// A fresh symbol must not inherit AAPL's downtick.
	if got := tf.classify("MSFT", 430.00); got != models.SideBuy {
		t.Errorf("first MSFT print: side = %s, want buy", got)
	}
	if got := tf.classify("AAPL", 186.40); got != models.SideSell {
		t.Errorf("AAPL downtick: side = %s, want sell", got)
	}
}

func TestHandleTradeMessage(t *testing.T) {
	tf := newTestFeed(16)

	data := json.RawMessage(`[
		{"s":"AAPL","p":187.30,"v":100,"t":1755900000000},
		{"s":"AAPL","p":187.25,"v":50,"t":1755900000100},
		{"s":"AAPL","p":0,"v":10,"t":1755900000200},
		{"s":"AAPL","p":187.20,"v":0,"t":1755900000300}
	]`)
	tf.handleTradeMessage(data)

	if got := len(tf.tradeChan); got != 2 {
		t.Fatalf("emitted %d events, want 2 (zeroed prints skipped)", got)
	}

	first := <-tf.tradeChan
	if first.Symbol != "AAPL" {
		t.Errorf("symbol = %s", first.Symbol)
	}
	if price, _ := first.Price.Float64(); price != 187.30 {
		t.Errorf("price = %f, want 187.30", price)
	}
	if first.Volume != 100 {
		t.Errorf("volume = %f, want 100", first.Volume)
	}
	if first.Side != models.SideBuy {
		t.Errorf("first print side = %s, want buy", first.Side)
	}
	if !first.Timestamp.Equal(time.UnixMilli(1755900000000)) {
		t.Errorf("timestamp = %s", first.Timestamp)
	}

	second := <-tf.tradeChan
	if second.Side != models.SideSell {
		t.Errorf("downtick side = %s, want sell", second.Side)
	}
}

func TestHandleTradeMessageBackpressure(t *testing.T) {
	tf := newTestFeed(1)

	data := json.RawMessage(`[
		{"s":"AAPL","p":187.30,"v":100,"t":1755900000000},
		{"s":"AAPL","p":187.35,"v":200,"t":1755900000100}
	]`)
	tf.handleTradeMessage(data)

	// Second print is dropped, not queued behind a stalled consumer.
	if got := len(tf.tradeChan); got != 1 {
		t.Fatalf("queued %d events, want 1", got)
	}
	ev := <-tf.tradeChan
	if ev.Volume != 100 {
		t.Errorf("kept volume = %f, want the first print", ev.Volume)
	}
}

func TestHandleTradeMessageMalformed(t *testing.T) {
	tf := newTestFeed(16)

	tf.handleTradeMessage(json.RawMessage(`{"not":"an array"}`))

	if got := len(tf.tradeChan); got != 0 {
		t.Errorf("emitted %d events from malformed frame, want 0", got)
	}
}

func TestReportErrorNeverBlocks(t *testing.T) {
	tf := newTestFeed(16)

	// Nobody drains the error channel; overflow must be dropped, not
	// queued behind a stalled consumer.
	for i := 0; i < cap(tf.errorChan)+5; i++ {
		tf.reportError(fmt.Errorf("read error %d", i))
	}

	if got := len(tf.errorChan); got != cap(tf.errorChan) {
		t.Fatalf("queued %d errors, want channel capacity %d", got, cap(tf.errorChan))
	}
	if err := <-tf.errorChan; err.Error() != "read error 0" {
		t.Errorf("first queued error = %q, want the oldest kept", err)
	}
}
