// Package feed maintains the venue trade stream over WebSocket and fans
// incoming prints out on a buffered channel. The stream carries no
// aggressor side, so each print is classified with a per-symbol tick
// rule before it is emitted.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/adapters/config"
	"github.com/stockshield/risk-engine/pkg/logger"
	"github.com/stockshield/risk-engine/pkg/models"
)

// TradeFeed handles the WebSocket connection to the venue trade stream
type TradeFeed struct {
	conn      *websocket.Conn
	cfg       *config.FeedConfig
	symbols   []string
	tradeChan chan models.TradeEvent
	errorChan chan error
	mu        sync.Mutex
	ticks     map[string]*tickState
	pingOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// streamMessage is the envelope of every frame on the stream
type streamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Msg  string          `json:"msg"`
}

// streamTrade is one print inside a trade frame
type streamTrade struct {
	Symbol string  `json:"s"`
	Price  float64 `json:"p"`
	Volume float64 `json:"v"`
	Ts     int64   `json:"t"` // unix ms
}

// tickState carries the per-symbol tick rule: an uptick marks the trade
// buy-initiated, a downtick sell-initiated, a zero tick inherits the
// previous side.
type tickState struct {
	lastPrice float64
	lastSide  models.TradeSide
}

// NewTradeFeed creates a feed for the given symbols
func NewTradeFeed(cfg *config.FeedConfig, symbols []string) *TradeFeed {
	ctx, cancel := context.WithCancel(context.Background())

	return &TradeFeed{
		cfg:       cfg,
		symbols:   symbols,
		tradeChan: make(chan models.TradeEvent, cfg.BufferSize),
		errorChan: make(chan error, 10),
		ticks:     make(map[string]*tickState),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect establishes the WebSocket connection and subscribes
func (tf *TradeFeed) Connect() error {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	url := fmt.Sprintf("%s?token=%s", tf.cfg.URL, tf.cfg.APIKey)
	conn, _, err := websocket.DefaultDialer.DialContext(tf.ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to trade feed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(tf.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(tf.cfg.ReadTimeout))
	})

	tf.conn = conn

	if err := tf.subscribe(conn); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	// Start reading messages
	go tf.readMessages(conn)

	// Start ping handler once; it follows the current connection
	tf.pingOnce.Do(func() {
		go tf.pingHandler()
	})

	logger.Info("trade feed connected",
		zap.String("url", tf.cfg.URL),
		zap.Strings("symbols", tf.symbols),
	)

	return nil
}

// subscribe sends one subscription message per symbol
func (tf *TradeFeed) subscribe(conn *websocket.Conn) error {
	for _, symbol := range tf.symbols {
		msg := map[string]string{
			"type":   "subscribe",
			"symbol": symbol,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", symbol, err)
		}
	}

	logger.Info("subscribed to trade stream",
		zap.Strings("symbols", tf.symbols),
	)

	return nil
}

// readMessages reads frames from the WebSocket until the connection
// drops, then reconnects unless the feed has been closed
func (tf *TradeFeed) readMessages(conn *websocket.Conn) {
	defer func() {
		tf.mu.Lock()
		conn.Close()
		tf.mu.Unlock()

		// Attempt reconnect
		if tf.ctx.Err() == nil {
			logger.Info("attempting to reconnect trade feed...")
			time.Sleep(tf.cfg.ReconnectDelay)
			if err := tf.Connect(); err != nil {
				logger.Error("failed to reconnect trade feed", zap.Error(err))
			}
		}
	}()

	for {
		select {
		case <-tf.ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.Error("trade feed read error", zap.Error(err))
			tf.reportError(err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(tf.cfg.ReadTimeout))

		var msg streamMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("failed to parse trade feed message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "trade":
			tf.handleTradeMessage(msg.Data)
		case "ping":
			// Server keepalive, nothing to do
		case "error":
			logger.Warn("trade feed error message", zap.String("msg", msg.Msg))
		}
	}
}

// handleTradeMessage parses a batch of prints and emits them as trade
// events, dropping on backpressure rather than stalling the read loop
func (tf *TradeFeed) handleTradeMessage(data json.RawMessage) {
	var prints []streamTrade
	if err := json.Unmarshal(data, &prints); err != nil {
		logger.Warn("failed to parse trade data", zap.Error(err))
		return
	}

	for _, p := range prints {
		if p.Price <= 0 || p.Volume <= 0 {
			continue
		}

		event := models.TradeEvent{
			Timestamp: time.UnixMilli(p.Ts),
			Symbol:    p.Symbol,
			Price:     models.NewDecimal(p.Price),
			Volume:    p.Volume,
			Side:      tf.classify(p.Symbol, p.Price),
		}

		select {
		case tf.tradeChan <- event:
		default:
			logger.Warn("trade channel full, dropping trade",
				zap.String("symbol", p.Symbol),
			)
		}
	}
}

// reportError publishes a connection error with the same backpressure
// policy as prints: when nobody drains the channel the error is dropped
// instead of stalling the read loop.
func (tf *TradeFeed) reportError(err error) {
	select {
	case tf.errorChan <- err:
	default:
		logger.Warn("error channel full, dropping feed error", zap.Error(err))
	}
}

// classify applies the tick rule. Only the read loop calls this, so the
// per-symbol state needs no locking.
func (tf *TradeFeed) classify(symbol string, price float64) models.TradeSide {
	state, ok := tf.ticks[symbol]
	if !ok {
		state = &tickState{lastSide: models.SideBuy}
		tf.ticks[symbol] = state
	}

	switch {
	case state.lastPrice > 0 && price > state.lastPrice:
		state.lastSide = models.SideBuy
	case state.lastPrice > 0 && price < state.lastPrice:
		state.lastSide = models.SideSell
	}
	state.lastPrice = price

	return state.lastSide
}

// pingHandler sends periodic ping frames on the current connection
func (tf *TradeFeed) pingHandler() {
	ticker := time.NewTicker(tf.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tf.ctx.Done():
			return
		case <-ticker.C:
			tf.mu.Lock()
			if tf.conn != nil {
				if err := tf.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					logger.Error("failed to send ping", zap.Error(err))
				}
			}
			tf.mu.Unlock()
		}
	}
}

// Trades returns the channel of classified trade events
func (tf *TradeFeed) Trades() <-chan models.TradeEvent {
	return tf.tradeChan
}

// Errors returns the channel of connection errors
func (tf *TradeFeed) Errors() <-chan error {
	return tf.errorChan
}

// Connected reports whether a connection is currently held
func (tf *TradeFeed) Connected() bool {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return tf.conn != nil
}

// Close shuts the feed down
func (tf *TradeFeed) Close() error {
	tf.cancel()

	tf.mu.Lock()
	defer tf.mu.Unlock()

	if tf.conn != nil {
		err := tf.conn.Close()
		tf.conn = nil
		return err
	}

	return nil
}
