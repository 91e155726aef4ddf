// Package telegram delivers operator alerts for circuit breaker
// transitions, gap auctions and feed health to a single ops chat.
package telegram

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/adapters/config"
	"github.com/stockshield/risk-engine/internal/risk"
	"github.com/stockshield/risk-engine/pkg/logger"
	"github.com/stockshield/risk-engine/pkg/models"
	"github.com/stockshield/risk-engine/pkg/templates"
)

// requiredTemplates must all be present in the templates directory
var requiredTemplates = []string{
	"breaker_escalated.tmpl",
	"breaker_recovered.tmpl",
	"auction_opened.tmpl",
	"auction_settled.tmpl",
	"feed_stalled.tmpl",
	"feed_recovered.tmpl",
}

// Notifier sends risk alerts to the configured operator chat
type Notifier struct {
	api      *tgbotapi.BotAPI
	cfg      *config.TelegramConfig
	renderer templates.Renderer
}

// NewNotifier creates a Telegram notifier with validated templates
func NewNotifier(cfg *config.TelegramConfig) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot.Debug = false

	renderer, err := templates.NewManagerWithValidation(cfg.TemplatesDir, requiredTemplates)
	if err != nil {
		return nil, err
	}

	logger.Info("telegram notifier initialized",
		zap.String("bot_username", bot.Self.UserName),
		zap.Int64("chat_id", cfg.ChatID),
	)

	return &Notifier{
		api:      bot,
		cfg:      cfg,
		renderer: renderer,
	}, nil
}

// SendBreakerAlert notifies about a circuit breaker level change
func (n *Notifier) SendBreakerAlert(status risk.CircuitBreakerStatus, previousLevel int) error {
	if !n.cfg.AlertOnBreaker {
		return nil
	}

	name := "breaker_escalated.tmpl"
	emoji := "⚠️"
	if status.Level == 0 {
		name = "breaker_recovered.tmpl"
		emoji = "✅"
	} else if status.Level >= 4 {
		emoji = "🛑"
	}

	data := map[string]interface{}{
		"Emoji":         emoji,
		"Asset":         status.Asset,
		"Level":         status.Level,
		"PreviousLevel": previousLevel,
		"Flags":         status.Flags,
		"Actions":       status.Actions,
		"Paused":        status.Level >= 4,
		"Time":          time.Now().Format("15:04:05"),
	}

	msg, err := n.renderer.ExecuteTemplate(name, data)
	if err != nil {
		return err
	}

	return n.sendMessageMarkdown(msg)
}

// SendAuctionOpened notifies that a gap auction has started
func (n *Notifier) SendAuctionOpened(sessionID, asset string, gapSize, floorPrice float64) error {
	if !n.cfg.AlertOnAuctions {
		return nil
	}

	data := map[string]interface{}{
		"SessionID":  sessionID,
		"Asset":      asset,
		"GapSize":    gapSize,
		"FloorPrice": floorPrice,
		"Time":       time.Now().Format("15:04:05"),
	}

	msg, err := n.renderer.ExecuteTemplate("auction_opened.tmpl", data)
	if err != nil {
		return err
	}

	return n.sendMessageMarkdown(msg)
}

// SendAuctionSettled notifies about the outcome of a gap auction
func (n *Notifier) SendAuctionSettled(outcome models.AuctionOutcome) error {
	if !n.cfg.AlertOnAuctions {
		return nil
	}

	emoji := "❌"
	if outcome.Reveals > 0 {
		emoji = "✅"
	}

	data := map[string]interface{}{
		"Emoji":      emoji,
		"SessionID":  outcome.SessionID,
		"Asset":      outcome.Asset,
		"Winner":     outcome.Winner,
		"HasWinner":  outcome.Winner != "",
		"WinningBid": outcome.WinningBid.InexactFloat64(),
		"LPShare":    outcome.LPShare.InexactFloat64(),
		"GapLoss":    outcome.GapLoss.InexactFloat64(),
		"Reveals":    outcome.Reveals,
	}

	msg, err := n.renderer.ExecuteTemplate("auction_settled.tmpl", data)
	if err != nil {
		return err
	}

	return n.sendMessageMarkdown(msg)
}

// SendFeedStalled notifies that the venue trade feed went quiet
func (n *Notifier) SendFeedStalled(symbol string, silentFor time.Duration) error {
	if !n.cfg.AlertOnFeed {
		return nil
	}

	data := map[string]interface{}{
		"Symbol":    symbol,
		"SilentFor": silentFor.Round(time.Second).String(),
		"Time":      time.Now().Format("15:04:05"),
	}

	msg, err := n.renderer.ExecuteTemplate("feed_stalled.tmpl", data)
	if err != nil {
		return err
	}

	return n.sendMessageMarkdown(msg)
}

// SendFeedRecovered notifies that the venue trade feed resumed
func (n *Notifier) SendFeedRecovered(symbol string) error {
	if !n.cfg.AlertOnFeed {
		return nil
	}

	data := map[string]interface{}{
		"Symbol": symbol,
		"Time":   time.Now().Format("15:04:05"),
	}

	msg, err := n.renderer.ExecuteTemplate("feed_recovered.tmpl", data)
	if err != nil {
		return err
	}

	return n.sendMessageMarkdown(msg)
}

func (n *Notifier) sendMessageMarkdown(text string) error {
	msg := tgbotapi.NewMessage(n.cfg.ChatID, text)
	msg.ParseMode = "Markdown"

	_, err := n.api.Send(msg)
	if err != nil {
		logger.Error("failed to send telegram message",
			zap.Int64("chat_id", n.cfg.ChatID),
			zap.Error(err),
		)
		return err
	}

	return nil
}
