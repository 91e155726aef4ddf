package auction

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/pkg/logger"
	"github.com/stockshield/risk-engine/pkg/models"
)

// Coordinator owns all auction sessions. It is event-driven: the regime
// watcher calls MaybeOpen on gap-prone transitions, bidders call
// Commit/Reveal, and a periodic sweep calls SettleDue. Sessions for
// different assets proceed fully concurrently; within one session the
// session's own lock serializes mutations.
type Coordinator struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session // by session id
	active   map[string]string   // asset -> unsettled session id
}

// NewCoordinator validates policy and returns an empty coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		active:   make(map[string]string),
	}, nil
}

// MaybeOpen starts a session when the venue's quoted price has gapped
// away from consensus beyond the configured threshold. Returns nil when
// the gap is too small or the asset already has a live auction.
func (c *Coordinator) MaybeOpen(asset string, venuePrice, consensusPrice decimal.Decimal, now time.Time) *Session {
	if !venuePrice.IsPositive() || !consensusPrice.IsPositive() {
		return nil
	}
	gap := consensusPrice.Sub(venuePrice).Abs()
	gapFraction := models.ToFloat64(gap.Div(venuePrice))
	if gapFraction < c.cfg.MinGapFraction {
		logger.Debug("gap below auction threshold",
			zap.String("asset", asset),
			zap.Float64("gap_fraction", gapFraction),
		)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.active[asset]; ok {
		if s := c.sessions[id]; s != nil {
			if _, settled := s.TrySettle(now); !settled {
				logger.Warn("gap auction already live for asset, not opening another",
					zap.String("asset", asset),
					zap.String("session_id", id),
				)
				return nil
			}
		}
		delete(c.active, asset)
		delete(c.sessions, id)
	}

	s := newSession(uuid.NewString(), asset, gap, venuePrice, consensusPrice, now, c.cfg)
	c.sessions[s.id] = s
	c.active[asset] = s.id

	logger.Info("⚡ gap auction opened",
		zap.String("asset", asset),
		zap.String("session_id", s.id),
		zap.String("venue_price", venuePrice.String()),
		zap.String("consensus_price", consensusPrice.String()),
		zap.String("gap", gap.String()),
		zap.Float64("gap_fraction", gapFraction),
		zap.Time("commit_deadline", s.commitDeadline),
		zap.Time("reveal_deadline", s.revealDeadline),
	)
	return s
}

// Commit forwards a commitment to the named session.
func (c *Coordinator) Commit(sessionID, bidder, commitment string, now time.Time) error {
	s, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := s.Commit(bidder, commitment, now); err != nil {
		return err
	}
	logger.Debug("auction commitment accepted",
		zap.String("session_id", sessionID),
		zap.String("bidder", bidder),
	)
	return nil
}

// Reveal forwards a (bid, salt) reveal to the named session.
func (c *Coordinator) Reveal(sessionID, bidder string, bid decimal.Decimal, salt string, now time.Time) error {
	s, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := s.Reveal(bidder, bid, salt, now); err != nil {
		return err
	}
	logger.Info("auction bid revealed",
		zap.String("session_id", sessionID),
		zap.String("bidder", bidder),
		zap.String("bid", bid.String()),
	)
	return nil
}

// SettleDue sweeps every live session against now and returns outcomes
// that settled in this pass. The sweep only drives evaluation; deadline
// semantics live entirely in the sessions. Settled sessions are evicted
// from the coordinator; their durable record is the settlement row.
func (c *Coordinator) SettleDue(now time.Time) []models.AuctionOutcome {
	c.mu.Lock()
	live := make([]*Session, 0, len(c.active))
	for _, id := range c.active {
		if s, ok := c.sessions[id]; ok {
			live = append(live, s)
		}
	}
	c.mu.Unlock()

	var settled []models.AuctionOutcome
	for _, s := range live {
		out, done := s.TrySettle(now)
		if !done {
			continue
		}
		settled = append(settled, out)

		c.mu.Lock()
		if c.active[s.asset] == s.id {
			delete(c.active, s.asset)
		}
		delete(c.sessions, s.id)
		c.mu.Unlock()

		if out.Winner == "" {
			logger.Warn("🛑 gap auction settled with no valid reveals",
				zap.String("asset", out.Asset),
				zap.String("session_id", out.SessionID),
				zap.String("gap_loss", out.GapLoss.String()),
			)
		} else {
			logger.Info("✅ gap auction settled",
				zap.String("asset", out.Asset),
				zap.String("session_id", out.SessionID),
				zap.String("winner", out.Winner),
				zap.String("winning_bid", out.WinningBid.String()),
				zap.String("lp_share", out.LPShare.String()),
				zap.String("gap_loss", out.GapLoss.String()),
			)
		}
	}
	return settled
}

// Session returns a live session by id for bidder queries.
func (c *Coordinator) Session(sessionID string) (*Session, error) {
	return c.lookup(sessionID)
}

// ActiveSession returns the live session for an asset, if any.
func (c *Coordinator) ActiveSession(asset string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.active[asset]
	if !ok {
		return nil, false
	}
	s, ok := c.sessions[id]
	return s, ok
}

// Snapshots reports every live session as of now.
func (c *Coordinator) Snapshots(now time.Time) []Snapshot {
	c.mu.RLock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.SnapshotAt(now))
	}
	return out
}

func (c *Coordinator) lookup(sessionID string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}
