// Package auction runs commit-reveal gap auctions: when the venue
// reopens after a period it could not track the reference market, the
// accumulated price gap is sold to the highest committed bidder instead
// of being picked off by the fastest arbitrageur.
package auction

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockshield/risk-engine/pkg/models"
)

var (
	ErrSessionNotFound    = errors.New("auction: session not found")
	ErrCommitClosed       = errors.New("auction: commit window closed")
	ErrDuplicateCommit    = errors.New("auction: bidder already committed")
	ErrRevealNotOpen      = errors.New("auction: reveal window not open yet")
	ErrRevealClosed       = errors.New("auction: reveal window closed")
	ErrNoCommitment       = errors.New("auction: no commitment from bidder")
	ErrCommitmentMismatch = errors.New("auction: reveal does not match commitment")
	ErrAlreadyRevealed    = errors.New("auction: bidder already revealed")
	ErrBelowFloor         = errors.New("auction: bid below current minimum floor")
)

// ComputeCommitment binds a bidder to a bid and salt. Bidders run the
// same function client-side; the bid must be revealed with the exact
// decimal representation that was hashed.
func ComputeCommitment(bidder string, bid decimal.Decimal, salt string) string {
	sum := sha256.Sum256([]byte(bidder + ":" + bid.String() + ":" + salt))
	return hex.EncodeToString(sum[:])
}

// Config holds auction policy. All values are tuned, not derived.
type Config struct {
	CommitWindow       time.Duration `envconfig:"COMMIT_WINDOW" default:"30s"`
	RevealWindow       time.Duration `envconfig:"REVEAL_WINDOW" default:"30s"`
	MinGapFraction     float64       `envconfig:"MIN_GAP_FRACTION" default:"0.005"`
	FloorStartFraction float64       `envconfig:"FLOOR_START_FRACTION" default:"0.70"`
	FloorDecayWindow   time.Duration `envconfig:"FLOOR_DECAY_WINDOW" default:"5m"`
	LPShareFraction    float64       `envconfig:"LP_SHARE_FRACTION" default:"0.70"`
}

// Validate rejects degenerate auction policy.
func (c Config) Validate() error {
	if c.CommitWindow <= 0 || c.RevealWindow <= 0 {
		return fmt.Errorf("auction: commit/reveal windows must be positive, got %s/%s", c.CommitWindow, c.RevealWindow)
	}
	if c.MinGapFraction <= 0 {
		return fmt.Errorf("auction: min gap fraction must be positive, got %f", c.MinGapFraction)
	}
	if c.FloorStartFraction < 0 || c.FloorStartFraction > 1 {
		return fmt.Errorf("auction: floor start fraction must be in [0,1], got %f", c.FloorStartFraction)
	}
	if c.FloorDecayWindow <= 0 {
		return fmt.Errorf("auction: floor decay window must be positive, got %s", c.FloorDecayWindow)
	}
	if c.LPShareFraction <= 0 || c.LPShareFraction > 1 {
		return fmt.Errorf("auction: LP share fraction must be in (0,1], got %f", c.LPShareFraction)
	}
	return nil
}

// Session is one gap auction. Its lifecycle is strictly linear:
// COMMIT -> REVEAL -> SETTLED, with deadlines evaluated against the
// timestamp supplied to each operation. There is no background timer;
// a session is past a phase the moment any operation observes a later
// clock.
type Session struct {
	mu sync.Mutex

	id             string
	asset          string
	gap            decimal.Decimal
	venuePrice     decimal.Decimal
	consensusPrice decimal.Decimal

	openedAt       time.Time
	commitDeadline time.Time
	revealDeadline time.Time

	cfg Config

	phase         models.AuctionPhase
	commitments   map[string]string
	reveals       map[string]decimal.Decimal
	highestBidder string
	highestBid    decimal.Decimal

	outcome *models.AuctionOutcome
}

func newSession(id, asset string, gap, venuePrice, consensusPrice decimal.Decimal, openedAt time.Time, cfg Config) *Session {
	return &Session{
		id:             id,
		asset:          asset,
		gap:            gap,
		venuePrice:     venuePrice,
		consensusPrice: consensusPrice,
		openedAt:       openedAt,
		commitDeadline: openedAt.Add(cfg.CommitWindow),
		revealDeadline: openedAt.Add(cfg.CommitWindow + cfg.RevealWindow),
		cfg:            cfg,
		phase:          models.PhaseCommit,
		commitments:    make(map[string]string),
		reveals:        make(map[string]decimal.Decimal),
	}
}

func (s *Session) ID() string    { return s.id }
func (s *Session) Asset() string { return s.asset }

// advance rolls the phase forward to match the supplied clock. Caller
// holds the lock. Settlement happens here, exactly once.
func (s *Session) advance(now time.Time) {
	if s.phase == models.PhaseCommit && !now.Before(s.commitDeadline) {
		s.phase = models.PhaseReveal
	}
	if s.phase == models.PhaseReveal && !now.Before(s.revealDeadline) {
		s.settle(now)
	}
}

func (s *Session) settle(now time.Time) {
	s.phase = models.PhaseSettled

	out := models.AuctionOutcome{
		SessionID: s.id,
		Asset:     s.asset,
		Reveals:   len(s.reveals),
		SettledAt: now,
	}
	if s.highestBidder == "" {
		// Nobody revealed: nothing captured, the whole gap is lost.
		out.WinningBid = decimal.Zero
		out.LPShare = decimal.Zero
		out.GapLoss = s.gap
	} else {
		lpShare := s.highestBid.Mul(decimal.NewFromFloat(s.cfg.LPShareFraction))
		residual := s.gap.Sub(lpShare)
		if residual.IsNegative() {
			residual = decimal.Zero
		}
		out.Winner = s.highestBidder
		out.WinningBid = s.highestBid
		out.LPShare = lpShare
		out.GapLoss = residual
	}
	s.outcome = &out
}

// Commit records a bidder's hash during the commit window. One
// commitment per bidder; late or duplicate commits are rejected without
// touching state.
func (s *Session) Commit(bidder, commitment string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advance(now)
	if s.phase != models.PhaseCommit {
		return ErrCommitClosed
	}
	if _, ok := s.commitments[bidder]; ok {
		return ErrDuplicateCommit
	}
	if bidder == "" || commitment == "" {
		return fmt.Errorf("auction: empty bidder or commitment")
	}
	s.commitments[bidder] = commitment
	return nil
}

// Reveal opens a commitment. Accepted only in the reveal window, only
// when the hash matches, and only at or above the decaying floor. Every
// rejection leaves the session untouched.
func (s *Session) Reveal(bidder string, bid decimal.Decimal, salt string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advance(now)
	switch s.phase {
	case models.PhaseCommit:
		return ErrRevealNotOpen
	case models.PhaseSettled:
		return ErrRevealClosed
	}

	commitment, ok := s.commitments[bidder]
	if !ok {
		return ErrNoCommitment
	}
	if _, ok := s.reveals[bidder]; ok {
		return ErrAlreadyRevealed
	}
	if ComputeCommitment(bidder, bid, salt) != commitment {
		return ErrCommitmentMismatch
	}
	if bid.LessThan(s.floorAt(now)) {
		return ErrBelowFloor
	}

	s.reveals[bidder] = bid
	if s.highestBidder == "" || bid.GreaterThan(s.highestBid) {
		s.highestBidder = bidder
		s.highestBid = bid
	}
	return nil
}

// floorAt is the decaying minimum bid: FloorStartFraction of the gap at
// the moment the session opened, falling linearly to zero over
// FloorDecayWindow. The gap is worth most right after trading resumes.
func (s *Session) floorAt(now time.Time) decimal.Decimal {
	elapsed := now.Sub(s.openedAt)
	if elapsed >= s.cfg.FloorDecayWindow {
		return decimal.Zero
	}
	remaining := 1 - float64(elapsed)/float64(s.cfg.FloorDecayWindow)
	return s.gap.
		Mul(decimal.NewFromFloat(s.cfg.FloorStartFraction)).
		Mul(decimal.NewFromFloat(remaining))
}

// FloorAt exposes the current minimum bid for bidders and dashboards.
func (s *Session) FloorAt(now time.Time) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.floorAt(now)
}

// TrySettle advances the session against now and returns the outcome
// once settled. The second return is false while the auction is live.
func (s *Session) TrySettle(now time.Time) (models.AuctionOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advance(now)
	if s.outcome == nil {
		return models.AuctionOutcome{}, false
	}
	return *s.outcome, true
}

// Snapshot is the observable session state.
type Snapshot struct {
	ID             string              `json:"id"`
	Asset          string              `json:"asset"`
	Phase          models.AuctionPhase `json:"phase"`
	Gap            decimal.Decimal     `json:"gap"`
	VenuePrice     decimal.Decimal     `json:"venue_price"`
	ConsensusPrice decimal.Decimal     `json:"consensus_price"`
	OpenedAt       time.Time           `json:"opened_at"`
	CommitDeadline time.Time           `json:"commit_deadline"`
	RevealDeadline time.Time           `json:"reveal_deadline"`
	Commitments    int                 `json:"commitments"`
	RevealedBids   int                 `json:"revealed_bids"`
	HighestBid     decimal.Decimal     `json:"highest_bid"`
	HighestBidder  string              `json:"highest_bidder,omitempty"`
	CurrentFloor   decimal.Decimal     `json:"current_floor"`
}

// SnapshotAt reports session state as of now, advancing phases first so
// an expired session never masquerades as live.
func (s *Session) SnapshotAt(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advance(now)
	return Snapshot{
		ID:             s.id,
		Asset:          s.asset,
		Phase:          s.phase,
		Gap:            s.gap,
		VenuePrice:     s.venuePrice,
		ConsensusPrice: s.consensusPrice,
		OpenedAt:       s.openedAt,
		CommitDeadline: s.commitDeadline,
		RevealDeadline: s.revealDeadline,
		Commitments:    len(s.commitments),
		RevealedBids:   len(s.reveals),
		HighestBid:     s.highestBid,
		HighestBidder:  s.highestBidder,
		CurrentFloor:   s.floorAt(now),
	}
}
