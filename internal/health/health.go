// Package health serves the probe and status endpoints. Liveness stays
// green while the process runs; readiness additionally wants startup
// finished and every dependency answering, so a pod with a dead
// postgres drops out of rotation instead of serving stale risk.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/internal/adapters/database"
	"github.com/stockshield/risk-engine/internal/adapters/feed"
	redisAdapter "github.com/stockshield/risk-engine/internal/adapters/redis"
	"github.com/stockshield/risk-engine/internal/auction"
	"github.com/stockshield/risk-engine/internal/engine"
	"github.com/stockshield/risk-engine/internal/session"
	"github.com/stockshield/risk-engine/pkg/logger"
)

// settlementHistory bounds the per-asset settlement rows on /assets
const settlementHistory = 5

// Config wires the server to everything the probes inspect
type Config struct {
	Port   string
	Engine *engine.Engine
	DB     *database.DB
	Redis  *redisAdapter.Client
	Feed   *feed.TradeFeed
	Assets []string
}

// dependency is one named check the readiness probe runs
type dependency struct {
	name  string
	check func() error
}

// Server answers k8s probes and the dashboard status surface
type Server struct {
	httpServer *http.Server
	engine     *engine.Engine
	deps       []dependency
	assets     []string
	ready      atomic.Bool
	started    time.Time
}

func NewServer(cfg Config) *Server {
	s := &Server{
		engine:  cfg.Engine,
		assets:  cfg.Assets,
		started: time.Now(),
	}

	s.deps = []dependency{
		{name: "database", check: cfg.DB.Health},
	}
	if cfg.Redis != nil {
		s.deps = append(s.deps, dependency{name: "redis", check: cfg.Redis.Health})
	}
	if cfg.Feed != nil {
		tradeFeed := cfg.Feed
		s.deps = append(s.deps, dependency{name: "feed", check: func() error {
			if !tradeFeed.Connected() {
				return errors.New("websocket disconnected")
			}
			return nil
		}})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleLiveness)
	mux.HandleFunc("/healthz", s.handleLiveness)
	mux.HandleFunc("/ready", s.handleReadiness)
	mux.HandleFunc("/readyz", s.handleReadiness)
	mux.HandleFunc("/assets", s.handleAssets)

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start blocks serving probes until Stop shuts the listener down
func (s *Server) Start() error {
	logger.Info("health server listening",
		zap.String("addr", s.httpServer.Addr),
	)

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	logger.Info("stopping health server")
	return s.httpServer.Shutdown(ctx)
}

// SetReady flips the startup gate that readiness requires
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	if ready {
		logger.Info("✅ service marked as READY")
	} else {
		logger.Warn("⚠️ service marked as NOT READY")
	}
}

// runChecks evaluates every dependency and reports whether all passed
func (s *Server) runChecks() (map[string]string, bool) {
	checks := make(map[string]string, len(s.deps))
	ok := true
	for _, d := range s.deps {
		if err := d.check(); err != nil {
			checks[d.name] = "unhealthy: " + err.Error()
			ok = false
			continue
		}
		checks[d.name] = "healthy"
	}
	return checks, ok
}

type livenessBody struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// handleLiveness answers 200 while the process runs, dependencies down
// or not. Restarts are for hung processes, not for a postgres blip.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	body := livenessBody{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if r.URL.Query().Get("verbose") == "true" {
		body.Checks, _ = s.runChecks()
	}
	writeJSON(w, http.StatusOK, body)
}

type readinessBody struct {
	Ready     bool              `json:"ready"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Assets    trackedAssets     `json:"assets"`
}

type trackedAssets struct {
	Tracked int      `json:"tracked"`
	Symbols []string `json:"symbols"`
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	checks, depsOK := s.runChecks()
	ready := s.ready.Load() && depsOK

	body := readinessBody{
		Ready:     ready,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Assets:    trackedAssets{Tracked: len(s.assets), Symbols: s.assets},
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

// AssetsReport is the /assets response body
type AssetsReport struct {
	Timestamp string             `json:"timestamp"`
	Session   session.RegimeInfo `json:"session"`
	Assets    []AssetEntry       `json:"assets"`
}

// AssetEntry is one asset's live state plus its latest settled auctions
type AssetEntry struct {
	engine.AssetStatus
	RecentSettlements []auction.SessionRecord `json:"recent_settlements,omitempty"`
}

// handleAssets reports the live regime plus per-asset engine state for
// dashboards
func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine not attached"})
		return
	}

	report := AssetsReport{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Session:   s.engine.CurrentRegime(),
		Assets:    make([]AssetEntry, 0, len(s.assets)),
	}
	for _, asset := range s.assets {
		status, err := s.engine.Status(asset)
		if err != nil {
			continue
		}
		entry := AssetEntry{AssetStatus: status}
		if settled, err := s.engine.RecentSettlements(r.Context(), asset, settlementHistory); err == nil {
			entry.RecentSettlements = settled
		}
		report.Assets = append(report.Assets, entry)
	}

	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
