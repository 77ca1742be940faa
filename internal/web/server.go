package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/moodwatch/moodwatch-bot/internal/database"
	"github.com/moodwatch/moodwatch-bot/internal/discord"
	"github.com/moodwatch/moodwatch-bot/internal/platform"
)

// envelope is the uniform response shape. Guard failures are success:false
// with a human-readable message, never a bare 500; only unexpected internal
// faults use 5xx.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Backfiller is the slice of the Discord manager the history endpoints need.
type Backfiller interface {
	Backfill(ctx context.Context, channelID string, maxMessages int) (discord.BackfillResult, error)
	BackfillStatuses() map[string]discord.BackfillResult
	IsBackfillRunning(channelID string) bool
}

// Server is the operator-facing dashboard API.
type Server struct {
	repo       *database.Repository
	managers   map[string]platform.Manager
	backfiller Backfiller
	hub        *Hub
	sessions   *sessionStore
	httpServer *http.Server
	addr       string
}

// NewServer wires the dashboard API. managers is keyed by platform name;
// backfiller may be nil if the guild platform is not configured.
func NewServer(addr string, repo *database.Repository, managers map[string]platform.Manager, backfiller Backfiller, hub *Hub) *Server {
	return &Server{
		repo:       repo,
		managers:   managers,
		backfiller: backfiller,
		hub:        hub,
		sessions:   newSessionStore(),
		addr:       addr,
	}
}

// Start blocks serving the API until Stop is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/logout", s.requireAuth(s.handleLogout))

	// Dashboard reads
	mux.HandleFunc("/api/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("/api/distribution", s.requireAuth(s.handleDistribution))
	mux.HandleFunc("/api/trend", s.requireAuth(s.handleTrend))
	mux.HandleFunc("/api/messages/recent", s.requireAuth(s.handleRecentMessages))
	mux.HandleFunc("/api/channels", s.requireAuth(s.handleChannels))
	mux.HandleFunc("/api/channels/leaderboard", s.requireAuth(s.handleLeaderboard))
	mux.HandleFunc("/api/excluded", s.requireAuth(s.handleListExcluded))
	mux.HandleFunc("/api/settings", s.requireAuth(s.handleSettings))
	mux.HandleFunc("/api/health", s.requireAuth(s.handleHealth))
	mux.HandleFunc("/api/backfills", s.requireAuth(s.handleBackfillStatus))

	// Operator actions
	mux.HandleFunc("/api/bot/start", s.requireAuth(s.handleStart))
	mux.HandleFunc("/api/bot/stop", s.requireAuth(s.handleStop))
	mux.HandleFunc("/api/channels/refresh", s.requireAuth(s.handleRefreshChannels))
	mux.HandleFunc("/api/channels/monitor", s.requireAuth(s.handleMonitorToggle))
	mux.HandleFunc("/api/users/exclude", s.requireAuth(s.handleExcludeUser))
	mux.HandleFunc("/api/users/unexclude", s.requireAuth(s.handleUnexcludeUser))
	mux.HandleFunc("/api/history/fetch", s.requireAuth(s.handleFetchHistory))

	// Live feed
	mux.HandleFunc("/api/live", s.requireAuth(s.handleLive))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	log.Printf("Dashboard API listening on %s", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(context.Background())
	}
	return nil
}

func (s *Server) manager(platformName string) (platform.Manager, error) {
	mgr, ok := s.managers[platformName]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", platformName)
	}
	return mgr, nil
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Success: false, Message: "method not allowed"})
		return false
	}
	return true
}
