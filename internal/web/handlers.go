package web

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/moodwatch/moodwatch-bot/internal/models"
)

// --- Dashboard reads ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.GetMessageStats()
	if err != nil {
		s.internalError(w, "Error getting message stats", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: stats})
}

func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	dist, err := s.repo.GetSentimentDistribution()
	if err != nil {
		s.internalError(w, "Error getting sentiment distribution", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: dist})
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	trend, err := s.repo.GetSentimentTrend(days)
	if err != nil {
		s.internalError(w, "Error getting sentiment trend", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: trend})
}

func (s *Server) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, err := s.repo.GetRecentMessages(limit)
	if err != nil {
		s.internalError(w, "Error getting recent messages", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: messages})
}

type channelView struct {
	models.ChannelRecord
	Monitored bool `json:"monitored"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	platformName := r.URL.Query().Get("platform")
	if platformName == "" {
		platformName = models.PlatformDiscord
	}
	guildID := r.URL.Query().Get("guild")

	records, err := s.repo.GetChannelRecords(platformName, guildID)
	if err != nil {
		s.internalError(w, "Error getting channel records", err)
		return
	}

	views := make([]channelView, 0, len(records))
	for _, record := range records {
		monitored, err := s.repo.IsChannelMonitoredFor(record.Platform, record.ChannelID, record.GuildID)
		if err != nil {
			s.internalError(w, "Error checking channel monitoring", err)
			return
		}
		views = append(views, channelView{ChannelRecord: record, Monitored: monitored})
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: views})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.repo.GetChannelLeaderboard(limit)
	if err != nil {
		s.internalError(w, "Error getting channel leaderboard", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: rows})
}

func (s *Server) handleListExcluded(w http.ResponseWriter, r *http.Request) {
	platformName := r.URL.Query().Get("platform")
	if platformName == "" {
		platformName = models.PlatformDiscord
	}
	users, err := s.repo.ListExcludedUsers(platformName)
	if err != nil {
		s.internalError(w, "Error listing excluded users", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: users})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.GetAPIHealth()
	if err != nil {
		s.internalError(w, "Error getting API health", err)
		return
	}
	status := map[string]any{
		"services":    stats,
		"liveClients": s.hub.ClientCount(),
	}
	for name, mgr := range s.managers {
		status[name+"Ready"] = mgr.IsReady()
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: status})
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	if s.backfiller == nil {
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{}})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.backfiller.BackfillStatuses()})
}

// --- Settings and lifecycle ---

type settingsRequest struct {
	Platform             string `json:"platform"`
	GuildID              string `json:"guildId"`
	Credential           string `json:"credential"`
	IsActive             bool   `json:"isActive"`
	MonitorAllChannels   bool   `json:"monitorAllChannels"`
	AnalysisFrequency    string `json:"analysisFrequency"`
	LoggingEnabled       bool   `json:"loggingEnabled"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
}

// handleSettings reads (GET) or updates (POST) the settings for a platform
// scope. An update that changes the credential or guild while active restarts
// the platform connection.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		platformName := r.URL.Query().Get("platform")
		if platformName == "" {
			platformName = models.PlatformDiscord
		}
		settings, err := s.repo.GetActiveSettings(platformName, r.URL.Query().Get("guild"))
		if err != nil {
			s.internalError(w, "Error getting settings", err)
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: settings})
		return
	}
	if !requirePost(w, r) {
		return
	}

	var req settingsRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "invalid request body"})
		return
	}

	mgr, err := s.manager(req.Platform)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}

	existing, err := s.repo.GetActiveSettings(req.Platform, req.GuildID)
	if err != nil {
		s.internalError(w, "Error loading existing settings", err)
		return
	}

	// A blank credential on update means "keep the stored one"; the dashboard
	// never echoes credentials back to the browser.
	if req.Credential == "" && existing != nil {
		req.Credential = existing.Credential
	}

	settings := &models.BotSettings{
		Platform:             req.Platform,
		GuildID:              req.GuildID,
		Credential:           req.Credential,
		IsActive:             req.IsActive,
		MonitorAllChannels:   req.MonitorAllChannels,
		AnalysisFrequency:    req.AnalysisFrequency,
		LoggingEnabled:       req.LoggingEnabled,
		NotificationsEnabled: req.NotificationsEnabled,
	}
	if err := s.repo.UpsertSettings(settings); err != nil {
		s.internalError(w, "Error saving settings", err)
		return
	}

	if !req.IsActive {
		mgr.Teardown()
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "settings saved; bot stopped"})
		return
	}

	// force reconnect when the credential changed under a live connection;
	// otherwise Initialize's fast path keeps the connection. A different guild
	// is a different settings row, so only the credential can change here.
	force := existing != nil && existing.Credential != req.Credential

	if err := mgr.Initialize(req.Credential, force); err != nil {
		if setErr := s.repo.SetActive(req.Platform, req.GuildID, false); setErr != nil {
			log.Printf("Error deactivating settings after failed connect: %v", setErr)
		}
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: err.Error()})
		return
	}

	s.reconcileAsync(req.Platform, req.GuildID)
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "settings saved; bot connected"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Platform string `json:"platform"`
		GuildID  string `json:"guildId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "invalid request body"})
		return
	}

	mgr, err := s.manager(req.Platform)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}

	settings, err := s.repo.GetActiveSettings(req.Platform, req.GuildID)
	if err != nil {
		s.internalError(w, "Error loading settings", err)
		return
	}
	if settings == nil || settings.Credential == "" {
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: "no credential configured; save settings first"})
		return
	}

	if err := mgr.Initialize(settings.Credential, false); err != nil {
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: err.Error()})
		return
	}
	if err := s.repo.SetActive(req.Platform, req.GuildID, true); err != nil {
		s.internalError(w, "Error activating settings", err)
		return
	}

	s.reconcileAsync(req.Platform, req.GuildID)
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "bot started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Platform string `json:"platform"`
		GuildID  string `json:"guildId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "invalid request body"})
		return
	}

	mgr, err := s.manager(req.Platform)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}

	mgr.Teardown()
	if err := s.repo.SetActive(req.Platform, req.GuildID, false); err != nil {
		s.internalError(w, "Error deactivating settings", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "bot stopped"})
}

// reconcileAsync refreshes the channel cache after a successful connection
// without holding up the response.
func (s *Server) reconcileAsync(platformName, guildID string) {
	mgr, err := s.manager(platformName)
	if err != nil {
		return
	}
	go func() {
		if _, err := mgr.ReconcileChannels(guildID); err != nil {
			log.Printf("Error reconciling channels for %s: %v", platformName, err)
		}
	}()
}

// --- Monitoring and exclusion toggles ---

func (s *Server) handleRefreshChannels(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Platform string `json:"platform"`
		GuildID  string `json:"guildId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "invalid request body"})
		return
	}

	mgr, err := s.manager(req.Platform)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}

	records, err := mgr.ReconcileChannels(req.GuildID)
	if err != nil {
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: records})
}

func (s *Server) handleMonitorToggle(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Platform  string `json:"platform"`
		ChannelID string `json:"channelId"`
		GuildID   string `json:"guildId"`
		Monitor   bool   `json:"monitor"`
	}
	if err := decodeBody(r, &req); err != nil || req.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "invalid request body"})
		return
	}

	if err := s.repo.SetChannelMonitored(req.Platform, req.ChannelID, req.GuildID, req.Monitor); err != nil {
		s.internalError(w, "Error toggling channel monitoring", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleExcludeUser(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Platform string `json:"platform"`
		UserID   string `json:"userId"`
		GuildID  string `json:"guildId"`
		Reason   string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "invalid request body"})
		return
	}

	err := s.repo.ExcludeUser(&models.ExcludedUser{
		Platform: req.Platform,
		UserID:   req.UserID,
		GuildID:  req.GuildID,
		Reason:   req.Reason,
	})
	if err != nil {
		s.internalError(w, "Error excluding user", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleUnexcludeUser(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Platform string `json:"platform"`
		UserID   string `json:"userId"`
		GuildID  string `json:"guildId"`
	}
	if err := decodeBody(r, &req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "invalid request body"})
		return
	}

	if err := s.repo.RemoveExcludedUser(req.Platform, req.UserID, req.GuildID); err != nil {
		s.internalError(w, "Error removing excluded user", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// --- Historical backfill ---

// handleFetchHistory kicks a backfill off in the background and returns
// immediately; progress is observable via /api/backfills and the logs.
func (s *Server) handleFetchHistory(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		ChannelID   string `json:"channelId"`
		MaxMessages int    `json:"maxMessages"`
	}
	if err := decodeBody(r, &req); err != nil || req.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "invalid request body"})
		return
	}

	if s.backfiller == nil {
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: "history fetch is only available for the guild platform"})
		return
	}
	if s.backfiller.IsBackfillRunning(req.ChannelID) {
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: "a history fetch is already running for this channel"})
		return
	}

	go func() {
		if _, err := s.backfiller.Backfill(context.Background(), req.ChannelID, req.MaxMessages); err != nil {
			log.Printf("Error backfilling channel %s: %v", req.ChannelID, err)
		}
	}()
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "processing started"})
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	log.Printf("%s: %v", msg, err)
	writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Message: "internal error"})
}
