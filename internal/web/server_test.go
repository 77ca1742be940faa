package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/moodwatch/moodwatch-bot/internal/database"
	"github.com/moodwatch/moodwatch-bot/internal/discord"
	"github.com/moodwatch/moodwatch-bot/internal/models"
	"github.com/moodwatch/moodwatch-bot/internal/platform"
)

type mockManager struct {
	mu          sync.Mutex
	ready       bool
	initCalls   int
	lastCred    string
	lastForce   bool
	initErr     error
	teardowns   int
	reconciled  []string
	reconcile   []models.ChannelRecord
	reconcileEr error
}

func (m *mockManager) Initialize(credential string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	m.lastCred = credential
	m.lastForce = force
	if m.initErr != nil {
		return m.initErr
	}
	m.ready = true
	return nil
}

func (m *mockManager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardowns++
	m.ready = false
}

func (m *mockManager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *mockManager) ReconcileChannels(guildID string) ([]models.ChannelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciled = append(m.reconciled, guildID)
	return m.reconcile, m.reconcileEr
}

type mockBackfiller struct {
	mu      sync.Mutex
	running map[string]bool
	started []string
}

func (b *mockBackfiller) Backfill(ctx context.Context, channelID string, maxMessages int) (discord.BackfillResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, channelID)
	return discord.BackfillResult{Processed: maxMessages}, nil
}

func (b *mockBackfiller) BackfillStatuses() map[string]discord.BackfillResult {
	return map[string]discord.BackfillResult{}
}

func (b *mockBackfiller) IsBackfillRunning(channelID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running[channelID]
}

func newTestServer(t *testing.T) (*Server, *mockManager, *mockBackfiller) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.BotSettings{},
		&models.MonitoredChannel{},
		&models.ExcludedUser{},
		&models.ChannelRecord{},
		&models.AnalyzedMessage{},
		&models.DashboardUser{},
		&models.APIHealthStat{},
	))
	repo := database.NewRepositoryWithDB(db)

	mgr := &mockManager{}
	backfiller := &mockBackfiller{running: map[string]bool{}}
	server := NewServer(":0", repo, map[string]platform.Manager{
		models.PlatformDiscord:  mgr,
		models.PlatformTelegram: &mockManager{},
	}, backfiller, NewHub())
	return server, mgr, backfiller
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestRequireAuthRejectsAnonymous(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.requireAuth(server.handleStats)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, decodeEnvelope(t, w).Success)
}

func TestLoginAndAuthenticatedRead(t *testing.T) {
	server, _, _ := newTestServer(t)

	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	require.NoError(t, server.repo.SeedAdminUser("admin", hash))

	// Wrong password is rejected.
	w := postJSON(t, server.handleLogin, "/api/login", map[string]string{
		"username": "admin", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postJSON(t, server.handleLogin, "/api/login", map[string]string{
		"username": "admin", "password": "hunter2",
	})
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.AddCookie(cookies[0])
	w2 := httptest.NewRecorder()
	server.requireAuth(server.handleStats)(w2, req)

	assert.Equal(t, http.StatusOK, w2.Code)
	assert.True(t, decodeEnvelope(t, w2).Success)
}

func TestSettingsUpdateConnectsAndReconciles(t *testing.T) {
	server, mgr, _ := newTestServer(t)

	w := postJSON(t, server.handleSettings, "/api/settings", settingsRequest{
		Platform:           models.PlatformDiscord,
		GuildID:            "g1",
		Credential:         "tok-1",
		IsActive:           true,
		MonitorAllChannels: true,
	})
	env := decodeEnvelope(t, w)
	require.True(t, env.Success, env.Message)
	assert.Equal(t, "tok-1", mgr.lastCred)
	assert.False(t, mgr.lastForce, "first connect needs no force")

	settings, err := server.repo.GetActiveSettings(models.PlatformDiscord, "g1")
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.True(t, settings.MonitorAllChannels)

	// Changing the credential while live forces a reconnect.
	w = postJSON(t, server.handleSettings, "/api/settings", settingsRequest{
		Platform:   models.PlatformDiscord,
		GuildID:    "g1",
		Credential: "tok-2",
		IsActive:   true,
	})
	require.True(t, decodeEnvelope(t, w).Success)
	assert.Equal(t, "tok-2", mgr.lastCred)
	assert.True(t, mgr.lastForce)

	// A blank credential keeps the stored one and does not force a reconnect.
	w = postJSON(t, server.handleSettings, "/api/settings", settingsRequest{
		Platform: models.PlatformDiscord,
		GuildID:  "g1",
		IsActive: true,
	})
	require.True(t, decodeEnvelope(t, w).Success)
	assert.Equal(t, "tok-2", mgr.lastCred)
	assert.False(t, mgr.lastForce, "an unchanged credential keeps the live connection")

	// Deactivating tears the connection down.
	w = postJSON(t, server.handleSettings, "/api/settings", settingsRequest{
		Platform: models.PlatformDiscord,
		GuildID:  "g1",
		IsActive: false,
	})
	require.True(t, decodeEnvelope(t, w).Success)
	assert.Equal(t, 1, mgr.teardowns)
}

func TestSettingsReadNeverEchoesCredential(t *testing.T) {
	server, _, _ := newTestServer(t)
	require.NoError(t, server.repo.UpsertSettings(&models.BotSettings{
		Platform:   models.PlatformDiscord,
		GuildID:    "g1",
		Credential: "super-secret-token",
		IsActive:   true,
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/settings?platform=discord&guild=g1", nil)
	w := httptest.NewRecorder()
	server.handleSettings(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeEnvelope(t, w).Success)
	assert.NotContains(t, w.Body.String(), "super-secret-token")
}

func TestSettingsUpdateReportsConnectFailure(t *testing.T) {
	server, mgr, _ := newTestServer(t)
	mgr.initErr = assert.AnError

	w := postJSON(t, server.handleSettings, "/api/settings", settingsRequest{
		Platform:   models.PlatformDiscord,
		GuildID:    "g1",
		Credential: "bad-token",
		IsActive:   true,
	})
	env := decodeEnvelope(t, w)
	assert.Equal(t, http.StatusOK, w.Code, "guard failures are an envelope, not a bare 500")
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Message)

	settings, err := server.repo.GetActiveSettings(models.PlatformDiscord, "g1")
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.False(t, settings.IsActive, "a failed connect deactivates the settings row")
}

func TestStartRequiresCredential(t *testing.T) {
	server, mgr, _ := newTestServer(t)

	w := postJSON(t, server.handleStart, "/api/bot/start", map[string]string{
		"platform": models.PlatformDiscord, "guildId": "g1",
	})
	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Contains(t, env.Message, "no credential configured")
	assert.Zero(t, mgr.initCalls)
}

func TestStartAndStopDriveLifecycle(t *testing.T) {
	server, mgr, _ := newTestServer(t)
	require.NoError(t, server.repo.UpsertSettings(&models.BotSettings{
		Platform: models.PlatformDiscord, GuildID: "g1", Credential: "tok",
	}))

	w := postJSON(t, server.handleStart, "/api/bot/start", map[string]string{
		"platform": models.PlatformDiscord, "guildId": "g1",
	})
	require.True(t, decodeEnvelope(t, w).Success)
	assert.Equal(t, 1, mgr.initCalls)

	settings, err := server.repo.GetActiveSettings(models.PlatformDiscord, "g1")
	require.NoError(t, err)
	assert.True(t, settings.IsActive)

	w = postJSON(t, server.handleStop, "/api/bot/stop", map[string]string{
		"platform": models.PlatformDiscord, "guildId": "g1",
	})
	require.True(t, decodeEnvelope(t, w).Success)
	assert.Equal(t, 1, mgr.teardowns)

	settings, err = server.repo.GetActiveSettings(models.PlatformDiscord, "g1")
	require.NoError(t, err)
	assert.False(t, settings.IsActive)
}

func TestMonitorToggleEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	body := map[string]any{
		"platform": models.PlatformDiscord, "channelId": "c1", "guildId": "g1", "monitor": true,
	}
	w := postJSON(t, server.handleMonitorToggle, "/api/channels/monitor", body)
	require.True(t, decodeEnvelope(t, w).Success)
	w = postJSON(t, server.handleMonitorToggle, "/api/channels/monitor", body)
	require.True(t, decodeEnvelope(t, w).Success)

	monitored, err := server.repo.IsChannelMonitoredFor(models.PlatformDiscord, "c1", "g1")
	require.NoError(t, err)
	assert.True(t, monitored)
}

func TestRefreshChannelsReportsDisconnected(t *testing.T) {
	server, mgr, _ := newTestServer(t)
	mgr.reconcileEr = assert.AnError

	w := postJSON(t, server.handleRefreshChannels, "/api/channels/refresh", map[string]string{
		"platform": models.PlatformDiscord, "guildId": "g1",
	})
	env := decodeEnvelope(t, w)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.Success)
}

func TestFetchHistoryStartsBackgroundRun(t *testing.T) {
	server, _, backfiller := newTestServer(t)

	w := postJSON(t, server.handleFetchHistory, "/api/history/fetch", map[string]any{
		"channelId": "c1", "maxMessages": 500,
	})
	env := decodeEnvelope(t, w)
	require.True(t, env.Success)
	assert.Equal(t, "processing started", env.Message)

	require.Eventually(t, func() bool {
		backfiller.mu.Lock()
		defer backfiller.mu.Unlock()
		return len(backfiller.started) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFetchHistoryRejectsConcurrentRun(t *testing.T) {
	server, _, backfiller := newTestServer(t)
	backfiller.running["c1"] = true

	w := postJSON(t, server.handleFetchHistory, "/api/history/fetch", map[string]any{
		"channelId": "c1",
	})
	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Contains(t, env.Message, "already running")
}

func TestExcludeEndpointsRoundTrip(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := postJSON(t, server.handleExcludeUser, "/api/users/exclude", map[string]string{
		"platform": models.PlatformDiscord, "userId": "u1", "guildId": "g1", "reason": "noisy bot",
	})
	require.True(t, decodeEnvelope(t, w).Success)

	excluded, err := server.repo.IsUserExcluded(models.PlatformDiscord, "u1", "g1")
	require.NoError(t, err)
	assert.True(t, excluded)

	w = postJSON(t, server.handleUnexcludeUser, "/api/users/unexclude", map[string]string{
		"platform": models.PlatformDiscord, "userId": "u1", "guildId": "g1",
	})
	require.True(t, decodeEnvelope(t, w).Success)

	excluded, err = server.repo.IsUserExcluded(models.PlatformDiscord, "u1", "g1")
	require.NoError(t, err)
	assert.False(t, excluded)
}
