package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/moodwatch/moodwatch-bot/internal/database"
	"github.com/moodwatch/moodwatch-bot/internal/models"
	"github.com/moodwatch/moodwatch-bot/internal/platform"
	"github.com/moodwatch/moodwatch-bot/internal/sentiment"
)

type stubClassifier struct {
	calls  int
	result sentiment.Result
}

func (c *stubClassifier) Classify(ctx context.Context, text string) sentiment.Result {
	c.calls++
	return c.result
}

type stubNotifier struct {
	stored []models.AnalyzedMessage
}

func (n *stubNotifier) MessageStored(msg models.AnalyzedMessage) {
	n.stored = append(n.stored, msg)
}

func newTestRepo(t *testing.T) *database.Repository {
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
	))
	return database.NewRepositoryWithDB(db)
}

func activeSettings(t *testing.T, repo *database.Repository, monitorAll bool) {
	t.Helper()
	require.NoError(t, repo.UpsertSettings(&models.BotSettings{
		Platform:             models.PlatformDiscord,
		GuildID:              "g1",
		Credential:           "token",
		IsActive:             true,
		MonitorAllChannels:   monitorAll,
		NotificationsEnabled: true,
	}))
}

func testMessage() platform.Message {
	return platform.Message{
		Platform:  models.PlatformDiscord,
		MessageID: "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		UserID:    "u1",
		Username:  "alice",
		Content:   "I love this!",
		Timestamp: time.Now(),
	}
}

func TestProcessStoresMonitoredMessage(t *testing.T) {
	repo := newTestRepo(t)
	activeSettings(t, repo, true)
	classifier := &stubClassifier{result: sentiment.Result{Label: models.SentimentVeryPositive, Score: 4, Confidence: 0.9}}
	notifier := &stubNotifier{}
	pipe := New(repo, classifier, notifier)

	outcome, err := pipe.Process(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, StatusStored, outcome.Status)
	assert.Equal(t, 1, classifier.calls)

	stored, err := repo.GetRecentMessages(10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "c1", stored[0].ChannelID)
	assert.Equal(t, models.SentimentVeryPositive, stored[0].SentimentLabel)

	require.Len(t, notifier.stored, 1)
	assert.Equal(t, "m1", notifier.stored[0].MessageID)
}

func TestProcessSkipsExcludedAuthorBeforeClassifying(t *testing.T) {
	repo := newTestRepo(t)
	activeSettings(t, repo, true)
	require.NoError(t, repo.ExcludeUser(&models.ExcludedUser{
		Platform: models.PlatformDiscord, UserID: "u1", GuildID: "g1",
	}))
	classifier := &stubClassifier{}
	pipe := New(repo, classifier, nil)

	outcome, err := pipe.Process(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, outcome.Status)
	assert.Equal(t, SkipAuthorExcluded, outcome.Reason)
	assert.Zero(t, classifier.calls, "excluded authors never reach the classifier")

	stored, err := repo.GetRecentMessages(10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestProcessSkipsWhenBotInactive(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.UpsertSettings(&models.BotSettings{
		Platform: models.PlatformDiscord, GuildID: "g1",
		IsActive: false, MonitorAllChannels: true,
	}))
	classifier := &stubClassifier{}
	pipe := New(repo, classifier, nil)

	outcome, err := pipe.Process(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, SkipBotInactive, outcome.Reason)
	assert.Zero(t, classifier.calls)
}

func TestProcessSkipsUnmonitoredChannel(t *testing.T) {
	repo := newTestRepo(t)
	activeSettings(t, repo, false)
	classifier := &stubClassifier{}
	pipe := New(repo, classifier, nil)

	outcome, err := pipe.Process(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, SkipNotMonitored, outcome.Reason)
	assert.Zero(t, classifier.calls)

	// Explicitly monitoring the channel flips the decision.
	require.NoError(t, repo.SetChannelMonitored(models.PlatformDiscord, "c1", "g1", true))
	outcome, err = pipe.Process(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, StatusStored, outcome.Status)
}

func TestProcessSkipsTrivialContent(t *testing.T) {
	repo := newTestRepo(t)
	activeSettings(t, repo, true)
	classifier := &stubClassifier{}
	pipe := New(repo, classifier, nil)

	msg := testMessage()
	msg.Content = "ok"

	outcome, err := pipe.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, SkipTrivialContent, outcome.Reason)
	assert.Zero(t, classifier.calls)
}

func TestProcessDedupesByMessageIdentity(t *testing.T) {
	repo := newTestRepo(t)
	activeSettings(t, repo, true)
	classifier := &stubClassifier{result: sentiment.Result{Label: models.SentimentNeutral, Score: 2}}
	pipe := New(repo, classifier, nil)

	first, err := pipe.Process(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, StatusStored, first.Status)

	second, err := pipe.Process(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, second.Status)
	assert.Equal(t, SkipDuplicate, second.Reason)
	assert.Equal(t, 1, classifier.calls, "the duplicate never reaches the classifier")

	stored, err := repo.GetRecentMessages(10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestProcessBackfillIgnoresActiveFlagAndKeepsShortContent(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.UpsertSettings(&models.BotSettings{
		Platform: models.PlatformDiscord, GuildID: "g1",
		IsActive: false, MonitorAllChannels: true,
	}))
	classifier := &stubClassifier{result: sentiment.Result{Label: models.SentimentNeutral, Score: 2}}
	pipe := New(repo, classifier, nil)

	msg := testMessage()
	msg.Content = "ok"

	outcome, err := pipe.ProcessBackfill(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, StatusStored, outcome.Status, "backfill stores short historical messages even while the bot is stopped")

	blank := testMessage()
	blank.MessageID = "m2"
	blank.Content = "   "
	outcome, err = pipe.ProcessBackfill(context.Background(), blank)
	require.NoError(t, err)
	assert.Equal(t, SkipTrivialContent, outcome.Reason)
}

func TestProcessExclusionDominatesMonitorAll(t *testing.T) {
	repo := newTestRepo(t)
	activeSettings(t, repo, true)
	require.NoError(t, repo.SetChannelMonitored(models.PlatformDiscord, "c1", "g1", true))
	require.NoError(t, repo.ExcludeUser(&models.ExcludedUser{
		Platform: models.PlatformDiscord, UserID: "u1", GuildID: "g1",
	}))
	classifier := &stubClassifier{}
	pipe := New(repo, classifier, nil)

	outcome, err := pipe.Process(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, SkipAuthorExcluded, outcome.Reason)
	assert.Zero(t, classifier.calls)
}
