package database

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/moodwatch/moodwatch-bot/internal/models"
)

// Repository handles database operations for monitoring state and analyzed
// messages.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository instance bound to the shared handle.
func NewRepository() *Repository {
	return &Repository{db: DB}
}

// NewRepositoryWithDB creates a repository bound to a specific handle. Used by
// tests that run against an in-memory database.
func NewRepositoryWithDB(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// --- Bot settings ---

// GetActiveSettings retrieves the settings row for a platform scope.
// Returns (nil, nil) if no record is found, which is not an error.
func (r *Repository) GetActiveSettings(platform, guildID string) (*models.BotSettings, error) {
	var settings models.BotSettings
	err := WithRetry(func() error {
		result := r.db.Where("platform = ? AND guild_id = ?", platform, guildID).First(&settings)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		return result.Error
	})
	if err != nil {
		return nil, err
	}
	if settings.Platform == "" {
		return nil, nil
	}
	return &settings, nil
}

// UpsertSettings creates or updates the settings row for its platform scope.
func (r *Repository) UpsertSettings(settings *models.BotSettings) error {
	settings.UpdatedAt = time.Now()
	return WithRetry(func() error {
		return r.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "platform"}, {Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"credential", "is_active", "monitor_all_channels", "analysis_frequency",
				"logging_enabled", "notifications_enabled", "updated_at",
			}),
		}).Create(settings).Error
	})
}

// ListActiveSettings returns every settings row whose bot is active.
func (r *Repository) ListActiveSettings() ([]models.BotSettings, error) {
	var rows []models.BotSettings
	err := WithRetry(func() error {
		return r.db.Where("is_active = ?", true).Find(&rows).Error
	})
	return rows, err
}

// SetActive flips the active flag without touching the rest of the settings.
func (r *Repository) SetActive(platform, guildID string, active bool) error {
	return WithRetry(func() error {
		return r.db.Model(&models.BotSettings{}).
			Where("platform = ? AND guild_id = ?", platform, guildID).
			Updates(map[string]any{
				"is_active":  active,
				"updated_at": time.Now(),
			}).Error
	})
}

// --- Channel monitoring ---

// IsChannelMonitored reports whether a channel should be analyzed. The owning
// guild is resolved from the cached channel records; callers that already know
// the guild should use IsChannelMonitoredFor.
func (r *Repository) IsChannelMonitored(platform, channelID string) (bool, error) {
	guildID, err := r.guildForChannel(platform, channelID)
	if err != nil {
		return false, err
	}
	return r.IsChannelMonitoredFor(platform, channelID, guildID)
}

// IsChannelMonitoredFor reports whether a channel should be analyzed: true if
// an explicit MonitoredChannel row exists, OR if the owning scope's settings
// have monitor_all_channels set. Checking only the explicit list would
// silently drop monitor-all configurations, so both sides of the OR matter.
func (r *Repository) IsChannelMonitoredFor(platform, channelID, guildID string) (bool, error) {
	var count int64
	err := WithRetry(func() error {
		return r.db.Model(&models.MonitoredChannel{}).
			Where("platform = ? AND channel_id = ?", platform, channelID).
			Count(&count).Error
	})
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	settings, err := r.GetActiveSettings(platform, guildID)
	if err != nil {
		return false, err
	}
	return settings != nil && settings.MonitorAllChannels, nil
}

// MessageExists reports whether a message identity is already stored.
func (r *Repository) MessageExists(platform, channelID, messageID string) (bool, error) {
	var count int64
	err := WithRetry(func() error {
		return r.db.Model(&models.AnalyzedMessage{}).
			Where("platform = ? AND channel_id = ? AND message_id = ?", platform, channelID, messageID).
			Count(&count).Error
	})
	return count > 0, err
}

// guildForChannel resolves a channel's owning guild from the cached channel
// records. An unknown channel maps to the single-tenant scope ("").
func (r *Repository) guildForChannel(platform, channelID string) (string, error) {
	var record models.ChannelRecord
	err := WithRetry(func() error {
		result := r.db.Where("platform = ? AND channel_id = ?", platform, channelID).First(&record)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		return result.Error
	})
	if err != nil {
		return "", err
	}
	return record.GuildID, nil
}

// SetChannelMonitored toggles explicit monitoring for a channel. Both
// directions are idempotent: inserting an existing row and deleting a missing
// one are no-ops.
func (r *Repository) SetChannelMonitored(platform, channelID, guildID string, monitor bool) error {
	if !monitor {
		return WithRetry(func() error {
			return r.db.Delete(&models.MonitoredChannel{},
				"platform = ? AND channel_id = ?", platform, channelID).Error
		})
	}
	return WithRetry(func() error {
		return r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.MonitoredChannel{
			Platform:  platform,
			ChannelID: channelID,
			GuildID:   guildID,
		}).Error
	})
}

// GetMonitoredChannelIDs returns the explicitly monitored channel IDs for a
// scope.
func (r *Repository) GetMonitoredChannelIDs(platform, guildID string) ([]string, error) {
	var ids []string
	err := WithRetry(func() error {
		return r.db.Model(&models.MonitoredChannel{}).
			Where("platform = ? AND guild_id = ?", platform, guildID).
			Pluck("channel_id", &ids).Error
	})
	return ids, err
}

// --- User exclusion ---

// IsUserExcluded reports whether a user is excluded from analysis in a scope.
func (r *Repository) IsUserExcluded(platform, userID, guildID string) (bool, error) {
	var count int64
	err := WithRetry(func() error {
		return r.db.Model(&models.ExcludedUser{}).
			Where("platform = ? AND user_id = ? AND guild_id = ?", platform, userID, guildID).
			Count(&count).Error
	})
	return count > 0, err
}

// ExcludeUser adds a user to the exclusion list. Adding an already excluded
// user is a no-op, not an error.
func (r *Repository) ExcludeUser(user *models.ExcludedUser) error {
	return WithRetry(func() error {
		return r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(user).Error
	})
}

// RemoveExcludedUser removes a user from the exclusion list, if present.
func (r *Repository) RemoveExcludedUser(platform, userID, guildID string) error {
	return WithRetry(func() error {
		return r.db.Delete(&models.ExcludedUser{},
			"platform = ? AND user_id = ? AND guild_id = ?", platform, userID, guildID).Error
	})
}

// ListExcludedUsers returns all exclusions for a platform.
func (r *Repository) ListExcludedUsers(platform string) ([]models.ExcludedUser, error) {
	var users []models.ExcludedUser
	err := WithRetry(func() error {
		return r.db.Where("platform = ?", platform).Find(&users).Error
	})
	return users, err
}

// --- Channel records ---

// UpsertChannelRecord inserts or updates a cached channel record by its
// natural key. Only the display fields are updated on conflict; the identity
// columns are never rewritten.
func (r *Repository) UpsertChannelRecord(record *models.ChannelRecord) error {
	record.UpdatedAt = time.Now()
	return WithRetry(func() error {
		return r.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "platform"}, {Name: "channel_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "guild_name", "updated_at"}),
		}).Create(record).Error
	})
}

// GetChannelRecords returns the cached channel records for a scope. An empty
// guildID returns all records for the platform.
func (r *Repository) GetChannelRecords(platform, guildID string) ([]models.ChannelRecord, error) {
	var records []models.ChannelRecord
	err := WithRetry(func() error {
		q := r.db.Where("platform = ?", platform)
		if guildID != "" {
			q = q.Where("guild_id = ?", guildID)
		}
		return q.Order("name").Find(&records).Error
	})
	return records, err
}

// --- Analyzed messages ---

// CreateAnalyzedMessage stores a classified message. Returns ErrDuplicate if a
// message with the same (platform, channel, message) identity is already
// stored; callers treat that as "already processed".
func (r *Repository) CreateAnalyzedMessage(msg *models.AnalyzedMessage) error {
	err := WithRetry(func() error {
		return r.db.Create(msg).Error
	})
	if err != nil && isDuplicateErr(err) {
		return ErrDuplicate
	}
	return err
}

// MessageStats summarizes the analyzed-message table for the dashboard.
type MessageStats struct {
	TotalMessages int64   `json:"totalMessages"`
	MessagesToday int64   `json:"messagesToday"`
	AverageScore  float64 `json:"averageScore"`
	ChannelCount  int64   `json:"channelCount"`
}

// GetMessageStats returns aggregate counts over all analyzed messages.
func (r *Repository) GetMessageStats() (*MessageStats, error) {
	stats := &MessageStats{}
	err := WithRetry(func() error {
		if err := r.db.Model(&models.AnalyzedMessage{}).Count(&stats.TotalMessages).Error; err != nil {
			return err
		}
		midnight := time.Now().Truncate(24 * time.Hour)
		if err := r.db.Model(&models.AnalyzedMessage{}).
			Where("analyzed_at >= ?", midnight).
			Count(&stats.MessagesToday).Error; err != nil {
			return err
		}
		if err := r.db.Model(&models.AnalyzedMessage{}).
			Distinct("channel_id").
			Count(&stats.ChannelCount).Error; err != nil {
			return err
		}
		if stats.TotalMessages == 0 {
			return nil
		}
		var avg *float64
		if err := r.db.Model(&models.AnalyzedMessage{}).
			Select("AVG(sentiment_score)").Scan(&avg).Error; err != nil {
			return err
		}
		if avg != nil {
			stats.AverageScore = *avg
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// LabelCount is one bucket of the sentiment distribution.
type LabelCount struct {
	Label string `json:"label" gorm:"column:sentiment_label"`
	Count int64  `json:"count"`
}

// GetSentimentDistribution returns message counts per sentiment label.
func (r *Repository) GetSentimentDistribution() ([]LabelCount, error) {
	var rows []LabelCount
	err := WithRetry(func() error {
		return r.db.Model(&models.AnalyzedMessage{}).
			Select("sentiment_label, COUNT(*) as count").
			Group("sentiment_label").
			Find(&rows).Error
	})
	return rows, err
}

// TrendPoint is one day of the sentiment trend.
type TrendPoint struct {
	Day          string  `json:"day"`
	AverageScore float64 `json:"averageScore"`
	Count        int64   `json:"count"`
}

// GetSentimentTrend returns the per-day average score for the last N days.
func (r *Repository) GetSentimentTrend(days int) ([]TrendPoint, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().AddDate(0, 0, -days)
	var rows []TrendPoint
	err := WithRetry(func() error {
		return r.db.Model(&models.AnalyzedMessage{}).
			Select("DATE(message_timestamp) as day, AVG(sentiment_score) as average_score, COUNT(*) as count").
			Where("message_timestamp >= ?", since).
			Group("DATE(message_timestamp)").
			Order("day").
			Find(&rows).Error
	})
	return rows, err
}

// GetRecentMessages returns the most recently analyzed messages.
func (r *Repository) GetRecentMessages(limit int) ([]models.AnalyzedMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var messages []models.AnalyzedMessage
	err := WithRetry(func() error {
		return r.db.Order("analyzed_at DESC").Limit(limit).Find(&messages).Error
	})
	return messages, err
}

// ChannelActivity is one row of the channel leaderboard.
type ChannelActivity struct {
	ChannelID    string  `json:"channelId" gorm:"column:channel_id"`
	Count        int64   `json:"count"`
	AverageScore float64 `json:"averageScore"`
}

// GetChannelLeaderboard returns the busiest channels by analyzed volume.
func (r *Repository) GetChannelLeaderboard(limit int) ([]ChannelActivity, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	var rows []ChannelActivity
	err := WithRetry(func() error {
		return r.db.Model(&models.AnalyzedMessage{}).
			Select("channel_id, COUNT(*) as count, AVG(sentiment_score) as average_score").
			Group("channel_id").
			Order("count DESC").
			Limit(limit).
			Find(&rows).Error
	})
	return rows, err
}

// DeleteMessagesOlderThan removes analyzed messages past the retention window.
func (r *Repository) DeleteMessagesOlderThan(cutoff time.Time) (int64, error) {
	var affected int64
	err := WithRetry(func() error {
		result := r.db.Delete(&models.AnalyzedMessage{}, "message_timestamp < ?", cutoff)
		affected = result.RowsAffected
		return result.Error
	})
	return affected, err
}

// --- Dashboard users ---

// GetDashboardUser retrieves an operator account by username.
// Returns (nil, nil) if no record is found.
func (r *Repository) GetDashboardUser(username string) (*models.DashboardUser, error) {
	var user models.DashboardUser
	err := WithRetry(func() error {
		result := r.db.Where("username = ?", username).First(&user)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		return result.Error
	})
	if err != nil {
		return nil, err
	}
	if user.Username == "" {
		return nil, nil
	}
	return &user, nil
}

// SeedAdminUser creates the default operator account if it does not exist.
func (r *Repository) SeedAdminUser(username, passwordHash string) error {
	return WithRetry(func() error {
		return r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.DashboardUser{
			Username:     username,
			PasswordHash: passwordHash,
			CreatedAt:    time.Now(),
		}).Error
	})
}

// --- API health ---

// UpdateAPIHealthBulk adds aggregated call counts for an external service.
func (r *Repository) UpdateAPIHealthBulk(serviceName string, totalToAdd, successfulToAdd uint64) error {
	if totalToAdd == 0 && successfulToAdd == 0 {
		return nil
	}
	return WithRetry(func() error {
		if err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.APIHealthStat{
			ServiceName: serviceName,
		}).Error; err != nil {
			return err
		}
		return r.db.Model(&models.APIHealthStat{}).
			Where("service_name = ?", serviceName).
			Updates(map[string]any{
				"total_requests":      gorm.Expr("total_requests + ?", totalToAdd),
				"successful_requests": gorm.Expr("successful_requests + ?", successfulToAdd),
			}).Error
	})
}

// GetAPIHealth returns all recorded service health rows.
func (r *Repository) GetAPIHealth() ([]models.APIHealthStat, error) {
	var stats []models.APIHealthStat
	err := WithRetry(func() error {
		return r.db.Find(&stats).Error
	})
	return stats, err
}
