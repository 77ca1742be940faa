package models

import (
	"time"
)

// Platform discriminator values used across all tables.
const (
	PlatformDiscord  = "discord"
	PlatformTelegram = "telegram"
)

// Sentiment labels produced by the classifier, ordered by score 0..4.
const (
	SentimentVeryNegative = "very_negative"
	SentimentNegative     = "negative"
	SentimentNeutral      = "neutral"
	SentimentPositive     = "positive"
	SentimentVeryPositive = "very_positive"
)

// BotSettings is the active configuration for one platform connection. The
// guild platform keeps one row per guild; the direct-message platform uses a
// single row with an empty guild_id.
type BotSettings struct {
	Platform             string    `gorm:"primaryKey;column:platform"`
	GuildID              string    `gorm:"primaryKey;column:guild_id"`
	Credential           string    `gorm:"column:credential" json:"-"`
	IsActive             bool      `gorm:"column:is_active"`
	MonitorAllChannels   bool      `gorm:"column:monitor_all_channels"`
	AnalysisFrequency    string    `gorm:"column:analysis_frequency"`
	LoggingEnabled       bool      `gorm:"column:logging_enabled"`
	NotificationsEnabled bool      `gorm:"column:notifications_enabled"`
	UpdatedAt            time.Time `gorm:"column:updated_at"`
}

func (BotSettings) TableName() string {
	return "bot_settings"
}

// MonitoredChannel is an explicit opt-in to analyze a channel. Existence of a
// row means monitored, independent of the monitor-all flag.
type MonitoredChannel struct {
	Platform  string `gorm:"primaryKey;column:platform"`
	ChannelID string `gorm:"primaryKey;column:channel_id"`
	GuildID   string `gorm:"column:guild_id"`
}

func (MonitoredChannel) TableName() string {
	return "monitored_channels"
}

// ExcludedUser is never analyzed, regardless of monitoring state.
type ExcludedUser struct {
	Platform string `gorm:"primaryKey;column:platform"`
	UserID   string `gorm:"primaryKey;column:user_id"`
	GuildID  string `gorm:"primaryKey;column:guild_id"`
	Reason   string `gorm:"column:reason"`
}

func (ExcludedUser) TableName() string {
	return "excluded_users"
}

// ChannelRecord is a locally cached mirror of a remote channel's metadata,
// refreshed by the reconciler. Not authoritative for monitoring state.
type ChannelRecord struct {
	Platform  string    `gorm:"primaryKey;column:platform"`
	ChannelID string    `gorm:"primaryKey;column:channel_id"`
	Name      string    `gorm:"column:name"`
	GuildID   string    `gorm:"column:guild_id"`
	GuildName string    `gorm:"column:guild_name"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (ChannelRecord) TableName() string {
	return "channel_records"
}

// AnalyzedMessage is immutable once created. The unique index on
// (platform, channel_id, message_id) is the dedupe key for re-ingestion.
type AnalyzedMessage struct {
	ID               uint      `gorm:"primaryKey;autoIncrement;column:id"`
	Platform         string    `gorm:"column:platform;uniqueIndex:idx_message_identity"`
	ChannelID        string    `gorm:"column:channel_id;uniqueIndex:idx_message_identity"`
	MessageID        string    `gorm:"column:message_id;uniqueIndex:idx_message_identity"`
	UserID           string    `gorm:"column:user_id"`
	Username         string    `gorm:"column:username"`
	Content          string    `gorm:"column:content"`
	SentimentLabel   string    `gorm:"column:sentiment_label"`
	SentimentScore   int       `gorm:"column:sentiment_score"`
	Confidence       float64   `gorm:"column:confidence"`
	MessageTimestamp time.Time `gorm:"column:message_timestamp"`
	AnalyzedAt       time.Time `gorm:"column:analyzed_at"`
}

func (AnalyzedMessage) TableName() string {
	return "analyzed_messages"
}

// DashboardUser is an operator account for the web dashboard.
type DashboardUser struct {
	Username     string    `gorm:"primaryKey;column:username"`
	PasswordHash string    `gorm:"column:password_hash"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (DashboardUser) TableName() string {
	return "dashboard_users"
}

// APIHealthStat tracks call outcomes for an external service.
type APIHealthStat struct {
	ServiceName        string `gorm:"primaryKey;column:service_name"`
	TotalRequests      uint64 `gorm:"column:total_requests"`
	SuccessfulRequests uint64 `gorm:"column:successful_requests"`
}

func (APIHealthStat) TableName() string {
	return "api_health_stats"
}
