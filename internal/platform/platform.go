package platform

import (
	"time"

	"github.com/moodwatch/moodwatch-bot/internal/models"
)

// Message is one inbound chat message, normalized across platforms, as handed
// to the ingestion pipeline by a lifecycle manager or the backfill fetcher.
type Message struct {
	Platform  string
	MessageID string
	ChannelID string
	GuildID   string
	UserID    string
	Username  string
	Content   string
	Timestamp time.Time
}

// ChannelInfo is one entry of a platform's live channel list.
type ChannelInfo struct {
	ID        string
	Name      string
	GuildID   string
	GuildName string
}

// Manager owns the single live connection to one chat platform.
//
// Initialize is idempotent: already ready with the same credential and
// force=false returns immediately. Otherwise any existing connection is torn
// down first, so a manager never holds two connections. Teardown detaches all
// event handlers before releasing the connection; a later Initialize attaches
// exactly one new set.
type Manager interface {
	Initialize(credential string, force bool) error
	Teardown()
	IsReady() bool
	ReconcileChannels(guildID string) ([]models.ChannelRecord, error)
}
