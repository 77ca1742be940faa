package pipeline

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/moodwatch/moodwatch-bot/internal/database"
	"github.com/moodwatch/moodwatch-bot/internal/models"
	"github.com/moodwatch/moodwatch-bot/internal/platform"
	"github.com/moodwatch/moodwatch-bot/internal/sentiment"
)

// Status is the terminal state of one message's trip through the pipeline.
type Status string

const (
	StatusStored  Status = "stored"
	StatusSkipped Status = "skipped"
)

// SkipReason identifies which guard stopped a message.
type SkipReason string

const (
	SkipTrivialContent SkipReason = "empty_or_trivial"
	SkipAuthorExcluded SkipReason = "author_excluded"
	SkipBotInactive    SkipReason = "bot_inactive"
	SkipNotMonitored   SkipReason = "not_monitored"
	SkipDuplicate      SkipReason = "duplicate"
)

// Outcome reports what the pipeline did with a message.
type Outcome struct {
	Status Status
	Reason SkipReason
}

// Classifier scores message text. sentiment.Client satisfies this; tests
// substitute stubs.
type Classifier interface {
	Classify(ctx context.Context, text string) sentiment.Result
}

// Notifier receives each stored message. The dashboard's live feed hangs off
// this; a nil notifier disables it.
type Notifier interface {
	MessageStored(msg models.AnalyzedMessage)
}

// Pipeline decides, per inbound message, whether to analyze it, calls the
// classifier, and persists the result idempotently. One instance serves both
// platforms and both the real-time and backfill paths.
type Pipeline struct {
	repo       *database.Repository
	classifier Classifier
	notifier   Notifier
}

func New(repo *database.Repository, classifier Classifier, notifier Notifier) *Pipeline {
	return &Pipeline{
		repo:       repo,
		classifier: classifier,
		notifier:   notifier,
	}
}

// Process runs one message through the guard chain and, if it passes, through
// classification and storage. Guards run cheapest first so excluded users and
// inactive bots short-circuit before any remote classifier call.
//
// Re-invoking Process with an already-stored message is a no-op
// (skipped:duplicate), never an error; backfill retries rely on that.
func (p *Pipeline) Process(ctx context.Context, msg platform.Message) (Outcome, error) {
	return p.process(ctx, msg, false)
}

// ProcessBackfill is the historical-ingestion variant: only blank content is
// skipped (short historical messages are still recorded), and the bot-active
// guard does not apply because backfill operates on already-fetched data.
func (p *Pipeline) ProcessBackfill(ctx context.Context, msg platform.Message) (Outcome, error) {
	return p.process(ctx, msg, true)
}

func (p *Pipeline) process(ctx context.Context, msg platform.Message, backfill bool) (Outcome, error) {
	if backfill {
		if strings.TrimSpace(msg.Content) == "" {
			return Outcome{Status: StatusSkipped, Reason: SkipTrivialContent}, nil
		}
	} else if len([]rune(msg.Content)) < sentiment.MinAnalyzableLength {
		return Outcome{Status: StatusSkipped, Reason: SkipTrivialContent}, nil
	}

	excluded, err := p.repo.IsUserExcluded(msg.Platform, msg.UserID, msg.GuildID)
	if err != nil {
		return Outcome{}, err
	}
	if excluded {
		return p.skip(msg, SkipAuthorExcluded), nil
	}

	settings, err := p.repo.GetActiveSettings(msg.Platform, msg.GuildID)
	if err != nil {
		return Outcome{}, err
	}
	if !backfill && (settings == nil || !settings.IsActive) {
		return p.skip(msg, SkipBotInactive), nil
	}

	monitored := settings != nil && settings.MonitorAllChannels
	if !monitored {
		monitored, err = p.repo.IsChannelMonitoredFor(msg.Platform, msg.ChannelID, msg.GuildID)
		if err != nil {
			return Outcome{}, err
		}
	}
	if !monitored {
		return p.skip(msg, SkipNotMonitored), nil
	}

	exists, err := p.repo.MessageExists(msg.Platform, msg.ChannelID, msg.MessageID)
	if err != nil {
		return Outcome{}, err
	}
	if exists {
		return p.skip(msg, SkipDuplicate), nil
	}

	result := p.classifier.Classify(ctx, msg.Content)

	stored := models.AnalyzedMessage{
		Platform:         msg.Platform,
		ChannelID:        msg.ChannelID,
		MessageID:        msg.MessageID,
		UserID:           msg.UserID,
		Username:         msg.Username,
		Content:          msg.Content,
		SentimentLabel:   result.Label,
		SentimentScore:   result.Score,
		Confidence:       result.Confidence,
		MessageTimestamp: msg.Timestamp,
		AnalyzedAt:       time.Now(),
	}

	err = p.repo.CreateAnalyzedMessage(&stored)
	if errors.Is(err, database.ErrDuplicate) {
		// Lost a race with a concurrent ingestion of the same message.
		return p.skip(msg, SkipDuplicate), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	if settings != nil && settings.LoggingEnabled {
		log.Printf("Stored message %s from %s in channel %s as %s (score %d)",
			msg.MessageID, msg.UserID, msg.ChannelID, result.Label, result.Score)
	}
	if p.notifier != nil && settings != nil && settings.NotificationsEnabled {
		p.notifier.MessageStored(stored)
	}

	return Outcome{Status: StatusStored}, nil
}

// skip logs the guard decision and returns the terminal outcome. Skips are
// expected states, not errors.
func (p *Pipeline) skip(msg platform.Message, reason SkipReason) Outcome {
	log.Printf("Skipped message %s in channel %s: %s", msg.MessageID, msg.ChannelID, reason)
	return Outcome{Status: StatusSkipped, Reason: reason}
}
