package discord

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/moodwatch/moodwatch-bot/internal/models"
	"github.com/moodwatch/moodwatch-bot/internal/platform"
)

const (
	// Discord caps history pages at 100 messages.
	backfillPageSize = 100
	// After this many messages an extra pause is inserted on top of the
	// per-page delay, to stay under the classifier's rate limit on long runs.
	backfillBatchSize = 500
)

// BackfillResult summarizes one backfill run. Any page fetched counts as
// success; page errors after the first page stop the run with partial data
// retained.
type BackfillResult struct {
	Processed int       `json:"processed"`
	Errors    int       `json:"errors"`
	Pages     int       `json:"pages"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"startedAt"`
}

// backfillRegistry tracks in-flight and completed runs per channel so the
// dashboard can poll progress.
type backfillRegistry struct {
	mu   sync.Mutex
	runs map[string]*BackfillResult
}

func newBackfillRegistry() *backfillRegistry {
	return &backfillRegistry{runs: make(map[string]*BackfillResult)}
}

func (r *backfillRegistry) start(channelID string) *BackfillResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	run := &BackfillResult{Running: true, StartedAt: time.Now()}
	r.runs[channelID] = run
	return run
}

func (r *backfillRegistry) snapshot() map[string]BackfillResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BackfillResult, len(r.runs))
	for id, run := range r.runs {
		out[id] = *run
	}
	return out
}

func (r *backfillRegistry) update(run *BackfillResult, fn func(*BackfillResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(run)
}

// BackfillStatuses returns a snapshot of backfill progress per channel.
func (m *Manager) BackfillStatuses() map[string]BackfillResult {
	return m.backfills.snapshot()
}

// IsBackfillRunning reports whether a run is in flight for the channel.
func (m *Manager) IsBackfillRunning(channelID string) bool {
	for id, run := range m.backfills.snapshot() {
		if id == channelID && run.Running {
			return true
		}
	}
	return false
}

// Backfill fetches up to maxMessages of a channel's history, oldest-first
// within each page, and feeds every message through the ingestion pipeline.
// The page cursor is the oldest message ID of the previous page. It is meant
// to run in a background goroutine; it does not depend on the live event
// stream, so a teardown does not interrupt it.
func (m *Manager) Backfill(ctx context.Context, channelID string, maxMessages int) (BackfillResult, error) {
	m.mu.Lock()
	session := m.session
	pageDelay := m.pageDelay
	batchPause := m.batchPause
	m.mu.Unlock()

	if session == nil {
		return BackfillResult{}, errors.New("the Discord bot is not connected; save settings and start it first")
	}
	if maxMessages <= 0 {
		maxMessages = 1000
	}

	guildID := ""
	if ch, err := session.Channel(channelID); err == nil {
		guildID = ch.GuildID
	} else {
		return BackfillResult{}, mapConnectError(err)
	}

	run := m.backfills.start(channelID)
	limiter := rate.NewLimiter(rate.Every(pageDelay), 1)
	log.Printf("Backfill started for channel %s (max %d messages)", channelID, maxMessages)

	beforeID := ""
	sinceBatchPause := 0
	for run.Processed < maxMessages {
		pageSize := backfillPageSize
		if remaining := maxMessages - run.Processed; remaining < pageSize {
			pageSize = remaining
		}

		page, err := session.ChannelMessages(channelID, pageSize, beforeID, "", "")
		if err != nil {
			m.backfills.update(run, func(r *BackfillResult) { r.Running = false })
			if run.Pages == 0 {
				// Nothing fetched at all: a full failure the operator sees.
				return *run, mapConnectError(err)
			}
			// Partial success: keep what was processed.
			log.Printf("Backfill for channel %s stopped after %d pages: %v", channelID, run.Pages, err)
			return *run, nil
		}
		if len(page) == 0 {
			break
		}

		m.backfills.update(run, func(r *BackfillResult) { r.Pages++ })
		// Pages arrive newest-first; the cursor is the oldest message.
		beforeID = page[len(page)-1].ID

		// Replay in original chronological order.
		for i := len(page) - 1; i >= 0; i-- {
			dm := page[i]
			if dm.Author == nil || dm.Author.Bot {
				continue
			}
			msg := platform.Message{
				Platform:  models.PlatformDiscord,
				MessageID: dm.ID,
				ChannelID: channelID,
				GuildID:   guildID,
				UserID:    dm.Author.ID,
				Username:  dm.Author.Username,
				Content:   dm.Content,
				Timestamp: dm.Timestamp,
			}
			if _, err := m.pipe.ProcessBackfill(ctx, msg); err != nil {
				m.backfills.update(run, func(r *BackfillResult) { r.Errors++ })
				log.Printf("Error backfilling message %s: %v", dm.ID, err)
				continue
			}
			m.backfills.update(run, func(r *BackfillResult) { r.Processed++ })
			sinceBatchPause++

			if sinceBatchPause >= backfillBatchSize {
				sinceBatchPause = 0
				time.Sleep(batchPause)
			}
		}

		if len(page) < pageSize {
			break // reached the start of the channel's history
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}
	}

	m.backfills.update(run, func(r *BackfillResult) { r.Running = false })
	log.Printf("Backfill finished for channel %s: %d processed, %d errors over %d pages",
		channelID, run.Processed, run.Errors, run.Pages)
	return *run, nil
}
