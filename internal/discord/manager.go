package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/moodwatch/moodwatch-bot/internal/database"
	"github.com/moodwatch/moodwatch-bot/internal/models"
	"github.com/moodwatch/moodwatch-bot/internal/pipeline"
	"github.com/moodwatch/moodwatch-bot/internal/platform"
	"github.com/moodwatch/moodwatch-bot/internal/token"
)

// readyTimeout bounds how long Initialize waits for the gateway ready signal
// before reporting failure instead of hanging the caller.
const readyTimeout = 10 * time.Second

// settleDelay gives in-flight gateway traffic a moment to drain on teardown.
const settleDelay = 250 * time.Millisecond

// Manager owns the single live Discord connection for this process. All
// lifecycle transitions are serialized by mu, so concurrent Initialize calls
// wait for the in-flight attempt instead of racing to open two gateways.
type Manager struct {
	repo *database.Repository
	pipe *pipeline.Pipeline

	mu             sync.Mutex
	session        *discordgo.Session
	credential     string
	ready          bool
	removeHandlers []func()

	pageDelay  time.Duration
	batchPause time.Duration
	backfills  *backfillRegistry
}

func NewManager(repo *database.Repository, pipe *pipeline.Pipeline) *Manager {
	return &Manager{
		repo:       repo,
		pipe:       pipe,
		pageDelay:  time.Second,
		batchPause: 5 * time.Second,
		backfills:  newBackfillRegistry(),
	}
}

// SetPacing overrides the backfill delays between pages and between batches.
func (m *Manager) SetPacing(pageDelay, batchPause time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pageDelay > 0 {
		m.pageDelay = pageDelay
	}
	if batchPause > 0 {
		m.batchPause = batchPause
	}
}

// Initialize connects to Discord with the given credential. Already ready
// with the same credential and force=false is the idempotent fast path. Any
// existing connection is torn down before a new one is opened.
func (m *Manager) Initialize(credential string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleaned := token.CleanDiscordToken(credential)
	if m.ready && m.credential == cleaned && !force {
		return nil
	}

	m.teardownLocked()

	if err := token.ValidateDiscordToken(cleaned); err != nil {
		return fmt.Errorf("invalid Discord bot token: %w", err)
	}

	session, err := discordgo.New("Bot " + cleaned)
	if err != nil {
		return fmt.Errorf("error creating Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	readyCh := make(chan struct{}, 1)
	removeReady := session.AddHandler(func(s *discordgo.Session, _ *discordgo.Ready) {
		select {
		case readyCh <- struct{}{}:
		default:
		}
	})

	if err := session.Open(); err != nil {
		removeReady()
		return mapConnectError(err)
	}

	select {
	case <-readyCh:
	case <-time.After(readyTimeout):
		removeReady()
		session.Close()
		return errors.New("timed out waiting for the Discord gateway ready signal")
	}

	m.session = session
	m.credential = cleaned
	m.removeHandlers = []func(){removeReady}
	m.attachHandlersLocked()
	m.ready = true

	log.Println("Discord connection is ready")
	return nil
}

// Teardown closes the live connection, detaching all event handlers first so
// a later Initialize never double-registers them.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

func (m *Manager) teardownLocked() {
	if m.session == nil {
		m.ready = false
		return
	}

	for _, remove := range m.removeHandlers {
		remove()
	}
	m.removeHandlers = nil

	if err := m.session.Close(); err != nil {
		log.Printf("Error closing Discord session: %v", err)
	}
	time.Sleep(settleDelay)

	m.session = nil
	m.credential = ""
	m.ready = false
	log.Println("Discord connection torn down")
}

// IsReady reports whether a live connection is held.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// attachHandlersLocked registers the message-event handler set. Called only
// from Initialize, after any previous set was detached, so exactly one set is
// ever attached.
func (m *Manager) attachHandlersLocked() {
	m.removeHandlers = append(m.removeHandlers,
		m.session.AddHandler(m.messageCreate),
	)
}

func (m *Manager) messageCreate(s *discordgo.Session, event *discordgo.MessageCreate) {
	if event.Author == nil || event.Author.ID == s.State.User.ID || event.Author.Bot {
		return
	}

	msg := platform.Message{
		Platform:  models.PlatformDiscord,
		MessageID: event.ID,
		ChannelID: event.ChannelID,
		GuildID:   event.GuildID,
		UserID:    event.Author.ID,
		Username:  event.Author.Username,
		Content:   event.Content,
		Timestamp: event.Timestamp,
	}

	if _, err := m.pipe.Process(context.Background(), msg); err != nil {
		log.Printf("Error processing Discord message %s: %v", event.ID, err)
	}
}

// ReconcileChannels fetches the guild's current channel list, upserts every
// text channel into the local cache, and returns the refreshed set. Local
// records absent from the remote list are kept: a channel may be temporarily
// unfetchable, and deleting its record would silently un-monitor it.
func (m *Manager) ReconcileChannels(guildID string) ([]models.ChannelRecord, error) {
	m.mu.Lock()
	session := m.session
	ready := m.ready
	m.mu.Unlock()

	if !ready || session == nil {
		return nil, errors.New("the Discord bot is not connected; save settings and start it first")
	}

	guildName := ""
	if guild, err := session.Guild(guildID); err == nil {
		guildName = guild.Name
	} else {
		log.Printf("Could not retrieve guild details for %s: %v", guildID, err)
	}

	channels, err := session.GuildChannels(guildID)
	if err != nil {
		return nil, mapConnectError(err)
	}

	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText && ch.Type != discordgo.ChannelTypeGuildNews {
			continue
		}
		record := models.ChannelRecord{
			Platform:  models.PlatformDiscord,
			ChannelID: ch.ID,
			Name:      ch.Name,
			GuildID:   guildID,
			GuildName: guildName,
		}
		if err := m.repo.UpsertChannelRecord(&record); err != nil {
			log.Printf("Error caching channel %s (%s): %v", ch.Name, ch.ID, err)
		}
	}

	return m.repo.GetChannelRecords(models.PlatformDiscord, guildID)
}

// mapConnectError translates known Discord failure signatures into messages an
// operator can act on.
func mapConnectError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "4004") || strings.Contains(msg, "Authentication failed"):
		return errors.New("Discord rejected the bot token; check the credential in settings")
	case strings.Contains(msg, "4014") || strings.Contains(msg, "disallowed intent"):
		return errors.New("the bot is missing the Message Content intent; enable it in the Discord developer portal")
	case strings.Contains(msg, "Unknown Guild"):
		return errors.New("the configured guild ID is unknown; check that the bot has been invited to the server")
	case strings.Contains(msg, "Missing Access") || strings.Contains(msg, "Missing Permissions"):
		return errors.New("the bot lacks permission to view that guild or channel")
	default:
		return fmt.Errorf("Discord connection error: %w", err)
	}
}
