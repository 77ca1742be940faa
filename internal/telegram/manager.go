package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/moodwatch/moodwatch-bot/internal/database"
	"github.com/moodwatch/moodwatch-bot/internal/lock"
	"github.com/moodwatch/moodwatch-bot/internal/models"
	"github.com/moodwatch/moodwatch-bot/internal/pipeline"
	"github.com/moodwatch/moodwatch-bot/internal/platform"
	"github.com/moodwatch/moodwatch-bot/internal/token"
)

const (
	connectTimeout = 10 * time.Second
	settleDelay    = 250 * time.Millisecond
	pollTimeoutSec = 30
)

// Manager owns the single live Telegram connection for this process. The Bot
// API forbids two concurrent pollers with the same token, even across process
// restarts, so Initialize holds an advisory lock for the lifetime of the
// connection and refreshes it while polling.
type Manager struct {
	repo   *database.Repository
	pipe   *pipeline.Pipeline
	locker lock.Locker

	mu         sync.Mutex
	bot        *tgbotapi.BotAPI
	credential string
	ready      bool
	pollDone   chan struct{}

	// Chats the live connection has delivered messages for. Telegram has no
	// "list chats" call, so this set is the remote side of reconciliation.
	seenMu    sync.Mutex
	seenChats map[int64]string
}

func NewManager(repo *database.Repository, pipe *pipeline.Pipeline, locker lock.Locker) *Manager {
	return &Manager{
		repo:      repo,
		pipe:      pipe,
		locker:    locker,
		seenChats: make(map[int64]string),
	}
}

// Initialize connects the Telegram poller. Already ready with the same
// credential and force=false returns immediately. The advisory lock is
// acquired before connecting; a lock held by a live other owner is a hard
// failure, while a stale one is reclaimed.
func (m *Manager) Initialize(credential string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleaned := strings.TrimSpace(credential)
	if m.ready && m.credential == cleaned && !force {
		return nil
	}

	m.teardownLocked()

	if err := token.ValidateTelegramToken(cleaned); err != nil {
		return fmt.Errorf("invalid Telegram bot token: %w", err)
	}

	if err := m.locker.Acquire(); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return fmt.Errorf("another moodwatch instance is already polling Telegram: %w", err)
		}
		return err
	}

	bot, err := connectWithTimeout(cleaned, connectTimeout)
	if err != nil {
		m.locker.Release()
		return mapConnectError(err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = pollTimeoutSec
	updates := bot.GetUpdatesChan(updateConfig)

	m.bot = bot
	m.credential = cleaned
	m.ready = true
	m.pollDone = make(chan struct{})
	go m.poll(updates, m.pollDone)

	log.Printf("Telegram connection is ready as @%s", bot.Self.UserName)
	return nil
}

// connectWithTimeout performs the getMe handshake, bounded so a dead network
// reports failure instead of hanging the caller.
func connectWithTimeout(credential string, timeout time.Duration) (*tgbotapi.BotAPI, error) {
	type result struct {
		bot *tgbotapi.BotAPI
		err error
	}
	ch := make(chan result, 1)
	go func() {
		bot, err := tgbotapi.NewBotAPI(credential)
		ch <- result{bot, err}
	}()

	select {
	case r := <-ch:
		return r.bot, r.err
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for Telegram to acknowledge the connection")
	}
}

// poll consumes the update stream until the bot stops receiving. Exactly one
// poll goroutine exists per live connection; it is the Telegram counterpart of
// an attached handler set.
func (m *Manager) poll(updates tgbotapi.UpdatesChannel, done chan struct{}) {
	defer close(done)
	refresh := time.NewTicker(30 * time.Second)
	defer refresh.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.From == nil || update.Message.From.IsBot {
				continue
			}
			m.handleMessage(update.Message)
		case <-refresh.C:
			if err := m.locker.Refresh(); err != nil {
				log.Printf("Error refreshing Telegram poller lock: %v", err)
			}
		}
	}
}

func (m *Manager) handleMessage(tm *tgbotapi.Message) {
	m.rememberChat(tm.Chat)

	username := tm.From.UserName
	if username == "" {
		username = strings.TrimSpace(tm.From.FirstName + " " + tm.From.LastName)
	}

	msg := platform.Message{
		Platform:  models.PlatformTelegram,
		MessageID: strconv.Itoa(tm.MessageID),
		ChannelID: strconv.FormatInt(tm.Chat.ID, 10),
		GuildID:   "",
		UserID:    strconv.FormatInt(tm.From.ID, 10),
		Username:  username,
		Content:   tm.Text,
		Timestamp: time.Unix(int64(tm.Date), 0),
	}

	if _, err := m.pipe.Process(context.Background(), msg); err != nil {
		log.Printf("Error processing Telegram message %d: %v", tm.MessageID, err)
	}
}

func (m *Manager) rememberChat(chat *tgbotapi.Chat) {
	if chat == nil {
		return
	}
	name := chat.Title
	if name == "" {
		name = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	m.seenMu.Lock()
	m.seenChats[chat.ID] = name
	m.seenMu.Unlock()
}

// Teardown stops the poller, waits for the poll goroutine to exit, and
// releases the advisory lock.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

func (m *Manager) teardownLocked() {
	if m.bot == nil {
		m.ready = false
		return
	}

	m.bot.StopReceivingUpdates()
	if m.pollDone != nil {
		select {
		case <-m.pollDone:
		case <-time.After(2 * time.Second):
			log.Println("Telegram poll loop did not stop in time; continuing teardown")
		}
		m.pollDone = nil
	}
	time.Sleep(settleDelay)

	m.bot = nil
	m.credential = ""
	m.ready = false
	if err := m.locker.Release(); err != nil {
		log.Printf("Error releasing Telegram poller lock: %v", err)
	}
	log.Println("Telegram connection torn down")
}

// IsReady reports whether the poller is live.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// ReconcileChannels syncs the locally cached chat records against the chats
// the live connection has seen plus refreshed metadata for already-cached
// chats. Telegram has no chat-list API, so this is the closest available
// remote view. Records are never deleted here. The guildID argument is
// ignored; Telegram is single-tenant.
func (m *Manager) ReconcileChannels(string) ([]models.ChannelRecord, error) {
	m.mu.Lock()
	bot := m.bot
	ready := m.ready
	m.mu.Unlock()

	if !ready || bot == nil {
		return nil, errors.New("the Telegram bot is not connected; save settings and start it first")
	}

	known := make(map[int64]string)
	m.seenMu.Lock()
	for id, name := range m.seenChats {
		known[id] = name
	}
	m.seenMu.Unlock()

	cached, err := m.repo.GetChannelRecords(models.PlatformTelegram, "")
	if err != nil {
		return nil, err
	}
	for _, record := range cached {
		id, err := strconv.ParseInt(record.ChannelID, 10, 64)
		if err != nil {
			continue
		}
		if _, ok := known[id]; !ok {
			known[id] = record.Name
		}
	}

	for id, fallbackName := range known {
		name := fallbackName
		chat, err := bot.GetChat(tgbotapi.ChatInfoConfig{
			ChatConfig: tgbotapi.ChatConfig{ChatID: id},
		})
		if err == nil {
			if chat.Title != "" {
				name = chat.Title
			} else if full := strings.TrimSpace(chat.FirstName + " " + chat.LastName); full != "" {
				name = full
			}
		} else {
			log.Printf("Could not refresh Telegram chat %d: %v", id, err)
		}

		record := models.ChannelRecord{
			Platform:  models.PlatformTelegram,
			ChannelID: strconv.FormatInt(id, 10),
			Name:      name,
		}
		if err := m.repo.UpsertChannelRecord(&record); err != nil {
			log.Printf("Error caching Telegram chat %d: %v", id, err)
		}
	}

	return m.repo.GetChannelRecords(models.PlatformTelegram, "")
}

// mapConnectError translates known Telegram failure signatures into messages
// an operator can act on.
func mapConnectError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized"):
		return errors.New("Telegram rejected the bot token; check the credential in settings")
	case strings.Contains(msg, "409") || strings.Contains(msg, "Conflict"):
		return errors.New("another poller is using this Telegram bot token")
	default:
		return fmt.Errorf("Telegram connection error: %w", err)
	}
}
