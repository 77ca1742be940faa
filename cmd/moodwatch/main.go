package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moodwatch/moodwatch-bot/internal/config"
	"github.com/moodwatch/moodwatch-bot/internal/database"
	"github.com/moodwatch/moodwatch-bot/internal/discord"
	"github.com/moodwatch/moodwatch-bot/internal/health"
	"github.com/moodwatch/moodwatch-bot/internal/lock"
	"github.com/moodwatch/moodwatch-bot/internal/models"
	"github.com/moodwatch/moodwatch-bot/internal/pipeline"
	"github.com/moodwatch/moodwatch-bot/internal/platform"
	"github.com/moodwatch/moodwatch-bot/internal/scheduler"
	"github.com/moodwatch/moodwatch-bot/internal/sentiment"
	"github.com/moodwatch/moodwatch-bot/internal/telegram"
	"github.com/moodwatch/moodwatch-bot/internal/web"
)

const version = "v0.1.0"

func main() {
	config.Load()

	log.Printf("Welcome to moodwatch, version: %s", version)

	err := database.Init(config.DatabaseType, config.GetDatabaseConnectionString())
	if err != nil {
		log.Fatalf("Error initializing database: %v", err)
	}
	defer database.Close()

	repo := database.NewRepository()

	if config.AdminUsername != "" && config.AdminPassword != "" {
		hash, err := web.HashPassword(config.AdminPassword)
		if err != nil {
			log.Fatalf("Error hashing admin password: %v", err)
		}
		if err := repo.SeedAdminUser(config.AdminUsername, hash); err != nil {
			log.Fatalf("Error seeding admin user: %v", err)
		}
	} else {
		log.Println("ADMIN_USERNAME/ADMIN_PASSWORD not set; no operator account was seeded.")
	}

	classifierAggregator := health.NewAggregator(repo, "classifier_api")
	classifierAggregator.Start(30 * time.Second)

	classifier := sentiment.NewClient(
		config.ClassifierAPIURL,
		config.ClassifierAPIKey,
		config.ClassifierRatePerSecond,
		classifierAggregator,
	)

	hub := web.NewHub()
	pipe := pipeline.New(repo, classifier, hub)

	discordManager := discord.NewManager(repo, pipe)
	discordManager.SetPacing(
		time.Duration(config.BackfillPageDelayMs)*time.Millisecond,
		time.Duration(config.BackfillBatchPauseMs)*time.Millisecond,
	)
	telegramManager := telegram.NewManager(repo, pipe, lock.NewFileLock(config.LockDir, "moodwatch-telegram"))

	managers := map[string]platform.Manager{
		models.PlatformDiscord:  discordManager,
		models.PlatformTelegram: telegramManager,
	}

	// Reconnect platforms that were active when the process last stopped.
	resumeActiveConnections(repo, managers)

	sched := scheduler.New(repo, managers, classifierAggregator, config.DataRetentionDays)
	if err := sched.Start(); err != nil {
		log.Fatalf("Error starting scheduler: %v", err)
	}

	server := web.NewServer(config.WebListenAddr, repo, managers, discordManager, hub)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Error running dashboard server: %v", err)
		}
	}()

	// Wait for a SIGINT or SIGTERM signal
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	<-sc

	log.Println("Shutting down...")
	if err := server.Stop(); err != nil {
		log.Printf("Error stopping dashboard server: %v", err)
	}
	sched.Stop()
	for _, mgr := range managers {
		mgr.Teardown()
	}
	classifierAggregator.FlushToDB()
}

// resumeActiveConnections brings connections back up for settings rows whose
// bot was left active. A failed resume is logged and the row deactivated so
// the dashboard reflects reality.
func resumeActiveConnections(repo *database.Repository, managers map[string]platform.Manager) {
	settings, err := repo.ListActiveSettings()
	if err != nil {
		log.Printf("Error listing active settings on startup: %v", err)
		return
	}

	for _, row := range settings {
		mgr, ok := managers[row.Platform]
		if !ok {
			continue
		}
		if err := mgr.Initialize(row.Credential, false); err != nil {
			log.Printf("Error resuming %s connection: %v", row.Platform, err)
			if setErr := repo.SetActive(row.Platform, row.GuildID, false); setErr != nil {
				log.Printf("Error deactivating %s settings: %v", row.Platform, setErr)
			}
			continue
		}
		go func(platformName, guildID string) {
			if _, err := mgr.ReconcileChannels(guildID); err != nil {
				log.Printf("Error reconciling %s channels on startup: %v", platformName, err)
			}
		}(row.Platform, row.GuildID)
	}
}
