package scheduler

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/moodwatch/moodwatch-bot/internal/database"
	"github.com/moodwatch/moodwatch-bot/internal/health"
	"github.com/moodwatch/moodwatch-bot/internal/platform"
)

// Scheduler runs the periodic housekeeping jobs: channel reconciliation for
// live connections, the retention sweep, and health-counter flushes.
type Scheduler struct {
	cron          *cron.Cron
	repo          *database.Repository
	managers      map[string]platform.Manager
	aggregator    *health.Aggregator
	retentionDays int
}

func New(repo *database.Repository, managers map[string]platform.Manager, aggregator *health.Aggregator, retentionDays int) *Scheduler {
	return &Scheduler{
		cron:          cron.New(),
		repo:          repo,
		managers:      managers,
		aggregator:    aggregator,
		retentionDays: retentionDays,
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("@hourly", s.reconcileAll); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("*/5 * * * *", s.aggregator.FlushToDB); err != nil {
		return err
	}
	if s.retentionDays > 0 {
		if _, err := s.cron.AddFunc("@daily", s.retentionSweep); err != nil {
			return err
		}
	}
	s.cron.Start()
	log.Println("Scheduler started")
	return nil
}

// Stop stops the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// reconcileAll refreshes the channel cache for every active, connected
// platform scope.
func (s *Scheduler) reconcileAll() {
	settings, err := s.repo.ListActiveSettings()
	if err != nil {
		log.Printf("Error listing active settings for reconcile: %v", err)
		return
	}

	for _, row := range settings {
		mgr, ok := s.managers[row.Platform]
		if !ok || !mgr.IsReady() {
			continue
		}
		if _, err := mgr.ReconcileChannels(row.GuildID); err != nil {
			log.Printf("Error reconciling %s channels for guild %q: %v", row.Platform, row.GuildID, err)
		}
	}
}

// retentionSweep deletes analyzed messages past the retention window.
func (s *Scheduler) retentionSweep() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	deleted, err := s.repo.DeleteMessagesOlderThan(cutoff)
	if err != nil {
		log.Printf("Error sweeping old messages: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Retention sweep removed %d messages older than %s", deleted, cutoff.Format("2006-01-02"))
	}
}
