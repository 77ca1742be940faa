package health

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/moodwatch/moodwatch-bot/internal/database"
)

// Aggregator holds API health stats in memory to reduce database writes. The
// classifier adapter records every call here; the counters are flushed to the
// api_health_stats table on a ticker.
type Aggregator struct {
	repo               *database.Repository
	serviceName        string
	totalRequests      atomic.Uint64
	successfulRequests atomic.Uint64
}

// NewAggregator creates a new health aggregator for one external service.
func NewAggregator(repo *database.Repository, serviceName string) *Aggregator {
	return &Aggregator{
		repo:        repo,
		serviceName: serviceName,
	}
}

// RecordCall increments the in-memory counters for an API call. Non-blocking.
func (a *Aggregator) RecordCall(success bool) {
	a.totalRequests.Add(1)
	if success {
		a.successfulRequests.Add(1)
	}
}

// FlushToDB writes the aggregated counts to the database and resets the
// counters.
func (a *Aggregator) FlushToDB() {
	total := a.totalRequests.Swap(0)
	successful := a.successfulRequests.Swap(0)

	if total == 0 {
		return
	}

	if err := a.repo.UpdateAPIHealthBulk(a.serviceName, total, successful); err != nil {
		log.Printf("Error flushing API health stats for service %s: %v", a.serviceName, err)
	}
}

// Start starts a background goroutine to periodically flush stats to the
// database.
func (a *Aggregator) Start(interval time.Duration) {
	log.Printf("Health aggregator for '%s' started with a %s flush interval", a.serviceName, interval)
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			a.FlushToDB()
		}
	}()
}
