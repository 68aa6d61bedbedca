package metrics

import (
	"context"
	"time"

	"github.com/litongjava/tio-mail-wing/logger"
)

// MetricsStats holds aggregate statistics returned by the mailbox store
type MetricsStats struct {
	TotalAccounts  int64
	TotalMailboxes int64
	TotalMessages  int64
}

// StatsProvider is implemented by both mailbox stores.
type StatsProvider interface {
	GetMetricsStats(ctx context.Context) (*MetricsStats, error)
}

// CacheStatsProvider is an interface for cache statistics
type CacheStatsProvider interface {
	GetStats() (objectCount int64, totalSize int64, err error)
}

// Collector periodically collects and updates database-backed metrics
type Collector struct {
	provider      StatsProvider
	cacheProvider CacheStatsProvider
	interval      time.Duration
	stopCh        chan struct{}
}

// NewCollector creates a metrics collector. cacheProvider may be nil.
func NewCollector(provider StatsProvider, cacheProvider CacheStatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &Collector{
		provider:      provider,
		cacheProvider: cacheProvider,
		interval:      interval,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

// collect retrieves and updates all metrics
func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.GetMetricsStats(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting metrics", "error", err)
		return
	}

	AccountsTotal.Set(float64(stats.TotalAccounts))
	MailboxesTotal.Set(float64(stats.TotalMailboxes))
	MessagesTotal.Set(float64(stats.TotalMessages))

	logger.Debug("MetricsCollector: updated DB metrics", "accounts", stats.TotalAccounts,
		"mailboxes", stats.TotalMailboxes, "messages", stats.TotalMessages)

	if c.cacheProvider != nil {
		objectCount, totalSize, err := c.cacheProvider.GetStats()
		if err != nil {
			logger.Error("MetricsCollector: error collecting cache metrics", "error", err)
		} else {
			CacheObjectsTotal.Set(float64(objectCount))
			CacheSizeBytes.Set(float64(totalSize))
			logger.Debug("MetricsCollector: updated cache metrics", "objects", objectCount,
				"size_bytes", totalSize)
		}
	}
}
