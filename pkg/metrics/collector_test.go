package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	stats *MetricsStats
	err   error
}

func (f fakeStats) GetMetricsStats(context.Context) (*MetricsStats, error) {
	return f.stats, f.err
}

type fakeCache struct{}

func (fakeCache) GetStats() (int64, int64, error) { return 3, 4096, nil }

func TestCollectorUpdatesGauges(t *testing.T) {
	c := NewCollector(fakeStats{stats: &MetricsStats{TotalAccounts: 2, TotalMailboxes: 12, TotalMessages: 40}}, fakeCache{}, 0)
	c.collect(context.Background())

	assert.Equal(t, 2.0, testutil.ToFloat64(AccountsTotal))
	assert.Equal(t, 12.0, testutil.ToFloat64(MailboxesTotal))
	assert.Equal(t, 40.0, testutil.ToFloat64(MessagesTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(CacheObjectsTotal))
	assert.Equal(t, 4096.0, testutil.ToFloat64(CacheSizeBytes))
}

func TestCollectorKeepsGaugesOnError(t *testing.T) {
	AccountsTotal.Set(7)
	c := NewCollector(fakeStats{err: errors.New("db down")}, nil, 0)
	c.collect(context.Background())
	assert.Equal(t, 7.0, testutil.ToFloat64(AccountsTotal))
}

func TestCommandCounterLabels(t *testing.T) {
	CommandsTotal.Reset()
	CommandsTotal.WithLabelValues("imap", "FETCH", "success").Inc()
	CommandsTotal.WithLabelValues("imap", "FETCH", "success").Inc()
	CommandsTotal.WithLabelValues("pop3", "RETR", "failure").Inc()

	var m dto.Metric
	require.NoError(t, CommandsTotal.WithLabelValues("imap", "FETCH", "success").Write(&m))
	assert.Equal(t, 2.0, m.GetCounter().GetValue())
	assert.Equal(t, 2, testutil.CollectAndCount(CommandsTotal))
}
