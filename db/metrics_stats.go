package db

import (
	"context"

	"github.com/litongjava/tio-mail-wing/pkg/metrics"
)

// GetMetricsStats returns aggregate statistics for Prometheus metrics
func (db *Database) GetMetricsStats(ctx context.Context) (*metrics.MetricsStats, error) {
	stats := &metrics.MetricsStats{}

	err := db.TimedQueryRow(ctx, "metrics_accounts", `
		SELECT COUNT(*) FROM accounts WHERE deleted_at IS NULL`).Scan(&stats.TotalAccounts)
	if err != nil {
		return nil, err
	}

	err = db.TimedQueryRow(ctx, "metrics_mailboxes", `
		SELECT COUNT(*)
		FROM mailboxes m
		JOIN accounts a ON m.account_id = a.id
		WHERE a.deleted_at IS NULL AND m.deleted_at IS NULL`).Scan(&stats.TotalMailboxes)
	if err != nil {
		return nil, err
	}

	err = db.TimedQueryRow(ctx, "metrics_messages", `
		SELECT COUNT(*)
		FROM mail_instances mi
		JOIN accounts a ON mi.account_id = a.id
		WHERE mi.expunged_at IS NULL AND a.deleted_at IS NULL`).Scan(&stats.TotalMessages)
	if err != nil {
		return nil, err
	}

	return stats, nil
}
