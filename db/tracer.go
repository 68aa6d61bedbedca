package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/litongjava/tio-mail-wing/logger"
)

type traceStartKey struct{}

type traceStart struct {
	sql   string
	args  []any
	start time.Time
}

// CustomTracer logs every statement with its duration at debug level.
// Enabled by database.debug.
type CustomTracer struct{}

func (t *CustomTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, traceStart{sql: data.SQL, args: data.Args, start: time.Now()})
}

func (t *CustomTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	st, ok := ctx.Value(traceStartKey{}).(traceStart)
	if !ok {
		return
	}
	if data.Err != nil {
		logger.Debug("Database: query failed", "sql", st.sql, "args", len(st.args), "duration", time.Since(st.start), "error", data.Err)
		return
	}
	logger.Debug("Database: query", "sql", st.sql, "args", len(st.args), "duration", time.Since(st.start), "tag", data.CommandTag.String())
}
