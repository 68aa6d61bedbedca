// Package db is the PostgreSQL implementation of store.Store.
//
// Message bodies live in the messages table, deduplicated by content hash.
// When a BodyStore is attached, new bodies are uploaded there instead and
// only the object key is kept in the row. A BodyCache in front of both tiers
// serves repeated reads from local disk.
package db

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/litongjava/tio-mail-wing/config"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/logger"
	"github.com/litongjava/tio-mail-wing/pkg/metrics"
	"github.com/litongjava/tio-mail-wing/pkg/retry"
	"github.com/litongjava/tio-mail-wing/store"
)

// BodyStore is the object storage tier for message bodies.
type BodyStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// BodyCache is the local read-through cache, keyed by content hash.
type BodyCache interface {
	Get(contentHash string) ([]byte, error)
	Put(contentHash string, data []byte) error
}

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool

	// Bodies and Cache are optional.
	Bodies BodyStore
	Cache  BodyCache
	// BcryptCost for new password hashes; zero selects bcrypt.DefaultCost.
	BcryptCost int

	writeTimeout time.Duration
	txBackoff    retry.BackoffConfig
}

var _ store.Store = (*Database)(nil)

// NewDatabaseFromConfig creates the write pool and, when configured, a
// separate read pool. With AutoMigrate set, pending migrations are applied
// before returning.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.Debug, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	var readPool *pgxpool.Pool
	if dbConfig.Read != nil && len(dbConfig.Read.Hosts) > 0 {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.Debug, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("Database: no read endpoint configured, using write pool for reads")
		readPool = writePool
	}

	writeTimeout, err := dbConfig.GetWriteTimeout()
	if err != nil {
		writeTimeout = 10 * time.Second
	}

	db := NewDatabase(writePool, readPool)
	db.writeTimeout = writeTimeout

	if dbConfig.AutoMigrate {
		migrationTimeout, err := dbConfig.GetMigrationTimeout()
		if err != nil {
			migrationTimeout = 2 * time.Minute
		}
		mctx, cancel := context.WithTimeout(ctx, migrationTimeout)
		defer cancel()
		if err := MigrateUp(mctx, ConnString(dbConfig.Write, pickHost(dbConfig.Write))); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	return db, nil
}

// NewDatabase wraps existing pools. readPool may equal writePool.
func NewDatabase(writePool, readPool *pgxpool.Pool) *Database {
	if readPool == nil {
		readPool = writePool
	}
	return &Database{
		WritePool:    writePool,
		ReadPool:     readPool,
		writeTimeout: 10 * time.Second,
		txBackoff: retry.BackoffConfig{
			InitialInterval: 20 * time.Millisecond,
			MaxInterval:     500 * time.Millisecond,
			Multiplier:      2,
			Jitter:          true,
			MaxRetries:      4,
			OperationName:   "db-tx",
		},
	}
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

func pickHost(endpoint *config.DatabaseEndpointConfig) string {
	if len(endpoint.Hosts) == 0 {
		return "localhost"
	}
	return endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]
}

// ConnString builds a postgres:// URL for host. A host that already carries
// a port is used as is.
func ConnString(endpoint *config.DatabaseEndpointConfig, host string) string {
	if _, _, err := net.SplitHostPort(host); err != nil {
		port, perr := endpoint.GetPort()
		if perr != nil {
			port = "5432"
		}
		host = host + ":" + port
	}
	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, host, endpoint.Name, sslMode)
}

func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	if len(endpoint.Hosts) == 0 {
		return nil, fmt.Errorf("at least one host must be specified")
	}
	host := pickHost(endpoint)

	logger.Info("Database: connecting", "pool", poolType, "user", endpoint.User, "host", host, "name", endpoint.Name, "tls", endpoint.TLSMode)

	poolConfig, err := pgxpool.ParseConfig(ConnString(endpoint, host))
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if logQueries {
		poolConfig.ConnConfig.Tracer = &CustomTracer{}
	}

	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}
	lifetime, err := endpoint.GetMaxConnLifetime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	poolConfig.MaxConnLifetime = lifetime
	idleTime, err := endpoint.GetMaxConnIdleTime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	poolConfig.MaxConnIdleTime = idleTime

	var dbPool *pgxpool.Pool
	connectBackoff := retry.DefaultBackoffConfig()
	connectBackoff.OperationName = "db-connect-" + poolType
	err = retry.WithRetry(ctx, func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return retry.Stop(err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		dbPool = p
		return nil
	}, connectBackoff)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database: pool created", "pool", poolType,
		"max_conns", dbPool.Config().MaxConns, "min_conns", dbPool.Config().MinConns,
		"max_lifetime", dbPool.Config().MaxConnLifetime, "max_idle", dbPool.Config().MaxConnIdleTime)

	return dbPool, nil
}

// GetReadPoolWithContext returns the write pool when the context asks for
// read-after-write consistency, the read pool otherwise.
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool
	}
	return db.ReadPool
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
	done  bool
}

// BeginTx starts a new transaction and wraps it for metric collection.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	return &measuredTx{Tx: tx, start: time.Now()}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
		metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	}
	mtx.done = true
	return err
}

// Rollback after a successful Commit is a no-op and is not counted.
func (mtx *measuredTx) Rollback(ctx context.Context) error {
	if mtx.done {
		return nil
	}
	err := mtx.Tx.Rollback(ctx)
	metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	mtx.done = true
	return err
}

// inTx runs fn in a write transaction bounded by the write timeout.
// Serialization failures and deadlocks are retried with backoff.
func (db *Database) inTx(ctx context.Context, operation string, fn func(tx pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, db.writeTimeout)
	defer cancel()

	cfg := db.txBackoff
	cfg.OperationName = operation
	return retry.WithRetry(ctx, func() error {
		tx, err := db.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			if isRetryable(err) {
				return err
			}
			return retry.Stop(err)
		}
		if err := tx.Commit(ctx); err != nil {
			if isRetryable(err) {
				return err
			}
			return retry.Stop(fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err))
		}
		return nil
	}, cfg)
}

func observe(operation, role string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, role).Inc()
}

// TimedQueryRow wraps QueryRow with duration metrics
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	start := time.Now()
	pool := db.GetReadPoolWithContext(ctx)
	row := pool.QueryRow(ctx, sql, args...)

	role := "read"
	if pool == db.WritePool {
		role = "write"
	}
	observe(operation, role, start, nil)
	return row
}

// TimedQuery wraps Query with duration metrics
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	pool := db.GetReadPoolWithContext(ctx)
	rows, err := pool.Query(ctx, sql, args...)

	role := "read"
	if pool == db.WritePool {
		role = "write"
	}
	observe(operation, role, start, err)
	return rows, err
}

// TimedExec wraps Exec on the write pool with duration metrics.
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := db.WritePool.Exec(ctx, sql, args...)
	observe(operation, "write", start, err)
	return tag, err
}
