package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/litongjava/tio-mail-wing/cache"
	"github.com/litongjava/tio-mail-wing/config"
	"github.com/litongjava/tio-mail-wing/db"
	"github.com/litongjava/tio-mail-wing/logger"
	"github.com/litongjava/tio-mail-wing/pkg/metrics"
	"github.com/litongjava/tio-mail-wing/server/httpapi"
	"github.com/litongjava/tio-mail-wing/server/imap"
	"github.com/litongjava/tio-mail-wing/server/notify"
	"github.com/litongjava/tio-mail-wing/server/pop3"
	"github.com/litongjava/tio-mail-wing/server/smtp"
	"github.com/litongjava/tio-mail-wing/storage"
	"github.com/litongjava/tio-mail-wing/store"
	"github.com/litongjava/tio-mail-wing/store/memstore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const notifyBuffer = 64

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Go(fn func()) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		fn()
	}()
}

func (sm *serverManager) Wait() {
	sm.wg.Wait()
}

// serverDependencies encapsulates the shared services every listener uses.
type serverDependencies struct {
	store         store.Store
	database      *db.Database // nil with the memory driver
	cacheInstance *cache.Cache
	notifier      *notify.Hub
	collector     *metrics.Collector
	config        config.Config
	serverManager *serverManager
}

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	envPath := flag.String("env", ".env", "Path to an optional .env file with secret overrides")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailwing version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "MAILWING: failed to load %s: %v\n", *envPath, err)
		os.Exit(1)
	}
	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "MAILWING: failed to load configuration %s: %v\n", *configPath, err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "MAILWING: configuration file %s not found, using defaults\n", *configPath)
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "MAILWING: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILWING: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Infof("tio-mail-wing starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize services", "error", err)
	}
	defer deps.store.Close()
	if deps.cacheInstance != nil {
		defer deps.cacheInstance.Close()
	}
	if deps.collector != nil {
		defer deps.collector.Stop()
	}

	errChan, err := startServers(ctx, deps)
	if err != nil {
		logger.Fatal("Failed to start servers", "error", err)
	}

	select {
	case <-ctx.Done():
		logger.Infof("Waiting for all servers to stop gracefully...")
		done := make(chan struct{})
		go func() {
			deps.serverManager.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Infof("All server listeners closed")
		case <-time.After(10 * time.Second):
			logger.Warn("Server shutdown timeout reached after 10 seconds")
		}
	case err := <-errChan:
		logger.Error("Server error, shutting down", "error", err)
		cancel()
		deps.serverManager.Wait()
		os.Exit(1)
	}
}

// initializeServices opens the mailbox store and the optional body tiers.
func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	deps := &serverDependencies{
		config:        cfg,
		notifier:      notify.NewHub(notifyBuffer),
		serverManager: &serverManager{},
	}

	switch cfg.Database.GetDriver() {
	case "memory":
		logger.Warn("Using the in-memory store; all mail is lost on restart")
		if cfg.S3.Enabled || cfg.LocalCache.Enabled {
			logger.Warn("S3 and local cache settings are ignored by the in-memory store")
		}
		deps.store = memstore.New()

	default:
		database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		deps.database = database
		deps.store = database

		if cfg.S3.Enabled {
			s3, err := storage.New(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, !cfg.S3.DisableTLS, cfg.S3.Debug)
			if err != nil {
				database.Close()
				return nil, fmt.Errorf("failed to initialize S3 storage at %s: %w", cfg.S3.Endpoint, err)
			}
			if cfg.S3.Encrypt {
				if err := s3.EnableEncryption(cfg.S3.EncryptionKey); err != nil {
					database.Close()
					return nil, fmt.Errorf("failed to enable S3 encryption: %w", err)
				}
			}
			if err := s3.EnsureBucket(ctx); err != nil {
				database.Close()
				return nil, fmt.Errorf("failed to verify S3 bucket %s: %w", cfg.S3.Bucket, err)
			}
			database.Bodies = s3
			logger.Info("Message bodies are stored in S3", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
		}

		if cfg.LocalCache.Enabled {
			c, err := newCache(ctx, cfg.LocalCache)
			if err != nil {
				database.Close()
				return nil, err
			}
			deps.cacheInstance = c
			database.Cache = c
		}
	}

	var cacheStats metrics.CacheStatsProvider
	if deps.cacheInstance != nil {
		cacheStats = deps.cacheInstance
	}
	deps.collector = metrics.NewCollector(deps.store, cacheStats, time.Minute)
	go deps.collector.Start(ctx)

	return deps, nil
}

func newCache(ctx context.Context, cfg config.LocalCacheConfig) (*cache.Cache, error) {
	capacity, err := cfg.GetCapacity()
	if err != nil {
		return nil, fmt.Errorf("invalid local_cache.capacity: %w", err)
	}
	maxObject, err := cfg.GetMaxObjectSize()
	if err != nil {
		return nil, fmt.Errorf("invalid local_cache.max_object_size: %w", err)
	}
	purgeInterval, err := cfg.GetPurgeInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid local_cache.purge_interval: %w", err)
	}
	staleAge, err := cfg.GetOrphanCleanupAge()
	if err != nil {
		return nil, fmt.Errorf("invalid local_cache.orphan_cleanup_age: %w", err)
	}
	c, err := cache.New(cfg.Path, capacity, maxObject, purgeInterval, staleAge)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache at %s: %w", cfg.Path, err)
	}
	if err := c.SyncFromDisk(ctx); err != nil {
		logger.Warn("Cache sync from disk failed", "error", err)
	}
	go c.StartPurgeLoop(ctx)
	logger.Info("Local body cache enabled", "path", cfg.Path, "capacity", capacity)
	return c, nil
}

type protocolServer interface {
	Start(errChan chan error)
	Close()
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// startServers builds every enabled listener first so the HTTP API can
// report their connection counts, then runs them.
func startServers(ctx context.Context, deps *serverDependencies) (chan error, error) {
	errChan := make(chan error, 1)
	servers := deps.config.Servers
	running := map[string]protocolServer{}

	if servers.SMTP.Start {
		s, err := newSMTPServer(ctx, deps, servers.SMTP)
		if err != nil {
			return nil, err
		}
		running["smtp"] = s
	}
	if servers.POP3.Start {
		s, err := newPOP3Server(ctx, deps, servers.POP3)
		if err != nil {
			return nil, err
		}
		running["pop3"] = s
	}
	if servers.IMAP.Start {
		s, err := newIMAPServer(ctx, deps, servers.IMAP)
		if err != nil {
			return nil, err
		}
		running["imap"] = s
	}

	counters := make(map[string]httpapi.ConnectionCounter, len(running))
	for name, s := range running {
		name, s := name, s
		counters[name] = s
		deps.serverManager.Go(func() {
			go func() {
				<-ctx.Done()
				logger.Infof("Shutting down %s server...", name)
				s.Close()
			}()
			s.Start(errChan)
		})
	}

	if servers.HTTPAPI.Start {
		maxBody, err := servers.HTTPAPI.GetMaxBodySize()
		if err != nil {
			return nil, fmt.Errorf("invalid servers.http_api.max_body_size: %w", err)
		}
		opts := httpapi.ServerOptions{
			Addr:         servers.HTTPAPI.Addr,
			APIKey:       servers.HTTPAPI.APIKey,
			AllowedHosts: servers.HTTPAPI.AllowedHosts,
			Hostname:     servers.SMTP.GetHostname(),
			AlarmFrom:    servers.HTTPAPI.AlarmFromAddress,
			MaxBodySize:  maxBody,
			Notifier:     deps.notifier,
			Listeners:    counters,
		}
		if opts.APIKey == "" {
			logger.Warn("HTTP API started without an API key; every request is accepted")
		}
		deps.serverManager.Go(func() {
			httpapi.Start(ctx, deps.store, opts, errChan)
		})
	}

	if servers.Metrics.Enabled {
		deps.serverManager.Go(func() {
			startMetricsServer(ctx, servers.Metrics, errChan)
		})
	}

	return errChan, nil
}

func newSMTPServer(ctx context.Context, deps *serverDependencies, cfg config.ProtocolServerConfig) (*smtp.SMTPServer, error) {
	commandTimeout, err := cfg.GetCommandTimeout()
	if err != nil {
		logger.Infof("SMTP Invalid command timeout: %v, using default (%v)", err, smtp.DefaultCommandTimeout)
		commandTimeout = smtp.DefaultCommandTimeout
	}
	maxSize, err := cfg.GetMaxMessageSize()
	if err != nil {
		return nil, fmt.Errorf("invalid servers.smtp.max_message_size: %w", err)
	}
	return smtp.New(ctx, deps.store, smtp.SMTPServerOptions{
		Name:           "smtp",
		Addr:           cfg.Addr,
		Hostname:       cfg.GetHostname(),
		MaxConnections: cfg.MaxConnections,
		CommandTimeout: commandTimeout,
		MaxMessageSize: maxSize,
		Notifier:       deps.notifier,
	})
}

func newPOP3Server(ctx context.Context, deps *serverDependencies, cfg config.ProtocolServerConfig) (*pop3.POP3Server, error) {
	commandTimeout, err := cfg.GetCommandTimeout()
	if err != nil {
		logger.Infof("POP3 Invalid command timeout: %v, using default (%v)", err, pop3.DefaultCommandTimeout)
		commandTimeout = pop3.DefaultCommandTimeout
	}
	return pop3.New(ctx, deps.store, pop3.POP3ServerOptions{
		Name:           "pop3",
		Addr:           cfg.Addr,
		Hostname:       cfg.GetHostname(),
		MaxConnections: cfg.MaxConnections,
		CommandTimeout: commandTimeout,
		MaxErrors:      cfg.GetMaxErrors(),
	})
}

func newIMAPServer(ctx context.Context, deps *serverDependencies, cfg config.ProtocolServerConfig) (*imap.IMAPServer, error) {
	commandTimeout, err := cfg.GetCommandTimeout()
	if err != nil {
		logger.Infof("IMAP Invalid command timeout: %v, using default (%v)", err, imap.DefaultCommandTimeout)
		commandTimeout = imap.DefaultCommandTimeout
	}
	return imap.New(ctx, deps.store, imap.IMAPServerOptions{
		Name:           "imap",
		Addr:           cfg.Addr,
		Hostname:       cfg.GetHostname(),
		MaxConnections: cfg.MaxConnections,
		CommandTimeout: commandTimeout,
		IdleTimeout:    commandTimeout,
		Notifier:       deps.notifier,
	})
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Infof("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Infof("Error shutting down metrics server: %v", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
