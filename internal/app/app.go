// Package app wires the broker service together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"keybroker/internal/audit"
	"keybroker/internal/broker"
	"keybroker/internal/catalog"
	"keybroker/internal/config"
	"keybroker/internal/exclusion"
	"keybroker/internal/httpapi"
	"keybroker/internal/queue"
	"keybroker/internal/ratelimit"
	"keybroker/internal/reconcile"
	"keybroker/internal/seed"
	"keybroker/internal/storage"
	"keybroker/internal/usage"
	"keybroker/internal/utils"
)

// App is a fully wired broker service
type App struct {
	Config  *config.Config
	Broker  *broker.Broker
	Catalog *catalog.Catalog
	Sweeper *reconcile.Sweeper
	Handler http.Handler

	db       *storage.DB
	redis    *storage.RedisClient
	tracker  *usage.Tracker
	writer   *storage.UsageWriter
	reloader *catalog.Reloader
	journal  *audit.Journal
	closers  []func() error
	logger   *utils.Logger
}

// stores groups the persistence backends picked by configuration
type stores struct {
	credentials storage.CredentialStore
	bindings    storage.BindingStore
	exclusions  exclusion.Store
}

// New builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: utils.NewLogger("app")}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	box, err := a.secretBox()
	if err != nil {
		return err
	}

	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}

	if cfg.SeedFile != "" {
		file, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return err
		}
		res, err := seed.Apply(ctx, file, st.credentials, st.bindings, box)
		if err != nil {
			return fmt.Errorf("failed to apply seed file: %w", err)
		}
		a.logger.Info("Seed applied",
			"credentials_created", res.CredentialsCreated,
			"credentials_updated", res.CredentialsUpdated,
			"bindings_created", res.BindingsCreated,
			"bindings_updated", res.BindingsUpdated,
		)
	}

	q, dlq, err := a.usageQueues()
	if err != nil {
		return err
	}
	a.writer = storage.NewUsageWriter(q, dlq, st.bindings, storage.UsageWriterConfig{
		BatchSize:    cfg.UsageWriter.BatchSize,
		BatchTimeout: cfg.UsageWriter.BatchTimeout,
		MaxRetries:   cfg.UsageWriter.MaxRetries,
		RetryBackoff: cfg.UsageWriter.RetryBackoff,
	})
	a.tracker = usage.NewTracker(usage.WithPersister(a.writer))

	ledger := exclusion.NewLedger(st.exclusions, exclusion.BackoffPolicy{
		Base:       cfg.Backoff.BaseCooldown,
		Factor:     cfg.Backoff.Factor,
		Max:        cfg.Backoff.MaxCooldown,
		Transient:  cfg.Backoff.TransientCooldown,
		ResetAfter: cfg.Backoff.ResetAfter,
	})

	scope, err := broker.ParseScope(cfg.Broker.ScopeOrder)
	if err != nil {
		return err
	}
	var opts []broker.Option
	if cfg.Broker.ClusterGuard {
		opts = append(opts, broker.WithClusterGuard(ratelimit.NewRateLimiter(a.redis.Client())))
	}

	a.Catalog = catalog.New(st.credentials, st.bindings, box)
	a.Broker = broker.New(a.Catalog, a.tracker, ledger, broker.Config{
		MaxAttempts:     cfg.Broker.MaxAttempts,
		ScopeOrder:      scope,
		EstimatedTokens: cfg.Broker.EstimatedTokens,
	}, opts...)
	if err := a.Broker.Reload(ctx); err != nil {
		return fmt.Errorf("initial reload failed: %w", err)
	}
	leases := storage.NewLRUCache[*broker.Candidate](cfg.Broker.LeaseCacheSize, cfg.Broker.LeaseTTL)
	a.reloader = catalog.NewReloader(func(ctx context.Context) error {
		expired := leases.CleanupExpired()
		if a.db != nil {
			a.logger.Debug("Database pool", "stats", fmt.Sprintf("%+v", a.db.GetStats()))
		}
		if a.redis != nil {
			a.logger.Debug("Redis pool", "stats", fmt.Sprintf("%+v", a.redis.GetStats()))
		}
		if expired > 0 {
			a.logger.Debug("Dropped unreported leases", "count", expired)
		}
		return a.Broker.Reload(ctx)
	}, cfg.Broker.ReloadInterval)

	a.Sweeper = reconcile.NewSweeper(ledger, st.bindings, a.Broker, reconcile.Config{
		Interval: cfg.Sweep.Interval,
	})

	health := map[string]httpapi.HealthChecker{}
	if a.db != nil {
		health["database"] = a.db
	}
	if a.redis != nil {
		health["redis"] = a.redis
	}
	var journal audit.Recorder = audit.Discard
	if cfg.Audit.FileTemplate != "" {
		j, err := audit.NewJournal(audit.Config{
			FileTemplate: cfg.Audit.FileTemplate,
			MaxSize:      cfg.Audit.MaxSize,
			MaxFiles:     cfg.Audit.MaxFiles,
		})
		if err != nil {
			return fmt.Errorf("failed to open audit journal: %w", err)
		}
		a.journal = j
		journal = j
	}

	a.Handler = httpapi.NewRouter(&httpapi.Dependencies{
		Broker:       a.Broker,
		Sweeper:      a.Sweeper,
		Leases:       leases,
		Usage:        a.writer,
		LeaseTTL:     cfg.Broker.LeaseTTL,
		Health:       health,
		CallerTokens: cfg.Broker.CallerTokens,
		Journal:      journal,
	})
	return nil
}

func (a *App) secretBox() (*storage.SecretBox, error) {
	key := a.Config.SecretKey
	if key == "" {
		if a.Config.Storage.Backend != config.StorageMemory {
			return nil, errors.New("SECRET_KEY is required for the postgres backend")
		}
		generated, err := storage.GenerateKey()
		if err != nil {
			return nil, err
		}
		a.logger.Warn("SECRET_KEY not set, using an ephemeral key; sealed secrets will not survive a restart")
		key = generated
	}
	box, err := storage.NewSecretBoxFromBase64(key)
	if err != nil {
		return nil, fmt.Errorf("invalid SECRET_KEY: %w", err)
	}
	return box, nil
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	cfg := a.Config
	var st stores

	if cfg.Redis.Enabled() {
		rc, err := storage.NewRedisClient(storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return st, err
		}
		a.redis = rc
		a.closers = append(a.closers, rc.Close)
	}

	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		db, err := storage.NewDB(storage.DBConfig{
			DSN:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			return st, err
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				return st, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		st.credentials = db.NewCredentialRepository()
		st.bindings = db.NewBindingRepository()
		st.exclusions = db.NewExclusionRepository()
	default:
		mem := storage.NewMemoryStore()
		st.credentials = mem.Credentials()
		st.bindings = mem.Bindings()
		st.exclusions = mem.Exclusions()
	}

	// Exclusions are shared through Redis whenever it is available so that
	// replicas see each other's bans without a database round trip.
	if a.redis != nil {
		st.exclusions = exclusion.NewRedisStore(a.redis.Client(), "")
	}
	return st, nil
}

func (a *App) usageQueues() (queue.Queue[storage.UsageSnapshot], queue.DeadLetterQueue[storage.UsageSnapshot], error) {
	qcfg := queue.DefaultConfig("usage")
	if a.redis == nil {
		return queue.NewMemoryQueue[storage.UsageSnapshot](qcfg), queue.NewMemoryDeadLetterQueue[storage.UsageSnapshot](), nil
	}
	q, err := queue.NewRedisQueue[storage.UsageSnapshot](a.redis.Client(), qcfg)
	if err != nil {
		return nil, nil, err
	}
	dlq, err := queue.NewRedisDeadLetterQueue[storage.UsageSnapshot](a.redis.Client(), qcfg)
	if err != nil {
		return nil, nil, err
	}
	return q, dlq, nil
}

// Start launches the background workers
func (a *App) Start(ctx context.Context) {
	a.writer.Start(ctx)
	a.reloader.Start(ctx)
	a.Sweeper.Start(ctx)
}

// Shutdown stops the workers, flushes pending usage and closes connections.
// The HTTP server must already be shut down.
func (a *App) Shutdown(ctx context.Context) error {
	a.reloader.Stop()
	a.Sweeper.Stop()

	a.tracker.Flush(ctx)
	if a.journal != nil {
		a.journal.Shutdown()
	}
	var errs []error
	if err := a.writer.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("usage writer: %w", err))
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
