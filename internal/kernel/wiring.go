package kernel

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/audit"
	"github.com/fact-memory-kernel/internal/cache"
	"github.com/fact-memory-kernel/internal/config"
	"github.com/fact-memory-kernel/internal/extractor"
	"github.com/fact-memory-kernel/internal/extractor/aiservice"
	"github.com/fact-memory-kernel/internal/extractor/openai"
	"github.com/fact-memory-kernel/internal/input"
	"github.com/fact-memory-kernel/internal/ledger"
	"github.com/fact-memory-kernel/internal/lock"
	"github.com/fact-memory-kernel/internal/store"
	"github.com/fact-memory-kernel/internal/store/dgraph"
	"github.com/fact-memory-kernel/internal/store/sqlite"
)

// eventStream retains lifecycle events published under the audit prefix.
const eventStream = "FACT_EVENTS"

// Build connects every backend named by cfg and returns a ready Kernel. The
// kernel owns the connections; Close releases them.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Kernel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var closers []func() error
	fail := func(err error) (*Kernel, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	// Fact node store
	var (
		st       store.Store
		sqliteSt *sqlite.Store
	)
	switch cfg.StoreDriver {
	case config.DriverDGraph:
		dcfg := dgraph.DefaultConfig()
		dcfg.Address = cfg.DGraphAddress
		dg, err := dgraph.Open(ctx, dcfg, logger)
		if err != nil {
			return fail(fmt.Errorf("opening dgraph store: %w", err))
		}
		st = dg
	default:
		s, err := sqlite.Open(sqlite.Config{Path: cfg.SQLitePath}, logger)
		if err != nil {
			return fail(fmt.Errorf("opening sqlite store: %w", err))
		}
		st, sqliteSt = s, s
	}
	closers = append(closers, st.Close)

	// Redis backs the ledger, the locks and the L2 cache when configured
	var redisClient *redis.Client
	if cfg.RedisAddress != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return fail(fmt.Errorf("connecting to redis: %w", err))
		}
		closers = append(closers, redisClient.Close)
	}

	var (
		led    ledger.Ledger
		locker lock.Locker
	)
	if redisClient != nil {
		led = ledger.NewRedis(redisClient, cfg.LedgerLease, logger)
		locker = lock.NewRedis(redisClient, cfg.LockTimeout, logger)
	} else {
		locker = lock.NewLocal()
		db := sqliteSt
		if db == nil {
			// dgraph without redis keeps the ledger in a local file
			ls, err := sqlite.Open(sqlite.Config{Path: ledgerPath(cfg)}, logger)
			if err != nil {
				return fail(fmt.Errorf("opening ledger database: %w", err))
			}
			closers = append(closers, ls.Close)
			db = ls
		}
		l, err := ledger.NewSQLite(db.DB(), cfg.LedgerLease, logger)
		if err != nil {
			return fail(err)
		}
		led = l
	}

	// Lifecycle events
	acfg := audit.DefaultConfig()
	acfg.AsyncMode = true
	var pub audit.Publisher
	if cfg.NATSAddress != "" {
		nc, err := nats.Connect(cfg.NATSAddress,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(10),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fail(fmt.Errorf("connecting to nats: %w", err))
		}
		closers = append(closers, func() error { nc.Close(); return nil })
		ensureEventStream(nc, acfg.SubjectPrefix, logger)
		pub = nc
	}
	auditLog := audit.New(pub, logger, acfg)
	closers = append(closers, func() error { auditLog.Close(); return nil })

	viewCache, err := cache.New(cfg.CacheMaxCost, cfg.CacheTTL, redisClient, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() error { viewCache.Close(); return nil })

	oracle, err := newOracle(cfg, logger)
	if err != nil {
		return fail(err)
	}
	adapter := extractor.New(oracle, extractor.Config{
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		CallTimeout:   cfg.CallTimeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         1,
		ChunkSize:     cfg.ChunkSize,
		ChunkOverlap:  cfg.ChunkOverlap,
		MinConfidence: cfg.MinConfidence,
	}, logger)

	k, err := New(Deps{
		Store:     st,
		Ledger:    led,
		Locker:    locker,
		Extractor: adapter,
		Source:    input.NewDirSource(cfg.InputDir),
		Audit:     auditLog,
		Cache:     viewCache,
		Logger:    logger,
	}, Options{
		BulkConcurrency:      cfg.BulkConcurrency,
		ReprocessMaxAttempts: cfg.ReprocessMaxAttempts,
		ReprocessRadius:      cfg.ReprocessRadius,
	})
	if err != nil {
		return fail(err)
	}
	k.closers = closers

	logger.Info("Fact kernel initialized",
		zap.String("store", cfg.StoreDriver),
		zap.String("extractor", oracle.Name()),
		zap.Bool("redis", redisClient != nil),
		zap.Bool("nats", cfg.NATSAddress != ""),
		zap.String("input_dir", cfg.InputDir))
	return k, nil
}

func newOracle(cfg config.Config, logger *zap.Logger) (extractor.Oracle, error) {
	switch cfg.ExtractorProvider {
	case config.ProviderAIService:
		return aiservice.New(cfg.AIServicesURL, cfg.CallTimeout, logger), nil
	default:
		return openai.New(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}, logger)
	}
}

func ledgerPath(cfg config.Config) string {
	if cfg.SQLitePath == "" || cfg.SQLitePath == ":memory:" {
		return ":memory:"
	}
	return filepath.Join(filepath.Dir(cfg.SQLitePath), "ledger.db")
}

func ensureEventStream(nc *nats.Conn, prefix string, logger *zap.Logger) {
	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("JetStream unavailable, lifecycle events are not retained", zap.Error(err))
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     eventStream,
		Subjects: []string{prefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour * 30,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		logger.Warn("Failed to create NATS stream", zap.Error(err))
	}
}
