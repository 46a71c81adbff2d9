package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hop-exchange/bonder-node/internal/blobstore"
	"github.com/hop-exchange/bonder-node/internal/config"
	"github.com/hop-exchange/bonder-node/internal/kvstore"
	kvpostgres "github.com/hop-exchange/bonder-node/internal/kvstore/postgres"
	"github.com/hop-exchange/bonder-node/internal/leases"
	leasespg "github.com/hop-exchange/bonder-node/internal/leases/postgres"
	"github.com/hop-exchange/bonder-node/internal/notify"
	"github.com/hop-exchange/bonder-node/internal/queue"
	"github.com/hop-exchange/bonder-node/internal/secrets"
	"github.com/hop-exchange/bonder-node/internal/state"
	"github.com/hop-exchange/bonder-node/internal/watcher"
)

func main() {
	var (
		configPath = flag.String("config", "bonder.toml", "path to the network config file")
		namespace  = flag.String("namespace", "bonder", "state namespace; separates deployments sharing a store")
		owner      = flag.String("owner", "", "unique instance identity used for the action lease (default: hostname-<uuid>)")
		keySource  = flag.String("key-source", "", "override bonder.key_source: env|file|aws")
		keyName    = flag.String("key-name", "", "override bonder.key_name")

		storeDriver = flag.String("store-driver", kvstore.DriverSQLite, "state store driver: sqlite|postgres|memory")
		storeDSN    = flag.String("store-dsn", "bonder.db", "sqlite path or postgres DSN for the state store")
		leaseDriver = flag.String("lease-driver", "", "lease store driver: postgres|memory (default: postgres when --store-driver=postgres, else memory)")
		leaseDSN    = flag.String("lease-dsn", "", "postgres DSN for leases (default: --store-dsn)")
		leaseEvery  = flag.Duration("lease-interval", 10*time.Second, "interval between lease renewals")

		queueDriver  = flag.String("queue-driver", queue.DriverStdio, "notification queue driver: kafka|stdio|memory")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		notifyTopic  = flag.String("notify-topic", notify.DefaultTopic, "topic for bonder events")

		blobDriver = flag.String("blob-driver", blobstore.DriverMemory, "settled root archive driver: s3|memory")
		blobBucket = flag.String("blob-bucket", "", "s3 bucket for the settled root archive (required for s3)")
		blobPrefix = flag.String("blob-prefix", "", "key prefix for the settled root archive")

		metricsAddr  = flag.String("metrics-addr", ":9090", "listen address for /metrics; empty disables")
		boostEvery   = flag.Duration("boost-interval", 30*time.Second, "interval between stalled transaction checks")
		logLevel     = flag.String("log-level", "info", "log level: debug|info|warn|error")
		logFormat    = flag.String("log-format", "text", "log format: text|json")
		drainTimeout = flag.Duration("shutdown-timeout", 10*time.Second, "grace period for in-flight work on shutdown")
	)
	flag.Parse()

	log, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load --config: %v\n", err)
		os.Exit(2)
	}
	if v := strings.TrimSpace(*keySource); v != "" {
		cfg.Bonder.KeySource = v
	}
	if v := strings.TrimSpace(*keyName); v != "" {
		cfg.Bonder.KeyName = v
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *leaseEvery <= 0 || *boostEvery <= 0 || *drainTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --lease-interval, --boost-interval, and --shutdown-timeout must be > 0")
		os.Exit(2)
	}
	if strings.TrimSpace(*namespace) == "" {
		fmt.Fprintln(os.Stderr, "error: --namespace is required")
		os.Exit(2)
	}

	instance := strings.TrimSpace(*owner)
	if instance == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			host = "bonder"
		}
		instance = host + "-" + uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := kvstore.NewRegistry(map[string]kvstore.Opener{"postgres": kvpostgres.Open})
	defer func() { _ = reg.Close() }()

	db, err := state.Open(ctx, reg, kvstore.Location{Driver: *storeDriver, DSN: *storeDSN}, *namespace, log)
	if err != nil {
		log.Error("open state store", "driver", *storeDriver, "err", err)
		os.Exit(2)
	}
	if err := db.TilReady(ctx); err != nil {
		log.Error("state store not ready", "err", err)
		os.Exit(1)
	}

	leaseStore, closeLeases, err := openLeaseStore(ctx, *leaseDriver, *leaseDSN, *storeDriver, *storeDSN)
	if err != nil {
		log.Error("init lease store", "err", err)
		os.Exit(2)
	}
	defer closeLeases()
	elector, err := leases.NewElector(leaseStore, *namespace+"/"+cfg.Bonder.LeaseName, instance, cfg.Bonder.LeaseTTL.Duration, log)
	if err != nil {
		log.Error("init elector", "err", err)
		os.Exit(2)
	}

	keys, err := secrets.New(ctx, cfg.Bonder.KeySource)
	if err != nil {
		log.Error("init key source", "source", cfg.Bonder.KeySource, "err", err)
		os.Exit(2)
	}
	key, err := secrets.LoadBonderKey(ctx, keys, cfg.Bonder.KeyName)
	if err != nil {
		log.Error("load bonder key", "source", cfg.Bonder.KeySource, "err", err)
		os.Exit(2)
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:       *queueDriver,
		Brokers:      queue.SplitCommaList(*queueBrokers),
		BatchTimeout: 100 * time.Millisecond,
		Async:        true,
		Writer:       os.Stdout,
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = producer.Close() }()
	queued, err := notify.NewQueue(producer, *notifyTopic)
	if err != nil {
		log.Error("init notifier", "err", err)
		os.Exit(2)
	}
	notifier := notify.Multi{notify.NewLog(log), queued}

	archive, err := openArchive(ctx, *blobDriver, *blobBucket, *blobPrefix)
	if err != nil {
		log.Error("init root archive", "driver", *blobDriver, "err", err)
		os.Exit(2)
	}

	chains, err := dialChains(ctx, cfg, key, db, notifier, log)
	if err != nil {
		log.Error("init chains", "err", err)
		os.Exit(2)
	}
	defer chains.close()

	sets, err := tokenSets(cfg, chains, log)
	if err != nil {
		log.Error("init bridges", "err", err)
		os.Exit(2)
	}
	orch, err := watcher.NewOrchestrator(sets, watcher.Deps{DB: db, Notifier: notifier, Logger: log}, archive, elector.IsLeader)
	if err != nil {
		log.Error("init watchers", "err", err)
		os.Exit(2)
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), *drainTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	go func() {
		if err := elector.Run(ctx, *leaseEvery); err != nil && ctx.Err() == nil {
			log.Error("lease elector stopped", "err", err)
		}
	}()
	chains.resume(ctx, elector.IsLeader, *boostEvery)

	log.Info("bonder started",
		"bonder", chains.bonder,
		"owner", instance,
		"chains", strings.Join(cfg.ChainSlugs(), ","),
		"tokens", strings.Join(cfg.TokenSymbols(), ","),
		"watchers", len(orch.Watchers()),
	)

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("bonder exited", "err", err)
		os.Exit(1)
	}
	log.Info("bonder stopped")
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("parse --log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("--log-format must be text or json, got %q", format)
	}
}

// openLeaseStore picks the postgres lease table when the state store is postgres, so two
// instances sharing a database also share the lease.
func openLeaseStore(ctx context.Context, driver, dsn, storeDriver, storeDSN string) (leases.Store, func(), error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "memory"
		if strings.EqualFold(strings.TrimSpace(storeDriver), "postgres") {
			driver = "postgres"
		}
	}
	switch driver {
	case "memory":
		return leases.NewMemoryStore(time.Now), func() {}, nil
	case "postgres":
		if strings.TrimSpace(dsn) == "" {
			dsn = storeDSN
		}
		if strings.TrimSpace(dsn) == "" {
			return nil, nil, errors.New("--lease-dsn is required when --lease-driver=postgres")
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("init pgx pool: %w", err)
		}
		store, err := leasespg.New(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure lease schema: %w", err)
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported --lease-driver %q", driver)
	}
}

func openArchive(ctx context.Context, driver, bucket, prefix string) (*blobstore.RootArchive, error) {
	cfg := blobstore.Config{Driver: driver, Prefix: prefix, Bucket: bucket}
	if strings.EqualFold(strings.TrimSpace(driver), blobstore.DriverS3) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	store, err := blobstore.New(cfg)
	if err != nil {
		return nil, err
	}
	return blobstore.NewRootArchive(store, time.Now)
}
