package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rcong315/channelcrawler/internal/accounts"
	"github.com/rcong315/channelcrawler/internal/api"
	"github.com/rcong315/channelcrawler/internal/config"
	"github.com/rcong315/channelcrawler/internal/coordination"
	"github.com/rcong315/channelcrawler/internal/crawler"
	"github.com/rcong315/channelcrawler/internal/db"
	"github.com/rcong315/channelcrawler/internal/events"
	"github.com/rcong315/channelcrawler/internal/provider"
)

func main() {
	var (
		configPath = flag.String("config", getEnv("CRAWLER_CONFIG", ""), "Path to crawler.yaml")
		once       = flag.Bool("once", false, "Run a single pass and exit")
		seedFile   = flag.String("seed", "", "File of usernames or links to add to the queue, one per line")
		logLevel   = flag.String("log-level", getEnv("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
		adminPort  = flag.String("admin-port", "", "Admin server port (overrides config)")
	)
	flag.Parse()

	// Load environment variables
	if os.Getenv("DEBUG") == "true" {
		err := godotenv.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: .env file not found. Using system environment variables.\n")
		}
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger, err := setupLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	db.InitializeLogger(logger)
	provider.InitializeLogger(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if *adminPort != "" {
		cfg.Admin.Port = *adminPort
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *once, *seedFile); err != nil {
		logger.Fatal("Crawler failed", zap.Error(err))
	}
	logger.Info("Crawler shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, once bool, seedFile string) error {
	database, err := db.Connect(ctx, db.ConfigFromEnv())
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.EnsureSchema(ctx, database); err != nil {
		return err
	}

	queue := db.NewQueueRepository(database)
	if seedFile != "" {
		if err := seed(ctx, queue, seedFile, logger); err != nil {
			return err
		}
	}

	factory := provider.NewGatewayFactory(cfg.Gateway.URL, &http.Client{Timeout: cfg.Gateway.Timeout})
	pool, err := accounts.NewPool(cfg.Accounts, factory, cfg.PoolConfig(db.NewFloodWaitRepository(database), logger))
	if err != nil {
		return err
	}
	defer pool.Close()

	restored, err := pool.Restore(ctx)
	if err != nil {
		logger.Warn("Failed to restore flood waits", zap.Error(err))
	} else if restored > 0 {
		logger.Info("Restored flood waits", zap.Int("accounts", restored))
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATS.URL != "" {
		natsPublisher, err := events.NewNATSPublisher(events.NATSConfig{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		publisher = natsPublisher
		logger.Info("Publishing discoveries to NATS", zap.String("subject", cfg.NATS.Subject))
	}
	defer publisher.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := crawler.NewMetrics(registry)

	engine, err := crawler.NewEngine(cfg.EngineConfig(logger), crawler.Dependencies{
		Queue:     queue,
		Pool:      pool,
		Probe:     provider.NewSpamBotProbe(),
		Publisher: publisher,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	serviceCfg := crawler.ServiceConfig{
		Schedule:            cfg.Schedule,
		ProgressLogInterval: cfg.ProgressLogInterval,
		Stats:               queue,
		Metrics:             metrics,
		Logger:              logger,
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		serviceCfg.Lock = coordination.NewCrawlLock(client, cfg.Redis.LockKey, cfg.Redis.LockTTL, logger)
		logger.Info("Using Redis crawl lock", zap.String("key", cfg.Redis.LockKey))
	}

	service, err := crawler.NewService(engine, serviceCfg)
	if err != nil {
		return err
	}

	if once {
		progress, err := service.RunPass(ctx)
		logger.Info("Pass finished", progress.Fields()...)
		return err
	}

	server := api.NewServer(api.Config{
		Port:     cfg.Admin.Port,
		APIKey:   cfg.Admin.APIKey,
		Progress: service,
		Accounts: pool,
		Queue:    queue,
		Gatherer: registry,
		Logger:   logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		err := service.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func seed(ctx context.Context, queue *db.QueueRepository, path string, logger *zap.Logger) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open seed file: %w", err)
	}
	defer file.Close()

	var usernames []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		usernames = append(usernames, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	inserted, err := queue.AddIdentifiers(ctx, usernames)
	if err != nil {
		return err
	}
	logger.Info("Seeded queue",
		zap.String("file", path),
		zap.Int("lines", len(usernames)),
		zap.Int("inserted", inserted))
	return nil
}

func setupLogger(level string) (*zap.Logger, error) {
	var zapConfig zap.Config

	if level == "debug" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return zapConfig.Build()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
