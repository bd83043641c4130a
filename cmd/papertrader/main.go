// Package main is the entry point for the paper trading service.
// It loads configuration, wires the market feed, execution engine, risk
// monitor and HTTP surface, and runs until interrupted.
//
// Usage:
//
//	papertrader --config configs/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"papertrader/internal/api"
	"papertrader/internal/marketfeed/noren"
	"papertrader/internal/metrics"
	"papertrader/internal/notify"
	"papertrader/internal/risk"
	"papertrader/internal/store"
	"papertrader/internal/symbols"
	"papertrader/internal/trading"
	"papertrader/internal/wallet"
	"papertrader/pkg/config"
)

const (
	defaultHTTPPort = 8080
	shutdownTimeout = 10 * time.Second
	// EnvTelegramToken holds the operator bot token.
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
)

// configPath is the path to the YAML configuration file.
var configPath string

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}
	flag.StringVar(&configPath, "config", "configs/config.yaml", "path to config file")
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(reg)

	feed := noren.NewFromConfig(cfg.Feed, collector, logger.Named("feed"))
	directory := symbols.NewDirectory(db, logger)
	ledger := wallet.NewLedger(db, logger)
	engine := trading.NewEngine(trading.Config{
		DB:        db,
		Symbols:   directory,
		Prices:    feed,
		Ledger:    ledger,
		PriceWait: cfg.Execution.PriceWait,
		Metrics:   collector,
		Logger:    logger.Named("engine"),
	})

	mirror, closeMirror, err := newMirror(ctx, cfg.Risk.Redis, logger)
	if err != nil {
		return err
	}
	defer closeMirror()

	notifier, err := newNotifier(cfg.Notification, logger)
	if err != nil {
		return err
	}

	monitor := risk.NewMonitor(risk.Config{
		Engine:         engine,
		Feed:           feed,
		Mirror:         mirror,
		Notifier:       notifier,
		SweepInterval:  cfg.Risk.SweepInterval,
		ResyncInterval: cfg.Risk.ResyncInterval,
		ExpiryInterval: cfg.Risk.ExpiryInterval,
		QuoteWait:      cfg.Execution.PriceWait,
		Metrics:        collector,
		Logger:         logger,
	})
	engine.SetObserver(monitor)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Config{
		Engine:      engine,
		Ledger:      ledger,
		Feed:        feed,
		Instruments: directory,
		MetricsPath: cfg.MetricsPath(),
		Metrics:     metrics.Handler(reg),
		Logger:      logger.Named("http"),
	})
	srv := newServer(cfg.Server, router)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Feed.Enabled {
		g.Go(func() error {
			if err := feed.Connect(gctx); err != nil {
				logger.Warn("initial feed connect failed", zap.Error(err))
			}
			return nil
		})
	}

	if cfg.Risk.Enabled {
		if err := monitor.Start(gctx); err != nil {
			return err
		}
	}

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		monitor.Stop()
		if err := feed.Disconnect(); err != nil {
			logger.Warn("feed disconnect", zap.Error(err))
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.IsDevelopment() {
		zcfg = zap.NewDevelopmentConfig()
	}

	if cfg.App.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.App.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("app", cfg.App.Name)), nil
}

// newMirror returns the redis mirror when configured and a process-local one otherwise.
func newMirror(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (risk.Mirror, func(), error) {
	if !cfg.Enabled {
		return risk.NewMemoryMirror(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info("position mirror on redis", zap.String("addr", cfg.Addr), zap.String("key", cfg.Key))
	return risk.NewRedisMirror(client, cfg.Key, logger), func() { _ = client.Close() }, nil
}

func newNotifier(cfg *config.NotificationConfig, logger *zap.Logger) (notify.Notifier, error) {
	if cfg == nil || !cfg.Telegram.Enabled {
		return notify.NewLog(logger), nil
	}

	var kinds []notify.Kind
	if cfg.Telegram.NotifySquareOffs {
		kinds = append(kinds, notify.KindSquareOff)
	}
	if cfg.Telegram.NotifyErrors {
		kinds = append(kinds, notify.KindFailure)
	}

	return notify.NewTelegram(notify.TelegramConfig{
		Token:  os.Getenv(EnvTelegramToken),
		ChatID: cfg.Telegram.ChatID,
		Kinds:  kinds,
		Logger: logger,
	})
}

func newServer(cfg *config.ServerConfig, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", defaultHTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg == nil {
		return srv
	}

	if cfg.HTTP.Port != 0 {
		srv.Addr = fmt.Sprintf(":%d", cfg.HTTP.Port)
	}
	srv.ReadTimeout = cfg.HTTP.ReadTimeout
	srv.WriteTimeout = cfg.HTTP.WriteTimeout
	return srv
}
