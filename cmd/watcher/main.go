package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/casewatch/casewatch/internal/channel"
	"github.com/casewatch/casewatch/internal/channel/telegram"
	"github.com/casewatch/casewatch/internal/config"
	"github.com/casewatch/casewatch/internal/detector"
	"github.com/casewatch/casewatch/internal/handler"
	"github.com/casewatch/casewatch/internal/infra/postgresql"
	"github.com/casewatch/casewatch/internal/infra/postgresql/migrations"
	infraredis "github.com/casewatch/casewatch/internal/infra/redis"
	"github.com/casewatch/casewatch/internal/ledger"
	"github.com/casewatch/casewatch/internal/observability"
	"github.com/casewatch/casewatch/internal/provider"
	"github.com/casewatch/casewatch/internal/repository"
	"github.com/casewatch/casewatch/internal/scraper"
	"github.com/casewatch/casewatch/internal/service"
	"github.com/casewatch/casewatch/internal/transport"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("watcher failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	records := repository.NewGormRecordRepo(db)

	deliveryLedger, err := ledger.New(records, logger)
	if err != nil {
		return fmt.Errorf("ledger initialization failed: %w", err)
	}
	deliveryLedger.SetMetrics(metrics)

	recordDetector, err := detector.New(records, logger)
	if err != nil {
		return fmt.Errorf("detector initialization failed: %w", err)
	}
	recordDetector.SetMetrics(metrics)

	portal, err := scraper.NewPortalClient(cfg.PortalAPIURL)
	if err != nil {
		return fmt.Errorf("portal client initialization failed: %w", err)
	}

	var fallback provider.Provider
	if cfg.FallbackEnabled {
		mailer, err := provider.NewMailProvider(cfg.MailAPIURL, cfg.MailAPIKey, cfg.MailFrom)
		if err != nil {
			return fmt.Errorf("mail provider initialization failed: %w", err)
		}
		fallback = mailer
	}

	var session *channel.Session
	if cfg.ChannelEnabled {
		blobs, err := infraredis.NewRedisBlobStore(rdb)
		if err != nil {
			return fmt.Errorf("blob store initialization failed: %w", err)
		}

		factory := telegram.NewFactory(telegram.Config{Token: cfg.ChannelBotToken}, logger)
		session, err = channel.NewSession(channel.SessionConfig{
			Name:          cfg.SessionName,
			Dir:           cfg.SessionDir,
			InitTimeout:   cfg.ChannelInitTimeout(),
			OnPairingCode: pairingCodeNotifier(fallback, cfg.MailFallback, logger),
		}, factory, blobs, logger)
		if err != nil {
			return fmt.Errorf("channel session initialization failed: %w", err)
		}
		session.SetMetrics(metrics)

		if err := session.Start(ctx); err != nil {
			notifyStartupFailure(fallback, cfg.MailFallback, err, logger)
			return fmt.Errorf("channel session start failed: %w", err)
		}
	}

	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}

	var orchestratorSession service.ChannelSession
	if session != nil {
		orchestratorSession = session
	}
	orchestrator, err := service.NewOrchestrator(deliveryLedger, orchestratorSession, fallback, rateLimiter, service.OrchestratorConfig{
		Recipients:         cfg.RecipientList(),
		OpenOnly:           cfg.DeliverOpenOnly(),
		SendCourtesy:       cfg.SendCourtesyMessage,
		MaxItemsPerMessage: cfg.MaxItemsPerMessage,
		FallbackAddress:    cfg.MailFallback,
		ReadyWait:          cfg.ReadyWait(),
		AckWait:            cfg.AckWait(),
	}, logger)
	if err != nil {
		return fmt.Errorf("orchestrator initialization failed: %w", err)
	}
	orchestrator.SetMetrics(metrics)

	cycles, err := service.NewCycleRunner(portal, recordDetector, orchestrator, cfg.CycleSchedule, logger)
	if err != nil {
		return fmt.Errorf("cycle runner initialization failed: %w", err)
	}
	cycles.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(metrics.HTTPMiddleware())
	handler.RegisterHealthRoutes(app, sqlDB, rdb)

	var sessionStatus handler.SessionStatus
	if session != nil {
		sessionStatus = session
	}
	status, err := handler.NewStatusHandler(sessionStatus, cfg.FallbackEnabled, records, cycles)
	if err != nil {
		return fmt.Errorf("status handler initialization failed: %w", err)
	}
	handler.RegisterStatusRoutes(app, status)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return cycles.Start(groupCtx)
	})

	if session != nil {
		g.Go(func() error {
			return session.RunVerifier(groupCtx, cfg.VerifyInterval())
		})
	}

	g.Go(func() error {
		logger.Info("status server started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})

	g.Go(func() error {
		<-groupCtx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	logger.Info("casewatch started",
		zap.Bool("channelEnabled", cfg.ChannelEnabled),
		zap.Bool("fallbackEnabled", cfg.FallbackEnabled),
		zap.String("schedule", cfg.CycleSchedule),
	)

	err = g.Wait()

	if session != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if shutdownErr := session.Shutdown(flushCtx); shutdownErr != nil {
			logger.Warn("session shutdown failed", zap.Error(shutdownErr))
		}
		cancel()
	}

	if err != nil && ctx.Err() == nil {
		notifyStartupFailure(fallback, cfg.MailFallback, err, logger)
		return err
	}

	logger.Info("casewatch stopped")
	return nil
}

// pairingCodeNotifier routes pairing artifacts to the operator through the
// fallback channel, since the primary channel is by definition not usable
// while pairing.
func pairingCodeNotifier(fallback provider.Provider, address string, logger *zap.Logger) func(ctx context.Context, code string) {
	return func(ctx context.Context, code string) {
		if fallback == nil {
			logger.Info("pairing code available", zap.String("code", code))
			return
		}

		_, err := fallback.Send(ctx, provider.Message{
			To:      address,
			Subject: "Channel pairing required",
			Body:    fmt.Sprintf("The watcher needs re-pairing. Pairing code: %s", code),
		})
		if err != nil {
			logger.Error("failed to deliver pairing code", zap.Error(err))
		}
	}
}

func notifyStartupFailure(fallback provider.Provider, address string, cause error, logger *zap.Logger) {
	if fallback == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := fallback.Send(ctx, provider.Message{
		To:      address,
		Subject: "Watcher failed",
		Body:    fmt.Sprintf("The notification watcher stopped with an error: %v", cause),
	})
	if err != nil {
		logger.Error("failed to send failure notification", zap.Error(err))
	}
}
