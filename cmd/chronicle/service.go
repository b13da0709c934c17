package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/audit"
	"github.com/MarcoPoloResearchLab/chronicle/internal/auth"
	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"github.com/MarcoPoloResearchLab/chronicle/internal/clickhouse"
	"github.com/MarcoPoloResearchLab/chronicle/internal/config"
	"github.com/MarcoPoloResearchLab/chronicle/internal/database"
	"github.com/MarcoPoloResearchLab/chronicle/internal/generation"
	"github.com/MarcoPoloResearchLab/chronicle/internal/lease"
	"github.com/MarcoPoloResearchLab/chronicle/internal/logging"
	"github.com/MarcoPoloResearchLab/chronicle/internal/materialize"
	"github.com/MarcoPoloResearchLab/chronicle/internal/query"
	"github.com/MarcoPoloResearchLab/chronicle/internal/rollup"
	"github.com/MarcoPoloResearchLab/chronicle/internal/server"
	"github.com/MarcoPoloResearchLab/chronicle/internal/telegram"
	"github.com/MarcoPoloResearchLab/chronicle/internal/users"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	rollupLeaseName = "rollup"
	redisLeaseKey   = "chronicle:rollup:lease"
	shutdownTimeout = 10 * time.Second
)

func runService(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, gormDB, closeStore, err := openStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	leaser, closeLeaser, err := openLeaser(appConfig, gormDB)
	if err != nil {
		return err
	}
	defer closeLeaser()

	auditLogger := audit.NewLogger(audit.Config{Store: store, Logger: logger})

	usersService, err := users.NewService(users.ServiceConfig{Store: store})
	if err != nil {
		return err
	}

	generator, err := generation.NewClient(generation.Config{
		Provider: appConfig.LLMProvider,
		APIKey:   appConfig.LLMAPIKey,
		Model:    appConfig.LLMModel,
		BaseURL:  appConfig.LLMBaseURL,
		Timeout:  appConfig.LLMTimeout,
		Audit:    auditLogger,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()

	engine, err := rollup.NewEngine(rollup.Config{
		Store:        store,
		Names:        usersService,
		Generator:    generator,
		BatchSize:    appConfig.BatchSize,
		ContextSize:  appConfig.ContextSize,
		IdleInterval: appConfig.IdleInterval,
		Temperature:  appConfig.LLMTemperature,
		Leaser:       leaser,
		Holder:       leaseHolder(),
		LeaseTTL:     appConfig.LeaseTTL,
		Publisher:    dispatcher,
		Audit:        auditLogger,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	reporter, err := rollup.NewStatusReporter(engine, appConfig.StatusSchedule, auditLogger, logger)
	if err != nil {
		return err
	}

	materializer, err := materialize.New(materialize.Config{
		Store:     store,
		Names:     usersService,
		TailLimit: appConfig.RawTailLimit,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	tools, err := query.NewTools(store, materializer)
	if err != nil {
		return err
	}

	narrator, err := query.NewNarrator(query.NarratorConfig{
		Materializer: materializer,
		Messages:     store,
		Generator:    generator,
		Temperature:  appConfig.LLMTemperature,
		CacheDelta:   int64(appConfig.CacheDelta),
		Audit:        auditLogger,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	asker, err := query.NewAsker(query.AskerConfig{
		Generator:   generator,
		Tools:       tools,
		Temperature: appConfig.LLMTemperature,
		Audit:       auditLogger,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	bot, err := telegram.NewService(telegram.Config{
		Token:          appConfig.TelegramToken,
		AllowedChatIDs: appConfig.AllowedChatIDs,
		Messages:       store,
		Profiles:       usersService,
		Narrator:       narrator,
		Asker:          asker,
		Audit:          auditLogger,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	var httpServer *http.Server
	if appConfig.HTTPEnabled() {
		tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
			Issuer:        auth.DefaultIssuer,
			Audience:      auth.DefaultAudience,
			TokenTTL:      appConfig.TokenTTL,
		})
		if err != nil {
			return err
		}
		handler, err := server.NewHTTPHandler(server.Dependencies{
			TokenManager: tokenIssuer,
			Materializer: materializer,
			Narrator:     narrator,
			Asker:        asker,
			Tools:        tools,
			Realtime:     dispatcher,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		httpServer = &http.Server{
			Addr:              appConfig.HTTPAddress,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(signalCtx)
	defer cancel()

	reporter.Start()
	defer reporter.Stop()

	errCh := make(chan error, 3)
	var workers sync.WaitGroup
	start := func(name string, run func() error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := run(); err != nil {
				logger.Error("component stopped", zap.String("component", name), zap.Error(err))
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	start("rollup", func() error { return engine.Run(runCtx) })
	start("telegram", func() error { return bot.Run(runCtx) })
	if httpServer != nil {
		start("http", func() error {
			logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	<-runCtx.Done()
	logger.Info("shutting down")
	if httpServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}
		cancelShutdown()
	}
	workers.Wait()
	close(errCh)

	return <-errCh
}

// openStore returns the chat log store, the gorm handle when the backend is SQL,
// and a close function.
func openStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (chatlog.Store, *gorm.DB, func(), error) {
	switch appConfig.DatabaseDriver {
	case config.DatabaseDriverClickHouse:
		conn, err := clickhouse.Open(ctx, clickhouse.ConnConfig{
			Address:  appConfig.ClickHouseAddress,
			Database: appConfig.ClickHouseDatabase,
			Username: appConfig.ClickHouseUsername,
			Password: appConfig.ClickHousePassword,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		if err := clickhouse.Migrate(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, nil, nil, err
		}
		store, err := clickhouse.NewStore(clickhouse.StoreConfig{Conn: conn, Logger: logger})
		if err != nil {
			_ = conn.Close()
			return nil, nil, nil, err
		}
		logger.Info("database initialized", zap.String("driver", config.DatabaseDriverClickHouse), zap.String("address", appConfig.ClickHouseAddress))
		return store, nil, func() { _ = conn.Close() }, nil
	default:
		db, err := database.Open(database.Config{
			Driver: appConfig.DatabaseDriver,
			Path:   appConfig.DatabasePath,
			DSN:    appConfig.DatabaseDSN,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := database.NewStore(database.StoreConfig{Database: db, Logger: logger})
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, nil, err
		}
		return store, db, func() { _ = sqlDB.Close() }, nil
	}
}

func openLeaser(appConfig config.AppConfig, db *gorm.DB) (lease.Leaser, func(), error) {
	switch appConfig.LeaseBackend {
	case config.LeaseRedis:
		client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		leaser, err := lease.NewRedisLeaser(client, redisLeaseKey)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return leaser, func() { _ = client.Close() }, nil
	case config.LeaseStore:
		leaser, err := lease.NewStoreLeaser(db, rollupLeaseName, time.Now)
		if err != nil {
			return nil, nil, err
		}
		return leaser, func() {}, nil
	default:
		return lease.Noop{}, func() {}, nil
	}
}

func leaseHolder() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "chronicle"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}
