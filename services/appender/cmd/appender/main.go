package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"companionchat/internal/pgdb"
	"companionchat/internal/retry"
	"companionchat/internal/servicetoken"
	"companionchat/internal/util"
	"companionchat/pkg/queue"
	"companionchat/pkg/storage"
	"companionchat/pkg/transcript"
	"companionchat/services/appender/internal/app"
	"companionchat/services/appender/internal/config"
	"companionchat/services/appender/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "appender", cfg.LogsDir)
	if cleanup != nil {
		defer cleanup()
	}

	retryDelay, err := config.ParseQueueRetryDelay(cfg.QueueRetryDelay)
	if err != nil {
		util.Fatal("failed to parse queue retry delay", "err", err)
	}

	var objects storage.ObjectStore
	switch cfg.ObjectBackend {
	case "postgres":
		db, dbErr := pgdb.Open(cfg.DatabaseURL)
		if dbErr != nil {
			util.Fatal("failed to open postgres", "err", dbErr)
		}
		objects, err = storage.NewGormObjectStore(db)
	default:
		objects, err = storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Region:    cfg.MinioRegion,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	}
	if err != nil {
		util.Fatal("failed to init transcript storage", "err", err)
	}

	appCore, err := app.New(app.Config{
		Transcripts: transcript.NewStore(objects),
		Retry:       retry.Policy{MaxAttempts: cfg.StoreRetryAttempts},
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	var verifier *servicetoken.Verifier
	if cfg.InternalJWTPublicKeyPath != "" {
		extraKeys, err := servicetoken.ParseKeyMap(cfg.InternalJWTVerifyPublicKeys)
		if err != nil {
			util.Fatal("failed to parse internal jwt verify public keys", "err", err)
		}
		verifier, err = servicetoken.NewVerifier(servicetoken.VerifierOptions{
			PublicKeyPath:  cfg.InternalJWTPublicKeyPath,
			ExtraKeys:      extraKeys,
			KeyID:          cfg.InternalJWTKeyID,
			Audience:       "appender",
			AllowedIssuers: cfg.InternalJWTAllowedIssuers,
		})
		if err != nil {
			util.Fatal("failed to init service token verifier", "err", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	consumerCtx := util.ContextWithLogger(ctx, logger.With("component", "append_consumer"))

	switch cfg.ConsumerBackend {
	case "redis":
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     cfg.AppendStream,
			Group:      cfg.AppendGroup,
			Consumer:   util.NewID(),
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: retryDelay,
		})
		if err != nil {
			util.Fatal("failed to init redis consumer", "err", err)
		}
		defer q.Close()
		q.Start(consumerCtx, cfg.QueueConcurrency, appCore.Append)
	case "amqp":
		q, err := queue.NewAMQPQueue(queue.AMQPConfig{
			URL:        cfg.AMQPURL,
			Queue:      cfg.AMQPQueue,
			MaxRetries: cfg.QueueMaxRetries,
		})
		if err != nil {
			util.Fatal("failed to init amqp consumer", "err", err)
		}
		defer q.Close()
		if err := q.Start(consumerCtx, cfg.QueueConcurrency, appCore.Append); err != nil {
			util.Fatal("failed to start amqp consumer", "err", err)
		}
	}

	httpServer := server.New(server.Config{App: appCore, Verifier: verifier})
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("appender server listening", "addr", addr, "consumer", cfg.ConsumerBackend, "http_append", verifier != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	logger.Info("appender stopped")
}
