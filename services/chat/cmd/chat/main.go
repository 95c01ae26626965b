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

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"companionchat/internal/pgdb"
	"companionchat/internal/ratelimit"
	"companionchat/internal/retry"
	"companionchat/internal/servicetoken"
	"companionchat/internal/util"
	"companionchat/pkg/ai"
	"companionchat/pkg/auth"
	"companionchat/pkg/dispatch"
	"companionchat/pkg/queue"
	"companionchat/pkg/storage"
	"companionchat/pkg/store"
	"companionchat/pkg/transcript"
	"companionchat/services/chat/internal/app"
	"companionchat/services/chat/internal/appendclient"
	"companionchat/services/chat/internal/config"
	"companionchat/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "chat", cfg.LogsDir)
	if cleanup != nil {
		defer cleanup()
	}

	inferenceTimeout, err := config.ParseInferenceTimeout(cfg.InferenceTimeout)
	if err != nil {
		util.Fatal("failed to parse inference timeout", "err", err)
	}
	retryInterval, err := config.ParseRetryInterval(cfg.StoreRetryInitialInterval)
	if err != nil {
		util.Fatal("failed to parse store retry interval", "err", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
	}
	var db *gorm.DB
	postgres := func() *gorm.DB {
		if db == nil {
			db, err = pgdb.Open(cfg.DatabaseURL)
			if err != nil {
				util.Fatal("failed to open postgres", "err", err)
			}
		}
		return db
	}

	var directory store.UserDirectory
	switch cfg.DirectoryBackend {
	case "postgres":
		directory, err = store.NewGormDirectory(postgres())
		if err != nil {
			util.Fatal("failed to init user directory", "err", err)
		}
	default:
		directory = store.NewRedisDirectory(redisClient, "")
	}

	var objects storage.ObjectStore
	switch cfg.ObjectBackend {
	case "postgres":
		objects, err = storage.NewGormObjectStore(postgres())
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

	completer, err := ai.NewCompleter(ai.Config{
		Provider: cfg.InferenceProvider,
		BaseURL:  cfg.InferenceBaseURL,
		APIKey:   cfg.InferenceAPIKey,
		Model:    cfg.InferenceModel,
		Timeout:  inferenceTimeout,
	})
	if err != nil {
		util.Fatal("failed to init inference client", "err", err)
	}
	passwords, err := auth.NewPasswordScheme(cfg.PasswordScheme)
	if err != nil {
		util.Fatal("failed to init password scheme", "err", err)
	}

	publisher, closePublisher, err := newPublisher(cfg)
	if err != nil {
		util.Fatal("failed to init append publisher", "backend", cfg.DispatchBackend, "err", err)
	}
	defer closePublisher()
	dispatcher := dispatch.New(publisher, dispatch.Config{
		QueueSize: cfg.DispatchQueueSize,
		Workers:   cfg.DispatchWorkers,
		Logger:    logger,
	})

	appCore, err := app.New(app.Config{
		Directory:   directory,
		Transcripts: transcript.NewStore(objects),
		Completer:   completer,
		Dispatcher:  dispatcher,
		Passwords:   passwords,
		Sampling: ai.SamplingParams{
			MaxNewTokens:   cfg.MaxNewTokens,
			Temperature:    *cfg.Temperature,
			TopP:           *cfg.TopP,
			ReturnFullText: cfg.ReturnFullText,
		},
		InferenceTimeout: inferenceTimeout,
		StripLeadingChar: *cfg.StripLeadingChar,
		SystemPrompt:     cfg.SystemPrompt,
		TaskMarker:       cfg.TaskMarker,
		ContextWindow:    cfg.ContextWindow,
		HistoryWindow:    cfg.HistoryWindow,
		Retry: retry.Policy{
			MaxAttempts:     cfg.StoreRetryAttempts,
			InitialInterval: retryInterval,
		},
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}
	var limiter server.Limiter
	if cfg.AuthRateLimitPerMinute > 0 {
		if redisClient == nil {
			util.Fatal("authRateLimitPerMinute requires redisAddr")
		}
		rl, err := ratelimit.NewFixedWindowLimiter(redisClient, "companionchat:ratelimit", cfg.AuthRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
		limiter = rl
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		AuthLimiter:    limiter,
		TrustedProxies: trustedProxies,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: inferenceTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		slog.Info("chat server listening", "addr", addr)
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
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("append dispatcher did not drain", "err", err)
	}
	logger.Info("chat server stopped")
}

// newPublisher builds the transport append jobs leave the process on.
func newPublisher(cfg config.FileConfig) (queue.Publisher, func(), error) {
	switch cfg.DispatchBackend {
	case "amqp":
		q, err := queue.NewAMQPQueue(queue.AMQPConfig{URL: cfg.AMQPURL, Queue: cfg.AMQPQueue})
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	case "http":
		signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
			PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
			KeyID:          cfg.InternalJWTKeyID,
			Issuer:         "chat",
		})
		if err != nil {
			return nil, nil, err
		}
		return appendclient.NewClient(cfg.AppenderURL, signer), func() {}, nil
	default:
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.AppendStream,
		})
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	}
}
