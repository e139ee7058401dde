package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bwchat/realtime-dm/internal/config"
	"github.com/bwchat/realtime-dm/internal/handler"
	"github.com/bwchat/realtime-dm/internal/identity"
	natsclient "github.com/bwchat/realtime-dm/internal/nats"
	"github.com/bwchat/realtime-dm/internal/presence"
	"github.com/bwchat/realtime-dm/internal/session"
	"github.com/bwchat/realtime-dm/internal/store"
	"github.com/bwchat/realtime-dm/pkg/logger"
	"github.com/bwchat/realtime-dm/pkg/tracing"
)

func serve(ctx context.Context, v *viper.Viper, cfgFile string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	var log *logger.Logger
	if cfg.LogFormat == "console" {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server", zap.String("store", cfg.StoreBackend))

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "realtime-dm", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	var (
		st      store.Store
		creds   identity.CredentialStore
		backend handler.Pinger
	)
	switch cfg.StoreBackend {
	case config.StoreNATS:
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer natsClient.Close()

		storage := jetstream.FileStorage
		if cfg.NATSMemory {
			storage = jetstream.MemoryStorage
		}
		buckets, err := natsclient.NewBucketManager(natsClient.JetStream(), storage, cfg.NATSReplicas).EnsureBuckets(ctx)
		if err != nil {
			return fmt.Errorf("ensure buckets: %w", err)
		}
		st = natsclient.NewStore(buckets, log)
		creds = natsclient.NewCredentials(buckets.Credentials)
		backend = natsClient
	default:
		log.Warn("using in-memory store, data is lost on restart")
		st = store.NewMemory(nil)
		creds = identity.NewMemoryCredentials()
	}

	sessions := session.NewManager(st, identity.NewLocalProvider(creds, cfg.BcryptCost), nil, session.Config{
		LegacyIDLookup:    cfg.LegacyIDLookup,
		BatchSize:         cfg.BatchSize,
		PermissionTimeout: cfg.PermissionTimeout,
		EventBuffer:       cfg.EventBuffer,
		IdleTimeout:       cfg.SessionIdleTimeout,
		ReapInterval:      cfg.SessionReapInterval,
		Tracker: presence.TrackerConfig{
			IdleTimeout: cfg.IdleTimeout,
			Throttle:    cfg.ActivityThrottle,
			Heartbeat:   cfg.PresenceHeartbeat,
		},
		Reader: presence.ReaderConfig{
			Window:   cfg.FreshnessWindow,
			Interval: cfg.RecomputeInterval,
		},
	}, log)

	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		TokenTTL:          cfg.JWTExpiration,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		AuthRateLimit:     cfg.AuthRateLimit,
		RateLimitWindow:   cfg.RateLimitWindow,
		Heartbeat:         cfg.StreamHeartbeat,
	}, sessions, backend, log)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		sessions.Close()
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Ending sessions first closes open event streams and publishes every
	// signed-in user offline.
	sessions.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
