package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pgveil/pgveil/internal/app"
	"github.com/pgveil/pgveil/internal/broker"
	"github.com/pgveil/pgveil/internal/gate"
	"github.com/pgveil/pgveil/internal/observability"
	"github.com/pgveil/pgveil/internal/oidc"
	"github.com/pgveil/pgveil/internal/platform/cache"
	"github.com/pgveil/pgveil/internal/platform/db"
	"github.com/pgveil/pgveil/internal/policy"
	"github.com/pgveil/pgveil/internal/rolemap"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	idp := oidc.NewClient(nil, oidc.ClientConfig{
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		TokenURL:     cfg.OIDCTokenURL,
		UserInfoURL:  cfg.OIDCUserInfoURL,
		Timeout:      cfg.IdPTimeout,
		Retries:      cfg.IdPRetries,
	})
	verifier := oidc.NewVerifier(idp, oidc.VerifierConfig{
		Issuer:        cfg.OIDCIssuer,
		Audience:      cfg.OIDCAudience,
		UsernameClaim: cfg.OIDCUsernameClaim,
	})

	mapper := rolemap.NewMapper(pool, cfg.AdminGroup, app.Named(logger, "rolemap"))
	store := broker.NewSessionStore(redisClient, cfg.RoleTTL)

	var evaluator broker.PolicyEvaluator
	if cfg.PolicyURL != "" {
		engine, err := policy.NewOPAEngine(nil, policy.OPAConfig{
			Address:             cfg.PolicyURL,
			SelectQueryTemplate: cfg.PolicySelectQuery,
			StringEscape:        cfg.PolicyStringEscape,
			Timeout:             cfg.PolicyTimeout,
			Retries:             cfg.PolicyRetries,
		})
		if err != nil {
			logger.Error("configure policy engine", slog.Any("error", err))
			os.Exit(1)
		}
		evaluator = policy.NewAdapter(engine, app.Named(logger, "policy"))
	} else {
		logger.Warn("no policy engine configured, statements are not filtered")
		evaluator = policy.NewAdapter(nil, logger)
	}

	service := broker.NewService(verifier, mapper, store, evaluator, app.Named(logger, "broker"))
	handler := broker.NewHandler(app.Named(logger, "api"), service)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		BrokerHandler: handler,
		Metrics:       metrics,
	})

	databaseClients, err := cfg.ParseDatabaseClients()
	if err != nil {
		logger.Error("parse database clients", slog.Any("error", err))
		os.Exit(1)
	}
	fallbackClient := ""
	if cfg.DatabaseClientFallback {
		fallbackClient = cfg.OIDCClientID
	}
	gateServer := gate.NewServer(gate.Config{
		Addr:                   cfg.GateAddr,
		UpstreamDSN:            cfg.PGDSN,
		DatabaseClients:        databaseClients,
		DatabaseClientFallback: fallbackClient,
	}, service, verifier, evaluator, app.Named(logger, "gate"), metrics)

	apiServer := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("api listening", slog.String("addr", cfg.APIAddr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return gateServer.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("runtime error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
