package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gracechurch.org/authz/internal/audit"
	"gracechurch.org/authz/internal/authz"
	"gracechurch.org/authz/internal/config"
	"gracechurch.org/authz/internal/delegation"
	"gracechurch.org/authz/internal/guard"
	"gracechurch.org/authz/internal/httpapi"
	"gracechurch.org/authz/internal/obs"
	"gracechurch.org/authz/internal/review"
	"gracechurch.org/authz/internal/store"
)

var version = "0.1.0"

const readinessInterval = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	logger := obs.InitLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	obs.Init()
	obs.InitBuildInfo("church-authz", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("time zone", zap.Error(err))
	}
	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		logger.Fatal("trusted proxies", zap.Error(err))
	}
	policies, err := config.LoadRoutePolicies(cfg.RoutePolicyFile)
	if err != nil {
		logger.Fatal("route policies", zap.Error(err))
	}

	backend, err := store.Open(ctx, cfg.PGDSN, cfg.SeedDemo, time.Now())
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer backend.Close()

	auditLog := audit.NewLogger(backend, audit.WithBufferSize(cfg.AuditBuffer))
	defer auditLog.Close()

	eval, err := authz.NewEvaluator(backend,
		authz.WithAuditRecorder(auditLog),
		authz.WithLogger(logger.Named("authz")),
		authz.WithLocation(loc),
	)
	if err != nil {
		logger.Fatal("evaluator", zap.Error(err))
	}
	var guardOpts []guard.Option
	if cfg.DenyUnmatched() {
		guardOpts = append(guardOpts, guard.WithUnmatchedDeny())
	}
	routeGuard, err := guard.New(eval, policies, guardOpts...)
	if err != nil {
		logger.Fatal("route guard", zap.Error(err))
	}
	delegations, err := delegation.NewManager(backend, delegation.WithAuditRecorder(auditLog))
	if err != nil {
		logger.Fatal("delegation manager", zap.Error(err))
	}
	reviews, err := review.NewScheduler(backend,
		review.WithAuditRecorder(auditLog),
		review.WithLogger(logger.Named("review")),
	)
	if err != nil {
		logger.Fatal("review scheduler", zap.Error(err))
	}

	probe := httpapi.ReadyProbe{Store: backend}
	api, err := httpapi.New(httpapi.Config{
		Evaluator:      eval,
		Guard:          routeGuard,
		Delegations:    delegations,
		Reviews:        reviews,
		Ready:          probe,
		Tokens:         httpapi.NewTokenVerifier(cfg.TokenSecret, cfg.TokenIssuer),
		Version:        version,
		RateBurst:      cfg.RateLimitBurst,
		RatePerSecond:  cfg.RateLimitRPS,
		TrustedProxies: proxies,
	})
	if err != nil {
		logger.Fatal("http api", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv, health := httpapi.NewGRPCServer()
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("grpc listen", zap.Error(err))
	}
	go httpapi.WatchReadiness(ctx, health, probe, readinessInterval)

	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc serve", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("http listening",
			zap.String("addr", srv.Addr),
			zap.String("version", version),
			zap.Int("route_policies", len(policies)),
			zap.Bool("deny_unmatched", cfg.DenyUnmatched()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	logger.Info("stopped")
}
