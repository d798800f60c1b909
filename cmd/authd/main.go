package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"beneficios.org/internal/audit"
	"beneficios.org/internal/auth"
	"beneficios.org/internal/config"
	"beneficios.org/internal/httpapi"
	"beneficios.org/internal/jobs"
	"beneficios.org/internal/obs"
	"beneficios.org/internal/store/pg"
	"beneficios.org/internal/store/rediscache"
)

const serviceName = "beneficios-authz"

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	syncCatalog := flag.Bool("sync-catalog", false, "upsert the permission catalog and role mappings before serving")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		obs.Logger().WithError(err).Fatal("invalid configuration")
	}
	obs.Configure(cfg.LogLevel, serviceName, version)
	obs.Init()
	obs.InitBuildInfo(serviceName, version, commit)
	log := obs.Logger().WithField("component", "authd")

	if err := run(cfg, *syncCatalog, log); err != nil {
		log.WithError(err).Fatal("authd stopped with error")
	}
	log.Info("stopped")
}

func run(cfg config.Config, syncCatalog bool, log logrus.FieldLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PGDSN == "" {
		return errors.New("BENEFICIOS_PG_DSN is required")
	}
	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	catalog := auth.DefaultCatalog()
	bypass := auth.DefaultBypassTable()
	if cfg.PolicyFile != "" {
		policy, err := config.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return err
		}
		if bypass, err = policy.Apply(catalog); err != nil {
			return err
		}
	}
	if syncCatalog {
		syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := store.SyncCatalog(syncCtx, catalog.Permissions(), catalog.RolePermissions())
		cancel()
		if err != nil {
			return err
		}
		log.WithField("permissions", len(catalog.Permissions())).Info("catalog synchronised")
	}

	var cache *rediscache.BlacklistCache
	if cfg.RedisURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		cache, err = rediscache.Dial(dialCtx, rediscache.Config{URL: cfg.RedisURL})
		cancel()
		if err != nil {
			return err
		}
		defer cache.Close()
	}

	issuerOpts := []auth.IssuerOption{
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithKeyID(cfg.JWTKeyID),
	}
	if cfg.JWTSecret != "" {
		issuerOpts = append(issuerOpts, auth.WithHMACSecret(cfg.JWTSecret))
	} else {
		issuerOpts = append(issuerOpts, auth.WithRS256Keys(cfg.JWTPrivateKey, cfg.JWTPublicKey))
	}
	issuer, err := auth.NewTokenIssuer(issuerOpts...)
	if err != nil {
		return err
	}

	sink := audit.Multi(store.AuditLog(), audit.NewLogSink(nil))
	grantStore := auth.NewCachedGrantStore(store, cfg.GrantCacheSize, cfg.GrantCacheTTL)
	evaluator := auth.NewEvaluator(catalog, bypass, grantStore)

	revocationOpts := []auth.RevocationOption{
		auth.WithRevocationAudit(sink),
		auth.WithCutoffRetention(cfg.AccessTTL),
	}
	if cache != nil {
		revocationOpts = append(revocationOpts, auth.WithBlacklistCache(cache))
	}
	revocation := auth.NewRevocationService(store, revocationOpts...)
	grants, err := auth.NewGrantService(grantStore, evaluator, store, auth.WithGrantAudit(sink))
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionManager(store, issuer, revocation,
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithSessionAudit(sink),
	)
	if err != nil {
		return err
	}
	svc := httpapi.Services{
		Sessions:   sessions,
		Grants:     grants,
		Revocation: revocation,
		Guard:      auth.NewGuard(evaluator, nil),
	}

	probe := httpapi.ReadyProbe{DB: store}
	if cache != nil {
		probe.Cache = cache
	}
	api, err := httpapi.New(svc, probe, version, httpapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	if err != nil {
		return err
	}
	grpcSvc, err := httpapi.NewGRPCServer(svc, probe)
	if err != nil {
		return err
	}
	grpcServer := grpcSvc.NewServer()

	var scheduler *jobs.Scheduler
	if cfg.CleanupSchedule != "" {
		if scheduler, err = jobs.NewScheduler(cfg.CleanupSchedule, revocation, nil); err != nil {
			return err
		}
		scheduler.Start()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	go grpcSvc.WatchReadiness(ctx, 10*time.Second)

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", srv.Addr).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.WithField("addr", cfg.GRPCAddr).Info("grpc listening")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	return serveErr
}
