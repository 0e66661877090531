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

	"github.com/joho/godotenv"
	"github.com/punchamoorthee/unfollowops/internal/api"
	"github.com/punchamoorthee/unfollowops/internal/config"
	"github.com/punchamoorthee/unfollowops/internal/domain"
	"github.com/punchamoorthee/unfollowops/internal/ledger"
	"github.com/punchamoorthee/unfollowops/internal/logger"
	"github.com/punchamoorthee/unfollowops/internal/payment"
	"github.com/punchamoorthee/unfollowops/internal/remote"
	"github.com/punchamoorthee/unfollowops/internal/service"
	"github.com/punchamoorthee/unfollowops/internal/session"
	"github.com/punchamoorthee/unfollowops/internal/store"
	"github.com/punchamoorthee/unfollowops/internal/vault"
	"go.uber.org/zap"
)

type backend interface {
	ledger.Store
	payment.Store
}

func main() {
	_ = godotenv.Load()

	lg, err := logger.Init(logger.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Layers
	st, closeStore, err := openStore(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalf("store: %v", err)
	}
	defer closeStore()

	sealer, err := vault.New(cfg.SecretKey)
	if err != nil {
		sugar.Fatalf("vault: %v", err)
	}
	rc := newRemote(cfg, sugar)

	led := ledger.NewService(st, cfg.FreeCredits, sugar.Named("ledger"))
	tracker := payment.NewTracker(st, domain.PlanEffects{StarterCredits: cfg.StarterCredits}, sugar.Named("payment"))
	binder := session.NewBinder(led, rc, sealer, session.NewScanCache(cfg.ScanCacheTTL), sugar.Named("session"))
	scans := service.NewScanService(binder, rc, cfg.PageSize, cfg.FollowerThreshold, cfg.MaxCandidates, sugar.Named("scan"))
	unfollows := service.NewUnfollowService(binder, led, rc, sugar.Named("unfollow"))

	if cfg.AdminKey == "" {
		sugar.Warn("ADMIN_GRANT_KEY not set; admin endpoints disabled")
	}

	handler := api.NewHandler(api.Deps{
		Binder:         binder,
		Ledger:         led,
		Payments:       tracker,
		Scans:          scans,
		Unfollows:      unfollows,
		AdminKey:       cfg.AdminKey,
		PaymentAddress: cfg.PaymentAddress,
		Log:            sugar.Named("http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, sugar.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2*cfg.RemoteTimeout + 30*time.Second,
	}

	go func() {
		sugar.Infow("server starting", "port", cfg.Port, "env", cfg.Env, "store", cfg.StoreBackend, "remote", cfg.RemoteMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnf("shutdown: %v", err)
	}
	sugar.Info("goodbye")
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (backend, func(), error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		log.Warn("using in-memory store; balances are lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	pg, err := store.NewStore(cfg.DBSource)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func newRemote(cfg *config.Config, log *zap.SugaredLogger) remote.Client {
	if cfg.RemoteMode == config.RemoteModeFake {
		log.Warn("using fake remote service")
		fake := remote.NewFake()
		fake.AutoProvision = true
		return fake
	}
	return remote.NewHTTPClient(cfg.RemoteBaseURL, cfg.RemoteTimeout)
}
