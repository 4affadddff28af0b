// Command posd is the terminal daemon: it wires storage, the outbox,
// the admin HTTP client, every domain service, the background sync and
// print-spool loops, and the local HTTP control surface, then serves
// until an OS signal asks it to stop.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EpsylonBita/smallpos/internal/adminclient"
	"github.com/EpsylonBita/smallpos/internal/config"
	"github.com/EpsylonBita/smallpos/internal/coordination"
	"github.com/EpsylonBita/smallpos/internal/events"
	"github.com/EpsylonBita/smallpos/internal/httpapi"
	"github.com/EpsylonBita/smallpos/internal/logging"
	"github.com/EpsylonBita/smallpos/internal/loyalty"
	"github.com/EpsylonBita/smallpos/internal/menucache"
	"github.com/EpsylonBita/smallpos/internal/metrics"
	"github.com/EpsylonBita/smallpos/internal/orders"
	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/payments"
	"github.com/EpsylonBita/smallpos/internal/printspool"
	"github.com/EpsylonBita/smallpos/internal/settings"
	"github.com/EpsylonBita/smallpos/internal/shifts"
	"github.com/EpsylonBita/smallpos/internal/storage"
	"github.com/EpsylonBita/smallpos/internal/sync"
	"github.com/EpsylonBita/smallpos/internal/zreport"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg)

	log.Info().Str("env", cfg.Env).Str("data_dir", cfg.DataDir).Msg("smallpos terminal starting")

	db, err := storage.Open(cfg.DataDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open storage failed")
	}
	defer db.Close()

	if err := db.RunMigrations(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("run migrations failed")
	}

	credStore := settings.NewStore(cfg.DataDir)
	localSet := settings.NewLocalSettings(db.Conn())
	outboxQ := outbox.New(db.Conn())
	bus := events.New()

	locker, err := coordination.New(cfg.RedisURL, log)
	if err != nil {
		log.Warn().Err(err).Msg("coordination init failed — continuing without branch-local locking")
		locker, _ = coordination.New("", log)
	} else if err := locker.Ping(context.Background()); err != nil && cfg.RedisURL != "" {
		log.Warn().Err(err).Msg("redis ping failed — continuing without branch-local locking")
	}
	defer locker.Close()

	admin := adminclient.New(adminclient.Config{
		BaseURL: cfg.AdminBaseURL, APIKey: cfg.AdminAPIKey,
		OrganizationID: cfg.AdminOrgID, BranchID: cfg.AdminBranchID, TerminalID: cfg.AdminTerminalID,
		DataTimeout: cfg.AdminDataTimeout, LogoTimeout: cfg.AdminLogoTimeout, HealthTimeout: cfg.AdminHealthTimeout,
	}, log)

	menu := menucache.NewStaticCache(nil, nil, nil)

	dispatcher := printspool.NoopDispatcher{Log: log}
	docBuilder := printspool.NewSQLDocumentBuilder(db.Conn(), localSet)
	spooler := printspool.New(db.Conn(), cfg.DataDir, docBuilder, dispatcher, log)

	ordersSvc := orders.New(db, outboxQ, localSet, menu, spooler, bus, cfg.AdminTerminalID, log)
	paymentsEng := payments.New(db, outboxQ, admin, log)
	shiftsSvc := shifts.New(db, outboxQ, bus, log)
	zreportEng := zreport.New(db, outboxQ, localSet, log).WithLocker(locker)
	loyaltyLedger := loyalty.New(db, outboxQ)
	syncEng := sync.New(db, outboxQ, admin, credStore, localSet, paymentsEng, bus, log)

	metricsReg := metrics.New()

	spooler.Start(time.Duration(cfg.PrintIntervalSec) * time.Second)
	defer spooler.Stop()

	syncEng.Start(time.Duration(cfg.SyncIntervalSec) * time.Second)
	defer syncEng.Stop()

	router := httpapi.NewRouter(httpapi.Services{
		Orders:   ordersSvc,
		Payments: paymentsEng,
		Shifts:   shiftsSvc,
		ZReport:  zreportEng,
		Sync:     syncEng,
		Loyalty:  loyaltyLedger,
		Bus:      bus,
		Metrics:  metricsReg,
	}, log)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("terminal control surface listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("terminal stopped gracefully")
	}
}
