// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peoplemesh/migration-engine/internal/alert"
	"github.com/peoplemesh/migration-engine/internal/bus"
	"github.com/peoplemesh/migration-engine/internal/config"
	"github.com/peoplemesh/migration-engine/internal/domain"
	"github.com/peoplemesh/migration-engine/internal/dualwrite"
	"github.com/peoplemesh/migration-engine/internal/logging"
	"github.com/peoplemesh/migration-engine/internal/persistence/postgres"
	"github.com/peoplemesh/migration-engine/internal/phase"
	"github.com/peoplemesh/migration-engine/internal/proxy"
	"github.com/peoplemesh/migration-engine/internal/repository"
	httptransport "github.com/peoplemesh/migration-engine/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	var (
		phaseStore phase.Store
		archive    bus.Archive
		health     httptransport.HealthChecker
	)

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()

		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
				log.Fatalf("schema bootstrap failed: %v", err)
			}
		}

		phaseStore = repository.NewPhaseRepository(pool, logging.WithComponent(logger, "phase_repo"))
		archive = repository.NewEventArchive(pool, logging.WithComponent(logger, "event_archive"))
		health = postgres.NewSchemaHealthChecker(pool)
	} else {
		logger.Warn("no database configured, phase state and event archive are in-memory only")
	}

	eventBus := bus.New(bus.Deps{
		Logger:   logging.WithComponent(logger, "bus"),
		Capacity: cfg.EventLogCapacity,
		Archive:  archive,
	})

	newService := proxy.New(proxy.Deps{
		BaseURL:        cfg.NewServiceURL,
		Enabled:        cfg.NewServiceEnabled,
		Timeout:        cfg.NewServiceTimeout,
		HealthInterval: cfg.HealthCheckInterval,
		Logger:         logging.WithComponent(logger, "proxy"),
	})
	defer newService.Close()

	phaseManager, err := phase.New(ctx, phase.Deps{
		Store:  phaseStore,
		Bus:    eventBus,
		Logger: logging.WithComponent(logger, "phase"),
	})
	if err != nil {
		log.Fatalf("phase manager init failed: %v", err)
	}

	// The environment seeds the policy on a fresh rollout; a resumed rollout
	// picks up its phase's config instead.
	initialConfig := domain.DualWriteConfig{
		Enabled:            cfg.DualWriteEnabled,
		ReadFromNewService: cfg.ReadFromNewService,
		WritePercentage:    cfg.WritePercentage,
		SyncMode:           domain.SyncMode(cfg.SyncMode),
	}
	if phaseManager.Status().Index > 0 {
		initialConfig = phaseManager.Current().Config
	}

	var alerts dualwrite.Notifier = alert.Noop{}
	if strings.TrimSpace(cfg.AlertWebhookURL) != "" {
		alerts = alert.NewWebhook(alert.Deps{
			URL:    cfg.AlertWebhookURL,
			Secret: cfg.AlertWebhookSecret,
			Logger: logging.WithComponent(logger, "alert"),
		})
	}

	adapter := dualwrite.New(dualwrite.Deps{
		Proxy:          newService,
		Bus:            eventBus,
		Phases:         phaseManager,
		Alerts:         alerts,
		Logger:         logging.WithComponent(logger, "dual_write"),
		InitialConfig:  initialConfig,
		ReportInterval: cfg.MetricsReportInterval,
	})
	adapter.StartReporting()
	defer adapter.Close()

	handler := httptransport.NewRouter(httptransport.Deps{
		Orchestrator:  adapter,
		Phases:        phaseManager,
		Proxy:         newService,
		Events:        eventBus,
		Health:        health,
		Logger:        logger,
		OperatorToken: cfg.OperatorToken,
		Version:       Version,
		Commit:        Commit,
		BuildDate:     BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("migration engine listening",
			"addr", cfg.HTTPAddr,
			"phase", phaseManager.Current().Name,
			"dual_write_enabled", initialConfig.Enabled,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
