package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oarkflow/cmpp-server/internal/api"
	"github.com/oarkflow/cmpp-server/internal/auth"
	"github.com/oarkflow/cmpp-server/internal/config"
	"github.com/oarkflow/cmpp-server/internal/database"
	"github.com/oarkflow/cmpp-server/internal/handler"
	"github.com/oarkflow/cmpp-server/internal/logger"
	"github.com/oarkflow/cmpp-server/internal/metrics"
	"github.com/oarkflow/cmpp-server/internal/ratelimit"
	"github.com/oarkflow/cmpp-server/internal/stats"
	"github.com/oarkflow/cmpp-server/internal/version"
	"github.com/oarkflow/cmpp-server/pkg/cmpp"
	"github.com/oarkflow/cmpp-server/pkg/events"
)

func main() {
	configPath := flag.String("config", "configs/ismg.yaml", "path to the YAML configuration")
	writeDefault := flag.Bool("write-config", false, "write the default configuration to -config and exit")
	gatewayID := flag.Uint("gateway", 1, "gateway code stamped into generated Msg_Id values")
	reload := flag.Duration("account-reload", time.Minute, "interval between account reloads from MySQL")
	flag.Parse()

	if *writeDefault {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		log.Printf("Default configuration written to %s", *configPath)
		return
	}

	configManager := config.NewConfigManager(*configPath)
	cfg, err := configManager.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	output := cfg.Logging.Output
	if output == "file" {
		output = cfg.Logging.File
	}
	appLogger, err := logger.New(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: output})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLogger.Close()
	appLogger.Info("Initializing ISMG components", "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics: Prometheus for scraping, go-metrics for the admin API
	traffic := stats.NewCollector()
	collectors := metrics.Multi{traffic}
	var prom *metrics.PrometheusMetricsCollector
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheusMetricsCollector(cfg.Metrics.Namespace, cfg.Metrics.Port, appLogger)
		defer prom.Stop()
		collectors = append(collectors, prom)
	}

	eventBus := events.NewAsyncEventBus(appLogger, 1024)
	defer eventBus.Close()
	setupEventHandlers(ctx, eventBus, collectors, appLogger)

	accounts := auth.NewAccountAuthenticator(appLogger)
	if err := loadAccounts(accounts, cfg); err != nil {
		appLogger.Fatal("Invalid account configuration", "error", err)
	}

	if cfg.Database.Enabled {
		db := database.NewManager(&database.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			Username:        cfg.Database.Username,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, appLogger)
		if err := db.Connect(ctx); err != nil {
			appLogger.Fatal("Failed to connect to account database", "error", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			appLogger.Fatal("Failed to migrate account database", "error", err)
		}
		if err := accounts.LoadFromDB(ctx, db.DB()); err != nil {
			appLogger.Fatal("Failed to load accounts", "error", err)
		}
		go accounts.WatchDB(ctx, db.DB(), *reload)
	}
	appLogger.Info("Authentication initialized", "accounts", len(accounts.Accounts()), "allowed_ips", accounts.AllowList().Len())

	messageHandler := handler.NewMessageHandler(handler.Dependencies{
		EventPublisher:   eventBus,
		Logger:           appLogger,
		MetricsCollector: collectors,
		GatewayID:        uint32(*gatewayID),
	})

	server := cmpp.NewServer(cfg.ServerConfig(), cmpp.ServerDependencies{
		Authenticator:     accounts,
		VersionNegotiator: version.NewNegotiator(version.CMPPVersion20, appLogger),
		Handler:           messageHandler,
		LimiterFactory:    ratelimit.Factory(),
		EventPublisher:    eventBus,
		Logger:            appLogger,
		MetricsCollector:  collectors,
	})

	if err := server.Start(ctx); err != nil {
		appLogger.Fatal("Failed to start server", "error", err)
	}
	appLogger.Info("ISMG started", "address", server.Addr().String(), "max_connections", cfg.Server.MaxConnections)

	go traffic.Report(ctx, appLogger, time.Minute)

	var admin *api.Server
	if cfg.Admin.Enabled {
		deps := api.Dependencies{Server: server, Stats: traffic, Accounts: accounts, Logger: appLogger}
		if prom != nil {
			deps.Metrics = prom.Handler()
		}
		admin = api.NewServer(api.Config{Host: cfg.Admin.Host, Port: cfg.Admin.Port, MetricsPath: cfg.Metrics.Path}, deps)
		go func() {
			if err := admin.Start(); err != nil {
				appLogger.Error("Admin API stopped", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	appLogger.Info("Shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if admin != nil {
		if err := admin.Stop(shutdownCtx); err != nil {
			appLogger.Error("Error stopping admin API", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Error during server shutdown", "error", err)
	} else {
		appLogger.Info("Server stopped gracefully")
	}
}

// loadAccounts installs the accounts and allow-list from the config file
func loadAccounts(a *auth.AccountAuthenticator, cfg *config.Config) error {
	for _, ip := range cfg.AllowedIPs {
		if err := a.AllowList().Add(ip); err != nil {
			return err
		}
	}
	list := make([]*auth.Account, 0, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		list = append(list, &auth.Account{
			SourceAddr:  acc.SourceAddr,
			Secret:      acc.Secret,
			AllowedIPs:  acc.AllowedIPs,
			FlowControl: acc.FlowControl,
			Active:      !acc.Disabled,
		})
	}
	return a.ReplaceAccounts(list)
}

// setupEventHandlers logs and counts every event
func setupEventHandlers(ctx context.Context, bus *events.AsyncEventBus, collector cmpp.MetricsCollector, logger cmpp.Logger) {
	if err := bus.SubscribeAll(ctx, events.NewLoggingEventHandler("logging", logger)); err != nil {
		logger.Error("Failed to subscribe logging handler", "error", err)
	}
	if err := bus.SubscribeAll(ctx, events.NewMetricsEventHandler("metrics", collector)); err != nil {
		logger.Error("Failed to subscribe metrics handler", "error", err)
	}
}
