package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chart-feed/src/config"
	"chart-feed/src/feed"
	"chart-feed/src/helpers"
	"chart-feed/src/interfaces"
	"chart-feed/src/logger"
	"chart-feed/src/network"
	"chart-feed/src/server"
	"chart-feed/src/storage"
	"chart-feed/src/stream"
)

// -----------------------------------------------------------------------------

func main() {

	// Parse command line flags
	configPath := flag.String("config", "../../config/default.yaml", "path to config file")
	flag.Parse()

	// Load config from YAML file
	config, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	appLogger := logger.NewLogger(config.Name)

	// 1. Storage (optional: "none" runs without persistence)
	var store interfaces.IBarStore

	switch config.Storage.DBType {
	case "postgres":
		store, err = storage.NewPostgresBarStore(config.MConfig, appLogger)
	case "sqlite":
		store, err = storage.NewSQLiteBarStore(config.MConfig, appLogger)
	}

	if err != nil {
		appLogger.Critical("Failed to init bar store: %v", err)
	}
	if store != nil {
		// The database may still be coming up alongside us
		err := helpers.RetryWithBackoff(appLogger, "bar store init", 3, 2*time.Second, store.Initialize)
		if err != nil {
			appLogger.Critical("Failed to migrate bar store: %v", err)
		}
		defer store.Close()
	}

	// 2. Upstream collaborators
	var networkManager interfaces.INetworkManager = network.NewRetryingNetworkManager(config.MConfig, appLogger)
	var history interfaces.IHistorySource = feed.NewHistoryClient(config.MConfig, networkManager, appLogger)

	var registry interfaces.IStreamRegistry = stream.NewRegistry(
		config.MConfig,
		stream.NewWebsocketDialer(),
		logger.NewLogger("StreamRegistry"),
	)
	defer registry.Disconnect()

	// 3. Feed sessions
	feedManager := feed.NewManager(config.MConfig, history, registry, store, logger.NewLogger("Feed"))
	defer feedManager.CloseAll()

	// 4. Chart gateway
	gateway := server.NewChartGateway(config.MConfig, feedManager, logger.NewLogger("Gateway"))
	go func() {
		if err := gateway.Start(); err != nil {
			appLogger.Critical("Gateway failed: %v", err)
		}
	}()

	// 5. Periodic retention cleanup
	stopCleanup := make(chan struct{})
	if store != nil && config.Storage.RetentionDays > 0 {
		go func() {
			ticker := time.NewTicker(6 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-stopCleanup:
					return
				case <-ticker.C:
					if err := store.CleanupOldData(); err != nil {
						appLogger.Error("Retention cleanup failed: %v", err)
					}
				}
			}
		}()
	}

	appLogger.Info("Chart feed up (storage: %s)", config.Storage.DBType)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down...")
	close(stopCleanup)
	gateway.Stop()
}
