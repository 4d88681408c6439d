package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"exchange_connector/internal/auth"
	"exchange_connector/internal/config"
	"exchange_connector/internal/gateway"
	"exchange_connector/internal/marketdata"
	"exchange_connector/pkg/concurrency"
	"exchange_connector/pkg/httpclient"
	"exchange_connector/pkg/logging"
	"exchange_connector/pkg/queue"
	"exchange_connector/pkg/telemetry"
)

var (
	vaultFile    = flag.String("vault", "configs/vault.json", "Path to credential file")
	symbolsFile  = flag.String("symbols", "configs/binance.json", "Path to symbol configuration file")
	settingsFile = flag.String("settings", "configs/settings.yaml", "Path to connector settings file")
)

func main() {
	flag.Parse()

	if envVault := os.Getenv("VAULT_FILE"); envVault != "" {
		*vaultFile = envVault
	}
	if envSymbols := os.Getenv("SYMBOLS_FILE"); envSymbols != "" {
		*symbolsFile = envSymbols
	}

	settings := config.DefaultSettings()
	if _, err := os.Stat(*settingsFile); err == nil {
		loaded, err := config.LoadSettings(*settingsFile)
		if err != nil {
			panic(err)
		}
		settings = loaded
	}

	logger, err := logging.NewZapLogger(settings.System.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	tel, err := telemetry.Setup("exchange_connector")
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	var metricsServer *telemetry.MetricsServer
	if settings.Telemetry.EnableMetrics {
		metricsServer = telemetry.NewMetricsServer(settings.Telemetry.MetricsPort)
		metricsServer.Start()
		logger.Info("Metrics endpoint started", "port", settings.Telemetry.MetricsPort)
	}

	signer, err := auth.NewSigner(*vaultFile)
	if err != nil {
		logger.Fatal("Cannot start without valid credentials", "error", err)
	}

	cfg, err := config.Load(*symbolsFile)
	if err != nil {
		logger.Fatal("Cannot start with invalid symbol configuration", "error", err)
	}

	logger.Info("Starting exchange connector",
		"symbols", cfg.Symbols(),
		"testnet", signer.UseTestnet())

	httpClient := httpclient.NewClient(time.Duration(settings.Timing.HTTPTimeout) * time.Second)
	httpClient.SetRateLimit(20, 40)

	callbackPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "CallbackPool",
		MaxWorkers:  settings.Concurrency.CallbackPoolSize,
		MaxCapacity: settings.Concurrency.CallbackPoolBuffer,
		NonBlocking: true,
	}, logger)
	defer callbackPool.Stop()

	marketUpdates := queue.NewMarketUpdateQueue(settings.Queues.MarketUpdateCapacity)
	requests := queue.NewRequestQueue(settings.Queues.RequestCapacity)
	responses := queue.NewResponseQueue(settings.Queues.ResponseCapacity)

	consumer := marketdata.NewConsumer(cfg, marketUpdates, httpClient, logger)
	consumer.SetRefreshInterval(time.Duration(settings.Timing.SnapshotRefreshInterval) * time.Second)
	if err := consumer.Start(); err != nil {
		logger.Fatal("Failed to start market data consumer", "error", err)
	}
	defer consumer.Stop()

	gw := gateway.New(cfg, signer, httpClient, requests, responses,
		consumer.Prices(), callbackPool, logger)
	gw.Stream().SetKeepAliveInterval(time.Duration(settings.Timing.ListenKeyKeepalive) * time.Second)
	gw.Stream().SetMaxReconnectAttempts(settings.Timing.MaxReconnectAttempts)
	if err := gw.Start(); err != nil {
		logger.Fatal("Failed to start order gateway", "error", err)
	}
	defer gw.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Stop(ctx)
	}
}
