package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/stephens/dyson-bridge/internal/config"
	"github.com/stephens/dyson-bridge/internal/entity"
	"github.com/stephens/dyson-bridge/internal/log"
	"github.com/stephens/dyson-bridge/internal/metrics"
	"github.com/stephens/dyson-bridge/internal/storage"
	"github.com/stephens/dyson-bridge/internal/web"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Load configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Error("Failed to load config: %v", err)
			os.Exit(1)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Set up logging
	log.SetDefaultLevel(log.ParseLevel(cfg.Log.Level))
	log.SetJSONMode(cfg.Log.Format == "json")
	if *debug {
		log.SetDefaultLevel(log.LevelDebug)
	}
	defer log.Default().Sync()

	log.Info("Starting Dyson bridge %s", web.Version)

	if err := cfg.Validate(); err != nil {
		log.Error("Invalid config: %v", err)
		os.Exit(1)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		log.Error("Failed to create data directory: %v", err)
		os.Exit(1)
	}

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		log.Error("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	log.Info("Database initialized at %s", cfg.DatabasePath())

	encKey, err := storage.LoadOrCreateKey(cfg.EncryptionKeyPath)
	if err != nil {
		log.Error("Failed to load encryption key: %v", err)
		os.Exit(1)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewBuildInfoCollector())
	reg.MustRegister(collectors.NewGoCollector())

	svc := &Service{
		cfg:      cfg,
		db:       db,
		encKey:   encKey,
		registry: entity.NewRegistry(),
		recorder: metrics.NewRecorder(reg),
		gatherer: reg,
	}
	svc.subscribe()

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	for _, dc := range cfg.Devices {
		if err := svc.startDevice(ctx, dc); err != nil {
			log.Error("Failed to start device %s: %v", dc.Serial, err)
			db.LogEvent(storage.EventSourceSystem, storage.EventTypeError, "",
				"Failed to start device "+dc.Serial, map[string]interface{}{"error": err.Error()})
		}
	}

	go svc.runRefreshLoop(ctx)

	webServer := web.NewServer(cfg.Server.Port, svc)
	if err := webServer.Run(ctx); err != nil {
		log.Error("Web server error: %v", err)
	}

	svc.stop()
	log.Info("Shutdown complete")
}
