package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	pkgerrors "github.com/pkg/errors"

	"sellerflow/config"
	"sellerflow/internal/aggregate"
	"sellerflow/internal/archive"
	"sellerflow/internal/cache"
	"sellerflow/internal/connector"
	"sellerflow/internal/connector/magalu"
	"sellerflow/internal/connector/shopee"
	"sellerflow/internal/fees"
	"sellerflow/internal/server"
	"sellerflow/internal/store"
	syncpkg "sellerflow/internal/sync"
	"sellerflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath, "config/config.yml"))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Sellerflow.Name,
		"version": cfg.Sellerflow.Version,
	}).Info("starting sellerflow")

	if cfg.Storage.Archive.Enabled {
		logger.InitCloudWatch(cfg.Storage.Archive.Region, "Sellerflow", cfg.Sellerflow.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Storage.SQLite.Path)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		os.Exit(1)
	}
	defer st.Close()

	var connectors []connector.Connector
	if c, err := shopee.New(cfg); err == nil {
		connectors = append(connectors, c)
	} else if !pkgerrors.Is(err, connector.ErrNotConfigured) {
		log.WithError(err).Error("failed to build shopee connector")
		os.Exit(1)
	} else {
		log.WithComponent("main").Info("shopee connector not configured, skipping")
	}
	if c, err := magalu.New(cfg); err == nil {
		connectors = append(connectors, c)
	} else if !pkgerrors.Is(err, connector.ErrNotConfigured) {
		log.WithError(err).Error("failed to build magalu connector")
		os.Exit(1)
	} else {
		log.WithComponent("main").Info("magalu connector not configured, skipping")
	}

	orchestrator := syncpkg.NewOrchestrator(cfg, st, connectors)

	archiver, err := archive.New(cfg)
	if err != nil {
		log.WithError(err).Error("failed to initialize archiver")
		os.Exit(1)
	}
	orchestrator.SetArchiver(archiver)

	feeEngine := fees.NewEngine(cfg, st)
	builder := aggregate.NewBuilder(cfg, st, cache.NewEngine(st), feeEngine)
	apiServer := server.NewServer(cfg, st, orchestrator, builder, feeEngine)

	if err := orchestrator.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start orchestrator")
		os.Exit(1)
	}
	defer orchestrator.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.WithFields(logger.Fields{"signal": s.String()}).Info("shutdown signal received")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("http server exited")
			cancel()
			os.Exit(1)
		}
	}

	log.Info("sellerflow stopped")
}
