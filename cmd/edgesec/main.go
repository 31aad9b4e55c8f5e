package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/neuraledge/edgesec/internal/logger"
	"github.com/neuraledge/edgesec/pkg/config"
	"github.com/neuraledge/edgesec/pkg/infra/notify"
	"github.com/neuraledge/edgesec/pkg/infra/prometheus"
	"github.com/neuraledge/edgesec/pkg/monitor"
	"github.com/neuraledge/edgesec/pkg/security"
	"github.com/neuraledge/edgesec/pkg/server"
)

func main() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config"
	}
	if err := config.Load(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := config.GetConfig()

	logg := logger.New(cfg.Log.Level, cfg.Log.File)

	if cfg.Metrics.Enabled {
		prometheus.Initialize()
	}

	var notifier monitor.Notifier = notify.NoopNotifier{}
	if cfg.Monitor.AlertWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Monitor.AlertWebhookURL, logg)
	}

	svc := security.New(cfg, logg, security.Opts{Notifier: notifier})
	svc.Start()

	admin := server.NewAdminServer(server.AdminServerDI{
		Config:  cfg,
		Service: svc,
		Logger:  logg,
	})

	go func() {
		if err := admin.Run(); err != nil {
			logg.WithError(err).Fatal("admin server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down")
	if err := admin.Shutdown(); err != nil {
		logg.WithError(err).Error("failed to shut down admin server")
	}
	svc.Stop()
}
