package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alimgiray/repomailer/internal/events"
	"github.com/alimgiray/repomailer/internal/handlers"
	"github.com/alimgiray/repomailer/internal/repositories"
	"github.com/alimgiray/repomailer/internal/services"
	"github.com/alimgiray/repomailer/internal/workers"
	"github.com/alimgiray/repomailer/pkg/config"
	"github.com/alimgiray/repomailer/pkg/database"
	"github.com/alimgiray/repomailer/pkg/logger"
	"github.com/gin-gonic/gin"
)

func main() {
	logger.Init()

	// Load configuration
	if err := config.Load(); err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	cfg := config.AppConfig

	// Set Gin mode
	gin.SetMode(cfg.Server.Mode)

	store, closeStore := openStore(cfg.Database)
	defer closeStore()

	clients, err := services.NewGitHubClientFactory(cfg.GitHub)
	if err != nil {
		logger.Fatalf("Failed to configure GitHub client: %v", err)
	}
	if cfg.GitHub.Token == "" {
		logger.Warnf("GITHUB_TOKEN is not set, GitHub calls are limited to the anonymous budget")
	}

	// Progress channel and background runs
	hub := events.NewHub()
	workerManager := workers.NewWorkerManager(cfg.Runs.HistorySize)

	collectorService := services.NewCollectorService(store, clients, hub, workerManager, cfg.GitHub.ProfileLookup)
	dispatcherService := services.NewDispatcherService(
		store,
		services.NewSMTPSender(cfg.SMTP.DialTimeout, cfg.SMTP.SendTimeout),
		services.NewPortProbe(cfg.SMTP.ProbeTimeout),
		hub,
		workerManager,
		cfg.SMTP,
	)
	emailService := services.NewEmailService(store, hub)

	router := handlers.SetupRouter(handlers.Dependencies{
		Collector:     collectorService,
		Dispatcher:    dispatcherService,
		Emails:        emailService,
		GitHubClients: clients,
		Hub:           hub,
		WorkerManager: workerManager,
	})

	// Setup server; WriteTimeout stays 0 by default so event streams are not cut
	server := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
	}
	if cfg.Server.WriteTimeout > 0 {
		server.WriteTimeout = time.Duration(cfg.Server.WriteTimeout) * time.Second
	}

	// Graceful shutdown
	go func() {
		logger.Infof("Server starting on :%s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("Shutting down server...")

	// Stop accepting requests first, then cancel runs. Event streams never end on
	// their own, so the hub closes as soon as Shutdown begins.
	server.RegisterOnShutdown(hub.Close)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	if err := workerManager.StopAll(cfg.Server.ShutdownTimeout); err != nil {
		logger.WithError(err).Warn("Runs did not finish before shutdown")
	}

	logger.Infof("Server stopped")
}

// openStore selects the email store backend
func openStore(cfg config.DatabaseConfig) (repositories.EmailStore, func()) {
	switch cfg.Backend {
	case "memory":
		logger.Infof("Using in-memory email store")
		return repositories.NewMemoryEmailRepository(), func() {}
	case "sqlite", "":
		if err := database.Init(cfg.Path); err != nil {
			logger.Fatalf("Failed to initialize database: %v", err)
		}
		logger.Infof("Using SQLite email store at %s", cfg.Path)
		return repositories.NewEmailRepository(database.DB), func() {
			if err := database.Close(); err != nil {
				logger.WithError(err).Error("Failed to close database")
			}
		}
	default:
		logger.Fatalf("Unknown STORE_BACKEND %q", cfg.Backend)
		return nil, nil
	}
}
