package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/avlokan/internal/app"
	"github.com/shrimpsizemoose/avlokan/internal/handlers"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		logger.Debug.Printf("No .env file loaded: %v", err)
	}

	service, err := app.NewService(*configPath)
	if err != nil {
		logger.Error.Fatalf("Failed to load config: %v", err)
	}
	defer service.Close()

	router := handlers.NewRouter(handlers.NewCertificateHandler(service))
	router.Handle("/metrics", promhttp.Handler())

	if err := service.Reconciler.Start(); err != nil {
		logger.Error.Fatalf("Failed to start cleanup reconciler: %v", err)
	}

	server := &http.Server{
		Addr:              service.Config.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info.Printf("Starting avlokan server on %s", service.Config.Server.Port)
		logger.Debug.Println("Requiring headers:")
		for _, h := range service.Config.API.RequiredHeaders {
			logger.Debug.Printf("  %s: %s", h.Name, h.Value)
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error.Printf("Avlokan server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error.Printf("HTTP shutdown failed: %v", err)
	}
	if err := service.Reconciler.Stop(shutdownCtx); err != nil {
		logger.Error.Printf("Cleanup reconciler stop failed: %v", err)
	}
}
