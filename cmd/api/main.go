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

	"mosaic/api/internal/app"
	"mosaic/api/internal/assets"
	"mosaic/api/internal/cache"
	"mosaic/api/internal/canonical"
	"mosaic/api/internal/config"
	"mosaic/api/internal/draft"
	"mosaic/api/internal/entity"
	"mosaic/api/internal/index"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := canonical.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := canonical.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	registry := entity.Builtin()

	notifier := canonical.NewNotifier()
	canonStore := canonical.NewPGStore(db, notifier)
	canonStore.SetValidator(app.StoreValidator(registry))

	factory, err := draft.NewFactory(cfg.RedisURL, cfg.DraftTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer factory.Close()

	invalidator := cache.NewRedisInvalidator(factory.Client())

	var meiliClient *index.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = index.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}

	var assetPublisher *assets.Publisher
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		assetPublisher, err = assets.New(ctx, assets.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
	}

	service := app.New(registry, factory, canonStore, invalidator, meiliClient, assetPublisher)
	notifier.Subscribe(service)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: index backfill error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Mosaic API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
