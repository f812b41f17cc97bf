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

	"taskflow/api/internal/app"
	"taskflow/api/internal/config"
	"taskflow/api/internal/events"
	"taskflow/api/internal/gateway"
	"taskflow/api/internal/identity"
	"taskflow/api/internal/notifications"
	"taskflow/api/internal/search"
	"taskflow/api/internal/store"
	"taskflow/api/internal/tasks"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	taskStore := store.NewTaskStore(db)
	notificationStore := store.NewNotificationStore(db)
	resolver := identity.NewPostgresResolver(db)

	bus, err := events.NewBus(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer bus.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		searchService.ReindexAllFromPG(ctx)
	}

	taskService := tasks.New(taskStore, bus, resolver, searchService)
	notificationService := notifications.New(notificationStore, bus)

	registry := gateway.NewRegistry()
	wsHandler := gateway.NewHandler(registry, []byte(cfg.JWTSecret))

	hostname, _ := os.Hostname()
	go func() {
		err := bus.Subscribe(ctx, "notifications", hostname, events.MutationTopics, notificationService.HandleMutationEvent)
		if err != nil && ctx.Err() == nil {
			log.Fatalf("notification consumer failed: %v", err)
		}
	}()
	go func() {
		err := bus.Subscribe(ctx, "gateway", hostname, []string{events.TopicNotificationSend}, registry.HandleNotificationEvent)
		if err != nil && ctx.Err() == nil {
			log.Fatalf("gateway consumer failed: %v", err)
		}
	}()

	sessions := app.NewSessionService(taskStore, []byte(cfg.JWTSecret), cfg.AccessTTL)
	httpServer := app.NewHTTPServer(sessions, taskService, notificationService, searchService, wsHandler, bus, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Taskflow API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
