package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/inkpost/inkpost/internal/api"
	"github.com/inkpost/inkpost/internal/config"
	"github.com/inkpost/inkpost/internal/newsletter"
	"github.com/inkpost/inkpost/internal/tracking"
	"github.com/inkpost/inkpost/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	store := newsletter.NewStore(db)
	engine := newsletter.NewTemplateEngine()
	tracker := newsletter.NewTracker(cfg.Tracking.BaseURL)

	transport := newsletter.NewTransportManager(store, nil, cfg.Dispatch.SMTPTimeout())
	if !transport.Initialize(context.Background()) {
		log.Println("Newsletter sending disabled: no working transport config")
	}

	// The server only enqueues; cmd/worker drains the queue.
	queue := worker.NewDispatchQueue(rdb, store, store, store, store, transport, engine, tracker, worker.Config{
		BatchSize:    cfg.Dispatch.BatchSize,
		BatchPause:   cfg.Dispatch.BatchPause(),
		PollInterval: cfg.Dispatch.PollInterval(),
	})

	handlers := api.NewHandlers(store, queue, transport, engine)
	router := api.SetupRoutes(handlers)
	// Tracking callbacks ride along for single-host deployments;
	// cmd/tracking serves them standalone when only the public endpoints
	// should be exposed.
	th := tracking.NewHandler(store)
	router.Get("/newsletter/track/{trackingID}", th.HandleOpen)
	router.Get("/newsletter/click/{trackingID}", th.HandleClick)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Admin API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
