package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/inkpost/inkpost/internal/config"
	"github.com/inkpost/inkpost/internal/newsletter"
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
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Redis unreachable: %v", err)
	}

	store := newsletter.NewStore(db)
	engine := newsletter.NewTemplateEngine()
	tracker := newsletter.NewTracker(cfg.Tracking.BaseURL)

	transport := newsletter.NewTransportManager(store, nil, cfg.Dispatch.SMTPTimeout())
	if !transport.Initialize(context.Background()) {
		// Worker still starts: jobs fail per-recipient until a config
		// arrives and Reinitialize is triggered by the admin API.
		log.Println("Newsletter sending disabled: no working transport config")
	}

	queue := worker.NewDispatchQueue(rdb, store, store, store, store, transport, engine, tracker, worker.Config{
		BatchSize:    cfg.Dispatch.BatchSize,
		BatchPause:   cfg.Dispatch.BatchPause(),
		PollInterval: cfg.Dispatch.PollInterval(),
	})

	if err := queue.Start(); err != nil {
		log.Fatalf("Failed to start dispatch queue: %v", err)
	}
	log.Println("Dispatch worker running")

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("Shutting down...")
	queue.Stop()
	log.Println("Worker stopped")
}
