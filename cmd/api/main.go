package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tether/api/internal/app"
	"tether/api/internal/chat"
	"tether/api/internal/config"
	"tether/api/internal/dedup"
	"tether/api/internal/escalate"
	"tether/api/internal/inbound"
	"tether/api/internal/ingest"
	"tether/api/internal/notify"
	"tether/api/internal/search"
	"tether/api/internal/store"
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

	dataStore := store.NewPostgresStore(db)

	if cfg.SlackToken == "" {
		log.Printf("WARNING: TETHER_SLACK_TOKEN not set, chat delivery will fail")
	}
	slackClient := chat.NewSlack(cfg.SlackToken, cfg.ChatTimeout)
	directory := chat.NewDirectory(slackClient, cfg.DirectoryTTL, nil)
	dispatcher := notify.New(slackClient, dataStore, cfg.SlackBotName, cfg.SlackBotIconURL)

	// Redis is optional: without it the Postgres unique constraint still
	// deduplicates and the in-process mutex still guards sweeps.
	var redisStore *dedup.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err = dedup.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		log.Printf("Using Redis for seen-markers and sweep locks")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFallback(db))

	ingestService := ingest.New(dataStore, dispatcher, cfg.DefaultChannel, cfg.WebhookEvents)

	var seen inbound.SeenStore
	var locker escalate.Locker
	if redisStore != nil {
		seen = redisStore
		locker = redisStore
	}
	syncer := inbound.New(dataStore, seen, directory)

	scheduler := escalate.New(dataStore, dispatcher, locker, escalate.Config{
		OverdueAfter:  cfg.OverdueAfter,
		ReminderEvery: cfg.ReminderEvery,
		DailyEvery:    cfg.DailyReminderEvery,
		Concurrency:   cfg.SweepConcurrency,
		Group:         cfg.EscalationGroup,
	}, nil)
	go scheduler.Run(ctx, cfg.SweepInterval, cfg.DailySweepInterval)

	var redisPinger app.Pinger
	if redisStore != nil {
		redisPinger = redisStore
	}
	service := app.New(cfg, dataStore, dispatcher, ingestService, syncer, searchService, redisPinger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Handler(service),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Tether API listening on %s", cfg.Addr)
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
