package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"consultline.local/projects/engine/internal/channel"
	"consultline.local/projects/engine/internal/config"
	"consultline.local/projects/engine/internal/db"
	"consultline.local/projects/engine/internal/directory"
	"consultline.local/projects/engine/internal/dispatch"
	"consultline.local/projects/engine/internal/engine"
	"consultline.local/projects/engine/internal/httpapi"
	"consultline.local/projects/engine/internal/ledger"
	"consultline.local/projects/engine/internal/presence"
	"consultline.local/projects/engine/internal/subscribers"
	logging "consultline.local/projects/engine/internal/subscribers/logging"
	"consultline.local/projects/engine/internal/subscribers/webhook"
)

func main() {
	logger := log.New(os.Stdout, "engine ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	subs := []subscribers.Subscriber{logging.New(logger)}
	for idx, webhookURL := range cfg.WebhookURLs {
		subs = append(subs, webhook.New(webhookSubscriberName(idx, webhookURL), webhookURL, logger))
	}
	dispatcher := dispatch.New(logger, subs)

	// One handle shared by both stores; two pools on a single sqlite file
	// fight over the write lock.
	gormDB, err := db.OpenGorm(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("failed to open database: %v", err)
	}
	defer func() {
		if sqlDB, derr := gormDB.DB(); derr == nil {
			if cerr := sqlDB.Close(); cerr != nil {
				logger.Printf("database close error: %v", cerr)
			}
		}
	}()

	ledgerStore, err := ledger.NewGormStoreWithDB(gormDB, cfg.PlatformAccountID, cfg.ProviderRate)
	if err != nil {
		logger.Fatalf("failed to initialize ledger store: %v", err)
	}

	directoryStore, err := directory.NewGormStoreWithDB(gormDB)
	if err != nil {
		logger.Fatalf("failed to initialize directory store: %v", err)
	}

	hub := channel.NewHub(logger)
	controller := engine.NewController(
		logger,
		engine.Settings{
			BillingInterval:          cfg.BillingInterval,
			MonitorInterval:          cfg.MonitorInterval,
			BalanceBroadcastInterval: cfg.BalanceBroadcastInterval,
			GhostTickThreshold:       cfg.GhostTickThreshold,
			DefaultCallPrice:         cfg.DefaultCallPrice,
			DefaultChatPrice:         cfg.DefaultChatPrice,
			ChatPriceMin:             cfg.ChatPriceMin,
			ChatPriceMax:             cfg.ChatPriceMax,
			LowBalanceThreshold:      cfg.LowBalanceThreshold,
			RejoinBuffer:             cfg.RejoinBuffer,
		},
		ledgerStore,
		directoryStore,
		presence.NewTracker(),
		dispatcher,
		hub,
	)

	resumeCtx, resumeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := controller.Resume(resumeCtx); err != nil {
		resumeCancel()
		logger.Fatalf("failed to resume open sessions: %v", err)
	}
	resumeCancel()

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, controller, ledgerStore, hub)
	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("server shutdown error: %v", err)
	}
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
