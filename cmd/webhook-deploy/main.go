package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"webhook-deploy/internal/api"
	"webhook-deploy/internal/config"
	"webhook-deploy/internal/executor"
	"webhook-deploy/internal/gate"
	"webhook-deploy/internal/gitinfo"
	"webhook-deploy/internal/notify"
	"webhook-deploy/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	green := color.New(color.FgGreen).SprintFunc()
	logrus.Infof("%s Webhook deploy service starting", green("🚀"))
	logrus.Infof("📦 Repo: %s (%s)", cfg.Repo.Name, cfg.Repo.Dir)
	logrus.Infof("📡 Listen: %s", cfg.ListenAddr)
	logrus.Infof("🗂  Storage: %s", cfg.Storage.Dir)

	store, err := storage.NewStore(cfg.Storage.Dir, cfg.Storage.Retention)
	if err != nil {
		logrus.Fatalf("Failed to init storage: %v", err)
	}

	g := gate.New(cfg.Gate.SlotTimeout)

	var dedup api.Deduper
	if cfg.Redis.Addr != "" {
		rd, err := storage.NewRedisDedup(&cfg.Redis)
		if err != nil {
			logrus.Warnf("Redis unavailable, delivery dedup disabled: %v", err)
		} else {
			dedup = rd
			defer rd.Close()
		}
	}

	stop := make(chan struct{})

	var history executor.HistorySink
	if cfg.Mongo.URI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		mh, err := storage.NewMongoHistory(ctx, &cfg.Mongo)
		cancel()
		if err != nil {
			logrus.Warnf("MongoDB unavailable, run history mirror disabled: %v", err)
		} else {
			history = mh
			go mh.Maintain(stop)
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				mh.Close(ctx)
			}()
		}
	}

	exec := executor.New(cfg, executor.NewExecRunner(cfg.Repo.Dir), store, history)
	notifier := notify.New(cfg, gitinfo.New(cfg.Repo.Dir), store.Dir())

	// Cancelling baseCtx aborts the in-flight deployment step.
	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go store.Maintain(stop)

	srv := api.NewServer(baseCtx, cfg, g, exec, store, notifier, dedup)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		blue := color.New(color.FgBlue)
		blue.Printf("🛑 Received %v, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			logrus.Errorf("HTTP server failed: %v", err)
		}
	}

	cancel()
	close(stop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Shutdown error: %v", err)
	}

	color.New(color.FgGreen).Println("✅ Shutdown complete")
}
