package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"mediaproxy/pkg/config"
	"mediaproxy/pkg/downloader"
	"mediaproxy/pkg/logger"
	"mediaproxy/pkg/manager"
	"mediaproxy/pkg/paths"
	"mediaproxy/pkg/proxy"
	"mediaproxy/pkg/queue"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	if cfg.CacheRootDir == "" {
		cfg.CacheRootDir = paths.GetCacheRoot()
	}

	logger.Init(cfg.LogLevel, paths.GetDataDir())
	defer logger.Close()

	logger.Info("Starting media proxy", "cacheRoot", cfg.CacheRootDir, "segmentSize", cfg.SegmentSizeBytes)

	fs := afero.NewOsFs()
	httpClient := &http.Client{Timeout: 0}

	dl := downloader.New(fs, cfg)
	q := queue.New(cfg, dl)
	mgr := manager.New(fs, cfg, q, httpClient)
	q.SetDiskFullHandler(mgr.HandleDiskFull)
	srv := proxy.New(fs, cfg, mgr, q)

	baseURL, err := srv.EnsureStarted()
	if err != nil {
		log.Fatalf("Failed to start loopback proxy: %v", err)
	}
	logger.Info("Loopback proxy listening", "url", baseURL)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("proxy shutdown error", "err", err)
	}
}
