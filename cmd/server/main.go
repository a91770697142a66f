package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"settlement-backend/internal/app"
	"settlement-backend/internal/config"
	"settlement-backend/internal/router"
)

const shutdownTimeout = 30 * time.Second

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}
	applyLevel(log, cfg.Level)
	return log
}

func applyLevel(log *logrus.Logger, level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

func main() {
	configPath := flag.String("config", "", "Path to config file (default config.local.yaml or config.yaml)")
	flag.Parse()

	store, err := config.Open(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := store.Get()
	log := newLogger(cfg.Log)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	container, err := app.NewServiceContainer(store, log)
	if err != nil {
		log.WithError(err).Fatal("❌ Failed to initialize services")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	container.Start(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(container),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", addr).Info("🌐 HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("❌ HTTP server failed")
			cancel()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

loop:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				if err := store.Reload(); err != nil {
					log.WithError(err).Error("config reload failed, keeping previous config")
					continue
				}
				applyLevel(log, store.Get().Log.Level)
				log.Info("🔄 Configuration reloaded")
				continue
			}
			log.WithField("signal", sig.String()).Info("🛑 Shutdown signal received")
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown incomplete")
	}
	container.Cleanup()
	log.Info("👋 Server stopped")
}
