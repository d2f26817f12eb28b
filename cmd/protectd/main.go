package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jlindqvist/protectd/internal/config"
	"github.com/jlindqvist/protectd/internal/core/nvr"
	"github.com/jlindqvist/protectd/internal/httpapi"
	"github.com/jlindqvist/protectd/internal/mqtt"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)

	client := nvr.New(nvr.Config{
		Address:           cfg.NVR.Address,
		Username:          cfg.NVR.Username,
		Password:          cfg.NVR.Password,
		RequestTimeout:    cfg.Client.RequestTimeout,
		ErrorLimit:        cfg.Client.ErrorLimit,
		RetryInterval:     cfg.Client.RetryInterval,
		RefreshInterval:   cfg.Client.SessionRefresh,
		Heartbeat:         cfg.Client.Heartbeat,
		BootstrapInterval: cfg.Client.BootstrapInterval,
	}, log)

	var publisher mqtt.Publisher = mqtt.NewStubPublisher(log)
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewBrokerPublisher(cfg.MQTT, client.Bus(), log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := publisher.Start(ctx); err != nil {
		log.Error("unable to start MQTT publisher", "error", err)
		os.Exit(1)
	}

	client.Start(ctx)

	api := httpapi.NewServer(client, cfg.HTTP.CORSAll, log)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Handler()}
	go func() {
		log.Info("http api listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	client.Stop()
	publisher.Stop(shutdownCtx)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
