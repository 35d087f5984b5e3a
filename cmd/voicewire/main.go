package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicewire/voicewire/pkg/logging"
	"github.com/voicewire/voicewire/pkg/redact"
	"github.com/voicewire/voicewire/pkg/relay"
	"github.com/voicewire/voicewire/pkg/runner"
	"github.com/voicewire/voicewire/pkg/voicewire"
)

type drainAdapter struct {
	server *relay.Server
}

func (d drainAdapter) Drain() error {
	d.server.Registry().SetDraining(true)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.server.Registry().WaitForEmpty(ctx, 100*time.Millisecond)
	return d.server.Stop()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := voicewire.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	builder, err := voicewire.NewSessionBuilder(cfg, voicewire.DefaultRegistry(), logger)
	if err != nil {
		logger.Error("session_builder_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	server := relay.NewServer(cfg.Relay, builder, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drainTimeout := time.Duration(cfg.Session.DrainTimeoutMS) * time.Millisecond
	lifecycle := runner.NewLifecycleRunner(drainAdapter{server: server}, runner.Hooks{
		OnStart: func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("relay_start_failed", slog.String("error", err.Error()))
				cancel()
			}
		},
	}, drainTimeout)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutdown_signal_received")
		cancel()
	}()

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("shutdown_incomplete", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown_complete")
}
