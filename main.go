// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"rewind/internal/config"
	"rewind/internal/diff"
	"rewind/internal/eventhub"
	"rewind/internal/logging"
	"rewind/internal/reconstruct"
	"rewind/internal/server"
	"rewind/internal/timeline"
	"rewind/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	console := flag.Bool("console", false, "human-readable log output")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, *console)

	if err := run(cfg, *configPath, log); err != nil {
		log.Error().Err(err).Msg("engine exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, log zerolog.Logger) error {
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	store, err := version.Open(cfg.DataDir, version.Options{
		CompressionLevel: cfg.CompressionLevel,
		Logger:           log,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	detector := diff.NewDetector(cfg.Thresholds)
	index := timeline.NewIndex(detector, log)

	// The index is derived and disposable; rebuild it from the store at
	// every start. A corrupted chain halts here rather than serving a
	// partial timeline.
	buildCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	err = index.Build(buildCtx, store)
	cancel()
	if err != nil {
		return err
	}

	rec, err := reconstruct.New(store, index, cfg.CacheSize, log)
	if err != nil {
		return err
	}

	hub := eventhub.New()
	srv := server.New(cfg, store, index, rec, detector, hub, log)

	if err := srv.Start(); err != nil {
		return err
	}
	hub.EmitIndexRebuilt(eventhub.IndexRebuiltEvent{
		SnapshotCount: index.SnapshotCount(),
		ChangeCount:   index.ChangeCount(),
	})

	if configPath != "" {
		watcher, err := config.Watch(configPath, func(next *config.Config) {
			zerolog.SetGlobalLevel(logging.ParseLevel(next.LogLevel))
			srv.SetScrubTuning(next.Scrub)
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("config hot-reload unavailable")
		} else {
			defer watcher.Close()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
