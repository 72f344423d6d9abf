package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hyperdm/hdm/internal/config"
	"github.com/hyperdm/hdm/internal/logger"
	"github.com/hyperdm/hdm/internal/manager"
	"github.com/hyperdm/hdm/internal/nativemsg"
	"github.com/hyperdm/hdm/internal/probe"
	"github.com/hyperdm/hdm/internal/repository"
	"github.com/hyperdm/hdm/internal/resolver"
	"github.com/hyperdm/hdm/internal/resume"
)

const shutdownTimeout = 10 * time.Second

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// log.Fatalf writes to stderr; stdout belongs to the messaging wire
	// and must never carry anything but frames.
	log.SetOutput(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading configuration: %v\n", err)
	}

	if err := os.MkdirAll(cfg.ConfigDir, 0o755); err != nil {
		log.Fatalf("Error creating config directory: %v\n", err)
	}

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		log.Fatalf("Error creating download directory: %v\n", err)
	}

	if err := logger.Init(*debug, filepath.Join(cfg.ConfigDir, "hdm.log")); err != nil {
		log.Fatalf("Error initializing logging: %v\n", err)
	}
	defer logger.Close()

	repo, err := repository.NewBboltRepository(filepath.Join(cfg.ConfigDir, "hdm.db"))
	if err != nil {
		log.Fatalf("Error opening job catalog: %v\n", err)
	}
	defer repo.Close()

	store, err := resume.NewStore(filepath.Join(cfg.ConfigDir, "resume"))
	if err != nil {
		log.Fatalf("Error opening resume store: %v\n", err)
	}

	prober := probe.New(cfg.Engine.UserAgent, cfg.Engine.RequestTimeout)

	mgr := manager.New(cfg.Engine, prober, store, repo)
	if err := mgr.Restore(); err != nil {
		log.Fatalf("Error restoring jobs: %v\n", err)
	}

	codec := nativemsg.NewCodec(os.Stdin, os.Stdout, cfg.Bridge.MaxFrameSize)
	classifier := resolver.NewClassifier(cfg.Resolver.Patterns)
	bridge := nativemsg.NewBridge(codec, mgr, resolver.NewYTDLP(cfg.Resolver), classifier, cfg.DownloadDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
		// Unblock the frame read so the bridge can drain and exit.
		os.Stdin.Close()
	}()

	if err := bridge.Run(ctx); err != nil {
		logger.Get("main").Error().Err(err).Msg("bridge terminated")
	}

	if err := mgr.Shutdown(shutdownTimeout); err != nil {
		logger.Get("main").Error().Err(err).Msg("shutdown failed")
	}
}
