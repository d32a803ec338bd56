// Command dlraind runs the download engine as a standalone daemon: it
// loads configuration, opens the persistent store and resume cache, and
// keeps the engine alive until it receives a termination signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/dlrain"
	"github.com/cenkalti/dlrain/internal/eventbus"
	"github.com/cenkalti/dlrain/internal/logger"
)

var log = logger.New("dlraind")

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults built in if omitted)")
	resumePath := flag.String("resume-db", "", "path to the boltdb resume cache (defaults under the config's database_path directory)")
	flag.Parse()

	if err := run(*configPath, *resumePath); err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(configPath, resumePath string) error {
	cfg := dlrain.DefaultConfig()
	if configPath != "" {
		loaded, err := dlrain.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	if resumePath == "" {
		resumePath = filepath.Join(filepath.Dir(cfg.DatabasePath), "resume.bolt")
	}

	engine, err := dlrain.Open(cfg, resumePath)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}

	sub := engine.Subscribe()
	defer engine.Unsubscribe(sub)
	go logEvents(sub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("dlraind listening, max %d concurrent downloads, store at %s", cfg.MaxConcurrentDownloads, cfg.DatabasePath)
	<-ctx.Done()
	log.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return engine.Close(shutdownCtx)
}

func logEvents(sub *dlrain.Subscription) {
	for ev := range sub.C {
		switch ev.Kind {
		case eventbus.Added:
			log.Infof("download %s added", ev.ID)
		case eventbus.CompletedEvt:
			log.Infof("download %s completed", ev.ID)
		case eventbus.Failed:
			log.Warningf("download %s failed: %s", ev.ID, ev.NewState.ErrorMessage)
		case eventbus.ResumedEvt:
			log.Infof("download %s resumed", ev.ID)
		case eventbus.Removed:
			log.Infof("download %s removed", ev.ID)
		}
	}
}
