package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/weft/internal/api"
	"github.com/jordanhubbard/weft/internal/database"
	"github.com/jordanhubbard/weft/internal/engine"
	"github.com/jordanhubbard/weft/internal/executor"
	"github.com/jordanhubbard/weft/internal/match"
	"github.com/jordanhubbard/weft/internal/memindex"
	"github.com/jordanhubbard/weft/internal/memory"
	"github.com/jordanhubbard/weft/internal/messagebus"
	"github.com/jordanhubbard/weft/internal/planner"
	"github.com/jordanhubbard/weft/internal/retrieval"
	"github.com/jordanhubbard/weft/internal/telemetry"
	"github.com/jordanhubbard/weft/pkg/config"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Weft v%s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyEnvOverrides()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store
	var db *database.Database
	switch cfg.Database.Type {
	case "postgres":
		db, err = database.NewPostgres(cfg.Database.DSN)
	default:
		db, err = database.New(cfg.Database.Path)
	}
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	// Optional Redis memory index
	var index *memindex.Index
	if cfg.Redis.Enabled {
		index, err = memindex.New(cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			log.Printf("Warning: Redis index unavailable, continuing without it: %v", err)
			index = nil
		}
	}

	// Optional NATS event bus
	var bus messagebus.EventBus = messagebus.NopBus{}
	if cfg.Nats.Enabled {
		natsBus, err := messagebus.NewNatsBus(messagebus.Config{
			URL:        cfg.Nats.URL,
			StreamName: cfg.Nats.StreamName,
			Timeout:    cfg.Nats.Timeout,
		})
		if err != nil {
			log.Printf("Warning: NATS unavailable, events disabled: %v", err)
		} else {
			bus = natsBus
			defer natsBus.Close()
		}
	}

	// Optional OpenTelemetry
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(runCtx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			log.Printf("Warning: Failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	// Core components
	store := memory.New(db, index)
	retriever := retrieval.New(store)
	directory := match.NewDirectory()
	matcher := match.New(directory, retriever, cfg.Matcher)

	eng := engine.New(engine.Options{
		Config:    cfg,
		Memory:    store,
		Retriever: retriever,
		Directory: directory,
		Matcher:   matcher,
		Planner:   planner.New(matcher, db, cfg.Planner),
		Executor:  executor.New(db),
		Bus:       bus,
	})
	eng.StartPruneLoop(runCtx)

	// Hot reload of matcher weights
	if cfg.HotReload.Enabled {
		watcher, err := config.NewWatcher(*configPath)
		if err != nil {
			log.Printf("Warning: config watcher unavailable: %v", err)
		} else {
			watcher.OnReload(func(updated *config.Config) {
				eng.SetMatcherWeights(updated.Matcher)
				log.Printf("[Config] Matcher weights reloaded")
			})
			defer watcher.Close()
		}
	}

	apiServer := api.NewServer(eng, db, cfg)
	handler := otelhttp.NewHandler(apiServer.SetupRoutes(), "weft-http-server")

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("Weft API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	cancel()
}

// loadConfig falls back to defaults when no config file exists, so the
// server runs out of the box.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("Config file %s not found, using defaults", path)
		return config.DefaultConfig(), nil
	}
	return config.LoadConfigFromFile(path)
}
