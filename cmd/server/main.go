package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensandbox/workbench/internal/api"
	"github.com/opensandbox/workbench/internal/config"
	"github.com/opensandbox/workbench/internal/events"
	"github.com/opensandbox/workbench/internal/history"
	"github.com/opensandbox/workbench/internal/metrics"
	"github.com/opensandbox/workbench/internal/process"
	"github.com/opensandbox/workbench/internal/snapshot"
	"github.com/opensandbox/workbench/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	ws, err := workspace.New(cfg.WorkspaceDir)
	if err != nil {
		log.Fatalf("failed to prepare workspace: %v", err)
	}
	log.Printf("workbench: workspace root %s", ws.Root())

	var runner process.Runner
	switch cfg.Runner {
	case "pty":
		runner = &process.PTYRunner{Shell: cfg.Shell}
	default:
		runner = &process.ShellRunner{Shell: cfg.Shell}
	}
	registry := process.NewRegistry()
	executor := process.NewExecutor(runner, registry, process.Config{
		ProcessTimeout:  cfg.ProcessTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
		KillGrace:       cfg.KillGrace,
		MaxOutputBytes:  cfg.MaxOutputBytes,
	})
	log.Printf("workbench: %s runner, timeout %s (response at %s, kill grace %s)",
		cfg.Runner, executor.Config().ProcessTimeout, executor.Config().ResponseTimeout, executor.Config().KillGrace)

	store, err := openHistory(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open history: %v", err)
	}
	defer store.Close()

	var snapshots *snapshot.Service
	{
		var objects snapshot.ObjectStore
		s3cfg := snapshot.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		}
		if s3cfg.Enabled() {
			objects = snapshot.NewS3Store(s3cfg)
			log.Printf("workbench: S3 snapshot store configured (bucket=%s, region=%s)", cfg.S3Bucket, cfg.S3Region)
		}
		snapshots = snapshot.NewService(ws, objects, cfg.InstanceID)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.StartMetricsServer(cfg.MetricsAddr)
		log.Printf("workbench: metrics on %s", cfg.MetricsAddr)
	}

	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		publisher, err = events.Connect(cfg.NATSURL, cfg.InstanceID, store)
		if err != nil {
			log.Printf("workbench: NATS not available: %v (continuing without event publishing)", err)
		} else {
			publisher.Start()
			log.Printf("workbench: publishing command events to %s", publisher.Subject())
		}
	}

	server := api.NewServer(ws, executor, api.Options{
		APIKey:    cfg.APIKey,
		History:   store,
		Snapshots: snapshots,
		AccessLog: true,
	})
	if cfg.APIKey == "" {
		log.Println("workbench: no API key configured, endpoints are unauthenticated")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("workbench: starting server on %s", addr)

	go func() {
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			quit <- syscall.SIGTERM
		}
	}()

	<-quit
	log.Println("workbench: shutting down...")

	if n := registry.KillAll(); n > 0 {
		log.Printf("workbench: terminated %d running sessions", n)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, executor.Config().ResponseTimeout+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("error closing server: %v", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if publisher != nil {
		publisher.Stop()
	}
}

// openHistory picks the command log backend: PostgreSQL when DATABASE_URL is
// set, the local SQLite file otherwise.
func openHistory(ctx context.Context, cfg *config.Config) (history.Store, error) {
	if !cfg.History {
		log.Println("workbench: command history disabled")
		return history.Nop{}, nil
	}

	if cfg.DatabaseURL != "" {
		log.Println("workbench: connecting to PostgreSQL and running migrations...")
		store, err := history.OpenPostgres(ctx, cfg.DatabaseURL, cfg.InstanceID)
		if err != nil {
			return nil, err
		}
		log.Println("workbench: command history in PostgreSQL")
		return store, nil
	}

	store, err := history.OpenSQLite(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	log.Printf("workbench: command history in %s", cfg.DataDir)
	return store, nil
}
