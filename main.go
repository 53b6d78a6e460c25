package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neur0map/deskmon/internal/api"
	"github.com/neur0map/deskmon/internal/config"
	"github.com/neur0map/deskmon/internal/credstore"
	"github.com/neur0map/deskmon/internal/database"
	"github.com/neur0map/deskmon/internal/logging"
	"github.com/neur0map/deskmon/internal/monitor"
)

func main() {
	// Handle CLI commands before starting the service
	if len(os.Args) > 1 {
		if cmd, ok := commands[os.Args[1]]; ok {
			os.Exit(runCLICommand(os.Args[1], cmd, os.Args[2:]))
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	if path := config.Cfg.TargetsFile; path != "" {
		if err := seedTargets(path); err != nil {
			log.Printf("WARNING: targets file %s: %v", path, err)
		}
	}

	creds := credstore.New()
	mgr := monitor.NewManager(creds, monitorOptions())

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconcileTargets(sigCtx, mgr)
	job, err := startReconcileJob(sigCtx, mgr, config.Cfg.ReconcileSchedule)
	if err != nil {
		log.Fatalf("Reconcile job: %v", err)
	}

	if config.Cfg.APIToken == "" {
		log.Printf("WARNING: DESKMON_API_TOKEN is not set, the API is unauthenticated")
	}
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: api.NewServer(mgr, creds, config.Cfg.APIToken).Router(),
	}

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-job.Stop().Done()
	mgr.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func monitorOptions() monitor.Options {
	return monitor.Options{
		ConnectTimeout:    config.Cfg.ConnectTimeout,
		KeepaliveInterval: config.Cfg.KeepaliveInterval,
		SnapshotTimeout:   config.Cfg.SnapshotTimeout,
		ResyncInterval:    config.Cfg.ResyncInterval,
		BackoffFloor:      config.Cfg.BackoffFloor,
		BackoffCeiling:    config.Cfg.BackoffCeiling,
		EnrollKeys:        config.Cfg.EnrollKeys,
	}
}
