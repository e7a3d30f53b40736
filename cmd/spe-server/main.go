// spe-server is the study execution coordinator server.
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
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // PostgreSQL driver for the OMOP data store

	"github.com/indicate-spe/spe-core/internal/api"
	"github.com/indicate-spe/spe-core/internal/config"
	"github.com/indicate-spe/spe-core/internal/coordinator"
	"github.com/indicate-spe/spe-core/internal/datastore"
	"github.com/indicate-spe/spe-core/internal/events"
	"github.com/indicate-spe/spe-core/internal/registry"
	"github.com/indicate-spe/spe-core/internal/sandbox"
	"github.com/indicate-spe/spe-core/internal/state"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	devMode := flag.Bool("dev", false, "Enable development mode (in-memory store, no Redis or Postgres)")
	port := flag.Int("port", 8080, "Server port")
	flag.Parse()

	// .env is a convenience for local runs; absence is not an error.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port != 8080 {
		cfg.Server.Port = *port
	}

	var store state.Store
	if *devMode {
		log.Println("Running in development mode with in-memory store")
		store = state.NewMemStore()
	} else {
		mongoStore, err := state.NewMongoStore(cfg.MongoDB.URI, cfg.MongoDB.Database)
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		store = mongoStore
		log.Printf("Connected to MongoDB: %s", cfg.MongoDB.Database)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store.Close(ctx)
	}()

	var publisher *events.Publisher
	if !*devMode && cfg.Redis.Enabled {
		redisClient, err := events.ConnectRedis(&cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		publisher = events.NewPublisher(redisClient)
		log.Printf("Publishing execution events to Redis at %s", cfg.Redis.Addr)
	}

	var dataStore *datastore.Store
	scriptEnv := map[string]string{}
	if !*devMode {
		dataStore, err = datastore.Open(cfg.DataStore)
		if err != nil {
			log.Fatalf("Failed to open data store: %v", err)
		}
		defer dataStore.Close()
		scriptEnv = dataStore.ScriptEnv()
		log.Printf("Clinical data store: %s", datastore.Addr(cfg.DataStore))
	}

	runners := sandbox.NewRunners(cfg.Sandbox.RscriptPath, cfg.Sandbox.PythonPath, cfg.Sandbox.WorkDir)

	reg := registry.New(store)
	coord := coordinator.New(store, runners, publisher, coordinator.Options{
		ScriptEnv:      scriptEnv,
		DefaultTimeout: cfg.Sandbox.DefaultTimeout,
		MaxTimeout:     cfg.Sandbox.MaxTimeout,
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
	})

	// Fail executions stranded by a previous crash before serving.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		recovered, err := coord.RecoverOrphans(ctx)
		cancel()
		if err != nil {
			log.Fatalf("Crash-recovery sweep failed: %v", err)
		}
		if recovered > 0 {
			log.Printf("Crash-recovery sweep marked %d orphaned execution(s) FAILED", recovered)
		}
	}

	server := api.NewServer(cfg, reg, coord, dataStore)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting SPE server on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	coord.Close()
	log.Println("Server stopped")
}
