package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/relaychat/relay/internal/api"
	"github.com/relaychat/relay/internal/bus"
	"github.com/relaychat/relay/internal/config"
	"github.com/relaychat/relay/internal/delivery"
	"github.com/relaychat/relay/internal/notify"
	"github.com/relaychat/relay/internal/registry"
	"github.com/relaychat/relay/internal/room"
	"github.com/relaychat/relay/internal/server"
	"github.com/relaychat/relay/internal/stats"
	"github.com/relaychat/relay/internal/store"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	redisURL       string
	signingSecret  string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "", "server address (overrides RELAY_SERVER_ADDR)")
	flag.StringVar(&redisURL, "redis-url", "", "redis connection URL (overrides RELAY_REDIS_URL)")
	flag.StringVar(&signingSecret, "signing-secret", "", "base64 encoded signing secret (overrides RELAY_SIGNING_SECRET)")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[relay] ", log.LstdFlags)

	env, err := config.LoadEnv()
	if err != nil {
		logger.Fatal("load env:", err)
	}
	if addr != "" {
		env.ServerAddr = addr
	}
	if redisURL != "" {
		env.RedisURL = redisURL
	}
	if signingSecret != "" {
		env.SigningSecret = signingSecret
	}
	if len(allowedOrigins) > 0 {
		env.AllowedOrigins = allowedOrigins
	}

	cfg, err := config.NewConfig(env)
	if err != nil {
		logger.Fatal("config:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.NewRedisRepository(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("store:", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Println("store close:", err)
		}
	}()

	fanout, err := bus.NewRedisBus(logger, cfg.RedisURL)
	if err != nil {
		logger.Fatal("bus:", err)
	}
	defer func() {
		if err := fanout.Close(); err != nil {
			logger.Println("bus close:", err)
		}
	}()

	// Every event published by this process carries the instance id, so
	// only this process runs the offline fallback for its own events.
	instanceID := uuid.NewString()

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	reg := registry.NewRegistry(logger, statsUpdater, registry.Config{
		MaxConnections:            cfg.MaxConnections,
		MaxConnectionsPerIdentity: cfg.MaxConnectionsPerIdentity,
		IdleTimeout:               cfg.IdleTimeout,
		SweepInterval:             cfg.SweepInterval,
	})

	rooms := room.NewManager(logger, db, fanout, statsUpdater, cfg.EditWindow, instanceID)

	// Provider clients (APNs, FCM, web push) are deployment concerns;
	// unconfigured channels fail closed inside the dispatcher.
	push := notify.NewDispatcher(logger, db, statsUpdater, nil)

	gateway := server.NewGateway(logger, reg, rooms, nil, nil)

	pipeline := delivery.NewPipeline(logger, db, fanout, reg, push, statsUpdater, delivery.Config{
		Origin:        instanceID,
		AckWindow:     cfg.DeliveryAckWindow,
		QueueSize:     cfg.DeliveryQueueSize,
		Workers:       cfg.DeliveryWorkers,
		BatchSize:     cfg.BatchSize,
		BatchInterval: cfg.BatchInterval,
	})

	srv := api.NewRelayApp(mux, logger, gateway, rooms, push, db, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go reg.Run()

	go func() {
		if err := pipeline.Run(ctx); err != nil {
			logger.Println("delivery pipeline:", err)
		}
	}()

	// Accept traffic only once the pipeline holds its bus subscription,
	// or the first events published would fan out to nobody.
	select {
	case <-pipeline.Ready():
	case <-time.After(10 * time.Second):
		logger.Fatal("delivery pipeline never subscribed")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, shutDownCancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer shutDownCancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	cancel()
	gateway.Shutdown()

	logger.Println("shutdown complete")
}
