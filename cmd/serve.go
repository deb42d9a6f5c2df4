package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/abdelmounim-dev/tasksync/broker"
	"github.com/abdelmounim-dev/tasksync/config"
	"github.com/abdelmounim-dev/tasksync/fanout"
	"github.com/abdelmounim-dev/tasksync/metrics"
	"github.com/abdelmounim-dev/tasksync/protocol"
	"github.com/abdelmounim-dev/tasksync/registry"
	"github.com/abdelmounim-dev/tasksync/rollover"
	"github.com/abdelmounim-dev/tasksync/server"
	"github.com/abdelmounim-dev/tasksync/services"
	"github.com/abdelmounim-dev/tasksync/session"
	"github.com/abdelmounim-dev/tasksync/websocket"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), config.Get())
		},
	}
}

func serve(parent context.Context, cfg *config.AppConfig) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	logger := slog.Default()

	// Generate a unique ID for this server instance
	serverID := cfg.Server.ServerID
	if serverID == "" {
		serverID = uuid.New().String()
	}
	logger.Info("starting server instance", "server_id", serverID)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := metrics.RegisterPoolStats("store", st.PoolStats); err != nil {
		return err
	}

	// One Redis client serves both the relay and presence.
	var redisClient *redis.Client
	if strings.EqualFold(cfg.Relay.Type, "redis") || strings.EqualFold(cfg.Presence.Type, "redis") {
		redisClient, err = services.NewRedisClient(services.RedisOptions{
			Address:     cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			PoolTimeout: cfg.Redis.PoolTimeout,
		})
		if err != nil {
			return err
		}
		defer services.CloseRedisClient(redisClient)
	}

	var presence session.Store = session.NewMemoryStore()
	if strings.EqualFold(cfg.Presence.Type, "redis") {
		presence = session.NewRedisStore(redisClient, time.Duration(cfg.Presence.TTL)*time.Second)
	}

	relay, err := newRelay(cfg, redisClient, serverID)
	if err != nil {
		return err
	}

	reg := registry.New()
	fanoutOpts := []fanout.Option{
		fanout.WithSendTimeout(time.Duration(cfg.WebSocket.FanoutTimeout) * time.Second),
		fanout.WithLogger(logger),
	}
	if relay != nil {
		defer relay.Close()
		fanoutOpts = append(fanoutOpts, fanout.WithRelay(relay, cfg.Relay.Channel, serverID))
	}
	fo := fanout.New(reg, fanoutOpts...)
	if relay != nil {
		if err := fo.StartRelay(ctx); err != nil {
			return err
		}
	}

	service := protocol.NewService(st, fo,
		protocol.WithSplitCompletion(cfg.Protocol.SplitCompletion),
		protocol.WithFanoutTimeout(time.Duration(cfg.WebSocket.FanoutTimeout)*time.Second),
		protocol.WithLogger(logger),
	)

	manager := websocket.NewClientManager(reg, presence, serverID, logger)
	handler := websocket.NewHandler(manager, service, &cfg.WebSocket, logger)
	srv := server.NewServer(cfg.Server, st, manager, handler.HandleWebSocket, logger)

	if cfg.Rollover.Enabled {
		loc, err := time.LoadLocation(cfg.Rollover.Timezone)
		if err != nil {
			return fmt.Errorf("load timezone: %w", err)
		}
		engine := rollover.NewEngine(st, service, rollover.WithLocation(loc), rollover.WithLogger(logger))
		scheduler, err := rollover.NewScheduler(engine, cfg.Rollover.Hour, cfg.Rollover.Minute, cfg.Rollover.Timezone, logger)
		if err != nil {
			return err
		}
		go scheduler.Run(ctx)
	}

	if cfg.Metrics.Enabled {
		metricsSrv := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
		defer metricsSrv.Close()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	// Stop the scheduler and relay before closing sessions.
	cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRelay(cfg *config.AppConfig, redisClient *redis.Client, serverID string) (broker.MessageBroker, error) {
	switch strings.ToLower(cfg.Relay.Type) {
	case "memory":
		slog.Info("initializing relay broker", "type", "memory")
		return broker.NewMemoryBroker(), nil
	case "redis":
		slog.Info("initializing relay broker", "type", "redis")
		return broker.NewRedisBroker(redisClient), nil
	case "kafka":
		slog.Info("initializing relay broker", "type", "kafka", "brokers", cfg.Relay.Kafka.Brokers)
		// Every instance consumes every message, so each has its own group.
		b, err := broker.NewKafkaBroker(cfg.Relay.Kafka.Brokers, cfg.Relay.Kafka.GroupPrefix+"-"+serverID)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka broker: %w", err)
		}
		return b, nil
	default:
		return nil, nil
	}
}
