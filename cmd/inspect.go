package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/abdelmounim-dev/tasksync/config"
	"github.com/abdelmounim-dev/tasksync/services"
	"github.com/abdelmounim-dev/tasksync/session"
)

func redisFromConfig(cfg *config.AppConfig) (*redis.Client, error) {
	return services.NewRedisClient(services.RedisOptions{
		Address:     cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		PoolTimeout: cfg.Redis.PoolTimeout,
	})
}

func presenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presence <user-id>",
		Short: "List the live sessions of a user across instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			if !strings.EqualFold(cfg.Presence.Type, "redis") {
				return fmt.Errorf("presence is only shared with presence.type=redis, got %q", cfg.Presence.Type)
			}
			client, err := redisFromConfig(cfg)
			if err != nil {
				return err
			}
			defer services.CloseRedisClient(client)

			store := session.NewRedisStore(client, time.Duration(cfg.Presence.TTL)*time.Second)
			sessions, err := store.ListByUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range sessions {
				fmt.Fprintf(out, "%s\tserver=%s\tconnected=%s\n", s.SessionID, s.ServerID, s.ConnectedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "%d session(s)\n", len(sessions))
			return nil
		},
	}
}

func relayTailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay-tail",
		Short: "Print fan-out messages published on the relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			if strings.EqualFold(cfg.Relay.Type, "memory") {
				return fmt.Errorf("relay.type=memory is not visible outside the server process")
			}
			var client *redis.Client
			if strings.EqualFold(cfg.Relay.Type, "redis") {
				var err error
				if client, err = redisFromConfig(cfg); err != nil {
					return err
				}
				defer services.CloseRedisClient(client)
			}

			b, err := newRelay(cfg, client, "relay-tail")
			if err != nil {
				return err
			}
			if b == nil {
				return fmt.Errorf("no relay configured (relay.type=%s)", cfg.Relay.Type)
			}
			defer b.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			messages, err := b.Subscribe(ctx, cfg.Relay.Channel)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-messages:
					if !ok {
						return nil
					}
					if err := enc.Encode(msg); err != nil {
						return err
					}
				}
			}
		},
	}
}
