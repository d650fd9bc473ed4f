package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hpc-queue/pkg/driver"
)

func newAgentCmd(a *app) *cobra.Command {
	var (
		host  string
		slots int
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve jobs brokered through Redis on this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb := newRedisClient(a.cfg.Cluster.Redis)
			defer rdb.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("connect to redis at %s: %w", a.cfg.Cluster.Redis.Addr, err)
			}

			agent := driver.NewRedisAgent(driver.NewRedisManager(rdb, a.cfg.Cluster.Redis.Prefix), host, slots)
			if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Name reported for this node (default hostname)")
	cmd.Flags().IntVar(&slots, "slots", 1, "Jobs run concurrently on this node")
	return cmd
}
