package main

import (
	"context"
	"fmt"
	"time"

	"sdfs/pkg/client"
	"sdfs/pkg/node"
	"sdfs/pkg/transport"
	"sdfs/pkg/types"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func membersCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:     "members",
		Aliases: []string{"print"},
		Short:   "Show each server's membership list",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			c, err := flags.newClient(logger)
			if err != nil {
				return err
			}
			fmt.Print(renderMembers(c.Members(context.Background())))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func grepCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "grep <pattern>",
		Short: "Search every server's node log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroadcast(&flags, func(c *client.Client) []client.Result {
				return c.Grep(context.Background(), args[0])
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func logCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "log <node-id>",
		Short: "Print the log of one node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			return runBroadcast(&flags, func(c *client.Client) []client.Result {
				return c.Log(context.Background(), id)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func quitCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "quit <node-id>",
		Short: "Stop a node; the others report whether it was a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			return runBroadcast(&flags, func(c *client.Client) []client.Result {
				return c.Quit(context.Background(), id)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func healthCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query each server's gRPC health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			c, err := flags.newClient(logger)
			if err != nil {
				return err
			}

			pool := client.NewConnectionPool()
			defer pool.CloseAll()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			offsets, err := cfg.Node.Offsets()
			if err != nil {
				return err
			}
			resolver := transport.NewOffsetResolver(offsets)

			rows := make([]healthRow, 0, len(c.Servers()))
			for _, srv := range c.Servers() {
				row := healthRow{server: srv, status: healthpb.HealthCheckResponse_UNKNOWN}
				addr, err := resolver.Resolve(types.NodeID(srv), transport.RoleHealth)
				if err != nil {
					row.err = err
					rows = append(rows, row)
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				start := time.Now()
				row.status, row.err = pool.CheckHealth(ctx, addr)
				row.latency = time.Since(start)
				cancel()
				rows = append(rows, row)
			}
			fmt.Print(renderHealth(node.ServiceName, rows))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

type healthRow struct {
	server  string
	status  healthpb.HealthCheckResponse_ServingStatus
	latency time.Duration
	err     error
}
