package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"sdfs/pkg/client"
	"sdfs/pkg/config"
	"sdfs/pkg/server"
	"sdfs/pkg/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// clientFlags select the servers a client command talks to.
type clientFlags struct {
	servers []string
	cluster string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.servers, "servers", "s", nil, "server command addresses (comma separated)")
	cmd.Flags().StringVar(&f.cluster, "cluster", "", "named cluster from the profile")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "per-server timeout")
}

// newClient resolves servers from flags, then SDFS_SERVERS or the config
// file, then the profile.
func (f *clientFlags) newClient(logger *zap.Logger) (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	explicit := f.servers
	if len(explicit) == 0 {
		explicit = cfg.Client.Servers
	}
	profile, err := config.LoadProfile()
	if err != nil {
		return nil, err
	}
	servers, err := profile.ResolveServers(explicit, f.cluster)
	if err != nil {
		return nil, err
	}
	return client.New(servers, clientTimeout(cfg, f.timeout), logger), nil
}

func putCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "put <localfile> <sdfsname>",
		Short: "Store a local file as a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			c, err := flags.newClient(logger)
			if err != nil {
				return err
			}
			fi, err := os.Stat(args[0])
			if err != nil {
				return err
			}

			start := time.Now()
			results := c.Put(context.Background(), args[0], args[1])
			printResults(results)
			if !client.Saved(results) {
				return fmt.Errorf("no server kept %s", args[1])
			}
			fmt.Printf("Stored %s (%s) in %s\n", args[1], humanize.IBytes(uint64(fi.Size())), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func getCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "get <sdfsname> <localfile>",
		Short: "Fetch the latest version of a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			c, err := flags.newClient(logger)
			if err != nil {
				return err
			}
			srv, err := c.Get(context.Background(), args[0], args[1])
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err != nil {
				return err
			}
			reportDownload(args[1], srv)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func getVersionsCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "get-versions <sdfsname> <count> <localfile>",
		Short: "Fetch the most recent versions of a file, oldest first",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("count must be a positive integer, got %q", args[1])
			}
			logger := setupLogger(verbose)
			defer logger.Sync()
			c, err := flags.newClient(logger)
			if err != nil {
				return err
			}
			srv, err := c.GetVersions(context.Background(), args[0], n, args[2])
			switch {
			case errors.Is(err, storage.ErrNotEnoughVersions):
				return fmt.Errorf("%s has fewer than %d versions: %w", args[0], n, err)
			case err != nil:
				return err
			}
			reportDownload(args[2], srv)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func deleteCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "delete <sdfsname>",
		Short: "Delete every version of a file on every server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroadcast(&flags, func(c *client.Client) []client.Result {
				return c.Delete(context.Background(), args[0])
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func lsCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "ls <sdfsname>",
		Short: "Show which servers hold a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			c, err := flags.newClient(logger)
			if err != nil {
				return err
			}
			var holders []string
			for _, res := range c.Ls(context.Background(), args[0]) {
				if res.Err == nil && len(res.Lines) > 0 && res.Lines[0] == server.ReplyFound {
					holders = append(holders, res.Server)
				}
			}
			fmt.Print(renderHolders(args[0], holders, len(c.Servers())))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func storeCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "store",
		Short: "List the files each server stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			c, err := flags.newClient(logger)
			if err != nil {
				return err
			}
			fmt.Print(renderStore(c.Store(context.Background())))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func reportDownload(path, srv string) {
	size := "?"
	if fi, err := os.Stat(path); err == nil {
		size = humanize.IBytes(uint64(fi.Size()))
	}
	fmt.Printf("Wrote %s (%s) from %s\n", path, size, srv)
}

// runBroadcast sends a line command to every server and prints the replies.
func runBroadcast(flags *clientFlags, send func(c *client.Client) []client.Result) error {
	logger := setupLogger(verbose)
	defer logger.Sync()
	c, err := flags.newClient(logger)
	if err != nil {
		return err
	}
	printResults(send(c))
	return nil
}
