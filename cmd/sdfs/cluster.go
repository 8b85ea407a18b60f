package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"sdfs/pkg/config"

	"github.com/spf13/cobra"
)

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage named server lists in the client profile",
		Long:  "Save server lists under a name so client commands can use --cluster instead of --servers.",
	}
	cmd.AddCommand(clusterListCmd(), clusterAddCmd(), clusterRemoveCmd(), clusterUseCmd())
	return cmd
}

func clusterListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved clusters",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := config.LoadProfile()
			if err != nil {
				return err
			}
			if len(profile.Clusters) == 0 {
				fmt.Println("No clusters configured. Use 'sdfs cluster add' to add one.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "NAME\tSERVERS\tDESCRIPTION\tPREFERRED")
			for _, c := range profile.Clusters {
				preferred := ""
				if c.Name == profile.Defaults.PreferredCluster {
					preferred = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, strings.Join(c.Servers, ","), c.Description, preferred)
			}
			return w.Flush()
		},
	}
}

func clusterAddCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "add <name> <server>...",
		Short: "Save or replace a cluster",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := config.LoadProfile()
			if err != nil {
				return err
			}
			var servers []string
			for _, a := range args[1:] {
				for _, s := range strings.Split(a, ",") {
					if s = strings.TrimSpace(s); s != "" {
						servers = append(servers, s)
					}
				}
			}
			if err := profile.AddCluster(config.ClusterInfo{
				Name:        args[0],
				Servers:     servers,
				Description: description,
			}); err != nil {
				return err
			}
			if err := profile.Save(); err != nil {
				return err
			}
			fmt.Printf("Saved cluster %s (%d servers) to %s\n", args[0], len(servers), config.GetProfilePath())
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	return cmd
}

func clusterRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a saved cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := config.LoadProfile()
			if err != nil {
				return err
			}
			if err := profile.RemoveCluster(args[0]); err != nil {
				return err
			}
			return profile.Save()
		},
	}
}

func clusterUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <name>",
		Short: "Make a cluster the default for client commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := config.LoadProfile()
			if err != nil {
				return err
			}
			if _, err := profile.GetCluster(args[0]); err != nil {
				return err
			}
			profile.Defaults.PreferredCluster = args[0]
			if err := profile.Save(); err != nil {
				return err
			}
			fmt.Printf("Switched to cluster %q\n", args[0])
			return nil
		},
	}
}
