// Package cli implements the portunus-node command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Version    string
}

// NewRootCommand creates the root command.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:   "portunus-node",
		Short: "Portunus door node",
		Long: `An offline-first access-control node.

The node decides scans from its local credential cache, records every
decision in a durable queue, and synchronises with the remote authority
whenever the network allows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (defaults apply when empty)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewAuthorityCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}
