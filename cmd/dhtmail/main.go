// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "dhtmail",
		Short: "Pseudonymous mail over a distributed hash table",
		Long: `dhtmail is a pseudonymous mail node.  Mail is split into encrypted
fragments that are stored in a distributed hash table, optionally through a
chain of relay peers, and fetched by the recipient.  Senders and recipients
never talk to each other directly.

Commands other than run work on the node's data directory and must not be
used while the node is running.`,
		Example: `  # Run the node
  dhtmail run -f /etc/dhtmail/dhtmail.toml

  # Create an identity and show its address
  dhtmail identity new --name alice

  # Queue a message, the body is read from stdin
  echo hello | dhtmail send --from alice@dht --to <destination>@dht --subject hi

  # Export the inbox
  dhtmail export-inbox --out inbox.mbox`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "f", "dhtmail.toml",
		"path to the node configuration file (TOML format)")

	cmd.AddCommand(
		newRunCommand(&configFile),
		newIdentityCommand(&configFile),
		newSendCommand(&configFile),
		newExportCommand(&configFile),
		newPasswdCommand(&configFile),
	)
	return cmd
}

func main() {
	rootCmd := newRootCommand()
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}
