// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/katzenpost/dhtmail/address"
)

func newIdentityCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage mail identities",
	}

	var name, description string
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a new identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			ids, err := loadIdentities(cfg)
			if err != nil {
				return err
			}
			id, err := address.NewIdentity(name)
			if err != nil {
				return err
			}
			id.Description = description
			if err = ids.Add(id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.EmailAddress())
			return nil
		},
	}
	newCmd.Flags().StringVar(&name, "name", "", "public name of the identity")
	newCmd.Flags().StringVar(&description, "description", "", "description of the identity")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			ids, err := loadIdentities(cfg)
			if err != nil {
				return err
			}
			for _, id := range ids.All() {
				fmt.Fprintln(cmd.OutOrStdout(), id.EmailAddress())
			}
			return nil
		},
	}

	cmd.AddCommand(newCmd, listCmd)
	return cmd
}
