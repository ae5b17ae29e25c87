// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/dhtmail/address"
	"github.com/katzenpost/dhtmail/email"
)

func newSendCommand(configFile *string) *cobra.Command {
	var (
		from    string
		to      []string
		subject string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Queue a message in the outbox",
		Long: `Queue a message in the outbox.  The body is read from stdin.  The node
sends it the next time it runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			body, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			e, err := email.New(from, to, subject, string(body), time.Now())
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err = store.Put(email.Outbox, e); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), e.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", address.AnonymousSender, "sender address, or Anonymous")
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient address, may be repeated")
	cmd.Flags().StringVar(&subject, "subject", "", "message subject")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
