// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"io"
	"os"

	"github.com/emersion/go-mbox"
	"github.com/spf13/cobra"

	"github.com/katzenpost/dhtmail/email"
)

func newExportCommand(configFile *string) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export-inbox",
		Short: "Export the inbox as an mbox file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			inbox, err := store.List(email.Inbox)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return exportMbox(w, inbox)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, stdout if empty")
	return cmd
}

func exportMbox(w io.Writer, emails []*email.Email) error {
	mw := mbox.NewWriter(w)
	for _, e := range emails {
		msg, err := mw.CreateMessage(e.Sender(), e.Received)
		if err != nil {
			return err
		}
		if _, err = msg.Write(e.Raw); err != nil {
			return err
		}
	}
	return mw.Close()
}
