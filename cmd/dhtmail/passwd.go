// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"errors"

	"github.com/spf13/cobra"
)

func newPasswdCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Set the mail store password",
		Long: `Set the mail store password.  An empty password removes the
password.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			pc, err := loadPasswords(cfg)
			if err != nil {
				return err
			}
			var old []byte
			if pc.IsPasswordRequired() {
				if old, err = readPassword("Current password: "); err != nil {
					return err
				}
			}
			pw, err := readPassword("New password: ")
			if err != nil {
				return err
			}
			again, err := readPassword("Repeat new password: ")
			if err != nil {
				return err
			}
			if !bytes.Equal(pw, again) {
				return errors.New("passwords do not match")
			}
			return pc.SetPassword(old, pw)
		},
	}
}
