// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/katzenpost/dhtmail/address"
	"github.com/katzenpost/dhtmail/config"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/passwordcache"
)

// These match the file names the node keeps in its data directory.
const (
	identitiesFile = "identities"
	passwordFile   = "password"
	mailFile       = "mail.db"
)

var errNoTerminal = errors.New("stdin is not a terminal")

func readPassword(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errNoTerminal
	}
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(fd)
}

func loadConfig(configFile string) (*config.Config, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}
	return cfg, nil
}

func loadIdentities(cfg *config.Config) (*address.IdentityStore, error) {
	return address.LoadIdentityStore(filepath.Join(cfg.Node.DataDir, identitiesFile))
}

func loadPasswords(cfg *config.Config) (*passwordcache.Cache, error) {
	return passwordcache.New(filepath.Join(cfg.Node.DataDir, passwordFile))
}

// openStore opens the mail store, asking for its password if one is set.
func openStore(cfg *config.Config) (*email.Store, error) {
	pc, err := loadPasswords(cfg)
	if err != nil {
		return nil, err
	}
	if pc.IsPasswordRequired() {
		pw, err := readPassword("Mail store password: ")
		if err != nil {
			return nil, err
		}
		if err = pc.Unlock(pw); err != nil {
			return nil, err
		}
	}
	return email.Open(filepath.Join(cfg.Node.DataDir, mailFile), pc)
}
