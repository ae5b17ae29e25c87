// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katzenpost/dhtmail/config"
	"github.com/katzenpost/dhtmail/dht/peerdht"
	"github.com/katzenpost/dhtmail/node"
)

func newRunCommand(configFile *string) *cobra.Command {
	var (
		replication int
		peerDHT     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		Long: `Run the node until it is interrupted.  The node joins an in-process
network, which makes a single node its own relay peer and storage node.

If the mail store is password protected and stdin is a terminal, the
password is asked for at startup, otherwise the store stays locked and mail
is neither sent nor received.

With --peer-dht the DHT lookups and stores travel over the datagram
transport as they would between separate nodes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(*configFile, replication, peerDHT)
		},
	}
	cmd.Flags().IntVar(&replication, "replication", 1, "number of storage nodes each DHT packet is kept on")
	cmd.Flags().BoolVar(&peerDHT, "peer-dht", false, "run the DHT protocol over the datagram transport")
	return cmd
}

func runNode(configFile string, replication int, peerDHT bool) error {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	lb, err := cfg.InitLogBackend()
	if err != nil {
		return err
	}
	var net node.Network
	if peerDHT {
		net = node.NewPeerNetwork(cfg.Transport.MaxDatagramSize, replication, cfg.Relay.ProofOfWorkBits, peerdht.DefaultTimeout, lb.GetLogger("dht"))
	} else {
		net = node.NewLocalNetwork(cfg.Transport.MaxDatagramSize, replication, lb.GetLogger("dht"))
	}
	n, err := node.New(cfg, net, lb)
	if err != nil {
		return fmt.Errorf("failed to spawn node instance: %v", err)
	}
	defer n.Shutdown()

	if n.IsLocked() {
		pw, err := readPassword("Mail store password: ")
		switch {
		case err == nil:
			if err = n.Unlock(pw); err != nil {
				return err
			}
		case errors.Is(err, errNoTerminal):
			lb.GetLogger("main").Warningf("Mail store is locked.")
		default:
			return err
		}
	}

	go func() {
		<-haltCh
		n.Shutdown()
	}()
	go func() {
		for range rotateCh {
			n.RotateLog()
		}
	}()

	n.Wait()
	return nil
}
