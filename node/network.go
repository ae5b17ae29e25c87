// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/dht/localdht"
	"github.com/katzenpost/dhtmail/dht/peerdht"
	"github.com/katzenpost/dhtmail/sendqueue"
	"github.com/katzenpost/dhtmail/transport"
	"github.com/katzenpost/dhtmail/transport/loopback"
)

// Link is an attached datagram transport.
type Link interface {
	transport.Transport

	// Close detaches the link, no datagrams are delivered afterwards.
	Close()
}

// Network attaches nodes to the datagram transport and the DHT.
type Network interface {
	// Attach connects a node at localAddress, incoming datagrams are
	// handed to r.
	Attach(localAddress string, r transport.Receiver) (Link, error)

	// JoinDHT returns the DHT client of the node named name.  Requests
	// to other members go through q.
	JoinDHT(name string, q *sendqueue.Queue) (dht.Client, error)
}

// LocalNetwork is an in-process Network, for single process deployments
// and tests.
type LocalNetwork struct {
	datagrams *loopback.Network
	dht       *localdht.Network
}

// NewLocalNetwork creates an empty in-process network.
func NewLocalNetwork(maxDatagramSize, replication int, log *logging.Logger) *LocalNetwork {
	return &LocalNetwork{
		datagrams: loopback.New(maxDatagramSize, log),
		dht:       localdht.New(replication, log),
	}
}

type localLink struct {
	*loopback.Endpoint

	net *loopback.Network
}

func (l *localLink) Close() {
	l.net.Detach(l.Endpoint)
}

// Attach implements Network.
func (n *LocalNetwork) Attach(localAddress string, r transport.Receiver) (Link, error) {
	ep, err := n.datagrams.Attach(localAddress)
	if err != nil {
		return nil, err
	}
	ep.SetReceiver(r)
	return &localLink{Endpoint: ep, net: n.datagrams}, nil
}

// JoinDHT implements Network.  The local DHT is ready as soon as it is
// joined, and does not send requests over the transport.
func (n *LocalNetwork) JoinDHT(name string, _ *sendqueue.Queue) (dht.Client, error) {
	c := n.dht.Join(name)
	c.SetReady()
	return c, nil
}

// PeerNetwork is a Network whose members run the DHT protocol over the
// datagram transport, each storing the packets closest to its address in
// its own folders.
type PeerNetwork struct {
	sync.Mutex

	log       *logging.Logger
	datagrams *loopback.Network
	cfg       peerdht.Config
	members   map[string]*peerdht.Client
}

// NewPeerNetwork creates an empty network storing every packet on up to
// replication members.  Lookups wait at most timeout for replies.
func NewPeerNetwork(maxDatagramSize, replication, powBits int, timeout time.Duration, log *logging.Logger) *PeerNetwork {
	return &PeerNetwork{
		log:       log,
		datagrams: loopback.New(maxDatagramSize, log),
		cfg: peerdht.Config{
			Replication:     replication,
			Timeout:         timeout,
			ProofOfWorkBits: powBits,
		},
		members: make(map[string]*peerdht.Client),
	}
}

type peerLink struct {
	localLink

	net *PeerNetwork
}

// Close detaches the link and drops its address from every routing table.
func (l *peerLink) Close() {
	l.localLink.Close()
	l.net.leave(l.LocalAddress())
}

// Attach implements Network.
func (n *PeerNetwork) Attach(localAddress string, r transport.Receiver) (Link, error) {
	ep, err := n.datagrams.Attach(localAddress)
	if err != nil {
		return nil, err
	}
	ep.SetReceiver(r)
	return &peerLink{localLink: localLink{Endpoint: ep, net: n.datagrams}, net: n}, nil
}

// JoinDHT implements Network.  The new member learns every member that
// joined before it, and they learn it.
func (n *PeerNetwork) JoinDHT(name string, q *sendqueue.Queue) (dht.Client, error) {
	cfg := n.cfg
	cfg.Address = name
	c := peerdht.New(cfg, q, n.log)

	n.Lock()
	defer n.Unlock()
	for addr, m := range n.members {
		m.AddPeers(name)
		c.AddPeers(addr)
	}
	n.members[name] = c
	c.SetReady()
	n.log.Debugf("%s joined the DHT, %d peers known.", name, c.Peers())
	return c, nil
}

func (n *PeerNetwork) leave(name string) {
	n.Lock()
	defer n.Unlock()
	delete(n.members, name)
	for _, m := range n.members {
		m.RemovePeer(name)
	}
}
