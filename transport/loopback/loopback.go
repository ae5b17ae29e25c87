// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package loopback implements an in-process datagram transport.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/core/worker"
	"github.com/katzenpost/dhtmail/transport"
)

const inboxSize = 1024

// Network connects loopback endpoints by address.
type Network struct {
	sync.RWMutex

	log             *logging.Logger
	maxDatagramSize int
	endpoints       map[string]*Endpoint
}

// New returns an empty network.
func New(maxDatagramSize int, log *logging.Logger) *Network {
	return &Network{
		log:             log,
		maxDatagramSize: maxDatagramSize,
		endpoints:       make(map[string]*Endpoint),
	}
}

type datagram struct {
	sender string
	data   []byte
}

// Endpoint is one attached peer.  Datagrams are delivered to the
// receiver on the endpoint's own goroutine.
type Endpoint struct {
	worker.Worker

	net    *Network
	addr   string
	inbox  chan datagram
	recvMu sync.RWMutex
	recv   transport.Receiver
}

var _ transport.Transport = (*Endpoint)(nil)

// Attach adds an endpoint with the given address.
func (n *Network) Attach(addr string) (*Endpoint, error) {
	n.Lock()
	defer n.Unlock()
	if _, ok := n.endpoints[addr]; ok {
		return nil, fmt.Errorf("loopback: address in use: %s", addr)
	}
	e := &Endpoint{
		net:   n,
		addr:  addr,
		inbox: make(chan datagram, inboxSize),
	}
	n.endpoints[addr] = e
	e.Go(e.worker)
	return e, nil
}

// Detach removes the endpoint and stops its delivery goroutine.
func (n *Network) Detach(e *Endpoint) {
	n.Lock()
	delete(n.endpoints, e.addr)
	n.Unlock()
	e.Halt()
}

// SetReceiver installs the receiver of incoming datagrams.
func (e *Endpoint) SetReceiver(r transport.Receiver) {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	e.recv = r
}

func (e *Endpoint) LocalAddress() string {
	return e.addr
}

func (e *Endpoint) MaxDatagramSize() int {
	return e.net.maxDatagramSize
}

func (e *Endpoint) Send(ctx context.Context, dest string, b []byte) error {
	if e.IsHalted() {
		return transport.ErrClosed
	}
	if len(b) > e.net.maxDatagramSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrTooLarge, len(b))
	}
	e.net.RLock()
	peer, ok := e.net.endpoints[dest]
	e.net.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, dest)
	}
	d := datagram{sender: e.addr, data: append([]byte{}, b...)}
	select {
	case peer.inbox <- d:
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Inbox full, drop.
	}
	return nil
}

func (e *Endpoint) worker() {
	for {
		select {
		case <-e.HaltCh():
			return
		case d := <-e.inbox:
			e.recvMu.RLock()
			r := e.recv
			e.recvMu.RUnlock()
			if r == nil {
				continue
			}
			if err := worker.Safe(func() { r.OnDatagram(d.sender, d.data) }); err != nil {
				e.net.log.Errorf("%s: receiver failed on datagram from %s: %v", e.addr, d.sender, err)
			}
		}
	}
}
