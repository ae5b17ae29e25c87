// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package localdht implements an in-process DHT whose members store
// packets in each other's storage handlers.  It backs single host
// deployments and tests.
package localdht

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/packet"
)

// DefaultReplication is the number of members a packet is stored on.
const DefaultReplication = 3

// Network is a set of DHT members.
type Network struct {
	sync.RWMutex

	log         *logging.Logger
	replication int
	members     []*Client
}

// New returns an empty network storing every packet on up to replication
// members.
func New(replication int, log *logging.Logger) *Network {
	if replication <= 0 {
		replication = DefaultReplication
	}
	return &Network{log: log, replication: replication}
}

// Join adds a member.  The returned client is not ready until SetReady is
// called.
func (n *Network) Join(name string) *Client {
	c := &Client{
		net:      n,
		id:       crypto.Hash([]byte(name)),
		name:     name,
		handlers: make(map[packet.Type]dht.StorageHandler),
		readyCh:  make(chan struct{}),
	}
	n.Lock()
	defer n.Unlock()
	n.members = append(n.members, c)
	return c
}

// closest returns the members with a handler for t, ordered by XOR
// distance to key, at most replication of them.
func (n *Network) closest(key packet.Key, t packet.Type) []dht.StorageHandler {
	n.RLock()
	defer n.RUnlock()

	type candidate struct {
		dist [crypto.HashSize]byte
		h    dht.StorageHandler
	}
	var cands []candidate
	for _, m := range n.members {
		h := m.handler(t)
		if h == nil {
			continue
		}
		var c candidate
		for i := range c.dist {
			c.dist[i] = m.id[i] ^ key[i]
		}
		c.h = h
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool {
		return bytes.Compare(cands[i].dist[:], cands[j].dist[:]) < 0
	})
	if len(cands) > n.replication {
		cands = cands[:n.replication]
	}
	out := make([]dht.StorageHandler, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.h)
	}
	return out
}

// Client is one member's view of the network.
type Client struct {
	sync.RWMutex

	net  *Network
	id   [crypto.HashSize]byte
	name string

	handlers map[packet.Type]dht.StorageHandler

	readyOnce sync.Once
	readyCh   chan struct{}
}

var _ dht.Client = (*Client)(nil)

func (c *Client) handler(t packet.Type) dht.StorageHandler {
	c.RLock()
	defer c.RUnlock()
	return c.handlers[t]
}

// SetStorageHandler registers the local storage for packets of type t.
func (c *Client) SetStorageHandler(t packet.Type, h dht.StorageHandler) {
	c.Lock()
	defer c.Unlock()
	c.handlers[t] = h
}

// SetReady marks the client as connected.
func (c *Client) SetReady() {
	c.readyOnce.Do(func() { close(c.readyCh) })
}

func (c *Client) IsReady() bool {
	select {
	case <-c.readyCh:
		return true
	default:
		return false
	}
}

func (c *Client) ReadyCh() <-chan struct{} {
	return c.readyCh
}

func (c *Client) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsReady() {
		return dht.ErrNotReady
	}
	return nil
}

// Store stores p on the closest members.  If any member reports that p was
// deleted, the deletion is forwarded to every member holding p.
func (c *Client) Store(ctx context.Context, p packet.DataPacket) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	holders := c.net.closest(p.DHTKey(), p.Type())
	if len(holders) == 0 {
		return dht.ErrNotFound
	}
	var echoes []packet.DeleteRequest
	stored := 0
	for _, h := range holders {
		echo, err := h.StoreAndCreateDeleteRequest(packet.Sanitize(p))
		if err != nil {
			c.net.log.Debugf("%s: store of %v failed: %v", c.name, p.DHTKey(), err)
			continue
		}
		stored++
		if echo != nil {
			echoes = append(echoes, echo)
		}
	}
	for _, echo := range echoes {
		for _, h := range holders {
			h.ProcessDeleteRequest(echo)
		}
	}
	if stored == 0 {
		return dht.ErrNotFound
	}
	return nil
}

func (c *Client) FindOne(ctx context.Context, key packet.Key, t packet.Type) (packet.DataPacket, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	for _, h := range c.net.closest(key, t) {
		if p, err := h.Retrieve(key); err == nil {
			return packet.Sanitize(p), nil
		}
	}
	return nil, dht.ErrNotFound
}

func (c *Client) FindAll(ctx context.Context, key packet.Key, t packet.Type) ([]packet.DataPacket, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var out []packet.DataPacket
	for _, h := range c.net.closest(key, t) {
		if p, err := h.Retrieve(key); err == nil {
			out = append(out, packet.Sanitize(p))
		}
	}
	if len(out) == 0 {
		return nil, dht.ErrNotFound
	}
	return out, nil
}

func (c *Client) FindDeleteAuthorization(ctx context.Context, key, verify packet.Key) (packet.Key, error) {
	if err := c.check(ctx); err != nil {
		return packet.Key{}, err
	}
	for _, h := range c.net.closest(key, packet.TypeEncryptedEmail) {
		auth, ok := h.GetDeleteAuthorization(key)
		if ok && crypto.VerifyDeleteAuthorization(auth, verify) {
			return auth, nil
		}
	}
	return packet.Key{}, dht.ErrNotFound
}

func (c *Client) Delete(ctx context.Context, req packet.DeleteRequest) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	for _, h := range c.net.closest(req.TargetKey(), req.DataType()) {
		h.ProcessDeleteRequest(req)
	}
	return nil
}
