// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package peerdht implements a DHT client that talks to its peers over
// the datagram transport.  Packets are kept by the members whose address
// hash is closest to the packet key, this node included.  Requests to
// remote members go out as one batch through the send queue, and their
// replies are collected by request id.
package peerdht

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/relay"
	"github.com/katzenpost/dhtmail/sendqueue"
)

const (
	// DefaultReplication is the number of members a packet is stored on.
	DefaultReplication = 3

	// DefaultTimeout bounds the wait for the replies to one batch.
	DefaultTimeout = 30 * time.Second
)

var errNoPeers = errors.New("peerdht: no members for key")

// Config configures a client.
type Config struct {
	// Address is the transport address of this node.
	Address string

	// Replication is the number of members a packet is stored on.
	Replication int

	// Timeout bounds the wait for the replies to one batch.
	Timeout time.Duration

	// ProofOfWorkBits is the difficulty store requests are sent with.
	ProofOfWorkBits int
}

func (c *Config) applyDefaults() {
	if c.Replication <= 0 {
		c.Replication = DefaultReplication
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

type member struct {
	id   [crypto.HashSize]byte
	addr string
}

// Client is a transport backed DHT client.
type Client struct {
	sync.RWMutex

	log   *logging.Logger
	cfg   Config
	queue *sendqueue.Queue
	self  member

	members  map[string]member
	handlers map[packet.Type]dht.StorageHandler

	readyOnce sync.Once
	readyCh   chan struct{}
}

var _ dht.Client = (*Client)(nil)

// New creates a client sending its requests through q.  It is not ready
// until SetReady is called.
func New(cfg Config, q *sendqueue.Queue, log *logging.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		log:      log,
		cfg:      cfg,
		queue:    q,
		self:     member{id: crypto.Hash([]byte(cfg.Address)), addr: cfg.Address},
		members:  make(map[string]member),
		handlers: make(map[packet.Type]dht.StorageHandler),
		readyCh:  make(chan struct{}),
	}
}

// AddPeers adds remote members to the routing table.
func (c *Client) AddPeers(addrs ...string) {
	c.Lock()
	defer c.Unlock()
	for _, addr := range addrs {
		if addr == "" || addr == c.self.addr {
			continue
		}
		c.members[addr] = member{id: crypto.Hash([]byte(addr)), addr: addr}
	}
}

// RemovePeer drops a remote member from the routing table.
func (c *Client) RemovePeer(addr string) {
	c.Lock()
	defer c.Unlock()
	delete(c.members, addr)
}

// Peers returns the number of remote members known.
func (c *Client) Peers() int {
	c.RLock()
	defer c.RUnlock()
	return len(c.members)
}

// SetStorageHandler registers the local storage for packets of type t.
func (c *Client) SetStorageHandler(t packet.Type, h dht.StorageHandler) {
	c.Lock()
	defer c.Unlock()
	c.handlers[t] = h
}

func (c *Client) handler(t packet.Type) dht.StorageHandler {
	c.RLock()
	defer c.RUnlock()
	return c.handlers[t]
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

// closest returns the members ordered by XOR distance to key, at most
// Replication of them, and whether this node is one of them.  This node
// only counts when it stores packets of type t.
func (c *Client) closest(key packet.Key, t packet.Type) ([]string, bool) {
	c.RLock()
	defer c.RUnlock()

	cands := make([]member, 0, len(c.members)+1)
	if c.handlers[t] != nil {
		cands = append(cands, c.self)
	}
	for _, m := range c.members {
		cands = append(cands, m)
	}
	distance := func(m member) [crypto.HashSize]byte {
		var d [crypto.HashSize]byte
		for i := range d {
			d[i] = m.id[i] ^ key[i]
		}
		return d
	}
	sort.Slice(cands, func(i, j int) bool {
		di, dj := distance(cands[i]), distance(cands[j])
		return bytes.Compare(di[:], dj[:]) < 0
	})
	if len(cands) > c.cfg.Replication {
		cands = cands[:c.cfg.Replication]
	}

	var (
		remote []string
		local  bool
	)
	for _, m := range cands {
		if m.addr == c.self.addr {
			local = true
			continue
		}
		remote = append(remote, m.addr)
	}
	return remote, local
}

// request sends p to every peer and waits until every peer replied,
// enough replies came in or the timeout passed.
func (c *Client) request(ctx context.Context, p packet.Packet, peers []string, enough func([]*sendqueue.Response) bool) ([]*sendqueue.Response, error) {
	if len(peers) == 0 {
		return nil, nil
	}
	b := sendqueue.NewBatch()
	for _, addr := range peers {
		if _, err := b.Add(p, addr); err != nil {
			return nil, err
		}
	}
	if _, err := c.queue.SendBatch(b); err != nil {
		return nil, err
	}
	defer c.queue.RemoveBatch(b)
	if enough == nil {
		return b.Wait(ctx, c.cfg.Timeout), nil
	}
	return b.WaitFor(ctx, c.cfg.Timeout, func(rs []*sendqueue.Response) bool {
		return len(rs) == len(peers) || enough(rs)
	}), nil
}

// Store stores p on the closest members.  Members that already deleted p
// reply with the delete request, which is forwarded to every holder.
func (c *Client) Store(ctx context.Context, p packet.DataPacket) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	key := p.DHTKey()
	peers, local := c.closest(key, p.Type())
	if len(peers) == 0 && !local {
		return errNoPeers
	}

	var echoes []packet.DeleteRequest
	stored := 0
	if local {
		echo, err := c.handler(p.Type()).StoreAndCreateDeleteRequest(packet.Sanitize(p))
		if err != nil {
			c.log.Debugf("Local store of %v failed: %v", key, err)
		} else {
			stored++
			if echo != nil {
				echoes = append(echoes, echo)
			}
		}
	}

	if len(peers) > 0 {
		req, err := relay.NewStoreRequest(ctx, p, c.cfg.ProofOfWorkBits)
		if err != nil {
			return err
		}
		resps, err := c.request(ctx, req, peers, nil)
		if err != nil {
			return err
		}
		for _, r := range resps {
			if r.Packet.Status != packet.StatusOK {
				c.log.Debugf("Store of %v refused by %v: %v", key, r.Peer, r.Packet.Status)
				continue
			}
			stored++
			if echo := decodeDeleteRequest(r.Packet, key); echo != nil {
				echoes = append(echoes, echo)
			}
		}
	}

	for _, echo := range echoes {
		if err := c.Delete(ctx, echo); err != nil {
			c.log.Debugf("Failed to forward deletion of %v: %v", key, err)
		}
	}
	if stored == 0 {
		return dht.ErrNotFound
	}
	return nil
}

func decodeDeleteRequest(resp *packet.ResponsePacket, key packet.Key) packet.DeleteRequest {
	p, err := resp.Data()
	if err != nil || p == nil {
		return nil
	}
	req, ok := p.(packet.DeleteRequest)
	if !ok || req.TargetKey() != key {
		return nil
	}
	return req
}

// decodeData returns the data packet carried by resp if it is of type t
// and stored under key.
func decodeData(resp *packet.ResponsePacket, key packet.Key, t packet.Type) packet.DataPacket {
	if resp.Status != packet.StatusOK {
		return nil
	}
	p, err := resp.Data()
	if err != nil || p == nil {
		return nil
	}
	dp, ok := p.(packet.DataPacket)
	if !ok || dp.Type() != t || dp.DHTKey() != key {
		return nil
	}
	return dp
}

func (c *Client) FindOne(ctx context.Context, key packet.Key, t packet.Type) (packet.DataPacket, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	peers, local := c.closest(key, t)
	if local {
		if p, err := c.handler(t).Retrieve(key); err == nil {
			return packet.Sanitize(p), nil
		}
	}

	enough := sendqueue.FirstWithData(func(r *packet.ResponsePacket) bool {
		return decodeData(r, key, t) != nil
	})
	resps, err := c.request(ctx, &packet.RetrieveRequest{Key: key, DataType: t}, peers, enough)
	if err != nil {
		return nil, err
	}
	for _, r := range resps {
		if p := decodeData(r.Packet, key, t); p != nil {
			return p, nil
		}
	}
	return nil, dht.ErrNotFound
}

func (c *Client) FindAll(ctx context.Context, key packet.Key, t packet.Type) ([]packet.DataPacket, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	peers, local := c.closest(key, t)

	var out []packet.DataPacket
	if local {
		if p, err := c.handler(t).Retrieve(key); err == nil {
			out = append(out, packet.Sanitize(p))
		}
	}
	resps, err := c.request(ctx, &packet.RetrieveRequest{Key: key, DataType: t}, peers, nil)
	if err != nil {
		return nil, err
	}
	for _, r := range resps {
		if p := decodeData(r.Packet, key, t); p != nil {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, dht.ErrNotFound
	}
	return out, nil
}

// verifiedAuthorization returns the authorization in resp if it hashes to
// verify.
func verifiedAuthorization(resp *packet.ResponsePacket, key, verify packet.Key) (packet.Key, bool) {
	if resp.Status != packet.StatusOK {
		return packet.Key{}, false
	}
	p, err := resp.Data()
	if err != nil {
		return packet.Key{}, false
	}
	info, ok := p.(*packet.DeletionInfoPacket)
	if !ok {
		return packet.Key{}, false
	}
	rec, ok := info.Lookup(key)
	if !ok || !crypto.VerifyDeleteAuthorization(rec.DeleteAuthorization, verify) {
		return packet.Key{}, false
	}
	return rec.DeleteAuthorization, true
}

func (c *Client) FindDeleteAuthorization(ctx context.Context, key, verify packet.Key) (packet.Key, error) {
	if err := c.check(ctx); err != nil {
		return packet.Key{}, err
	}
	peers, local := c.closest(key, packet.TypeEncryptedEmail)
	if local {
		auth, ok := c.handler(packet.TypeEncryptedEmail).GetDeleteAuthorization(key)
		if ok && crypto.VerifyDeleteAuthorization(auth, verify) {
			return auth, nil
		}
	}

	enough := sendqueue.FirstWithData(func(r *packet.ResponsePacket) bool {
		_, ok := verifiedAuthorization(r, key, verify)
		return ok
	})
	resps, err := c.request(ctx, &packet.DeletionQuery{Key: key}, peers, enough)
	if err != nil {
		return packet.Key{}, err
	}
	for _, r := range resps {
		if auth, ok := verifiedAuthorization(r.Packet, key, verify); ok {
			return auth, nil
		}
	}
	return packet.Key{}, dht.ErrNotFound
}

// Delete sends req to the closest members and waits for their replies.
func (c *Client) Delete(ctx context.Context, req packet.DeleteRequest) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	peers, local := c.closest(req.TargetKey(), req.DataType())
	if local {
		c.handler(req.DataType()).ProcessDeleteRequest(req)
	}
	_, err := c.request(ctx, req, peers, nil)
	return err
}
