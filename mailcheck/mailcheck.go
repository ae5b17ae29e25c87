// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package mailcheck retrieves mail addressed to the local identities:
// it reads their index packets, fetches and decrypts the fragments they
// point at, reassembles complete messages into the inbox and deletes what
// it fetched from the DHT.
package mailcheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/address"
	"github.com/katzenpost/dhtmail/core/worker"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/instrument"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/passwordcache"
)

const (
	defaultInterval      = 30 * time.Minute
	defaultTimeout       = 10 * time.Minute
	defaultMaxConcurrent = 10
	defaultCacheSize     = 1024
)

var ErrInvalidFragments = errors.New("mailcheck: inconsistent fragments")

// Config configures the mail checker.
type Config struct {
	// Interval is the time between two checks of all identities.
	Interval time.Duration

	// Timeout bounds the check of one identity.
	Timeout time.Duration

	// MaxConcurrent bounds the number of identities checked at once.
	MaxConcurrent int

	// CacheSize is the number of completed message ids remembered to
	// reject late duplicates.
	CacheSize int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}
}

// Checker is the mail check worker.
type Checker struct {
	worker.Worker

	log   *logging.Logger
	clock clock.Clock
	cfg   Config

	store      *email.Store
	identities *address.IdentityStore
	dht        dht.Client

	sem *semaphore.Weighted

	inflightMu sync.Mutex
	inflight   map[string]chan struct{}

	// assembleMu serializes fragment storage and reassembly across
	// concurrent identity checks.
	assembleMu sync.Mutex
	completed  *lru.Cache[uuid.UUID, struct{}]

	checkCh chan struct{}
}

// New creates a mail checker.
func New(cfg Config, store *email.Store, identities *address.IdentityStore, d dht.Client, clk clock.Clock, log *logging.Logger) (*Checker, error) {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	completed, err := lru.New[uuid.UUID, struct{}](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Checker{
		log:        log,
		clock:      clk,
		cfg:        cfg,
		store:      store,
		identities: identities,
		dht:        d,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		inflight:   make(map[string]chan struct{}),
		completed:  completed,
		checkCh:    make(chan struct{}, 1),
	}, nil
}

// Start starts the worker.  It checks every Interval once the DHT is
// ready.
func (c *Checker) Start() {
	c.Go(c.worker)
}

// CheckNow requests an immediate check of all identities.
func (c *Checker) CheckNow() {
	select {
	case c.checkCh <- struct{}{}:
	default:
	}
}

// IsChecking returns true iff a check of some identity is in flight.
// Finished checks are reaped here.
func (c *Checker) IsChecking() bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	for k, doneCh := range c.inflight {
		select {
		case <-doneCh:
			delete(c.inflight, k)
		default:
		}
	}
	return len(c.inflight) > 0
}

func (c *Checker) worker() {
	select {
	case <-c.HaltCh():
		return
	case <-c.dht.ReadyCh():
	}
	for {
		c.CheckAll()

		t := c.clock.Timer(c.cfg.Interval)
		select {
		case <-c.HaltCh():
			t.Stop()
			c.log.Debugf("Terminating gracefully.")
			return
		case <-c.checkCh:
		case <-t.C:
		}
		t.Stop()
	}
}

// CheckAll starts a check of every identity that has none in flight.
func (c *Checker) CheckAll() {
	for _, id := range c.identities.All() {
		c.startCheck(id)
	}
}

func (c *Checker) startCheck(id *address.Identity) {
	key := id.Destination().String()

	c.inflightMu.Lock()
	if doneCh, ok := c.inflight[key]; ok {
		select {
		case <-doneCh:
		default:
			c.inflightMu.Unlock()
			return
		}
	}
	doneCh := make(chan struct{})
	c.inflight[key] = doneCh
	c.inflightMu.Unlock()

	c.Go(func() {
		defer close(doneCh)
		if err := c.sem.Acquire(c.HaltContext(), 1); err != nil {
			return
		}
		defer c.sem.Release(1)

		ctx, cancel := context.WithTimeout(c.HaltContext(), c.cfg.Timeout)
		defer cancel()
		if err := worker.Safe(func() {
			if err := c.CheckIdentity(ctx, id); err != nil {
				c.log.Warningf("Mail check of %v failed: %v", id.Destination(), err)
			}
		}); err != nil {
			c.log.Errorf("Mail check of %v failed: %v", id.Destination(), err)
		}
	})
}

// CheckIdentity fetches and processes the mail of one identity.
func (c *Checker) CheckIdentity(ctx context.Context, id *address.Identity) error {
	dest := id.Destination()
	impl, err := id.Impl()
	if err != nil {
		return err
	}

	found, err := c.dht.FindAll(ctx, dest.Hash(), packet.TypeIndex)
	switch {
	case errors.Is(err, dht.ErrNotFound):
		c.log.Debugf("No mail for %v.", dest)
		return nil
	case err != nil:
		return err
	}
	index := &packet.IndexPacket{DestinationHash: dest.Hash()}
	for _, p := range found {
		if ip, ok := p.(*packet.IndexPacket); ok && ip.DestinationHash == index.DestinationHash {
			index.Merge(ip)
		}
	}
	c.log.Debugf("Index of %v has %d entries.", dest, len(index.Entries))

	indexDelete := &packet.IndexDeleteRequest{DestinationHash: index.DestinationHash}
	for _, entry := range index.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := c.dht.FindOne(ctx, entry.Key, packet.TypeEncryptedEmail)
		if err != nil {
			c.log.Debugf("Failed to fetch fragment %v: %v", entry.Key, err)
			continue
		}
		ep, ok := p.(*packet.EncryptedEmailPacket)
		if !ok {
			continue
		}
		u, err := ep.Decrypt(impl, id.Keys.EncryptionPrivate)
		if err != nil {
			c.log.Debugf("Failed to decrypt fragment %v: %v", entry.Key, err)
			continue
		}
		if err := c.processFragment(u); err != nil {
			if errors.Is(err, passwordcache.ErrLocked) {
				return err
			}
			c.log.Warningf("Failed to process fragment %v: %v", entry.Key, err)
			continue
		}

		del := &packet.EmailDeleteRequest{Key: entry.Key, DeleteAuthorization: u.DeleteAuthorization}
		if err := c.dht.Delete(ctx, del); err != nil {
			c.log.Debugf("Failed to delete fragment %v: %v", entry.Key, err)
		}
		indexDelete.Add(entry.Key, u.DeleteAuthorization)
	}
	if len(indexDelete.Entries) == 0 {
		return nil
	}
	return c.dht.Delete(ctx, indexDelete)
}

func (c *Checker) isDuplicate(id uuid.UUID) (bool, error) {
	if c.completed.Contains(id) {
		return true, nil
	}
	_, err := c.store.Get(email.Inbox, id)
	switch {
	case err == nil:
		c.completed.Add(id, struct{}{})
		return true, nil
	case errors.Is(err, email.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// processFragment keeps a decrypted fragment and moves the message to the
// inbox once all of its fragments are held.
func (c *Checker) processFragment(u *packet.UnencryptedEmailPacket) error {
	c.assembleMu.Lock()
	defer c.assembleMu.Unlock()

	dup, err := c.isDuplicate(u.MessageID)
	if err != nil {
		return err
	}
	if dup {
		c.log.Debugf("Dropping fragment of completed message %v.", u.MessageID)
		return nil
	}

	n, err := c.store.AddFragment(u)
	if err != nil {
		return err
	}
	instrument.FragmentReceived()
	if n < int(u.NumFragments) {
		return nil
	}

	frags, err := c.store.Fragments(u.MessageID)
	if err != nil {
		return err
	}
	raw, err := assemble(frags)
	if err != nil {
		c.store.DropFragments(u.MessageID)
		return err
	}
	e, err := email.FromBytes(u.MessageID, raw, c.clock.Now())
	if err != nil {
		c.store.DropFragments(u.MessageID)
		return fmt.Errorf("mailcheck: dropping malformed message %v: %w", u.MessageID, err)
	}
	e.SignatureValid = email.VerifySignature(raw)
	if err := c.store.Deliver(e); err != nil {
		return err
	}
	c.completed.Add(u.MessageID, struct{}{})
	instrument.EmailReceived()
	c.log.Noticef("Received message %v from %v.", e.ID, e.Sender())
	return nil
}

// assemble concatenates fragments ordered by index.
func assemble(frags []*packet.UnencryptedEmailPacket) ([]byte, error) {
	if len(frags) == 0 {
		return nil, ErrInvalidFragments
	}
	total := frags[0].NumFragments
	if int(total) != len(frags) {
		return nil, fmt.Errorf("%w: have %d of %d", ErrInvalidFragments, len(frags), total)
	}
	var buf bytes.Buffer
	for i, f := range frags {
		if f.NumFragments != total || int(f.FragmentIndex) != i {
			return nil, fmt.Errorf("%w: fragment %d/%d at %d", ErrInvalidFragments, f.FragmentIndex, f.NumFragments, i)
		}
		buf.Write(f.Payload)
	}
	return buf.Bytes(), nil
}
