// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package delivery confirms the delivery of sent mail.  A recipient
// deletes every fragment it fetched, which leaves the delete
// authorization in the deletion ledgers of the storing peers; finding an
// authorization that hashes to the verification hash kept for a fragment
// proves the fragment was received.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/core/worker"
	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/instrument"
	"github.com/katzenpost/dhtmail/passwordcache"
)

const (
	defaultInterval = 5 * time.Minute
	queryTimeout    = time.Minute
)

// Config configures the delivery checker.
type Config struct {
	Enabled  bool
	Interval time.Duration
}

// Checker is the delivery check worker.
type Checker struct {
	worker.Worker

	log   *logging.Logger
	clock clock.Clock
	cfg   Config

	store *email.Store
	dht   dht.Client
}

// New creates a delivery checker.
func New(cfg Config, store *email.Store, d dht.Client, clk clock.Clock, log *logging.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Checker{
		log:   log,
		clock: clk,
		cfg:   cfg,
		store: store,
		dht:   d,
	}
}

// Start starts the worker.  It does nothing while disabled.
func (c *Checker) Start() {
	if !c.cfg.Enabled {
		c.log.Noticef("Delivery confirmation disabled.")
		return
	}
	c.Go(c.worker)
}

func (c *Checker) worker() {
	select {
	case <-c.HaltCh():
		return
	case <-c.dht.ReadyCh():
	}
	for {
		if err := worker.Safe(func() {
			if err := c.CheckAll(c.HaltContext()); err != nil {
				c.log.Warningf("Delivery check failed: %v", err)
			}
		}); err != nil {
			c.log.Errorf("Delivery check failed: %v", err)
		}

		t := c.clock.Timer(c.cfg.Interval)
		select {
		case <-c.HaltCh():
			t.Stop()
			c.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
		}
	}
}

// CheckAll looks for delivery confirmations of every sent email not yet
// fully delivered.  A locked store skips the check.
func (c *Checker) CheckAll(ctx context.Context) error {
	sent, err := c.store.List(email.Sent)
	if errors.Is(err, passwordcache.ErrLocked) {
		c.log.Debugf("Store locked, skipping delivery check.")
		return nil
	} else if err != nil {
		return err
	}
	for _, e := range sent {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(e.Metadata.Fragments) == 0 || e.Metadata.IsDelivered() {
			continue
		}
		if err := c.check(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checker) check(ctx context.Context, e *email.Email) error {
	changed := false
	for _, f := range e.Metadata.Undelivered() {
		qctx, cancel := context.WithTimeout(ctx, queryTimeout)
		auth, err := c.dht.FindDeleteAuthorization(qctx, f.Key, f.DeleteVerificationHash)
		cancel()
		switch {
		case errors.Is(err, dht.ErrNotFound):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Debugf("Delete authorization query for %v failed: %v", f.Key, err)
			continue
		}
		if !crypto.VerifyDeleteAuthorization(auth, f.DeleteVerificationHash) {
			c.log.Debugf("Ignoring invalid delete authorization for %v.", f.Key)
			continue
		}
		if e.Metadata.MarkDelivered(f.Key, c.clock.Now()) {
			changed = true
			instrument.FragmentDelivered()
		}
	}
	if !changed {
		return nil
	}
	c.log.Debugf("Email %v: %d recipient(s) left to confirm.", e.ID, e.Metadata.UndeliveredRecipients())
	if err := c.store.Put(email.Sent, e); err != nil {
		if errors.Is(err, passwordcache.ErrLocked) {
			return nil
		}
		return err
	}
	return nil
}
