// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package outbox implements the outbox processor: it turns queued emails
// into encrypted fragments and index packets and publishes them, either
// directly into the DHT or through relay chains.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/address"
	"github.com/katzenpost/dhtmail/core/retry"
	"github.com/katzenpost/dhtmail/core/worker"
	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/instrument"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/passwordcache"
	"github.com/katzenpost/dhtmail/peers"
	"github.com/katzenpost/dhtmail/relay"
	"github.com/katzenpost/dhtmail/sendqueue"
)

const (
	defaultIdleInterval = 10 * time.Minute
	defaultRelayTimeout = 2 * time.Minute
)

var (
	ErrFragmentSize  = errors.New("outbox: datagram too small for a fragment")
	ErrDatagramSize  = errors.New("outbox: datagram too large to encode")
	ErrNotAccepted   = errors.New("outbox: packets not accepted by any relay chain")
	ErrNotRetryable  = errors.New("outbox: email is not in an error state")
	errCreatePackets = errors.New("outbox: failed to create packets")
)

// Config configures the outbox processor.
type Config struct {
	// MaxDatagramSize is the largest datagram the transport carries.
	MaxDatagramSize int

	// MaxFragmentSize overrides the payload size derived from
	// MaxDatagramSize when positive.
	MaxFragmentSize int

	// NumStoreHops is the relay chain length, 0 stores directly.
	NumStoreHops int

	// RelayRedundancy is the number of independent chains per packet.
	RelayRedundancy int

	MinDelay        time.Duration
	MaxDelay        time.Duration
	ProofOfWorkBits int

	// GatewayEnabled routes mail for recipients outside the network to
	// GatewayDestination.
	GatewayEnabled     bool
	GatewayDestination string

	// GatewayDomains restricts the gateway to these domains when not
	// empty.
	GatewayDomains []string

	IdleInterval time.Duration
	RelayTimeout time.Duration

	// Retry is applied to direct DHT stores.
	Retry retry.Policy
}

func (c *Config) applyDefaults() {
	if c.RelayRedundancy <= 0 {
		c.RelayRedundancy = 1
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = defaultIdleInterval
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = defaultRelayTimeout
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultPolicy()
	}
}

// MaxFragmentSize returns the largest fragment payload whose encrypted
// fragment still fits a datagram once wrapped for the given number of
// hops.
func MaxFragmentSize(maxDatagram int, impl crypto.Impl, hops, powBits int) int {
	return maxDatagram - packet.EnvelopeOverhead - requestOverhead(impl, hops, powBits) -
		packet.EncryptedEmailOverhead - impl.Overhead() - packet.UnencryptedEmailOverhead
}

// MaxIndexEntries returns the number of entries an index packet may hold
// and still fit a datagram.
func MaxIndexEntries(maxDatagram int, impl crypto.Impl, hops, powBits int) int {
	n := maxDatagram - packet.EnvelopeOverhead - requestOverhead(impl, hops, powBits) - packet.IndexOverhead
	return n / packet.IndexEntrySize
}

func requestOverhead(impl crypto.Impl, hops, powBits int) int {
	if hops > 0 {
		return relay.Overhead(impl, hops, powBits)
	}
	return relay.StoreOverhead(powBits)
}

type wakeToken struct {
	once sync.Once
	ch   chan struct{}
}

func newWakeToken() *wakeToken {
	return &wakeToken{ch: make(chan struct{})}
}

func (t *wakeToken) fire() {
	t.once.Do(func() { close(t.ch) })
}

// target is one destination an email is published to.
type target struct {
	name string
	dest *address.Destination
}

// Processor is the outbox worker.
type Processor struct {
	worker.Worker

	log   *logging.Logger
	clock clock.Clock
	cfg   Config

	store      *email.Store
	identities *address.IdentityStore
	dht        dht.Client
	queue      *sendqueue.Queue
	peers      *peers.Tracker

	wakeMu sync.Mutex
	wake   *wakeToken
}

// New creates an outbox processor.  The relay queue and peers may be nil
// when NumStoreHops is 0.
func New(cfg Config, store *email.Store, identities *address.IdentityStore, d dht.Client, q *sendqueue.Queue, pt *peers.Tracker, clk clock.Clock, log *logging.Logger) (*Processor, error) {
	cfg.applyDefaults()
	if cfg.NumStoreHops > 0 && (q == nil || pt == nil) {
		return nil, errors.New("outbox: relay chains need a send queue and a peer tracker")
	}
	if cfg.GatewayEnabled {
		if _, err := address.Parse(cfg.GatewayDestination); err != nil {
			return nil, fmt.Errorf("outbox: invalid gateway destination: %w", err)
		}
	}
	if clk == nil {
		clk = clock.New()
	}
	p := &Processor{
		log:        log,
		clock:      clk,
		cfg:        cfg,
		store:      store,
		identities: identities,
		dht:        d,
		queue:      q,
		peers:      pt,
		wake:       newWakeToken(),
	}
	if cfg.MaxDatagramSize > math.MaxUint16 {
		return nil, ErrDatagramSize
	}
	derived := MaxFragmentSize(cfg.MaxDatagramSize, crypto.Default(), cfg.NumStoreHops, cfg.ProofOfWorkBits)
	if derived <= 0 || cfg.MaxFragmentSize > derived {
		return nil, ErrFragmentSize
	}
	return p, nil
}

// Start starts the worker.
func (p *Processor) Start() {
	p.Go(p.worker)
}

// Wake cuts the current idle wait short.
func (p *Processor) Wake() {
	p.wakeMu.Lock()
	t := p.wake
	p.wakeMu.Unlock()
	t.fire()
}

func (p *Processor) resetWake() <-chan struct{} {
	t := newWakeToken()
	p.wakeMu.Lock()
	p.wake = t
	p.wakeMu.Unlock()
	return t.ch
}

// Send queues e in the outbox and wakes the worker.
func (p *Processor) Send(e *email.Email) error {
	if err := p.store.Put(email.Outbox, e); err != nil {
		return err
	}
	p.Wake()
	return nil
}

// Retry requeues an email that failed.  Recipients it already reached are
// not sent to again.
func (p *Processor) Retry(id uuid.UUID) error {
	e, err := p.store.Get(email.Outbox, id)
	if err != nil {
		return err
	}
	if !e.Status.Code.IsError() {
		return ErrNotRetryable
	}
	e.Status = email.Status{Code: email.StatusQueued, Time: p.clock.Now()}
	return p.Send(e)
}

func (p *Processor) worker() {
	for {
		wakeCh := p.resetWake()
		if err := worker.Safe(p.processOutbox); err != nil {
			p.log.Errorf("Outbox cycle failed: %v", err)
		}

		t := p.clock.Timer(p.cfg.IdleInterval)
		select {
		case <-p.HaltCh():
			t.Stop()
			p.log.Debugf("Terminating gracefully.")
			return
		case <-wakeCh:
		case <-t.C:
		}
		t.Stop()
	}
}

func (p *Processor) processOutbox() {
	if p.cfg.NumStoreHops == 0 && !p.dht.IsReady() {
		p.log.Debugf("DHT not ready, skipping outbox cycle.")
		return
	}
	emails, err := p.store.List(email.Outbox)
	if errors.Is(err, passwordcache.ErrLocked) {
		p.log.Debugf("Store locked, skipping outbox cycle.")
		return
	} else if err != nil {
		p.log.Errorf("Failed to list outbox: %v", err)
		return
	}
	for _, e := range emails {
		if p.IsHalted() {
			return
		}
		if e.Status.Code.IsTerminal() {
			continue
		}
		p.processEmail(e)
	}
}

func (p *Processor) setStatus(e *email.Email, s email.Status) {
	s.Time = p.clock.Now()
	if !e.SetStatus(s) {
		p.log.Warningf("Refusing status change of %v from %v to %v", e.ID, e.Status, s)
		return
	}
	if err := p.store.Put(email.Outbox, e); err != nil {
		p.log.Errorf("Failed to save status of %v: %v", e.ID, err)
	}
}

func (p *Processor) fail(e *email.Email, code email.StatusCode, err error) {
	p.log.Warningf("Failed to send %v: %v: %v", e.ID, code, err)
	p.setStatus(e, email.Status{Code: code, Detail: err.Error()})
	instrument.EmailSent(code.String())
}

// targets resolves the recipients of e.  Foreign recipients collapse into
// the gateway, or are reported as unreachable without one.
func (p *Processor) targets(e *email.Email) ([]target, bool, error) {
	rcpts, err := e.Recipients()
	if err != nil {
		return nil, false, err
	}
	var (
		out       []target
		seen      = make(map[string]bool)
		noGateway bool
	)
	for _, a := range rcpts {
		r, err := address.ParseRecipient(a.Address)
		if err != nil {
			return nil, false, err
		}
		t := target{name: r.Address, dest: r.Destination}
		if r.IsForeign() {
			if !p.gatewayServes(r.Address) {
				p.log.Noticef("No gateway for %v, not sending to it.", r.Address)
				noGateway = true
				continue
			}
			t.dest, _ = address.Parse(p.cfg.GatewayDestination)
			t.name = t.dest.EmailAddress()
		}
		if seen[t.name] {
			continue
		}
		seen[t.name] = true
		out = append(out, t)
	}
	return out, noGateway, nil
}

func (p *Processor) gatewayServes(addr string) bool {
	if !p.cfg.GatewayEnabled {
		return false
	}
	if len(p.cfg.GatewayDomains) == 0 {
		return true
	}
	_, domain, _ := strings.Cut(addr, "@")
	for _, d := range p.cfg.GatewayDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

func (p *Processor) processEmail(e *email.Email) {
	p.setStatus(e, email.Status{Code: email.StatusSending})

	var id *address.Identity
	if sender := e.Sender(); !address.IsAnonymous(sender) {
		var err error
		if id, err = p.identities.BySender(sender); err != nil {
			p.fail(e, email.StatusNoIdentityMatches, err)
			return
		}
	}
	targets, noGateway, err := p.targets(e)
	if err != nil {
		p.fail(e, email.StatusInvalidRecipient, err)
		return
	}
	content, err := e.ForDelivery()
	if err == nil && id != nil {
		content, err = email.Sign(content, id)
	}
	if err != nil {
		p.fail(e, email.StatusErrorCreatingPackets, err)
		return
	}

	done := make(map[string]bool)
	for _, r := range e.Metadata.Recipients() {
		done[r] = true
	}
	sent := 0
	var failure *email.Status
	for _, t := range targets {
		if p.IsHalted() {
			return
		}
		if done[t.name] {
			sent++
			continue
		}
		frags, err := p.sendTo(p.HaltContext(), e.ID, content, t.dest)
		if err != nil {
			p.log.Warningf("Failed to send %v to %v: %v", e.ID, t.name, err)
			if failure == nil {
				code := email.StatusErrorSending
				if errors.Is(err, errCreatePackets) {
					code = email.StatusErrorCreatingPackets
				}
				failure = &email.Status{Code: code, Detail: err.Error()}
			}
			continue
		}
		for _, f := range frags {
			e.Metadata.AddFragment(t.name, f.Key, f.DeleteVerificationHash)
		}
		sent++
		p.setStatus(e, email.Status{Code: email.StatusSentTo, Sent: sent, Total: len(targets)})
	}

	if failure != nil {
		p.setStatus(e, *failure)
		instrument.EmailSent(failure.Code.String())
		return
	}
	final := email.Status{Code: email.StatusEmailSent, Sent: sent, Total: len(targets), Time: p.clock.Now()}
	if noGateway {
		final.Code = email.StatusGatewayDisabled
		final.Detail = "recipients outside the network were skipped"
	}
	e.SetStatus(final)
	e.Metadata.Sent = final.Time
	if err := p.store.Move(email.Outbox, email.Sent, e); err != nil {
		p.log.Errorf("Failed to move %v to sent: %v", e.ID, err)
		e.Status = email.Status{Code: email.StatusErrorSavingMetadata, Detail: err.Error(), Time: p.clock.Now()}
		if err := p.store.Put(email.Outbox, e); err != nil {
			p.log.Errorf("Failed to save status of %v: %v", e.ID, err)
		}
		instrument.EmailSent(e.Status.Code.String())
		return
	}
	p.log.Infof("Sent %v to %d recipient(s).", e.ID, sent)
	instrument.EmailSent(final.Code.String())
}

// fragmentSize never exceeds what fits a datagram for impl, whatever the
// override says.
func (p *Processor) fragmentSize(impl crypto.Impl) int {
	size := MaxFragmentSize(p.cfg.MaxDatagramSize, impl, p.cfg.NumStoreHops, p.cfg.ProofOfWorkBits)
	if p.cfg.MaxFragmentSize > 0 && p.cfg.MaxFragmentSize < size {
		return p.cfg.MaxFragmentSize
	}
	return size
}

// sendTo publishes content to one destination and returns the encrypted
// fragments it was published as.
func (p *Processor) sendTo(ctx context.Context, id uuid.UUID, content []byte, dest *address.Destination) ([]*packet.EncryptedEmailPacket, error) {
	impl, err := dest.Impl()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCreatePackets, err)
	}
	frags, err := packet.Fragment(rand.Reader, id, content, p.fragmentSize(impl))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCreatePackets, err)
	}
	encs := make([]*packet.EncryptedEmailPacket, 0, len(frags))
	units := make([]packet.DataPacket, 0, len(frags)+1)
	for _, f := range frags {
		ep, err := packet.Encrypt(f, impl, dest.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errCreatePackets, err)
		}
		encs = append(encs, ep)
		units = append(units, ep)
	}
	for _, ip := range p.indexPackets(dest.Hash(), encs) {
		units = append(units, ip)
	}
	if err := p.publish(ctx, units); err != nil {
		return nil, err
	}
	return encs, nil
}

// indexPackets splits the index entries for encs into packets that each
// fit a datagram.
func (p *Processor) indexPackets(destHash packet.Key, encs []*packet.EncryptedEmailPacket) []*packet.IndexPacket {
	maxEntries := MaxIndexEntries(p.cfg.MaxDatagramSize, crypto.Default(), p.cfg.NumStoreHops, p.cfg.ProofOfWorkBits)
	if maxEntries <= 0 {
		maxEntries = 1
	}
	var out []*packet.IndexPacket
	var cur *packet.IndexPacket
	for _, ep := range encs {
		if cur == nil || len(cur.Entries) >= maxEntries {
			cur = &packet.IndexPacket{DestinationHash: destHash}
			out = append(out, cur)
		}
		cur.Add(packet.IndexEntry{Key: ep.Key, DeleteVerificationHash: ep.DeleteVerificationHash})
	}
	return out
}

func (p *Processor) publish(ctx context.Context, units []packet.DataPacket) error {
	if p.cfg.NumStoreHops > 0 {
		return p.publishRelayed(ctx, units)
	}
	for _, u := range units {
		u := u
		if err := retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
			return p.dht.Store(ctx, u)
		}); err != nil {
			return fmt.Errorf("outbox: failed to store %v %v: %w", u.Type(), u.DHTKey(), err)
		}
	}
	return nil
}

// publishRelayed sends every unit through RelayRedundancy chains and
// waits for the first hops to accept them.  A unit counts as published
// once one of its chains was accepted.
func (p *Processor) publishRelayed(ctx context.Context, units []packet.DataPacket) error {
	rng := rand.NewMath()
	params := relay.Params{
		MinDelay:        p.cfg.MinDelay,
		MaxDelay:        p.cfg.MaxDelay,
		ProofOfWorkBits: p.cfg.ProofOfWorkBits,
	}

	b := sendqueue.NewBatch()
	owner := make(map[packet.Key]int)
	for i, u := range units {
		store, err := relay.NewStoreRequest(ctx, u, p.cfg.ProofOfWorkBits)
		if err != nil {
			return fmt.Errorf("%w: %v", errCreatePackets, err)
		}
		for r := 0; r < p.cfg.RelayRedundancy; r++ {
			chain, err := p.peers.PickChain(rng, p.cfg.NumStoreHops)
			if err != nil {
				return err
			}
			hops := make([]*address.Destination, 0, len(chain))
			for _, a := range chain {
				d, err := address.Parse(a)
				if err != nil {
					p.peers.Remove(a)
					return fmt.Errorf("outbox: invalid relay peer %q: %w", a, err)
				}
				hops = append(hops, d)
			}
			req, err := relay.Wrap(ctx, rng, store, hops, params)
			if err != nil {
				return fmt.Errorf("%w: %v", errCreatePackets, err)
			}
			reqID, err := b.Add(req, chain[0])
			if err != nil {
				return err
			}
			owner[reqID] = i
		}
	}

	if _, err := p.queue.SendBatch(b); err != nil {
		return err
	}
	defer p.queue.RemoveBatch(b)

	accepted := make([]bool, len(units))
	for _, r := range b.Wait(ctx, p.cfg.RelayTimeout) {
		if r.Packet.Status == packet.StatusOK {
			accepted[owner[r.RequestID]] = true
		}
	}
	for addr, ok := range b.Outcomes() {
		p.peers.RecordOutcome(addr, ok)
	}
	missing := 0
	for _, ok := range accepted {
		if !ok {
			missing++
		}
	}
	if missing > 0 {
		return fmt.Errorf("%w: %d of %d", ErrNotAccepted, missing, len(units))
	}
	return nil
}
