// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package node assembles a dhtmail node: the local stores, the storage
// folders backing the DHT, the send queue, the relay peer and the mail
// workers.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/address"
	"github.com/katzenpost/dhtmail/config"
	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/delivery"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/folder"
	"github.com/katzenpost/dhtmail/instrument"
	"github.com/katzenpost/dhtmail/internal/fsutil"
	"github.com/katzenpost/dhtmail/internal/profiling"
	"github.com/katzenpost/dhtmail/mailcheck"
	"github.com/katzenpost/dhtmail/outbox"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/passwordcache"
	"github.com/katzenpost/dhtmail/peers"
	"github.com/katzenpost/dhtmail/relay"
	"github.com/katzenpost/dhtmail/sendqueue"
)

// ErrNotRunning is returned by operations on a node that was shut down.
var ErrNotRunning = errors.New("node: not running")

const (
	relayIdentityFile = "relay.identity"
	identitiesFile    = "identities"
	passwordFile      = "password"
	mailFile          = "mail.db"
	peersFile         = "peers.db"
	storageDir        = "dht"
)

// Node is a dhtmail node instance.
type Node struct {
	cfg   *config.Config
	clock clock.Clock

	logBackend *log.Backend
	log        *logging.Logger

	relayIdentity *address.Identity
	identities    *address.IdentityStore
	passwords     *passwordcache.Cache
	store         *email.Store

	peersDB *bolt.DB
	peers   *peers.Tracker

	folders map[packet.Type]*folder.Folder
	expirer *expirer

	link      Link
	dht       dht.Client
	queue     *sendqueue.Queue
	relay     *relay.Handler
	outbox    *outbox.Processor
	mailcheck *mailcheck.Checker
	delivery  *delivery.Checker

	running  atomic.Bool
	haltedCh chan interface{}
	haltOnce sync.Once
}

func (n *Node) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := n.cfg.Node.DataDir

	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("node: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("node: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("node: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("node: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}
	return nil
}

func (n *Node) initLogging(lb *log.Backend) error {
	var err error
	if lb == nil {
		lb, err = n.cfg.InitLogBackend()
	}
	if err == nil {
		n.logBackend = lb
		n.log = n.logBackend.GetLogger("node")
	}
	return err
}

func (n *Node) path(name string) string {
	return filepath.Join(n.cfg.Node.DataDir, name)
}

// loadRelayIdentity loads the keys relay layers are encrypted to,
// generating them on first start.
func loadRelayIdentity(path string) (*address.Identity, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := new(address.Identity)
		if err := cbor.Unmarshal(b, id); err != nil {
			return nil, fmt.Errorf("node: corrupted relay identity: %v", err)
		}
		return id, nil
	case !os.IsNotExist(err):
		return nil, err
	}

	id, err := address.NewIdentity("")
	if err != nil {
		return nil, err
	}
	if b, err = cbor.Marshal(id); err != nil {
		return nil, err
	}
	if err = fsutil.WriteFile(path, b, 0600); err != nil {
		return nil, err
	}
	return id, nil
}

func (n *Node) initFolders() error {
	dir := n.path(storageDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	ttl := time.Duration(n.cfg.Debug.PacketTTL) * 24 * time.Hour
	n.folders = make(map[packet.Type]*folder.Folder)
	var all []*folder.Folder
	for _, h := range []folder.Hooks{
		folder.EmailPacketHooks(),
		folder.IndexPacketHooks(),
		folder.ContactHooks(address.VerifyContact),
	} {
		f, err := folder.New(filepath.Join(dir, h.Name), h, ttl, n.clock, n.logBackend.GetLogger("folder/"+h.Name))
		if err != nil {
			return err
		}
		n.folders[h.Type] = f
		all = append(all, f)
	}
	interval := time.Duration(n.cfg.Debug.ExpirationInterval) * time.Minute
	n.expirer = newExpirer(all, interval, n.clock, n.logBackend.GetLogger("expire"))
	return nil
}

func (n *Node) initPeers() error {
	var err error
	if n.peersDB, err = bolt.Open(n.path(peersFile), 0600, nil); err != nil {
		return err
	}
	n.peers = peers.New(n.Address())
	if err = n.peers.Load(n.peersDB); err != nil {
		return err
	}
	n.peers.Add(n.cfg.Relay.Peers...)
	n.log.Noticef("Known relay peers: %d", n.peers.Len())
	return nil
}

func (n *Node) outboxConfig() outbox.Config {
	return outbox.Config{
		MaxDatagramSize:    n.cfg.Transport.MaxDatagramSize,
		MaxFragmentSize:    n.cfg.Mail.MaxFragmentSize,
		NumStoreHops:       n.cfg.Relay.NumStoreHops,
		RelayRedundancy:    n.cfg.Relay.Redundancy,
		MinDelay:           n.cfg.Relay.MinDelayDuration(),
		MaxDelay:           n.cfg.Relay.MaxDelayDuration(),
		ProofOfWorkBits:    n.cfg.Relay.ProofOfWorkBits,
		GatewayEnabled:     n.cfg.Gateway.Enabled,
		GatewayDestination: n.cfg.Gateway.Destination,
		GatewayDomains:     n.cfg.Gateway.Domains,
		IdleInterval:       time.Duration(n.cfg.Debug.OutboxIdleInterval) * time.Minute,
	}
}

// Address returns the transport address of the node.
func (n *Node) Address() string {
	return n.relayIdentity.Destination().String()
}

// Identities returns the local identity store.
func (n *Node) Identities() *address.IdentityStore {
	return n.identities
}

// Store returns the local mail store.
func (n *Node) Store() *email.Store {
	return n.store
}

// Peers returns the relay peer tracker.
func (n *Node) Peers() *peers.Tracker {
	return n.peers
}

// Unlock unlocks the mail store with password.
func (n *Node) Unlock(password []byte) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	if err := n.passwords.Unlock(password); err != nil {
		return err
	}
	n.outbox.Wake()
	n.mailcheck.CheckNow()
	return nil
}

// Lock forgets the cached password.
func (n *Node) Lock() {
	n.passwords.Lock()
}

// SetPassword changes the mail store password, an empty password removes
// it.
func (n *Node) SetPassword(old, password []byte) error {
	return n.passwords.SetPassword(old, password)
}

// Send queues e for sending.
func (n *Node) Send(e *email.Email) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	return n.outbox.Send(e)
}

// Retry requeues an outbox email that failed to send.
func (n *Node) Retry(id uuid.UUID) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	return n.outbox.Retry(id)
}

// CheckMail starts a mail check of every identity.
func (n *Node) CheckMail() {
	n.mailcheck.CheckNow()
}

// IsLocked returns true while the mail store waits for its password.
func (n *Node) IsLocked() bool {
	return n.passwords.IsLocked()
}

// IsCheckingMail returns true while a mail check is running.
func (n *Node) IsCheckingMail() bool {
	return n.mailcheck.IsChecking()
}

// RotateLog reopens the log file.
func (n *Node) RotateLog() {
	if err := n.logBackend.Rotate(); err != nil {
		n.log.Errorf("Failed to rotate log file: %v", err)
	}
}

// Shutdown cleanly shuts down a given Node instance.
func (n *Node) Shutdown() {
	n.haltOnce.Do(func() { n.halt() })
}

// Wait waits till the node is terminated for any reason.
func (n *Node) Wait() {
	<-n.haltedCh
}

func (n *Node) halt() {
	// Workers go before the queue and the link they send through, the
	// stores go last.
	n.log.Noticef("Starting graceful shutdown.")
	n.running.Store(false)

	if n.outbox != nil {
		n.outbox.Halt()
	}
	if n.mailcheck != nil {
		n.mailcheck.Halt()
	}
	if n.delivery != nil {
		n.delivery.Halt()
	}
	if n.relay != nil {
		n.relay.Halt()
	}
	if n.queue != nil {
		n.queue.Halt()
	}
	if n.link != nil {
		n.link.Close()
	}
	if n.expirer != nil {
		n.expirer.Halt()
	}

	if n.peersDB != nil {
		if err := n.peers.Save(n.peersDB); err != nil {
			n.log.Errorf("Failed to save relay peers: %v", err)
		}
		n.peersDB.Close()
	}
	if n.store != nil {
		n.store.Close()
	}
	n.passwords.Lock()

	n.log.Noticef("Shutdown complete.")
	close(n.haltedCh)
}

// New returns a new Node instance parameterized with the specified
// configuration, attached to net.  A nil lb opens the log backend
// described by the configuration.
func New(cfg *config.Config, net Network, lb *log.Backend) (*Node, error) {
	n := new(Node)
	n.cfg = cfg
	n.clock = clock.New()
	n.haltedCh = make(chan interface{})

	if err := n.initDataDir(); err != nil {
		return nil, err
	}
	if err := n.initLogging(lb); err != nil {
		return nil, err
	}
	if n.cfg.Logging.Level == "DEBUG" {
		n.log.Warning("Unsafe Debug logging is enabled.")
	}

	var err error
	if n.relayIdentity, err = loadRelayIdentity(n.path(relayIdentityFile)); err != nil {
		n.log.Errorf("Failed to initialize relay identity: %v", err)
		return nil, err
	}
	n.log.Noticef("Node address is: %s", n.Address())

	if n.identities, err = address.LoadIdentityStore(n.path(identitiesFile)); err != nil {
		n.log.Errorf("Failed to load identities: %v", err)
		return nil, err
	}
	if n.passwords, err = passwordcache.New(n.path(passwordFile)); err != nil {
		n.log.Errorf("Failed to initialize password cache: %v", err)
		return nil, err
	}

	// Past this point, failures need to call n.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			n.Shutdown()
		}
	}()

	if n.store, err = email.Open(n.path(mailFile), n.passwords); err != nil {
		n.log.Errorf("Failed to open mail store: %v", err)
		return nil, err
	}
	if err = n.initPeers(); err != nil {
		n.log.Errorf("Failed to load relay peers: %v", err)
		return nil, err
	}
	if err = n.initFolders(); err != nil {
		n.log.Errorf("Failed to initialize storage folders: %v", err)
		return nil, err
	}

	instrument.Init(n.cfg.Debug.MetricsAddress)
	if err = profiling.Start(n.logBackend.GetLogger("profiling"), n.Address()); err != nil {
		n.log.Warningf("Failed to start profiling: %v", err)
	}

	if n.link, err = net.Attach(n.Address(), n); err != nil {
		n.log.Errorf("Failed to attach transport: %v", err)
		return nil, err
	}
	if n.link.MaxDatagramSize() < n.cfg.Transport.MaxDatagramSize {
		return nil, fmt.Errorf("node: transport datagrams are limited to %d bytes", n.link.MaxDatagramSize())
	}
	n.queue = sendqueue.New(n.link, n.cfg.Transport.MaxBandwidthKbps, n.clock, n.logBackend.GetLogger("sendqueue"))

	if n.dht, err = net.JoinDHT(n.Address(), n.queue); err != nil {
		n.log.Errorf("Failed to join the DHT: %v", err)
		return nil, err
	}
	for t, f := range n.folders {
		n.dht.SetStorageHandler(t, f)
	}

	relayCfg := relay.HandlerConfig{
		Identity:        n.relayIdentity,
		ProofOfWorkBits: n.cfg.Relay.ProofOfWorkBits,
		MaxDelay:        n.cfg.Relay.MaxDelayDuration(),
	}
	if n.relay, err = relay.NewHandler(relayCfg, n.queue, n.dht, n.clock, n.logBackend.GetLogger("relay")); err != nil {
		n.log.Errorf("Failed to initialize relay: %v", err)
		return nil, err
	}

	if n.outbox, err = outbox.New(n.outboxConfig(), n.store, n.identities, n.dht, n.queue, n.peers, n.clock, n.logBackend.GetLogger("outbox")); err != nil {
		n.log.Errorf("Failed to initialize outbox: %v", err)
		return nil, err
	}
	checkCfg := mailcheck.Config{
		Interval:      time.Duration(n.cfg.Mail.CheckInterval) * time.Minute,
		Timeout:       time.Duration(n.cfg.Mail.CheckTimeout) * time.Second,
		MaxConcurrent: n.cfg.Mail.MaxConcurrentIdentityChecks,
	}
	if n.mailcheck, err = mailcheck.New(checkCfg, n.store, n.identities, n.dht, n.clock, n.logBackend.GetLogger("mailcheck")); err != nil {
		n.log.Errorf("Failed to initialize mail check: %v", err)
		return nil, err
	}
	deliveryCfg := delivery.Config{
		Enabled:  n.cfg.Delivery.Enabled,
		Interval: time.Duration(n.cfg.Delivery.Interval) * time.Minute,
	}
	n.delivery = delivery.New(deliveryCfg, n.store, n.dht, n.clock, n.logBackend.GetLogger("delivery"))

	n.running.Store(true)
	n.outbox.Start()
	n.mailcheck.Start()
	n.delivery.Start()

	isOk = true
	return n, nil
}
