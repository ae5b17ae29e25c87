// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package outbox

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/schwarmco/go-cartesian-product"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/address"
	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/dht/localdht"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/folder"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/passwordcache"
	"github.com/katzenpost/dhtmail/peers"
	"github.com/katzenpost/dhtmail/relay"
	"github.com/katzenpost/dhtmail/sendqueue"
	"github.com/katzenpost/dhtmail/transport/loopback"
)

const testDatagramSize = 32 * 1024

var logBackend = log.NewDiscard()

func newIdentity(t *testing.T, name string) *address.Identity {
	id, err := address.NewIdentity(name)
	require.NoError(t, err)
	return id
}

// newHolder joins a member storing email and index packets.
func newHolder(t *testing.T, net *localdht.Network, name string) {
	dc := net.Join(name)
	for _, h := range []folder.Hooks{folder.EmailPacketHooks(), folder.IndexPacketHooks()} {
		f, err := folder.New(filepath.Join(t.TempDir(), h.Name), h, time.Hour, nil, logBackend.GetLogger("folder"))
		require.NoError(t, err)
		dc.SetStorageHandler(h.Type, f)
	}
	dc.SetReady()
}

// fetch reassembles what was published for id.
func fetch(t *testing.T, dc *localdht.Client, id *address.Identity) ([]byte, int) {
	require := require.New(t)
	ctx := context.Background()

	found, err := dc.FindAll(ctx, id.Destination().Hash(), packet.TypeIndex)
	require.NoError(err)
	idx := &packet.IndexPacket{}
	for _, p := range found {
		idx.Merge(p.(*packet.IndexPacket))
	}

	impl, err := id.Impl()
	require.NoError(err)
	var frags []*packet.UnencryptedEmailPacket
	for _, e := range idx.Entries {
		p, err := dc.FindOne(ctx, e.Key, packet.TypeEncryptedEmail)
		require.NoError(err)
		u, err := p.(*packet.EncryptedEmailPacket).Decrypt(impl, id.Keys.EncryptionPrivate)
		require.NoError(err)
		frags = append(frags, u)
	}
	sort.Slice(frags, func(i, j int) bool { return frags[i].FragmentIndex < frags[j].FragmentIndex })
	var buf bytes.Buffer
	for _, f := range frags {
		buf.Write(f.Payload)
	}
	return buf.Bytes(), len(idx.Entries)
}

type sizeCase struct {
	hops    int
	powBits int
}

func TestMaxFragmentSize(t *testing.T) {
	t.Parallel()

	var cases []sizeCase
	for p := range cartesian.Iter([]interface{}{0, 1, 3}, []interface{}{0, 4}) {
		cases = append(cases, sizeCase{hops: p[0].(int), powBits: p[1].(int)})
	}
	for _, c := range cases {
		c := c
		t.Run(fmt.Sprintf("hops=%d/pow=%d", c.hops, c.powBits), func(t *testing.T) {
			t.Parallel()
			require := require.New(t)
			ctx := context.Background()
			impl := crypto.Default()

			size := MaxFragmentSize(testDatagramSize, impl, c.hops, c.powBits)
			require.Positive(size)

			rcpt := newIdentity(t, "")
			frags, err := packet.Fragment(rand.Reader, [16]byte{1}, make([]byte, size), size)
			require.NoError(err)
			require.Len(frags, 1)
			ep, err := packet.Encrypt(frags[0], impl, rcpt.Keys.EncryptionPublic)
			require.NoError(err)

			store, err := relay.NewStoreRequest(ctx, ep, c.powBits)
			require.NoError(err)
			env := &packet.Envelope{Packet: store}
			if c.hops > 0 {
				var hops []*address.Destination
				for i := 0; i < c.hops; i++ {
					hops = append(hops, newIdentity(t, "").Destination())
				}
				env.Packet, err = relay.Wrap(ctx, rand.NewMath(), store, hops, relay.Params{ProofOfWorkBits: c.powBits})
				require.NoError(err)
			}
			b, err := env.MarshalBinary()
			require.NoError(err)
			require.Len(b, testDatagramSize)

			n := MaxIndexEntries(testDatagramSize, impl, c.hops, c.powBits)
			ip := &packet.IndexPacket{}
			for i := 0; i < n; i++ {
				ip.Add(packet.IndexEntry{Key: packet.Key{byte(i), byte(i >> 8)}})
			}
			ib, err := ip.MarshalBinary()
			require.NoError(err)
			require.LessOrEqual(len(ib)+packet.EnvelopeOverhead+requestOverhead(impl, c.hops, c.powBits), testDatagramSize)
			require.Greater(len(ib)+packet.IndexEntrySize+packet.EnvelopeOverhead+requestOverhead(impl, c.hops, c.powBits), testDatagramSize)
		})
	}
}

func TestNewFragmentBounds(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	dir := t.TempDir()

	store, err := email.Open(filepath.Join(dir, "mail.db"), nil)
	require.NoError(err)
	defer store.Close()
	ids, err := address.LoadIdentityStore(filepath.Join(dir, "identities"))
	require.NoError(err)
	dc := localdht.New(1, logBackend.GetLogger("dht")).Join("sender")

	newProcessor := func(cfg Config) error {
		_, err := New(cfg, store, ids, dc, nil, nil, nil, logBackend.GetLogger("outbox"))
		return err
	}

	derived := MaxFragmentSize(testDatagramSize, crypto.Default(), 0, 0)
	require.NoError(newProcessor(Config{MaxDatagramSize: testDatagramSize, MaxFragmentSize: derived}))
	require.ErrorIs(newProcessor(Config{MaxDatagramSize: testDatagramSize, MaxFragmentSize: derived + 1}), ErrFragmentSize)
	require.ErrorIs(newProcessor(Config{MaxDatagramSize: 128 * 1024}), ErrDatagramSize)
	require.ErrorIs(newProcessor(Config{MaxDatagramSize: 64}), ErrFragmentSize)
}

func newBody() string {
	return strings.Repeat(strings.Repeat("x", 98)+"\r\n", 290)
}

func TestSendDirect(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	dir := t.TempDir()

	net := localdht.New(1, logBackend.GetLogger("dht"))
	newHolder(t, net, "holder")
	dc := net.Join("sender")

	store, err := email.Open(filepath.Join(dir, "mail.db"), nil)
	require.NoError(err)
	defer store.Close()
	ids, err := address.LoadIdentityStore(filepath.Join(dir, "identities"))
	require.NoError(err)
	alice := newIdentity(t, "alice")
	require.NoError(ids.Add(alice))
	bob := newIdentity(t, "")

	p, err := New(Config{MaxDatagramSize: testDatagramSize, MaxFragmentSize: 12000}, store, ids, dc, nil, nil, nil, logBackend.GetLogger("outbox"))
	require.NoError(err)

	body := newBody()
	require.Len(body, 29000)
	e, err := email.New(alice.EmailAddress(), []string{bob.Destination().EmailAddress(), "carol@example.org"}, "hi", body, time.Now())
	require.NoError(err)
	require.NoError(p.Send(e))

	// Nothing happens before the DHT is joined.
	p.processOutbox()
	got, err := store.Get(email.Outbox, e.ID)
	require.NoError(err)
	require.Equal(email.StatusQueued, got.Status.Code)

	dc.SetReady()
	p.processOutbox()
	n, err := store.Len(email.Outbox)
	require.NoError(err)
	require.Zero(n)

	got, err = store.Get(email.Sent, e.ID)
	require.NoError(err)
	require.Equal(email.StatusGatewayDisabled, got.Status.Code)
	require.Equal(1, got.Status.Sent)
	require.Equal([]string{bob.Destination().EmailAddress()}, got.Metadata.Recipients())
	require.Len(got.Metadata.Fragments, 3)
	require.Equal(1, got.Metadata.UndeliveredRecipients())

	raw, entries := fetch(t, dc, bob)
	require.Equal(3, entries)
	require.True(email.VerifySignature(raw))
	require.True(bytes.HasSuffix(raw, []byte(body)))
}

func TestSendFailures(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	dir := t.TempDir()

	net := localdht.New(1, logBackend.GetLogger("dht"))
	newHolder(t, net, "holder")
	dc := net.Join("sender")
	dc.SetReady()

	pc, err := passwordcache.New(filepath.Join(dir, "password"))
	require.NoError(err)
	store, err := email.Open(filepath.Join(dir, "mail.db"), pc)
	require.NoError(err)
	defer store.Close()
	ids, err := address.LoadIdentityStore(filepath.Join(dir, "identities"))
	require.NoError(err)
	bob := newIdentity(t, "")
	stranger := newIdentity(t, "")

	p, err := New(Config{MaxDatagramSize: testDatagramSize}, store, ids, dc, nil, nil, nil, logBackend.GetLogger("outbox"))
	require.NoError(err)

	e, err := email.New(stranger.EmailAddress(), []string{bob.Destination().String()}, "", "x", time.Now())
	require.NoError(err)
	require.NoError(p.Send(e))

	// A locked store skips the cycle.
	require.NoError(pc.SetPassword(nil, []byte("secret")))
	pc.Lock()
	p.processOutbox()
	require.NoError(pc.Unlock([]byte("secret")))
	got, err := store.Get(email.Outbox, e.ID)
	require.NoError(err)
	require.Equal(email.StatusQueued, got.Status.Code)

	p.processOutbox()
	got, err = store.Get(email.Outbox, e.ID)
	require.NoError(err)
	require.Equal(email.StatusNoIdentityMatches, got.Status.Code)

	// Error states are not retried by the worker, only on request.
	p.processOutbox()
	got, err = store.Get(email.Outbox, e.ID)
	require.NoError(err)
	require.Equal(email.StatusNoIdentityMatches, got.Status.Code)

	require.NoError(p.Retry(e.ID))
	got, err = store.Get(email.Outbox, e.ID)
	require.NoError(err)
	require.Equal(email.StatusQueued, got.Status.Code)
	require.ErrorIs(p.Retry(e.ID), ErrNotRetryable)

	require.NoError(ids.Add(stranger))
	p.processOutbox()
	got, err = store.Get(email.Sent, e.ID)
	require.NoError(err)
	require.Equal(email.StatusEmailSent, got.Status.Code)

	// Anonymous mail needs no identity and is not signed.
	anon, err := email.New(address.AnonymousSender, []string{bob.Destination().String()}, "", "y", time.Now())
	require.NoError(err)
	require.NoError(p.Send(anon))
	p.processOutbox()
	got, err = store.Get(email.Sent, anon.ID)
	require.NoError(err)
	require.Equal(email.StatusEmailSent, got.Status.Code)
}

func TestWake(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	dir := t.TempDir()

	net := localdht.New(1, logBackend.GetLogger("dht"))
	newHolder(t, net, "holder")
	dc := net.Join("sender")
	dc.SetReady()

	store, err := email.Open(filepath.Join(dir, "mail.db"), nil)
	require.NoError(err)
	defer store.Close()
	ids, err := address.LoadIdentityStore(filepath.Join(dir, "identities"))
	require.NoError(err)

	p, err := New(Config{MaxDatagramSize: testDatagramSize, IdleInterval: time.Hour}, store, ids, dc, nil, nil, nil, logBackend.GetLogger("outbox"))
	require.NoError(err)
	p.Start()
	defer p.Halt()

	e, err := email.New("", []string{newIdentity(t, "").Destination().String()}, "", "z", time.Now())
	require.NoError(err)
	require.NoError(p.Send(e))
	require.Eventually(func() bool {
		n, err := store.Len(email.Sent)
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// relayNode is a relay peer wired to a loopback endpoint.
type relayNode struct {
	queue   *sendqueue.Queue
	handler *relay.Handler
}

func (n *relayNode) OnDatagram(sender string, b []byte) {
	env, err := packet.UnmarshalEnvelope(b)
	if err != nil {
		return
	}
	switch p := env.Packet.(type) {
	case *packet.RelayRequest:
		if n.handler != nil {
			n.handler.HandleRelayRequest(sender, env.RequestID, p)
		}
	case *packet.ResponsePacket:
		n.queue.HandleResponse(sender, env.RequestID, p)
	}
}

func TestSendRelayed(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	dir := t.TempDir()

	dhtNet := localdht.New(1, logBackend.GetLogger("dht"))
	newHolder(t, dhtNet, "holder")
	net := loopback.New(testDatagramSize, logBackend.GetLogger("loopback"))

	var relays []string
	for i := 0; i < 3; i++ {
		id := newIdentity(t, "")
		ep, err := net.Attach(id.Destination().String())
		require.NoError(err)
		defer net.Detach(ep)
		dc := dhtNet.Join(fmt.Sprintf("relay-%d", i))
		dc.SetReady()
		q := sendqueue.New(ep, 0, nil, logBackend.GetLogger("sendqueue"))
		defer q.Halt()
		h, err := relay.NewHandler(relay.HandlerConfig{Identity: id, MaxDelay: time.Second}, q, dc, nil, logBackend.GetLogger("relay"))
		require.NoError(err)
		defer h.Halt()
		ep.SetReceiver(&relayNode{queue: q, handler: h})
		relays = append(relays, h.Address())
	}

	ep, err := net.Attach("client")
	require.NoError(err)
	defer net.Detach(ep)
	q := sendqueue.New(ep, 0, nil, logBackend.GetLogger("client"))
	defer q.Halt()
	ep.SetReceiver(&relayNode{queue: q})
	pt := peers.New("client")
	pt.Add(relays...)

	store, err := email.Open(filepath.Join(dir, "mail.db"), nil)
	require.NoError(err)
	defer store.Close()
	ids, err := address.LoadIdentityStore(filepath.Join(dir, "identities"))
	require.NoError(err)
	bob := newIdentity(t, "")

	cfg := Config{
		MaxDatagramSize: testDatagramSize,
		NumStoreHops:    2,
		RelayRedundancy: 2,
		MaxDelay:        50 * time.Millisecond,
		RelayTimeout:    5 * time.Second,
	}
	p, err := New(cfg, store, ids, nil, q, pt, nil, logBackend.GetLogger("outbox"))
	require.NoError(err)

	e, err := email.New("", []string{bob.Destination().String()}, "relayed", "hello", time.Now())
	require.NoError(err)
	require.NoError(p.Send(e))
	p.processOutbox()

	got, err := store.Get(email.Sent, e.ID)
	require.NoError(err)
	require.Equal(email.StatusEmailSent, got.Status.Code)
	require.Len(got.Metadata.Fragments, 1)

	reader := dhtNet.Join("reader")
	reader.SetReady()
	require.Eventually(func() bool {
		_, err := reader.FindOne(context.Background(), got.Metadata.Fragments[0].Key, packet.TypeEncryptedEmail)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(func() bool {
		_, err := reader.FindAll(context.Background(), bob.Destination().Hash(), packet.TypeIndex)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	sampled := 0
	for _, peer := range pt.All() {
		if len(peer.Samples) > 0 {
			sampled++
			require.Equal(1.0, peer.Reachability())
		}
	}
	require.Positive(sampled)
}

func TestGateway(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	dir := t.TempDir()

	net := localdht.New(1, logBackend.GetLogger("dht"))
	newHolder(t, net, "holder")
	dc := net.Join("sender")
	dc.SetReady()

	store, err := email.Open(filepath.Join(dir, "mail.db"), nil)
	require.NoError(err)
	defer store.Close()
	ids, err := address.LoadIdentityStore(filepath.Join(dir, "identities"))
	require.NoError(err)
	gw := newIdentity(t, "gateway")

	cfg := Config{
		MaxDatagramSize:    testDatagramSize,
		GatewayEnabled:     true,
		GatewayDestination: gw.Destination().String(),
		GatewayDomains:     []string{"example.org"},
	}
	p, err := New(cfg, store, ids, dc, nil, nil, nil, logBackend.GetLogger("outbox"))
	require.NoError(err)

	e, err := email.New("", []string{"carol@example.org", "dave@EXAMPLE.org", "erin@other.org"}, "", "out", time.Now())
	require.NoError(err)
	require.NoError(p.Send(e))
	p.processOutbox()

	got, err := store.Get(email.Sent, e.ID)
	require.NoError(err)
	require.Equal(email.StatusGatewayDisabled, got.Status.Code)
	require.Equal([]string{gw.Destination().EmailAddress()}, got.Metadata.Recipients())

	raw, entries := fetch(t, dc, gw)
	require.Equal(1, entries)
	require.Contains(string(raw), "erin@other.org")

	cfg.GatewayDestination = "bogus"
	_, err = New(cfg, store, ids, dc, nil, nil, nil, logBackend.GetLogger("outbox"))
	require.Error(err)
}
