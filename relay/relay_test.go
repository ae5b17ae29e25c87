// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/katzenpost/hpqc/rand"
	"github.com/schwarmco/go-cartesian-product"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/address"
	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/dht/localdht"
	"github.com/katzenpost/dhtmail/folder"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/sendqueue"
	"github.com/katzenpost/dhtmail/transport/loopback"
)

func newEmailPacket(t *testing.T, size int) *packet.EncryptedEmailPacket {
	impl := crypto.Default()
	kp, err := impl.GenerateKeyPair()
	require.NoError(t, err)
	frags, err := packet.Fragment(rand.Reader, uuid.New(), make([]byte, size), size)
	require.NoError(t, err)
	ep, err := packet.Encrypt(frags[0], impl, kp.EncryptionPublic)
	require.NoError(t, err)
	return ep
}

func newHops(t *testing.T, n int) []*address.Identity {
	hops := make([]*address.Identity, 0, n)
	for i := 0; i < n; i++ {
		id, err := address.NewIdentity(fmt.Sprintf("relay-%d", i))
		require.NoError(t, err)
		hops = append(hops, id)
	}
	return hops
}

func destinations(ids []*address.Identity) []*address.Destination {
	out := make([]*address.Destination, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Destination())
	}
	return out
}

type wrapCase struct {
	hops    int
	powBits int
	size    int
}

func TestWrapUnwrap(t *testing.T) {
	t.Parallel()

	var cases []wrapCase
	for p := range cartesian.Iter([]interface{}{1, 2, 3, 5}, []interface{}{0, 4}, []interface{}{1, 1000}) {
		cases = append(cases, wrapCase{hops: p[0].(int), powBits: p[1].(int), size: p[2].(int)})
	}

	for _, c := range cases {
		c := c
		t.Run(fmt.Sprintf("hops=%d/pow=%d/size=%d", c.hops, c.powBits, c.size), func(t *testing.T) {
			t.Parallel()
			require := require.New(t)
			ctx := context.Background()
			rng := rand.NewMath()

			ep := newEmailPacket(t, c.size)
			store, err := NewStoreRequest(ctx, ep, c.powBits)
			require.NoError(err)
			storeBytes, err := store.MarshalBinary()
			require.NoError(err)

			params := Params{MinDelay: time.Minute, MaxDelay: 10 * time.Minute, ProofOfWorkBits: c.powBits}
			ids := newHops(t, c.hops)
			req, err := Wrap(ctx, rng, store, destinations(ids), params)
			require.NoError(err)

			outer, err := req.MarshalBinary()
			require.NoError(err)
			epBytes, err := ep.MarshalBinary()
			require.NoError(err)
			require.Len(outer, len(epBytes)+Overhead(crypto.Default(), c.hops, c.powBits))

			for i, id := range ids {
				layer, err := Unwrap(req, crypto.Default(), id.Keys.EncryptionPrivate, c.powBits)
				require.NoError(err)
				require.GreaterOrEqual(layer.Delay, params.MinDelay)
				require.LessOrEqual(layer.Delay, params.MaxDelay)

				if i == len(ids)-1 {
					require.True(layer.IsTerminal())
					require.Equal(storeBytes, layer.Inner)
					got, err := Terminal(layer)
					require.NoError(err)
					require.Equal(ep.Key, got.Data.DHTKey())
					require.NoError(VerifyStoreRequest(got, c.powBits))
					break
				}

				require.False(layer.IsTerminal())
				next, inner, err := NextHop(layer)
				require.NoError(err)
				require.True(next.Equal(ids[i+1].Destination()))

				// A hop cannot peel a layer addressed to another hop.
				_, err = Unwrap(inner, crypto.Default(), id.Keys.EncryptionPrivate, c.powBits)
				require.Error(err)
				req = inner
			}
		})
	}
}

func TestWrapErrors(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	store, err := NewStoreRequest(ctx, newEmailPacket(t, 10), 0)
	require.NoError(err)

	_, err = Wrap(ctx, rand.NewMath(), store, nil, Params{})
	require.ErrorIs(err, ErrNoHops)

	_, err = Wrap(ctx, rand.NewMath(), store, destinations(newHops(t, 1)), Params{MinDelay: time.Hour, MaxDelay: time.Minute})
	require.ErrorIs(err, ErrDelayWindow)
}

func TestRandomDelay(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	rng := rand.NewMath()

	require.Equal(time.Second, RandomDelay(rng, time.Second, time.Second))
	for i := 0; i < 1000; i++ {
		d := RandomDelay(rng, time.Second, 2*time.Second)
		require.GreaterOrEqual(d, time.Second)
		require.LessOrEqual(d, 2*time.Second)
		require.Zero(d % time.Millisecond)
	}
}

// node is a relay peer wired to a loopback endpoint.
type node struct {
	queue   *sendqueue.Queue
	handler *Handler
}

func (n *node) OnDatagram(sender string, b []byte) {
	env, err := packet.UnmarshalEnvelope(b)
	if err != nil {
		return
	}
	switch p := env.Packet.(type) {
	case *packet.RelayRequest:
		n.handler.HandleRelayRequest(sender, env.RequestID, p)
	case *packet.ResponsePacket:
		n.queue.HandleResponse(sender, env.RequestID, p)
	}
}

func TestHandlerDeliversThroughChain(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	logBackend := log.NewDiscard()

	net := loopback.New(32*1024, logBackend.GetLogger("loopback"))
	dhtNet := localdht.New(1, logBackend.GetLogger("dht"))

	ids := newHops(t, 3)
	var nodes []*node
	for i, id := range ids {
		ep, err := net.Attach(id.Destination().String())
		require.NoError(err)
		defer net.Detach(ep)

		dc := dhtNet.Join(fmt.Sprintf("dht-%d", i))
		f, err := folder.New(t.TempDir(), folder.EmailPacketHooks(), time.Hour, nil, logBackend.GetLogger("folder"))
		require.NoError(err)
		dc.SetStorageHandler(packet.TypeEncryptedEmail, f)
		dc.SetReady()

		q := sendqueue.New(ep, 0, nil, logBackend.GetLogger("sendqueue"))
		defer q.Halt()
		h, err := NewHandler(HandlerConfig{Identity: id, MaxDelay: time.Second}, q, dc, nil, logBackend.GetLogger("relay"))
		require.NoError(err)
		defer h.Halt()

		n := &node{queue: q, handler: h}
		ep.SetReceiver(n)
		nodes = append(nodes, n)
	}

	clientEp, err := net.Attach("client")
	require.NoError(err)
	defer net.Detach(clientEp)
	clientQ := sendqueue.New(clientEp, 0, nil, logBackend.GetLogger("client"))
	defer clientQ.Halt()
	clientEp.SetReceiver(&node{queue: clientQ})

	ep := newEmailPacket(t, 500)
	store, err := NewStoreRequest(ctx, ep, 0)
	require.NoError(err)
	req, err := Wrap(ctx, rand.NewMath(), store, destinations(ids), Params{MaxDelay: 20 * time.Millisecond})
	require.NoError(err)

	b := sendqueue.NewBatch()
	_, err = b.Add(req, nodes[0].handler.Address())
	require.NoError(err)
	_, err = clientQ.SendBatch(b)
	require.NoError(err)
	defer clientQ.RemoveBatch(b)

	resps := b.Wait(ctx, 5*time.Second)
	require.Len(resps, 1)
	require.Equal(packet.StatusOK, resps[0].Packet.Status)

	reader := dhtNet.Join("reader")
	reader.SetReady()
	require.Eventually(func() bool {
		_, err := reader.FindOne(ctx, ep.Key, packet.TypeEncryptedEmail)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	// Replaying the first hop's request is dropped without a reply.
	b2 := sendqueue.NewBatch()
	_, err = b2.Add(req, nodes[0].handler.Address())
	require.NoError(err)
	_, err = clientQ.SendBatch(b2)
	require.NoError(err)
	defer clientQ.RemoveBatch(b2)
	require.Empty(b2.Wait(ctx, 100*time.Millisecond))

	_, err = reader.FindOne(ctx, packet.Key{}, packet.TypeEncryptedEmail)
	require.ErrorIs(err, dht.ErrNotFound)
}
