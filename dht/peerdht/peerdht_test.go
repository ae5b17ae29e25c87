// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package peerdht

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/folder"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/sendqueue"
	"github.com/katzenpost/dhtmail/transport/loopback"
)

const testDatagramSize = 32 * 1024

var logBackend = log.NewDiscard()

// member is a DHT member answering requests from its own email folder.
type testMember struct {
	queue  *sendqueue.Queue
	client *Client
	emails *folder.Folder

	// forged members answer deletion queries with a made up
	// authorization.
	forged bool
}

func (m *testMember) OnDatagram(sender string, b []byte) {
	env, err := packet.UnmarshalEnvelope(b)
	if err != nil {
		return
	}
	if p, ok := env.Packet.(*packet.ResponsePacket); ok {
		m.queue.HandleResponse(sender, env.RequestID, p)
		return
	}

	resp := &packet.ResponsePacket{Status: packet.StatusInvalidPacket}
	switch p := env.Packet.(type) {
	case *packet.StoreRequest:
		if m.emails == nil {
			break
		}
		if echo, err := m.emails.StoreAndCreateDeleteRequest(p.Data); err == nil {
			resp, _ = packet.NewResponse(packet.StatusOK, echo)
		}
	case *packet.RetrieveRequest:
		if m.emails == nil {
			break
		}
		resp = &packet.ResponsePacket{Status: packet.StatusNoDataFound}
		if dp, err := m.emails.Retrieve(p.Key); err == nil {
			resp, _ = packet.NewResponse(packet.StatusOK, packet.Sanitize(dp))
		}
	case *packet.DeletionQuery:
		info := &packet.DeletionInfoPacket{}
		switch {
		case m.forged:
			auth, _ := packet.NewRequestID(rand.Reader)
			info.Add(packet.DeletionRecord{Key: p.Key, DeleteAuthorization: auth})
		case m.emails != nil:
			if auth, ok := m.emails.GetDeleteAuthorization(p.Key); ok {
				info.Add(packet.DeletionRecord{Key: p.Key, DeleteAuthorization: auth})
			}
		}
		resp = &packet.ResponsePacket{Status: packet.StatusNoDataFound}
		if len(info.Records) > 0 {
			resp, _ = packet.NewResponse(packet.StatusOK, info)
		}
	case packet.DeleteRequest:
		if m.emails != nil {
			m.emails.ProcessDeleteRequest(p)
			resp = &packet.ResponsePacket{Status: packet.StatusOK}
		}
	}
	m.queue.SendReply(env.RequestID, resp, sender)
}

type testNetwork struct {
	t       *testing.T
	net     *loopback.Network
	members []*testMember
}

func newTestNetwork(t *testing.T) *testNetwork {
	return &testNetwork{t: t, net: loopback.New(testDatagramSize, logBackend.GetLogger("loopback"))}
}

// join adds a member, with an email folder if storage is set.
func (n *testNetwork) join(name string, storage bool) *testMember {
	t := n.t
	ep, err := n.net.Attach(name)
	require.NoError(t, err)
	t.Cleanup(func() { n.net.Detach(ep) })

	q := sendqueue.New(ep, 0, nil, logBackend.GetLogger("sendqueue"))
	t.Cleanup(q.Halt)

	m := &testMember{queue: q}
	m.client = New(Config{Address: name, Timeout: 2 * time.Second}, q, logBackend.GetLogger(name))
	if storage {
		m.emails, err = folder.New(filepath.Join(t.TempDir(), name), folder.EmailPacketHooks(), time.Hour, nil, logBackend.GetLogger("folder"))
		require.NoError(t, err)
		m.client.SetStorageHandler(packet.TypeEncryptedEmail, m.emails)
	}
	ep.SetReceiver(m)

	for _, other := range n.members {
		other.client.AddPeers(name)
		m.client.AddPeers(other.client.cfg.Address)
	}
	n.members = append(n.members, m)
	m.client.SetReady()
	return m
}

func newEmailPacket(t *testing.T) (*packet.EncryptedEmailPacket, packet.Key) {
	impl := crypto.Default()
	kp, err := impl.GenerateKeyPair()
	require.NoError(t, err)
	frags, err := packet.Fragment(rand.Reader, uuid.New(), []byte("hello world"), 1000)
	require.NoError(t, err)
	ep, err := packet.Encrypt(frags[0], impl, kp.EncryptionPublic)
	require.NoError(t, err)
	return ep, frags[0].DeleteAuthorization
}

func TestStoreAndFind(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	n := newTestNetwork(t)
	a := n.join("a", true)
	b := n.join("b", true)
	reader := n.join("reader", false)
	require.Equal(2, reader.client.Peers())

	ep, _ := newEmailPacket(t)
	require.NoError(a.client.Store(ctx, ep))

	// b got its copy as a store request.
	_, err := b.emails.Retrieve(ep.Key)
	require.NoError(err)

	p, err := reader.client.FindOne(ctx, ep.Key, packet.TypeEncryptedEmail)
	require.NoError(err)
	require.Equal(ep.Ciphertext, p.(*packet.EncryptedEmailPacket).Ciphertext)
	require.True(p.(*packet.EncryptedEmailPacket).StoreTime().IsZero())

	all, err := reader.client.FindAll(ctx, ep.Key, packet.TypeEncryptedEmail)
	require.NoError(err)
	require.Len(all, 2)

	_, err = reader.client.FindOne(ctx, packet.Key{1}, packet.TypeEncryptedEmail)
	require.ErrorIs(err, dht.ErrNotFound)
	_, err = reader.client.FindAll(ctx, packet.Key{1}, packet.TypeEncryptedEmail)
	require.ErrorIs(err, dht.ErrNotFound)

	b.client.RemovePeer("a")
	require.Equal(1, b.client.Peers())
}

func TestDeleteAndAuthorization(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	n := newTestNetwork(t)
	a := n.join("a", true)
	b := n.join("b", true)
	reader := n.join("reader", false)

	ep, auth := newEmailPacket(t)
	require.NoError(a.client.Store(ctx, ep))

	_, err := reader.client.FindDeleteAuthorization(ctx, ep.Key, ep.DeleteVerificationHash)
	require.ErrorIs(err, dht.ErrNotFound)

	require.NoError(reader.client.Delete(ctx, &packet.EmailDeleteRequest{Key: ep.Key, DeleteAuthorization: auth}))
	for _, m := range []*testMember{a, b} {
		_, err := m.emails.Retrieve(ep.Key)
		require.Error(err)
	}

	got, err := reader.client.FindDeleteAuthorization(ctx, ep.Key, ep.DeleteVerificationHash)
	require.NoError(err)
	require.Equal(auth, got)
}

func TestStoreOfDeletedPacket(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	n := newTestNetwork(t)
	a := n.join("a", true)
	b := n.join("b", true)

	// b deleted the packet before a publishes it.
	ep, auth := newEmailPacket(t)
	require.NoError(b.emails.Store(ep))
	require.True(b.emails.Delete(ep.Key, auth))

	require.NoError(a.client.Store(ctx, ep))

	// b answered with the deletion, which a applied to its own copy.
	_, err := a.emails.Retrieve(ep.Key)
	require.Error(err)
	got, ok := a.emails.GetDeleteAuthorization(ep.Key)
	require.True(ok)
	require.Equal(auth, got)
}

func TestForgedAuthorization(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	n := newTestNetwork(t)
	liar := n.join("liar", false)
	liar.forged = true
	reader := n.join("reader", false)

	ep, auth := newEmailPacket(t)
	_, err := reader.client.FindDeleteAuthorization(ctx, ep.Key, ep.DeleteVerificationHash)
	require.ErrorIs(err, dht.ErrNotFound)

	// An honest member is still heard next to the forger.
	honest := n.join("honest", true)
	require.NoError(honest.emails.Store(ep))
	require.True(honest.emails.Delete(ep.Key, auth))
	got, err := reader.client.FindDeleteAuthorization(ctx, ep.Key, ep.DeleteVerificationHash)
	require.NoError(err)
	require.Equal(auth, got)
}

func TestNotReady(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	c := New(Config{Address: "a"}, nil, logBackend.GetLogger("peerdht"))
	require.False(c.IsReady())
	_, err := c.FindOne(ctx, packet.Key{}, packet.TypeEncryptedEmail)
	require.ErrorIs(err, dht.ErrNotReady)

	c.SetReady()
	require.True(c.IsReady())
	ep, _ := newEmailPacket(t)
	require.ErrorIs(c.Store(ctx, ep), errNoPeers)
}
