// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package delivery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/dht/localdht"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/folder"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/passwordcache"
)

var logBackend = log.NewDiscard()

func TestDeliveryCountdown(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	net := localdht.New(1, logBackend.GetLogger("dht"))
	holder := net.Join("holder")
	f, err := folder.New(filepath.Join(dir, "email"), folder.EmailPacketHooks(), time.Hour, nil, logBackend.GetLogger("folder"))
	require.NoError(err)
	holder.SetStorageHandler(packet.TypeEncryptedEmail, f)
	holder.SetReady()
	dc := net.Join("sender")
	dc.SetReady()

	pc, err := passwordcache.New(filepath.Join(dir, "password"))
	require.NoError(err)
	store, err := email.Open(filepath.Join(dir, "mail.db"), pc)
	require.NoError(err)
	defer store.Close()

	// Three fragments to A and one to B, as published by the outbox.
	impl := crypto.Default()
	kp, err := impl.GenerateKeyPair()
	require.NoError(err)
	frags, err := packet.Fragment(rand.Reader, uuid.New(), make([]byte, 40), 10)
	require.NoError(err)
	require.Len(frags, 4)
	e, err := email.New("", []string{"a@example.org"}, "", "x", time.Now())
	require.NoError(err)
	var eps []*packet.EncryptedEmailPacket
	for i, u := range frags {
		ep, err := packet.Encrypt(u, impl, kp.EncryptionPublic)
		require.NoError(err)
		require.NoError(dc.Store(ctx, ep))
		rcpt := "A"
		if i == 3 {
			rcpt = "B"
		}
		e.Metadata.AddFragment(rcpt, ep.Key, ep.DeleteVerificationHash)
		eps = append(eps, ep)
	}
	e.SetStatus(email.Status{Code: email.StatusSending})
	e.SetStatus(email.Status{Code: email.StatusEmailSent})
	require.NoError(store.Put(email.Sent, e))

	mock := clock.NewMock()
	c := New(Config{Enabled: true}, store, dc, mock, logBackend.GetLogger("delivery"))

	undelivered := func() int {
		got, err := store.Get(email.Sent, e.ID)
		require.NoError(err)
		return got.Metadata.UndeliveredRecipients()
	}

	require.NoError(c.CheckAll(ctx))
	require.Equal(2, undelivered())

	// A locked store is skipped.
	require.NoError(pc.SetPassword(nil, []byte("secret")))
	pc.Lock()
	require.NoError(c.CheckAll(ctx))
	require.NoError(pc.Unlock([]byte("secret")))

	// The recipient deletes fragments as it fetches them.
	expected := []int{2, 2, 1, 0}
	for i, ep := range eps {
		require.NoError(dc.Delete(ctx, &packet.EmailDeleteRequest{Key: ep.Key, DeleteAuthorization: frags[i].DeleteAuthorization}))
		require.NoError(c.CheckAll(ctx))
		require.Equal(expected[i], undelivered(), "after deleting fragment %d", i)
	}

	got, err := store.Get(email.Sent, e.ID)
	require.NoError(err)
	require.True(got.Metadata.IsDelivered())
	require.True(mock.Now().Equal(got.Metadata.Delivered))
}

// forgingClient answers every authorization query with a value that does
// not hash to the verification hash.
type forgingClient struct {
	*localdht.Client

	queries int
}

func (c *forgingClient) FindDeleteAuthorization(ctx context.Context, key, verify packet.Key) (packet.Key, error) {
	c.queries++
	return packet.NewRequestID(rand.Reader)
}

func TestForgedAuthorizationIgnored(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	store, err := email.Open(filepath.Join(dir, "mail.db"), nil)
	require.NoError(err)
	defer store.Close()

	frags, err := packet.Fragment(rand.Reader, uuid.New(), make([]byte, 10), 10)
	require.NoError(err)
	ep, err := packet.Encrypt(frags[0], crypto.Default(), newPublicKey(t))
	require.NoError(err)

	e, err := email.New("", []string{"a@example.org"}, "", "x", time.Now())
	require.NoError(err)
	e.Metadata.AddFragment("A", ep.Key, ep.DeleteVerificationHash)
	e.SetStatus(email.Status{Code: email.StatusSending})
	e.SetStatus(email.Status{Code: email.StatusEmailSent})
	require.NoError(store.Put(email.Sent, e))
	before, err := store.Get(email.Sent, e.ID)
	require.NoError(err)

	dc := &forgingClient{Client: localdht.New(1, logBackend.GetLogger("dht")).Join("sender")}
	dc.SetReady()
	c := New(Config{Enabled: true}, store, dc, clock.NewMock(), logBackend.GetLogger("delivery"))
	require.NoError(c.CheckAll(ctx))
	require.Equal(1, dc.queries)

	after, err := store.Get(email.Sent, e.ID)
	require.NoError(err)
	require.False(after.Metadata.IsDelivered())
	require.Equal(1, after.Metadata.UndeliveredRecipients())
	require.Equal(before.Metadata, after.Metadata)
}

func newPublicKey(t *testing.T) []byte {
	kp, err := crypto.Default().GenerateKeyPair()
	require.NoError(t, err)
	return kp.EncryptionPublic
}
