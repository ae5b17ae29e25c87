// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package sendqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/packet"
)

type sent struct {
	at       time.Time
	dest     string
	datagram []byte
}

type recordingTransport struct {
	sync.Mutex

	sent []sent
	fail map[string]bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{fail: make(map[string]bool)}
}

func (t *recordingTransport) Send(ctx context.Context, dest string, b []byte) error {
	t.Lock()
	defer t.Unlock()
	if t.fail[dest] {
		return errors.New("unreachable")
	}
	t.sent = append(t.sent, sent{at: time.Now(), dest: dest, datagram: b})
	return nil
}

func (t *recordingTransport) LocalAddress() string {
	return "self"
}

func (t *recordingTransport) MaxDatagramSize() int {
	return 32 * 1024
}

func (t *recordingTransport) Sent() []sent {
	t.Lock()
	defer t.Unlock()
	return append([]sent{}, t.sent...)
}

// unit returns a packet whose datagram is exactly n bytes.
func unit(n int) packet.Packet {
	return &packet.ResponsePacket{
		Status:  packet.StatusOK,
		Payload: make([]byte, n-packet.EnvelopeOverhead-packet.ResponseOverhead),
	}
}

func TestBandwidthSpacing(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tr := newRecordingTransport()
	q := New(tr, 64, nil, log.NewDiscard().GetLogger("sendqueue"))
	defer q.Halt()

	const (
		unitSize = 800
		units    = 5
	)
	// 800 * 8 * 1000 / (64 * 1024) = 97.66 ms
	require.InDelta(97.66, float64(q.spacing(unitSize))/float64(time.Millisecond), 0.01)

	var last <-chan struct{}
	for i := 0; i < units; i++ {
		ch, err := q.Send(unit(unitSize), "peer")
		require.NoError(err)
		last = ch
	}
	select {
	case <-last:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the queue to drain")
	}

	s := tr.Sent()
	require.Len(s, units)
	for i := 1; i < len(s); i++ {
		require.Len(s[i].datagram, unitSize)
		gap := s[i].at.Sub(s[i-1].at)
		require.GreaterOrEqual(gap, 90*time.Millisecond)
		require.LessOrEqual(gap, 200*time.Millisecond)
	}
}

func TestOrdering(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tr := newRecordingTransport()
	q := New(tr, 0, nil, log.NewDiscard().GetLogger("sendqueue"))
	defer q.Halt()

	now := time.Now()
	delayed, err := q.SendAt(unit(100), "late", now.Add(150*time.Millisecond))
	require.NoError(err)
	var last <-chan struct{}
	for _, dest := range []string{"a", "b", "c"} {
		last, err = q.Send(unit(100), dest)
		require.NoError(err)
	}
	<-last
	<-delayed

	s := tr.Sent()
	require.Len(s, 4)
	require.Equal([]string{"a", "b", "c", "late"}, []string{s[0].dest, s[1].dest, s[2].dest, s[3].dest})
	require.False(s[3].at.Before(now.Add(150 * time.Millisecond)))
}

func TestFailureDoesNotStopWorker(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tr := newRecordingTransport()
	tr.fail["down"] = true
	q := New(tr, 0, nil, log.NewDiscard().GetLogger("sendqueue"))
	defer q.Halt()

	failed, err := q.Send(unit(100), "down")
	require.NoError(err)
	ok, err := q.Send(unit(100), "up")
	require.NoError(err)
	<-failed
	select {
	case <-ok:
	case <-time.After(5 * time.Second):
		t.Fatal("worker stopped after a failed send")
	}
	s := tr.Sent()
	require.Len(s, 1)
	require.Equal("up", s[0].dest)
}

func TestTooLarge(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New(newRecordingTransport(), 0, nil, log.NewDiscard().GetLogger("sendqueue"))
	defer q.Halt()
	_, err := q.Send(unit(40*1024), "peer")
	require.Error(err)
	require.Equal(0, q.Len())
}

func TestBatchResponses(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tr := newRecordingTransport()
	q := New(tr, 0, nil, log.NewDiscard().GetLogger("sendqueue"))
	defer q.Halt()

	b := NewBatch()
	idA, err := b.Add(&packet.DeletionQuery{}, "a")
	require.NoError(err)
	idB, err := b.Add(&packet.DeletionQuery{}, "b")
	require.NoError(err)
	require.Equal(2, b.Len())

	done, err := q.SendBatch(b)
	require.NoError(err)
	<-done

	// Requests went out under the ids of the batch.
	for _, s := range tr.Sent() {
		env, err := packet.UnmarshalEnvelope(s.datagram)
		require.NoError(err)
		dest, ok := b.Destination(env.RequestID)
		require.True(ok)
		require.Equal(s.dest, dest)
	}

	resp := &packet.ResponsePacket{Status: packet.StatusNoDataFound}
	require.False(q.HandleResponse("b", idA, resp), "sender must match the request destination")
	require.True(q.HandleResponse("a", idA, resp))
	require.False(q.HandleResponse("a", packet.Key{1}, resp))

	ctx := context.Background()
	got := b.Wait(ctx, 20*time.Millisecond)
	require.Len(got, 1)
	require.Equal(map[string]bool{"a": true, "b": false}, b.Outcomes())

	go q.HandleResponse("b", idB, &packet.ResponsePacket{Status: packet.StatusOK, Payload: []byte("x")})
	got = b.WaitFor(ctx, 5*time.Second, FirstWithData(nil))
	require.Len(got, 2)

	// A payload the caller rejects does not end the wait.
	rejectAll := func(*packet.ResponsePacket) bool { return false }
	require.Len(b.WaitFor(ctx, 20*time.Millisecond, FirstWithData(rejectAll)), 2)
	require.True(FirstWithData(func(r *packet.ResponsePacket) bool { return string(r.Payload) == "x" })(got))

	q.RemoveBatch(b)
	require.False(q.HandleResponse("a", idA, resp))
}
