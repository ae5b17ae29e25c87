// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package sendqueue implements the outbound send scheduler.  A single
// worker drains a time ordered queue of datagrams and hands them to the
// transport one at a time, at no more than the configured bandwidth.
// Replies are matched to the batch that sent the request by the request
// id carried in the datagram envelope.
package sendqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/katzenpost/hpqc/rand"
	"gitlab.com/yawning/avl.git"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/core/worker"
	"github.com/katzenpost/dhtmail/instrument"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/transport"
)

// FailurePause is how long the worker idles after the transport fails to
// send a datagram.
const FailurePause = time.Second

var ErrHalted = errors.New("sendqueue: halted")

type entry struct {
	at       time.Time
	seq      uint64
	dest     string
	datagram []byte
	doneCh   chan struct{}
}

// Queue is the send scheduler.  Any goroutine may enqueue; only the queue's
// worker transmits.
type Queue struct {
	worker.Worker
	sync.Mutex

	log       *logging.Logger
	clock     clock.Clock
	transport transport.Transport
	maxKbps   int

	tree   *avl.Tree
	seq    uint64
	wakeCh chan struct{}

	pending map[packet.Key]*Batch
}

// New creates a queue sending through t at no more than maxKbps kilobits
// per second, or unlimited if maxKbps is zero, and starts its worker.
func New(t transport.Transport, maxKbps int, clk clock.Clock, log *logging.Logger) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	q := &Queue{
		log:       log,
		clock:     clk,
		transport: t,
		maxKbps:   maxKbps,
		wakeCh:    make(chan struct{}, 1),
		pending:   make(map[packet.Key]*Batch),
	}
	q.tree = avl.New(func(a, b interface{}) int {
		ea, eb := a.(*entry), b.(*entry)
		switch {
		case ea.at.Before(eb.at):
			return -1
		case ea.at.After(eb.at):
			return 1
		case ea.seq < eb.seq:
			return -1
		case ea.seq > eb.seq:
			return 1
		default:
			return 0
		}
	})
	q.Go(q.worker)
	return q
}

// Len returns the number of datagrams waiting to be sent.
func (q *Queue) Len() int {
	q.Lock()
	defer q.Unlock()
	return q.tree.Len()
}

// Send queues p for dest under a fresh request id.  The returned channel is
// closed once the datagram has been handed to the transport.
func (q *Queue) Send(p packet.Packet, dest string) (<-chan struct{}, error) {
	return q.SendAt(p, dest, time.Time{})
}

// SendAt is like Send but holds the datagram until at.
func (q *Queue) SendAt(p packet.Packet, dest string, at time.Time) (<-chan struct{}, error) {
	id, err := packet.NewRequestID(rand.Reader)
	if err != nil {
		return nil, err
	}
	return q.enqueue(id, p, dest, at)
}

// SendReply queues a response to the request with the given id.
func (q *Queue) SendReply(requestID packet.Key, p packet.Packet, dest string) (<-chan struct{}, error) {
	return q.enqueue(requestID, p, dest, time.Time{})
}

// SendBatch registers b so that replies to its requests are routed to it,
// and queues every request.  The returned channel is closed once all of
// them were handed to the transport.  The batch stays registered until
// RemoveBatch.
func (q *Queue) SendBatch(b *Batch) (<-chan struct{}, error) {
	b.Lock()
	reqs := append([]*request{}, b.requests...)
	b.Unlock()

	q.Lock()
	for _, r := range reqs {
		q.pending[r.id] = b
	}
	q.Unlock()

	doneChs := make([]<-chan struct{}, 0, len(reqs))
	for _, r := range reqs {
		ch, err := q.enqueue(r.id, r.packet, r.dest, r.at)
		if err != nil {
			q.RemoveBatch(b)
			return nil, err
		}
		doneChs = append(doneChs, ch)
	}

	allDone := make(chan struct{})
	go func() {
		defer close(allDone)
		for _, ch := range doneChs {
			select {
			case <-ch:
			case <-q.HaltCh():
				return
			}
		}
	}()
	return allDone, nil
}

// RemoveBatch stops routing replies to b.
func (q *Queue) RemoveBatch(b *Batch) {
	b.Lock()
	ids := make([]packet.Key, 0, len(b.requests))
	for _, r := range b.requests {
		ids = append(ids, r.id)
	}
	b.Unlock()

	q.Lock()
	defer q.Unlock()
	for _, id := range ids {
		if q.pending[id] == b {
			delete(q.pending, id)
		}
	}
}

// HandleResponse routes a response received from sender to the batch that
// sent the request.  It returns false if no registered batch is waiting for
// it.
func (q *Queue) HandleResponse(sender string, requestID packet.Key, resp *packet.ResponsePacket) bool {
	q.Lock()
	b, ok := q.pending[requestID]
	q.Unlock()
	if !ok {
		return false
	}
	return b.addResponse(sender, requestID, resp)
}

func (q *Queue) enqueue(id packet.Key, p packet.Packet, dest string, at time.Time) (<-chan struct{}, error) {
	if q.IsHalted() {
		return nil, ErrHalted
	}
	env := &packet.Envelope{RequestID: id, Packet: p}
	b, err := env.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if max := q.transport.MaxDatagramSize(); len(b) > max {
		return nil, fmt.Errorf("%w: %v is %d bytes, max %d", transport.ErrTooLarge, p.Type(), len(b), max)
	}

	e := &entry{
		at:       at,
		dest:     dest,
		datagram: b,
		doneCh:   make(chan struct{}),
	}
	q.Lock()
	q.seq++
	e.seq = q.seq
	q.tree.Insert(e)
	n := q.tree.Len()
	q.Unlock()
	instrument.SendQueueLength(n)

	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
	return e.doneCh, nil
}

// spacing returns how long to wait after sending n bytes to stay under the
// bandwidth cap.
func (q *Queue) spacing(n int) time.Duration {
	if q.maxKbps <= 0 {
		return 0
	}
	bits := time.Duration(n) * 8
	return bits * time.Second / time.Duration(q.maxKbps*1024)
}

// next removes and returns the first entry if it may be sent now.
// Otherwise it returns how long to wait, or a negative duration if the
// queue is empty.
func (q *Queue) next(notBefore time.Time) (*entry, time.Duration) {
	q.Lock()
	defer q.Unlock()

	node := q.tree.First()
	if node == nil {
		return nil, -1
	}
	e := node.Value.(*entry)
	sendAt := notBefore
	if e.at.After(sendAt) {
		sendAt = e.at
	}
	if wait := sendAt.Sub(q.clock.Now()); wait > 0 {
		return nil, wait
	}
	q.tree.Remove(node)
	return e, 0
}

// sleep waits for d, a wake up or halt.  A negative d waits without a
// timeout.  It returns false on halt.
func (q *Queue) sleep(d time.Duration, wakeable bool) bool {
	var timerCh <-chan time.Time
	if d >= 0 {
		t := q.clock.Timer(d)
		defer t.Stop()
		timerCh = t.C
	}
	var wakeCh <-chan struct{}
	if wakeable {
		wakeCh = q.wakeCh
	}
	select {
	case <-q.HaltCh():
		return false
	case <-wakeCh:
	case <-timerCh:
	}
	return true
}

func (q *Queue) worker() {
	defer q.log.Debugf("Terminating gracefully.")

	var notBefore time.Time
	for {
		e, wait := q.next(notBefore)
		if e == nil {
			if !q.sleep(wait, true) {
				return
			}
			continue
		}

		var sendErr error
		if err := worker.Safe(func() {
			sendErr = q.transport.Send(q.HaltContext(), e.dest, e.datagram)
		}); err != nil {
			sendErr = err
		}
		close(e.doneCh)
		instrument.SendQueueLength(q.Len())

		if sendErr != nil {
			if errors.Is(sendErr, context.Canceled) && q.IsHalted() {
				return
			}
			instrument.DatagramFailed()
			q.log.Warningf("Failed to send %d bytes to %v: %v", len(e.datagram), e.dest, sendErr)
			if !q.sleep(FailurePause, false) {
				return
			}
			continue
		}
		instrument.DatagramSent()
		notBefore = q.clock.Now().Add(q.spacing(len(e.datagram)))
	}
}

type request struct {
	id     packet.Key
	dest   string
	packet packet.Packet
	at     time.Time
}

// Response is a reply received for a request of a batch.
type Response struct {
	RequestID packet.Key
	Peer      string
	Packet    *packet.ResponsePacket
}

// Batch is a group of requests whose replies are collected together.
type Batch struct {
	sync.Mutex

	requests  []*request
	responses map[packet.Key]*Response
	updateCh  chan struct{}
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{
		responses: make(map[packet.Key]*Response),
		updateCh:  make(chan struct{}, 1),
	}
}

// Add adds a request for dest and returns its request id.
func (b *Batch) Add(p packet.Packet, dest string) (packet.Key, error) {
	return b.AddAt(p, dest, time.Time{})
}

// AddAt adds a request that is held until at.
func (b *Batch) AddAt(p packet.Packet, dest string, at time.Time) (packet.Key, error) {
	id, err := packet.NewRequestID(rand.Reader)
	if err != nil {
		return id, err
	}
	b.Lock()
	defer b.Unlock()
	b.requests = append(b.requests, &request{id: id, dest: dest, packet: p, at: at})
	return id, nil
}

// Len returns the number of requests.
func (b *Batch) Len() int {
	b.Lock()
	defer b.Unlock()
	return len(b.requests)
}

// Destination returns the peer a request was sent to.
func (b *Batch) Destination(requestID packet.Key) (string, bool) {
	b.Lock()
	defer b.Unlock()
	for _, r := range b.requests {
		if r.id == requestID {
			return r.dest, true
		}
	}
	return "", false
}

// Responses returns the replies received so far, in request order.
func (b *Batch) Responses() []*Response {
	b.Lock()
	defer b.Unlock()
	out := make([]*Response, 0, len(b.responses))
	for _, r := range b.requests {
		if resp, ok := b.responses[r.id]; ok {
			out = append(out, resp)
		}
	}
	return out
}

// Outcomes reports for every request destination whether it replied.
func (b *Batch) Outcomes() map[string]bool {
	b.Lock()
	defer b.Unlock()
	out := make(map[string]bool, len(b.requests))
	for _, r := range b.requests {
		_, ok := b.responses[r.id]
		out[r.dest] = out[r.dest] || ok
	}
	return out
}

func (b *Batch) addResponse(sender string, requestID packet.Key, p *packet.ResponsePacket) bool {
	b.Lock()
	defer b.Unlock()

	var req *request
	for _, r := range b.requests {
		if r.id == requestID {
			req = r
			break
		}
	}
	if req == nil || req.dest != sender {
		return false
	}
	if _, ok := b.responses[requestID]; ok {
		return true
	}
	b.responses[requestID] = &Response{RequestID: requestID, Peer: sender, Packet: p}
	select {
	case b.updateCh <- struct{}{}:
	default:
	}
	return true
}

func (b *Batch) complete(enough func([]*Response) bool) bool {
	return enough(b.Responses())
}

// Wait blocks until every request was answered, ctx is done or timeout
// passes, and returns the replies received.
func (b *Batch) Wait(ctx context.Context, timeout time.Duration) []*Response {
	return b.WaitFor(ctx, timeout, func(r []*Response) bool { return len(r) == b.Len() })
}

// WaitFor is like Wait but returns as soon as enough reports true for the
// replies received so far.
func (b *Batch) WaitFor(ctx context.Context, timeout time.Duration, enough func([]*Response) bool) []*Response {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for !b.complete(enough) {
		select {
		case <-b.updateCh:
		case <-t.C:
			return b.Responses()
		case <-ctx.Done():
			return b.Responses()
		}
	}
	return b.Responses()
}

// FirstWithData returns enough for WaitFor that stops at the first reply
// carrying a payload that accept takes.  A nil accept takes any payload.
func FirstWithData(accept func(*packet.ResponsePacket) bool) func([]*Response) bool {
	return func(rs []*Response) bool {
		for _, r := range rs {
			if r.Packet.Status != packet.StatusOK || len(r.Packet.Payload) == 0 {
				continue
			}
			if accept == nil || accept(r.Packet) {
				return true
			}
		}
		return false
	}
}
