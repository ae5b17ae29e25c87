// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/address"
	"github.com/katzenpost/dhtmail/core/queue"
	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/instrument"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/sendqueue"
)

const (
	// 2^23 bits, 1 MiB.
	replayFilterSize = 23
	replayFilterFPR  = 0.001

	storeTimeout = 2 * time.Minute
)

// HandlerConfig configures a relay peer.
type HandlerConfig struct {
	// Identity holds the keys relay layers addressed to this node are
	// encrypted to.
	Identity *address.Identity

	// ProofOfWorkBits is the difficulty requests must meet.
	ProofOfWorkBits int

	// MaxDelay caps the delay a layer may ask for.
	MaxDelay time.Duration
}

// Handler is the relay peer side: it peels one layer off incoming relay
// requests, holds them for the requested delay and passes them on.
type Handler struct {
	log   *logging.Logger
	clock clock.Clock

	cfg  HandlerConfig
	impl crypto.Impl

	queue  *sendqueue.Queue
	dht    dht.Client
	stores *queue.TimerQueue[*packet.StoreRequest]

	filterMu sync.Mutex
	filter   *bloom.Filter
}

// NewHandler creates a relay handler forwarding through q and storing
// through d.
func NewHandler(cfg HandlerConfig, q *sendqueue.Queue, d dht.Client, clk clock.Clock, log *logging.Logger) (*Handler, error) {
	if clk == nil {
		clk = clock.New()
	}
	impl, err := cfg.Identity.Impl()
	if err != nil {
		return nil, err
	}
	h := &Handler{
		log:   log,
		clock: clk,
		cfg:   cfg,
		impl:  impl,
		queue: q,
		dht:   d,
	}
	if h.filter, err = bloom.New(rand.Reader, replayFilterSize, replayFilterFPR); err != nil {
		return nil, err
	}
	h.stores = queue.NewTimerQueue(clk, h.store, func(err error) {
		h.log.Errorf("Delayed store failed: %v", err)
	})
	return h, nil
}

// Halt stops the handler.  Delayed stores that are not yet due are
// dropped.
func (h *Handler) Halt() {
	h.stores.Halt()
}

// Address returns the transport address relay requests for this node are
// sent to.
func (h *Handler) Address() string {
	return h.cfg.Identity.Destination().String()
}

// PendingStores returns the number of delayed stores not yet due.
func (h *Handler) PendingStores() int {
	return h.stores.Len()
}

func (h *Handler) isReplay(ciphertext []byte) bool {
	tag := crypto.Hash(ciphertext)

	h.filterMu.Lock()
	defer h.filterMu.Unlock()
	if h.filter.Entries() >= h.filter.MaxEntries() {
		// Saturated filters give too many false replays, start over.
		f, err := bloom.New(rand.Reader, replayFilterSize, replayFilterFPR)
		if err != nil {
			h.log.Errorf("Failed to rotate replay filter: %v", err)
			return true
		}
		h.filter = f
	}
	return h.filter.TestAndSet(tag[:])
}

func (h *Handler) reply(sender string, reqID packet.Key, status packet.Status) {
	resp := &packet.ResponsePacket{Status: status}
	if _, err := h.queue.SendReply(reqID, resp, sender); err != nil {
		h.log.Debugf("Failed to queue reply to %v: %v", sender, err)
	}
}

func (h *Handler) delay(d time.Duration) time.Duration {
	if h.cfg.MaxDelay > 0 && d > h.cfg.MaxDelay {
		return h.cfg.MaxDelay
	}
	return d
}

// HandleRelayRequest processes a relay request received from sender.
func (h *Handler) HandleRelayRequest(sender string, reqID packet.Key, req *packet.RelayRequest) {
	instrument.RelayRequest()

	if h.isReplay(req.Ciphertext) {
		h.log.Debugf("Dropping replayed relay request from %v", sender)
		instrument.RelayRequestDropped("replay")
		return
	}

	layer, err := Unwrap(req, h.impl, h.cfg.Identity.Keys.EncryptionPrivate, h.cfg.ProofOfWorkBits)
	switch {
	case errors.Is(err, crypto.ErrProofOfWork):
		instrument.RelayRequestDropped("proof_of_work")
		h.reply(sender, reqID, packet.StatusInvalidProofOfWork)
		return
	case err != nil:
		h.log.Debugf("Dropping relay request from %v: %v", sender, err)
		instrument.RelayRequestDropped("invalid")
		h.reply(sender, reqID, packet.StatusInvalidPacket)
		return
	}

	at := h.clock.Now().Add(h.delay(layer.Delay))
	if layer.IsTerminal() {
		store, err := Terminal(layer)
		if err == nil {
			err = VerifyStoreRequest(store, h.cfg.ProofOfWorkBits)
		}
		if err != nil {
			h.log.Debugf("Dropping terminal relay layer from %v: %v", sender, err)
			instrument.RelayRequestDropped("invalid_store")
			h.reply(sender, reqID, packet.StatusInvalidPacket)
			return
		}
		h.stores.Push(at, store)
		h.reply(sender, reqID, packet.StatusOK)
		return
	}

	next, inner, err := NextHop(layer)
	if err != nil {
		h.log.Debugf("Dropping relay layer from %v: %v", sender, err)
		instrument.RelayRequestDropped("invalid_hop")
		h.reply(sender, reqID, packet.StatusInvalidPacket)
		return
	}
	if _, err := h.queue.SendAt(inner, next.String(), at); err != nil {
		h.log.Warningf("Failed to queue relay request for %v: %v", next, err)
		h.reply(sender, reqID, packet.StatusGeneralError)
		return
	}
	h.reply(sender, reqID, packet.StatusOK)
}

func (h *Handler) store(req *packet.StoreRequest) {
	ctx, cancel := context.WithTimeout(h.stores.HaltContext(), storeTimeout)
	defer cancel()
	if err := h.dht.Store(ctx, req.Data); err != nil {
		h.log.Warningf("Failed to store %v %v: %v", req.Data.Type(), req.Data.DHTKey(), err)
		return
	}
	h.log.Debugf("Stored %v %v", req.Data.Type(), req.Data.DHTKey())
}
