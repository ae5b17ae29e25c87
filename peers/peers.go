// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package peers tracks how reliably relay candidates answer requests and
// picks relay chains from the reliable ones.
package peers

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	// WindowSize is the number of most recent outcomes kept per peer.
	WindowSize = 20

	// MinSamples is the number of outcomes below which a peer is given the
	// benefit of the doubt.
	MinSamples = 5

	// MinReachability is the reachability a peer with enough samples must
	// have to be picked for a relay chain.
	MinReachability = 0.5

	peersBucket = "relay_peers"
)

var ErrNotEnoughPeers = errors.New("peers: not enough relay peers")

// Peer is a relay candidate with its recent request outcomes.
type Peer struct {
	Address string
	Samples []bool
}

// Reachability is the fraction of requests the peer answered, or zero
// without samples.
func (p *Peer) Reachability() float64 {
	if len(p.Samples) == 0 {
		return 0
	}
	n := 0
	for _, ok := range p.Samples {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(p.Samples))
}

func (p *Peer) isGood() bool {
	return len(p.Samples) < MinSamples || p.Reachability() >= MinReachability
}

func (p *Peer) record(responded bool) {
	p.Samples = append(p.Samples, responded)
	if len(p.Samples) > WindowSize {
		p.Samples = append([]bool{}, p.Samples[len(p.Samples)-WindowSize:]...)
	}
}

// Tracker holds the relay candidates known to this node.
type Tracker struct {
	sync.Mutex

	local string
	peers map[string]*Peer
}

// New returns an empty tracker.  The local address is never picked as a
// relay.
func New(localAddress string) *Tracker {
	return &Tracker{
		local: localAddress,
		peers: make(map[string]*Peer),
	}
}

// Add adds relay candidates.  Known peers keep their samples.
func (t *Tracker) Add(addrs ...string) {
	t.Lock()
	defer t.Unlock()
	for _, a := range addrs {
		if a == "" || a == t.local {
			continue
		}
		if _, ok := t.peers[a]; !ok {
			t.peers[a] = &Peer{Address: a}
		}
	}
}

// Remove forgets a peer.
func (t *Tracker) Remove(addr string) {
	t.Lock()
	defer t.Unlock()
	delete(t.peers, addr)
}

// RecordOutcome records whether a peer answered a request.
func (t *Tracker) RecordOutcome(addr string, responded bool) {
	t.Lock()
	defer t.Unlock()
	p, ok := t.peers[addr]
	if !ok {
		return
	}
	p.record(responded)
}

// Reachability returns the reachability of a peer.
func (t *Tracker) Reachability(addr string) float64 {
	t.Lock()
	defer t.Unlock()
	if p, ok := t.peers[addr]; ok {
		return p.Reachability()
	}
	return 0
}

// Len returns the number of known peers.
func (t *Tracker) Len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.peers)
}

// All returns a copy of every peer, ordered by address.
func (t *Tracker) All() []Peer {
	t.Lock()
	defer t.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, Peer{Address: p.Address, Samples: append([]bool{}, p.Samples...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// PickChain returns n distinct peers in random order.  Good peers are
// preferred; if there are fewer than n of them any known peer may be
// used.
func (t *Tracker) PickChain(rng *rand.Rand, n int) ([]string, error) {
	t.Lock()
	defer t.Unlock()

	var good, all []string
	for addr, p := range t.peers {
		all = append(all, addr)
		if p.isGood() {
			good = append(good, addr)
		}
	}
	pool := good
	if len(pool) < n {
		pool = all
	}
	if len(pool) < n {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughPeers, len(pool), n)
	}
	sort.Strings(pool)
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:n], nil
}

// Save persists every peer into the bucket of db.
func (t *Tracker) Save(db *bolt.DB) error {
	peers := t.All()
	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(peersBucket)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		bkt, err := tx.CreateBucket([]byte(peersBucket))
		if err != nil {
			return err
		}
		for _, p := range peers {
			b, err := cbor.Marshal(p.Samples)
			if err != nil {
				return err
			}
			if err := bkt.Put([]byte(p.Address), b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load adds the peers persisted in db.
func (t *Tracker) Load(db *bolt.DB) error {
	loaded := make(map[string][]bool)
	if err := db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(peersBucket))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			var samples []bool
			if err := cbor.Unmarshal(v, &samples); err != nil {
				return err
			}
			loaded[string(k)] = samples
			return nil
		})
	}); err != nil {
		return err
	}

	t.Lock()
	defer t.Unlock()
	for addr, samples := range loaded {
		if addr == t.local {
			continue
		}
		if len(samples) > WindowSize {
			samples = samples[len(samples)-WindowSize:]
		}
		t.peers[addr] = &Peer{Address: addr, Samples: samples}
	}
	return nil
}
