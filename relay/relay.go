// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay builds and peels relay chains.  A relay chain is a nested
// set of relay requests, each encrypted to one hop.  Every hop removes one
// layer, waits for the delay the layer carries, and forwards the inner
// request to the next hop.  The last hop stores the innermost data packet
// in the DHT.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/katzenpost/dhtmail/address"
	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/packet"
)

var (
	ErrNoHops       = errors.New("relay: empty relay chain")
	ErrDelayWindow  = errors.New("relay: invalid delay window")
	ErrNotStore     = errors.New("relay: terminal layer does not carry a store request")
	ErrNotRelay     = errors.New("relay: layer does not carry a relay request")
	ErrInvalidLayer = errors.New("relay: invalid relay layer")
)

// Params controls chain construction.
type Params struct {
	MinDelay        time.Duration
	MaxDelay        time.Duration
	ProofOfWorkBits int
}

func proofOfWorkSize(bits int) int {
	if bits > 0 {
		return crypto.ProofOfWorkSize
	}
	return 0
}

func destinationSize(impl crypto.Impl) int {
	return 1 + impl.EncryptionKeySize() + impl.SigningKeySize()
}

// StoreOverhead is the size of a store request minus its data packet.
func StoreOverhead(powBits int) int {
	return packet.RequestOverhead + proofOfWorkSize(powBits)
}

// HopOverhead is the number of bytes one non terminal hop adds around the
// request it carries.
func HopOverhead(impl crypto.Impl, powBits int) int {
	return packet.RequestOverhead + proofOfWorkSize(powBits) + impl.Overhead() +
		packet.RelayLayerOverhead + destinationSize(impl)
}

// Overhead is the number of bytes a chain of the given length adds around
// a data packet.  A zero length chain adds nothing since the data packet
// is stored directly.
func Overhead(impl crypto.Impl, hops, powBits int) int {
	if hops <= 0 {
		return 0
	}
	return hops*HopOverhead(impl, powBits) - destinationSize(impl) + StoreOverhead(powBits)
}

// NewStoreRequest wraps a data packet in a store request carrying a proof
// of work over the serialized packet.
func NewStoreRequest(ctx context.Context, data packet.DataPacket, powBits int) (*packet.StoreRequest, error) {
	b, err := data.MarshalBinary()
	if err != nil {
		return nil, err
	}
	pow, err := crypto.MintProofOfWork(ctx, b, powBits)
	if err != nil {
		return nil, err
	}
	return &packet.StoreRequest{ProofOfWork: pow, Data: packet.Sanitize(data)}, nil
}

// VerifyStoreRequest checks the proof of work of a store request.
func VerifyStoreRequest(req *packet.StoreRequest, powBits int) error {
	b, err := req.Data.MarshalBinary()
	if err != nil {
		return err
	}
	return crypto.VerifyProofOfWork(req.ProofOfWork, b, powBits)
}

// RandomDelay returns a delay drawn uniformly from [min, max], truncated to
// the millisecond resolution of the wire format.
func RandomDelay(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min.Truncate(time.Millisecond)
	}
	d := min + time.Duration(rng.Int63n(int64(max-min)+1))
	return d.Truncate(time.Millisecond)
}

// Wrap builds a relay chain delivering store through hops, in order.  The
// returned request is to be sent to hops[0].
func Wrap(ctx context.Context, rng *rand.Rand, store *packet.StoreRequest, hops []*address.Destination, p Params) (*packet.RelayRequest, error) {
	if len(hops) == 0 {
		return nil, ErrNoHops
	}
	if p.MinDelay < 0 || p.MaxDelay < p.MinDelay {
		return nil, fmt.Errorf("%w: [%v, %v]", ErrDelayWindow, p.MinDelay, p.MaxDelay)
	}

	inner, err := store.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var req *packet.RelayRequest
	for i := len(hops) - 1; i >= 0; i-- {
		hop := hops[i]
		impl, err := hop.Impl()
		if err != nil {
			return nil, err
		}
		layer := &packet.RelayLayer{
			Delay: RandomDelay(rng, p.MinDelay, p.MaxDelay),
			Inner: inner,
		}
		if i < len(hops)-1 {
			layer.NextHop = hops[i+1].Bytes()
		}
		pt, err := layer.MarshalBinary()
		if err != nil {
			return nil, err
		}
		ct, err := impl.Encrypt(hop.EncryptionKey, pt)
		if err != nil {
			return nil, err
		}
		pow, err := crypto.MintProofOfWork(ctx, ct, p.ProofOfWorkBits)
		if err != nil {
			return nil, err
		}
		req = &packet.RelayRequest{ProofOfWork: pow, Ciphertext: ct}
		if inner, err = req.MarshalBinary(); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// Unwrap checks the proof of work of req and decrypts its layer.
func Unwrap(req *packet.RelayRequest, impl crypto.Impl, privateKey []byte, powBits int) (*packet.RelayLayer, error) {
	if err := crypto.VerifyProofOfWork(req.ProofOfWork, req.Ciphertext, powBits); err != nil {
		return nil, err
	}
	pt, err := impl.Decrypt(privateKey, req.Ciphertext)
	if err != nil {
		return nil, err
	}
	layer, err := packet.UnmarshalRelayLayer(pt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayer, err)
	}
	return layer, nil
}

// NextHop returns the destination and the relay request a non terminal
// layer carries.
func NextHop(layer *packet.RelayLayer) (*address.Destination, *packet.RelayRequest, error) {
	dest, err := address.FromBytes(layer.NextHop)
	if err != nil {
		return nil, nil, err
	}
	p, err := packet.Decode(layer.Inner)
	if err != nil {
		return nil, nil, err
	}
	req, ok := p.(*packet.RelayRequest)
	if !ok {
		return nil, nil, fmt.Errorf("%w: got %v", ErrNotRelay, p.Type())
	}
	return dest, req, nil
}

// Terminal returns the store request a terminal layer carries.
func Terminal(layer *packet.RelayLayer) (*packet.StoreRequest, error) {
	p, err := packet.Decode(layer.Inner)
	if err != nil {
		return nil, err
	}
	req, ok := p.(*packet.StoreRequest)
	if !ok {
		return nil, fmt.Errorf("%w: got %v", ErrNotStore, p.Type())
	}
	return req, nil
}
