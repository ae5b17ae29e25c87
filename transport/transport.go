// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport defines the datagram transport dhtmail runs over.
// Peers are identified by opaque address strings; delivery is unreliable
// and unordered.
package transport

import (
	"context"
	"errors"
)

var (
	ErrUnknownPeer = errors.New("transport: unknown peer")
	ErrTooLarge    = errors.New("transport: datagram too large")
	ErrClosed      = errors.New("transport: closed")
)

// Transport sends datagrams to peers.
type Transport interface {
	// Send hands a datagram to the transport.  A nil error does not mean
	// the datagram was received.
	Send(ctx context.Context, dest string, datagram []byte) error

	// LocalAddress returns the address other peers reach this node at.
	LocalAddress() string

	// MaxDatagramSize returns the largest datagram Send accepts.
	MaxDatagramSize() int
}

// Receiver is notified of every incoming datagram.
type Receiver interface {
	OnDatagram(sender string, datagram []byte)
}
