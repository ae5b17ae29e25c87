// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package dht defines the interface between dhtmail and the distributed
// hash table it publishes packets in.  The DHT is a lossy, best effort
// key/value service: every operation may fail or be interrupted, and
// stores are at least once.
package dht

import (
	"context"
	"errors"

	"github.com/katzenpost/dhtmail/packet"
)

var (
	// ErrNotFound is returned when no peer holds the requested key.
	ErrNotFound = errors.New("dht: not found")

	// ErrNotReady is returned when the client has not joined the DHT.
	ErrNotReady = errors.New("dht: not ready")
)

// StorageHandler is the local storage backing one packet type on this
// node.  It is implemented by *folder.Folder.
type StorageHandler interface {
	// StoreAndCreateDeleteRequest stores p, or returns a delete request
	// echoing the deletion ledger when p was already deleted.
	StoreAndCreateDeleteRequest(p packet.DataPacket) (packet.DeleteRequest, error)

	Retrieve(key packet.Key) (packet.DataPacket, error)

	ProcessDeleteRequest(req packet.DeleteRequest) int

	GetDeleteAuthorization(key packet.Key) (packet.Key, bool)
}

// Client is a DHT client.
type Client interface {
	// Store publishes p on the peers closest to its key.
	Store(ctx context.Context, p packet.DataPacket) error

	// FindOne returns one copy of the packet of type t stored under key.
	FindOne(ctx context.Context, key packet.Key, t packet.Type) (packet.DataPacket, error)

	// FindAll returns every distinct copy held by the closest peers.
	// Index packets should be merged by the caller.
	FindAll(ctx context.Context, key packet.Key, t packet.Type) ([]packet.DataPacket, error)

	// FindDeleteAuthorization asks peers for the authorization key was
	// deleted with.  Only a value hashing to verify is returned.
	FindDeleteAuthorization(ctx context.Context, key, verify packet.Key) (packet.Key, error)

	// Delete sends a delete request to the peers holding its target.
	Delete(ctx context.Context, req packet.DeleteRequest) error

	// SetStorageHandler registers the local storage for packets of type t.
	SetStorageHandler(t packet.Type, h StorageHandler)

	// IsReady returns true once the client is connected to the DHT.
	IsReady() bool

	// ReadyCh is closed once the client is connected to the DHT.
	ReadyCh() <-chan struct{}
}

// WaitReady blocks until c is ready or ctx is done.
func WaitReady(ctx context.Context, c Client) error {
	select {
	case <-c.ReadyCh():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
