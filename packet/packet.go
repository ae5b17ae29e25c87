// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package packet implements the binary packet formats exchanged between
// dhtmail nodes and stored in the DHT.
//
// Every packet starts with a two byte header made of a type tag and a
// format version, followed by type specific fixed fields and length
// prefixed bodies.  A registry maps each type tag to its decoder so that
// Decode can dispatch on the first byte.
package packet

import (
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	"github.com/katzenpost/dhtmail/crypto"
)

// Type is the one byte packet type tag.
type Type byte

const (
	TypeEncryptedEmail     Type = 'E'
	TypeUnencryptedEmail   Type = 'U'
	TypeIndex              Type = 'I'
	TypeDeletionInfo       Type = 'T'
	TypeContact            Type = 'C'
	TypeStoreRequest       Type = 'S'
	TypeEmailDeleteRequest Type = 'D'
	TypeIndexDeleteRequest Type = 'X'
	TypeRelayRequest       Type = 'R'
	TypeRetrieveRequest    Type = 'Q'
	TypeDeletionQuery      Type = 'Y'
	TypeResponse           Type = 'N'
)

func (t Type) String() string {
	switch t {
	case TypeEncryptedEmail:
		return "EncryptedEmail"
	case TypeUnencryptedEmail:
		return "UnencryptedEmail"
	case TypeIndex:
		return "Index"
	case TypeDeletionInfo:
		return "DeletionInfo"
	case TypeContact:
		return "Contact"
	case TypeStoreRequest:
		return "StoreRequest"
	case TypeEmailDeleteRequest:
		return "EmailDeleteRequest"
	case TypeIndexDeleteRequest:
		return "IndexDeleteRequest"
	case TypeRelayRequest:
		return "RelayRequest"
	case TypeRetrieveRequest:
		return "RetrieveRequest"
	case TypeDeletionQuery:
		return "DeletionQuery"
	case TypeResponse:
		return "Response"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", byte(t))
	}
}

const (
	// Version is the only packet format version this implementation
	// reads and writes.
	Version = 1

	// HeaderSize is the size of the type tag plus version.
	HeaderSize = 2

	// KeySize is the size of a DHT key and of every hash carried in a
	// packet.
	KeySize = crypto.HashSize
)

var (
	ErrTruncated      = errors.New("packet: truncated")
	ErrTrailingData   = errors.New("packet: trailing data")
	ErrUnknownType    = errors.New("packet: unknown type")
	ErrInvalidVersion = errors.New("packet: unsupported version")
	ErrTooLarge       = errors.New("packet: field too large")
	ErrNotDataPacket  = errors.New("packet: not a storable data packet")
	ErrInvalidKey     = errors.New("packet: DHT key does not match content")
)

// Key is a DHT key or a hash value.
type Key [KeySize]byte

// String returns the base58 encoding of the key.
func (k Key) String() string {
	return base58.Encode(k[:])
}

// IsZero returns true iff the key is all zeros.
func (k Key) IsZero() bool {
	return k == Key{}
}

// KeyFromString decodes a base58 encoded key.
func KeyFromString(s string) (Key, error) {
	var k Key
	b, err := base58.Decode(s)
	if err != nil {
		return k, err
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("packet: invalid key length: %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Packet is any packet that can be serialized.
type Packet interface {
	Type() Type
	MarshalBinary() ([]byte, error)
}

// DataPacket is a packet that is addressable by a DHT key.
type DataPacket interface {
	Packet
	DHTKey() Key
}

// Expirable is implemented by data packets that carry a local store time.
type Expirable interface {
	StoreTime() time.Time
	SetStoreTime(time.Time)
}

// DeleteRequest is implemented by packets that ask a storage node to
// delete (part of) a stored data packet.
type DeleteRequest interface {
	Packet
	TargetKey() Key
	DataType() Type
}

// Decoder decodes the body (everything after the header) of a packet.
type Decoder func(body []byte) (Packet, error)

var registry = make(map[Type]Decoder)

// Register installs the decoder for the given packet type.  It must only be
// called from init functions.
func Register(t Type, d Decoder) {
	if _, ok := registry[t]; ok {
		panic(fmt.Sprintf("packet: duplicate registration for %v", t))
	}
	registry[t] = d
}

// Decode parses a serialized packet of any registered type.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return nil, ErrTruncated
	}
	t := Type(b[0])
	d, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, b[0])
	}
	if b[1] != Version {
		return nil, fmt.Errorf("%w: %v version %d", ErrInvalidVersion, t, b[1])
	}
	return d(b[HeaderSize:])
}

// DecodeData parses a serialized data packet.
func DecodeData(b []byte) (DataPacket, error) {
	p, err := Decode(b)
	if err != nil {
		return nil, err
	}
	dp, ok := p.(DataPacket)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotDataPacket, p.Type())
	}
	return dp, nil
}

// Sanitize returns a copy of p suitable for handing to a third party, with
// every local store time cleared.
func Sanitize(p DataPacket) DataPacket {
	switch v := p.(type) {
	case *EncryptedEmailPacket:
		c := *v
		c.storeTime = time.Time{}
		return &c
	case *IndexPacket:
		c := &IndexPacket{
			DestinationHash: v.DestinationHash,
			Entries:         make([]IndexEntry, len(v.Entries)),
		}
		for i, e := range v.Entries {
			e.StoreTime = time.Time{}
			c.Entries[i] = e
		}
		return c
	default:
		return p
	}
}
