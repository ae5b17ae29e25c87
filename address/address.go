// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package address implements dhtmail destinations, the mail addresses
// derived from them, local identities and signed contact entries.
package address

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/mr-tron/base58"
	"golang.org/x/net/idna"

	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/packet"
)

// Domain is the mail domain of addresses inside the network.
const Domain = "dht"

// AnonymousSender is the sender name used for mail without an identity.
const AnonymousSender = "Anonymous"

var (
	ErrInvalidDestination = errors.New("address: invalid destination")
	ErrInvalidRecipient   = errors.New("address: invalid recipient")
)

// Destination is the public half of an identity: the keys mail is
// encrypted to and contacts are verified with.
type Destination struct {
	CryptoID      byte
	EncryptionKey []byte
	SigningKey    []byte
}

// Impl returns the crypto implementation of the destination.
func (d *Destination) Impl() (crypto.Impl, error) {
	return crypto.ByID(d.CryptoID)
}

// Bytes serializes the destination.
func (d *Destination) Bytes() []byte {
	b := make([]byte, 0, 1+len(d.EncryptionKey)+len(d.SigningKey))
	b = append(b, d.CryptoID)
	b = append(b, d.EncryptionKey...)
	return append(b, d.SigningKey...)
}

// FromBytes deserializes a destination.
func FromBytes(b []byte) (*Destination, error) {
	if len(b) < 1 {
		return nil, ErrInvalidDestination
	}
	impl, err := crypto.ByID(b[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	encLen, sigLen := impl.EncryptionKeySize(), impl.SigningKeySize()
	if len(b) != 1+encLen+sigLen {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidDestination, len(b))
	}
	return &Destination{
		CryptoID:      b[0],
		EncryptionKey: append([]byte{}, b[1:1+encLen]...),
		SigningKey:    append([]byte{}, b[1+encLen:]...),
	}, nil
}

// String returns the base58 encoding of the destination.
func (d *Destination) String() string {
	return base58.Encode(d.Bytes())
}

// Parse decodes a base58 destination.
func Parse(s string) (*Destination, error) {
	b, err := base58.Decode(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	return FromBytes(b)
}

// Hash returns the DHT key of the destination's index packet.
func (d *Destination) Hash() packet.Key {
	return packet.Key(crypto.Hash(d.Bytes()))
}

// Equal returns true iff both destinations hold the same keys.
func (d *Destination) Equal(o *Destination) bool {
	return o != nil && d.CryptoID == o.CryptoID &&
		bytes.Equal(d.EncryptionKey, o.EncryptionKey) &&
		bytes.Equal(d.SigningKey, o.SigningKey)
}

// EmailAddress returns the mail address of the destination.
func (d *Destination) EmailAddress() string {
	return d.String() + "@" + Domain
}

// Recipient is one parsed recipient of an outgoing email.
type Recipient struct {
	// Address is the canonical mail address.
	Address string

	// Destination is nil for foreign recipients.
	Destination *Destination
}

// IsForeign returns true iff the recipient is outside the network.
func (r *Recipient) IsForeign() bool {
	return r.Destination == nil
}

// ParseRecipient parses an RFC 5322 address or a bare destination.
func ParseRecipient(s string) (*Recipient, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidRecipient
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		d, err := Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, s)
		}
		return &Recipient{Address: d.EmailAddress(), Destination: d}, nil
	}
	local, domain, ok := strings.Cut(addr.Address, "@")
	if !ok || local == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, s)
	}
	if strings.EqualFold(domain, Domain) {
		d, err := Parse(local)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, s, err)
		}
		return &Recipient{Address: d.EmailAddress(), Destination: d}, nil
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, s, err)
	}
	return &Recipient{Address: local + "@" + ascii}, nil
}

// IsAnonymous returns true iff the sender field names no identity.
func IsAnonymous(sender string) bool {
	sender = strings.TrimSpace(sender)
	return sender == "" || strings.EqualFold(sender, AnonymousSender)
}
