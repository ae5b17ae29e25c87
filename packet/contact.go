// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/katzenpost/dhtmail/crypto"
)

// MaxContactNameLength is the longest public name a contact may carry.
const MaxContactNameLength = 255

var ErrContactName = errors.New("packet: invalid contact name")

// NormalizeName folds a public name so that lookups are case insensitive.
func NormalizeName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// ContactKey returns the DHT key under which the contact for name is
// stored.
func ContactKey(name string) Key {
	return Key(crypto.Hash([]byte(NormalizeName(name))))
}

// Contact is a signed directory entry binding a public name to a
// destination.
type Contact struct {
	Name        string
	Destination []byte
	Timestamp   time.Time
	Signature   []byte
}

func (p *Contact) Type() Type {
	return TypeContact
}

func (p *Contact) DHTKey() Key {
	return ContactKey(p.Name)
}

// SignedBytes returns the serialized contact without its signature.
func (p *Contact) SignedBytes() ([]byte, error) {
	e := p.encode(0)
	return e.finish()
}

func (p *Contact) encode(sigLen int) *encoder {
	e := newEncoder(p.Type(), 1+len(p.Name)+2+len(p.Destination)+8+2+sigLen)
	name := NormalizeName(p.Name)
	if len(name) == 0 || len(name) > MaxContactNameLength {
		e.fail(ErrContactName)
		return e
	}
	e.u8(uint8(len(name)))
	e.buf = append(e.buf, name...)
	e.bytes16(p.Destination)
	e.time(p.Timestamp)
	return e
}

func (p *Contact) MarshalBinary() ([]byte, error) {
	e := p.encode(len(p.Signature))
	e.bytes16(p.Signature)
	return e.finish()
}

func decodeContact(b []byte) (Packet, error) {
	d := &decoder{b: b}
	p := &Contact{}
	p.Name = string(d.take(int(d.u8())))
	p.Destination = d.bytes16()
	p.Timestamp = d.time()
	p.Signature = d.bytes16()
	if err := d.finish(); err != nil {
		return nil, err
	}
	if len(p.Name) == 0 {
		return nil, ErrContactName
	}
	return p, nil
}

func init() {
	Register(TypeContact, decodeContact)
}
