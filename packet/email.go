// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/katzenpost/dhtmail/crypto"
)

const (
	// EncryptedEmailOverhead is the size of an encrypted fragment minus
	// its ciphertext.
	EncryptedEmailOverhead = HeaderSize + KeySize + 8 + KeySize + 1 + 2

	// UnencryptedEmailOverhead is the size of a plaintext fragment minus
	// its payload.
	UnencryptedEmailOverhead = HeaderSize + 16 + 2 + 2 + KeySize + KeySize + 2
)

var (
	ErrDeleteVerification = errors.New("packet: delete authorization does not match verification hash")
	ErrFragmentCount      = errors.New("packet: invalid fragment count")
)

// EncryptedEmailPacket is one encrypted email fragment as stored in the
// DHT.  Its key is the hash of its verification hash, crypto id and
// ciphertext, so any node can check that the content matches the key.
type EncryptedEmailPacket struct {
	Key                    Key
	DeleteVerificationHash Key
	CryptoID               byte
	Ciphertext             []byte

	storeTime time.Time
}

func (p *EncryptedEmailPacket) Type() Type {
	return TypeEncryptedEmail
}

func (p *EncryptedEmailPacket) DHTKey() Key {
	return p.Key
}

func (p *EncryptedEmailPacket) StoreTime() time.Time {
	return p.storeTime
}

func (p *EncryptedEmailPacket) SetStoreTime(t time.Time) {
	p.storeTime = t
}

func (p *EncryptedEmailPacket) computeKey() Key {
	return Key(crypto.Hash(p.DeleteVerificationHash[:], []byte{p.CryptoID}, p.Ciphertext))
}

// Verify returns nil iff the DHT key matches the packet content.
func (p *EncryptedEmailPacket) Verify() error {
	if p.computeKey() != p.Key {
		return ErrInvalidKey
	}
	return nil
}

func (p *EncryptedEmailPacket) MarshalBinary() ([]byte, error) {
	e := newEncoder(p.Type(), EncryptedEmailOverhead+len(p.Ciphertext))
	e.key(p.Key)
	e.time(p.storeTime)
	e.key(p.DeleteVerificationHash)
	e.u8(p.CryptoID)
	e.bytes16(p.Ciphertext)
	return e.finish()
}

func decodeEncryptedEmail(b []byte) (Packet, error) {
	d := &decoder{b: b}
	p := &EncryptedEmailPacket{}
	p.Key = d.key()
	p.storeTime = d.time()
	p.DeleteVerificationHash = d.key()
	p.CryptoID = d.u8()
	p.Ciphertext = d.bytes16()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// Encrypt encrypts a plaintext fragment to the given public encryption key.
func Encrypt(u *UnencryptedEmailPacket, impl crypto.Impl, publicKey []byte) (*EncryptedEmailPacket, error) {
	pt, err := u.MarshalBinary()
	if err != nil {
		return nil, err
	}
	ct, err := impl.Encrypt(publicKey, pt)
	if err != nil {
		return nil, fmt.Errorf("packet: failed to encrypt fragment: %w", err)
	}
	p := &EncryptedEmailPacket{
		DeleteVerificationHash: u.DeleteVerificationHash,
		CryptoID:               impl.ID(),
		Ciphertext:             ct,
	}
	p.Key = p.computeKey()
	return p, nil
}

// Decrypt decrypts the fragment and checks that the delete authorization
// it carries hashes to the published verification hash.
func (p *EncryptedEmailPacket) Decrypt(impl crypto.Impl, privateKey []byte) (*UnencryptedEmailPacket, error) {
	if impl.ID() != p.CryptoID {
		return nil, fmt.Errorf("packet: crypto id mismatch: %d != %d", impl.ID(), p.CryptoID)
	}
	pt, err := impl.Decrypt(privateKey, p.Ciphertext)
	if err != nil {
		return nil, err
	}
	raw, err := Decode(pt)
	if err != nil {
		return nil, err
	}
	u, ok := raw.(*UnencryptedEmailPacket)
	if !ok {
		return nil, fmt.Errorf("packet: unexpected inner packet: %v", raw.Type())
	}
	if !crypto.VerifyDeleteAuthorization(u.DeleteAuthorization, p.DeleteVerificationHash) {
		return nil, ErrDeleteVerification
	}
	u.DeleteVerificationHash = p.DeleteVerificationHash
	return u, nil
}

// UnencryptedEmailPacket is a plaintext email fragment.  It never leaves the
// local node unencrypted.
type UnencryptedEmailPacket struct {
	MessageID              uuid.UUID
	FragmentIndex          uint16
	NumFragments           uint16
	DeleteAuthorization    Key
	DeleteVerificationHash Key
	Payload                []byte
}

func (p *UnencryptedEmailPacket) Type() Type {
	return TypeUnencryptedEmail
}

func (p *UnencryptedEmailPacket) MarshalBinary() ([]byte, error) {
	e := newEncoder(p.Type(), UnencryptedEmailOverhead+len(p.Payload))
	e.buf = append(e.buf, p.MessageID[:]...)
	e.u16(p.FragmentIndex)
	e.u16(p.NumFragments)
	e.key(p.DeleteAuthorization)
	e.key(p.DeleteVerificationHash)
	e.bytes16(p.Payload)
	return e.finish()
}

func decodeUnencryptedEmail(b []byte) (Packet, error) {
	d := &decoder{b: b}
	p := &UnencryptedEmailPacket{}
	copy(p.MessageID[:], d.take(16))
	p.FragmentIndex = d.u16()
	p.NumFragments = d.u16()
	p.DeleteAuthorization = d.key()
	p.DeleteVerificationHash = d.key()
	p.Payload = d.bytes16()
	if err := d.finish(); err != nil {
		return nil, err
	}
	if p.NumFragments == 0 || p.FragmentIndex >= p.NumFragments {
		return nil, fmt.Errorf("%w: %d/%d", ErrFragmentCount, p.FragmentIndex, p.NumFragments)
	}
	return p, nil
}

// Fragment splits content into plaintext fragments carrying at most
// maxPayload bytes each.  Every fragment gets a fresh delete authorization.
func Fragment(rng io.Reader, messageID uuid.UUID, content []byte, maxPayload int) ([]*UnencryptedEmailPacket, error) {
	if maxPayload <= 0 {
		return nil, fmt.Errorf("packet: invalid maximum fragment size: %d", maxPayload)
	}
	n := (len(content) + maxPayload - 1) / maxPayload
	if n == 0 {
		n = 1
	}
	if n > 0xffff {
		return nil, fmt.Errorf("%w: %d", ErrFragmentCount, n)
	}
	frags := make([]*UnencryptedEmailPacket, 0, n)
	for i := 0; i < n; i++ {
		end := (i + 1) * maxPayload
		if end > len(content) {
			end = len(content)
		}
		auth, verify, err := crypto.NewDeleteAuthorization(rng)
		if err != nil {
			return nil, err
		}
		frags = append(frags, &UnencryptedEmailPacket{
			MessageID:              messageID,
			FragmentIndex:          uint16(i),
			NumFragments:           uint16(n),
			DeleteAuthorization:    auth,
			DeleteVerificationHash: verify,
			Payload:                append([]byte{}, content[i*maxPayload:end]...),
		})
	}
	return frags, nil
}

func init() {
	Register(TypeEncryptedEmail, decodeEncryptedEmail)
	Register(TypeUnencryptedEmail, decodeUnencryptedEmail)
}
