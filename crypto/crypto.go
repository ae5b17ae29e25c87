// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto provides the cryptographic capability used by dhtmail:
// public key encryption and signatures behind the algorithm agnostic Impl
// interface, the hash used for delete authorizations and DHT keys, and
// proof of work tokens for relay and store requests.
package crypto

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownImpl   = errors.New("crypto: unknown crypto implementation")
	ErrInvalidKey    = errors.New("crypto: invalid key")
	ErrDecryptFailed = errors.New("crypto: decryption failed")
)

// KeyPair holds the serialized encryption and signing keys of one
// identity.
type KeyPair struct {
	EncryptionPublic  []byte
	EncryptionPrivate []byte
	SigningPublic     []byte
	SigningPrivate    []byte
}

// Impl is a public key encryption and signature suite.
type Impl interface {
	// ID is the one byte identifier of the suite used in packets and
	// destinations.
	ID() byte

	Name() string

	// Overhead is the number of bytes Encrypt adds to a plaintext.
	Overhead() int

	EncryptionKeySize() int
	SigningKeySize() int
	SignatureSize() int

	GenerateKeyPair() (*KeyPair, error)

	// Encrypt encrypts plaintext to the serialized public encryption key.
	Encrypt(publicKey, plaintext []byte) ([]byte, error)

	// Decrypt decrypts ciphertext with the serialized private encryption
	// key.
	Decrypt(privateKey, ciphertext []byte) ([]byte, error)

	Sign(privateKey, message []byte) ([]byte, error)
	Verify(publicKey, message, signature []byte) bool
}

var impls = map[byte]Impl{}

func register(i Impl) {
	if _, ok := impls[i.ID()]; ok {
		panic(fmt.Sprintf("crypto: duplicate implementation id %d", i.ID()))
	}
	impls[i.ID()] = i
}

// ByID returns the suite with the given identifier.
func ByID(id byte) (Impl, error) {
	i, ok := impls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownImpl, id)
	}
	return i, nil
}

// Default returns the suite used for new identities.
func Default() Impl {
	return X25519Ed25519
}

func init() {
	register(X25519Ed25519)
}
