// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/cipher"
	"fmt"
	gohash "hash"
	"io"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"gitlab.com/yawning/bsaes.git"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

const (
	x25519Ed25519ID = 1

	gcmNonceSize = 12
	gcmTagSize   = 16
	aesKeySize   = 32

	kdfInfo = "dhtmail x25519 aes-256-gcm v1"
)

// X25519Ed25519 encrypts with an ephemeral X25519 key agreement followed by
// AES-256-GCM, and signs with Ed25519.
var X25519Ed25519 Impl = &x25519Ed25519{
	nike: x25519.Scheme(rand.Reader),
	sign: ed25519.Scheme(),
}

type x25519Ed25519 struct {
	nike nike.Scheme
	sign sign.Scheme
}

func (s *x25519Ed25519) ID() byte {
	return x25519Ed25519ID
}

func (s *x25519Ed25519) Name() string {
	return "X25519-Ed25519-AES256GCM"
}

// Overhead is the ephemeral public key, the nonce and the GCM tag.
func (s *x25519Ed25519) Overhead() int {
	return s.nike.PublicKeySize() + gcmNonceSize + gcmTagSize
}

func (s *x25519Ed25519) EncryptionKeySize() int {
	return s.nike.PublicKeySize()
}

func (s *x25519Ed25519) SigningKeySize() int {
	return s.sign.PublicKeySize()
}

func (s *x25519Ed25519) SignatureSize() int {
	return s.sign.SignatureSize()
}

func (s *x25519Ed25519) GenerateKeyPair() (*KeyPair, error) {
	encPub, encPriv, err := s.nike.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	sigPub, sigPriv, err := s.sign.GenerateKey()
	if err != nil {
		return nil, err
	}
	sigPubBytes, err := sigPub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	sigPrivBytes, err := sigPriv.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		EncryptionPublic:  encPub.Bytes(),
		EncryptionPrivate: encPriv.Bytes(),
		SigningPublic:     sigPubBytes,
		SigningPrivate:    sigPrivBytes,
	}, nil
}

func (s *x25519Ed25519) aead(secret, ephemeral, recipient []byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, len(ephemeral)+len(recipient))
	salt = append(salt, ephemeral...)
	salt = append(salt, recipient...)
	kdf := hkdf.New(newBlake2b, secret, salt, []byte(kdfInfo))
	var key [aesKeySize]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, err
	}
	block, err := bsaes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *x25519Ed25519) Encrypt(publicKey, plaintext []byte) ([]byte, error) {
	recipient, err := s.nike.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	ephPub, ephPriv, err := s.nike.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer ephPriv.Reset()

	aead, err := s.aead(s.nike.DeriveSecret(ephPriv, recipient), ephPub.Bytes(), publicKey)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, s.Overhead()+len(plaintext))
	out = append(out, ephPub.Bytes()...)
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, ephPub.Bytes()), nil
}

func (s *x25519Ed25519) Decrypt(privateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < s.Overhead() {
		return nil, ErrDecryptFailed
	}
	priv, err := s.nike.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pkLen := s.nike.PublicKeySize()
	ephBytes := ciphertext[:pkLen]
	ephPub, err := s.nike.UnmarshalBinaryPublicKey(ephBytes)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	recipient := s.nike.DerivePublicKey(priv)

	aead, err := s.aead(s.nike.DeriveSecret(priv, ephPub), ephBytes, recipient.Bytes())
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[pkLen : pkLen+gcmNonceSize]
	pt, err := aead.Open(nil, nonce, ciphertext[pkLen+gcmNonceSize:], ephBytes)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

func (s *x25519Ed25519) Sign(privateKey, message []byte) ([]byte, error) {
	sk, err := s.sign.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return s.sign.Sign(sk, message, nil), nil
}

func (s *x25519Ed25519) Verify(publicKey, message, signature []byte) bool {
	pk, err := s.sign.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false
	}
	return s.sign.Verify(pk, message, signature, nil)
}

func newBlake2b() gohash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}
