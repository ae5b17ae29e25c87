// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"context"
	"encoding/binary"
	"errors"
	"math/bits"
)

// ProofOfWorkSize is the size of a non empty proof of work token.
const ProofOfWorkSize = 8

// MaxProofOfWorkBits bounds the difficulty a node may demand.
const MaxProofOfWorkBits = 32

var ErrProofOfWork = errors.New("crypto: invalid proof of work")

var powDomain = []byte("dhtmail pow v1")

func leadingZeroBits(h [HashSize]byte) int {
	n := 0
	for _, b := range h {
		if b == 0 {
			n += 8
			continue
		}
		return n + bits.LeadingZeros8(b)
	}
	return n
}

// MintProofOfWork searches for a nonce such that the hash of the nonce and
// body has at least difficulty leading zero bits.  A difficulty of zero
// yields an empty token.
func MintProofOfWork(ctx context.Context, body []byte, difficulty int) ([]byte, error) {
	if difficulty <= 0 {
		return nil, nil
	}
	if difficulty > MaxProofOfWorkBits {
		return nil, ErrProofOfWork
	}
	token := make([]byte, ProofOfWorkSize)
	for nonce := uint64(0); ; nonce++ {
		if nonce&0xffff == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		binary.BigEndian.PutUint64(token, nonce)
		if leadingZeroBits(Hash(powDomain, token, body)) >= difficulty {
			return token, nil
		}
	}
}

// VerifyProofOfWork checks a token minted by MintProofOfWork.
func VerifyProofOfWork(token, body []byte, difficulty int) error {
	if difficulty <= 0 {
		return nil
	}
	if len(token) != ProofOfWorkSize {
		return ErrProofOfWork
	}
	if leadingZeroBits(Hash(powDomain, token, body)) < difficulty {
		return ErrProofOfWork
	}
	return nil
}
