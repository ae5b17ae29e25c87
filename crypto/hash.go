// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/subtle"
	"io"

	"github.com/katzenpost/hpqc/hash"
)

// HashSize is the size of every hash produced by Hash.
const HashSize = hash.HashSize

// Hash returns the BLAKE2b-256 digest of the concatenation of data.
func Hash(data ...[]byte) [HashSize]byte {
	if len(data) == 1 {
		return hash.Sum256(data[0])
	}
	n := 0
	for _, d := range data {
		n += len(d)
	}
	buf := make([]byte, 0, n)
	for _, d := range data {
		buf = append(buf, d...)
	}
	return hash.Sum256(buf)
}

// NewDeleteAuthorization returns a random delete authorization and the
// verification hash that is published in its place.
func NewDeleteAuthorization(rng io.Reader) (auth, verify [HashSize]byte, err error) {
	if _, err = io.ReadFull(rng, auth[:]); err != nil {
		return
	}
	verify = Hash(auth[:])
	return
}

// VerifyDeleteAuthorization returns true iff auth hashes to verify.
func VerifyDeleteAuthorization(auth, verify [HashSize]byte) bool {
	h := Hash(auth[:])
	return subtle.ConstantTimeCompare(h[:], verify[:]) == 1
}
