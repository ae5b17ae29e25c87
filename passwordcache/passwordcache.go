// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package passwordcache gates access to the local mail stores.  When a
// password is set, the stores stay locked until the password is entered
// and lock again when the cached key is dropped.
package passwordcache

import (
	"crypto/subtle"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/argon2"

	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/internal/fsutil"
)

const (
	keySize  = 32
	saltSize = 16
)

var (
	// ErrLocked is returned by every store operation while the password
	// is required but not cached.  Callers treat it as "try again later".
	ErrLocked = errors.New("passwordcache: store is locked")

	ErrWrongPassword = errors.New("passwordcache: wrong password")
)

type verifier struct {
	Salt []byte
	Hash []byte
}

func deriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, 3, 32*1024, 4, keySize)
}

func (v *verifier) check(password []byte) ([]byte, bool) {
	key := deriveKey(password, v.Salt)
	h := crypto.Hash(key)
	if subtle.ConstantTimeCompare(h[:], v.Hash) != 1 {
		return nil, false
	}
	return key, true
}

// Cache holds the key derived from the password while unlocked.
type Cache struct {
	mu sync.RWMutex

	path     string
	verifier *verifier
	key      []byte
}

// New loads the password verifier at path.  Without a verifier file no
// password is required and the cache is never locked.
func New(path string) (*Cache, error) {
	c := &Cache{path: path}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return c, nil
	case err != nil:
		return nil, err
	}
	v := new(verifier)
	if err := cbor.Unmarshal(b, v); err != nil {
		return nil, err
	}
	c.verifier = v
	return c, nil
}

// IsPasswordRequired returns true iff a password was set.
func (c *Cache) IsPasswordRequired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verifier != nil
}

// IsLocked returns true iff a password is required but not cached.
func (c *Cache) IsLocked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verifier != nil && c.key == nil
}

// Unlock caches the key derived from password.
func (c *Cache) Unlock(password []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verifier == nil {
		return nil
	}
	key, ok := c.verifier.check(password)
	if !ok {
		return ErrWrongPassword
	}
	c.key = key
	return nil
}

// Lock drops the cached key.
func (c *Cache) Lock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wipe()
}

func (c *Cache) wipe() {
	for i := range c.key {
		c.key[i] = 0
	}
	c.key = nil
}

// SetPassword replaces the password.  The current password must be given
// when one is set.  An empty new password removes the password.
func (c *Cache) SetPassword(old, password []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.verifier != nil {
		if _, ok := c.verifier.check(old); !ok {
			return ErrWrongPassword
		}
	}
	c.wipe()
	if len(password) == 0 {
		c.verifier = nil
		if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	key := deriveKey(password, salt)
	h := crypto.Hash(key)
	v := &verifier{Salt: salt, Hash: h[:]}
	b, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFile(c.path, b, 0600); err != nil {
		return err
	}
	c.verifier = v
	c.key = key
	return nil
}

// Check returns ErrLocked while the cache is locked.
func (c *Cache) Check() error {
	if c.IsLocked() {
		return ErrLocked
	}
	return nil
}
