// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package address

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/internal/fsutil"
	"github.com/katzenpost/dhtmail/packet"
)

var (
	ErrNoSuchIdentity    = errors.New("address: no such identity")
	ErrDuplicateIdentity = errors.New("address: duplicate identity")
	ErrInvalidSignature  = errors.New("address: invalid contact signature")
)

// Identity is a local mail identity holding private keys.
type Identity struct {
	PublicName  string
	Description string
	CryptoID    byte
	Keys        crypto.KeyPair
}

// NewIdentity generates a fresh identity with the default crypto suite.
func NewIdentity(publicName string) (*Identity, error) {
	impl := crypto.Default()
	kp, err := impl.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Identity{
		PublicName: publicName,
		CryptoID:   impl.ID(),
		Keys:       *kp,
	}, nil
}

// Destination returns the public destination of the identity.
func (id *Identity) Destination() *Destination {
	return &Destination{
		CryptoID:      id.CryptoID,
		EncryptionKey: id.Keys.EncryptionPublic,
		SigningKey:    id.Keys.SigningPublic,
	}
}

// Impl returns the crypto implementation of the identity.
func (id *Identity) Impl() (crypto.Impl, error) {
	return crypto.ByID(id.CryptoID)
}

// EmailAddress returns the mail address of the identity including its
// public name.
func (id *Identity) EmailAddress() string {
	addr := id.Destination().EmailAddress()
	if id.PublicName == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", id.PublicName, addr)
}

// NewContact returns a signed directory entry for the identity.
func NewContact(id *Identity, now time.Time) (*packet.Contact, error) {
	impl, err := id.Impl()
	if err != nil {
		return nil, err
	}
	c := &packet.Contact{
		Name:        id.PublicName,
		Destination: id.Destination().Bytes(),
		Timestamp:   time.UnixMilli(now.UnixMilli()),
	}
	msg, err := c.SignedBytes()
	if err != nil {
		return nil, err
	}
	if c.Signature, err = impl.Sign(id.Keys.SigningPrivate, msg); err != nil {
		return nil, err
	}
	return c, nil
}

// VerifyContact checks the signature of a directory entry against the
// signing key of the destination it names.
func VerifyContact(c *packet.Contact) error {
	d, err := FromBytes(c.Destination)
	if err != nil {
		return err
	}
	impl, err := d.Impl()
	if err != nil {
		return err
	}
	msg, err := c.SignedBytes()
	if err != nil {
		return err
	}
	if !impl.Verify(d.SigningKey, msg, c.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// IdentityStore is the set of local identities persisted in one file.
type IdentityStore struct {
	sync.RWMutex

	path       string
	identities []*Identity
}

// LoadIdentityStore opens the identity file, which need not exist yet.
func LoadIdentityStore(path string) (*IdentityStore, error) {
	s := &IdentityStore{path: path}
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, err
	}
	if err := cbor.Unmarshal(b, &s.identities); err != nil {
		return nil, fmt.Errorf("address: failed to parse identities: %w", err)
	}
	return s, nil
}

func (s *IdentityStore) save() error {
	b, err := cbor.Marshal(s.identities)
	if err != nil {
		return err
	}
	return fsutil.WriteFile(s.path, b, 0600)
}

// Add adds and persists an identity.
func (s *IdentityStore) Add(id *Identity) error {
	s.Lock()
	defer s.Unlock()

	dest := id.Destination()
	for _, v := range s.identities {
		if v.Destination().Equal(dest) {
			return ErrDuplicateIdentity
		}
	}
	s.identities = append(s.identities, id)
	if err := s.save(); err != nil {
		s.identities = s.identities[:len(s.identities)-1]
		return err
	}
	return nil
}

// All returns every identity.
func (s *IdentityStore) All() []*Identity {
	s.RLock()
	defer s.RUnlock()
	return append([]*Identity{}, s.identities...)
}

// ByDestination returns the identity owning dest.
func (s *IdentityStore) ByDestination(dest *Destination) (*Identity, error) {
	s.RLock()
	defer s.RUnlock()
	for _, v := range s.identities {
		if v.Destination().Equal(dest) {
			return v, nil
		}
	}
	return nil, ErrNoSuchIdentity
}

// BySender resolves the sender field of an email to a local identity.  The
// sender may be a mail address, a bare destination or a public name.
func (s *IdentityStore) BySender(sender string) (*Identity, error) {
	if r, err := ParseRecipient(sender); err == nil && !r.IsForeign() {
		return s.ByDestination(r.Destination)
	}
	name := strings.TrimSpace(sender)
	s.RLock()
	defer s.RUnlock()
	for _, v := range s.identities {
		if v.PublicName != "" && strings.EqualFold(v.PublicName, name) {
			return v, nil
		}
	}
	return nil, ErrNoSuchIdentity
}
