// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package email

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/dhtmail/packet"
)

// Folder names a mail folder.
type Folder string

const (
	Outbox Folder = "outbox"
	Sent   Folder = "sent"
	Inbox  Folder = "inbox"

	metadataBucket   = "metadata"
	versionKey       = "version"
	incompleteBucket = "incomplete"

	storeVersion = 0
)

var (
	ErrNotFound = errors.New("email: not found")

	folders = []Folder{Outbox, Sent, Inbox}

	encMode = func() cbor.EncMode {
		em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
		if err != nil {
			panic(err)
		}
		return em
	}()
)

// Gate reports whether the store may be accessed.  It returns an error,
// normally passwordcache.ErrLocked, while it may not.
type Gate interface {
	Check() error
}

// Store keeps the mail folders and the fragments of incomplete incoming
// messages in one bbolt database.
type Store struct {
	db   *bolt.DB
	gate Gate
}

// Open opens or creates the store at path.  A nil gate never locks.
func Open(path string, gate Gate) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, gate: gate}
	if err := db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("email: incompatible store version: %v", b)
			}
		} else if err := bkt.Put([]byte(versionKey), []byte{storeVersion}); err != nil {
			return err
		}
		for _, f := range folders {
			if _, err := tx.CreateBucketIfNotExists([]byte(f)); err != nil {
				return err
			}
		}
		_, err = tx.CreateBucketIfNotExists([]byte(incompleteBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.db.Sync()
	return s.db.Close()
}

func (s *Store) check() error {
	if s.gate == nil {
		return nil
	}
	return s.gate.Check()
}

func countKeys(bkt *bolt.Bucket) int {
	n := 0
	c := bkt.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func folderBucket(tx *bolt.Tx, f Folder) (*bolt.Bucket, error) {
	bkt := tx.Bucket([]byte(f))
	if bkt == nil {
		return nil, fmt.Errorf("email: unknown folder: %q", f)
	}
	return bkt, nil
}

// Put adds or replaces e in folder f.
func (s *Store) Put(f Folder, e *Email) error {
	if err := s.check(); err != nil {
		return err
	}
	b, err := encMode.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := folderBucket(tx, f)
		if err != nil {
			return err
		}
		return bkt.Put(e.ID[:], b)
	})
}

// Get returns the email with the given id from folder f.
func (s *Store) Get(f Folder, id uuid.UUID) (*Email, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var e *Email
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt, err := folderBucket(tx, f)
		if err != nil {
			return err
		}
		b := bkt.Get(id[:])
		if b == nil {
			return ErrNotFound
		}
		e = new(Email)
		return cbor.Unmarshal(b, e)
	})
	return e, err
}

// Delete removes an email from folder f.
func (s *Store) Delete(f Folder, id uuid.UUID) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := folderBucket(tx, f)
		if err != nil {
			return err
		}
		if bkt.Get(id[:]) == nil {
			return ErrNotFound
		}
		return bkt.Delete(id[:])
	})
}

// Move stores e in folder to and removes it from folder from, atomically.
func (s *Store) Move(from, to Folder, e *Email) error {
	if err := s.check(); err != nil {
		return err
	}
	b, err := encMode.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		src, err := folderBucket(tx, from)
		if err != nil {
			return err
		}
		dst, err := folderBucket(tx, to)
		if err != nil {
			return err
		}
		if err := src.Delete(e.ID[:]); err != nil {
			return err
		}
		return dst.Put(e.ID[:], b)
	})
}

// List returns every email of folder f, oldest first.
func (s *Store) List(f Folder) ([]*Email, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*Email
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt, err := folderBucket(tx, f)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(_, v []byte) error {
			e := new(Email)
			if err := cbor.Unmarshal(v, e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// Len returns the number of emails in folder f.
func (s *Store) Len(f Folder) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt, err := folderBucket(tx, f)
		if err != nil {
			return err
		}
		n = countKeys(bkt)
		return nil
	})
	return n, err
}

// AddFragment keeps a fragment of an incomplete incoming message and
// returns how many distinct fragments of the message are now held.
func (s *Store) AddFragment(u *packet.UnencryptedEmailPacket) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	b, err := u.MarshalBinary()
	if err != nil {
		return 0, err
	}
	var idx [2]byte
	binary.BigEndian.PutUint16(idx[:], u.FragmentIndex)

	n := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		mBkt, err := tx.Bucket([]byte(incompleteBucket)).CreateBucketIfNotExists(u.MessageID[:])
		if err != nil {
			return err
		}
		if mBkt.Get(idx[:]) == nil {
			if err := mBkt.Put(idx[:], b); err != nil {
				return err
			}
		}
		n = countKeys(mBkt)
		return nil
	})
	return n, err
}

// Fragments returns the fragments held for a message, ordered by index.
func (s *Store) Fragments(id uuid.UUID) ([]*packet.UnencryptedEmailPacket, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*packet.UnencryptedEmailPacket
	err := s.db.View(func(tx *bolt.Tx) error {
		mBkt := tx.Bucket([]byte(incompleteBucket)).Bucket(id[:])
		if mBkt == nil {
			return nil
		}
		return mBkt.ForEach(func(_, v []byte) error {
			p, err := packet.Decode(v)
			if err != nil {
				return err
			}
			u, ok := p.(*packet.UnencryptedEmailPacket)
			if !ok {
				return fmt.Errorf("email: unexpected %v in fragment store", p.Type())
			}
			out = append(out, u)
			return nil
		})
	})
	return out, err
}

// Incomplete returns the number of messages with fragments held.
func (s *Store) Incomplete() (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(incompleteBucket)).ForEach(func(_, v []byte) error {
			if v == nil {
				n++
			}
			return nil
		})
	})
	return n, err
}

// Deliver adds e to the inbox and drops the fragments it was assembled
// from, atomically.
func (s *Store) Deliver(e *Email) error {
	if err := s.check(); err != nil {
		return err
	}
	b, err := encMode.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		inc := tx.Bucket([]byte(incompleteBucket))
		if inc.Bucket(e.ID[:]) != nil {
			if err := inc.DeleteBucket(e.ID[:]); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(Inbox)).Put(e.ID[:], b)
	})
}

// DropFragments discards the fragments held for a message.
func (s *Store) DropFragments(id uuid.UUID) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket([]byte(incompleteBucket)).DeleteBucket(id[:])
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
