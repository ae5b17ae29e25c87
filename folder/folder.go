// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package folder implements the content addressed on-disk packet store
// with its deletion ledger.
//
// A folder is one directory holding one file per packet, named by the
// base58 encoding of the packet's DHT key, plus deletion ledger files that
// group deletion records by the first byte of the deleted key.  All
// mutations of a folder are serialized by a single lock so that the
// packets and the ledger stay consistent.
package folder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/instrument"
	"github.com/katzenpost/dhtmail/internal/fsutil"
	"github.com/katzenpost/dhtmail/packet"
)

const (
	packetExt    = ".pkt"
	ledgerPrefix = "DEL_"
	ledgerExt    = ".dat"

	dirMode  = 0700
	fileMode = 0600
)

var (
	ErrNotFound    = errors.New("folder: packet not found")
	ErrWrongType   = errors.New("folder: wrong packet type")
	ErrDeleted     = errors.New("folder: packet was deleted")
	ErrInvalidHook = errors.New("folder: hooks name no packet type")
)

// Folder is a content addressed packet store.
type Folder struct {
	sync.Mutex

	log   *logging.Logger
	clock clock.Clock
	dir   string
	hooks Hooks
	ttl   time.Duration

	// maxLedgerRecords caps the records of one ledger file, a full file
	// continues in the next file of its prefix.
	maxLedgerRecords int
}

// New opens (creating if needed) the folder rooted at dir.  A ttl of zero
// disables expiration.
func New(dir string, hooks Hooks, ttl time.Duration, clk clock.Clock, log *logging.Logger) (*Folder, error) {
	if hooks.Type == 0 {
		return nil, ErrInvalidHook
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Folder{
		log:              log,
		clock:            clk,
		dir:              dir,
		hooks:            hooks,
		ttl:              ttl,
		maxLedgerRecords: packet.MaxDeletionRecords,
	}, nil
}

// Name returns the folder label.
func (f *Folder) Name() string {
	return f.hooks.Name
}

// Type returns the packet type stored in the folder.
func (f *Folder) Type() packet.Type {
	return f.hooks.Type
}

func (f *Folder) now() time.Time {
	return time.UnixMilli(f.clock.Now().UnixMilli())
}

func (f *Folder) packetPath(key packet.Key) string {
	return filepath.Join(f.dir, key.String()+packetExt)
}

// ledgerPath returns the name of the seq-th ledger file of key's prefix.
func (f *Folder) ledgerPath(key packet.Key, seq int) string {
	if seq == 0 {
		return filepath.Join(f.dir, fmt.Sprintf("%s%02x%s", ledgerPrefix, key[0], ledgerExt))
	}
	return filepath.Join(f.dir, fmt.Sprintf("%s%02x_%d%s", ledgerPrefix, key[0], seq, ledgerExt))
}

// Store writes p unless a packet with the same key is present, in which
// case p is merged into it if the folder merges, and otherwise ignored.
// Storing a key recorded in the deletion ledger fails with ErrDeleted.
func (f *Folder) Store(p packet.DataPacket) error {
	f.Lock()
	defer f.Unlock()

	echo, err := f.store(p)
	if err != nil {
		return err
	}
	if echo != nil {
		return ErrDeleted
	}
	return nil
}

// StoreAndCreateDeleteRequest behaves like Store, except that when the
// ledger says p (or part of it) was deleted it returns a delete request
// echoing the ledger records, so the sender can apply the deletion too.
func (f *Folder) StoreAndCreateDeleteRequest(p packet.DataPacket) (packet.DeleteRequest, error) {
	f.Lock()
	defer f.Unlock()
	return f.store(p)
}

func (f *Folder) store(p packet.DataPacket) (packet.DeleteRequest, error) {
	if p.Type() != f.hooks.Type {
		return nil, fmt.Errorf("%w: %v", ErrWrongType, p.Type())
	}
	if f.hooks.Validate != nil {
		if err := f.hooks.Validate(p); err != nil {
			return nil, err
		}
	}

	var echo packet.DeleteRequest
	if f.hooks.Filter != nil {
		p, echo = f.hooks.Filter(p, f.lookupLedger)
		if p == nil {
			f.log.Debugf("%s: refusing to store deleted packet", f.hooks.Name)
			return echo, nil
		}
	}
	if f.hooks.Stamp != nil {
		f.hooks.Stamp(p, f.now())
	}

	key := p.DHTKey()
	stored, err := f.retrieve(key)
	switch {
	case err == nil:
		if f.hooks.Merge == nil || !f.hooks.Merge(stored, p) {
			return echo, nil
		}
		p = stored
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	if err := f.write(p); err != nil {
		return nil, err
	}
	instrument.PacketStored(f.hooks.Name)
	return echo, nil
}

func (f *Folder) write(p packet.DataPacket) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	return fsutil.WriteFile(f.packetPath(p.DHTKey()), b, fileMode)
}

// Retrieve returns the packet stored under key.
func (f *Folder) Retrieve(key packet.Key) (packet.DataPacket, error) {
	f.Lock()
	defer f.Unlock()
	return f.retrieve(key)
}

func (f *Folder) retrieve(key packet.Key) (packet.DataPacket, error) {
	fn := f.packetPath(key)
	b, err := os.ReadFile(fn)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p, err := packet.DecodeData(b)
	if err == nil && p.Type() != f.hooks.Type {
		err = fmt.Errorf("%w: %v", ErrWrongType, p.Type())
	}
	if err == nil && p.DHTKey() != key {
		err = fmt.Errorf("folder: key mismatch: %v", p.DHTKey())
	}
	if err != nil {
		f.log.Warningf("%s: deleting malformed packet file %s: %v", f.hooks.Name, fn, err)
		if rmErr := os.Remove(fn); rmErr != nil {
			f.log.Errorf("%s: failed to delete %s: %v", f.hooks.Name, fn, rmErr)
		}
		return nil, ErrNotFound
	}
	return p, nil
}

// Keys returns the keys of every stored packet.
func (f *Folder) Keys() ([]packet.Key, error) {
	f.Lock()
	defer f.Unlock()
	return f.keys()
}

func (f *Folder) keys() ([]packet.Key, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]packet.Key, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, packetExt) {
			continue
		}
		key, err := packet.KeyFromString(strings.TrimSuffix(name, packetExt))
		if err != nil {
			f.log.Warningf("%s: ignoring stray file %s", f.hooks.Name, name)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Delete removes the packet stored under key if the hash of auth matches
// its delete verification hash.  A mismatch is not an error and leaves
// no trace beyond a debug log entry.
func (f *Folder) Delete(key, auth packet.Key) bool {
	f.Lock()
	defer f.Unlock()
	return f.applyDelete(key, []packet.DeletePair{{Key: key, DeleteAuthorization: auth}}) > 0
}

// ProcessDeleteRequest applies every key/authorization pair of req and
// returns how many were applied.  Unknown keys and wrong authorizations
// are ignored.
func (f *Folder) ProcessDeleteRequest(req packet.DeleteRequest) int {
	if req.DataType() != f.hooks.Type {
		f.log.Debugf("%s: ignoring delete request for %v", f.hooks.Name, req.DataType())
		return 0
	}
	var pairs []packet.DeletePair
	switch r := req.(type) {
	case *packet.EmailDeleteRequest:
		pairs = []packet.DeletePair{{Key: r.Key, DeleteAuthorization: r.DeleteAuthorization}}
	case *packet.IndexDeleteRequest:
		pairs = r.Entries
	default:
		f.log.Debugf("%s: ignoring delete request %v", f.hooks.Name, req.Type())
		return 0
	}

	f.Lock()
	defer f.Unlock()
	return f.applyDelete(req.TargetKey(), pairs)
}

func (f *Folder) applyDelete(key packet.Key, pairs []packet.DeletePair) int {
	if f.hooks.Delete == nil {
		return 0
	}
	stored, err := f.retrieve(key)
	if err != nil {
		f.log.Debugf("%s: delete of absent packet %v", f.hooks.Name, key)
		return 0
	}
	kept, applied := f.hooks.Delete(stored, pairs)
	if len(applied) == 0 {
		f.log.Debugf("%s: delete authorization mismatch for %v", f.hooks.Name, key)
		instrument.DeleteMismatch()
		return 0
	}

	now := f.now()
	records := make([]packet.DeletionRecord, 0, len(applied))
	for _, pair := range applied {
		records = append(records, packet.DeletionRecord{
			Key:                 pair.Key,
			DeleteAuthorization: pair.DeleteAuthorization,
			StoreTime:           now,
		})
	}
	if err := f.addLedgerRecords(records); err != nil {
		f.log.Errorf("%s: failed to update deletion ledger: %v", f.hooks.Name, err)
		return 0
	}
	if err := f.replace(key, kept); err != nil {
		f.log.Errorf("%s: failed to apply delete of %v: %v", f.hooks.Name, key, err)
	}
	instrument.PacketsDeleted(f.hooks.Name, len(applied))
	return len(applied)
}

// replace writes kept in place of the packet stored under key, or removes
// the packet file if kept is nil.
func (f *Folder) replace(key packet.Key, kept packet.DataPacket) error {
	if kept != nil {
		return f.write(kept)
	}
	err := os.Remove(f.packetPath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// GetDeleteAuthorization returns the authorization a deleted key was
// deleted with.
func (f *Folder) GetDeleteAuthorization(key packet.Key) (packet.Key, bool) {
	f.Lock()
	defer f.Unlock()
	r, ok := f.lookupLedger(key)
	return r.DeleteAuthorization, ok
}

// DeleteExpired removes every packet, or part of a packet, older than the
// folder TTL.  Errors do not stop the sweep and are returned combined.
func (f *Folder) DeleteExpired() error {
	if f.ttl <= 0 || f.hooks.Expire == nil {
		return nil
	}

	f.Lock()
	defer f.Unlock()

	keys, err := f.keys()
	if err != nil {
		return err
	}
	cutoff := f.now().Add(-f.ttl)
	total := 0
	var errs error
	for _, key := range keys {
		stored, err := f.retrieve(key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		kept, n := f.hooks.Expire(stored, cutoff)
		if n == 0 {
			continue
		}
		if err := f.replace(key, kept); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		total += n
	}
	if total > 0 {
		f.log.Debugf("%s: expired %d packets", f.hooks.Name, total)
		instrument.PacketsExpired(f.hooks.Name, total)
	}
	return errs
}
