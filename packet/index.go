// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"time"
)

const (
	// IndexOverhead is the size of an index packet with no entries.
	IndexOverhead = HeaderSize + KeySize + 2

	// IndexEntrySize is the serialized size of one index entry.
	IndexEntrySize = KeySize + KeySize + 8
)

// IndexEntry points at one encrypted fragment addressed to a destination.
type IndexEntry struct {
	Key                    Key
	DeleteVerificationHash Key
	StoreTime              time.Time
}

// IndexPacket is the set of fragment keys published for one destination.
// It is stored under the hash of the destination and storing a new set
// merges it into the existing one.
type IndexPacket struct {
	DestinationHash Key
	Entries         []IndexEntry
}

func (p *IndexPacket) Type() Type {
	return TypeIndex
}

func (p *IndexPacket) DHTKey() Key {
	return p.DestinationHash
}

// Entry returns the entry for the given fragment key.
func (p *IndexPacket) Entry(key Key) (IndexEntry, bool) {
	for _, e := range p.Entries {
		if e.Key == key {
			return e, true
		}
	}
	return IndexEntry{}, false
}

// Add adds an entry unless one with the same fragment key is present.
func (p *IndexPacket) Add(e IndexEntry) bool {
	if _, ok := p.Entry(e.Key); ok {
		return false
	}
	p.Entries = append(p.Entries, e)
	return true
}

// Merge adds every entry of other that p does not already have, and
// returns the number of entries added.
func (p *IndexPacket) Merge(other *IndexPacket) int {
	n := 0
	for _, e := range other.Entries {
		if p.Add(e) {
			n++
		}
	}
	return n
}

// Remove removes the entry for key.
func (p *IndexPacket) Remove(key Key) bool {
	for i, e := range p.Entries {
		if e.Key == key {
			p.Entries = append(p.Entries[:i], p.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveOlderThan drops every entry stored before the cutoff and returns
// how many were dropped.  Entries without a store time are kept.
func (p *IndexPacket) RemoveOlderThan(cutoff time.Time) int {
	kept := p.Entries[:0]
	for _, e := range p.Entries {
		if !e.StoreTime.IsZero() && e.StoreTime.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	n := len(p.Entries) - len(kept)
	p.Entries = kept
	return n
}

func (p *IndexPacket) MarshalBinary() ([]byte, error) {
	e := newEncoder(p.Type(), IndexOverhead+len(p.Entries)*IndexEntrySize)
	e.key(p.DestinationHash)
	e.count(len(p.Entries))
	for _, ent := range p.Entries {
		e.key(ent.Key)
		e.key(ent.DeleteVerificationHash)
		e.time(ent.StoreTime)
	}
	return e.finish()
}

func decodeIndex(b []byte) (Packet, error) {
	d := &decoder{b: b}
	p := &IndexPacket{}
	p.DestinationHash = d.key()
	n := int(d.u16())
	if d.err == nil && len(d.b) < n*IndexEntrySize {
		return nil, ErrTruncated
	}
	p.Entries = make([]IndexEntry, 0, n)
	for i := 0; i < n; i++ {
		var ent IndexEntry
		ent.Key = d.key()
		ent.DeleteVerificationHash = d.key()
		ent.StoreTime = d.time()
		p.Entries = append(p.Entries, ent)
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

func init() {
	Register(TypeIndex, decodeIndex)
}
