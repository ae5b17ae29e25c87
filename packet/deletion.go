// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"math"
	"time"
)

const (
	// DeletionRecordSize is the serialized size of one deletion record.
	DeletionRecordSize = KeySize + KeySize + 8

	// MaxDeletionRecords is the most records one deletion info packet
	// holds.
	MaxDeletionRecords = math.MaxUint16

	// EmailDeleteRequestSize is the serialized size of an email delete
	// request.
	EmailDeleteRequestSize = HeaderSize + KeySize + KeySize

	// IndexDeleteOverhead is the size of an index delete request with no
	// entries.
	IndexDeleteOverhead = HeaderSize + KeySize + 2
)

// DeletionRecord records that a key was deleted with the given
// authorization.
type DeletionRecord struct {
	Key                 Key
	DeleteAuthorization Key
	StoreTime           time.Time
}

// DeletionInfoPacket is a list of deletion records.  It is the content of
// a deletion ledger file and the payload of a deletion query reply.
type DeletionInfoPacket struct {
	Records []DeletionRecord
}

func (p *DeletionInfoPacket) Type() Type {
	return TypeDeletionInfo
}

// Lookup returns the record for key.
func (p *DeletionInfoPacket) Lookup(key Key) (DeletionRecord, bool) {
	for _, r := range p.Records {
		if r.Key == key {
			return r, true
		}
	}
	return DeletionRecord{}, false
}

// Add appends a record unless the key is already present.
func (p *DeletionInfoPacket) Add(r DeletionRecord) bool {
	if _, ok := p.Lookup(r.Key); ok {
		return false
	}
	p.Records = append(p.Records, r)
	return true
}

func (p *DeletionInfoPacket) MarshalBinary() ([]byte, error) {
	e := newEncoder(p.Type(), 2+len(p.Records)*DeletionRecordSize)
	e.count(len(p.Records))
	for _, r := range p.Records {
		e.key(r.Key)
		e.key(r.DeleteAuthorization)
		e.time(r.StoreTime)
	}
	return e.finish()
}

func decodeDeletionInfo(b []byte) (Packet, error) {
	d := &decoder{b: b}
	p := &DeletionInfoPacket{}
	n := int(d.u16())
	if d.err == nil && len(d.b) < n*DeletionRecordSize {
		return nil, ErrTruncated
	}
	p.Records = make([]DeletionRecord, 0, n)
	for i := 0; i < n; i++ {
		var r DeletionRecord
		r.Key = d.key()
		r.DeleteAuthorization = d.key()
		r.StoreTime = d.time()
		p.Records = append(p.Records, r)
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// DeletePair names one key and the authorization for deleting it.
type DeletePair struct {
	Key                 Key
	DeleteAuthorization Key
}

// EmailDeleteRequest asks for the deletion of one encrypted fragment.
type EmailDeleteRequest struct {
	Key                 Key
	DeleteAuthorization Key
}

func (p *EmailDeleteRequest) Type() Type {
	return TypeEmailDeleteRequest
}

func (p *EmailDeleteRequest) TargetKey() Key {
	return p.Key
}

func (p *EmailDeleteRequest) DataType() Type {
	return TypeEncryptedEmail
}

func (p *EmailDeleteRequest) MarshalBinary() ([]byte, error) {
	e := newEncoder(p.Type(), EmailDeleteRequestSize)
	e.key(p.Key)
	e.key(p.DeleteAuthorization)
	return e.finish()
}

func decodeEmailDeleteRequest(b []byte) (Packet, error) {
	d := &decoder{b: b}
	p := &EmailDeleteRequest{}
	p.Key = d.key()
	p.DeleteAuthorization = d.key()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// IndexDeleteRequest asks for the removal of some entries of the index
// packet stored under DestinationHash.  Entries not named are untouched.
type IndexDeleteRequest struct {
	DestinationHash Key
	Entries         []DeletePair
}

func (p *IndexDeleteRequest) Type() Type {
	return TypeIndexDeleteRequest
}

func (p *IndexDeleteRequest) TargetKey() Key {
	return p.DestinationHash
}

func (p *IndexDeleteRequest) DataType() Type {
	return TypeIndex
}

// Add appends a key/authorization pair.
func (p *IndexDeleteRequest) Add(key, auth Key) {
	p.Entries = append(p.Entries, DeletePair{Key: key, DeleteAuthorization: auth})
}

func (p *IndexDeleteRequest) MarshalBinary() ([]byte, error) {
	e := newEncoder(p.Type(), IndexDeleteOverhead+len(p.Entries)*2*KeySize)
	e.key(p.DestinationHash)
	e.count(len(p.Entries))
	for _, ent := range p.Entries {
		e.key(ent.Key)
		e.key(ent.DeleteAuthorization)
	}
	return e.finish()
}

func decodeIndexDeleteRequest(b []byte) (Packet, error) {
	d := &decoder{b: b}
	p := &IndexDeleteRequest{}
	p.DestinationHash = d.key()
	n := int(d.u16())
	if d.err == nil && len(d.b) < n*2*KeySize {
		return nil, ErrTruncated
	}
	p.Entries = make([]DeletePair, 0, n)
	for i := 0; i < n; i++ {
		var ent DeletePair
		ent.Key = d.key()
		ent.DeleteAuthorization = d.key()
		p.Entries = append(p.Entries, ent)
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

func init() {
	Register(TypeDeletionInfo, decodeDeletionInfo)
	Register(TypeEmailDeleteRequest, decodeEmailDeleteRequest)
	Register(TypeIndexDeleteRequest, decodeIndexDeleteRequest)
}
