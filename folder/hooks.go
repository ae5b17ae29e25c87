// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package folder

import (
	"time"

	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/packet"
)

// Hooks specialize a Folder for one packet type.  Nil hooks fall back to
// immutable, never expiring, undeletable packets.
type Hooks struct {
	// Name labels the folder in logs and metrics.
	Name string

	// Type is the only packet type the folder accepts.
	Type packet.Type

	// Validate rejects a packet before it is written.
	Validate func(p packet.DataPacket) error

	// Stamp records the local store time of a freshly received packet.
	Stamp func(p packet.DataPacket, now time.Time)

	// Merge combines an incoming packet with the stored one.  It returns
	// false when the stored packet is unchanged.
	Merge func(stored, incoming packet.DataPacket) bool

	// Filter drops the parts of an incoming packet that the deletion
	// ledger says were deleted.  It returns the remainder (nil if
	// nothing is left) and a delete request echoing the ledger records
	// (nil if nothing was dropped).
	Filter func(p packet.DataPacket, lookup LedgerLookup) (packet.DataPacket, packet.DeleteRequest)

	// Delete removes the parts of the stored packet named by pairs whose
	// authorization verifies.  It returns the remainder (nil if nothing
	// is left) and the pairs that were applied.
	Delete func(stored packet.DataPacket, pairs []packet.DeletePair) (packet.DataPacket, []packet.DeletePair)

	// Expire removes the parts of the stored packet older than cutoff.
	// It returns the remainder (nil if nothing is left) and the number of
	// parts removed.
	Expire func(stored packet.DataPacket, cutoff time.Time) (packet.DataPacket, int)
}

// LedgerLookup returns the deletion record for a key.
type LedgerLookup func(key packet.Key) (packet.DeletionRecord, bool)

// EmailPacketHooks returns the hooks of the encrypted email folder.
func EmailPacketHooks() Hooks {
	return Hooks{
		Name: "email",
		Type: packet.TypeEncryptedEmail,
		Validate: func(p packet.DataPacket) error {
			return p.(*packet.EncryptedEmailPacket).Verify()
		},
		Stamp: func(p packet.DataPacket, now time.Time) {
			p.(*packet.EncryptedEmailPacket).SetStoreTime(now)
		},
		Filter: func(p packet.DataPacket, lookup LedgerLookup) (packet.DataPacket, packet.DeleteRequest) {
			r, ok := lookup(p.DHTKey())
			if !ok {
				return p, nil
			}
			return nil, &packet.EmailDeleteRequest{Key: r.Key, DeleteAuthorization: r.DeleteAuthorization}
		},
		Delete: func(stored packet.DataPacket, pairs []packet.DeletePair) (packet.DataPacket, []packet.DeletePair) {
			ep := stored.(*packet.EncryptedEmailPacket)
			for _, pair := range pairs {
				if pair.Key == ep.Key && crypto.VerifyDeleteAuthorization(pair.DeleteAuthorization, ep.DeleteVerificationHash) {
					return nil, []packet.DeletePair{pair}
				}
			}
			return stored, nil
		},
		Expire: func(stored packet.DataPacket, cutoff time.Time) (packet.DataPacket, int) {
			st := stored.(*packet.EncryptedEmailPacket).StoreTime()
			if !st.IsZero() && st.Before(cutoff) {
				return nil, 1
			}
			return stored, 0
		},
	}
}

// IndexPacketHooks returns the hooks of the index folder.  Index packets
// merge on store, and deletion and expiry act on individual entries.
func IndexPacketHooks() Hooks {
	return Hooks{
		Name: "index",
		Type: packet.TypeIndex,
		Stamp: func(p packet.DataPacket, now time.Time) {
			ip := p.(*packet.IndexPacket)
			for i := range ip.Entries {
				ip.Entries[i].StoreTime = now
			}
		},
		Merge: func(stored, incoming packet.DataPacket) bool {
			return stored.(*packet.IndexPacket).Merge(incoming.(*packet.IndexPacket)) > 0
		},
		Filter: func(p packet.DataPacket, lookup LedgerLookup) (packet.DataPacket, packet.DeleteRequest) {
			ip := p.(*packet.IndexPacket)
			var echo *packet.IndexDeleteRequest
			kept := &packet.IndexPacket{DestinationHash: ip.DestinationHash}
			for _, e := range ip.Entries {
				if r, ok := lookup(e.Key); ok {
					if echo == nil {
						echo = &packet.IndexDeleteRequest{DestinationHash: ip.DestinationHash}
					}
					echo.Add(r.Key, r.DeleteAuthorization)
					continue
				}
				kept.Entries = append(kept.Entries, e)
			}
			if echo == nil {
				return p, nil
			}
			if len(kept.Entries) == 0 {
				return nil, echo
			}
			return kept, echo
		},
		Delete: func(stored packet.DataPacket, pairs []packet.DeletePair) (packet.DataPacket, []packet.DeletePair) {
			ip := stored.(*packet.IndexPacket)
			var applied []packet.DeletePair
			for _, pair := range pairs {
				e, ok := ip.Entry(pair.Key)
				if !ok || !crypto.VerifyDeleteAuthorization(pair.DeleteAuthorization, e.DeleteVerificationHash) {
					continue
				}
				ip.Remove(pair.Key)
				applied = append(applied, pair)
			}
			if len(ip.Entries) == 0 {
				return nil, applied
			}
			return ip, applied
		},
		Expire: func(stored packet.DataPacket, cutoff time.Time) (packet.DataPacket, int) {
			ip := stored.(*packet.IndexPacket)
			n := ip.RemoveOlderThan(cutoff)
			if len(ip.Entries) == 0 {
				return nil, n
			}
			return ip, n
		},
	}
}

// ContactHooks returns the hooks of the directory folder.  Entries must
// carry a valid signature and are never deleted or expired.
func ContactHooks(verify func(*packet.Contact) error) Hooks {
	return Hooks{
		Name: "contact",
		Type: packet.TypeContact,
		Validate: func(p packet.DataPacket) error {
			return verify(p.(*packet.Contact))
		},
	}
}
