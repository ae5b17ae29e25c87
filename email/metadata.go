// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package email

import (
	"time"

	"github.com/katzenpost/dhtmail/packet"
)

// Fragment is one encrypted fragment sent to one recipient, with what is
// needed to confirm its delivery.
type Fragment struct {
	Recipient              string
	Key                    packet.Key
	DeleteVerificationHash packet.Key
	Delivered              bool
	DeliveredAt            time.Time
}

// Metadata tracks the delivery of a sent email.
type Metadata struct {
	Fragments []*Fragment
	Sent      time.Time
	Delivered time.Time
}

// AddFragment records a fragment sent to recipient.
func (m *Metadata) AddFragment(recipient string, key, verify packet.Key) {
	for _, f := range m.Fragments {
		if f.Key == key {
			return
		}
	}
	m.Fragments = append(m.Fragments, &Fragment{
		Recipient:              recipient,
		Key:                    key,
		DeleteVerificationHash: verify,
	})
}

// MarkDelivered marks the fragment stored under key as delivered and
// returns true iff it was not already.
func (m *Metadata) MarkDelivered(key packet.Key, now time.Time) bool {
	for _, f := range m.Fragments {
		if f.Key != key || f.Delivered {
			continue
		}
		f.Delivered = true
		f.DeliveredAt = now
		if m.UndeliveredRecipients() == 0 {
			m.Delivered = now
		}
		return true
	}
	return false
}

// Undelivered returns the fragments not yet confirmed.
func (m *Metadata) Undelivered() []*Fragment {
	var out []*Fragment
	for _, f := range m.Fragments {
		if !f.Delivered {
			out = append(out, f)
		}
	}
	return out
}

// Recipients returns every recipient with at least one fragment, in the
// order they were added.
func (m *Metadata) Recipients() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range m.Fragments {
		if !seen[f.Recipient] {
			seen[f.Recipient] = true
			out = append(out, f.Recipient)
		}
	}
	return out
}

// UndeliveredRecipients is the number of recipients with at least one
// unconfirmed fragment.
func (m *Metadata) UndeliveredRecipients() int {
	pending := make(map[string]bool)
	for _, f := range m.Fragments {
		if !f.Delivered {
			pending[f.Recipient] = true
		}
	}
	return len(pending)
}

// IsDelivered returns true iff every fragment was confirmed.
func (m *Metadata) IsDelivered() bool {
	return len(m.Fragments) > 0 && m.UndeliveredRecipients() == 0
}
