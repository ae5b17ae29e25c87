// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package email implements the local mail model: RFC 5322 messages with
// their send status and delivery metadata, and the bbolt backed folders
// they are kept in.
package email

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/katzenpost/dhtmail/address"
)

var ErrNoRecipients = errors.New("email: no recipients")

// Email is a message with its local bookkeeping.
type Email struct {
	// ID identifies the message and is shared by all of its fragments.
	ID uuid.UUID

	// Raw is the RFC 5322 message.
	Raw []byte

	Created  time.Time
	Received time.Time
	Unread   bool

	// SignatureValid is true iff a received message was signed by the
	// destination in its From header.
	SignatureValid bool

	Status   Status
	Metadata Metadata
}

// New builds a plain text email.  An anonymous sender leaves out the From
// header.
func New(from string, to []string, subject, body string, now time.Time) (*Email, error) {
	if len(to) == 0 {
		return nil, ErrNoRecipients
	}
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if !address.IsAnonymous(from) {
		addr, err := mail.ParseAddress(from)
		if err != nil {
			return nil, fmt.Errorf("email: invalid sender %q: %w", from, err)
		}
		h.SetAddressList("From", []*mail.Address{addr})
	}
	rcpts := make([]*mail.Address, 0, len(to))
	for _, s := range to {
		r, err := address.ParseRecipient(s)
		if err != nil {
			return nil, err
		}
		rcpts = append(rcpts, &mail.Address{Address: r.Address})
	}
	h.SetAddressList("To", rcpts)

	id := uuid.New()
	h.SetMessageID(id.String() + "@" + address.Domain)

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return &Email{
		ID:      id,
		Raw:     buf.Bytes(),
		Created: now,
		Status:  Status{Code: StatusQueued, Time: now},
	}, nil
}

// FromBytes wraps a raw message received from the network.
func FromBytes(id uuid.UUID, raw []byte, received time.Time) (*Email, error) {
	e := &Email{
		ID:       id,
		Raw:      raw,
		Created:  received,
		Received: received,
		Unread:   true,
	}
	if _, err := e.Header(); err != nil {
		return nil, err
	}
	return e, nil
}

// Header parses the message header.
func (e *Email) Header() (*mail.Header, error) {
	r, err := mail.CreateReader(bytes.NewReader(e.Raw))
	if err != nil {
		return nil, fmt.Errorf("email: %w", err)
	}
	return &r.Header, nil
}

// Sender returns the From address, or the anonymous sender name.
func (e *Email) Sender() string {
	h, err := e.Header()
	if err != nil {
		return address.AnonymousSender
	}
	from, err := h.AddressList("From")
	if err != nil || len(from) == 0 {
		return address.AnonymousSender
	}
	return from[0].Address
}

// Subject returns the decoded subject.
func (e *Email) Subject() string {
	h, err := e.Header()
	if err != nil {
		return ""
	}
	s, _ := h.Subject()
	return s
}

// Recipients returns the To, Cc and Bcc addresses.
func (e *Email) Recipients() ([]*mail.Address, error) {
	h, err := e.Header()
	if err != nil {
		return nil, err
	}
	var out []*mail.Address
	for _, k := range []string{"To", "Cc", "Bcc"} {
		l, err := h.AddressList(k)
		if err != nil {
			return nil, fmt.Errorf("email: invalid %s header: %w", k, err)
		}
		out = append(out, l...)
	}
	if len(out) == 0 {
		return nil, ErrNoRecipients
	}
	return out, nil
}

// Text returns the concatenated inline text parts.
func (e *Email) Text() (string, error) {
	r, err := mail.CreateReader(bytes.NewReader(e.Raw))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", err
		}
		if _, ok := p.Header.(*mail.InlineHeader); !ok {
			continue
		}
		if _, err := io.Copy(&sb, p.Body); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

// ForDelivery returns the message as sent to recipients, without the Bcc
// header.
func (e *Email) ForDelivery() ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(e.Raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("email: %w", err)
	}
	h.Del("Bcc")
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, err
	}
	if _, err := io.Copy(&buf, br); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SetStatus moves the email to a new status if the transition is allowed
// and returns true iff it did.
func (e *Email) SetStatus(s Status) bool {
	if !e.Status.CanTransition(s.Code) {
		return false
	}
	e.Status = s
	return true
}
