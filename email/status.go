// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package email

import (
	"fmt"
	"time"
)

// StatusCode is the send state of an outgoing email.
type StatusCode uint8

const (
	StatusQueued StatusCode = iota
	StatusSending
	StatusSentTo
	StatusEmailSent
	StatusNoIdentityMatches
	StatusInvalidRecipient
	StatusErrorCreatingPackets
	StatusErrorSending
	StatusGatewayDisabled
	StatusErrorSavingMetadata
)

var statusNames = map[StatusCode]string{
	StatusQueued:               "QUEUED",
	StatusSending:              "SENDING",
	StatusSentTo:               "SENT_TO",
	StatusEmailSent:            "EMAIL_SENT",
	StatusNoIdentityMatches:    "NO_IDENTITY_MATCHES",
	StatusInvalidRecipient:     "INVALID_RECIPIENT",
	StatusErrorCreatingPackets: "ERROR_CREATING_PACKETS",
	StatusErrorSending:         "ERROR_SENDING",
	StatusGatewayDisabled:      "GATEWAY_DISABLED",
	StatusErrorSavingMetadata:  "ERROR_SAVING_METADATA",
}

func (c StatusCode) String() string {
	if s, ok := statusNames[c]; ok {
		return s
	}
	return fmt.Sprintf("StatusCode(%d)", uint8(c))
}

// IsError returns true for the error states.
func (c StatusCode) IsError() bool {
	return c >= StatusNoIdentityMatches
}

// IsTerminal returns true iff no further transition is allowed.
func (c StatusCode) IsTerminal() bool {
	return c == StatusEmailSent || c.IsError()
}

// Status is the advisory send status of an email.
type Status struct {
	Code StatusCode

	// Sent and Total count recipients for StatusSentTo.
	Sent  int
	Total int

	Detail string
	Time   time.Time
}

func (s Status) String() string {
	switch {
	case s.Code == StatusSentTo:
		return fmt.Sprintf("%v %d/%d", s.Code, s.Sent, s.Total)
	case s.Detail != "":
		return fmt.Sprintf("%v: %s", s.Code, s.Detail)
	default:
		return s.Code.String()
	}
}

// CanTransition returns true iff the status may move to code.
func (s Status) CanTransition(code StatusCode) bool {
	switch s.Code {
	case StatusQueued:
		return code == StatusSending || code.IsError()
	case StatusSending, StatusSentTo:
		return code != StatusQueued
	default:
		return false
	}
}
