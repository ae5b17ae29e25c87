// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/address"
	"github.com/katzenpost/dhtmail/email"
)

func TestExportMbox(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	id, err := address.NewIdentity("alice")
	require.NoError(err)
	var inbox []*email.Email
	for _, from := range []string{id.EmailAddress(), address.AnonymousSender} {
		e, err := email.New(from, []string{id.Destination().String()}, "subject", "From the start\r\n", time.Now())
		require.NoError(err)
		got, err := email.FromBytes(uuid.New(), e.Raw, time.Now())
		require.NoError(err)
		inbox = append(inbox, got)
	}

	var buf bytes.Buffer
	require.NoError(exportMbox(&buf, inbox))

	r := mbox.NewReader(&buf)
	n := 0
	for {
		msg, err := r.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(err)
		b, err := io.ReadAll(msg)
		require.NoError(err)
		require.Contains(string(b), "Subject: subject")
		n++
	}
	require.Equal(2, n)
}

func TestRootCommand(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cmd := newRootCommand()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	require.Subset(names, []string{"run", "identity", "send", "export-inbox", "passwd"})
}
