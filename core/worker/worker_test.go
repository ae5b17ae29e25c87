// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	require := require.New(t)

	var w Worker
	exited := make(chan struct{})
	w.Go(func() {
		<-w.HaltCh()
		close(exited)
	})
	require.False(w.IsHalted())

	w.Halt()
	<-exited
	require.True(w.IsHalted())
	require.Error(w.HaltContext().Err())

	// A second Halt must not panic on the closed channel.
	w.Halt()
}

func TestSafe(t *testing.T) {
	require := require.New(t)

	require.NoError(Safe(func() {}))
	err := Safe(func() { panic("boom") })
	require.ErrorContains(err, "boom")
}
