// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	fn := filepath.Join(t.TempDir(), "node.log")

	_, err := New(fn, "LOUD", false)
	require.Error(err)

	b, err := New(fn, "notice", false)
	require.NoError(err)
	l := b.GetLogger("test")
	l.Debugf("hidden")
	l.Noticef("shown")

	// A rotated file is reopened by name.
	require.NoError(os.Rename(fn, fn+".1"))
	require.NoError(b.Rotate())
	l.Warningf("after rotation")

	old, err := os.ReadFile(fn + ".1")
	require.NoError(err)
	require.Contains(string(old), "test: shown")
	require.NotContains(string(old), "hidden")
	cur, err := os.ReadFile(fn)
	require.NoError(err)
	require.Contains(string(cur), "WARN test: after rotation")
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	b := NewDiscard()
	b.GetLogger("test").Errorf("dropped")
	require.NoError(t, b.Rotate())
}
