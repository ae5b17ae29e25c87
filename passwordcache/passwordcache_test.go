// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package passwordcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPasswordCache(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "password")
	c, err := New(path)
	require.NoError(err)
	require.False(c.IsPasswordRequired())
	require.False(c.IsLocked())
	require.NoError(c.Check())

	require.NoError(c.SetPassword(nil, []byte("hunter2")))
	require.True(c.IsPasswordRequired())
	require.False(c.IsLocked())

	c.Lock()
	require.True(c.IsLocked())
	require.ErrorIs(c.Check(), ErrLocked)
	require.ErrorIs(c.Unlock([]byte("hunter3")), ErrWrongPassword)
	require.True(c.IsLocked())
	require.NoError(c.Unlock([]byte("hunter2")))
	require.False(c.IsLocked())

	// A reloaded cache starts locked.
	c2, err := New(path)
	require.NoError(err)
	require.True(c2.IsLocked())
	require.NoError(c2.Unlock([]byte("hunter2")))

	require.ErrorIs(c2.SetPassword([]byte("wrong"), nil), ErrWrongPassword)
	require.NoError(c2.SetPassword([]byte("hunter2"), nil))
	require.False(c2.IsPasswordRequired())

	c3, err := New(path)
	require.NoError(err)
	require.False(c3.IsLocked())
}
