// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/folder"
)

func TestExpirerSurvivesPanic(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f, err := folder.New(filepath.Join(t.TempDir(), "index"), folder.IndexPacketHooks(), time.Hour, nil, logBackend.GetLogger("folder"))
	require.NoError(err)

	// A nil folder panics inside the sweep.
	e := &expirer{
		log:     logBackend.GetLogger("expire"),
		folders: []*folder.Folder{nil, f},
	}
	require.NotPanics(e.sweepAndLog)

	e.folders = []*folder.Folder{f}
	require.NotPanics(e.sweepAndLog)
	require.NoError(e.sweep())
}
