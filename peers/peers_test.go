// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package peers

import (
	"path/filepath"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestReachabilityWindow(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tr := New("self")
	tr.Add("a", "self", "")
	require.Equal(1, tr.Len())
	require.Equal(0.0, tr.Reachability("a"))

	for i := 0; i < WindowSize; i++ {
		tr.RecordOutcome("a", false)
	}
	require.Equal(0.0, tr.Reachability("a"))

	for i := 0; i < WindowSize/2; i++ {
		tr.RecordOutcome("a", true)
	}
	require.Equal(0.5, tr.Reachability("a"))
	require.Len(tr.All()[0].Samples, WindowSize)

	tr.RecordOutcome("unknown", true)
	require.Equal(0.0, tr.Reachability("unknown"))
}

func TestPickChain(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	rng := rand.NewMath()

	tr := New("self")
	tr.Add("a", "b", "c", "d")
	for i := 0; i < MinSamples; i++ {
		tr.RecordOutcome("d", false)
	}

	for i := 0; i < 20; i++ {
		chain, err := tr.PickChain(rng, 3)
		require.NoError(err)
		require.Len(chain, 3)
		require.NotContains(chain, "d")
		seen := make(map[string]bool)
		for _, a := range chain {
			require.False(seen[a])
			seen[a] = true
		}
	}

	chain, err := tr.PickChain(rng, 4)
	require.NoError(err)
	require.Contains(chain, "d")

	_, err = tr.PickChain(rng, 5)
	require.ErrorIs(err, ErrNotEnoughPeers)

	tr.Remove("a")
	require.Equal(3, tr.Len())
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	db, err := bolt.Open(filepath.Join(t.TempDir(), "peers.db"), 0600, nil)
	require.NoError(err)
	defer db.Close()

	tr := New("self")
	tr.Add("a", "b")
	tr.RecordOutcome("a", true)
	tr.RecordOutcome("a", false)
	require.NoError(tr.Save(db))
	require.NoError(tr.Save(db))

	tr2 := New("b")
	require.NoError(tr2.Load(db))
	require.Equal(1, tr2.Len())
	require.Equal(0.5, tr2.Reachability("a"))
}
