// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/address"
	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/outbox"
)

func TestConfig(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	const basicConfig = `# A basic configuration example.
[Node]
DataDir = "/var/lib/dhtmail"

[Logging]
Level = "debug"
`
	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(defaultMaxDatagramSize, cfg.Transport.MaxDatagramSize)
	require.Zero(cfg.Transport.MaxBandwidthKbps)
	require.Equal(2*time.Minute, cfg.Relay.MinDelayDuration())
	require.Equal(10*time.Minute, cfg.Relay.MaxDelayDuration())
	require.Equal(2, cfg.Relay.Redundancy)
	require.Zero(cfg.Relay.NumStoreHops)
	require.Equal(30, cfg.Mail.CheckInterval)
	require.Equal(10, cfg.Mail.MaxConcurrentIdentityChecks)
	require.True(cfg.Delivery.Enabled)
	require.Equal(5, cfg.Delivery.Interval)
	require.False(cfg.Gateway.Enabled)
	require.Equal(100, cfg.Debug.PacketTTL)

	_, err = Load([]byte(basicConfig + "Bogus = 1\n"))
	require.ErrorContains(err, "Undecoded")
}

func TestConfigSections(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	id, err := address.NewIdentity("")
	require.NoError(err)
	gw := id.Destination().String()

	cfg, err := Load([]byte(fmt.Sprintf(`
[Node]
DataDir = "/var/lib/dhtmail"

[Relay]
MinDelay = 1
MaxDelay = 2
NumStoreHops = 3
Peers = [ %q ]

[Delivery]
Enabled = false

[Gateway]
Enabled = true
Destination = %q
Domains = [ "bücher.example" ]
`, gw, gw)))
	require.NoError(err)
	require.Equal(3, cfg.Relay.NumStoreHops)
	require.Equal(time.Second, cfg.Relay.MinDelayDuration())
	require.False(cfg.Delivery.Enabled)
	require.Equal([]string{"xn--bcher-kva.example"}, cfg.Gateway.Domains)

	for _, bad := range []string{
		"[Node]\nDataDir = \"relative\"\n",
		"[Node]\nDataDir = \"/x\"\n[Logging]\nLevel = \"LOUD\"\n",
		"[Node]\nDataDir = \"/x\"\n[Transport]\nMaxDatagramSize = 10\n",
		"[Node]\nDataDir = \"/x\"\n[Relay]\nMinDelay = 5\nMaxDelay = 1\n",
		"[Node]\nDataDir = \"/x\"\n[Relay]\nPeers = [ \"nope\" ]\n",
		"[Node]\nDataDir = \"/x\"\n[Gateway]\nEnabled = true\n",
		"[Logging]\nLevel = \"DEBUG\"\n",
	} {
		_, err := Load([]byte(bad))
		require.Error(err, bad)
	}
}

func TestConfigFragmentBounds(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	load := func(datagram, fragment, hops int) error {
		_, err := Load([]byte(fmt.Sprintf(`
[Node]
DataDir = "/var/lib/dhtmail"

[Transport]
MaxDatagramSize = %d

[Relay]
NumStoreHops = %d

[Mail]
MaxFragmentSize = %d
`, datagram, hops, fragment)))
		return err
	}

	require.NoError(load(MaxDatagramSize, 0, 0))
	require.ErrorContains(load(2*MaxDatagramSize, 0, 0), "MaxDatagramSize")

	derived := outbox.MaxFragmentSize(defaultMaxDatagramSize, crypto.Default(), 2, 0)
	require.NoError(load(defaultMaxDatagramSize, derived, 2))
	require.ErrorContains(load(defaultMaxDatagramSize, derived+1, 2), "MaxFragmentSize")
	require.ErrorContains(load(defaultMaxDatagramSize, -1, 0), "MaxFragmentSize")

	// Relay hops can leave a small datagram without room for a fragment.
	require.Error(load(MinDatagramSize, 0, 16))
}
