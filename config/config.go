// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the dhtmail node configuration.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	"github.com/katzenpost/dhtmail/address"
	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/crypto"
	"github.com/katzenpost/dhtmail/outbox"
)

const (
	defaultLogLevel = "NOTICE"

	defaultMaxDatagramSize = 31 * 1024

	defaultMinDelay   = 120 // seconds
	defaultMaxDelay   = 600 // seconds
	defaultRedundancy = 2

	defaultCheckInterval = 30 // minutes
	defaultMaxChecks     = 10
	defaultCheckTimeout  = 600 // seconds

	defaultDeliveryInterval = 5 // minutes

	defaultPacketTTL          = 100 // days
	defaultExpirationInterval = 60  // minutes
	defaultOutboxIdle         = 10  // minutes

	// MinDatagramSize is the smallest datagram a fragment still fits in
	// with the default crypto suite and no relay hops.
	MinDatagramSize = 1024

	// MaxDatagramSize is the largest datagram the 16 bit packet length
	// fields can describe.
	MaxDatagramSize = math.MaxUint16

	maxProofOfWorkBits = 32
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Node is the node's local state configuration.
type Node struct {
	// DataDir is the absolute path to the node's state files.
	DataDir string
}

func (nCfg *Node) validate() error {
	if !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	if !lCfg.Disable && lCfg.File != "" && !filepath.IsAbs(lCfg.File) {
		return fmt.Errorf("config: Logging: File '%v' is not an absolute path", lCfg.File)
	}
	return nil
}

// Transport is the datagram transport configuration.
type Transport struct {
	// MaxDatagramSize is the largest datagram the transport carries, in
	// bytes.
	MaxDatagramSize int

	// MaxBandwidthKbps caps the outgoing bandwidth in kbit/s, 0 is
	// unlimited.
	MaxBandwidthKbps int
}

func (tCfg *Transport) applyDefaults() {
	if tCfg.MaxDatagramSize == 0 {
		tCfg.MaxDatagramSize = defaultMaxDatagramSize
	}
}

func (tCfg *Transport) validate() error {
	if tCfg.MaxDatagramSize < MinDatagramSize {
		return fmt.Errorf("config: Transport: MaxDatagramSize %d is below %d", tCfg.MaxDatagramSize, MinDatagramSize)
	}
	if tCfg.MaxDatagramSize > MaxDatagramSize {
		return fmt.Errorf("config: Transport: MaxDatagramSize %d is above %d", tCfg.MaxDatagramSize, MaxDatagramSize)
	}
	if tCfg.MaxBandwidthKbps < 0 {
		return errors.New("config: Transport: MaxBandwidthKbps is negative")
	}
	return nil
}

// Relay is the relay chain configuration, for mail sent by this node and
// for relay requests it handles.
type Relay struct {
	// MinDelay and MaxDelay bound the per hop delay, in seconds.
	MinDelay int
	MaxDelay int

	// Redundancy is the number of independent chains per packet.
	Redundancy int

	// NumStoreHops is the chain length, 0 stores directly into the DHT.
	NumStoreHops int

	// ProofOfWorkBits is the proof of work difficulty of store and relay
	// requests.
	ProofOfWorkBits int

	// Peers are relay peer destinations known at startup.
	Peers []string
}

func (rCfg *Relay) applyDefaults() {
	if rCfg.MinDelay == 0 && rCfg.MaxDelay == 0 {
		rCfg.MinDelay = defaultMinDelay
		rCfg.MaxDelay = defaultMaxDelay
	}
	if rCfg.Redundancy <= 0 {
		rCfg.Redundancy = defaultRedundancy
	}
}

func (rCfg *Relay) validate() error {
	if rCfg.MinDelay < 0 || rCfg.MaxDelay < rCfg.MinDelay {
		return fmt.Errorf("config: Relay: invalid delay window [%d, %d]", rCfg.MinDelay, rCfg.MaxDelay)
	}
	if rCfg.NumStoreHops < 0 {
		return errors.New("config: Relay: NumStoreHops is negative")
	}
	if rCfg.ProofOfWorkBits < 0 || rCfg.ProofOfWorkBits > maxProofOfWorkBits {
		return fmt.Errorf("config: Relay: ProofOfWorkBits %d out of range", rCfg.ProofOfWorkBits)
	}
	for _, v := range rCfg.Peers {
		if _, err := address.Parse(v); err != nil {
			return fmt.Errorf("config: Relay: invalid peer '%v': %v", v, err)
		}
	}
	return nil
}

// MinDelayDuration returns MinDelay as a duration.
func (rCfg *Relay) MinDelayDuration() time.Duration {
	return time.Duration(rCfg.MinDelay) * time.Second
}

// MaxDelayDuration returns MaxDelay as a duration.
func (rCfg *Relay) MaxDelayDuration() time.Duration {
	return time.Duration(rCfg.MaxDelay) * time.Second
}

// Mail is the mail check configuration.
type Mail struct {
	// CheckInterval is the time between mail checks, in minutes.
	CheckInterval int

	// MaxConcurrentIdentityChecks bounds the identities checked at once.
	MaxConcurrentIdentityChecks int

	// CheckTimeout bounds the check of one identity, in seconds.
	CheckTimeout int

	// MaxFragmentSize overrides the fragment size derived from the
	// datagram size when positive.
	MaxFragmentSize int
}

func (mCfg *Mail) applyDefaults() {
	if mCfg.CheckInterval <= 0 {
		mCfg.CheckInterval = defaultCheckInterval
	}
	if mCfg.MaxConcurrentIdentityChecks <= 0 {
		mCfg.MaxConcurrentIdentityChecks = defaultMaxChecks
	}
	if mCfg.CheckTimeout <= 0 {
		mCfg.CheckTimeout = defaultCheckTimeout
	}
}

func (mCfg *Mail) validate(tCfg *Transport, rCfg *Relay) error {
	if mCfg.MaxFragmentSize < 0 {
		return errors.New("config: Mail: MaxFragmentSize is negative")
	}
	derived := outbox.MaxFragmentSize(tCfg.MaxDatagramSize, crypto.Default(), rCfg.NumStoreHops, rCfg.ProofOfWorkBits)
	if derived <= 0 {
		return fmt.Errorf("config: Transport: MaxDatagramSize %d leaves no room for a fragment with %d hops", tCfg.MaxDatagramSize, rCfg.NumStoreHops)
	}
	if mCfg.MaxFragmentSize > derived {
		return fmt.Errorf("config: Mail: MaxFragmentSize %d exceeds the %d bytes a datagram holds", mCfg.MaxFragmentSize, derived)
	}
	return nil
}

// Delivery is the delivery confirmation configuration.
type Delivery struct {
	Enabled bool

	// Interval is the time between delivery checks, in minutes.
	Interval int
}

func (dCfg *Delivery) applyDefaults() {
	if dCfg.Interval <= 0 {
		dCfg.Interval = defaultDeliveryInterval
	}
}

// Gateway is the configuration of the gateway mail for addresses outside
// the network is routed through.
type Gateway struct {
	Enabled bool

	// Destination is the gateway's destination.
	Destination string

	// Domains optionally restricts the gateway to these mail domains.
	Domains []string
}

func (gCfg *Gateway) validate() error {
	if !gCfg.Enabled {
		return nil
	}
	if _, err := address.Parse(gCfg.Destination); err != nil {
		return fmt.Errorf("config: Gateway: invalid Destination: %v", err)
	}
	for i, d := range gCfg.Domains {
		ascii, err := idna.Lookup.ToASCII(d)
		if err != nil {
			return fmt.Errorf("config: Gateway: invalid domain '%v': %v", d, err)
		}
		gCfg.Domains[i] = ascii
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// PacketTTL is the time stored packets are kept, in days.
	PacketTTL int

	// ExpirationInterval is the time between expiration sweeps, in
	// minutes.
	ExpirationInterval int

	// MetricsAddress is the address the prometheus metrics are served on,
	// disabled if empty.
	MetricsAddress string

	// OutboxIdleInterval is the time the outbox waits for new mail, in
	// minutes.
	OutboxIdleInterval int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.PacketTTL <= 0 {
		dCfg.PacketTTL = defaultPacketTTL
	}
	if dCfg.ExpirationInterval <= 0 {
		dCfg.ExpirationInterval = defaultExpirationInterval
	}
	if dCfg.OutboxIdleInterval <= 0 {
		dCfg.OutboxIdleInterval = defaultOutboxIdle
	}
}

// Config is the top level dhtmail node configuration.
type Config struct {
	Node      *Node
	Logging   *Logging
	Transport *Transport
	Relay     *Relay
	Mail      *Mail
	Delivery  *Delivery
	Gateway   *Gateway

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Node section is mandatory, everything else is optional.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Transport == nil {
		cfg.Transport = &Transport{}
	}
	if cfg.Relay == nil {
		cfg.Relay = &Relay{}
	}
	if cfg.Mail == nil {
		cfg.Mail = &Mail{}
	}
	if cfg.Delivery == nil {
		cfg.Delivery = &Delivery{Enabled: true}
	}
	if cfg.Gateway == nil {
		cfg.Gateway = &Gateway{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Transport.applyDefaults()
	if err := cfg.Transport.validate(); err != nil {
		return err
	}
	cfg.Relay.applyDefaults()
	if err := cfg.Relay.validate(); err != nil {
		return err
	}
	cfg.Mail.applyDefaults()
	if err := cfg.Mail.validate(cfg.Transport, cfg.Relay); err != nil {
		return err
	}
	cfg.Delivery.applyDefaults()
	if err := cfg.Gateway.validate(); err != nil {
		return err
	}
	cfg.Debug.applyDefaults()
	return nil
}

// InitLogBackend returns the log backend described by the Logging
// section.
func (cfg *Config) InitLogBackend() (*log.Backend, error) {
	return log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := &Config{
		Delivery: &Delivery{Enabled: true},
	}
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
