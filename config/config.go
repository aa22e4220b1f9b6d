// Copyright (C) 1996-2023 The Squid Software Foundation and contributors
//
// Squid software is distributed under GPLv2+ license and includes
// contributions from numerous individuals and organizations.
// Please see the COPYING and CONTRIBUTORS files for details.

// Package config loads the knobs listed in SPEC_FULL.md §6 from YAML into a
// typed Config, the way the teacher's service-test harness loads its own
// YAML fixtures: unmarshal onto a struct, then validate. Defaults are
// applied before the YAML is unmarshaled, in the same functional-options
// style as internal/backoff's exponential strategy, so a caller building a
// Config by hand (tests, a cmd/ composition root without a file on disk)
// gets the same baseline a file-backed Load would.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/gatewaycore/fwdcore/forward"
	"github.com/gatewaycore/fwdcore/peer/handle"
	"github.com/gatewaycore/fwdcore/peer/happyeyeballs"
	"github.com/gatewaycore/fwdcore/peer/path"
	"github.com/gatewaycore/fwdcore/peer/pool"
)

// HappyEyeballsConfig is the HappyEyeballs.* knob group (§6).
type HappyEyeballsConfig struct {
	// ConnectTimeoutMS is the prime-chance timeout: how long the spare
	// waits to give the prime a solo chance (happy_eyeballs_connect_timeout;
	// maps onto peer/happyeyeballs.Config.PrimeChanceGap, not ConnectTimeout
	// — see that package's Config doc for why the names diverge).
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`
	// ConnectGapMS is the minimum gap enforced between successive spare
	// starts, process-wide.
	ConnectGapMS int `yaml:"connect_gap_ms"`
	// ConnectLimit bounds concurrently outstanding spares. Negative is
	// unlimited; zero allows none (until the owning prime fails).
	ConnectLimit int `yaml:"connect_limit"`
}

// ForwardConfig is the Forward.* knob group (§6).
type ForwardConfig struct {
	MaxTries       int `yaml:"max_tries"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// TLSConfig is a peer's TLS options (§6 "TLS options").
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// PeerConfig is one configured parent-proxy/origin peer (§6 "Per-peer").
type PeerConfig struct {
	Name             string    `yaml:"name"`
	Addresses        []string  `yaml:"addresses"`
	Port             int       `yaml:"port"`
	HostHint         string    `yaml:"host_hint"`
	ConnectTimeoutMS int       `yaml:"connect_timeout_ms"`
	TLS              TLSConfig `yaml:"tls"`
	StandbyLimit     int       `yaml:"standby_limit"`
	OriginServer     bool      `yaml:"origin_server"`
	NoTProxy         bool      `yaml:"no_tproxy"`
	NoDelayPool      bool      `yaml:"no_delay_pool"`
	TOS              uint8     `yaml:"tos"`
	NetfilterMark    uint32    `yaml:"netfilter_mark"`
}

// QoSRule is one ACL-keyed TOS/netfilter-mark entry (§6 "QoS").
type QoSRule struct {
	ACL           string `yaml:"acl"`
	TOS           uint8  `yaml:"tos"`
	NetfilterMark uint32 `yaml:"netfilter_mark"`
}

// Config is the complete set of knobs SPEC_FULL.md §6 lists as consumed
// from config.
type Config struct {
	// Workers scales the happy-eyeballs gap/limit aggregate across
	// cooperating proxy worker processes; must be >= 1.
	Workers       int                 `yaml:"workers"`
	HappyEyeballs HappyEyeballsConfig `yaml:"happy_eyeballs"`
	Forward       ForwardConfig       `yaml:"forward"`
	Peers         []PeerConfig        `yaml:"peers"`
	QoS           []QoSRule           `yaml:"qos"`
}

// Option customizes the defaults a Config starts from, before any YAML is
// unmarshaled onto it. Mirrors internal/backoff's ExponentialOption shape.
type Option func(*Config)

// WithWorkers overrides the default worker count.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// WithHappyEyeballs overrides the default HappyEyeballs.* group.
func WithHappyEyeballs(h HappyEyeballsConfig) Option {
	return func(c *Config) { c.HappyEyeballs = h }
}

// WithForward overrides the default Forward.* group.
func WithForward(f ForwardConfig) Option {
	return func(c *Config) { c.Forward = f }
}

var defaultConfig = Config{
	Workers: 1,
	HappyEyeballs: HappyEyeballsConfig{
		ConnectTimeoutMS: 250,
		ConnectGapMS:     0,
		ConnectLimit:     -1,
	},
	Forward: ForwardConfig{
		MaxTries:       4,
		TimeoutSeconds: 300,
	},
}

// New builds a Config from defaults plus opts, without reading any file.
// Intended for tests and for composition roots that configure a Config
// entirely in code.
func New(opts ...Option) (*Config, error) {
	c := defaultConfig
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads path, unmarshals it onto a Config started from defaults (plus
// opts), and validates the result.
func Load(path string, opts ...Option) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	c := defaultConfig
	for _, opt := range opts {
		opt(&c)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every violated invariant, aggregated, rather than only
// the first (same approach as internal/backoff's exponentialOptions.validate).
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Workers < 1 {
		err = multierr.Append(err, errors.New("config: workers must be >= 1"))
	}
	if c.HappyEyeballs.ConnectTimeoutMS < 0 {
		err = multierr.Append(err, errors.New("config: happy_eyeballs.connect_timeout_ms must be >= 0"))
	}
	if c.HappyEyeballs.ConnectGapMS < 0 {
		err = multierr.Append(err, errors.New("config: happy_eyeballs.connect_gap_ms must be >= 0"))
	}
	if c.Forward.MaxTries < 1 {
		err = multierr.Append(err, errors.New("config: forward.max_tries must be >= 1"))
	}
	if c.Forward.TimeoutSeconds < 0 {
		err = multierr.Append(err, errors.New("config: forward.timeout_seconds must be >= 0"))
	}
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.Name == "" {
			err = multierr.Append(err, errors.New("config: peer entry missing name"))
			continue
		}
		if seen[p.Name] {
			err = multierr.Append(err, fmt.Errorf("config: duplicate peer name %q", p.Name))
		}
		seen[p.Name] = true
		if p.StandbyLimit < 0 {
			err = multierr.Append(err, fmt.Errorf("config: peer %q standby_limit must be >= 0", p.Name))
		}
	}
	return err
}

// ForwardBudget builds the forward.Config governing attempt/budget limits
// for every transaction.
func (c *Config) ForwardBudget() forward.Config {
	return forward.Config{
		Budget:   time.Duration(c.Forward.TimeoutSeconds) * time.Second,
		MaxTries: c.Forward.MaxTries,
	}
}

// OpenerConfig builds the peer/happyeyeballs.Config for racing connections
// to peerName: the global pacing knobs (PrimeChanceGap/ConnectGap/
// ConnectLimit/Workers) plus that peer's own per-peer dial deadline. An
// unrecognized peerName yields the global pacing knobs with no per-peer
// ConnectTimeout override (happyeyeballs.New then applies its own default).
func (c *Config) OpenerConfig(peerName string) happyeyeballs.Config {
	cfg := happyeyeballs.Config{
		PrimeChanceGap: time.Duration(c.HappyEyeballs.ConnectTimeoutMS) * time.Millisecond,
		ConnectGap:     time.Duration(c.HappyEyeballs.ConnectGapMS) * time.Millisecond,
		ConnectLimit:   c.HappyEyeballs.ConnectLimit,
		Workers:        c.Workers,
	}
	if p := c.peer(peerName); p != nil {
		cfg.ConnectTimeout = time.Duration(p.ConnectTimeoutMS) * time.Millisecond
	}
	return cfg
}

// NewSpareAllowanceGiver builds the process-wide
// peer/happyeyeballs.SpareAllowanceGiver from the HappyEyeballs.* knobs, so
// every Opener sharing this Config shares one real, configured gate rather
// than each constructing its own (or none at all).
func (c *Config) NewSpareAllowanceGiver() *happyeyeballs.SpareAllowanceGiver {
	return happyeyeballs.NewSpareAllowanceGiver(
		time.Duration(c.HappyEyeballs.ConnectGapMS)*time.Millisecond,
		c.HappyEyeballs.ConnectLimit,
		c.Workers,
	)
}

// PeerSpec builds the peer/pool.PeerSpec describing peerName's standby
// refill behavior, tagged with id (the handle identifying this peer
// elsewhere in the module). Reports ok=false if no peer by that name is
// configured.
func (c *Config) PeerSpec(id handle.ID, peerName string) (spec pool.PeerSpec, ok bool) {
	p := c.peer(peerName)
	if p == nil {
		return pool.PeerSpec{}, false
	}
	addrs := make([]net.IP, 0, len(p.Addresses))
	for _, a := range p.Addresses {
		if ip := net.ParseIP(a); ip != nil {
			addrs = append(addrs, ip)
		}
	}
	return pool.PeerSpec{
		ID:             id,
		Addresses:      addrs,
		Port:           p.Port,
		HostHint:       p.HostHint,
		Markings:       path.Markings{TOS: p.TOS, NfMark: p.NetfilterMark},
		StandbyLimit:   p.StandbyLimit,
		ConnectTimeout: time.Duration(p.ConnectTimeoutMS) * time.Millisecond,
		RequiresTLS:    p.TLS.Enabled,
	}, true
}

func (c *Config) peer(name string) *PeerConfig {
	for i := range c.Peers {
		if c.Peers[i].Name == name {
			return &c.Peers[i]
		}
	}
	return nil
}

// QoSLookup builds the ACL-keyed TOS/netfilter-mark lookup function §6
// calls for ("represented as an injected lookup function; ACL evaluation
// itself is out of scope"): the caller supplies the already-evaluated ACL
// name and gets back the matching markings, if any.
func (c *Config) QoSLookup() func(acl string) (path.Markings, bool) {
	index := make(map[string]path.Markings, len(c.QoS))
	for _, r := range c.QoS {
		index[r.ACL] = path.Markings{TOS: r.TOS, NfMark: r.NetfilterMark}
	}
	return func(acl string) (path.Markings, bool) {
		m, found := index[acl]
		return m, found
	}
}
