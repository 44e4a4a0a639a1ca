// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package factory

import (
	"fmt"
	"net"
	"time"

	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/util/logger"
)

const (
	ISAKMPD_EXPECTED_CONFIG_VERSION = "1.0.0"

	DefaultIsakmpPort      = 500
	DefaultNattPort        = 4500
	DefaultRetryCount      = 5
	DefaultRetryInterval   = 10 * time.Second
	DefaultRetryPerSend    = 1
	DefaultRetryCheckPh1   = 30
	DefaultTick            = time.Second
	DefaultFragMaxLen      = 552
	DefaultNatKeepalive    = 20 * time.Second
	DefaultAdminSocket     = "/var/run/isakmpd.sock"
	DefaultEventHistory    = 64
	DefaultEventQueue      = 32
	DefaultPhase1Lifetime  = 8 * time.Hour
	DefaultPhase2Lifetime  = time.Hour
	AnonymousRemoteAddress = "anonymous"
)

// Phase1 step failure policies.
const (
	FailurePolicyIgnore   = "ignore"
	FailurePolicyTeardown = "teardown"
)

type Config struct {
	Info          *Info          `yaml:"info"`
	Configuration *Configuration `yaml:"configuration"`
	Logger        *Logger        `yaml:"logger"`
}

type Info struct {
	Version     string `yaml:"version,omitempty"`
	Description string `yaml:"description,omitempty"`
}

type Logger struct {
	ISAKMPD *logger.LogSetting `yaml:"ISAKMPD,omitempty"`
	Util    *logger.LogSetting `yaml:"Util,omitempty"`
}

type Configuration struct {
	Listen              []string      `yaml:"listen"`
	IsakmpPort          int           `yaml:"isakmpPort,omitempty"`
	NattPort            int           `yaml:"nattPort,omitempty"`
	Retry               Retry         `yaml:"retry"`
	Phase1FailurePolicy string        `yaml:"phase1FailurePolicy,omitempty"`
	Fragmentation       Fragmentation `yaml:"fragmentation"`
	NatKeepalive        time.Duration `yaml:"natKeepalive,omitempty"`
	AdminSocket         string        `yaml:"adminSocket,omitempty"`
	EventHistory        int           `yaml:"eventHistory,omitempty"`
	EventQueue          int           `yaml:"eventQueue,omitempty"`
	Remotes             []*RemoteConf `yaml:"remotes"`
}

type Retry struct {
	Count       int           `yaml:"count,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty"`
	PerSend     int           `yaml:"persend,omitempty"`
	CheckPhase1 int           `yaml:"checkPhase1,omitempty"`
	Tick        time.Duration `yaml:"tick,omitempty"`
}

type Fragmentation struct {
	MaxLen int `yaml:"maxLen,omitempty"`
}

// RemoteConf is the negotiation profile of one peer.
type RemoteConf struct {
	Name           string      `yaml:"name"`
	Address        string      `yaml:"address"`
	ExchangeModes  []string    `yaml:"exchangeModes"`
	Proposal       Proposal    `yaml:"proposal"`
	SAInfo         SAInfo      `yaml:"sainfo"`
	PreSharedKey   string      `yaml:"preSharedKey"`
	Identifier     *Identifier `yaml:"identifier,omitempty"`
	Retry          *Retry      `yaml:"retry,omitempty"`
	Passive        bool        `yaml:"passive,omitempty"`
	InitialContact bool        `yaml:"initialContact,omitempty"`
	NatTraversal   bool        `yaml:"natTraversal,omitempty"`
	Fragmentation  bool        `yaml:"fragmentation,omitempty"`
	GenerateCommit bool        `yaml:"generateCommit,omitempty"`

	network *net.IPNet
	modes   []message.ExchangeType
}

type Proposal struct {
	Encryption string        `yaml:"encryption"`
	KeyLength  int           `yaml:"keyLength,omitempty"`
	Hash       string        `yaml:"hash"`
	DHGroup    int           `yaml:"dhGroup"`
	Lifetime   time.Duration `yaml:"lifetime,omitempty"`
}

type SAInfo struct {
	Encryption     string        `yaml:"encryption"`
	KeyLength      int           `yaml:"keyLength,omitempty"`
	Authentication string        `yaml:"authentication"`
	PFSGroup       int           `yaml:"pfsGroup,omitempty"`
	Lifetime       time.Duration `yaml:"lifetime,omitempty"`
	Mode           string        `yaml:"mode,omitempty"`
}

type Identifier struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

func (c *Config) getVersion() string {
	if c.Info != nil && c.Info.Version != "" {
		return c.Info.Version
	}
	return ""
}

var (
	phase1Encryptions = map[string]bool{"aes": true}
	phase1Hashes      = map[string]bool{"md5": true, "sha1": true, "sha256": true}
	dhGroups          = map[int]bool{2: true, 14: true}
	phase2Encryptions = map[string]bool{"aes-cbc": true}
	phase2Auths       = map[string]bool{"hmac-md5": true, "hmac-sha1": true, "hmac-sha256": true}
	aesKeyLengths     = map[int]bool{128: true, 192: true, 256: true}
)

// SetDefaults fills unset fields.
func (c *Configuration) SetDefaults() {
	if len(c.Listen) == 0 {
		c.Listen = []string{"0.0.0.0"}
	}
	if c.IsakmpPort == 0 {
		c.IsakmpPort = DefaultIsakmpPort
	}
	if c.NattPort == 0 {
		c.NattPort = DefaultNattPort
	}
	c.Retry.setDefaults()
	if c.Phase1FailurePolicy == "" {
		c.Phase1FailurePolicy = FailurePolicyIgnore
	}
	if c.Fragmentation.MaxLen == 0 {
		c.Fragmentation.MaxLen = DefaultFragMaxLen
	}
	if c.NatKeepalive == 0 {
		c.NatKeepalive = DefaultNatKeepalive
	}
	if c.AdminSocket == "" {
		c.AdminSocket = DefaultAdminSocket
	}
	if c.EventHistory == 0 {
		c.EventHistory = DefaultEventHistory
	}
	if c.EventQueue == 0 {
		c.EventQueue = DefaultEventQueue
	}
	for _, r := range c.Remotes {
		r.setDefaults(&c.Retry)
	}
}

func (r *Retry) setDefaults() {
	if r.Count == 0 {
		r.Count = DefaultRetryCount
	}
	if r.Interval == 0 {
		r.Interval = DefaultRetryInterval
	}
	if r.PerSend == 0 {
		r.PerSend = DefaultRetryPerSend
	}
	if r.CheckPhase1 == 0 {
		r.CheckPhase1 = DefaultRetryCheckPh1
	}
	if r.Tick == 0 {
		r.Tick = DefaultTick
	}
}

func (r *RemoteConf) setDefaults(global *Retry) {
	if len(r.ExchangeModes) == 0 {
		r.ExchangeModes = []string{"main"}
	}
	if r.Proposal.Encryption == "" {
		r.Proposal.Encryption = "aes"
	}
	if r.Proposal.KeyLength == 0 {
		r.Proposal.KeyLength = 128
	}
	if r.Proposal.Hash == "" {
		r.Proposal.Hash = "sha1"
	}
	if r.Proposal.DHGroup == 0 {
		r.Proposal.DHGroup = 14
	}
	if r.Proposal.Lifetime == 0 {
		r.Proposal.Lifetime = DefaultPhase1Lifetime
	}
	if r.SAInfo.Encryption == "" {
		r.SAInfo.Encryption = "aes-cbc"
	}
	if r.SAInfo.KeyLength == 0 {
		r.SAInfo.KeyLength = 128
	}
	if r.SAInfo.Authentication == "" {
		r.SAInfo.Authentication = "hmac-sha1"
	}
	if r.SAInfo.Lifetime == 0 {
		r.SAInfo.Lifetime = DefaultPhase2Lifetime
	}
	if r.SAInfo.Mode == "" {
		r.SAInfo.Mode = "tunnel"
	}
	if r.Retry == nil {
		retry := *global
		r.Retry = &retry
	} else {
		if r.Retry.Count == 0 {
			r.Retry.Count = global.Count
		}
		if r.Retry.Interval == 0 {
			r.Retry.Interval = global.Interval
		}
		r.Retry.PerSend = global.PerSend
		r.Retry.CheckPhase1 = global.CheckPhase1
		r.Retry.Tick = global.Tick
	}
}

// Validate checks the configuration and compiles remote addresses.
func (c *Configuration) Validate() error {
	for _, addr := range c.Listen {
		if net.ParseIP(addr) == nil {
			return fmt.Errorf("listen: invalid address %q", addr)
		}
	}
	if c.IsakmpPort <= 0 || c.IsakmpPort > 0xffff || c.NattPort <= 0 || c.NattPort > 0xffff {
		return fmt.Errorf("invalid ports isakmp=%d natt=%d", c.IsakmpPort, c.NattPort)
	}
	if c.IsakmpPort == c.NattPort {
		return fmt.Errorf("isakmpPort and nattPort must differ")
	}
	if c.Phase1FailurePolicy != FailurePolicyIgnore && c.Phase1FailurePolicy != FailurePolicyTeardown {
		return fmt.Errorf("phase1FailurePolicy: unknown policy %q", c.Phase1FailurePolicy)
	}
	if c.Retry.Count < 0 || c.Retry.Interval < 0 {
		return fmt.Errorf("retry: negative count or interval")
	}
	if c.Fragmentation.MaxLen < message.HEADER_LEN+message.PAYLOAD_HEADER_LEN+8 {
		return fmt.Errorf("fragmentation.maxLen %d is too small", c.Fragmentation.MaxLen)
	}
	names := make(map[string]bool)
	for i, r := range c.Remotes {
		if r.Name == "" {
			return fmt.Errorf("remotes[%d]: missing name", i)
		}
		if names[r.Name] {
			return fmt.Errorf("remotes[%d]: duplicate name %q", i, r.Name)
		}
		names[r.Name] = true
		if err := r.compile(); err != nil {
			return fmt.Errorf("remote %q: %w", r.Name, err)
		}
	}
	return nil
}

func (r *RemoteConf) compile() error {
	switch {
	case r.Address == AnonymousRemoteAddress:
		r.network = nil
	case net.ParseIP(r.Address) != nil:
		ip := net.ParseIP(r.Address)
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		r.network = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
	default:
		_, network, err := net.ParseCIDR(r.Address)
		if err != nil {
			return fmt.Errorf("invalid address %q", r.Address)
		}
		r.network = network
	}

	r.modes = r.modes[:0]
	for _, m := range r.ExchangeModes {
		etype, ok := message.ExchangeByName(m)
		if !ok {
			return fmt.Errorf("unknown exchange mode %q", m)
		}
		r.modes = append(r.modes, etype)
	}
	if !phase1Encryptions[r.Proposal.Encryption] || !aesKeyLengths[r.Proposal.KeyLength] {
		return fmt.Errorf("unsupported phase1 encryption %s/%d", r.Proposal.Encryption, r.Proposal.KeyLength)
	}
	if !phase1Hashes[r.Proposal.Hash] {
		return fmt.Errorf("unsupported phase1 hash %q", r.Proposal.Hash)
	}
	if !dhGroups[r.Proposal.DHGroup] {
		return fmt.Errorf("unsupported DH group %d", r.Proposal.DHGroup)
	}
	if !phase2Encryptions[r.SAInfo.Encryption] || !aesKeyLengths[r.SAInfo.KeyLength] {
		return fmt.Errorf("unsupported phase2 encryption %s/%d", r.SAInfo.Encryption, r.SAInfo.KeyLength)
	}
	if !phase2Auths[r.SAInfo.Authentication] {
		return fmt.Errorf("unsupported phase2 authentication %q", r.SAInfo.Authentication)
	}
	if r.SAInfo.PFSGroup != 0 && !dhGroups[r.SAInfo.PFSGroup] {
		return fmt.Errorf("unsupported PFS group %d", r.SAInfo.PFSGroup)
	}
	if r.SAInfo.Mode != "tunnel" && r.SAInfo.Mode != "transport" {
		return fmt.Errorf("unknown sainfo mode %q", r.SAInfo.Mode)
	}
	if r.PreSharedKey == "" {
		return fmt.Errorf("missing preSharedKey")
	}
	if r.Identifier != nil {
		switch r.Identifier.Type {
		case "address", "fqdn", "user_fqdn", "keyid":
		default:
			return fmt.Errorf("unknown identifier type %q", r.Identifier.Type)
		}
	}
	return nil
}

// Matches reports whether ip belongs to this profile. Anonymous profiles
// match everything.
func (r *RemoteConf) Matches(ip net.IP) bool {
	if r.network == nil {
		return r.Address == AnonymousRemoteAddress
	}
	return r.network.Contains(ip)
}

// IsAnonymous reports whether the profile is the catch-all.
func (r *RemoteConf) IsAnonymous() bool {
	return r.Address == AnonymousRemoteAddress
}

// Exchanges lists the allowed Phase1 exchange types in preference order.
func (r *RemoteConf) Exchanges() []message.ExchangeType {
	return r.modes
}

// AcceptsExchange reports whether a responder may run etype for this peer.
func (r *RemoteConf) AcceptsExchange(etype message.ExchangeType) bool {
	for _, m := range r.modes {
		if m == etype {
			return true
		}
	}
	return false
}

// ByAddress returns the most specific profile whose address covers ip,
// falling back to an anonymous profile.
func (c *Configuration) ByAddress(ip net.IP) *RemoteConf {
	var best, anonymous *RemoteConf
	bestOnes := -1
	for _, r := range c.Remotes {
		if r.IsAnonymous() {
			if anonymous == nil {
				anonymous = r
			}
			continue
		}
		if r.network == nil || !r.network.Contains(ip) {
			continue
		}
		if ones, _ := r.network.Mask.Size(); ones > bestOnes {
			best, bestOnes = r, ones
		}
	}
	if best != nil {
		return best
	}
	return anonymous
}

// ByName returns the profile called name.
func (c *Configuration) ByName(name string) *RemoteConf {
	for _, r := range c.Remotes {
		if r.Name == name {
			return r
		}
	}
	return nil
}
