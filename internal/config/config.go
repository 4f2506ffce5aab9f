// Package config parses config.json and the CLI flags that override it,
// into the InterfaceConfig the engine treats as immutable once started
// (spec §3). Defaults are backfilled the way the teacher's LoadConfig
// does for its YAML config (internal/config.go in the teacher repo),
// just against the JSON shape spec §6 names.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"trojan-tun/internal/errs"
)

// GlobalConfig is config.json, unmarshaled with the exact keys spec §6
// names. Field order follows the spec's key list.
type GlobalConfig struct {
	IfaceName   string `json:"iface_name"`
	ServerDomain string `json:"server_domain"`
	// ServerAuth identifies the caller to the relay at the TLS layer
	// (client certificate selection, SNI-adjacent provisioning, or
	// whatever out-of-band scheme the relay deployment uses); the
	// Trojan preamble itself carries no auth field, so this never goes
	// on the wire as part of CMD||ADDR||CRLF.
	ServerAuth  string `json:"server_auth"`
	DefaultDNS  string `json:"default_dns"`
	LogLevel    int    `json:"log_level"`
	PoolSize    int    `json:"pool_size"`
	EnableIPSet bool   `json:"enable_ipset"`
	InverseRoute bool  `json:"inverse_route"`
	EnableDNS   bool   `json:"enable_dns"`
	DNSListen   string `json:"dns_listen"`
	TrustDNS    string `json:"trust_dns"`
}

// Load reads and validates config.json at path, backfilling defaults.
func Load(path string) (*GlobalConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c GlobalConfig
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, errs.New(errs.ConfigInvalid, "config.Load", err)
	}
	return &c, nil
}

func (c *GlobalConfig) applyDefaults() {
	if c.LogLevel == 0 {
		c.LogLevel = 2 // info
	}
	if c.PoolSize == 0 {
		c.PoolSize = 8
	}
	if c.DefaultDNS == "" {
		c.DefaultDNS = "1.1.1.1:53"
	}
	if c.DNSListen == "" {
		c.DNSListen = "127.0.0.1:15353"
	}
	if c.IfaceName == "" {
		c.IfaceName = "trojan-tun0"
	}
}

// Validate reports the first required-field violation, if any.
func (c *GlobalConfig) Validate() error {
	if c.ServerDomain == "" {
		return fmt.Errorf("server_domain is required")
	}
	if c.ServerAuth == "" {
		return fmt.Errorf("server_auth is required")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("invalid pool_size: %d", c.PoolSize)
	}
	return nil
}

// InterfaceConfig is the engine's immutable-once-started view (spec §3):
// the merge of config.json and CLI flags that every component reads.
type InterfaceConfig struct {
	MTU          int
	LocalCIDR    string
	RelayAddr    string // host:port
	RelaySNI     string
	ServerAuth   string
	BufferSize   int
	PoolSize     int
	InverseRoute bool
	BypassSet    string
	NoBypassSet  string
	IfaceName    string
	WintunDriver string
	LogPath      string
	LogLevel     int
	LocalAddr    string
	DNSServerAddr string

	TLSHandshakeTimeout time.Duration
	UDPIdleTimeout      time.Duration
	FlowIdleTimeout     time.Duration
	FlowSweepInterval   time.Duration
}

// Defaults fills in the engine-side constants spec §5 names as timeouts,
// for fields CLI/config don't expose directly.
func (c *InterfaceConfig) Defaults() {
	if c.MTU == 0 {
		c.MTU = 1500
	}
	if c.BufferSize == 0 {
		c.BufferSize = 16 * 1024
	}
	if c.PoolSize == 0 {
		c.PoolSize = 8
	}
	if c.TLSHandshakeTimeout == 0 {
		c.TLSHandshakeTimeout = 10 * time.Second
	}
	if c.UDPIdleTimeout == 0 {
		c.UDPIdleTimeout = 600 * time.Second
	}
	if c.FlowIdleTimeout == 0 {
		c.FlowIdleTimeout = 300 * time.Second
	}
	if c.FlowSweepInterval == 0 {
		c.FlowSweepInterval = 1 * time.Second
	}
}

// FromGlobal builds the engine-facing InterfaceConfig from a parsed
// config.json, before CLI flags are layered on top.
func FromGlobal(g *GlobalConfig) *InterfaceConfig {
	ic := &InterfaceConfig{
		RelaySNI:      g.ServerDomain,
		ServerAuth:    g.ServerAuth,
		PoolSize:      g.PoolSize,
		InverseRoute:  g.InverseRoute,
		IfaceName:     g.IfaceName,
		LogLevel:      g.LogLevel,
		DNSServerAddr: g.DNSListen,
	}
	ic.Defaults()
	return ic
}
