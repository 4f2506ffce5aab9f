package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadBackfillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	const body = `{
		"server_domain": "relay.example.com",
		"server_auth": "s3cret"
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != 2 {
		t.Fatalf("LogLevel default = %d, want 2", cfg.LogLevel)
	}
	if cfg.PoolSize != 8 {
		t.Fatalf("PoolSize default = %d, want 8", cfg.PoolSize)
	}
	if cfg.DefaultDNS != "1.1.1.1:53" {
		t.Fatalf("DefaultDNS default = %q", cfg.DefaultDNS)
	}
	if cfg.IfaceName != "trojan-tun0" {
		t.Fatalf("IfaceName default = %q", cfg.IfaceName)
	}
}

func TestLoadRejectsMissingRequired(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"server_domain": "relay.example.com"}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing server_auth")
	}
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	const body = `{
		"server_domain": "relay.example.com",
		"server_auth": "s3cret",
		"pool_size": 32,
		"log_level": 0,
		"enable_ipset": true,
		"inverse_route": true
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PoolSize != 32 {
		t.Fatalf("PoolSize = %d, want 32", cfg.PoolSize)
	}
	if !cfg.EnableIPSet || !cfg.InverseRoute {
		t.Fatal("expected enable_ipset and inverse_route to round-trip true")
	}
	// log_level explicitly 0 falls back to the default since the zero
	// value and "unset" are indistinguishable in this JSON shape.
	if cfg.LogLevel != 2 {
		t.Fatalf("LogLevel = %d, want default 2", cfg.LogLevel)
	}
}

func TestFromGlobalAppliesEngineDefaults(t *testing.T) {
	g := &GlobalConfig{ServerDomain: "relay.example.com", ServerAuth: "s3cret", PoolSize: 4}
	ic := FromGlobal(g)
	if ic.MTU != 1500 {
		t.Fatalf("MTU = %d, want 1500", ic.MTU)
	}
	if ic.RelaySNI != "relay.example.com" {
		t.Fatalf("RelaySNI = %q", ic.RelaySNI)
	}
	if ic.PoolSize != 4 {
		t.Fatalf("PoolSize = %d, want 4", ic.PoolSize)
	}
}

func TestLoadRouteListEmptyPath(t *testing.T) {
	rl, err := LoadRouteList("")
	if err != nil {
		t.Fatalf("LoadRouteList: %v", err)
	}
	if len(rl.CIDRs) != 0 {
		t.Fatalf("expected empty route list, got %v", rl.CIDRs)
	}
}

func TestLoadRouteListParsesCIDRs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	const body = "cidrs:\n  - 10.0.0.0/8\n  - 192.168.0.0/16\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write route list: %v", err)
	}
	rl, err := LoadRouteList(path)
	if err != nil {
		t.Fatalf("LoadRouteList: %v", err)
	}
	if len(rl.CIDRs) != 2 || rl.CIDRs[0] != "10.0.0.0/8" {
		t.Fatalf("unexpected CIDRs: %v", rl.CIDRs)
	}
}
