package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ALLiDoizCode/m2m-sub003/core"
)

const validYAML = `
node_id: b
address: g.b
btp_server_port: 7768
health_check_port: 8081
log_level: info
peers:
  - id: c
    url: ws://localhost:7769
    auth_token: tok-c
routes:
  - prefix: g.c
    next_hop: c
    priority: 3
settlement:
  enable: true
  connector_fee_percentage: 0.1
  durable_commits: true
  monitor_interval: 10s
  credit_limits:
    default: "5000"
    per_peer:
      c: "9000"
    per_token:
      - peer: c
        token: usd
        amount: "1000"
  thresholds:
    - peer: c
      amount: "4000"
forwarding:
  min_expiry_window: 2s
  max_hops: 16
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connector.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "b" || cfg.BTPServerPort != 7768 {
		t.Fatalf("cfg=%+v", cfg)
	}

	built, err := cfg.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if built.Bookkeeping.FeeBasisPoints != 10 {
		t.Fatalf("bp=%d want 10 (0.1%%)", built.Bookkeeping.FeeBasisPoints)
	}
	if !built.Bookkeeping.DurableCommits {
		t.Fatal("durable commits dropped")
	}
	if built.Bookkeeping.MonitorInterval != 10*time.Second {
		t.Fatalf("interval=%s", built.Bookkeeping.MonitorInterval)
	}
	if built.MinExpiryWindow != 2*time.Second || built.MaxHops != 16 {
		t.Fatalf("forwarding=%+v", built)
	}

	limits := built.Bookkeeping.Limits
	if limits.Default.Int64() != 5000 {
		t.Fatalf("default limit=%s", limits.Default)
	}
	if limits.PerPeer["c"].Int64() != 9000 {
		t.Fatalf("per-peer limit=%s", limits.PerPeer["c"])
	}
	usd := core.AccountKey{PeerID: "c", TokenID: "usd"}
	if limits.PerToken[usd].Int64() != 1000 {
		t.Fatalf("per-token limit missing")
	}
	th := built.Bookkeeping.Thresholds[core.AccountKey{PeerID: "c", TokenID: core.DefaultTokenID}]
	if th == nil || th.Int64() != 4000 {
		t.Fatalf("threshold=%v", th)
	}
	if len(built.Peers) != 1 || len(built.Routes) != 1 {
		t.Fatalf("peers=%d routes=%d", len(built.Peers), len(built.Routes))
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"MissingNodeID", `
address: g.b
btp_server_port: 7768
`},
		{"BadAddress", `
node_id: b
address: NOT_AN_ADDRESS
btp_server_port: 7768
`},
		{"PortOutOfRange", `
node_id: b
address: g.b
btp_server_port: 99999
`},
		{"DuplicatePeerIDs", `
node_id: b
address: g.b
btp_server_port: 7768
peers:
  - {id: c, url: "ws://x:1", auth_token: t}
  - {id: c, url: "ws://y:2", auth_token: t}
`},
		{"BadPeerScheme", `
node_id: b
address: g.b
btp_server_port: 7768
peers:
  - {id: c, url: "http://x:1", auth_token: t}
`},
		{"BadRoutePrefix", `
node_id: b
address: g.b
btp_server_port: 7768
routes:
  - {prefix: "..", next_hop: c}
`},
		{"BadLogLevel", `
node_id: b
address: g.b
btp_server_port: 7768
log_level: loud
`},
		{"FeeTooHigh", `
node_id: b
address: g.b
btp_server_port: 7768
settlement:
  enable: true
  connector_fee_percentage: 150
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestBuildRejectsBadAmounts(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
node_id: b
address: g.b
btp_server_port: 7768
settlement:
  enable: true
  connector_fee_percentage: 0
  credit_limits:
    default: "not-a-number"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := cfg.Build(); err == nil {
		t.Fatal("non-numeric limit accepted")
	}
}
