// Package config loads and validates the connector configuration from YAML
// files and environment variables, and assembles the runtime configuration
// consumed by core.
package config

import (
	"fmt"
	"math"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ALLiDoizCode/m2m-sub003/core"
	"github.com/ALLiDoizCode/m2m-sub003/pkg/utils"
)

// Config mirrors the YAML configuration file.
type Config struct {
	NodeID          string `mapstructure:"node_id" json:"node_id"`
	Address         string `mapstructure:"address" json:"address"`
	BTPServerPort   int    `mapstructure:"btp_server_port" json:"btp_server_port"`
	HealthCheckPort int    `mapstructure:"health_check_port" json:"health_check_port"`
	LogLevel        string `mapstructure:"log_level" json:"log_level"`
	DataDir         string `mapstructure:"data_dir" json:"data_dir"`
	EventLogPath    string `mapstructure:"event_log_path" json:"event_log_path"`

	Peers []struct {
		ID        string `mapstructure:"id" json:"id"`
		URL       string `mapstructure:"url" json:"url"`
		AuthToken string `mapstructure:"auth_token" json:"auth_token"`
	} `mapstructure:"peers" json:"peers"`

	Routes []struct {
		Prefix   string `mapstructure:"prefix" json:"prefix"`
		NextHop  string `mapstructure:"next_hop" json:"next_hop"`
		Priority int32  `mapstructure:"priority" json:"priority"`
	} `mapstructure:"routes" json:"routes"`

	Settlement Settlement `mapstructure:"settlement" json:"settlement"`

	Forwarding struct {
		MinExpiryWindow time.Duration `mapstructure:"min_expiry_window" json:"min_expiry_window"`
		MaxHops         int           `mapstructure:"max_hops" json:"max_hops"`
		MaxPending      int           `mapstructure:"max_pending" json:"max_pending"`
		WriteQueue      int           `mapstructure:"write_queue" json:"write_queue"`
	} `mapstructure:"forwarding" json:"forwarding"`
}

// Settlement is the bookkeeping section of the file.
type Settlement struct {
	Enable                 bool    `mapstructure:"enable" json:"enable"`
	ConnectorFeePercentage float64 `mapstructure:"connector_fee_percentage" json:"connector_fee_percentage"`
	DurableCommits         bool    `mapstructure:"durable_commits" json:"durable_commits"`
	MonitorInterval        string  `mapstructure:"monitor_interval" json:"monitor_interval"`

	CreditLimits struct {
		Default       string            `mapstructure:"default" json:"default"`
		GlobalCeiling string            `mapstructure:"global_ceiling" json:"global_ceiling"`
		PerPeer       map[string]string `mapstructure:"per_peer" json:"per_peer"`
		PerToken      []AccountAmount   `mapstructure:"per_token" json:"per_token"`
	} `mapstructure:"credit_limits" json:"credit_limits"`

	Thresholds []AccountAmount `mapstructure:"thresholds" json:"thresholds"`
}

// AccountAmount scopes one amount to a (peer, token) account.
type AccountAmount struct {
	Peer   string `mapstructure:"peer" json:"peer"`
	Token  string `mapstructure:"token" json:"token"`
	Amount string `mapstructure:"amount" json:"amount"`
}

// Load reads the configuration file at path (or "connector.yaml" in the
// working directory or its config/ subdirectory when empty), merges
// environment overrides and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("connector")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}
	v.SetEnvPrefix("CONNECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("log_level", "info")
	v.SetDefault("forwarding.min_expiry_window", "1s")
	v.SetDefault("forwarding.max_hops", 30)

	if err := v.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural constraints the connector relies on.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id required")
	}
	if err := core.ValidateAddress(core.Address(c.Address)); err != nil {
		return utils.Wrap(err, "address")
	}
	if c.BTPServerPort < 1 || c.BTPServerPort > 65535 {
		return fmt.Errorf("btp_server_port %d out of range", c.BTPServerPort)
	}
	if c.HealthCheckPort != 0 && (c.HealthCheckPort < 1 || c.HealthCheckPort > 65535) {
		return fmt.Errorf("health_check_port %d out of range", c.HealthCheckPort)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q not one of debug, info, warn, error", c.LogLevel)
	}

	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == "" {
			return fmt.Errorf("peer with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate peer id %q", p.ID)
		}
		seen[p.ID] = true
		u, err := url.Parse(p.URL)
		if err != nil {
			return utils.Wrap(err, fmt.Sprintf("peer %q url", p.ID))
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("peer %q url scheme %q is not ws or wss", p.ID, u.Scheme)
		}
	}

	for _, r := range c.Routes {
		if err := core.ValidateAddress(core.Address(r.Prefix)); err != nil {
			return utils.Wrap(err, "route prefix")
		}
		if r.NextHop == "" {
			return fmt.Errorf("route %q has no next hop", r.Prefix)
		}
	}

	if c.Settlement.Enable {
		bp := c.Settlement.ConnectorFeePercentage * 100
		if bp < 0 || bp >= 10000 {
			return fmt.Errorf("connector_fee_percentage %v out of range", c.Settlement.ConnectorFeePercentage)
		}
	}
	return nil
}

// Build assembles the core runtime configuration.
func (c *Config) Build() (core.ConnectorConfig, error) {
	book := core.BookkeeperConfig{
		DurableCommits: c.Settlement.DurableCommits,
	}
	if c.Settlement.Enable {
		book.FeeBasisPoints = uint64(math.Round(c.Settlement.ConnectorFeePercentage * 100))
		limits, err := c.buildLimits()
		if err != nil {
			return core.ConnectorConfig{}, err
		}
		book.Limits = limits
		thresholds, err := parseAccountAmounts(c.Settlement.Thresholds)
		if err != nil {
			return core.ConnectorConfig{}, utils.Wrap(err, "thresholds")
		}
		book.Thresholds = thresholds
		if c.Settlement.MonitorInterval != "" {
			d, err := time.ParseDuration(c.Settlement.MonitorInterval)
			if err != nil {
				return core.ConnectorConfig{}, utils.Wrap(err, "monitor_interval")
			}
			book.MonitorInterval = d
		}
	}

	out := core.ConnectorConfig{
		NodeID:          c.NodeID,
		Address:         core.Address(c.Address),
		BTPServerPort:   c.BTPServerPort,
		HealthCheckPort: c.HealthCheckPort,
		Bookkeeping:     book,
		DataDir:         c.DataDir,
		EventLogPath:    c.EventLogPath,
		MinExpiryWindow: c.Forwarding.MinExpiryWindow,
		MaxHops:         c.Forwarding.MaxHops,
		MaxPending:      c.Forwarding.MaxPending,
		WriteQueue:      c.Forwarding.WriteQueue,
	}
	for _, p := range c.Peers {
		out.Peers = append(out.Peers, core.PeerConfig{ID: p.ID, URL: p.URL, AuthToken: p.AuthToken})
	}
	for _, r := range c.Routes {
		out.Routes = append(out.Routes, core.Route{
			Prefix:   core.Address(r.Prefix),
			NextHop:  r.NextHop,
			Priority: r.Priority,
		})
	}
	return out, nil
}

func (c *Config) buildLimits() (core.CreditLimits, error) {
	limits := core.CreditLimits{}
	var err error
	if limits.Default, err = parseOptionalAmount(c.Settlement.CreditLimits.Default); err != nil {
		return limits, utils.Wrap(err, "credit_limits.default")
	}
	if limits.GlobalCeiling, err = parseOptionalAmount(c.Settlement.CreditLimits.GlobalCeiling); err != nil {
		return limits, utils.Wrap(err, "credit_limits.global_ceiling")
	}
	if len(c.Settlement.CreditLimits.PerPeer) > 0 {
		limits.PerPeer = make(map[string]*big.Int, len(c.Settlement.CreditLimits.PerPeer))
		for peer, raw := range c.Settlement.CreditLimits.PerPeer {
			v, err := parseOptionalAmount(raw)
			if err != nil || v == nil {
				return limits, fmt.Errorf("credit_limits.per_peer[%s]: %q not numeric", peer, raw)
			}
			limits.PerPeer[peer] = v
		}
	}
	perToken, err := parseAccountAmounts(c.Settlement.CreditLimits.PerToken)
	if err != nil {
		return limits, utils.Wrap(err, "credit_limits.per_token")
	}
	if len(perToken) > 0 {
		limits.PerToken = perToken
	}
	return limits, nil
}

func parseAccountAmounts(in []AccountAmount) (map[core.AccountKey]*big.Int, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[core.AccountKey]*big.Int, len(in))
	for _, e := range in {
		v, err := parseOptionalAmount(e.Amount)
		if err != nil || v == nil {
			return nil, fmt.Errorf("amount %q for %s/%s not numeric", e.Amount, e.Peer, e.Token)
		}
		token := e.Token
		if token == "" {
			token = core.DefaultTokenID
		}
		out[core.AccountKey{PeerID: e.Peer, TokenID: token}] = v
	}
	return out, nil
}

func parseOptionalAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%q is not a non-negative integer", raw)
	}
	return v, nil
}
