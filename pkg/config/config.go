// Package config loads and validates the executor's node configuration:
// identity, the shared KV store connection, membership tuning, and the
// blockchain monitor's chain endpoint and signer material.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of recognized configuration keys.
type Config struct {
	NodeID           string        `yaml:"node_id"`
	Region           string        `yaml:"region"`
	ListenAddress    string        `yaml:"listen_address"`
	AdvertiseAddress string        `yaml:"advertise_address"`
	DataDir          string        `yaml:"data_dir"`

	Membership struct {
		UpdateInterval   time.Duration `yaml:"update_interval"`
		AssumeDeadAfter  time.Duration `yaml:"assume_dead_after"`
		SuspectTimeout   time.Duration `yaml:"suspect_timeout"`
	} `yaml:"membership"`

	KV struct {
		Path string `yaml:"path"` // bbolt file path backing the shared store adapter
	} `yaml:"kv"`

	Chain struct {
		Endpoint       string        `yaml:"endpoint"`
		PollInterval   time.Duration `yaml:"poll_interval"`
		SignerKeyFile  string        `yaml:"signer_key_file"`
		StartSlot      uint64        `yaml:"start_slot"`
	} `yaml:"chain"`

	Gateway struct {
		ListenAddress string `yaml:"listen_address"`
	} `yaml:"gateway"`

	RPC struct {
		ListenAddress string `yaml:"listen_address"`
		CertDir       string `yaml:"cert_dir"`
	} `yaml:"rpc"`

	Metrics struct {
		ListenAddress string `yaml:"listen_address"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

// Default returns a Config with every key set to a workable local default.
func Default() *Config {
	c := &Config{
		ListenAddress:    "0.0.0.0:7946",
		AdvertiseAddress: "127.0.0.1:7946",
		DataDir:          "./data",
	}
	c.Membership.UpdateInterval = time.Second
	c.Membership.AssumeDeadAfter = 30 * time.Second
	c.Membership.SuspectTimeout = 10 * time.Second
	c.KV.Path = "./data/kv.db"
	c.Chain.PollInterval = 5 * time.Second
	c.Gateway.ListenAddress = "0.0.0.0:8080"
	c.RPC.ListenAddress = "0.0.0.0:7947"
	c.RPC.CertDir = "./data/certs"
	c.Metrics.ListenAddress = "0.0.0.0:9090"
	c.Log.Level = "info"
	c.Log.JSON = true
	return c
}

// Load reads a YAML config file, overlays MU_-prefixed environment
// variables, and validates the result. A missing or invalid required key
// is returned as an error; the caller treats it as a Fatal outcome and
// exits 1.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the spine assumes hold.
func (c *Config) Validate() error {
	if c.AdvertiseAddress == "" {
		return fmt.Errorf("config: advertise_address is required")
	}
	if c.Region == "" {
		return fmt.Errorf("config: region is required")
	}
	if c.Membership.AssumeDeadAfter <= c.Membership.UpdateInterval {
		return fmt.Errorf("config: membership.assume_dead_after must exceed membership.update_interval")
	}
	if c.Chain.Endpoint == "" {
		return fmt.Errorf("config: chain.endpoint is required")
	}
	if c.Chain.SignerKeyFile == "" {
		return fmt.Errorf("config: chain.signer_key_file is required")
	}
	return nil
}

// applyEnvOverrides lets MU_CHAIN_ENDPOINT-style variables win over the
// file, for the handful of values that commonly differ per deployment
// without warranting a templated config file.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("MU_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("MU_ADVERTISE_ADDRESS"); v != "" {
		c.AdvertiseAddress = v
	}
	if v := os.Getenv("MU_REGION"); v != "" {
		c.Region = v
	}
	if v := os.Getenv("MU_CHAIN_ENDPOINT"); v != "" {
		c.Chain.Endpoint = v
	}
	if v := os.Getenv("MU_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MU_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Log.JSON = b
		}
	}
	if v := os.Getenv("MU_DATA_DIR"); v != "" {
		c.DataDir = v
		if !strings.Contains(os.Getenv("MU_KV_PATH"), "/") {
			c.KV.Path = v + "/kv.db"
		}
	}
}
