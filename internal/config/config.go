package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"zab/internal/zabtypes"
)

const (
	DefaultTimeoutMs        = 5000
	DefaultSyncMaxBatchSize = 1000
	DefaultQueueSize        = 4096
)

// Load reads application.yml from baseDir, applies the profile overlay if
// app.profile is set, fills defaults and validates.
func Load(baseDir string) (*Config, error) {
	base, err := loadAndExpandYaml(baseDir, "application")
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(base), cfg); err != nil {
		return nil, fmt.Errorf("parse base config: %w", err)
	}

	if cfg.Application.Profile != "" {
		overlay, err := loadAndExpandYaml(baseDir, "application-"+cfg.Application.Profile)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal([]byte(overlay), cfg); err != nil {
			return nil, fmt.Errorf("parse profile config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Application.LogLevel == "" {
		c.Application.LogLevel = "info"
	}
	if c.Zab.Timeout == 0 {
		c.Zab.Timeout = DefaultTimeoutMs
	}
	if c.Zab.SyncMaxBatchSize == 0 {
		c.Zab.SyncMaxBatchSize = DefaultSyncMaxBatchSize
	}
	if c.Zab.QueueSize == 0 {
		c.Zab.QueueSize = DefaultQueueSize
	}
}

// Validate checks the fields a node cannot run without. A failure here maps
// to exit code 1 in cmd/zabnode.
func (c *Config) Validate() error {
	if c.Zab.ServerID == "" {
		return fmt.Errorf("zab.server-id is required")
	}
	if c.Zab.LogDir == "" {
		return fmt.Errorf("zab.logdir is required")
	}
	peers := c.PeerIDs()
	if len(peers) > 0 {
		found := false
		for _, p := range peers {
			if p == zabtypes.ServerID(c.Zab.ServerID) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("zab.servers does not contain zab.server-id %q", c.Zab.ServerID)
		}
	}
	return nil
}

// PeerIDs parses the comma-separated zab.servers list.
func (c *Config) PeerIDs() []zabtypes.ServerID {
	if strings.TrimSpace(c.Zab.Servers) == "" {
		return nil
	}
	parts := strings.Split(c.Zab.Servers, ",")
	out := make([]zabtypes.ServerID, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, zabtypes.ServerID(p))
		}
	}
	return out
}
