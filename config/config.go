// Package config loads the server configuration file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// Origin is this instance's base URL, e.g. "https://social.example".
	Origin string `yaml:"origin"`

	Server struct {
		// Address to listen on, e.g. ":8080".
		Address string `yaml:"address"`
		// AuthToken protects the resolve endpoints when set.
		AuthToken string `yaml:"authToken"`
	} `yaml:"server"`

	Storage struct {
		// DBPath is the sqlite database file.
		DBPath string `yaml:"dbPath"`
		// LockPath is the bbolt lock file.
		LockPath string `yaml:"lockPath"`
	} `yaml:"storage"`

	Fetch struct {
		// Timeout for a single remote request.
		Timeout time.Duration `yaml:"timeout"`
		// UserAgent overrides the default outbound User-Agent.
		UserAgent string `yaml:"userAgent"`
	} `yaml:"fetch"`

	Resolver struct {
		// KeyRefreshWindow bounds repeated key refreshes for one actor.
		KeyRefreshWindow time.Duration `yaml:"keyRefreshWindow"`
		// ActorRefreshAfter is how stale a stored actor may be before a
		// non-forced fetch goes back to the network.
		ActorRefreshAfter time.Duration `yaml:"actorRefreshAfter"`
	} `yaml:"resolver"`

	Ingest struct {
		// BlockedHosts are origins whose content is refused.
		BlockedHosts []string `yaml:"blockedHosts"`
		// MaxDepth bounds recursive reply and quote resolution.
		MaxDepth int `yaml:"maxDepth"`
		// AttachmentConcurrency bounds parallel attachment resolution.
		AttachmentConcurrency int `yaml:"attachmentConcurrency"`
	} `yaml:"ingest"`

	Lock struct {
		// Lease is how long a crashed holder can leave a lock row behind.
		Lease time.Duration `yaml:"lease"`
		// SweepInterval is how often expired lock rows are pruned.
		SweepInterval time.Duration `yaml:"sweepInterval"`
	} `yaml:"lock"`

	Bus struct {
		// RelayURL is an optional websocket relay for cross-process
		// invalidation, e.g. "wss://relay.example/events".
		RelayURL string `yaml:"relayURL"`
	} `yaml:"bus"`

	Metrics struct {
		// OTLPEndpoint is an optional OTLP gRPC endpoint.
		OTLPEndpoint string `yaml:"otlpEndpoint"`
		// EnablePrometheus exposes /metrics.
		EnablePrometheus bool `yaml:"enablePrometheus"`
	} `yaml:"metrics"`
}

// Load reads and validates a configuration file, applying defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse validates raw configuration bytes, applying defaults.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Origin == "" {
		return Config{}, fmt.Errorf("origin is required")
	}
	cfg.Origin = strings.TrimRight(cfg.Origin, "/")
	u, err := url.Parse(cfg.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Config{}, fmt.Errorf("origin %q is not an absolute URL", cfg.Origin)
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "./fedingest.db"
	}
	if cfg.Storage.LockPath == "" {
		cfg.Storage.LockPath = "./fedingest.lock"
	}
	if cfg.Fetch.Timeout == 0 {
		cfg.Fetch.Timeout = 30 * time.Second
	}
	if cfg.Resolver.KeyRefreshWindow == 0 {
		cfg.Resolver.KeyRefreshWindow = 12 * time.Minute
	}
	if cfg.Resolver.ActorRefreshAfter == 0 {
		cfg.Resolver.ActorRefreshAfter = 24 * time.Hour
	}
	if cfg.Ingest.MaxDepth == 0 {
		cfg.Ingest.MaxDepth = 16
	}
	if cfg.Ingest.MaxDepth < 1 {
		return Config{}, fmt.Errorf("ingest.maxDepth must be positive")
	}
	if cfg.Ingest.AttachmentConcurrency == 0 {
		cfg.Ingest.AttachmentConcurrency = 2
	}
	if cfg.Ingest.AttachmentConcurrency < 1 {
		return Config{}, fmt.Errorf("ingest.attachmentConcurrency must be positive")
	}
	if cfg.Lock.Lease == 0 {
		cfg.Lock.Lease = 10 * time.Minute
	}
	if cfg.Lock.SweepInterval == 0 {
		cfg.Lock.SweepInterval = 1 * time.Minute
	}

	for i, h := range cfg.Ingest.BlockedHosts {
		if strings.Contains(h, "/") {
			return Config{}, fmt.Errorf("ingest.blockedHosts[%d]: %q must be a bare host", i, h)
		}
	}

	if cfg.Bus.RelayURL != "" {
		ru, err := url.Parse(cfg.Bus.RelayURL)
		if err != nil || (ru.Scheme != "ws" && ru.Scheme != "wss") {
			return Config{}, fmt.Errorf("bus.relayURL %q must be a ws:// or wss:// URL", cfg.Bus.RelayURL)
		}
	}

	return cfg, nil
}
