// Package config loads the engine's YAML configuration and maps it onto
// per-component Config structs. Every component stays usable standalone
// with its own defaults; this package only exists so one file can set up
// the whole engine.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/recette/egress"
	"github.com/hazyhaar/recette/fingerprint"
	"github.com/hazyhaar/recette/session"
)

// Config is the top-level engine configuration.
type Config struct {
	// DBPath is the SQLite recipe store. Default: recette.db.
	DBPath string `yaml:"db_path"`
	// ArtifactDir is the root of per-task pipeline artifacts.
	// Default: artifacts.
	ArtifactDir string `yaml:"artifact_dir"`

	Browser BrowserConfig `yaml:"browser"`
	Egress  EgressConfig  `yaml:"egress"`
	Runner  RunnerConfig  `yaml:"runner"`
	Learn   LearnConfig   `yaml:"learn"`
}

// BrowserConfig controls the session manager's Chrome lifecycle.
type BrowserConfig struct {
	// Remote is a DevTools websocket URL; empty launches a local headless
	// Chrome on demand.
	Remote      string        `yaml:"remote"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MaxSessions int           `yaml:"max_sessions"`
}

// EgressConfig controls the outbound address policy.
type EgressConfig struct {
	RedirectMax       int  `yaml:"redirect_max"`
	AllowSchemeChange bool `yaml:"allow_scheme_change"`
	// AllowPrivate permits loopback and private targets. Local development
	// only; never set in production.
	AllowPrivate bool `yaml:"allow_private"`
	// DenyNets are extra denied CIDRs, checked even when AllowPrivate is
	// set.
	DenyNets   []string      `yaml:"deny_nets"`
	ResolveTTL time.Duration `yaml:"resolve_ttl"`
}

// RunnerConfig bounds online execution.
type RunnerConfig struct {
	GlobalLimit  int           `yaml:"global_limit"`
	PerHostLimit int           `yaml:"per_host_limit"`
	Rate         float64       `yaml:"rate"`
	Burst        int           `yaml:"burst"`
	RetryMax     int           `yaml:"retry_max"`
	Timeout      time.Duration `yaml:"timeout"`
	// FingerprintThreshold is the Jaccard similarity required for a
	// replay to count as matching the baseline.
	FingerprintThreshold float64 `yaml:"fingerprint_threshold"`
}

// LearnConfig bounds the offline learning pipeline.
type LearnConfig struct {
	// MinScore and MinMargin gate the analyzer's heuristic path.
	MinScore  float64 `yaml:"min_score"`
	MinMargin float64 `yaml:"min_margin"`
	// MaxProbes caps minimizer replays per draft.
	MaxProbes int `yaml:"max_probes"`
	// Replays is the consecutive-match count that promotes a recipe.
	Replays int `yaml:"replays"`
	// Pace is the delay between learning replays against one host.
	Pace time.Duration `yaml:"pace"`
	// AllowMutating permits learning recipes with POST/PUT/PATCH/DELETE.
	AllowMutating bool `yaml:"allow_mutating"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "recette.db"
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = "artifacts"
	}
}

// EgressPolicy builds the egress policy component config.
func (c *Config) EgressPolicy() (egress.Config, error) {
	out := egress.Config{
		RedirectMax:       c.Egress.RedirectMax,
		AllowSchemeChange: c.Egress.AllowSchemeChange,
		AllowPrivate:      c.Egress.AllowPrivate,
		ResolveTTL:        c.Egress.ResolveTTL,
	}
	for _, cidr := range c.Egress.DenyNets {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return egress.Config{}, fmt.Errorf("config: deny_nets %q: %w", cidr, err)
		}
		out.DenyNets = append(out.DenyNets, n)
	}
	return out, nil
}

// Sessions builds the session manager config.
func (c *Config) Sessions() session.Config {
	return session.Config{
		RemoteURL:   c.Browser.Remote,
		IdleTimeout: c.Browser.IdleTimeout,
		MaxSessions: c.Browser.MaxSessions,
	}
}

// Fingerprints builds the fingerprint config shared by runner, minimizer
// and verifier.
func (c *Config) Fingerprints() fingerprint.Config {
	return fingerprint.Config{Threshold: c.Runner.FingerprintThreshold}
}
