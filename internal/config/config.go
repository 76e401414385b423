// Package config loads the server configuration from YAML with environment
// overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/agentauth/backend/internal/core"
)

// MinSecretBytes is the smallest acceptable signing secret.
const MinSecretBytes = 32

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Secret    string          `yaml:"secret"`
	Store     StoreConfig     `yaml:"store"`
	Challenge ChallengeConfig `yaml:"challenge"`
	PoMI      PoMIConfig      `yaml:"pomi"`
	Timing    TimingConfig    `yaml:"timing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

// StoreConfig selects the challenge persistence backend. Backend is one of
// "memory", "redis", "postgres", or "edgekv".
type StoreConfig struct {
	Backend     string       `yaml:"backend"`
	RedisURL    string       `yaml:"redis_url"`
	PostgresDSN string       `yaml:"postgres_dsn"`
	EdgeKV      EdgeKVConfig `yaml:"edgekv"`
}

type EdgeKVConfig struct {
	BaseURL  string `yaml:"base_url"`
	APIToken string `yaml:"api_token"`
}

type ChallengeConfig struct {
	TTLSeconds        int64           `yaml:"ttl_seconds"`
	TokenTTLSeconds   int64           `yaml:"token_ttl_seconds"`
	DefaultDifficulty core.Difficulty `yaml:"default_difficulty"`
	// MinScore is the mean capability score this deployment recommends to
	// downstream token guards. The engine issues tokens regardless; the
	// value is published on /healthz for operators wiring guards.
	MinScore float64  `yaml:"min_score"`
	Drivers  []string `yaml:"drivers"`
}

type PoMIConfig struct {
	Enabled              bool          `yaml:"enabled"`
	CanariesPerChallenge int           `yaml:"canaries_per_challenge"`
	ModelFamilies        []string      `yaml:"model_families"`
	ConfidenceThreshold  float64       `yaml:"confidence_threshold"`
	Canaries             []core.Canary `yaml:"canaries"`
}

type TimingConfig struct {
	Enabled          bool                  `yaml:"enabled"`
	Baselines        []core.TimingBaseline `yaml:"baselines"`
	DefaultTooFastMs float64               `yaml:"default_too_fast_ms"`
	DefaultAILowerMs float64               `yaml:"default_ai_lower_ms"`
	DefaultAIUpperMs float64               `yaml:"default_ai_upper_ms"`
	DefaultHumanMs   float64               `yaml:"default_human_ms"`
	DefaultTimeoutMs float64               `yaml:"default_timeout_ms"`
	SessionTracking  SessionTrackingConfig `yaml:"session_tracking"`
}

type SessionTrackingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxCallsPerMinute int  `yaml:"max_calls_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// LoadConfig reads the YAML file, applies environment overrides, fills
// defaults, and validates.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets deployment environments override file settings; secrets in
// particular should never live in the YAML.
func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTAUTH_SECRET"); v != "" {
		c.Secret = v
	}
	if v := os.Getenv("AGENTAUTH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("AGENTAUTH_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := os.Getenv("EDGEKV_BASE_URL"); v != "" {
		c.Store.EdgeKV.BaseURL = v
	}
	if v := os.Getenv("EDGEKV_API_TOKEN"); v != "" {
		c.Store.EdgeKV.APIToken = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Challenge.TTLSeconds == 0 {
		c.Challenge.TTLSeconds = 30
	}
	if c.Challenge.TokenTTLSeconds == 0 {
		c.Challenge.TokenTTLSeconds = 3600
	}
	if c.Challenge.DefaultDifficulty == "" {
		c.Challenge.DefaultDifficulty = core.DifficultyMedium
	}
	if c.Challenge.MinScore == 0 {
		c.Challenge.MinScore = 0.7
	}
	if c.PoMI.CanariesPerChallenge == 0 {
		c.PoMI.CanariesPerChallenge = 2
	}
	if c.PoMI.ConfidenceThreshold == 0 {
		c.PoMI.ConfidenceThreshold = 0.5
	}
}

// Validate rejects configurations that would weaken the protocol.
func (c *Config) Validate() error {
	if len(c.Secret) < MinSecretBytes {
		return fmt.Errorf("secret must be at least %d bytes, got %d", MinSecretBytes, len(c.Secret))
	}
	switch c.Store.Backend {
	case "memory", "redis", "postgres", "edgekv":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Challenge.TTLSeconds < 0 || c.Challenge.TokenTTLSeconds < 0 {
		return fmt.Errorf("TTLs must be non-negative")
	}
	if !c.Challenge.DefaultDifficulty.Valid() {
		return fmt.Errorf("unknown default difficulty %q", c.Challenge.DefaultDifficulty)
	}
	return nil
}
