// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the kernel configuration blob.
//
// Configuration comes from an optional YAML file plus KILN_* environment
// variables via viper. The loaded blob is checked twice: structurally against
// an embedded JSON schema, then semantically for the constraints the schema
// cannot express (timeout caps, network policy coherence).
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"
)

// Supported sandbox languages.
const (
	LanguageBash       = "bash"
	LanguagePython     = "python"
	LanguageJavaScript = "javascript"
)

// Image pull policies.
const (
	PullAlways       = "always"
	PullIfNotPresent = "if-not-present"
	PullNever        = "never"
)

// Config is the complete kernel configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" json:"server"`
	OAuth     OAuthConfig     `mapstructure:"oauth" json:"oauth"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox" json:"sandbox"`
	Bus       BusConfig       `mapstructure:"bus" json:"bus"`
	Audit     AuditConfig     `mapstructure:"audit" json:"audit"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" json:"ratelimit"`
	Storage   StorageConfig   `mapstructure:"storage" json:"storage"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address string `mapstructure:"address" json:"address"`
	Debug   bool   `mapstructure:"debug" json:"debug"`
}

// OAuthConfig configures the authorization core.
type OAuthConfig struct {
	// Issuer is the issuer URL reported in discovery metadata.
	Issuer string `mapstructure:"issuer" json:"issuer"`

	// AccessTokenTTL bounds access token lifetime.
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl" json:"access_token_ttl"`

	// RefreshTokenTTL bounds refresh token lifetime.
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl" json:"refresh_token_ttl"`

	// AuthorizationCodeTTL bounds authorization code lifetime. Capped at one minute.
	AuthorizationCodeTTL time.Duration `mapstructure:"authorization_code_ttl" json:"authorization_code_ttl"`

	// AllowedScopes is the server-wide grantable scope set.
	AllowedScopes []string `mapstructure:"allowed_scopes" json:"allowed_scopes"`

	// DPoPEnabled advertises and accepts DPoP proofs when true.
	DPoPEnabled bool `mapstructure:"dpop_enabled" json:"dpop_enabled"`

	// DPoPAlgorithms are the accepted proof signature algorithms.
	DPoPAlgorithms []string `mapstructure:"dpop_algorithms" json:"dpop_algorithms"`

	// CleanupInterval is the cadence of the expired-artifact sweeper.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval"`

	// RevokedFamilyHighWater bounds the revoked refresh-token family set.
	RevokedFamilyHighWater int `mapstructure:"revoked_family_high_water" json:"revoked_family_high_water"`
}

// ResourceLimits caps a single sandbox execution.
type ResourceLimits struct {
	MemoryBytes      int64   `mapstructure:"memory_bytes" json:"memory_bytes"`
	MemorySwapBytes  int64   `mapstructure:"memory_swap_bytes" json:"memory_swap_bytes"`
	CPUs             float64 `mapstructure:"cpus" json:"cpus"`
	PidsLimit        int64   `mapstructure:"pids_limit" json:"pids_limit"`
	MaxOutputBytes   int64   `mapstructure:"max_output_bytes" json:"max_output_bytes"`
	MaxFileSizeBytes int64   `mapstructure:"max_file_size_bytes" json:"max_file_size_bytes"`
}

// NetworkPolicy controls sandbox network access. AllowedHosts and
// AllowedPorts express the granted policy and are recorded in the audit
// trail; the docker adapter enforces the enabled/disabled switch and
// DNSServers, not per-host or per-port filtering.
type NetworkPolicy struct {
	Enabled      bool     `mapstructure:"enabled" json:"enabled"`
	AllowedHosts []string `mapstructure:"allowed_hosts" json:"allowed_hosts"`
	AllowedPorts []int    `mapstructure:"allowed_ports" json:"allowed_ports"`
	DNSServers   []string `mapstructure:"dns_servers" json:"dns_servers"`
}

// SandboxProfile is the per-execution configuration; callers may override
// individual fields, everything else falls back to these defaults.
type SandboxProfile struct {
	Timeout             time.Duration  `mapstructure:"timeout" json:"timeout"`
	Resources           ResourceLimits `mapstructure:"resources" json:"resources"`
	Network             NetworkPolicy  `mapstructure:"network" json:"network"`
	ReadOnlyRootFS      bool           `mapstructure:"read_only_root_fs" json:"read_only_root_fs"`
	DropAllCapabilities bool           `mapstructure:"drop_all_capabilities" json:"drop_all_capabilities"`
	UseSeccomp          bool           `mapstructure:"use_seccomp" json:"use_seccomp"`
	RunAsNonRoot        bool           `mapstructure:"run_as_non_root" json:"run_as_non_root"`
	UserID              int            `mapstructure:"user_id" json:"user_id"`
	GroupID             int            `mapstructure:"group_id" json:"group_id"`
	WorkDir             string         `mapstructure:"work_dir" json:"work_dir"`
	ImagePullPolicy     string         `mapstructure:"image_pull_policy" json:"image_pull_policy"`
}

// SandboxConfig configures the execution orchestrator.
type SandboxConfig struct {
	// Defaults is the profile applied when the caller omits overrides.
	Defaults SandboxProfile `mapstructure:"defaults" json:"defaults"`

	// MaxTimeout is the hard cap on any execution timeout.
	MaxTimeout time.Duration `mapstructure:"max_timeout" json:"max_timeout"`

	// MaxCodeBytes is the hard cap on submitted code size.
	MaxCodeBytes int `mapstructure:"max_code_bytes" json:"max_code_bytes"`

	// MaxFiles is the hard cap on attached files per request.
	MaxFiles int `mapstructure:"max_files" json:"max_files"`

	// MaxConcurrentExecutions bounds in-flight executions.
	MaxConcurrentExecutions int `mapstructure:"max_concurrent_executions" json:"max_concurrent_executions"`

	// ReapInterval is the cadence of the container/audit reapers.
	ReapInterval time.Duration `mapstructure:"reap_interval" json:"reap_interval"`

	// ReapMaxAge is the age past which stray containers are removed.
	ReapMaxAge time.Duration `mapstructure:"reap_max_age" json:"reap_max_age"`

	// Images maps a language to the container image executing it.
	Images map[string]string `mapstructure:"images" json:"images"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	RetainCount     int           `mapstructure:"retain_count" json:"retain_count"`
	RetainDuration  time.Duration `mapstructure:"retain_duration" json:"retain_duration"`
	MaxSubscribers  int           `mapstructure:"max_subscribers" json:"max_subscribers"`
	MaxQueueSize    int           `mapstructure:"max_queue_size" json:"max_queue_size"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic" json:"dead_letter_topic"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	// MaxEntries bounds the in-memory ring.
	MaxEntries int `mapstructure:"max_entries" json:"max_entries"`

	// Retention bounds entry age for the periodic purge.
	Retention time.Duration `mapstructure:"retention" json:"retention"`

	// ConsoleMirror also writes entries to the process log when true.
	ConsoleMirror bool `mapstructure:"console_mirror" json:"console_mirror"`
}

// RateLimitConfig configures the shared token buckets.
type RateLimitConfig struct {
	MaxRequests     int           `mapstructure:"max_requests" json:"max_requests"`
	Window          time.Duration `mapstructure:"window" json:"window"`
	Burst           int           `mapstructure:"burst" json:"burst"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval"`
}

// StorageConfig selects the backing store for OAuth state and audit entries.
type StorageConfig struct {
	// Backend is "memory" or "redis".
	Backend string `mapstructure:"backend" json:"backend"`

	RedisAddr     string `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" json:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" json:"redis_db"`
}

// Default returns the configuration used when no file or env overrides exist.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Address: ":8080"},
		OAuth: OAuthConfig{
			Issuer:                 "http://localhost:8080",
			AccessTokenTTL:         time.Hour,
			RefreshTokenTTL:        30 * 24 * time.Hour,
			AuthorizationCodeTTL:   time.Minute,
			AllowedScopes:          []string{"read", "write"},
			DPoPEnabled:            true,
			DPoPAlgorithms:         []string{"ES256", "RS256"},
			CleanupInterval:        time.Minute,
			RevokedFamilyHighWater: 10000,
		},
		Sandbox: SandboxConfig{
			Defaults: SandboxProfile{
				Timeout: 30 * time.Second,
				Resources: ResourceLimits{
					MemoryBytes:      256 * 1024 * 1024,
					MemorySwapBytes:  256 * 1024 * 1024,
					CPUs:             1.0,
					PidsLimit:        128,
					MaxOutputBytes:   1024 * 1024,
					MaxFileSizeBytes: 10 * 1024 * 1024,
				},
				Network:             NetworkPolicy{Enabled: false},
				ReadOnlyRootFS:      true,
				DropAllCapabilities: true,
				UseSeccomp:          true,
				RunAsNonRoot:        true,
				UserID:              65534,
				GroupID:             65534,
				WorkDir:             "/workspace",
				ImagePullPolicy:     PullIfNotPresent,
			},
			MaxTimeout:              5 * time.Minute,
			MaxCodeBytes:            1024 * 1024,
			MaxFiles:                10,
			MaxConcurrentExecutions: 10,
			ReapInterval:            time.Minute,
			ReapMaxAge:              10 * time.Minute,
			Images: map[string]string{
				LanguageBash:       "alpine:3.20",
				LanguagePython:     "python:3.12-alpine",
				LanguageJavaScript: "node:22-alpine",
			},
		},
		Bus: BusConfig{
			RetainCount:     100,
			RetainDuration:  time.Hour,
			MaxSubscribers:  100,
			MaxQueueSize:    10000,
			DeadLetterTopic: "__dead_letter__",
		},
		Audit: AuditConfig{
			MaxEntries: 10000,
			Retention:  30 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			MaxRequests:     60,
			Window:          time.Minute,
			Burst:           10,
			CleanupInterval: 5 * time.Minute,
		},
		Storage: StorageConfig{Backend: "memory"},
	}
}

// Load reads configuration from the given file (optional) and KILN_*
// environment variables, layered over Default, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KILN")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Default()
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against the embedded schema and the
// semantic constraints the schema cannot express.
func (c *Config) Validate() error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize config for validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed to run: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("invalid config: %s", describeSchemaErrors(result))
	}

	return c.validateSemantics()
}

func describeSchemaErrors(result *gojsonschema.Result) string {
	msg := ""
	for i, desc := range result.Errors() {
		if i > 0 {
			msg += "; "
		}
		msg += desc.String()
	}
	return msg
}

func (c *Config) validateSemantics() error {
	if c.OAuth.AuthorizationCodeTTL > time.Minute {
		return fmt.Errorf("invalid config: oauth.authorization_code_ttl must not exceed 1m")
	}
	if c.Sandbox.Defaults.Timeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("invalid config: sandbox default timeout %s exceeds hard cap %s",
			c.Sandbox.Defaults.Timeout, c.Sandbox.MaxTimeout)
	}
	if err := ValidateNetworkPolicy(c.Sandbox.Defaults.Network); err != nil {
		return err
	}
	for _, alg := range c.OAuth.DPoPAlgorithms {
		if alg != "ES256" && alg != "RS256" {
			return fmt.Errorf("invalid config: unsupported DPoP algorithm %q", alg)
		}
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisAddr == "" {
		return fmt.Errorf("invalid config: storage.redis_addr required for redis backend")
	}
	return nil
}

// ValidateNetworkPolicy rejects incoherent network policies. Enabling the
// network without naming any allowed host is refused rather than guessed at.
func ValidateNetworkPolicy(n NetworkPolicy) error {
	if n.Enabled && len(n.AllowedHosts) == 0 {
		return fmt.Errorf("invalid config: network enabled with empty allowed_hosts")
	}
	return nil
}

// SupportedLanguages returns the languages the sandbox accepts.
func (c *SandboxConfig) SupportedLanguages() []string {
	langs := make([]string, 0, len(c.Images))
	for lang := range c.Images {
		langs = append(langs, lang)
	}
	return langs
}
