// Package config provides configuration loading and management for the gitkv server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/telemetry"
)

const (
	// EnvPrefix is the prefix of environment variables read through viper
	EnvPrefix = "GITKV"

	// DefaultAddress is the address the server listens on when none is configured
	DefaultAddress = ":8080"

	// DefaultRepositoryName is the name the repository is served under
	DefaultRepositoryName = "repository"

	// DefaultChallenge is the basic auth realm sent with 401 responses
	DefaultChallenge = "gitkv"

	defaultLockTimeout           = 5 * time.Second
	defaultMaxAttempts           = 4
	defaultRetryInterval         = 25 * time.Millisecond
	defaultBlobCacheSize         = 1024
	defaultReadTimeout           = 30 * time.Second
	defaultWriteTimeout          = 5 * time.Minute
	defaultIdleTimeout           = 2 * time.Minute
	defaultRequestTimeout        = time.Minute
	defaultShutdownTimeout       = 30 * time.Second
	defaultMaxConcurrentRequests = 100
	defaultWatchDebounce         = 200 * time.Millisecond
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Repository RepositoryConfig  `yaml:"repository"`
	Locking    *LockingConfig    `yaml:"locking,omitempty"`
	Cache      *CacheConfig      `yaml:"cache,omitempty"`
	Auth       *AuthConfig       `yaml:"auth,omitempty"`
	Server     *ServerConfig     `yaml:"server,omitempty"`
	Watch      *WatchConfig      `yaml:"watch,omitempty"`
	Telemetry  *telemetry.Config `yaml:"telemetry,omitempty"`
}

// RepositoryConfig defines the bare repository backing the store
type RepositoryConfig struct {
	// Path is the directory of the bare repository
	Path string `yaml:"path"`

	// Name is the repository name in git URLs (/git/<name>).
	// Defaults to "repository" if not specified
	Name string `yaml:"name,omitempty"`

	// Initialize creates the repository at startup when it does not exist
	Initialize bool `yaml:"initialize,omitempty"`

	// DefaultBranch is the ref used when a request names none
	DefaultBranch string `yaml:"defaultBranch,omitempty"`

	// SecretsRef holds the records of the git realm
	SecretsRef string `yaml:"secretsRef,omitempty"`

	// FileLockWait bounds how long startup waits for another process to
	// release the repository (e.g., "5s")
	FileLockWait string `yaml:"fileLockWait,omitempty"`
}

// LockingConfig defines the per-ref write lock and retry settings
type LockingConfig struct {
	// Timeout bounds how long a writer waits for a ref lock (e.g., "5s")
	Timeout string `yaml:"timeout,omitempty"`

	// MaxAttempts is the number of times a write is tried when its ref moves
	// between preparing and committing
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// RetryInterval is the pause between attempts (e.g., "25ms")
	RetryInterval string `yaml:"retryInterval,omitempty"`
}

// CacheConfig defines the snapshot and blob cache settings
type CacheConfig struct {
	// BlobCacheSize is the number of metadata and user record blobs kept decoded
	BlobCacheSize int `yaml:"blobCacheSize,omitempty"`
}

// AuthConfig defines authentication settings
type AuthConfig struct {
	// Realms renames the partitions of the user namespace
	Realms *RealmsConfig `yaml:"realms,omitempty"`

	// AllowAnonymous lets requests without credentials through as the anonymous
	// caller, who may only touch keys without required roles. Defaults to true
	AllowAnonymous *bool `yaml:"allowAnonymous,omitempty"`

	// Challenge is the realm named in WWW-Authenticate headers
	Challenge string `yaml:"challenge,omitempty"`

	// PolicyFile replaces the built-in Cedar policies
	PolicyFile string `yaml:"policyFile,omitempty"`
}

// RealmsConfig names the three realms of users/<realm>/<name>
type RealmsConfig struct {
	Git   string `yaml:"git,omitempty"`
	Admin string `yaml:"admin,omitempty"`
	User  string `yaml:"user,omitempty"`
}

// ServerConfig defines the HTTP server settings
type ServerConfig struct {
	Address         string `yaml:"address,omitempty"`
	ReadTimeout     string `yaml:"readTimeout,omitempty"`
	WriteTimeout    string `yaml:"writeTimeout,omitempty"`
	IdleTimeout     string `yaml:"idleTimeout,omitempty"`
	RequestTimeout  string `yaml:"requestTimeout,omitempty"`
	ShutdownTimeout string `yaml:"shutdownTimeout,omitempty"`

	// MaxConcurrentRequests bounds the requests processed at once
	MaxConcurrentRequests int `yaml:"maxConcurrentRequests,omitempty"`
}

// WatchConfig defines how refs moved by other processes are noticed
type WatchConfig struct {
	Enabled bool `yaml:"enabled"`

	// Debounce groups bursts of file events (e.g., "200ms")
	Debounce string `yaml:"debounce,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML content
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Validate the config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := c.Repository.validate(); err != nil {
		return err
	}

	durations := map[string]string{}
	if c.Locking != nil {
		if c.Locking.MaxAttempts < 0 {
			return fmt.Errorf("locking.maxAttempts must not be negative, got %d", c.Locking.MaxAttempts)
		}
		durations["locking.timeout"] = c.Locking.Timeout
		durations["locking.retryInterval"] = c.Locking.RetryInterval
	}
	if c.Cache != nil && c.Cache.BlobCacheSize < 0 {
		return fmt.Errorf("cache.blobCacheSize must not be negative, got %d", c.Cache.BlobCacheSize)
	}
	if c.Server != nil {
		if c.Server.MaxConcurrentRequests < 0 {
			return fmt.Errorf("server.maxConcurrentRequests must not be negative, got %d", c.Server.MaxConcurrentRequests)
		}
		durations["server.readTimeout"] = c.Server.ReadTimeout
		durations["server.writeTimeout"] = c.Server.WriteTimeout
		durations["server.idleTimeout"] = c.Server.IdleTimeout
		durations["server.requestTimeout"] = c.Server.RequestTimeout
		durations["server.shutdownTimeout"] = c.Server.ShutdownTimeout
	}
	if c.Watch != nil {
		durations["watch.debounce"] = c.Watch.Debounce
	}
	for field, value := range durations {
		if err := validateDuration(field, value); err != nil {
			return err
		}
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	return nil
}

// validateDuration checks that value is empty or a positive duration
func validateDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g., '5s', '250ms'): %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return nil
}

// durationOr returns value parsed, or def when value is empty. Values are
// checked by validate before getters run.
func durationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (r *RepositoryConfig) validate() error {
	if r.Path == "" {
		return fmt.Errorf("repository.path is required")
	}
	if strings.ContainsAny(r.Name, "/\\") {
		return fmt.Errorf("repository.name must not contain path separators: %s", r.Name)
	}
	if r.DefaultBranch != "" {
		if err := git.NormalizeRef(r.DefaultBranch).Validate(); err != nil {
			return fmt.Errorf("repository.defaultBranch is invalid: %w", err)
		}
	}
	if r.SecretsRef != "" {
		if err := git.NormalizeRef(r.SecretsRef).Validate(); err != nil {
			return fmt.Errorf("repository.secretsRef is invalid: %w", err)
		}
	}
	if r.GetDefaultBranch() == r.GetSecretsRef() {
		return fmt.Errorf("repository.defaultBranch and repository.secretsRef must differ")
	}
	return validateDuration("repository.fileLockWait", r.FileLockWait)
}

// GetName returns the repository name, using "repository" if not specified
func (r *RepositoryConfig) GetName() string {
	if r.Name == "" {
		return DefaultRepositoryName
	}
	return r.Name
}

// GetDefaultBranch returns the full name of the default branch
func (r *RepositoryConfig) GetDefaultBranch() plumbing.ReferenceName {
	if r.DefaultBranch == "" {
		return git.DefaultBranch
	}
	return git.NormalizeRef(r.DefaultBranch)
}

// GetSecretsRef returns the full name of the secrets ref
func (r *RepositoryConfig) GetSecretsRef() plumbing.ReferenceName {
	if r.SecretsRef == "" {
		return git.SecretsRef
	}
	return git.NormalizeRef(r.SecretsRef)
}

// GetFileLockWait returns how long startup waits for the repository lock
func (r *RepositoryConfig) GetFileLockWait() time.Duration {
	return durationOr(r.FileLockWait, 5*time.Second)
}

// GetLockTimeout returns the ref lock timeout
func (c *Config) GetLockTimeout() time.Duration {
	if c.Locking == nil {
		return defaultLockTimeout
	}
	return durationOr(c.Locking.Timeout, defaultLockTimeout)
}

// GetMaxAttempts returns the number of attempts per write
func (c *Config) GetMaxAttempts() int {
	if c.Locking == nil || c.Locking.MaxAttempts == 0 {
		return defaultMaxAttempts
	}
	return c.Locking.MaxAttempts
}

// GetRetryInterval returns the pause between write attempts
func (c *Config) GetRetryInterval() time.Duration {
	if c.Locking == nil {
		return defaultRetryInterval
	}
	return durationOr(c.Locking.RetryInterval, defaultRetryInterval)
}

// GetBlobCacheSize returns the number of decoded blobs kept in memory
func (c *Config) GetBlobCacheSize() int {
	if c.Cache == nil || c.Cache.BlobCacheSize == 0 {
		return defaultBlobCacheSize
	}
	return c.Cache.BlobCacheSize
}

// GetAddress returns the listen address
func (c *Config) GetAddress() string {
	if c.Server == nil || c.Server.Address == "" {
		return DefaultAddress
	}
	return c.Server.Address
}

// GetReadTimeout returns the HTTP server read timeout
func (c *Config) GetReadTimeout() time.Duration {
	if c.Server == nil {
		return defaultReadTimeout
	}
	return durationOr(c.Server.ReadTimeout, defaultReadTimeout)
}

// GetWriteTimeout returns the HTTP server write timeout. Clones of large
// repositories need it to be generous.
func (c *Config) GetWriteTimeout() time.Duration {
	if c.Server == nil {
		return defaultWriteTimeout
	}
	return durationOr(c.Server.WriteTimeout, defaultWriteTimeout)
}

// GetIdleTimeout returns the HTTP server idle timeout
func (c *Config) GetIdleTimeout() time.Duration {
	if c.Server == nil {
		return defaultIdleTimeout
	}
	return durationOr(c.Server.IdleTimeout, defaultIdleTimeout)
}

// GetRequestTimeout returns the deadline of a single API request
func (c *Config) GetRequestTimeout() time.Duration {
	if c.Server == nil {
		return defaultRequestTimeout
	}
	return durationOr(c.Server.RequestTimeout, defaultRequestTimeout)
}

// GetShutdownTimeout returns how long shutdown waits for in-flight requests
func (c *Config) GetShutdownTimeout() time.Duration {
	if c.Server == nil {
		return defaultShutdownTimeout
	}
	return durationOr(c.Server.ShutdownTimeout, defaultShutdownTimeout)
}

// GetMaxConcurrentRequests returns the bound on requests processed at once
func (c *Config) GetMaxConcurrentRequests() int {
	if c.Server == nil || c.Server.MaxConcurrentRequests == 0 {
		return defaultMaxConcurrentRequests
	}
	return c.Server.MaxConcurrentRequests
}

// WatchEnabled reports whether refs moved by other processes are watched
func (c *Config) WatchEnabled() bool {
	return c.Watch != nil && c.Watch.Enabled
}

// GetWatchDebounce returns the debounce of the ref watcher
func (c *Config) GetWatchDebounce() time.Duration {
	if c.Watch == nil {
		return defaultWatchDebounce
	}
	return durationOr(c.Watch.Debounce, defaultWatchDebounce)
}

func (a *AuthConfig) validate() error {
	if a == nil {
		return nil
	}
	r := a.GetRealms()
	if r.Git == "" || r.Admin == "" || r.User == "" {
		return fmt.Errorf("auth.realms must not be empty")
	}
	if r.Git == r.Admin || r.Git == r.User || r.Admin == r.User {
		return fmt.Errorf("auth.realms must be distinct, got %s, %s and %s", r.Git, r.Admin, r.User)
	}
	for _, name := range []string{r.Git, r.Admin, r.User} {
		if strings.ContainsAny(name, "/\\ ") {
			return fmt.Errorf("auth.realms: invalid realm name %q", name)
		}
	}
	if strings.ContainsAny(a.Challenge, "\r\n\"") {
		return fmt.Errorf("auth.challenge must not contain quotes or line breaks")
	}
	return nil
}

// GetRealms returns the configured realm names over the defaults
func (a *AuthConfig) GetRealms() authz.Realms {
	r := authz.DefaultRealms()
	if a == nil || a.Realms == nil {
		return r
	}
	if a.Realms.Git != "" {
		r.Git = a.Realms.Git
	}
	if a.Realms.Admin != "" {
		r.Admin = a.Realms.Admin
	}
	if a.Realms.User != "" {
		r.User = a.Realms.User
	}
	return r
}

// GetAllowAnonymous reports whether requests without credentials are served
func (a *AuthConfig) GetAllowAnonymous() bool {
	if a == nil || a.AllowAnonymous == nil {
		return true
	}
	return *a.AllowAnonymous
}

// GetChallenge returns the basic auth realm sent with 401 responses
func (a *AuthConfig) GetChallenge() string {
	if a == nil || a.Challenge == "" {
		return DefaultChallenge
	}
	return a.Challenge
}

// GetPolicies reads the configured Cedar policy file. It returns nil when the
// built-in policies apply.
func (a *AuthConfig) GetPolicies() ([]byte, error) {
	if a == nil || a.PolicyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Clean(a.PolicyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", a.PolicyFile, err)
	}
	return data, nil
}
