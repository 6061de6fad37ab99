package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Engine identifies the container engine driven by the gateway.
type Engine string

const (
	EngineDocker Engine = "docker"
	EnginePodman Engine = "podman"
)

// OAuthProviderConfig holds one third-party OAuth app registration.
type OAuthProviderConfig struct {
	Name         string // "github" or "google"
	ClientID     string
	ClientSecret string
}

// OriginConfig binds a gateway origin to its OAuth provider set.
type OriginConfig struct {
	Origin    string
	Providers []OAuthProviderConfig
}

// Config holds all gateway settings, loaded from the environment.
type Config struct {
	Environment string
	LogLevel    string
	GitRev      string

	ContainerEngine Engine
	DataDir         string
	GatewayOrigin   string

	AdminAPIToken    string
	AdminEmailDomain string

	// GetgatherApps maps first-party app keys to app names. Tokens of the
	// form getgather_{app_key}_{sub} are accepted only for listed keys.
	GetgatherApps map[string]string

	Origins []OriginConfig

	ContainerProjectName  string
	ContainerSubnetPrefix string

	BrowserTimeout   string
	DefaultProxyType string
	ProxiesConfig    string // inline TOML
	ProxiesFile      string // host path bind-mounted read-only into workers

	MinStandbyContainers int
	MaxRunningContainers int
	ActiveTTL            time.Duration
	ProxyTimeout         time.Duration
	ProxyReadTimeout     time.Duration
	ContainerSentryDSN   string
	LogfireToken         string
}

const (
	defaultActiveTTL        = 10 * time.Minute
	maxActiveTTL            = 20 * time.Minute
	defaultProxyTimeout     = 10 * time.Second
	defaultProxyReadTimeout = 5 * time.Minute
	defaultStandby          = 2
	defaultMaxRunning       = 30
)

// Load builds a Config from the environment. Missing required settings are
// reported together so operators fix them in one pass.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:           getenv("ENVIRONMENT", "local"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		GitRev:                getenv("GIT_REV", "main"),
		ContainerEngine:       Engine(getenv("CONTAINER_ENGINE", "docker")),
		DataDir:               os.Getenv("DATA_DIR"),
		GatewayOrigin:         os.Getenv("GATEWAY_ORIGIN"),
		AdminAPIToken:         os.Getenv("ADMIN_API_TOKEN"),
		AdminEmailDomain:      os.Getenv("ADMIN_EMAIL_DOMAIN"),
		GetgatherApps:         parseKeyValueList(os.Getenv("GETGATHER_APPS")),
		ContainerProjectName:  os.Getenv("CONTAINER_PROJECT_NAME"),
		ContainerSubnetPrefix: os.Getenv("CONTAINER_SUBNET_PREFIX"),
		BrowserTimeout:        os.Getenv("BROWSER_TIMEOUT"),
		DefaultProxyType:      os.Getenv("DEFAULT_PROXY_TYPE"),
		ProxiesConfig:         os.Getenv("PROXIES_CONFIG"),
		ProxiesFile:           getenv("PROXIES_FILE", "proxies.yaml"),
		ContainerSentryDSN:    os.Getenv("CONTAINER_SENTRY_DSN"),
		LogfireToken:          os.Getenv("LOGFIRE_TOKEN"),
		MinStandbyContainers:  getenvInt("MIN_CONTAINER_POOL_SIZE", defaultStandby),
		MaxRunningContainers:  getenvInt("MAX_NUM_RUNNING_CONTAINERS", defaultMaxRunning),
		ProxyTimeout:          defaultProxyTimeout,
		ProxyReadTimeout:      defaultProxyReadTimeout,
	}

	ttl := time.Duration(getenvInt("ACTIVE_TTL_MINUTES", int(defaultActiveTTL/time.Minute))) * time.Minute
	if ttl > maxActiveTTL {
		ttl = maxActiveTTL
	}
	if ttl <= 0 {
		ttl = defaultActiveTTL
	}
	cfg.ActiveTTL = ttl

	cfg.Origins = loadOrigins(cfg.GatewayOrigin)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"DATA_DIR":               c.DataDir,
		"GATEWAY_ORIGIN":         c.GatewayOrigin,
		"CONTAINER_PROJECT_NAME": c.ContainerProjectName,
	}

	var missing []string
	for name, value := range required {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if c.ContainerEngine != EngineDocker && c.ContainerEngine != EnginePodman {
		return fmt.Errorf("invalid CONTAINER_ENGINE %q: must be docker or podman", c.ContainerEngine)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	if c.MinStandbyContainers < 1 {
		return fmt.Errorf("MIN_CONTAINER_POOL_SIZE must be >= 1, got %d", c.MinStandbyContainers)
	}
	return nil
}

// loadOrigins resolves per-origin OAuth provider sets. Every origin listed in
// GATEWAY_ORIGINS (comma separated, defaulting to the primary origin) shares
// the same provider credentials from the environment.
func loadOrigins(primary string) []OriginConfig {
	var providers []OAuthProviderConfig
	if id := os.Getenv("OAUTH_GITHUB_CLIENT_ID"); id != "" {
		providers = append(providers, OAuthProviderConfig{
			Name:         "github",
			ClientID:     id,
			ClientSecret: os.Getenv("OAUTH_GITHUB_CLIENT_SECRET"),
		})
	}
	if id := os.Getenv("OAUTH_GOOGLE_CLIENT_ID"); id != "" {
		providers = append(providers, OAuthProviderConfig{
			Name:         "google",
			ClientID:     id,
			ClientSecret: os.Getenv("OAUTH_GOOGLE_CLIENT_SECRET"),
		})
	}

	raw := getenv("GATEWAY_ORIGINS", primary)
	var origins []OriginConfig
	for _, origin := range strings.Split(raw, ",") {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		origins = append(origins, OriginConfig{Origin: origin, Providers: providers})
	}
	return origins
}

// NetworkName is the engine network the gateway and workers share. The
// project prefix matches the docker-compose naming convention.
func (c *Config) NetworkName() string {
	return c.ContainerProjectName + "_internal-net"
}

// ImageName is the locally tagged worker image used for container creation.
func (c *Config) ImageName() string {
	return c.ContainerProjectName + "_mcp-getgather"
}

// MountRoot is the parent directory of all per-container mount directories.
func (c *Config) MountRoot() string {
	return filepath.Join(c.DataDir, "container_mounts")
}

// CleanupDir is where purged container mounts are quarantined.
func (c *Config) CleanupDir() string {
	return filepath.Join(c.MountRoot(), "__cleanup")
}

// LogsDir holds the rotating container log file.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// parseKeyValueList parses "key1:name1,key2:name2" into a map.
func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		result[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return result
}
