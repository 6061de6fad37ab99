// Package egress selects and validates the residential egress proxy a worker
// container routes its browser traffic through. Providers are described in a
// TOML document; the location a client requests via the x-location header is
// matched against the provider's targeting templates, validated by fetching
// the external IP through the candidate proxy, and the winning configuration
// is written into the worker's mount as proxies.yaml.
package egress

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pelletier/go-toml"
)

// DefaultProxyName is the TOML table consulted when no provider is named.
const DefaultProxyName = "proxy-0"

// ProxyConfig describes one egress proxy provider from the TOML config.
// Either URLTemplate carries the whole connection string, or URL names the
// server and UsernameTemplate/BaseUsername/Password supply credentials.
type ProxyConfig struct {
	Name             string   `toml:"-"`
	Type             string   `toml:"type"`
	URL              string   `toml:"url"`
	URLTemplate      string   `toml:"url_template"`
	UsernameTemplate string   `toml:"username_template"`
	BaseUsername     string   `toml:"base_username"`
	Password         string   `toml:"password"`
	HierarchyFields  []string `toml:"hierarchy_fields"`
}

// ParseConfigs parses a TOML document of named proxy tables.
func ParseConfigs(raw string) (map[string]ProxyConfig, error) {
	tree, err := toml.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxies config: %v", err)
	}

	configs := make(map[string]ProxyConfig)
	for _, name := range tree.Keys() {
		sub, ok := tree.Get(name).(*toml.Tree)
		if !ok {
			continue
		}
		var cfg ProxyConfig
		if err := sub.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse proxy %q: %v", name, err)
		}
		if cfg.Type == "" {
			cfg.Type = "none"
		}
		cfg.Name = name
		configs[name] = cfg
	}
	return configs, nil
}

// GetConfig returns one named proxy from the TOML document, or nil when the
// document is empty or the name is absent.
func GetConfig(raw, name string) (*ProxyConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	if name == "" {
		name = DefaultProxyName
	}
	configs, err := ParseConfigs(raw)
	if err != nil {
		return nil, err
	}
	cfg, ok := configs[name]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

// Server extracts "host:port" from the configured URL, tolerating URLs with
// or without a scheme and with embedded credentials.
func (c *ProxyConfig) Server() string {
	return serverFromURL(c.URL)
}

func serverFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Hostname() == "" {
		return ""
	}
	if port := parsed.Port(); port != "" {
		return parsed.Hostname() + ":" + port
	}
	return parsed.Hostname()
}

// MaskCredentials hides the password of a proxy URL for logging.
func MaskCredentials(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	if _, hasPassword := parsed.User.Password(); !hasPassword {
		return raw
	}
	// url.UserPassword would percent-encode the mask, so splice it in
	masked := *parsed
	masked.User = url.User(parsed.User.Username())
	return strings.Replace(masked.String(), "@", ":****@", 1)
}
