package egress

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mcp-getgather/mcp-gateway/pkg/config"
	"github.com/mcp-getgather/mcp-gateway/pkg/log"
)

// MountDirFunc resolves a worker hostname to its mount directory. Satisfied
// by the container service.
type MountDirFunc func(hostname string) string

// Manager applies validated egress selections to worker mounts, one session
// per hostname. A session sticks until the location or provider changes or
// the container is released.
type Manager struct {
	selector    *Selector
	configs     map[string]ProxyConfig
	defaultType string
	mountDir    MountDirFunc
	logger      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]string
}

// NewManager parses the configured proxies document and builds the manager.
// With no usable provider the manager still works; Apply then reports that
// egress is disabled.
func NewManager(cfg *config.Config, mountDir MountDirFunc) (*Manager, error) {
	var configs map[string]ProxyConfig
	if strings.TrimSpace(cfg.ProxiesConfig) != "" {
		var err error
		configs, err = ParseConfigs(cfg.ProxiesConfig)
		if err != nil {
			return nil, err
		}
	}
	return &Manager{
		selector:    NewSelector(),
		configs:     configs,
		defaultType: cfg.DefaultProxyType,
		mountDir:    mountDir,
		logger:      log.WithTopic("egress"),
		sessions:    make(map[string]string),
	}, nil
}

// Enabled reports whether any provider is configured.
func (m *Manager) Enabled() bool {
	return len(m.configs) > 0
}

// configFor resolves the provider to use: the requested name, then the
// configured default, then the conventional table name, then the first table
// in name order.
func (m *Manager) configFor(proxyType string) *ProxyConfig {
	for _, name := range []string{proxyType, m.defaultType, DefaultProxyName} {
		if name == "" {
			continue
		}
		if cfg, ok := m.configs[name]; ok {
			return &cfg
		}
	}

	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cfg := m.configs[name]
		return &cfg
	}
	return nil
}

// Apply validates the requested location for the worker and writes the
// winning proxy into its mount. An unchanged selection is a no-op so repeated
// MCP requests do not re-probe the provider.
func (m *Manager) Apply(ctx context.Context, hostname, proxyType, rawLocation string) error {
	cfg := m.configFor(proxyType)
	if cfg == nil || cfg.Type == "none" {
		// remove a stale file left by a previous provider
		_ = RemoveProxiesFile(m.mountDir(hostname))
		return fmt.Errorf("no egress proxy configured")
	}

	session := cfg.Name + "|" + rawLocation
	m.mu.Lock()
	unchanged := m.sessions[hostname] == session
	m.mu.Unlock()
	if unchanged {
		return nil
	}

	loc := ParseLocation(rawLocation)
	if loc.IsZero() {
		return fmt.Errorf("unparseable location %q", rawLocation)
	}

	resolved, ip, level, err := m.selector.Select(ctx, cfg, hostname, &loc)
	if err != nil {
		return err
	}
	if resolved == nil {
		return RemoveProxiesFile(m.mountDir(hostname))
	}

	if err := WriteProxiesFile(m.mountDir(hostname), resolved); err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions[hostname] = session
	m.mu.Unlock()

	event := m.logger.Info().Str("hostname", hostname).Str("ip", ip)
	if level != nil {
		event = event.Str("location", level.String())
	}
	event.Msg("Egress session updated")
	return nil
}

// Release clears the session and the proxies file when a worker is released.
func (m *Manager) Release(hostname string) {
	m.mu.Lock()
	_, had := m.sessions[hostname]
	delete(m.sessions, hostname)
	m.mu.Unlock()

	if had {
		if err := RemoveProxiesFile(m.mountDir(hostname)); err != nil {
			m.logger.Warn().Err(err).Str("hostname", hostname).Msg("Failed to remove proxies file")
		}
		m.logger.Info().Str("hostname", hostname).Msg("Egress session cleared")
	}
}
