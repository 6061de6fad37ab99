package egress

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcp-getgather/mcp-gateway/pkg/log"
)

const (
	ipCheckURL        = "http://checkip.amazonaws.com"
	maxIPCheckRetries = 3
	validationTimeout = 10 * time.Second
	retryDelay        = 500 * time.Millisecond
)

// Resolved is a proxy configuration that passed validation, ready to hand to
// a worker.
type Resolved struct {
	Type     string
	Server   string
	Username string
	Password string
	URL      string
}

// Probe fetches the external IP through a candidate proxy. Swappable in
// tests.
type Probe func(ctx context.Context, proxyURL, username, password string) (string, error)

// Selector validates candidate proxy configurations against a location
// hierarchy until one works.
type Selector struct {
	logger  zerolog.Logger
	probe   Probe
	retries int
	delay   time.Duration
}

// NewSelector creates a selector using the real IP check probe.
func NewSelector() *Selector {
	return &Selector{
		logger:  log.WithTopic("egress"),
		probe:   checkIP,
		retries: maxIPCheckRetries,
		delay:   retryDelay,
	}
}

// Select builds and validates a proxy for the session. With a location it
// walks the hierarchy from most to least specific; without one it validates
// the bare configuration. Returns the validated config, the external IP seen
// through it, and the location level that won. A nil Resolved with nil error
// means the provider is disabled.
func (s *Selector) Select(ctx context.Context, cfg *ProxyConfig, sessionID string, loc *Location) (*Resolved, string, *Location, error) {
	if cfg == nil || cfg.Type == "none" {
		return nil, "", nil, nil
	}

	if loc == nil || loc.IsZero() {
		resolved := buildResolved(cfg, sessionID, nil)
		if resolved == nil {
			return nil, "", nil, fmt.Errorf("proxy %s has no usable configuration", cfg.Name)
		}
		ip, err := s.validate(ctx, resolved)
		if err != nil {
			return nil, "", nil, err
		}
		return resolved, ip, nil, nil
	}

	validated := ValidateAndDefault(*loc)
	fields := cfg.HierarchyFields
	if fields == nil {
		if template := cfg.URLTemplate + cfg.UsernameTemplate; template != "" {
			fields = DetectHierarchyFields(template)
		}
	}
	hierarchy := BuildHierarchy(validated, fields)
	if len(hierarchy) == 0 {
		return nil, "", nil, fmt.Errorf("cannot build location hierarchy for %s", validated)
	}

	s.logger.Info().
		Str("proxy", cfg.Name).
		Str("location", validated.String()).
		Int("levels", len(hierarchy)).
		Msg("Selecting egress proxy")

	var lastErr error
	for level, candidate := range hierarchy {
		resolved := buildResolved(cfg, sessionID, &candidate)
		if resolved == nil {
			continue
		}
		ip, err := s.validate(ctx, resolved)
		if err != nil {
			lastErr = err
			s.logger.Warn().
				Int("level", level+1).
				Str("location", candidate.String()).
				Msg("Egress validation failed at level")
			continue
		}
		s.logger.Info().
			Int("level", level+1).
			Str("location", candidate.String()).
			Str("ip", ip).
			Msg("Egress proxy validated")
		return resolved, ip, &candidate, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no hierarchy level produced a usable configuration")
	}
	return nil, "", nil, fmt.Errorf("all %d location levels failed for proxy %s: %v", len(hierarchy), cfg.Name, lastErr)
}

// validate probes the proxy with retries.
func (s *Selector) validate(ctx context.Context, resolved *Resolved) (string, error) {
	proxyURL := resolved.Server
	if !strings.Contains(proxyURL, "://") {
		proxyURL = "http://" + proxyURL
	}

	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		ip, err := s.probe(ctx, proxyURL, resolved.Username, resolved.Password)
		if err == nil {
			return ip, nil
		}
		lastErr = err
		s.logger.Debug().
			Int("attempt", attempt).
			Str("proxy", MaskCredentials(proxyURL)).
			Err(err).
			Msg("Egress probe failed")
		if attempt < s.retries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.delay):
			}
		}
	}
	return "", fmt.Errorf("proxy validation failed after %d attempts: %v", s.retries, lastErr)
}

// buildResolved renders the provider templates for one location candidate.
// Returns nil when the configuration renders to nothing usable.
func buildResolved(cfg *ProxyConfig, sessionID string, loc *Location) *Resolved {
	values := templateValues(sessionID, loc)

	if cfg.URLTemplate != "" {
		full := renderTemplate(cfg.URLTemplate, values)
		if full == "" {
			return nil
		}
		if !strings.Contains(full, "://") {
			full = "http://" + full
		}
		parsed, err := url.Parse(full)
		if err != nil || parsed.Hostname() == "" {
			return nil
		}
		resolved := &Resolved{Type: cfg.Type, Server: serverFromURL(full), URL: full}
		if parsed.User != nil {
			resolved.Username = parsed.User.Username()
			resolved.Password, _ = parsed.User.Password()
		}
		return resolved
	}

	server := cfg.Server()
	if server == "" {
		return nil
	}

	username := cfg.BaseUsername
	if cfg.UsernameTemplate != "" {
		if rendered := renderTemplate(cfg.UsernameTemplate, values); rendered != "" {
			username = rendered
		}
	}
	return &Resolved{
		Type:     cfg.Type,
		Server:   server,
		Username: username,
		Password: cfg.Password,
		URL:      cfg.URL,
	}
}

// checkIP fetches the caller's external IP through the proxy.
func checkIP(ctx context.Context, proxyURL, username, password string) (string, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse proxy url: %v", err)
	}
	if username != "" && password != "" {
		parsed.User = url.UserPassword(username, password)
	}

	client := &http.Client{
		Timeout:   validationTimeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(parsed)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ipCheckURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build ip check request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ip check through proxy failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip check returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", fmt.Errorf("failed to read ip check response: %v", err)
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("ip check returned %q, not an address", ip)
	}
	return ip, nil
}
