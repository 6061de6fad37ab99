package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/mcp-getgather/mcp-gateway/pkg/config"
	"github.com/mcp-getgather/mcp-gateway/pkg/log"
	"github.com/mcp-getgather/mcp-gateway/pkg/metrics"
	"github.com/mcp-getgather/mcp-gateway/pkg/types"
)

// OAuthScopes is the canonical scope set every verified token is normalized
// to; a dummy scope that makes downstream scope validation work.
var OAuthScopes = []string{"getgather_user_scope"}

// GitHubScopes and GoogleScopes are requested from the upstream IdPs.
var (
	GitHubScopes = []string{"user"}
	GoogleScopes = []string{
		"openid",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	}
)

// ErrInvalidToken indicates a bearer token failed verification.
var ErrInvalidToken = errors.New("invalid bearer token")

// subPattern keeps first-party subs DNS- and filename-safe: they end up in
// container names and mount directory paths.
var subPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

const firstPartyTokenPrefix = "getgather"

// AccessToken is a verified bearer with normalized claims.
type AccessToken struct {
	Token    string
	ClientID string
	Scopes   []string
	Claims   map[string]string
}

// User extracts an AuthUser from the token claims. Missing sub or provider is
// a fatal token error.
func (t *AccessToken) User() (types.AuthUser, error) {
	sub := t.Claims["sub"]
	provider := t.Claims["auth_provider"]
	if sub == "" || provider == "" {
		return types.AuthUser{}, fmt.Errorf("%w: missing sub or provider in claims", ErrInvalidToken)
	}
	return types.AuthUser{
		Sub:          sub,
		AuthProvider: types.AuthProvider(provider),
		Name:         t.Claims["name"],
		Login:        t.Claims["login"],
		Email:        t.Claims["email"],
		AppName:      t.Claims["app_name"],
	}, nil
}

// Verifier validates a bearer token against one provider.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (*AccessToken, error)
}

// StaticVerifier accepts first-party tokens "getgather_{app_key}_{sub}".
// App keys come from a configured allow-list mapping app_key to app name.
type StaticVerifier struct {
	apps map[string]string
}

// NewStaticVerifier creates a verifier for the configured app allow-list.
func NewStaticVerifier(apps map[string]string) *StaticVerifier {
	return &StaticVerifier{apps: apps}
}

// VerifyToken validates the token shape X_Y_Z where X is the first-party
// prefix, Y an allowed app key and Z a non-empty DNS-safe sub.
func (v *StaticVerifier) VerifyToken(ctx context.Context, token string) (*AccessToken, error) {
	parts := strings.Split(token, "_")
	if len(parts) < 3 || (parts[0] != firstPartyTokenPrefix && parts[0] != string(types.ProviderGetgatherPersistent)) {
		log.Logger.Warn().Msg("Invalid getgather token shape")
		return nil, ErrInvalidToken
	}
	appName, ok := v.apps[parts[1]]
	if !ok {
		log.Logger.Warn().Str("app_key", parts[1]).Msg("Unknown getgather app key")
		return nil, ErrInvalidToken
	}

	sub := strings.Join(parts[2:], "_")
	if !subPattern.MatchString(sub) {
		log.Logger.Warn().Msg("Getgather token sub is not DNS safe")
		return nil, ErrInvalidToken
	}

	provider := firstPartyTokenPrefix
	if parts[0] == string(types.ProviderGetgatherPersistent) {
		provider = string(types.ProviderGetgatherPersistent)
	}

	return &AccessToken{
		Token:    token,
		ClientID: parts[1],
		Scopes:   OAuthScopes,
		Claims: map[string]string{
			"sub":           sub,
			"app_name":      appName,
			"auth_provider": provider,
		},
	}, nil
}

// userInfoVerifier validates a bearer by calling a provider's user-info
// endpoint with it.
type userInfoVerifier struct {
	provider types.AuthProvider
	url      string
	client   *http.Client
}

func (v *userInfoVerifier) VerifyToken(ctx context.Context, token string) (*AccessToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build user-info request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to verify token with %s: %v", v.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s user-info returned %d", ErrInvalidToken, v.provider, resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s user-info response: %v", v.provider, err)
	}

	claims := map[string]string{"auth_provider": string(v.provider)}
	for _, key := range []string{"sub", "name", "login", "email"} {
		if value, ok := raw[key].(string); ok && value != "" {
			claims[key] = value
		}
	}
	// github user-info has no sub claim; its numeric id fills in
	if claims["sub"] == "" {
		if id, ok := raw["id"].(float64); ok {
			claims["sub"] = fmt.Sprintf("%.0f", id)
		} else if id, ok := raw["id"].(string); ok {
			claims["sub"] = id
		}
	}

	return &AccessToken{Token: token, Scopes: OAuthScopes, Claims: claims}, nil
}

// Router picks the verifier for a bearer token by its prefix: first-party
// static tokens, GitHub token prefixes, and everything else Google.
type Router struct {
	static *StaticVerifier
	github Verifier
	google Verifier
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithGitHubVerifier replaces the GitHub verifier, used by tests.
func WithGitHubVerifier(v Verifier) RouterOption {
	return func(r *Router) { r.github = v }
}

// WithGoogleVerifier replaces the Google verifier, used by tests.
func WithGoogleVerifier(v Verifier) RouterOption {
	return func(r *Router) { r.google = v }
}

// NewRouter creates the token router for the configured origins. GitHub and
// Google verifiers are only installed when at least one origin configures the
// provider; any origin's credentials verify tokens for all of them.
func NewRouter(cfg *config.Config, opts ...RouterOption) *Router {
	r := &Router{static: NewStaticVerifier(cfg.GetgatherApps)}
	for _, origin := range cfg.Origins {
		for _, provider := range origin.Providers {
			switch provider.Name {
			case "github":
				if r.github == nil {
					r.github = &userInfoVerifier{
						provider: types.ProviderGitHub,
						url:      "https://api.github.com/user",
						client:   http.DefaultClient,
					}
				}
			case "google":
				if r.google == nil {
					r.google = &userInfoVerifier{
						provider: types.ProviderGoogle,
						url:      "https://openidconnect.googleapis.com/v1/userinfo",
						client:   http.DefaultClient,
					}
				}
			}
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// VerifyToken routes the token to its provider's verifier and normalizes the
// result: provider claim set, scopes reset to the canonical set.
func (r *Router) VerifyToken(ctx context.Context, token string) (*AccessToken, error) {
	var verifier Verifier
	var provider string

	switch {
	case strings.HasPrefix(token, firstPartyTokenPrefix):
		verifier, provider = r.static, string(types.ProviderGetgather)
	case strings.HasPrefix(token, "gho_"), strings.HasPrefix(token, "ghp_"), strings.HasPrefix(token, "ghu_"):
		// gho_ oauth apps, ghp_ personal access tokens, ghu_ github apps
		if r.github == nil {
			return nil, fmt.Errorf("github oauth provider not configured")
		}
		verifier, provider = r.github, string(types.ProviderGitHub)
	default:
		if r.google == nil {
			return nil, fmt.Errorf("google oauth provider not configured")
		}
		verifier, provider = r.google, string(types.ProviderGoogle)
	}

	result, err := verifier.VerifyToken(ctx, token)
	if err != nil {
		metrics.TokenVerifications.WithLabelValues(provider, "rejected").Inc()
		return nil, err
	}

	if result.Claims == nil {
		result.Claims = map[string]string{}
	}
	if result.Claims["auth_provider"] == "" {
		result.Claims["auth_provider"] = provider
	}
	result.Scopes = OAuthScopes

	metrics.TokenVerifications.WithLabelValues(result.Claims["auth_provider"], "accepted").Inc()
	return result, nil
}
