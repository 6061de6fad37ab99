// Package oauth implements the authorization server facade the gateway
// presents to MCP clients. Clients register dynamically and run a standard
// authorization code flow against the gateway; behind it, the facade drives
// the real flow against whichever upstream identity provider the user picks
// on the sign-in page, then hands the upstream token through unchanged.
package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/mcp-getgather/mcp-gateway/pkg/auth"
	"github.com/mcp-getgather/mcp-gateway/pkg/config"
	"github.com/mcp-getgather/mcp-gateway/pkg/log"
)

// Facade is the OAuth authorization server surface of the gateway. Providers
// are grouped per origin so each public hostname uses its own IdP credentials.
type Facade struct {
	store     *Store
	logger    zerolog.Logger
	providers map[string]map[string]*Provider
}

// NewFacade builds providers for every configured origin.
func NewFacade(cfg *config.Config, store *Store) (*Facade, error) {
	f := &Facade{
		store:     store,
		logger:    log.WithComponent("oauth"),
		providers: make(map[string]map[string]*Provider),
	}
	for _, origin := range cfg.Origins {
		set := make(map[string]*Provider)
		for _, pc := range origin.Providers {
			provider, err := newProvider(origin.Origin, pc)
			if err != nil {
				return nil, err
			}
			set[pc.Name] = provider
		}
		f.providers[origin.Origin] = set
	}
	return f, nil
}

// Mount registers the facade routes. The IdP callback path is owned by the
// host, which multiplexes it with the account flow. Well-known documents are
// duplicated under each MCP route so clients that resolve metadata relative
// to the resource path still find them.
func (f *Facade) Mount(r chi.Router, mcpRoutes []string) {
	r.Get("/authorize", f.HandleAuthorize)
	r.Post("/token", f.HandleToken)
	r.Post("/register", f.HandleRegister)

	r.Get("/.well-known/oauth-authorization-server", f.HandleAuthorizationServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", f.HandleProtectedResourceMetadata)
	for _, route := range mcpRoutes {
		r.Get("/.well-known/oauth-authorization-server"+route, f.HandleAuthorizationServerMetadata)
		r.Get("/.well-known/oauth-protected-resource"+route, f.HandleProtectedResourceMetadata)
	}
}

// providersFor resolves the provider set for the request origin. A request
// from an unknown origin falls back to the sole configured set when there is
// exactly one, so local setups work without forwarded headers.
func (f *Facade) providersFor(r *http.Request) map[string]*Provider {
	origin := auth.ServerOrigin(r)
	if set, ok := f.providers[origin]; ok {
		return set
	}
	if len(f.providers) == 1 {
		for _, set := range f.providers {
			return set
		}
	}
	return nil
}

// HandleAuthorize starts one upstream transaction per configured provider and
// sends the user to the sign-in page carrying each provider's authorization
// URL, so the user picks the IdP there.
func (f *Facade) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	if clientID == "" || redirectURI == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "client_id and redirect_uri are required")
		return
	}

	client, err := f.store.GetClient(clientID)
	if err != nil {
		f.logger.Error().Err(err).Msg("Failed to load client")
		oauthError(w, http.StatusInternalServerError, "server_error", "client lookup failed")
		return
	}
	if client == nil {
		oauthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}
	if !client.RedirectAllowed(redirectURI) {
		oauthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered")
		return
	}

	providers := f.providersFor(r)
	if len(providers) == 0 {
		oauthError(w, http.StatusBadRequest, "invalid_request", "no oauth providers configured for this origin")
		return
	}

	signin := url.Values{}
	for name, provider := range providers {
		authURL := provider.BeginAuthorization(clientID, q.Get("state"), redirectURI, q.Get("code_challenge"))
		signin.Set(name+"_url", authURL)
	}

	f.logger.Info().Str("client_id", clientID).Int("providers", len(providers)).Msg("Authorization started")
	http.Redirect(w, r, "/signin?"+signin.Encode(), http.StatusFound)
}

// HandleCallback receives the IdP redirect. The state identifies which
// provider the user picked; that choice is memoized per client so token
// refreshes later route to the same IdP.
func (f *Facade) HandleCallback(w http.ResponseWriter, r *http.Request) {
	redirect, _, err := f.Complete(w, r)
	if err != nil {
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Complete finishes the IdP leg without issuing the final redirect, so hosts
// can route internal flows differently from external clients. On failure the
// error response has already been written.
func (f *Facade) Complete(w http.ResponseWriter, r *http.Request) (string, string, error) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		f.logger.Warn().Str("error", errCode).Msg("IdP returned an error")
		oauthError(w, http.StatusBadRequest, errCode, q.Get("error_description"))
		return "", "", fmt.Errorf("idp error: %s", errCode)
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "state and code are required")
		return "", "", fmt.Errorf("state and code are required")
	}

	provider := f.providerForState(r, state)
	if provider == nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "no pending authorization for state")
		return "", "", fmt.Errorf("no pending authorization for state")
	}

	redirect, clientID, err := provider.CompleteAuthorization(r.Context(), state, code)
	if err != nil {
		f.logger.Error().Err(err).Str("provider", provider.Name()).Msg("Failed to complete authorization")
		oauthError(w, http.StatusBadRequest, "invalid_grant", "authorization failed")
		return "", "", err
	}
	if err := f.store.SetProvider(clientID, provider.Name()); err != nil {
		f.logger.Error().Err(err).Msg("Failed to memoize client provider")
	}

	f.logger.Info().Str("client_id", clientID).Str("provider", provider.Name()).Msg("Authorization completed")
	return redirect, clientID, nil
}

// providerForState searches the request origin's providers first, then all
// others; concurrent logins against different origins stay disjoint because
// states are random.
func (f *Facade) providerForState(r *http.Request, state string) *Provider {
	if set := f.providersFor(r); set != nil {
		for _, provider := range set {
			if provider.OwnsState(state) {
				return provider
			}
		}
	}
	for _, set := range f.providers {
		for _, provider := range set {
			if provider.OwnsState(state) {
				return provider
			}
		}
	}
	return nil
}

// HandleToken serves the token endpoint for the authorization code and
// refresh token grants, delegating to the provider memoized for the client.
func (f *Facade) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		clientID, _, _ = r.BasicAuth()
	}
	provider := f.providerForClient(r, clientID)
	if provider == nil {
		oauthError(w, http.StatusBadRequest, "invalid_client", "unknown client or no completed authorization")
		return
	}

	switch grant := r.PostFormValue("grant_type"); grant {
	case "authorization_code":
		token, err := provider.RedeemCode(r.PostFormValue("code"), r.PostFormValue("code_verifier"))
		if err != nil {
			f.logger.Warn().Err(err).Msg("Code redemption failed")
			oauthError(w, http.StatusBadRequest, "invalid_grant", "code redemption failed")
			return
		}
		writeTokenResponse(w, token.AccessToken, token.RefreshToken, token.Expiry)
	case "refresh_token":
		token, err := provider.Refresh(r.Context(), r.PostFormValue("refresh_token"))
		if err != nil {
			f.logger.Warn().Err(err).Str("provider", provider.Name()).Msg("Refresh failed")
			oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh failed")
			return
		}
		writeTokenResponse(w, token.AccessToken, token.RefreshToken, token.Expiry)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

// providerForClient resolves the provider a client authorized with.
func (f *Facade) providerForClient(r *http.Request, clientID string) *Provider {
	if clientID == "" {
		return nil
	}
	name, err := f.store.GetProvider(clientID)
	if err != nil || name == "" {
		return nil
	}
	if set := f.providersFor(r); set != nil {
		if provider, ok := set[name]; ok {
			return provider
		}
	}
	for _, set := range f.providers {
		if provider, ok := set[name]; ok {
			return provider
		}
	}
	return nil
}

// EnsureClient registers a client with a fixed id when absent, used for the
// gateway's own account flow client.
func (f *Facade) EnsureClient(client *Client) error {
	existing, err := f.store.GetClient(client.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return f.store.SaveClient(client)
}

// Redeem trades a facade code for its upstream token outside the HTTP token
// endpoint, used by the account flow.
func (f *Facade) Redeem(r *http.Request, clientID, code string) (*oauth2.Token, error) {
	provider := f.providerForClient(r, clientID)
	if provider == nil {
		return nil, fmt.Errorf("no completed authorization for client %s", clientID)
	}
	return provider.RedeemCode(code, "")
}

// registrationRequest is the subset of RFC 7591 we accept.
type registrationRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name"`
}

// HandleRegister implements dynamic client registration. The requested scope
// is ignored; every client gets the canonical scope set.
func (f *Facade) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed registration body")
		return
	}
	if len(req.RedirectURIs) == 0 {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "redirect_uris is required")
		return
	}

	client := &Client{
		ID:           uuid.NewString(),
		Secret:       uuid.NewString(),
		Name:         req.ClientName,
		RedirectURIs: req.RedirectURIs,
		Scope:        strings.Join(auth.OAuthScopes, " "),
	}
	if err := f.store.SaveClient(client); err != nil {
		f.logger.Error().Err(err).Msg("Failed to save registered client")
		oauthError(w, http.StatusInternalServerError, "server_error", "registration failed")
		return
	}

	f.logger.Info().Str("client_id", client.ID).Str("client_name", client.Name).Msg("Client registered")
	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  client.ID,
		"client_secret":              client.Secret,
		"client_name":                client.Name,
		"redirect_uris":              client.RedirectURIs,
		"scope":                      client.Scope,
		"client_id_issued_at":        time.Now().Unix(),
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	})
}

// HandleAuthorizationServerMetadata serves RFC 8414 metadata for the request
// origin.
func (f *Facade) HandleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	origin := auth.ServerOrigin(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                origin,
		"authorization_endpoint":                origin + "/authorize",
		"token_endpoint":                        origin + "/token",
		"registration_endpoint":                 origin + "/register",
		"scopes_supported":                      auth.OAuthScopes,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
	})
}

// HandleProtectedResourceMetadata serves RFC 9728 metadata pointing MCP
// clients at this gateway as the authorization server.
func (f *Facade) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	origin := auth.ServerOrigin(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 origin,
		"authorization_servers":    []string{origin},
		"scopes_supported":         auth.OAuthScopes,
		"bearer_methods_supported": []string{"header"},
	})
}

func writeTokenResponse(w http.ResponseWriter, accessToken, refreshToken string, expiry time.Time) {
	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "bearer",
		"scope":        strings.Join(auth.OAuthScopes, " "),
	}
	if refreshToken != "" {
		resp["refresh_token"] = refreshToken
	}
	if !expiry.IsZero() {
		if remaining := time.Until(expiry); remaining > 0 {
			resp["expires_in"] = int64(remaining.Seconds())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
