package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mcp-getgather/mcp-gateway/pkg/log"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "clients.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeIdP serves a token endpoint that always succeeds.
func fakeIdP(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"upstream-token","token_type":"bearer","refresh_token":"upstream-refresh","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testProvider(t *testing.T, name string) *Provider {
	t.Helper()
	idp := fakeIdP(t)
	return &Provider{
		name: name,
		oauth: &oauth2.Config{
			ClientID:     "upstream-id",
			ClientSecret: "upstream-secret",
			Endpoint: oauth2.Endpoint{
				AuthURL:  idp.URL + "/authorize",
				TokenURL: idp.URL + "/token",
			},
			RedirectURL: "http://example.com/client/auth/callback",
			Scopes:      []string{"user"},
		},
		issuer:       "http://example.com",
		now:          time.Now,
		transactions: make(map[string]*transaction),
		codes:        make(map[string]*issuedCode),
	}
}

func testFacade(t *testing.T, providers ...*Provider) *Facade {
	t.Helper()
	set := make(map[string]*Provider)
	for _, p := range providers {
		set[p.name] = p
	}
	return &Facade{
		store:     testStore(t),
		logger:    log.WithComponent("oauth"),
		providers: map[string]map[string]*Provider{"http://example.com": set},
	}
}

func registerClient(t *testing.T, f *Facade) *Client {
	t.Helper()
	client := &Client{
		ID:           "client-1",
		Secret:       "secret-1",
		RedirectURIs: []string{"http://localhost:33418/callback"},
	}
	require.NoError(t, f.store.SaveClient(client))
	return client
}

func TestStoreClientRoundTrip(t *testing.T) {
	store := testStore(t)

	saved := &Client{ID: "abc", Secret: "s", Name: "Inspector", RedirectURIs: []string{"http://localhost/cb"}}
	require.NoError(t, store.SaveClient(saved))

	loaded, err := store.GetClient("abc")
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)

	missing, err := store.GetClient("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreProviderMemo(t *testing.T) {
	store := testStore(t)

	provider, err := store.GetProvider("abc")
	require.NoError(t, err)
	assert.Empty(t, provider)

	require.NoError(t, store.SetProvider("abc", "github"))
	provider, err = store.GetProvider("abc")
	require.NoError(t, err)
	assert.Equal(t, "github", provider)
}

func TestBeginAuthorizationRecordsTransaction(t *testing.T) {
	p := testProvider(t, "github")

	authURL := p.BeginAuthorization("client-1", "client-state", "http://localhost/cb", "challenge")

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	assert.NotEmpty(t, state)
	assert.Equal(t, "upstream-id", parsed.Query().Get("client_id"))
	assert.True(t, p.OwnsState(state))
	assert.False(t, p.OwnsState("other"))
}

func TestCompleteAuthorizationRedirectsToClient(t *testing.T) {
	p := testProvider(t, "github")
	authURL := p.BeginAuthorization("client-1", "client-state", "http://localhost:33418/callback", "")
	state := mustQueryParam(t, authURL, "state")

	redirect, clientID, err := p.CompleteAuthorization(context.Background(), state, "upstream-code")
	require.NoError(t, err)

	assert.Equal(t, "client-1", clientID)
	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "localhost:33418", parsed.Host)
	assert.Equal(t, "client-state", parsed.Query().Get("state"))
	assert.NotEmpty(t, parsed.Query().Get("code"))

	// state is single use
	_, _, err = p.CompleteAuthorization(context.Background(), state, "upstream-code")
	assert.Error(t, err)
}

func TestRedeemCodeEnforcesPKCE(t *testing.T) {
	p := testProvider(t, "github")
	verifier := "a-very-long-code-verifier-string-for-tests"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	authURL := p.BeginAuthorization("client-1", "", "http://localhost/cb", challenge)
	state := mustQueryParam(t, authURL, "state")
	redirect, _, err := p.CompleteAuthorization(context.Background(), state, "upstream-code")
	require.NoError(t, err)
	code := mustQueryParam(t, redirect, "code")

	// wrong verifier fails and burns the code
	_, err = p.RedeemCode(code, "wrong-verifier")
	assert.Error(t, err)

	authURL = p.BeginAuthorization("client-1", "", "http://localhost/cb", challenge)
	state = mustQueryParam(t, authURL, "state")
	redirect, _, err = p.CompleteAuthorization(context.Background(), state, "upstream-code")
	require.NoError(t, err)
	code = mustQueryParam(t, redirect, "code")

	token, err := p.RedeemCode(code, verifier)
	require.NoError(t, err)
	assert.Equal(t, "upstream-token", token.AccessToken)
	assert.Equal(t, "upstream-refresh", token.RefreshToken)
}

func TestHandleAuthorizeRedirectsToSignin(t *testing.T) {
	f := testFacade(t, testProvider(t, "github"), testProvider(t, "google"))
	client := registerClient(t, f)

	req := httptest.NewRequest(http.MethodGet, "/authorize?client_id="+client.ID+
		"&redirect_uri="+url.QueryEscape(client.RedirectURIs[0])+"&state=s1&code_challenge=c1", nil)
	rec := httptest.NewRecorder()
	f.HandleAuthorize(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/signin", location.Path)
	assert.NotEmpty(t, location.Query().Get("github_url"))
	assert.NotEmpty(t, location.Query().Get("google_url"))
}

func TestHandleAuthorizeRejectsUnknownClient(t *testing.T) {
	f := testFacade(t, testProvider(t, "github"))

	req := httptest.NewRequest(http.MethodGet, "/authorize?client_id=nope&redirect_uri=http://localhost/cb", nil)
	rec := httptest.NewRecorder()
	f.HandleAuthorize(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_client")
}

func TestHandleAuthorizeRejectsUnregisteredRedirect(t *testing.T) {
	f := testFacade(t, testProvider(t, "github"))
	client := registerClient(t, f)

	req := httptest.NewRequest(http.MethodGet, "/authorize?client_id="+client.ID+"&redirect_uri=http://evil.example/cb", nil)
	rec := httptest.NewRecorder()
	f.HandleAuthorize(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackThenTokenFlow(t *testing.T) {
	github := testProvider(t, "github")
	f := testFacade(t, github)
	client := registerClient(t, f)

	// start the flow so a transaction exists
	req := httptest.NewRequest(http.MethodGet, "/authorize?client_id="+client.ID+
		"&redirect_uri="+url.QueryEscape(client.RedirectURIs[0])+"&state=s1", nil)
	rec := httptest.NewRecorder()
	f.HandleAuthorize(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)
	signin, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := mustQueryParam(t, signin.Query().Get("github_url"), "state")

	// IdP redirects back
	req = httptest.NewRequest(http.MethodGet, "/client/auth/callback?state="+state+"&code=upstream-code", nil)
	rec = httptest.NewRecorder()
	f.HandleCallback(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)
	code := mustQueryParam(t, rec.Header().Get("Location"), "code")

	memo, err := f.store.GetProvider(client.ID)
	require.NoError(t, err)
	assert.Equal(t, "github", memo)

	// client trades the code in
	form := url.Values{
		"grant_type": {"authorization_code"},
		"client_id":  {client.ID},
		"code":       {code},
	}
	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	f.HandleToken(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "upstream-token", resp["access_token"])
	assert.Equal(t, "upstream-refresh", resp["refresh_token"])
	assert.Equal(t, "bearer", resp["token_type"])
}

func TestHandleTokenRefreshGrant(t *testing.T) {
	github := testProvider(t, "github")
	f := testFacade(t, github)
	client := registerClient(t, f)
	require.NoError(t, f.store.SetProvider(client.ID, "github"))

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {client.ID},
		"refresh_token": {"old-refresh"},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.HandleToken(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "upstream-token", resp["access_token"])
}

func TestHandleTokenUnknownClient(t *testing.T) {
	f := testFacade(t, testProvider(t, "github"))

	form := url.Values{"grant_type": {"authorization_code"}, "client_id": {"nope"}, "code": {"c"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.HandleToken(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_client")
}

func TestHandleRegister(t *testing.T) {
	f := testFacade(t, testProvider(t, "github"))

	body := `{"redirect_uris":["http://localhost:33418/callback"],"client_name":"Inspector"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.HandleRegister(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["client_id"])
	assert.Equal(t, "Inspector", resp["client_name"])
	assert.Equal(t, "getgather_user_scope", resp["scope"])

	stored, err := f.store.GetClient(resp["client_id"].(string))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, []string{"http://localhost:33418/callback"}, stored.RedirectURIs)
}

func TestHandleRegisterRequiresRedirectURIs(t *testing.T) {
	f := testFacade(t, testProvider(t, "github"))

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"client_name":"x"}`))
	rec := httptest.NewRecorder()
	f.HandleRegister(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorizationServerMetadata(t *testing.T) {
	f := testFacade(t, testProvider(t, "github"))

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	req.Header.Set("x-forwarded-proto", "https")
	req.Header.Set("x-forwarded-host", "gw.example.com")
	rec := httptest.NewRecorder()
	f.HandleAuthorizationServerMetadata(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://gw.example.com", resp["issuer"])
	assert.Equal(t, "https://gw.example.com/authorize", resp["authorization_endpoint"])
	assert.Equal(t, "https://gw.example.com/token", resp["token_endpoint"])
}

func TestProtectedResourceMetadata(t *testing.T) {
	f := testFacade(t, testProvider(t, "github"))

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil)
	rec := httptest.NewRecorder()
	f.HandleProtectedResourceMetadata(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []any{"http://example.com"}, resp["authorization_servers"])
}

func mustQueryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	value := parsed.Query().Get(key)
	require.NotEmpty(t, value, "query param %s in %s", key, rawURL)
	return value
}
