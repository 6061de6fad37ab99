package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	githubendpoint "golang.org/x/oauth2/github"
	googleendpoint "golang.org/x/oauth2/google"

	"github.com/mcp-getgather/mcp-gateway/pkg/auth"
	"github.com/mcp-getgather/mcp-gateway/pkg/config"
)

// transactionTTL bounds how long a started authorization may sit before the
// IdP redirects back.
const transactionTTL = 10 * time.Minute

// transaction is one client authorization in flight against the upstream IdP,
// keyed by the state we hand the IdP.
type transaction struct {
	ClientID          string
	ClientState       string
	ClientRedirectURI string
	CodeChallenge     string
	CreatedAt         time.Time
}

// issuedCode maps a facade-issued authorization code to the upstream token it
// stands for, until the client trades it in at the token endpoint.
type issuedCode struct {
	ClientID      string
	CodeChallenge string
	Token         *oauth2.Token
	CreatedAt     time.Time
}

// Provider fronts one upstream identity provider for one gateway origin. It
// runs the upstream authorization code flow and issues its own short-lived
// codes to the MCP client.
type Provider struct {
	name   string
	oauth  *oauth2.Config
	issuer string
	now    func() time.Time

	mu           sync.Mutex
	transactions map[string]*transaction
	codes        map[string]*issuedCode
}

func newProvider(origin string, pc config.OAuthProviderConfig) (*Provider, error) {
	var endpoint oauth2.Endpoint
	var scopes []string
	switch pc.Name {
	case "github":
		endpoint, scopes = githubendpoint.Endpoint, auth.GitHubScopes
	case "google":
		endpoint, scopes = googleendpoint.Endpoint, auth.GoogleScopes
	default:
		return nil, fmt.Errorf("unsupported oauth provider %q", pc.Name)
	}

	return &Provider{
		name: pc.Name,
		oauth: &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  origin + "/client/auth/callback",
			Scopes:       scopes,
		},
		issuer:       origin,
		now:          time.Now,
		transactions: make(map[string]*transaction),
		codes:        make(map[string]*issuedCode),
	}, nil
}

// Name returns the provider key, "github" or "google".
func (p *Provider) Name() string {
	return p.name
}

// BeginAuthorization records a pending transaction and returns the upstream
// authorization URL the user should be sent to.
func (p *Provider) BeginAuthorization(clientID, clientState, redirectURI, codeChallenge string) string {
	state := uuid.NewString()

	p.mu.Lock()
	p.pruneLocked()
	p.transactions[state] = &transaction{
		ClientID:          clientID,
		ClientState:       clientState,
		ClientRedirectURI: redirectURI,
		CodeChallenge:     codeChallenge,
		CreatedAt:         p.now(),
	}
	p.mu.Unlock()

	opts := []oauth2.AuthCodeOption{}
	if p.name == "google" {
		// offline access so google hands back a refresh token
		opts = append(opts, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	}
	return p.oauth.AuthCodeURL(state, opts...)
}

// OwnsState reports whether this provider has a pending transaction for the
// state an IdP callback carries.
func (p *Provider) OwnsState(state string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.transactions[state]
	return ok
}

// CompleteAuthorization exchanges the upstream code, mints a facade code and
// returns the redirect back to the client together with the client id.
func (p *Provider) CompleteAuthorization(ctx context.Context, state, upstreamCode string) (string, string, error) {
	p.mu.Lock()
	txn, ok := p.transactions[state]
	delete(p.transactions, state)
	p.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("no pending authorization for state")
	}
	if p.now().Sub(txn.CreatedAt) > transactionTTL {
		return "", "", fmt.Errorf("authorization transaction expired")
	}

	token, err := p.oauth.Exchange(ctx, upstreamCode)
	if err != nil {
		return "", "", fmt.Errorf("failed to exchange %s code: %v", p.name, err)
	}

	code := uuid.NewString()
	p.mu.Lock()
	p.codes[code] = &issuedCode{
		ClientID:      txn.ClientID,
		CodeChallenge: txn.CodeChallenge,
		Token:         token,
		CreatedAt:     p.now(),
	}
	p.mu.Unlock()

	redirect, err := url.Parse(txn.ClientRedirectURI)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse client redirect uri: %v", err)
	}
	q := redirect.Query()
	q.Set("code", code)
	if txn.ClientState != "" {
		q.Set("state", txn.ClientState)
	}
	redirect.RawQuery = q.Encode()
	return redirect.String(), txn.ClientID, nil
}

// RedeemCode trades a facade code for the upstream token, enforcing the PKCE
// challenge recorded at authorization time.
func (p *Provider) RedeemCode(code, codeVerifier string) (*oauth2.Token, error) {
	p.mu.Lock()
	issued, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown or already used authorization code")
	}
	if p.now().Sub(issued.CreatedAt) > transactionTTL {
		return nil, fmt.Errorf("authorization code expired")
	}

	if issued.CodeChallenge != "" {
		if !verifyPKCE(issued.CodeChallenge, codeVerifier) {
			return nil, fmt.Errorf("pkce verification failed")
		}
	}
	return issued.Token, nil
}

// Refresh exchanges a refresh token for a fresh upstream access token.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	source := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh %s token: %v", p.name, err)
	}
	return token, nil
}

// pruneLocked drops transactions past their TTL. Caller holds p.mu.
func (p *Provider) pruneLocked() {
	cutoff := p.now().Add(-transactionTTL)
	for state, txn := range p.transactions {
		if txn.CreatedAt.Before(cutoff) {
			delete(p.transactions, state)
		}
	}
	for code, issued := range p.codes {
		if issued.CreatedAt.Before(cutoff) {
			delete(p.codes, code)
		}
	}
}

// verifyPKCE checks an S256 code challenge against the presented verifier.
func verifyPKCE(challenge, verifier string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
