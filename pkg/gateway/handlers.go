package gateway

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mcp-getgather/mcp-gateway/pkg/auth"
	"github.com/mcp-getgather/mcp-gateway/pkg/manager"
	"github.com/mcp-getgather/mcp-gateway/pkg/types"
)

// accountStatePrefix marks facade callbacks that belong to the gateway's own
// account flow rather than an external MCP client.
const accountStatePrefix = "account:"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "OK %d GIT_REV: %s", time.Now().Unix(), s.cfg.GitRev)
}

// handleAdminReload pulls the latest worker image and recreates every
// container from it. Guarded by a shared admin token header.
func (s *Server) handleAdminReload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminAPIToken == "" {
		http.Error(w, "Admin API is not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Header.Get("x-admin-token") != s.cfg.AdminAPIToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	s.logger.Info().Msg("Admin reload requested")
	if err := s.mgr.PullImage(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to pull image")
		http.Error(w, fmt.Sprintf("failed to pull image: %v", err), http.StatusInternalServerError)
		return
	}
	if err := s.mgr.RecreateAllContainers(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to recreate containers")
		http.Error(w, fmt.Sprintf("failed to recreate containers: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

var signinTemplate = template.Must(template.New("signin").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in to continue</h1>
{{range .}}<p><a href="{{.URL}}">Continue with {{.Label}}</a></p>
{{end}}</body>
</html>
`))

type signinChoice struct {
	Label string
	URL   string
}

// handleSignin renders the provider chooser. The authorize endpoint redirects
// here with one {provider}_url query parameter per configured provider.
func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	var choices []signinChoice
	for key, values := range r.URL.Query() {
		name, ok := strings.CutSuffix(key, "_url")
		if !ok || name == "" || len(values) == 0 || values[0] == "" {
			continue
		}
		choices = append(choices, signinChoice{
			Label: strings.ToUpper(name[:1]) + name[1:],
			URL:   values[0],
		})
	}
	if len(choices) == 0 {
		http.Error(w, "No sign-in providers available", http.StatusInternalServerError)
		return
	}
	sort.Slice(choices, func(i, j int) bool { return choices[i].Label < choices[j].Label })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := signinTemplate.Execute(w, choices); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render signin page")
	}
}

type accountResponse struct {
	User        types.AuthUser   `json:"user"`
	Container   *types.Container `json:"container"`
	ManagerInfo manager.Info     `json:"manager_info"`
}

var accountTemplate = template.Must(template.New("account").Parse(`<!DOCTYPE html>
<html>
<head><title>Account</title></head>
<body>
<h1>{{.User.Name}}</h1>
<p>User ID: {{.User.UserID}}</p>
<p>Email: {{.User.Email}}</p>
<p>Container: {{.Container.Hostname}} ({{.Container.Status}})</p>
<p>Active containers: {{.ManagerInfo.ActiveContainers}} / {{.ManagerInfo.ActiveCapacity}}</p>
</body>
</html>
`))

// handleAccount exercises the full sign-in path end to end: it drives the
// OAuth facade as a registered client, verifies the resulting token, and
// shows which container the signed-in user lands on.
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		http.Error(w, "OAuth is not configured", http.StatusServiceUnavailable)
		return
	}
	mcpName := chi.URLParam(r, "mcp_name")

	code := r.URL.Query().Get("code")
	if code == "" {
		authorize := url.URL{
			Path: "/authorize",
			RawQuery: url.Values{
				"response_type": {"code"},
				"client_id":     {accountClientID},
				"redirect_uri":  {auth.ServerOrigin(r) + "/client/auth/callback"},
				"state":         {accountStatePrefix + mcpName},
			}.Encode(),
		}
		http.Redirect(w, r, authorize.String(), http.StatusFound)
		return
	}

	token, err := s.facade.Redeem(r, accountClientID, code)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to redeem code: %v", err), http.StatusBadRequest)
		return
	}
	access, err := s.tokens.VerifyToken(r.Context(), token.AccessToken)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to verify token: %v", err), http.StatusUnauthorized)
		return
	}
	user, err := access.User()
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	container, err := s.mgr.GetUserContainer(r.Context(), user)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to assign container: %v", err), http.StatusBadGateway)
		return
	}

	resp := accountResponse{User: user, Container: container, ManagerInfo: s.mgr.Info()}
	if r.URL.Query().Get("data_format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode account response")
		}
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := accountTemplate.Execute(w, resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render account page")
	}
}

// handleCallback is the IdP return leg. Account-flow states bounce back to
// the account page with the freshly minted code; everything else belongs to
// an external client and goes through the facade.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		http.Error(w, "OAuth is not configured", http.StatusServiceUnavailable)
		return
	}

	redirect, clientID, err := s.facade.Complete(w, r)
	if err != nil || redirect == "" {
		return
	}
	if clientID == accountClientID {
		target, parseErr := url.Parse(redirect)
		if parseErr == nil {
			state := target.Query().Get("state")
			if name, ok := strings.CutPrefix(state, accountStatePrefix); ok {
				account := url.URL{
					Path:     "/account/" + name,
					RawQuery: url.Values{"code": {target.Query().Get("code")}}.Encode(),
				}
				http.Redirect(w, r, account.String(), http.StatusTemporaryRedirect)
				return
			}
		}
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}
