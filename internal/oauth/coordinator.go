package oauth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgebridge/proxy/internal/config"
	"github.com/edgebridge/proxy/internal/credential"
	"github.com/edgebridge/proxy/internal/metrics"
	"github.com/edgebridge/proxy/internal/store"
)

const (
	stateKeyPrefix = "oauth:state:"
	stateTTL       = 10 * time.Minute

	// authorizeScopes is the fixed scope set requested from the upstream.
	authorizeScopes = "read,write,app:assignable,app:mentionable"
)

// flowPhase labels the progress of one authorization flow in logs.
type flowPhase int

const (
	phaseStateIssued flowPhase = iota
	phaseExchanging
	phaseTokenObtained
	phaseVaultWritten
	phaseHandoff
	phaseFailed
)

func (p flowPhase) String() string {
	switch p {
	case phaseStateIssued:
		return "STATE_ISSUED"
	case phaseExchanging:
		return "EXCHANGING"
	case phaseTokenObtained:
		return "TOKEN_OBTAINED"
	case phaseVaultWritten:
		return "VAULT_WRITTEN"
	case phaseHandoff:
		return "HANDOFF"
	case phaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// AuthState correlates a browser redirect with its callback. One shot: it is
// consumed, permanently, the moment a callback observes it.
type AuthState struct {
	State       string    `json:"state"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
}

// Coordinator drives the authorization-code flow end to end.
type Coordinator struct {
	store    store.Store
	vault    *credential.Vault
	upstream *Client
	metrics  *metrics.Metrics

	clientID     string
	authorizeURL string
	redirectURI  string
	publicURL    string

	// stateMu makes observe+delete of an AuthState atomic for callbacks
	// racing within this process. It is never held across upstream calls.
	stateMu sync.Mutex
}

func NewCoordinator(s store.Store, vault *credential.Vault, upstream *Client, m *metrics.Metrics, cfg *config.Config) *Coordinator {
	return &Coordinator{
		store:        s,
		vault:        vault,
		upstream:     upstream,
		metrics:      m,
		clientID:     cfg.Upstream.ClientID,
		authorizeURL: cfg.Upstream.AuthorizeURL,
		redirectURI:  cfg.Upstream.RedirectURI,
		publicURL:    cfg.Server.PublicURL,
	}
}

// HandleAuthorize issues a one-shot state and sends the browser to the
// upstream consent screen. A caller-supplied callback parameter is folded
// into the redirect URI so it survives the upstream round-trip.
func (c *Coordinator) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	state := uuid.New().String()

	redirectURI := c.redirectURI
	if cb := r.URL.Query().Get("callback"); cb != "" {
		redirectURI += "?callback=" + url.QueryEscape(cb)
	}

	auth := AuthState{State: state, RedirectURI: redirectURI, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(auth)
	if err != nil {
		http.Error(w, "Authorization unavailable", http.StatusInternalServerError)
		return
	}
	if err := c.store.Put(r.Context(), stateKeyPrefix+state, data, stateTTL); err != nil {
		slog.Error("[OAuth] failed to persist auth state", "error", err)
		http.Error(w, "Authorization unavailable", http.StatusInternalServerError)
		return
	}

	q := url.Values{
		"client_id":     {c.clientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"scope":         {authorizeScopes},
		"state":         {state},
		"actor":         {"app"},
		"prompt":        {"consent"},
	}
	slog.Info("[OAuth] authorization started", "state", credential.TokenPrefix(state), "phase", phaseStateIssued)
	http.Redirect(w, r, c.authorizeURL+"?"+q.Encode(), http.StatusFound)
}

// HandleCallback completes the flow: consume the state, exchange the code,
// discover the workspace, store the credential, hand the token off.
func (c *Coordinator) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := r.URL.Query().Get("code")
	stateParam := r.URL.Query().Get("state")
	if code == "" || stateParam == "" {
		http.Error(w, "Missing code or state parameter", http.StatusBadRequest)
		return
	}

	auth, err := c.consumeState(r, stateParam)
	if err != nil {
		slog.Error("[OAuth] state lookup failed", "error", err)
		http.Error(w, "Authorization unavailable", http.StatusInternalServerError)
		return
	}
	if auth == nil {
		// Expired, already consumed and never issued all look the same.
		http.Error(w, "Invalid or expired state", http.StatusBadRequest)
		return
	}

	slog.Info("[OAuth] exchanging code", "state", credential.TokenPrefix(stateParam), "phase", phaseExchanging)
	token, err := c.upstream.ExchangeCode(ctx, code, auth.RedirectURI)
	if err != nil {
		slog.Warn("[OAuth] token exchange failed", "error", err, "phase", phaseFailed)
		c.metrics.OAuthFlows.WithLabelValues("failed").Inc()
		http.Error(w, "OAuth token exchange failed", http.StatusInternalServerError)
		return
	}
	slog.Info("[OAuth] token obtained", "token", credential.TokenPrefix(token.AccessToken), "phase", phaseTokenObtained)

	viewer, err := c.upstream.Viewer(ctx, token.AccessToken)
	if err != nil {
		slog.Warn("[OAuth] workspace lookup failed", "error", err, "phase", phaseFailed)
		c.metrics.OAuthFlows.WithLabelValues("failed").Inc()
		http.Error(w, "Workspace lookup failed", http.StatusInternalServerError)
		return
	}

	if token.ExpiresIn <= 0 {
		// The upstream omits expires_in for non-expiring grants; cap the
		// stored record at a day and let re-authorization renew it.
		token.ExpiresIn = int64((24 * time.Hour).Seconds())
	}

	now := time.Now().UTC()
	cred := &credential.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Scopes:       strings.Fields(token.Scope),
		ObtainedAt:   now,
		ExpiresAt:    now.Add(time.Duration(token.ExpiresIn) * time.Second),
		UserID:       viewer.UserID,
		UserEmail:    viewer.UserEmail,
		WorkspaceID:  viewer.Workspace.ID,
	}
	if err := c.vault.Save(ctx, cred); err != nil {
		slog.Error("[OAuth] vault write failed", "workspace", viewer.Workspace.ID, "error", err, "phase", phaseFailed)
		c.metrics.OAuthFlows.WithLabelValues("failed").Inc()
		http.Error(w, "Credential storage failed", http.StatusInternalServerError)
		return
	}
	ws := viewer.Workspace
	if err := c.vault.SaveWorkspace(ctx, &ws); err != nil {
		slog.Warn("[OAuth] workspace metadata write failed", "workspace", ws.ID, "error", err)
	}
	slog.Info("[OAuth] credential stored",
		"workspace", ws.ID,
		"user", viewer.UserEmail,
		"token", credential.TokenPrefix(token.AccessToken),
		"phase", phaseVaultWritten)

	c.metrics.OAuthFlows.WithLabelValues("completed").Inc()
	c.completeHandoff(w, r, auth, cred, &ws)
}

// consumeState atomically observes and deletes an AuthState. Returns nil
// when the state is absent; at most one caller ever sees it as present.
func (c *Coordinator) consumeState(r *http.Request, state string) (*AuthState, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	key := stateKeyPrefix + state
	data, err := c.store.Get(r.Context(), key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	if err := c.store.Delete(r.Context(), key); err != nil {
		return nil, err
	}

	var auth AuthState
	if err := json.Unmarshal(data, &auth); err != nil {
		// A record we cannot read is as good as absent; it is already gone.
		return nil, nil
	}
	return &auth, nil
}
