// Package oauth implements the upstream authorization-code flow: state
// issuance, the callback exchange, viewer/workspace discovery, and the
// hand-off that returns the token to whoever started the flow.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edgebridge/proxy/internal/credential"
)

var (
	// ErrTokenExchange marks a non-2xx from the upstream token endpoint.
	ErrTokenExchange = errors.New("token exchange failed")
	// ErrWorkspaceLookup marks a failed or empty viewer/organization query.
	ErrWorkspaceLookup = errors.New("workspace lookup failed")
)

// viewerQuery discovers who the token belongs to and which organization
// (workspace) it grants access to.
const viewerQuery = `query { viewer { id email } organization { id name urlKey teams { nodes { id } } } }`

// TokenResponse is the upstream token endpoint's reply.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Viewer is the identity a bearer token resolves to.
type Viewer struct {
	UserID    string
	UserEmail string
	Workspace credential.Workspace
}

// Client talks to the upstream token and GraphQL endpoints. Endpoint URLs
// are injected so tests run against local servers.
type Client struct {
	clientID     string
	clientSecret string
	tokenURL     string
	graphqlURL   string
	httpClient   *http.Client
}

func NewClient(clientID, clientSecret, tokenURL, graphqlURL string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		graphqlURL:   graphqlURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// ExchangeCode swaps an authorization code for a token. The redirect URI must
// match the one sent to the authorize endpoint, including any folded
// callback parameter.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"redirect_uri":  {redirectURI},
		"code":          {code},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: upstream returned %d: %s", ErrTokenExchange, resp.StatusCode, string(body))
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrTokenExchange, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: response carried no access token", ErrTokenExchange)
	}
	return &token, nil
}

// Viewer resolves a bearer token to its user and organization by asking the
// upstream directly. This is also how stream attaches are authorized: a
// token is valid exactly when the upstream still answers for it.
func (c *Client) Viewer(ctx context.Context, accessToken string) (*Viewer, error) {
	payload, err := json.Marshal(map[string]string{"query": viewerQuery})
	if err != nil {
		return nil, fmt.Errorf("marshal viewer query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build viewer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkspaceLookup, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: upstream returned %d", ErrWorkspaceLookup, resp.StatusCode)
	}

	var reply struct {
		Data struct {
			Viewer struct {
				ID    string `json:"id"`
				Email string `json:"email"`
			} `json:"viewer"`
			Organization struct {
				ID     string `json:"id"`
				Name   string `json:"name"`
				URLKey string `json:"urlKey"`
				Teams  struct {
					Nodes []struct {
						ID string `json:"id"`
					} `json:"nodes"`
				} `json:"teams"`
			} `json:"organization"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrWorkspaceLookup, err)
	}
	if len(reply.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceLookup, reply.Errors[0].Message)
	}
	if reply.Data.Organization.ID == "" {
		return nil, fmt.Errorf("%w: token resolves to no organization", ErrWorkspaceLookup)
	}

	teamIDs := make([]string, 0, len(reply.Data.Organization.Teams.Nodes))
	for _, node := range reply.Data.Organization.Teams.Nodes {
		teamIDs = append(teamIDs, node.ID)
	}
	return &Viewer{
		UserID:    reply.Data.Viewer.ID,
		UserEmail: reply.Data.Viewer.Email,
		Workspace: credential.Workspace{
			ID:      reply.Data.Organization.ID,
			Name:    reply.Data.Organization.Name,
			URLKey:  reply.Data.Organization.URLKey,
			TeamIDs: teamIDs,
		},
	}, nil
}

// WorkspacesForToken returns the workspace ids a bearer can read. Stream and
// registration auth use this; an empty result means the token grants nothing.
func (c *Client) WorkspacesForToken(ctx context.Context, accessToken string) ([]string, error) {
	viewer, err := c.Viewer(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return []string{viewer.Workspace.ID}, nil
}
