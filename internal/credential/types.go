// Package credential owns the upstream OAuth credential lifecycle: the
// envelope crypto that seals tokens at rest, the vault that stores them per
// workspace, and the fingerprints that identify edges without exposing the
// bearer they authenticated with.
package credential

import "time"

// Credential is an upstream OAuth grant bound to one workspace and the
// viewer identity it was obtained for. The plaintext form never touches the
// store.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Scopes       []string  `json:"scopes"`
	ObtainedAt   time.Time `json:"obtained_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	UserEmail    string    `json:"user_email"`
	WorkspaceID  string    `json:"workspace_id"`
}

// EncryptedCredential is the stored form. AccessToken and RefreshToken are
// base64 AES-GCM ciphertexts sealed under the record's single nonce.
type EncryptedCredential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Nonce        string    `json:"nonce"`
	TokenType    string    `json:"token_type"`
	Scopes       []string  `json:"scopes"`
	ObtainedAt   time.Time `json:"obtained_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	UserEmail    string    `json:"user_email"`
	WorkspaceID  string    `json:"workspace_id"`
}

// Workspace is the unit of tenancy, mirrored from the upstream organization
// at OAuth completion and refreshed on every completion.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URLKey    string    `json:"url_key"`
	TeamIDs   []string  `json:"team_ids"`
	UpdatedAt time.Time `json:"updated_at"`
}
