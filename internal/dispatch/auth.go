// Copyright 2025 the Switchboard authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"

	"github.com/switchboard-mcp/switchboard/internal/config"
)

// keyringService is the OS keychain service name credentials are filed under.
const keyringService = "switchboard"

// Keystore stores and resolves per-server credentials.
type Keystore interface {
	// Set stores a server's credential.
	Set(server, secret string) error
	// Get resolves a server's stored credential.
	Get(server string) (string, error)
}

// KeychainStore is the OS-keychain Keystore. It doubles as the
// transport credential source, so a token saved through saveAuthData is
// what keychain-mode servers authenticate with on the next connect.
type KeychainStore struct{}

// Set stores a server's credential in the OS keychain.
func (KeychainStore) Set(server, secret string) error {
	return keyring.Set(keyringService, server, secret)
}

// Get resolves a server's credential from the OS keychain.
func (KeychainStore) Get(server string) (string, error) {
	return keyring.Get(keyringService, server)
}

// Token implements transport.CredentialSource.
func (k KeychainStore) Token(server string) (string, error) {
	return k.Get(server)
}

// AuthIntention selects what HandleAuthFailure should do.
type AuthIntention string

const (
	// AuthIntentGetURL asks for an authorization URL to visit.
	AuthIntentGetURL AuthIntention = "getAuthUrl"
	// AuthIntentSaveData submits a credential to store.
	AuthIntentSaveData AuthIntention = "saveAuthData"
)

// AuthOutcome is the result of an auth-repair request.
type AuthOutcome struct {
	// Server is the server the outcome applies to.
	Server string `json:"server"`
	// AuthURL is the authorization URL to visit (getAuthUrl only).
	AuthURL string `json:"authUrl,omitempty"`
	// Saved reports whether a credential was stored (saveAuthData only).
	Saved bool `json:"saved,omitempty"`
	// Message is human-readable guidance on what to do next.
	Message string `json:"message"`
}

// HandleAuthFailure is the credential-repair signal path. It performs no
// OAuth exchange itself: getAuthUrl builds the authorization URL from
// the server's configured endpoints, and saveAuthData files the
// submitted credential in the keychain for the next connect to pick up.
func (d *Dispatcher) HandleAuthFailure(ctx context.Context, server string, intention AuthIntention, authData string) (*AuthOutcome, error) {
	if server == "" {
		return nil, ErrValidation("server name is required")
	}

	spec, err := d.router.Spec(server)
	if err != nil {
		return nil, ErrServerNotFound(server)
	}

	switch intention {
	case AuthIntentGetURL:
		return d.authURL(server, spec)
	case AuthIntentSaveData:
		return d.saveAuthData(server, authData)
	default:
		return nil, ErrValidation(fmt.Sprintf("unknown intention %q, expected %q or %q", intention, AuthIntentGetURL, AuthIntentSaveData))
	}
}

// authURL builds the authorization URL from the server's oauth config.
func (d *Dispatcher) authURL(server string, spec *config.ServerSpec) (*AuthOutcome, error) {
	auth := spec.Auth
	if auth == nil || auth.Mode != config.AuthOAuth {
		return nil, ErrAuth(server, "server has no oauth configuration; set auth.mode to oauth with an authorize_url")
	}
	if auth.AuthorizeURL == "" || auth.ClientID == "" {
		return nil, ErrAuth(server, "oauth configuration is incomplete: client_id and authorize_url are required")
	}

	oauthCfg := oauth2.Config{
		ClientID:    auth.ClientID,
		RedirectURL: auth.RedirectURL,
		Scopes:      auth.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  auth.AuthorizeURL,
			TokenURL: auth.TokenURL,
		},
	}

	// The state parameter is for the caller's flow; we only mint it.
	url := oauthCfg.AuthCodeURL(uuid.NewString(), oauth2.AccessTypeOffline)

	d.logger.Info("issued auth url", "server", server)

	return &AuthOutcome{
		Server:  server,
		AuthURL: url,
		Message: fmt.Sprintf("Visit the URL to authorize access, then submit the resulting credential with intention %q.", AuthIntentSaveData),
	}, nil
}

// saveAuthData files a submitted credential under the server's name.
func (d *Dispatcher) saveAuthData(server, authData string) (*AuthOutcome, error) {
	if authData == "" {
		return nil, ErrValidation("authData is required when intention is saveAuthData")
	}

	if err := d.keystore.Set(server, authData); err != nil {
		return nil, &RouterError{
			Code:    ErrorCodeAuth,
			Server:  server,
			Message: fmt.Sprintf("failed to store credential: %v", err),
			Cause:   err,
		}
	}

	d.logger.Info("credential stored", "server", server)

	return &AuthOutcome{
		Server:  server,
		Saved:   true,
		Message: "Credential stored. It will be used the next time the server connects.",
	}, nil
}
