/*
 * Copyright 2025 Holger de Carne
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package server

import (
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/tdrn-org/idpstub/internal/server/conf"
	"github.com/tdrn-org/idpstub/internal/server/userstore"
)

// Tokens is the result of a successful code exchange or a direct issue.
type Tokens struct {
	AccessToken string              `json:"access_token"`
	IDToken     string              `json:"id_token"`
	User        *userstore.TestUser `json:"user"`
}

type TokenIssuerConfig struct {
	Issuer   string
	ClientID string
	Audience string
	Scope    string
}

// TokenIssuer signs ID and access tokens with the provider's signing key.
type TokenIssuer struct {
	issuer     string
	clientID   string
	audience   string
	scope      string
	signingKey *SigningKey
	signer     jose.Signer
	logger     *slog.Logger
}

func (config *TokenIssuerConfig) NewTokenIssuer(signingKey *SigningKey) (*TokenIssuer, error) {
	signer, err := signingKey.newSigner()
	if err != nil {
		return nil, err
	}
	issuer := &TokenIssuer{
		issuer:     config.Issuer,
		clientID:   config.ClientID,
		audience:   config.Audience,
		scope:      config.Scope,
		signingKey: signingKey,
		signer:     signer,
		logger:     slog.With(slog.String("issuer", config.Issuer), slog.String("kid", signingKey.ID)),
	}
	return issuer, nil
}

func (i *TokenIssuer) Issuer() string {
	return i.issuer
}

func (i *TokenIssuer) SigningKey() *SigningKey {
	return i.signingKey
}

func (i *TokenIssuer) Scope() string {
	return i.scope
}

func (i *TokenIssuer) Lifetime() time.Duration {
	return conf.LookupRuntime().TokenLifetime
}

// Issue creates the ID and access token for the given user. The nonce is
// only added to the ID token and only if it is not empty.
func (i *TokenIssuer) Issue(user *userstore.TestUser, nonce string) (*Tokens, error) {
	issuedAt := time.Now()
	idToken, err := i.IDToken(user, nonce, issuedAt)
	if err != nil {
		return nil, err
	}
	accessToken, err := i.AccessToken(user, issuedAt)
	if err != nil {
		return nil, err
	}
	i.logger.Debug("tokens issued", slog.String("sub", user.Subject))
	tokens := &Tokens{
		AccessToken: accessToken,
		IDToken:     idToken,
		User:        user.Clone(),
	}
	return tokens, nil
}

func (i *TokenIssuer) IDToken(user *userstore.TestUser, nonce string, issuedAt time.Time) (string, error) {
	claims := user.ProfileClaims()
	if nonce != "" {
		claims["nonce"] = nonce
	}
	return i.sign(claims, i.clientID, issuedAt)
}

func (i *TokenIssuer) AccessToken(user *userstore.TestUser, issuedAt time.Time) (string, error) {
	claims := make(map[string]any, 5+len(user.Claims))
	claims["scope"] = i.scope
	maps.Copy(claims, user.ProfileClaims())
	return i.sign(claims, i.audience, issuedAt)
}

func (i *TokenIssuer) sign(claims map[string]any, audience string, issuedAt time.Time) (string, error) {
	registered := jwt.Claims{
		Issuer:   i.issuer,
		Audience: jwt.Audience{audience},
		IssuedAt: jwt.NewNumericDate(issuedAt),
		Expiry:   jwt.NewNumericDate(issuedAt.Add(i.Lifetime())),
	}
	token, err := jwt.Signed(i.signer).Claims(claims).Claims(registered).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token (cause: %w)", err)
	}
	return token, nil
}
