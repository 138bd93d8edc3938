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
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/tdrn-org/idpstub/httpserver"
	"github.com/tdrn-org/idpstub/internal/server/userstore"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/text/language"
)

type ProviderConfig struct {
	IssuerURL           *url.URL
	ClientID            string
	ClientSecret        string
	Audience            string
	Scope               string
	SigningKeyID        string
	SigningKeyAlgorithm jose.SignatureAlgorithm
}

// NewProvider generates the signing key and sets up an empty code ledger.
// The users source is queried on every authorize and userinfo request.
func (config *ProviderConfig) NewProvider(users userstore.Source) (*Provider, error) {
	logger := slog.With(slog.String("issuer", config.IssuerURL.String()))
	signingKey, err := GenerateSigningKey(config.SigningKeyID, config.SigningKeyAlgorithm)
	if err != nil {
		return nil, err
	}
	tokenIssuerConfig := &TokenIssuerConfig{
		Issuer:   config.IssuerURL.String(),
		ClientID: config.ClientID,
		Audience: config.Audience,
		Scope:    config.Scope,
	}
	tokenIssuer, err := tokenIssuerConfig.NewTokenIssuer(signingKey)
	if err != nil {
		return nil, err
	}
	provider := &Provider{
		issuerURL:    config.IssuerURL,
		clientID:     config.ClientID,
		clientSecret: config.ClientSecret,
		signingKey:   signingKey,
		tokenIssuer:  tokenIssuer,
		ledger:       NewCodeLedger(logger),
		users:        users,
		logger:       logger,
	}
	return provider, nil
}

// Provider serves the OpenID Connect endpoints below the issuer URL.
type Provider struct {
	issuerURL    *url.URL
	clientID     string
	clientSecret string
	signingKey   *SigningKey
	tokenIssuer  *TokenIssuer
	ledger       *CodeLedger
	users        userstore.Source
	logger       *slog.Logger
}

const (
	DiscoveryPath     = "/.well-known/openid-configuration"
	JWKSPath          = "/jwks"
	JWKSWellKnownPath = "/.well-known/jwks.json"
	AuthorizePath     = "/authorize"
	TokenPath         = "/token"
	UserInfoPath      = "/userinfo"
)

var noStoreHeader = &httpserver.StaticHeader{Key: "Cache-Control", Value: "no-store"}

func (p *Provider) Mount(handler httpserver.Handler) *Provider {
	basePath := strings.TrimSuffix(p.issuerURL.Path, "/")
	handler.HandleFunc(http.MethodGet+" "+basePath+DiscoveryPath, noStore(p.dispatch("discovery", p.handleDiscovery)))
	handler.HandleFunc(http.MethodGet+" "+basePath+JWKSPath, noStore(p.dispatch("jwks", p.handleJWKS)))
	handler.HandleFunc(http.MethodGet+" "+basePath+JWKSWellKnownPath, noStore(p.dispatch("jwks", p.handleJWKS)))
	handler.HandleFunc(http.MethodGet+" "+basePath+AuthorizePath, p.dispatch("authorize", p.handleAuthorize))
	handler.HandleFunc(http.MethodPost+" "+basePath+TokenPath, noStore(p.dispatch("token", p.handleToken)))
	handler.HandleFunc(http.MethodGet+" "+basePath+UserInfoPath, p.dispatch("userinfo", p.handleUserInfo))
	handler.HandleFunc("/", p.dispatch("unhandled", p.handleUnhandled))
	return p
}

func (p *Provider) IssuerURL() *url.URL {
	return p.issuerURL
}

func (p *Provider) SigningKey() *SigningKey {
	return p.signingKey
}

func (p *Provider) Ledger() *CodeLedger {
	return p.ledger
}

// IssueTokens issues tokens for the given user without any code exchange.
func (p *Provider) IssueTokens(user *userstore.TestUser, nonce string) (*Tokens, error) {
	return p.tokenIssuer.Issue(user, nonce)
}

func (p *Provider) Close() error {
	p.logger.Info("closing OIDC provider")
	p.ledger.Clear()
	return nil
}

func (p *Provider) endpointURL(path string) string {
	return p.issuerURL.JoinPath(path).String()
}

// Discovery returns the provider metadata served at the discovery endpoint.
func (p *Provider) Discovery() *oidc.DiscoveryConfiguration {
	return &oidc.DiscoveryConfiguration{
		Issuer:                            p.tokenIssuer.Issuer(),
		AuthorizationEndpoint:             p.endpointURL(AuthorizePath),
		TokenEndpoint:                     p.endpointURL(TokenPath),
		UserinfoEndpoint:                  p.endpointURL(UserInfoPath),
		JwksURI:                           p.endpointURL(JWKSPath),
		ScopesSupported:                   strings.Fields(p.tokenIssuer.Scope()),
		ResponseTypesSupported:            []string{string(oidc.ResponseTypeCode)},
		GrantTypesSupported:               []oidc.GrantType{oidc.GrantTypeCode},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{string(p.signingKey.Algorithm)},
		TokenEndpointAuthMethodsSupported: []oidc.AuthMethod{oidc.AuthMethodBasic, oidc.AuthMethodPost, oidc.AuthMethodNone},
		ClaimsSupported:                   []string{"iss", "sub", "aud", "iat", "exp", "nonce", "email", "name", "groups"},
		CodeChallengeMethodsSupported:     []oidc.CodeChallengeMethod{oidc.CodeChallengeMethodPlain, oidc.CodeChallengeMethodS256},
		UILocalesSupported:                []language.Tag{language.English},
	}
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func noStore(handler http.HandlerFunc) http.HandlerFunc {
	return httpserver.HeaderHandler(handler, noStoreHeader).ServeHTTP
}

func (p *Provider) dispatch(endpoint string, handle handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered != nil {
				p.logger.Error("endpoint panic", slog.String("endpoint", endpoint), slog.Any("panic", recovered))
				p.writeError(w, ErrInternalStubError)
			}
		}()
		err := handle(w, r)
		if err == nil {
			return
		}
		protocolErr := AsProtocolError(err)
		if protocolErr == ErrInternalStubError {
			p.logger.Error("endpoint failure", slog.String("endpoint", endpoint), slog.String("path", r.URL.Path), slog.Any("err", err))
		} else {
			p.logger.Info("endpoint request rejected", slog.String("endpoint", endpoint), slog.String("path", r.URL.Path), slog.Any("err", err))
		}
		p.writeError(w, protocolErr)
	}
}

func (p *Provider) writeError(w http.ResponseWriter, protocolErr *ProtocolError) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(protocolErr.Status)
	_, _ = w.Write([]byte(protocolErr.Code))
}

func (p *Provider) writeJSON(w http.ResponseWriter, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal response (cause: %w)", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(body)
	if err != nil {
		p.logger.Warn("failed to write response", slog.Any("err", err))
	}
	return nil
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, _ *http.Request) error {
	return p.writeJSON(w, http.StatusOK, p.Discovery())
}

func (p *Provider) handleJWKS(w http.ResponseWriter, _ *http.Request) error {
	return p.writeJSON(w, http.StatusOK, p.signingKey.KeySet())
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()
	redirectURI := query.Get("redirect_uri")
	if redirectURI == "" {
		return ErrMissingRedirectURI
	}
	redirectURL, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("%w (cause: %w)", ErrMissingRedirectURI, err)
	}
	record := &AuthorizationRecord{
		RedirectURI:         redirectURI,
		State:               query.Get("state"),
		HasState:            query.Has("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Nonce:               query.Get("nonce"),
		ClientID:            query.Get("client_id"),
		User:                p.users.Current(),
	}
	code, err := p.ledger.Issue(record)
	if err != nil {
		return err
	}
	redirectQuery := redirectURL.Query()
	redirectQuery.Set("code", code)
	if record.HasState {
		redirectQuery.Set("state", record.State)
	}
	redirectURL.RawQuery = redirectQuery.Encode()
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) error {
	err := r.ParseForm()
	if err != nil {
		return fmt.Errorf("%w (cause: %w)", ErrInvalidOrUnknownCode, err)
	}
	record, found := p.ledger.Consume(r.PostForm.Get("code"))
	if !found {
		return ErrInvalidOrUnknownCode
	}
	if !VerifyPKCE(record, r.PostForm.Get("code_verifier")) {
		return ErrPKCEVerificationFailed
	}
	if !p.authenticateClient(r) {
		return ErrInvalidClientCredentials
	}
	tokens, err := p.tokenIssuer.Issue(record.User, record.Nonce)
	if err != nil {
		return err
	}
	response := &tokenResponse{
		AccessToken: tokens.AccessToken,
		IDToken:     tokens.IDToken,
		TokenType:   oidc.BearerToken,
		ExpiresIn:   int64(p.tokenIssuer.Lifetime().Seconds()),
		Scope:       p.tokenIssuer.Scope(),
	}
	w.Header().Set("Pragma", "no-cache")
	return p.writeJSON(w, http.StatusOK, response)
}

// authenticateClient checks the Basic credentials if the Basic scheme is
// used and the body credentials otherwise. Absent body fields are not
// checked. A malformed Basic header never authenticates.
func (p *Provider) authenticateClient(r *http.Request) bool {
	scheme, _, _ := strings.Cut(r.Header.Get("Authorization"), " ")
	if strings.EqualFold(scheme, "Basic") {
		basicID, basicSecret, ok := r.BasicAuth()
		if !ok {
			return false
		}
		return matchBasicCredential(basicID, p.clientID) && matchBasicCredential(basicSecret, p.clientSecret)
	}
	if r.PostForm.Has("client_id") && !matchCredential(r.PostForm.Get("client_id"), p.clientID) {
		return false
	}
	if r.PostForm.Has("client_secret") && !matchCredential(r.PostForm.Get("client_secret"), p.clientSecret) {
		return false
	}
	return true
}

// matchBasicCredential accepts the form-urlencoded value as well as the
// raw value, as clients like curl -u send credentials unencoded.
func matchBasicCredential(presented string, expected string) bool {
	decoded, err := url.QueryUnescape(presented)
	if err == nil && matchCredential(decoded, expected) {
		return true
	}
	return matchCredential(presented, expected)
}

func matchCredential(presented string, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, _ *http.Request) error {
	userInfo := &oidc.UserInfo{}
	p.users.Current().SetUserInfo(userInfo)
	return p.writeJSON(w, http.StatusOK, userInfo)
}

func (p *Provider) handleUnhandled(_ http.ResponseWriter, r *http.Request) error {
	return fmt.Errorf("%w (%s %s)", ErrUnhandledRoute, r.Method, r.URL.Path)
}
