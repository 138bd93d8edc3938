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

package oauth2client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tdrn-org/idpstub/httpserver"
	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/oauth2"
)

type AuthorizationCodeFlowConfig[C oidc.IDClaims] struct {
	BaseURL         string
	AuthURLPath     string
	RedirectURLPath string
	Issuer          string
	ClientId        string
	ClientSecret    string
	Scopes          []string
	EnablePKCE      bool
	// Nonce is sent with the authorization request and expected in the ID
	// token if not empty.
	Nonce string
}

type CodeExchangeCallback[C oidc.IDClaims] func(w http.ResponseWriter, r *http.Request, tokens *oidc.Tokens[C], state string, flow *AuthorizationCodeFlow[C])

func (config *AuthorizationCodeFlowConfig[C]) NewFlow(ctx context.Context, httpClient *http.Client, codeExchangeCallback CodeExchangeCallback[C]) (*AuthorizationCodeFlow[C], error) {
	parsedBaseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL '%s' (cause: %w)", config.BaseURL, err)
	}
	authURL := resolvePath(parsedBaseURL, config.AuthURLPath, "/authenticate")
	redirectURL := resolvePath(parsedBaseURL, config.RedirectURLPath, "/authorized")
	cookieHandler := newCookieHandler(parsedBaseURL)
	logger := slog.With(slog.String("client", config.ClientId), slog.String("issuer", config.Issuer))
	verifierOpts := []rp.VerifierOption{rp.WithIssuedAtOffset(5 * time.Second)}
	urlParams := make([]rp.URLParamOpt, 0, 1)
	if config.Nonce != "" {
		nonce := config.Nonce
		verifierOpts = append(verifierOpts, rp.WithNonce(func(context.Context) string { return nonce }))
		urlParams = append(urlParams, rp.WithURLParam("nonce", nonce))
	}
	options := []rp.Option{
		rp.WithHTTPClient(httpClient),
		rp.WithCookieHandler(cookieHandler),
		rp.WithLogger(logger),
		rp.WithVerifierOpts(verifierOpts...),
		rp.WithSigningAlgsFromDiscovery(),
	}
	if config.ClientSecret == "" || config.EnablePKCE {
		options = append(options, rp.WithPKCE(cookieHandler))
	}
	providerFunc := sync.OnceValues(func() (rp.RelyingParty, error) {
		provider, err := rp.NewRelyingPartyOIDC(ctx, config.Issuer, config.ClientId, config.ClientSecret, redirectURL.String(), config.Scopes, options...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OIDC relying party (cause: %w)", err)
		}
		return provider, nil
	})
	flow := &AuthorizationCodeFlow[C]{
		authURL:              authURL,
		redirectURL:          redirectURL,
		urlParams:            urlParams,
		providerFunc:         providerFunc,
		codeExchangeCallback: codeExchangeCallback,
		logger:               logger.With(slog.Any("redirectURL", redirectURL)),
	}
	return flow, nil
}

func resolvePath(baseURL *url.URL, path string, defaultPath string) *url.URL {
	if path != "" {
		return baseURL.JoinPath(path)
	}
	return baseURL.JoinPath(defaultPath)
}

type AuthorizationCodeFlow[C oidc.IDClaims] struct {
	authURL              *url.URL
	redirectURL          *url.URL
	urlParams            []rp.URLParamOpt
	providerFunc         func() (rp.RelyingParty, error)
	codeExchangeCallback CodeExchangeCallback[C]
	logger               *slog.Logger
}

func (flow *AuthorizationCodeFlow[C]) Mount(handler httpserver.Handler) *AuthorizationCodeFlow[C] {
	handler.HandleFunc(flow.authURL.Path, flow.authHandler)
	handler.HandleFunc(flow.redirectURL.Path, flow.redirectHandler)
	return flow
}

func (flow *AuthorizationCodeFlow[C]) authHandler(w http.ResponseWriter, r *http.Request) {
	provider, err := flow.providerFunc()
	if err != nil {
		flow.logger.Error("relying party unavailable", slog.Any("err", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	rp.AuthURLHandler(uuid.NewString, provider, flow.urlParams...).ServeHTTP(w, r)
}

func (flow *AuthorizationCodeFlow[C]) redirectHandler(w http.ResponseWriter, r *http.Request) {
	provider, err := flow.providerFunc()
	if err != nil {
		flow.logger.Error("relying party unavailable", slog.Any("err", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	rp.CodeExchangeHandler(flow.codeExchange, provider)(w, r)
}

func (flow *AuthorizationCodeFlow[C]) codeExchange(w http.ResponseWriter, r *http.Request, tokens *oidc.Tokens[C], state string, _ rp.RelyingParty) {
	flow.logger.Debug("authorization code exchanged", slog.String("state", state))
	flow.codeExchangeCallback(w, r, tokens, state, flow)
}

// Authenticate runs the complete flow using the relying party's http
// client, which must follow redirects and keep cookies.
func (flow *AuthorizationCodeFlow[C]) Authenticate() error {
	provider, err := flow.providerFunc()
	if err != nil {
		return err
	}
	rsp, err := provider.HttpClient().Get(flow.authURL.String())
	if err != nil {
		return fmt.Errorf("failed to initiate authorization code flow (cause: %w)", err)
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w (authorization code flow status: %s)", ErrNotAuthenticated, rsp.Status)
	}
	return nil
}

func (flow *AuthorizationCodeFlow[C]) Client(ctx context.Context, token *oauth2.Token) (*http.Client, error) {
	provider, err := flow.providerFunc()
	if err != nil {
		return nil, err
	}
	return provider.OAuthConfig().Client(ctx, token), nil
}

func (flow *AuthorizationCodeFlow[C]) UserinfoEndpoint() string {
	provider, err := flow.providerFunc()
	if err != nil {
		return ""
	}
	return provider.UserinfoEndpoint()
}

func (flow *AuthorizationCodeFlow[C]) GetUserInfo(ctx context.Context, client *http.Client) (*oidc.UserInfo, error) {
	provider, err := flow.providerFunc()
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.UserinfoEndpoint(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request (cause: %w)", err)
	}
	userInfoResponse, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("user info request failure (cause: %w)", err)
	}
	defer userInfoResponse.Body.Close()
	if userInfoResponse.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info endpoint failure (status: %s)", userInfoResponse.Status)
	}
	userInfo := &oidc.UserInfo{}
	err = json.NewDecoder(userInfoResponse.Body).Decode(userInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to decode user info endpoint response (cause: %w)", err)
	}
	return userInfo, nil
}
