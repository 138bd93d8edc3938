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

package server_test

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/idpstub/internal/server"
	"github.com/tdrn-org/idpstub/internal/server/userstore"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

const testClientSecret = "s3cr3t:+/&="

type testMux struct {
	mux *http.ServeMux
}

func (m *testMux) HandleFunc(pattern string, handler http.HandlerFunc) {
	m.mux.HandleFunc(pattern, handler)
}

type testProvider struct {
	provider *server.Provider
	users    *userstore.Context
	handler  http.Handler
}

func newTestProvider(t *testing.T) *testProvider {
	issuerURL, err := url.Parse(testIssuer)
	require.NoError(t, err)
	config := &server.ProviderConfig{
		IssuerURL:           issuerURL,
		ClientID:            testClientID,
		ClientSecret:        testClientSecret,
		Audience:            testAudience,
		Scope:               testScope,
		SigningKeyID:        "test-key",
		SigningKeyAlgorithm: jose.RS256,
	}
	users := userstore.NewContext(nil, slog.Default())
	provider, err := config.NewProvider(users)
	require.NoError(t, err)
	mux := &testMux{mux: http.NewServeMux()}
	provider.Mount(mux)
	t.Cleanup(func() {
		require.NoError(t, provider.Close())
	})
	return &testProvider{provider: provider, users: users, handler: mux.mux}
}

func (p *testProvider) get(path string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodGet, "http://issuer.test"+path, nil)
	response := httptest.NewRecorder()
	p.handler.ServeHTTP(response, request)
	return response
}

func (p *testProvider) postToken(form url.Values, decorate func(*http.Request)) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, "http://issuer.test/oidc/token", strings.NewReader(form.Encode()))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if decorate != nil {
		decorate(request)
	}
	response := httptest.NewRecorder()
	p.handler.ServeHTTP(response, request)
	return response
}

func (p *testProvider) authorize(t *testing.T, query url.Values) string {
	response := p.get("/oidc/authorize?" + query.Encode())
	require.Equal(t, http.StatusFound, response.Code)
	location, err := url.Parse(response.Header().Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func requireProtocolError(t *testing.T, response *httptest.ResponseRecorder, expected *server.ProtocolError) {
	require.Equal(t, expected.Status, response.Code)
	require.Equal(t, expected.Code, response.Body.String())
}

func TestDiscovery(t *testing.T) {
	p := newTestProvider(t)
	response := p.get("/oidc/.well-known/openid-configuration")
	require.Equal(t, http.StatusOK, response.Code)
	require.Equal(t, "no-store", response.Header().Get("Cache-Control"))
	discovery := &oidc.DiscoveryConfiguration{}
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), discovery))
	require.Equal(t, testIssuer, discovery.Issuer)
	require.Equal(t, testIssuer+"/authorize", discovery.AuthorizationEndpoint)
	require.Equal(t, testIssuer+"/token", discovery.TokenEndpoint)
	require.Equal(t, testIssuer+"/userinfo", discovery.UserinfoEndpoint)
	require.Equal(t, testIssuer+"/jwks", discovery.JwksURI)
	require.Equal(t, []string{"code"}, discovery.ResponseTypesSupported)
	require.Equal(t, []string{"RS256"}, discovery.IDTokenSigningAlgValuesSupported)
	require.Equal(t, []oidc.CodeChallengeMethod{oidc.CodeChallengeMethodPlain, oidc.CodeChallengeMethodS256}, discovery.CodeChallengeMethodsSupported)
	require.Equal(t, []string{"openid", "profile", "email"}, discovery.ScopesSupported)
}

func TestJWKS(t *testing.T) {
	p := newTestProvider(t)
	for _, path := range []string{"/oidc/jwks", "/oidc/.well-known/jwks.json"} {
		t.Run(path, func(t *testing.T) {
			response := p.get(path)
			require.Equal(t, http.StatusOK, response.Code)
			require.Equal(t, "no-store", response.Header().Get("Cache-Control"))
			keySet := &jose.JSONWebKeySet{}
			require.NoError(t, json.Unmarshal(response.Body.Bytes(), keySet))
			require.Len(t, keySet.Keys, 1)
			key := keySet.Keys[0]
			require.True(t, key.IsPublic())
			require.Equal(t, "test-key", key.KeyID)
			require.Equal(t, "RS256", key.Algorithm)
			require.Equal(t, "sig", key.Use)
		})
	}
}

func TestAuthorizeMissingRedirectURI(t *testing.T) {
	p := newTestProvider(t)
	requireProtocolError(t, p.get("/oidc/authorize?state=abc"), server.ErrMissingRedirectURI)
	requireProtocolError(t, p.get("/oidc/authorize?redirect_uri="), server.ErrMissingRedirectURI)
	requireProtocolError(t, p.get("/oidc/authorize?redirect_uri=%3A%2F%2Fbroken"), server.ErrMissingRedirectURI)
	require.Equal(t, 0, p.provider.Ledger().Len())
}

func TestAuthorizeRedirect(t *testing.T) {
	p := newTestProvider(t)
	tests := []struct {
		name        string
		query       url.Values
		expectState bool
	}{
		{"with state", url.Values{"redirect_uri": {"https://app.test/cb"}, "state": {"abc"}}, true},
		{"empty state", url.Values{"redirect_uri": {"https://app.test/cb"}, "state": {""}}, true},
		{"without state", url.Values{"redirect_uri": {"https://app.test/cb"}}, false},
		{"existing query", url.Values{"redirect_uri": {"https://app.test/cb?tenant=t1"}, "state": {"xyz"}}, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			response := p.get("/oidc/authorize?" + test.query.Encode())
			require.Equal(t, http.StatusFound, response.Code)
			redirectURL, err := url.Parse(test.query.Get("redirect_uri"))
			require.NoError(t, err)
			location, err := url.Parse(response.Header().Get("Location"))
			require.NoError(t, err)
			require.Equal(t, redirectURL.Scheme, location.Scheme)
			require.Equal(t, redirectURL.Host, location.Host)
			require.Equal(t, redirectURL.Path, location.Path)
			locationQuery := location.Query()
			require.NotEmpty(t, locationQuery.Get("code"))
			require.Equal(t, test.expectState, locationQuery.Has("state"))
			require.Equal(t, test.query.Get("state"), locationQuery.Get("state"))
			for key, values := range redirectURL.Query() {
				require.Equal(t, values, locationQuery[key])
			}
		})
	}
}

func TestAuthorizeAndToken(t *testing.T) {
	p := newTestProvider(t)
	response := p.get("/oidc/authorize?redirect_uri=https://app.test/cb&state=abc&code_challenge=" + testCodeChallenge + "&code_challenge_method=S256")
	require.Equal(t, http.StatusFound, response.Code)
	location := response.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, "https://app.test/cb?code="))
	require.True(t, strings.HasSuffix(location, "&state=abc"))
	locationURL, err := url.Parse(location)
	require.NoError(t, err)
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {locationURL.Query().Get("code")},
		"code_verifier": {testCodeVerifier},
	}

	response = p.postToken(form, nil)
	require.Equal(t, http.StatusOK, response.Code)
	require.Equal(t, "no-store", response.Header().Get("Cache-Control"))
	tokenResponse := make(map[string]any)
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &tokenResponse))
	require.NotEmpty(t, tokenResponse["access_token"])
	require.NotEmpty(t, tokenResponse["id_token"])
	require.Equal(t, "Bearer", tokenResponse["token_type"])
	require.InDelta(t, 3600, tokenResponse["expires_in"], 0)
	require.Equal(t, testScope, tokenResponse["scope"])

	requireProtocolError(t, p.postToken(form, nil), server.ErrInvalidOrUnknownCode)
}

func TestTokenCarriesNonceAndSnapshot(t *testing.T) {
	p := newTestProvider(t)
	code := p.authorize(t, url.Values{"redirect_uri": {"https://app.test/cb"}, "nonce": {"nonce-1"}})
	p.users.Set(&userstore.Override{Subject: "later-user"})

	response := p.postToken(url.Values{"code": {code}}, nil)
	require.Equal(t, http.StatusOK, response.Code)
	tokenResponse := make(map[string]any)
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &tokenResponse))
	issuer := tokenIssuerOf(t, p)
	_, idClaims := parseTestToken(t, issuer, tokenResponse["id_token"].(string), testClientID)
	require.Equal(t, "test-user", idClaims["sub"])
	require.Equal(t, "nonce-1", idClaims["nonce"])
	_, accessClaims := parseTestToken(t, issuer, tokenResponse["access_token"].(string), testAudience)
	require.NotContains(t, accessClaims, "nonce")
}

func TestTokenUnknownCode(t *testing.T) {
	p := newTestProvider(t)
	requireProtocolError(t, p.postToken(url.Values{"code": {"unknown"}}, nil), server.ErrInvalidOrUnknownCode)
	requireProtocolError(t, p.postToken(url.Values{}, nil), server.ErrInvalidOrUnknownCode)
}

func TestTokenPKCEFailureConsumesCode(t *testing.T) {
	p := newTestProvider(t)
	query := url.Values{
		"redirect_uri":          {"https://app.test/cb"},
		"code_challenge":        {testCodeChallenge},
		"code_challenge_method": {"S256"},
	}
	code := p.authorize(t, query)
	requireProtocolError(t, p.postToken(url.Values{"code": {code}, "code_verifier": {"wrong"}}, nil), server.ErrPKCEVerificationFailed)
	requireProtocolError(t, p.postToken(url.Values{"code": {code}, "code_verifier": {testCodeVerifier}}, nil), server.ErrInvalidOrUnknownCode)

	code = p.authorize(t, query)
	requireProtocolError(t, p.postToken(url.Values{"code": {code}}, nil), server.ErrPKCEVerificationFailed)
	require.Equal(t, 0, p.provider.Ledger().Len())
}

func TestTokenClientAuthentication(t *testing.T) {
	p := newTestProvider(t)
	basicAuth := func(id string, secret string) func(*http.Request) {
		return func(r *http.Request) {
			r.SetBasicAuth(url.QueryEscape(id), url.QueryEscape(secret))
		}
	}
	rawBasicAuth := func(id string, secret string) func(*http.Request) {
		return func(r *http.Request) {
			r.SetBasicAuth(id, secret)
		}
	}
	authorization := func(value string) func(*http.Request) {
		return func(r *http.Request) {
			r.Header.Set("Authorization", value)
		}
	}
	lowerCaseBasic := "basic " + base64.StdEncoding.EncodeToString([]byte(testClientID+":"+url.QueryEscape(testClientSecret)))
	tests := []struct {
		name     string
		form     url.Values
		decorate func(*http.Request)
		expected int
	}{
		{"no credentials", url.Values{}, nil, http.StatusOK},
		{"basic", url.Values{}, basicAuth(testClientID, testClientSecret), http.StatusOK},
		{"basic wrong secret", url.Values{}, basicAuth(testClientID, "wrong"), http.StatusUnauthorized},
		{"basic wrong id", url.Values{}, basicAuth("other", testClientSecret), http.StatusUnauthorized},
		{"basic wins over body", url.Values{"client_secret": {"wrong"}}, basicAuth(testClientID, testClientSecret), http.StatusOK},
		{"basic raw secret", url.Values{}, rawBasicAuth(testClientID, testClientSecret), http.StatusOK},
		{"basic raw wrong secret", url.Values{}, rawBasicAuth(testClientID, "s3cr3t: /&="), http.StatusUnauthorized},
		{"basic lower case scheme", url.Values{}, authorization(lowerCaseBasic), http.StatusOK},
		{"basic invalid base64", url.Values{}, authorization("Basic !!!notbase64"), http.StatusUnauthorized},
		{"basic without colon", url.Values{}, authorization("Basic aWRvbmx5"), http.StatusUnauthorized},
		{"basic without payload", url.Values{}, authorization("Basic"), http.StatusUnauthorized},
		{"other scheme uses body", url.Values{"client_id": {"other"}}, authorization("Bearer token"), http.StatusUnauthorized},
		{"body", url.Values{"client_id": {testClientID}, "client_secret": {testClientSecret}}, nil, http.StatusOK},
		{"body id only", url.Values{"client_id": {testClientID}}, nil, http.StatusOK},
		{"body wrong id", url.Values{"client_id": {"other"}}, nil, http.StatusUnauthorized},
		{"body wrong secret", url.Values{"client_id": {testClientID}, "client_secret": {"wrong"}}, nil, http.StatusUnauthorized},
		{"body empty secret", url.Values{"client_secret": {""}}, nil, http.StatusUnauthorized},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			code := p.authorize(t, url.Values{"redirect_uri": {"https://app.test/cb"}})
			form := url.Values{"code": {code}}
			for key, values := range test.form {
				form[key] = values
			}
			response := p.postToken(form, test.decorate)
			require.Equal(t, test.expected, response.Code)
			if test.expected == http.StatusUnauthorized {
				require.Equal(t, server.ErrInvalidClientCredentials.Code, response.Body.String())
			}
			requireProtocolError(t, p.postToken(form, test.decorate), server.ErrInvalidOrUnknownCode)
		})
	}
}

func TestTokenConcurrentExchange(t *testing.T) {
	p := newTestProvider(t)
	code := p.authorize(t, url.Values{"redirect_uri": {"https://app.test/cb"}})
	var succeeded atomic.Int32
	var rejected atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			response := p.postToken(url.Values{"code": {code}}, nil)
			switch response.Code {
			case http.StatusOK:
				succeeded.Add(1)
			case http.StatusBadRequest:
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), succeeded.Load())
	require.Equal(t, int32(15), rejected.Load())
}

func TestUserInfo(t *testing.T) {
	p := newTestProvider(t)
	p.users.Set(&userstore.Override{Subject: "alice", Groups: []string{"admins"}, Claims: map[string]any{"tenant": "t1"}})
	response := p.get("/oidc/userinfo")
	require.Equal(t, http.StatusOK, response.Code)
	claims := make(map[string]any)
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &claims))
	require.Equal(t, "alice", claims["sub"])
	require.Equal(t, "test.user@example.org", claims["email"])
	require.Equal(t, "Test User", claims["name"])
	require.Equal(t, []any{"admins"}, claims["groups"])
	require.Equal(t, "t1", claims["tenant"])
}

func TestUnhandledRoute(t *testing.T) {
	p := newTestProvider(t)
	requireProtocolError(t, p.get("/oidc/unknown"), server.ErrUnhandledRoute)
	requireProtocolError(t, p.get("/oidc/token"), server.ErrUnhandledRoute)
	requireProtocolError(t, p.get("/elsewhere"), server.ErrUnhandledRoute)
}

func TestAsProtocolError(t *testing.T) {
	require.Same(t, server.ErrPKCEVerificationFailed, server.AsProtocolError(server.ErrPKCEVerificationFailed))
	require.Same(t, server.ErrInternalStubError, server.AsProtocolError(json.Unmarshal([]byte("{"), &struct{}{})))
}

func tokenIssuerOf(t *testing.T, p *testProvider) *server.TokenIssuer {
	config := &server.TokenIssuerConfig{Issuer: testIssuer}
	issuer, err := config.NewTokenIssuer(p.provider.SigningKey())
	require.NoError(t, err)
	return issuer
}

type failingSource struct{}

func (failingSource) Current() *userstore.TestUser {
	panic("user source failure")
}

func TestHandlerPanic(t *testing.T) {
	issuerURL, err := url.Parse(testIssuer)
	require.NoError(t, err)
	config := &server.ProviderConfig{
		IssuerURL:           issuerURL,
		SigningKeyID:        "test-key",
		SigningKeyAlgorithm: jose.ES256,
	}
	provider, err := config.NewProvider(failingSource{})
	require.NoError(t, err)
	mux := &testMux{mux: http.NewServeMux()}
	provider.Mount(mux)
	p := &testProvider{provider: provider, handler: mux.mux}
	requireProtocolError(t, p.get("/oidc/userinfo"), server.ErrInternalStubError)
	requireProtocolError(t, p.get("/oidc/authorize?redirect_uri=https://app.test/cb"), server.ErrInternalStubError)
	require.Equal(t, http.StatusOK, p.get("/oidc/jwks").Code)
}
