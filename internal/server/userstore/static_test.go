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

package userstore_test

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/idpstub/internal/server/userstore"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

func TestContextSetAndReset(t *testing.T) {
	users := userstore.NewContext(nil, slog.Default())
	require.Equal(t, userstore.DefaultTestUser(), users.Current())

	current := users.Set(&userstore.Override{
		Subject: "alice",
		Email:   "alice@example.org",
		Groups:  []string{"admins"},
		Claims:  map[string]any{"tenant": "t1"},
	})
	require.Equal(t, "alice", current.Subject)
	require.Equal(t, "alice@example.org", current.Email)
	require.Equal(t, "Test User", current.Name)
	require.Equal(t, []string{"admins"}, current.Groups)
	require.Equal(t, "t1", current.Claims["tenant"])
	require.Equal(t, current, users.Current())

	users.Reset()
	require.Equal(t, userstore.DefaultTestUser(), users.Current())
}

func TestContextSetMergesOntoDefault(t *testing.T) {
	defaultUser := &userstore.TestUser{
		Subject: "default",
		Groups:  []string{"g1", "g2"},
		Claims:  map[string]any{"a": 1, "b": 2},
	}
	users := userstore.NewContext(defaultUser, slog.Default())
	users.Set(&userstore.Override{Subject: "first", Claims: map[string]any{"c": 3}})
	current := users.Set(&userstore.Override{Claims: map[string]any{"b": 20}})
	require.Equal(t, "default", current.Subject)
	require.Equal(t, []string{"g1", "g2"}, current.Groups)
	require.Equal(t, map[string]any{"a": 1, "b": 20}, current.Claims)
}

func TestMergeReplacesGroupsWholesale(t *testing.T) {
	user := userstore.DefaultTestUser()
	merged := user.Merge(&userstore.Override{Groups: []string{}})
	require.Empty(t, merged.Groups)
	require.Equal(t, []string{"users"}, user.Groups)
	require.Equal(t, user, user.Merge(nil))
}

func TestCurrentIsSnapshot(t *testing.T) {
	users := userstore.NewContext(nil, slog.Default())
	snapshot := users.Current()
	snapshot.Groups[0] = "mutated"
	snapshot.Claims["extra"] = true
	require.Equal(t, userstore.DefaultTestUser(), users.Current())

	nested := users.Set(&userstore.Override{Claims: map[string]any{"nested": map[string]any{"k": "v"}}})
	nested.Claims["nested"].(map[string]any)["k"] = "changed"
	require.Equal(t, "v", users.Current().Claims["nested"].(map[string]any)["k"])
}

func TestProfileClaims(t *testing.T) {
	user := &userstore.TestUser{
		Subject: "bob",
		Email:   "bob@example.org",
		Name:    "Bob",
		Claims:  map[string]any{"name": "Robert", "locale": "de"},
	}
	claims := user.ProfileClaims()
	require.Equal(t, map[string]any{
		"sub":    "bob",
		"email":  "bob@example.org",
		"name":   "Robert",
		"groups": []string{},
		"locale": "de",
	}, claims)
}

func TestSetUserInfo(t *testing.T) {
	user := userstore.DefaultTestUser()
	user.Claims["department"] = "qa"
	userInfo := &oidc.UserInfo{}
	user.SetUserInfo(userInfo)
	require.Equal(t, user.Subject, userInfo.Subject)
	require.Equal(t, user.Email, userInfo.Email)
	require.Equal(t, user.Name, userInfo.Name)
	require.Equal(t, user.Groups, userInfo.Claims["groups"])
	require.Equal(t, "qa", userInfo.Claims["department"])
}

func TestValidate(t *testing.T) {
	require.NoError(t, userstore.DefaultTestUser().Validate())
	err := (&userstore.TestUser{Subject: " "}).Validate()
	require.ErrorIs(t, err, userstore.ErrInvalidUser)
}

func TestContextConcurrentAccess(t *testing.T) {
	users := userstore.NewContext(nil, slog.Default())
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				users.Set(&userstore.Override{Claims: map[string]any{"i": i}})
			} else {
				require.NotEmpty(t, users.Current().Subject)
			}
		}()
	}
	wg.Wait()
}
