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

package userstore

import (
	"errors"
	"maps"
	"slices"
	"strings"

	"github.com/zitadel/oidc/v3/pkg/oidc"
)

var ErrInvalidUser = errors.New("invalid test user")

// TestUser is a synthetic identity the stub authenticates as.
type TestUser struct {
	Subject string         `json:"sub"`
	Email   string         `json:"email"`
	Name    string         `json:"name"`
	Groups  []string       `json:"groups"`
	Claims  map[string]any `json:"claims,omitempty"`
}

// Override describes a partial TestUser. Empty strings and a nil Groups
// slice leave the corresponding value untouched. A non-nil Groups slice
// replaces the groups wholesale, while Claims are merged key by key.
type Override struct {
	Subject string
	Email   string
	Name    string
	Groups  []string
	Claims  map[string]any
}

func (user *TestUser) Validate() error {
	if strings.TrimSpace(user.Subject) == "" {
		return errors.Join(ErrInvalidUser, errors.New("missing subject"))
	}
	return nil
}

// Clone returns a deep copy, so the result does not share groups or claims
// with the receiver.
func (user *TestUser) Clone() *TestUser {
	clone := &TestUser{
		Subject: user.Subject,
		Email:   user.Email,
		Name:    user.Name,
		Groups:  cloneGroups(user.Groups),
		Claims:  cloneClaims(user.Claims),
	}
	return clone
}

// Merge returns a copy of the receiver with the override applied.
func (user *TestUser) Merge(override *Override) *TestUser {
	merged := user.Clone()
	if override == nil {
		return merged
	}
	if override.Subject != "" {
		merged.Subject = override.Subject
	}
	if override.Email != "" {
		merged.Email = override.Email
	}
	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Groups != nil {
		merged.Groups = cloneGroups(override.Groups)
	}
	if len(override.Claims) > 0 {
		if merged.Claims == nil {
			merged.Claims = make(map[string]any, len(override.Claims))
		}
		maps.Copy(merged.Claims, cloneClaims(override.Claims))
	}
	return merged
}

// ProfileClaims returns the flat claim set: sub, email, name, groups
// followed by the custom claims (custom claims win on conflicts).
func (user *TestUser) ProfileClaims() map[string]any {
	claims := make(map[string]any, 4+len(user.Claims))
	claims["sub"] = user.Subject
	claims["email"] = user.Email
	claims["name"] = user.Name
	claims["groups"] = cloneGroups(user.Groups)
	maps.Copy(claims, cloneClaims(user.Claims))
	return claims
}

func (user *TestUser) SetUserInfo(userInfo *oidc.UserInfo) {
	userInfo.Subject = user.Subject
	userInfo.Name = user.Name
	userInfo.Email = user.Email
	userInfo.AppendClaims("groups", cloneGroups(user.Groups))
	for key, value := range cloneClaims(user.Claims) {
		userInfo.AppendClaims(key, value)
	}
}

func cloneGroups(groups []string) []string {
	if groups == nil {
		return []string{}
	}
	return slices.Clone(groups)
}

func cloneClaims(claims map[string]any) map[string]any {
	if claims == nil {
		return nil
	}
	clone := make(map[string]any, len(claims))
	for key, value := range claims {
		clone[key] = cloneValue(value)
	}
	return clone
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneClaims(v)
	case []any:
		clone := make([]any, len(v))
		for i, element := range v {
			clone[i] = cloneValue(element)
		}
		return clone
	case []string:
		return slices.Clone(v)
	}
	return value
}
