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
	"log/slog"
	"sync"
)

// Source provides the user the stub currently authenticates as.
type Source interface {
	Current() *TestUser
}

func DefaultTestUser() *TestUser {
	return &TestUser{
		Subject: "test-user",
		Email:   "test.user@example.org",
		Name:    "Test User",
		Groups:  []string{"users"},
		Claims:  map[string]any{},
	}
}

// Context is the mutable cell holding the current test user. All accessors
// hand out copies.
type Context struct {
	defaultUser *TestUser
	current     *TestUser
	logger      *slog.Logger
	mutex       sync.RWMutex
}

func NewContext(defaultUser *TestUser, logger *slog.Logger) *Context {
	if defaultUser == nil {
		defaultUser = DefaultTestUser()
	}
	logger.Debug("creating user context", slog.String("sub", defaultUser.Subject))
	return &Context{
		defaultUser: defaultUser.Clone(),
		current:     defaultUser.Clone(),
		logger:      logger,
	}
}

func (c *Context) Current() *TestUser {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.current.Clone()
}

// Set merges the override onto the default user and makes the result the
// current user.
func (c *Context) Set(override *Override) *TestUser {
	user := c.defaultUser.Merge(override)
	c.logger.Debug("setting current user", slog.String("sub", user.Subject))
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.current = user
	return user.Clone()
}

func (c *Context) Reset() {
	c.logger.Debug("resetting current user", slog.String("sub", c.defaultUser.Subject))
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.current = c.defaultUser.Clone()
}
